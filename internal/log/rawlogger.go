package log

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"time"
)

// RawLogger records raw wire traffic for protocol debugging, one line per
// chunk.
type RawLogger interface {
	Log(in bool, data []byte)
}

// rawLogger hex-dumps chunks to a single writer; safe for concurrent use.
type rawLogger struct {
	w  io.Writer
	mu sync.Mutex
}

// NewRaw returns a RawLogger writing to w. A nil writer yields a logger
// that discards everything.
func NewRaw(w io.Writer) RawLogger {
	return &rawLogger{w: w}
}

// Log emits one timestamped hex line for a chunk. in reports direction:
// true for bytes arriving from the client, false for bytes sent to it.
func (r *rawLogger) Log(in bool, data []byte) {
	if r.w == nil || len(data) == 0 {
		return
	}

	dir := "S->C"
	if in {
		dir = "C->S"
	}

	const hexdigits = "0123456789abcdef"
	var hexbuf bytes.Buffer
	for i, b := range data {
		if i > 0 {
			hexbuf.WriteByte(' ')
		}
		hexbuf.WriteByte(hexdigits[b>>4])
		hexbuf.WriteByte(hexdigits[b&0x0f])
	}

	line := fmt.Sprintf("%s %s chunk: %d bytes, hex: %s\n",
		time.Now().Format("2006/01/02 15:04:05"),
		dir,
		len(data),
		hexbuf.String())

	r.mu.Lock()
	_, _ = r.w.Write([]byte(line))
	r.mu.Unlock()
}
