package cdc

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/Alia5/VCOM/event"
)

// CDC PSTN class request codes.
const (
	RequestSetLineCoding       = 0x20
	RequestGetLineCoding       = 0x21
	RequestSetControlLineState = 0x22
	RequestSendBreak           = 0x23
)

// Control line state bits (wValue of SET_CONTROL_LINE_STATE).
const (
	ControlLineDTR uint16 = 1 << 0
	ControlLineRTS uint16 = 1 << 1
)

// LineCodingSize is the wire size of a line coding structure.
const LineCodingSize = 7

// Stop bit encodings.
const (
	StopBits1 uint8 = iota
	StopBits1p5
	StopBits2
)

// Parity encodings.
const (
	ParityNone uint8 = iota
	ParityOdd
	ParityEven
	ParityMark
	ParitySpace
)

// LineCoding is the CDC line coding structure: baud rate, stop bits, parity
// and data bits. Wire layout is 7 bytes little-endian.
type LineCoding struct {
	BaudRate uint32
	StopBits uint8
	Parity   uint8
	DataBits uint8
}

// MarshalBinary encodes the line coding into its 7-byte wire form.
func (l LineCoding) MarshalBinary() ([]byte, error) {
	buf := make([]byte, LineCodingSize)
	binary.LittleEndian.PutUint32(buf, l.BaudRate)
	buf[4] = l.StopBits
	buf[5] = l.Parity
	buf[6] = l.DataBits
	return buf, nil
}

// UnmarshalBinary decodes a 7-byte line coding.
func (l *LineCoding) UnmarshalBinary(data []byte) error {
	if len(data) < LineCodingSize {
		return fmt.Errorf("line coding: need %d bytes, got %d", LineCodingSize, len(data))
	}
	l.BaudRate = binary.LittleEndian.Uint32(data)
	l.StopBits = data[4]
	l.Parity = data[5]
	l.DataBits = data[6]
	return nil
}

func (l LineCoding) String() string {
	return fmt.Sprintf("%d baud, %d data bits, parity %d, stop bits %d",
		l.BaudRate, l.DataBits, l.Parity, l.StopBits)
}

// LineHandler answers line coding and control line state requests. It keeps
// the most recent settings and makes them available to the application side
// of the device.
type LineHandler struct {
	mu        sync.Mutex
	coding    LineCoding
	lineState uint16
	sub       event.Subscription
}

// NewLineHandler subscribes a LineHandler to the device bus with the usual
// 115200 8N1 defaults.
func NewLineHandler(d *Device) *LineHandler {
	h := &LineHandler{
		coding: LineCoding{BaudRate: 115200, StopBits: StopBits1, Parity: ParityNone, DataBits: 8},
	}
	h.sub = d.Bus().Subscribe(h.onControl)
	return h
}

// Detach unsubscribes the handler from the device bus.
func (h *LineHandler) Detach(d *Device) {
	d.Bus().Unsubscribe(h.sub)
}

// Coding returns the line coding most recently set by the host.
func (h *LineHandler) Coding() LineCoding {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.coding
}

// DTR reports whether the host has asserted DTR.
func (h *LineHandler) DTR() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lineState&ControlLineDTR != 0
}

// RTS reports whether the host has asserted RTS.
func (h *LineHandler) RTS() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lineState&ControlLineRTS != 0
}

func (h *LineHandler) onControl(e event.Event) {
	if e.Kind != event.CdcControl {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	switch e.Opcode {
	case RequestSetLineCoding:
		if len(e.Payload) >= LineCodingSize {
			_ = h.coding.UnmarshalBinary(e.Payload)
		}
	case RequestGetLineCoding:
		// The payload is the command buffer about to be transmitted; fill it
		// with the current coding.
		if len(e.Payload) >= LineCodingSize {
			data, _ := h.coding.MarshalBinary()
			copy(e.Payload, data)
		}
	case RequestSetControlLineState:
		h.lineState = e.Setup.Value
	}
}
