package cdc

import (
	"encoding/binary"
	"sync"

	"github.com/Alia5/VCOM/usb"
)

// CDC notification codes (PSTN subclass).
const (
	NotificationSerialState = 0x20
)

// SerialState bitmap bits carried in a SerialState notification.
const (
	SerialStateDCD     uint16 = 1 << 0 // carrier detect (bRxCarrier)
	SerialStateDSR     uint16 = 1 << 1 // data set ready (bTxCarrier)
	SerialStateBreak   uint16 = 1 << 2
	SerialStateRing    uint16 = 1 << 3
	SerialStateFraming uint16 = 1 << 4
	SerialStateParity  uint16 = 1 << 5
	SerialStateOverrun uint16 = 1 << 6
)

// notificationQueue holds packets pending on the command endpoint. Packets
// are queued from the application side and drained by interrupt IN polls on
// the URB goroutine, so the queue carries its own lock.
type notificationQueue struct {
	mu      sync.Mutex
	pending [][]byte
}

func (q *notificationQueue) push(pkt []byte) {
	q.mu.Lock()
	q.pending = append(q.pending, pkt)
	q.mu.Unlock()
}

func (q *notificationQueue) pop() []byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	pkt := q.pending[0]
	q.pending = q.pending[1:]
	return pkt
}

func (q *notificationQueue) clear() {
	q.mu.Lock()
	q.pending = nil
	q.mu.Unlock()
}

// NotifySerialState queues a SerialState notification for the host: an
// 8-byte class notification header followed by the 2-byte state bitmap.
func (d *Device) NotifySerialState(state uint16) {
	pkt := make([]byte, 10)
	pkt[0] = usb.RequestDirectionMask | usb.RequestTypeClass | usb.RequestRecipientInterface
	pkt[1] = NotificationSerialState
	binary.LittleEndian.PutUint16(pkt[2:], 0) // wValue
	binary.LittleEndian.PutUint16(pkt[4:], 0) // wIndex: control interface
	binary.LittleEndian.PutUint16(pkt[6:], 2) // wLength
	binary.LittleEndian.PutUint16(pkt[8:], state)
	d.notifications.push(pkt)
}
