// Package event implements the per-device event bus: a synchronous
// publish/subscribe channel carrying lifecycle and CDC control events
// between the device stack, the composed device, and its subscribers.
package event

import "github.com/Alia5/VCOM/usb"

// Kind identifies an event variant.
type Kind int

const (
	// ClassInit is published when the host selects a configuration and the
	// class endpoints should be opened.
	ClassInit Kind = iota
	// ClassDeinit mirrors ClassInit on deconfiguration.
	ClassDeinit
	// ClassSetup carries an EP0 SETUP packet in Setup.
	ClassSetup
	// ClassRxComplete signals that an armed EP0 OUT data stage finished.
	ClassRxComplete
	// CdcControl announces a CDC control request. Opcode holds bRequest;
	// Payload is a view into the device command buffer, or nil when the
	// request has no data stage. Subscribers must not retain Payload past
	// the handler call.
	CdcControl
)

// Event is an immutable value describing one occurrence on the bus.
type Event struct {
	Kind    Kind
	Setup   usb.SetupPacket // valid for ClassSetup
	Opcode  uint8           // valid for CdcControl
	Payload []byte          // valid for CdcControl; nil means no data stage
}

// Handler receives published events. Handlers run synchronously on the
// publisher's goroutine and must not block.
type Handler func(Event)

// Subscription is an opaque handle identifying one subscriber.
type Subscription int

// Bus delivers events to subscribers in subscription order. It is not safe
// for concurrent use: the device stack delivers all events for one device
// from a single goroutine, so the control path needs no locking.
type Bus struct {
	subs   []subscriber
	nextID Subscription
}

type subscriber struct {
	id Subscription
	h  Handler
}

// NewBus returns an empty bus.
func NewBus() *Bus { return &Bus{} }

// Subscribe registers h and returns its handle.
func (b *Bus) Subscribe(h Handler) Subscription {
	b.nextID++
	b.subs = append(b.subs, subscriber{id: b.nextID, h: h})
	return b.nextID
}

// Unsubscribe removes the subscriber with the given handle. Removing a
// handle that is not present is a no-op.
func (b *Bus) Unsubscribe(s Subscription) {
	for i, sub := range b.subs {
		if sub.id == s {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers e to every current subscriber, in subscription order.
// The subscriber list is snapshotted first so handlers may subscribe or
// unsubscribe without affecting this delivery.
func (b *Bus) Publish(e Event) {
	subs := make([]subscriber, len(b.subs))
	copy(subs, b.subs)
	for _, s := range subs {
		s.h(e)
	}
}
