package device

import "github.com/Alia5/VCOM/event"

// Stack is the set of primitives the underlying USB device stack exposes to
// a composed device. Implementations live outside this package (the USB/IP
// bridge in internal/server/usb, fakes in tests); the device layer only
// calls into them and never blocks on them.
type Stack interface {
	// OpenEndpoint opens an endpoint by address, transfer type and max
	// packet size. Address includes the direction bit.
	OpenEndpoint(address uint8, attributes uint8, maxPacketSize uint16) error
	// CloseEndpoint closes a previously opened endpoint. Closing an
	// endpoint that was never opened is a no-op.
	CloseEndpoint(address uint8) error
	// ControlSend queues data as the EP0 IN data stage of the control
	// transfer currently being serviced.
	ControlSend(data []byte) error
	// ControlReceive arms buf to receive the EP0 OUT data stage of the
	// control transfer currently being serviced. Completion is reported as
	// a ClassRxComplete event on the registered bus.
	ControlReceive(buf []byte) error
	// ControlStall fails the control transfer currently being serviced.
	ControlStall()
	// RegisterClass binds bus as the class-callback target: the stack will
	// publish ClassInit, ClassDeinit, ClassSetup and ClassRxComplete
	// events on it.
	RegisterClass(bus *event.Bus) error
}
