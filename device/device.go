// Package device provides the capability composition model: independent
// endpoint/feature modules are assembled into one device, sharing a stack,
// an event bus and a descriptor, and initialised in a fixed order.
package device

import (
	"errors"
	"fmt"

	"github.com/Alia5/VCOM/event"
	"github.com/Alia5/VCOM/usb"
)

var (
	// ErrNilStack is returned when a device is initialised without a stack.
	ErrNilStack = errors.New("device has no stack")
	// ErrAlreadyInitialised is returned on a second Initialise call.
	ErrAlreadyInitialised = errors.New("device already initialised")
)

// TransferHandler services non-EP0 transfers on one endpoint. For IN
// endpoints the returned bytes are sent to the host; for OUT endpoints the
// handler consumes out and returns nil.
type TransferHandler func(out []byte) []byte

// Device is the aggregate object for one composed USB device: the stack
// handle, the event bus, the descriptor under construction, the ordered
// capability list and the endpoint dispatch table. Device types such as cdc
// wrap it and add their class logic.
type Device struct {
	stack    Stack
	bus      *event.Bus
	desc     usb.Descriptor
	caps     []Capability
	handlers map[uint8]TransferHandler

	initialised bool
}

// New creates a device over stack with the given static descriptor and
// capability list. Capabilities are initialised in the order given, during
// Initialise.
func New(stack Stack, desc usb.Descriptor, caps ...Capability) *Device {
	return &Device{
		stack:    stack,
		bus:      event.NewBus(),
		desc:     desc,
		caps:     caps,
		handlers: make(map[uint8]TransferHandler),
	}
}

// Bus returns the device event bus.
func (d *Device) Bus() *event.Bus { return d.bus }

// Stack returns the stack the device was composed over.
func (d *Device) Stack() Stack { return d.stack }

// Descriptor returns the mutable descriptor. Capabilities append their
// interfaces and endpoints here during Init; it must be complete before the
// device is exported on a bus.
func (d *Device) Descriptor() *usb.Descriptor { return &d.desc }

// Initialised reports whether Initialise completed successfully.
func (d *Device) Initialised() bool { return d.initialised }

// RegisterEndpoint binds h to an endpoint address (direction bit included).
// Later registrations for the same address replace earlier ones.
func (d *Device) RegisterEndpoint(address uint8, h TransferHandler) {
	d.handlers[address] = h
}

// Initialise performs base bring-up, then initialises every capability in
// composition order, stopping at the first failure. A failed device is left
// partially initialised and must be discarded; there is no rollback or
// retry.
func (d *Device) Initialise(p *Params) error {
	if err := d.initBase(p); err != nil {
		return err
	}
	for _, c := range d.caps {
		if err := c.Init(d, p); err != nil {
			return fmt.Errorf("initialise %s: %w", c.Name(), err)
		}
	}
	d.initialised = true
	return nil
}

// initBase applies the shared parameters to the descriptor.
func (d *Device) initBase(p *Params) error {
	if d.stack == nil {
		return ErrNilStack
	}
	if d.initialised {
		return ErrAlreadyInitialised
	}
	if p.VendorID != 0 {
		d.desc.Device.IDVendor = p.VendorID
	}
	if p.ProductID != 0 {
		d.desc.Device.IDProduct = p.ProductID
	}
	if d.desc.Strings == nil {
		d.desc.Strings = map[uint8]string{}
	}
	if p.Manufacturer != "" {
		d.desc.Strings[d.desc.Device.IManufacturer] = p.Manufacturer
	}
	if p.Product != "" {
		d.desc.Strings[d.desc.Device.IProduct] = p.Product
	}
	if p.SerialNumber != "" {
		d.desc.Strings[d.desc.Device.ISerialNumber] = p.SerialNumber
	}
	return nil
}

// HandleTransfer dispatches a non-EP0 transfer to the handler registered
// for the endpoint address. Unknown endpoints return nil.
func (d *Device) HandleTransfer(ep uint32, dir uint32, out []byte) []byte {
	address := uint8(ep & 0x0F)
	if dir == usb.DirIn {
		address |= usb.EndpointDirIn
	}
	h, ok := d.handlers[address]
	if !ok {
		return nil
	}
	return h(out)
}

// GetDescriptor implements usb.Device.
func (d *Device) GetDescriptor() *usb.Descriptor { return &d.desc }

// ControlHandler implements usb.ClassDevice when the stack doubles as the
// host-facing control handler (the USB/IP bridge does). Returns nil
// otherwise.
func (d *Device) ControlHandler() usb.ControlHandler {
	h, _ := d.stack.(usb.ControlHandler)
	return h
}
