// Package cdc implements a composable USB Communications Device Class
// device: the default control endpoint, the interrupt IN command endpoint
// for host notifications, and any further transport endpoints supplied as
// capability modules. Class-specific control requests are answered by the
// control state machine in this file; completed commands are announced as
// CdcControl events on the device bus.
package cdc

import (
	"github.com/Alia5/VCOM/device"
	"github.com/Alia5/VCOM/event"
	"github.com/Alia5/VCOM/usb"
)

const (
	// CommandEndpointAddress is the interrupt IN notification endpoint.
	CommandEndpointAddress = usb.EndpointDirIn | 1
	// MaxCommandPacketSize bounds one command packet and sizes the command
	// buffer. Descriptor-level agreement with the host must keep every
	// legitimate wLength at or below this.
	MaxCommandPacketSize = 16
	// DefaultCmdPollInterval is the default command endpoint polling
	// interval in frames.
	DefaultCmdPollInterval = 16
)

// Params for a CDC device: the shared device parameters plus the command
// endpoint polling interval.
type Params struct {
	device.Params
	// CmdPollInterval is the bInterval of the command endpoint; zero means
	// DefaultCmdPollInterval.
	CmdPollInterval uint8
}

// DefaultParams returns Params with the CDC defaults applied.
func DefaultParams() Params {
	return Params{CmdPollInterval: DefaultCmdPollInterval}
}

type sessionState uint8

const (
	sessionIdle sessionState = iota
	sessionAwaitingData
)

// controlSession is the transient state of one host-to-device control
// transfer: the request recorded at SETUP time, consumed when the data
// stage completes. A new SETUP always supersedes it.
type controlSession struct {
	state sessionState
	setup usb.SetupPacket
}

// Device is a composed CDC device.
type Device struct {
	*device.Device

	session       controlSession
	commandBuffer [MaxCommandPacketSize]byte
	notifications notificationQueue
	cmdOpen       bool
	pollInterval  uint8
	sub           event.Subscription
}

// New composes a CDC device over stack: the control endpoint module first,
// the command (notification) endpoint module second, then the caller's
// features in declaration order. The lifecycle handler is subscribed on
// construction; Close unsubscribes it.
func New(stack device.Stack, features ...device.Capability) *Device {
	d := &Device{}
	caps := make([]device.Capability, 0, len(features)+2)
	caps = append(caps, &controlEndpoint{}, &commandEndpoint{dev: d})
	caps = append(caps, features...)
	d.Device = device.New(stack, defaultDescriptor(), caps...)
	d.sub = d.Bus().Subscribe(d.onEvent)
	return d
}

// Close unsubscribes the lifecycle handler. Safe to call on a device that
// was never initialised.
func (d *Device) Close() {
	d.Bus().Unsubscribe(d.sub)
}

// Initialise brings up the base device and every composed capability in
// order, fills in the command endpoint descriptor entry, and registers the
// device as the stack's class-callback target. On error the device must be
// discarded.
func (d *Device) Initialise(p *Params) error {
	d.pollInterval = p.CmdPollInterval
	if d.pollInterval == 0 {
		d.pollInterval = DefaultCmdPollInterval
	}
	if err := d.Device.Initialise(&p.Params); err != nil {
		return err
	}

	// The command endpoint entry must be complete before the endpoint is
	// opened by the first ClassInit.
	desc := d.Descriptor()
	desc.Interfaces[0].Endpoints[0] = usb.EndpointDescriptor{
		BEndpointAddress: CommandEndpointAddress,
		BMAttributes:     usb.EndpointTypeInterrupt,
		WMaxPacketSize:   MaxCommandPacketSize,
		BInterval:        d.pollInterval,
	}

	return d.Stack().RegisterClass(d.Bus())
}

// onEvent is the device lifecycle handler: the sole fan-in point from the
// generic event stream into CDC logic.
func (d *Device) onEvent(e event.Event) {
	switch e.Kind {
	case event.ClassInit:
		_ = d.Stack().OpenEndpoint(CommandEndpointAddress, usb.EndpointTypeInterrupt, MaxCommandPacketSize)
		d.cmdOpen = true
	case event.ClassDeinit:
		_ = d.Stack().CloseEndpoint(CommandEndpointAddress)
		d.cmdOpen = false
		d.notifications.clear()
	case event.ClassSetup:
		d.onCdcSetup(e.Setup)
	case event.ClassRxComplete:
		d.onCommandReceived()
	}
}

// onCdcSetup classifies a class request by direction and length and drives
// the control endpoint accordingly. Non-class requests are left for other
// subscribers or default stack handling.
func (d *Device) onCdcSetup(req usb.SetupPacket) {
	if req.Type() != usb.RequestTypeClass {
		return
	}

	d.session = controlSession{}

	switch {
	case req.Length == 0:
		d.Bus().Publish(event.Event{Kind: event.CdcControl, Setup: req, Opcode: req.Request})

	case int(req.Length) > len(d.commandBuffer):
		// wLength beyond the buffer means the descriptor-level packet size
		// agreement was violated; stall instead of overrunning.
		d.Stack().ControlStall()

	case req.IsDeviceToHost():
		// Publish before sending: the notification is the subscriber's
		// opportunity to fill the command buffer. Delivery is synchronous,
		// so the buffer is complete by the time ControlSend runs.
		view := d.commandBuffer[:req.Length]
		d.Bus().Publish(event.Event{Kind: event.CdcControl, Setup: req, Opcode: req.Request, Payload: view})
		_ = d.Stack().ControlSend(view)

	default:
		// Host-to-device with a data stage: record the session and arm the
		// receive. The notification is deferred to onCommandReceived.
		d.session = controlSession{state: sessionAwaitingData, setup: req}
		_ = d.Stack().ControlReceive(d.commandBuffer[:req.Length])
	}
}

// onCommandReceived publishes the deferred notification once the data stage
// of a host-to-device request has landed in the command buffer.
func (d *Device) onCommandReceived() {
	if d.session.state != sessionAwaitingData {
		return
	}
	req := d.session.setup
	d.session = controlSession{}
	d.Bus().Publish(event.Event{
		Kind:    event.CdcControl,
		Setup:   req,
		Opcode:  req.Request,
		Payload: d.commandBuffer[:req.Length],
	})
}

// defaultDescriptor is the static descriptor a CDC device starts from: the
// communications control interface with a placeholder command endpoint
// entry, filled in at Initialise. Feature modules append their interfaces
// during Init.
func defaultDescriptor() usb.Descriptor {
	return usb.Descriptor{
		Device: usb.DeviceDescriptor{
			BcdUSB:             0x0200,
			BDeviceClass:       usb.ClassCDC,
			BDeviceSubClass:    0x00,
			BDeviceProtocol:    0x00,
			BMaxPacketSize0:    0x40, // 64 bytes
			IDVendor:           0x1209,
			IDProduct:          0x0C01,
			BcdDevice:          0x0100,
			IManufacturer:      0x01,
			IProduct:           0x02,
			ISerialNumber:      0x03,
			BNumConfigurations: 0x01,
			Speed:              2, // Full speed
		},
		Interfaces: []usb.InterfaceConfig{
			{
				Descriptor: usb.InterfaceDescriptor{
					BInterfaceNumber:   0x00,
					BAlternateSetting:  0x00,
					BNumEndpoints:      0x01,
					BInterfaceClass:    usb.ClassCDC,
					BInterfaceSubClass: usb.SubClassACM,
					BInterfaceProtocol: usb.ProtocolV25TER,
					IInterface:         0x00,
				},
				ClassData: usb.BuildACMFunctional(0, 1),
				Endpoints: []usb.EndpointDescriptor{{}}, // command endpoint, set at Initialise
			},
		},
		Strings: map[uint8]string{
			0: "\x09\x04", // LangID: en-US (0x0409)
			1: "VCOM",
			2: "Virtual Serial Port",
			3: "0001",
		},
	}
}
