package usb

// Data transfer directions, matching the USB/IP URB direction field.
const (
	DirOut = 0x00000000
	DirIn  = 0x00000001
)

// Device is the minimal interface a device must implement.
// It only handles non-EP0 (interrupt/bulk) transfers.
type Device interface {
	// HandleTransfer processes a non-EP0 transfer (interrupt/bulk).
	// ep is the endpoint number (without direction). dir is DirIn or DirOut.
	// For IN transfers, return the payload to send; for OUT, consume 'out' and return nil.
	HandleTransfer(ep uint32, dir uint32, out []byte) []byte
	GetDescriptor() *Descriptor
}

// ControlHandler services class-specific EP0 traffic for a device. It is the
// host-facing side of the device stack a class device was registered with.
type ControlHandler interface {
	// Control runs one EP0 control transfer that standard-request handling
	// did not consume. out carries the data stage for host-to-device
	// requests. The returned bytes are the data stage for device-to-host
	// requests; nil with a nil error means a zero-length status reply.
	// A non-nil error stalls the transfer.
	Control(setup SetupPacket, out []byte) ([]byte, error)
	// Configure reports SET_CONFIGURATION transitions: active is true when
	// a configuration was selected and false when the device was
	// deconfigured.
	Configure(active bool)
}

// ClassDevice is a Device that answers class-specific control requests
// through a registered control handler.
type ClassDevice interface {
	Device
	ControlHandler() ControlHandler
}
