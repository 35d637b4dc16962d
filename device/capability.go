package device

// Capability is one endpoint/feature module composed into a device. Each
// capability registers its endpoints and descriptor contribution in Init,
// which runs exactly once per device, in composition order. Capabilities
// carry their own knobs as fields set by their constructors; shared
// parameters arrive through Params.
type Capability interface {
	// Name identifies the capability in error messages.
	Name() string
	// Init prepares the capability for dev. Returning an error aborts
	// device initialisation; later capabilities are not initialised.
	Init(dev *Device, p *Params) error
}

// Params holds the base parameters shared by every composed device. Device
// types embed Params into their own parameter struct and add their fields
// alongside (field names must not collide). Params is read during
// Initialise and not retained afterward except for values copied into
// descriptors.
type Params struct {
	// VendorID and ProductID override the descriptor defaults when nonzero.
	VendorID  uint16
	ProductID uint16
	// Manufacturer, Product and SerialNumber override the default string
	// descriptors when non-empty.
	Manufacturer string
	Product      string
	SerialNumber string
}
