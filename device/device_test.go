package device_test

import (
	"errors"
	"testing"

	"github.com/Alia5/VCOM/device"
	"github.com/Alia5/VCOM/event"
	"github.com/Alia5/VCOM/usb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStack struct {
	opened []uint8
	closed []uint8
	bus    *event.Bus
}

func (f *fakeStack) OpenEndpoint(address uint8, attributes uint8, maxPacketSize uint16) error {
	f.opened = append(f.opened, address)
	return nil
}

func (f *fakeStack) CloseEndpoint(address uint8) error {
	f.closed = append(f.closed, address)
	return nil
}

func (f *fakeStack) ControlSend(data []byte) error   { return nil }
func (f *fakeStack) ControlReceive(buf []byte) error { return nil }
func (f *fakeStack) ControlStall()                   {}

func (f *fakeStack) RegisterClass(bus *event.Bus) error {
	f.bus = bus
	return nil
}

type recordingCap struct {
	name  string
	fail  error
	order *[]string
}

func (c *recordingCap) Name() string { return c.name }

func (c *recordingCap) Init(dev *device.Device, p *device.Params) error {
	*c.order = append(*c.order, c.name)
	return c.fail
}

func TestInitialiseRunsCapabilitiesInOrder(t *testing.T) {
	var order []string
	dev := device.New(&fakeStack{}, usb.Descriptor{},
		&recordingCap{name: "first", order: &order},
		&recordingCap{name: "second", order: &order},
		&recordingCap{name: "third", order: &order},
	)

	require.NoError(t, dev.Initialise(&device.Params{}))
	assert.Equal(t, []string{"first", "second", "third"}, order)
	assert.True(t, dev.Initialised())
}

func TestInitialiseStopsAtFirstFailure(t *testing.T) {
	var order []string
	boom := errors.New("boom")
	dev := device.New(&fakeStack{}, usb.Descriptor{},
		&recordingCap{name: "first", order: &order},
		&recordingCap{name: "second", fail: boom, order: &order},
		&recordingCap{name: "third", order: &order},
	)

	err := dev.Initialise(&device.Params{})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "second")
	assert.Equal(t, []string{"first", "second"}, order)
	assert.False(t, dev.Initialised())
}

func TestInitialiseRequiresStack(t *testing.T) {
	dev := device.New(nil, usb.Descriptor{})
	assert.ErrorIs(t, dev.Initialise(&device.Params{}), device.ErrNilStack)
}

func TestInitialiseTwiceFails(t *testing.T) {
	dev := device.New(&fakeStack{}, usb.Descriptor{})
	require.NoError(t, dev.Initialise(&device.Params{}))
	assert.ErrorIs(t, dev.Initialise(&device.Params{}), device.ErrAlreadyInitialised)
}

func TestInitialiseAppliesParamOverrides(t *testing.T) {
	desc := usb.Descriptor{
		Device: usb.DeviceDescriptor{
			IDVendor:      0x1234,
			IDProduct:     0x5678,
			IManufacturer: 1,
			IProduct:      2,
			ISerialNumber: 3,
		},
		Strings: map[uint8]string{1: "Acme", 2: "Widget", 3: "0000"},
	}
	dev := device.New(&fakeStack{}, desc)

	require.NoError(t, dev.Initialise(&device.Params{
		VendorID:     0xAAAA,
		Product:      "Gadget",
		SerialNumber: "4242",
	}))

	got := dev.Descriptor()
	assert.Equal(t, uint16(0xAAAA), got.Device.IDVendor)
	assert.Equal(t, uint16(0x5678), got.Device.IDProduct)
	assert.Equal(t, "Acme", got.Strings[1])
	assert.Equal(t, "Gadget", got.Strings[2])
	assert.Equal(t, "4242", got.Strings[3])
}

func TestHandleTransferDispatchesByAddress(t *testing.T) {
	dev := device.New(&fakeStack{}, usb.Descriptor{})

	var gotOut []byte
	dev.RegisterEndpoint(0x02, func(out []byte) []byte {
		gotOut = append([]byte(nil), out...)
		return nil
	})
	dev.RegisterEndpoint(0x82, func(out []byte) []byte {
		return []byte{0xAB}
	})

	assert.Nil(t, dev.HandleTransfer(2, usb.DirOut, []byte{1, 2, 3}))
	assert.Equal(t, []byte{1, 2, 3}, gotOut)

	assert.Equal(t, []byte{0xAB}, dev.HandleTransfer(2, usb.DirIn, nil))

	// unknown endpoint
	assert.Nil(t, dev.HandleTransfer(5, usb.DirIn, nil))
}
