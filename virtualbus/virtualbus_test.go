package virtualbus_test

import (
	"fmt"
	"testing"

	"github.com/Alia5/VCOM/device"
	"github.com/Alia5/VCOM/usb"
	"github.com/Alia5/VCOM/virtualbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubDevice struct {
	desc usb.Descriptor
}

func (d *stubDevice) HandleTransfer(ep, dir uint32, out []byte) []byte { return nil }
func (d *stubDevice) GetDescriptor() *usb.Descriptor                   { return &d.desc }

func TestAttachAssignsLowestFreeDeviceNumber(t *testing.T) {
	bus := virtualbus.New()
	defer bus.Close()

	first := &stubDevice{}
	second := &stubDevice{}
	third := &stubDevice{}

	_, err := bus.Attach(first)
	require.NoError(t, err)
	_, err = bus.Attach(second)
	require.NoError(t, err)

	exports := bus.Exports()
	require.Len(t, exports, 2)
	assert.Equal(t, uint32(1), exports[0].Meta.DevId)
	assert.Equal(t, uint32(2), exports[1].Meta.DevId)

	// Detaching the first device frees its number for reuse.
	require.NoError(t, bus.Detach(first))
	_, err = bus.Attach(third)
	require.NoError(t, err)
	exports = bus.Exports()
	require.Len(t, exports, 2)
	assert.Equal(t, uint32(1), exports[1].Meta.DevId)
}

func TestAttachMetaUsesBusDevFormat(t *testing.T) {
	bus := virtualbus.New()
	defer bus.Close()

	dev := &stubDevice{}
	ctx, err := bus.Attach(dev)
	require.NoError(t, err)
	require.NotNil(t, ctx)

	meta := device.GetDeviceMeta(ctx)
	require.NotNil(t, meta)
	assert.Equal(t, bus.Number(), meta.BusId)

	wantBusID := fmt.Sprintf("%d-1", bus.Number())
	got := string(meta.USBBusId[:len(wantBusID)])
	assert.Equal(t, wantBusID, got)
	assert.Contains(t, string(meta.Path[:]), wantBusID)
}

func TestAttachTwiceFails(t *testing.T) {
	bus := virtualbus.New()
	defer bus.Close()

	dev := &stubDevice{}
	_, err := bus.Attach(dev)
	require.NoError(t, err)
	_, err = bus.Attach(dev)
	assert.Error(t, err)
}

func TestDetachCancelsContext(t *testing.T) {
	bus := virtualbus.New()
	defer bus.Close()

	dev := &stubDevice{}
	ctx, err := bus.Attach(dev)
	require.NoError(t, err)

	require.NoError(t, bus.Detach(dev))
	select {
	case <-ctx.Done():
	default:
		t.Fatal("context not cancelled on detach")
	}
	assert.Nil(t, bus.Context(dev))
	assert.Empty(t, bus.Devices())
}

func TestDetachUnknownDeviceFails(t *testing.T) {
	bus := virtualbus.New()
	defer bus.Close()

	assert.Error(t, bus.Detach(&stubDevice{}))
}

func TestCloseCancelsAllContexts(t *testing.T) {
	bus := virtualbus.New()

	dev := &stubDevice{}
	ctx, err := bus.Attach(dev)
	require.NoError(t, err)

	require.NoError(t, bus.Close())
	select {
	case <-ctx.Done():
	default:
		t.Fatal("context not cancelled on close")
	}
}

func TestNewWithNumberRejectsDuplicates(t *testing.T) {
	bus, err := virtualbus.NewWithNumber(900)
	require.NoError(t, err)
	defer bus.Close()

	assert.Equal(t, uint32(900), bus.Number())

	_, err = virtualbus.NewWithNumber(900)
	assert.Error(t, err)
}

func TestNewSkipsNumbersClaimedExplicitly(t *testing.T) {
	first := virtualbus.New()
	defer first.Close()

	claimed, err := virtualbus.NewWithNumber(first.Number() + 1)
	require.NoError(t, err)
	defer claimed.Close()

	next := virtualbus.New()
	defer next.Close()
	assert.NotEqual(t, claimed.Number(), next.Number())
	assert.Equal(t, first.Number()+2, next.Number())
}

func TestNumberFreedOnClose(t *testing.T) {
	bus, err := virtualbus.NewWithNumber(901)
	require.NoError(t, err)
	require.NoError(t, bus.Close())

	again, err := virtualbus.NewWithNumber(901)
	require.NoError(t, err)
	require.NoError(t, again.Close())
}
