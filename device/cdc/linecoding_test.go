package cdc_test

import (
	"testing"

	"github.com/Alia5/VCOM/device/cdc"
	"github.com/Alia5/VCOM/event"
	"github.com/Alia5/VCOM/usb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineCodingRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		coding cdc.LineCoding
	}{
		{"115200 8N1", cdc.LineCoding{BaudRate: 115200, StopBits: cdc.StopBits1, Parity: cdc.ParityNone, DataBits: 8}},
		{"9600 7E2", cdc.LineCoding{BaudRate: 9600, StopBits: cdc.StopBits2, Parity: cdc.ParityEven, DataBits: 7}},
		{"zero", cdc.LineCoding{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.coding.MarshalBinary()
			require.NoError(t, err)
			require.Len(t, data, cdc.LineCodingSize)

			var got cdc.LineCoding
			require.NoError(t, got.UnmarshalBinary(data))
			assert.Equal(t, tt.coding, got)
		})
	}
}

func TestLineCodingUnmarshalShortBuffer(t *testing.T) {
	var got cdc.LineCoding
	assert.Error(t, got.UnmarshalBinary([]byte{1, 2, 3}))
}

func TestLineHandlerDefaults(t *testing.T) {
	dev, _ := newTestDevice(t)
	h := cdc.NewLineHandler(dev)
	defer h.Detach(dev)

	assert.Equal(t, cdc.LineCoding{BaudRate: 115200, StopBits: cdc.StopBits1, Parity: cdc.ParityNone, DataBits: 8}, h.Coding())
	assert.False(t, h.DTR())
	assert.False(t, h.RTS())
}

func TestLineHandlerSetLineCoding(t *testing.T) {
	dev, stack := newTestDevice(t)
	h := cdc.NewLineHandler(dev)
	defer h.Detach(dev)

	want := cdc.LineCoding{BaudRate: 57600, StopBits: cdc.StopBits2, Parity: cdc.ParityOdd, DataBits: 7}
	data, err := want.MarshalBinary()
	require.NoError(t, err)

	setup := classSetup(usb.RequestTypeClass, cdc.RequestSetLineCoding, 0, cdc.LineCodingSize)
	stack.bus.Publish(event.Event{Kind: event.ClassSetup, Setup: setup})
	require.Len(t, stack.armed, cdc.LineCodingSize)
	copy(stack.armed, data)
	stack.bus.Publish(event.Event{Kind: event.ClassRxComplete})

	assert.Equal(t, want, h.Coding())
}

func TestLineHandlerGetLineCoding(t *testing.T) {
	dev, stack := newTestDevice(t)
	h := cdc.NewLineHandler(dev)
	defer h.Detach(dev)

	setup := classSetup(usb.RequestDirectionMask|usb.RequestTypeClass, cdc.RequestGetLineCoding, 0, cdc.LineCodingSize)
	stack.bus.Publish(event.Event{Kind: event.ClassSetup, Setup: setup})

	want, err := h.Coding().MarshalBinary()
	require.NoError(t, err)
	require.Len(t, stack.sent, 1)
	assert.Equal(t, want, stack.sent[0])
}

func TestLineHandlerControlLineState(t *testing.T) {
	dev, stack := newTestDevice(t)
	h := cdc.NewLineHandler(dev)
	defer h.Detach(dev)

	setup := classSetup(usb.RequestTypeClass, cdc.RequestSetControlLineState, cdc.ControlLineDTR|cdc.ControlLineRTS, 0)
	stack.bus.Publish(event.Event{Kind: event.ClassSetup, Setup: setup})
	assert.True(t, h.DTR())
	assert.True(t, h.RTS())

	setup = classSetup(usb.RequestTypeClass, cdc.RequestSetControlLineState, cdc.ControlLineRTS, 0)
	stack.bus.Publish(event.Event{Kind: event.ClassSetup, Setup: setup})
	assert.False(t, h.DTR())
	assert.True(t, h.RTS())
}

func TestLineHandlerDetachStopsUpdates(t *testing.T) {
	dev, stack := newTestDevice(t)
	h := cdc.NewLineHandler(dev)
	h.Detach(dev)

	setup := classSetup(usb.RequestTypeClass, cdc.RequestSetControlLineState, cdc.ControlLineDTR, 0)
	stack.bus.Publish(event.Event{Kind: event.ClassSetup, Setup: setup})
	assert.False(t, h.DTR())
}
