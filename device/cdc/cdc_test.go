package cdc_test

import (
	"encoding/binary"
	"testing"

	"github.com/Alia5/VCOM/device/cdc"
	"github.com/Alia5/VCOM/event"
	"github.com/Alia5/VCOM/usb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStack records every stack primitive the device invokes.
type fakeStack struct {
	opened []openCall
	closed []uint8
	sent   [][]byte
	armed  []byte
	stalls int
	bus    *event.Bus
}

type openCall struct {
	address       uint8
	attributes    uint8
	maxPacketSize uint16
}

func (f *fakeStack) OpenEndpoint(address uint8, attributes uint8, maxPacketSize uint16) error {
	f.opened = append(f.opened, openCall{address, attributes, maxPacketSize})
	return nil
}

func (f *fakeStack) CloseEndpoint(address uint8) error {
	f.closed = append(f.closed, address)
	return nil
}

func (f *fakeStack) ControlSend(data []byte) error {
	f.sent = append(f.sent, append([]byte(nil), data...))
	return nil
}

func (f *fakeStack) ControlReceive(buf []byte) error {
	f.armed = buf
	return nil
}

func (f *fakeStack) ControlStall() { f.stalls++ }

func (f *fakeStack) RegisterClass(bus *event.Bus) error {
	f.bus = bus
	return nil
}

func classSetup(requestType, request uint8, value, length uint16) usb.SetupPacket {
	return usb.SetupPacket{
		RequestType: requestType,
		Request:     request,
		Value:       value,
		Length:      length,
	}
}

func newTestDevice(t *testing.T) (*cdc.Device, *fakeStack) {
	t.Helper()
	stack := &fakeStack{}
	dev := cdc.New(stack)
	t.Cleanup(dev.Close)
	params := cdc.DefaultParams()
	require.NoError(t, dev.Initialise(&params))
	require.NotNil(t, stack.bus, "device must register its bus with the stack")
	return dev, stack
}

func TestInitialiseFillsCommandEndpointDescriptor(t *testing.T) {
	dev, _ := newTestDevice(t)

	desc := dev.Descriptor()
	require.NotEmpty(t, desc.Interfaces)
	require.Len(t, desc.Interfaces[0].Endpoints, 1)
	ep := desc.Interfaces[0].Endpoints[0]
	assert.Equal(t, uint8(cdc.CommandEndpointAddress), ep.BEndpointAddress)
	assert.Equal(t, uint8(usb.EndpointTypeInterrupt), ep.BMAttributes)
	assert.Equal(t, uint16(cdc.MaxCommandPacketSize), ep.WMaxPacketSize)
	assert.Equal(t, uint8(cdc.DefaultCmdPollInterval), ep.BInterval)
}

func TestInitialiseHonoursPollInterval(t *testing.T) {
	stack := &fakeStack{}
	dev := cdc.New(stack)
	defer dev.Close()
	params := cdc.Params{CmdPollInterval: 4}
	require.NoError(t, dev.Initialise(&params))

	assert.Equal(t, uint8(4), dev.Descriptor().Interfaces[0].Endpoints[0].BInterval)
}

func TestClassInitOpensCommandEndpoint(t *testing.T) {
	_, stack := newTestDevice(t)

	stack.bus.Publish(event.Event{Kind: event.ClassInit})

	require.Len(t, stack.opened, 1)
	assert.Equal(t, openCall{
		address:       cdc.CommandEndpointAddress,
		attributes:    usb.EndpointTypeInterrupt,
		maxPacketSize: cdc.MaxCommandPacketSize,
	}, stack.opened[0])
}

func TestClassDeinitClosesCommandEndpoint(t *testing.T) {
	_, stack := newTestDevice(t)

	stack.bus.Publish(event.Event{Kind: event.ClassInit})
	stack.bus.Publish(event.Event{Kind: event.ClassDeinit})

	assert.Equal(t, []uint8{cdc.CommandEndpointAddress}, stack.closed)
}

func TestZeroLengthRequestPublishesImmediately(t *testing.T) {
	dev, stack := newTestDevice(t)

	var got []event.Event
	dev.Bus().Subscribe(func(e event.Event) {
		if e.Kind == event.CdcControl {
			got = append(got, e)
		}
	})

	setup := classSetup(usb.RequestTypeClass, cdc.RequestSetControlLineState, cdc.ControlLineDTR, 0)
	stack.bus.Publish(event.Event{Kind: event.ClassSetup, Setup: setup})

	require.Len(t, got, 1)
	assert.Equal(t, uint8(cdc.RequestSetControlLineState), got[0].Opcode)
	assert.Nil(t, got[0].Payload)
	assert.Equal(t, cdc.ControlLineDTR, got[0].Setup.Value)
	assert.Empty(t, stack.sent)
	assert.Nil(t, stack.armed)
	assert.Zero(t, stack.stalls)
}

func TestDeviceToHostPublishesThenSendsFilledBuffer(t *testing.T) {
	dev, stack := newTestDevice(t)

	// Subscriber fills the buffer during notification; the bytes it writes
	// must be the ones transmitted.
	dev.Bus().Subscribe(func(e event.Event) {
		if e.Kind == event.CdcControl && e.Opcode == cdc.RequestGetLineCoding {
			copy(e.Payload, []byte{1, 2, 3, 4, 5, 6, 7})
		}
	})

	setup := classSetup(usb.RequestDirectionMask|usb.RequestTypeClass, cdc.RequestGetLineCoding, 0, 7)
	stack.bus.Publish(event.Event{Kind: event.ClassSetup, Setup: setup})

	require.Len(t, stack.sent, 1)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7}, stack.sent[0])
	assert.Zero(t, stack.stalls)
}

func TestHostToDeviceDefersUntilDataArrives(t *testing.T) {
	dev, stack := newTestDevice(t)

	var got []event.Event
	dev.Bus().Subscribe(func(e event.Event) {
		if e.Kind == event.CdcControl {
			got = append(got, e)
		}
	})

	setup := classSetup(usb.RequestTypeClass, cdc.RequestSetLineCoding, 0, 7)
	stack.bus.Publish(event.Event{Kind: event.ClassSetup, Setup: setup})

	// SETUP alone must not notify; the receive must be armed for wLength.
	assert.Empty(t, got)
	require.Len(t, stack.armed, 7)

	coding := cdc.LineCoding{BaudRate: 9600, DataBits: 8}
	data, err := coding.MarshalBinary()
	require.NoError(t, err)
	copy(stack.armed, data)
	stack.bus.Publish(event.Event{Kind: event.ClassRxComplete})

	require.Len(t, got, 1)
	assert.Equal(t, uint8(cdc.RequestSetLineCoding), got[0].Opcode)
	assert.Equal(t, data, got[0].Payload)
}

func TestOversizedRequestStalls(t *testing.T) {
	dev, stack := newTestDevice(t)

	var got []event.Event
	dev.Bus().Subscribe(func(e event.Event) {
		if e.Kind == event.CdcControl {
			got = append(got, e)
		}
	})

	setup := classSetup(usb.RequestTypeClass, cdc.RequestSetLineCoding, 0, cdc.MaxCommandPacketSize+1)
	stack.bus.Publish(event.Event{Kind: event.ClassSetup, Setup: setup})

	assert.Equal(t, 1, stack.stalls)
	assert.Empty(t, got)
	assert.Nil(t, stack.armed)
}

func TestNonClassSetupIsIgnored(t *testing.T) {
	dev, stack := newTestDevice(t)

	var got []event.Event
	dev.Bus().Subscribe(func(e event.Event) {
		if e.Kind == event.CdcControl {
			got = append(got, e)
		}
	})

	setup := classSetup(usb.RequestTypeVendor, 0x42, 0, 0)
	stack.bus.Publish(event.Event{Kind: event.ClassSetup, Setup: setup})

	assert.Empty(t, got)
	assert.Zero(t, stack.stalls)
	assert.Empty(t, stack.sent)
}

func TestStrayRxCompleteIsIgnored(t *testing.T) {
	dev, stack := newTestDevice(t)

	var got []event.Event
	dev.Bus().Subscribe(func(e event.Event) {
		if e.Kind == event.CdcControl {
			got = append(got, e)
		}
	})

	stack.bus.Publish(event.Event{Kind: event.ClassRxComplete})
	assert.Empty(t, got)
}

func TestNewSetupSupersedesPendingSession(t *testing.T) {
	dev, stack := newTestDevice(t)

	var got []event.Event
	dev.Bus().Subscribe(func(e event.Event) {
		if e.Kind == event.CdcControl {
			got = append(got, e)
		}
	})

	// First OUT request arms a session which the host abandons.
	out := classSetup(usb.RequestTypeClass, cdc.RequestSetLineCoding, 0, 7)
	stack.bus.Publish(event.Event{Kind: event.ClassSetup, Setup: out})

	// The next SETUP clears it; its own handling runs normally.
	zero := classSetup(usb.RequestTypeClass, cdc.RequestSetControlLineState, 0, 0)
	stack.bus.Publish(event.Event{Kind: event.ClassSetup, Setup: zero})
	require.Len(t, got, 1)

	// Data completion for the abandoned session must not notify.
	stack.bus.Publish(event.Event{Kind: event.ClassRxComplete})
	assert.Len(t, got, 1)
}

func TestSerialStateNotificationServedOnCommandEndpoint(t *testing.T) {
	dev, stack := newTestDevice(t)

	// Before the endpoint is open nothing is served.
	dev.NotifySerialState(cdc.SerialStateDCD | cdc.SerialStateDSR)
	assert.Nil(t, dev.HandleTransfer(1, usb.DirIn, nil))

	stack.bus.Publish(event.Event{Kind: event.ClassInit})
	dev.NotifySerialState(cdc.SerialStateDCD | cdc.SerialStateDSR)

	pkt := dev.HandleTransfer(1, usb.DirIn, nil)
	require.Len(t, pkt, 10)
	assert.Equal(t, uint8(usb.RequestDirectionMask|usb.RequestTypeClass|usb.RequestRecipientInterface), pkt[0])
	assert.Equal(t, uint8(cdc.NotificationSerialState), pkt[1])
	assert.Equal(t, uint16(2), binary.LittleEndian.Uint16(pkt[6:8]))
	assert.Equal(t, cdc.SerialStateDCD|cdc.SerialStateDSR, binary.LittleEndian.Uint16(pkt[8:10]))

	// Queue drained.
	assert.Nil(t, dev.HandleTransfer(1, usb.DirIn, nil))
}
