package usb

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Alia5/VCOM/device"
	"github.com/Alia5/VCOM/event"
	usbpkg "github.com/Alia5/VCOM/usb"
)

// ErrStalled reports that the device stalled the control transfer. The URB
// server maps it to an EPIPE transfer status.
var ErrStalled = errors.New("control transfer stalled")

// Bridge adapts the URB server to the device stack contract: it is the
// Stack a composed device is built over, and the ControlHandler the server
// calls for class and vendor EP0 requests. All control-path calls for one
// device arrive on the device's URB goroutine, so the transfer staging
// fields need no lock; the endpoint table does, since Configure and
// endpoint opens can race with server queries.
type Bridge struct {
	logger *slog.Logger

	mu   sync.Mutex
	open map[uint8]openEndpoint

	bus *event.Bus

	// staging for the control transfer currently being serviced
	txData  []byte
	rxBuf   []byte
	stalled bool
}

type openEndpoint struct {
	attributes    uint8
	maxPacketSize uint16
}

// NewBridge returns a Bridge ready to be composed under a device.
func NewBridge(logger *slog.Logger) *Bridge {
	return &Bridge{
		logger: logger,
		open:   make(map[uint8]openEndpoint),
	}
}

var _ device.Stack = (*Bridge)(nil)
var _ usbpkg.ControlHandler = (*Bridge)(nil)

// OpenEndpoint implements device.Stack.
func (b *Bridge) OpenEndpoint(address uint8, attributes uint8, maxPacketSize uint16) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.open[address]; ok {
		return fmt.Errorf("endpoint 0x%02x already open", address)
	}
	b.open[address] = openEndpoint{attributes: attributes, maxPacketSize: maxPacketSize}
	b.logger.Debug("endpoint opened", "address", fmt.Sprintf("0x%02x", address), "maxPacket", maxPacketSize)
	return nil
}

// CloseEndpoint implements device.Stack.
func (b *Bridge) CloseEndpoint(address uint8) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.open, address)
	b.logger.Debug("endpoint closed", "address", fmt.Sprintf("0x%02x", address))
	return nil
}

// EndpointOpen reports whether the device has opened the endpoint.
func (b *Bridge) EndpointOpen(address uint8) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.open[address]
	return ok
}

// ControlSend implements device.Stack: stages data as the IN data stage of
// the control transfer currently being serviced.
func (b *Bridge) ControlSend(data []byte) error {
	b.txData = data
	return nil
}

// ControlReceive implements device.Stack: arms buf for the OUT data stage
// of the control transfer currently being serviced.
func (b *Bridge) ControlReceive(buf []byte) error {
	b.rxBuf = buf
	return nil
}

// ControlStall implements device.Stack.
func (b *Bridge) ControlStall() {
	b.stalled = true
}

// RegisterClass implements device.Stack.
func (b *Bridge) RegisterClass(bus *event.Bus) error {
	if bus == nil {
		return errors.New("register class: nil bus")
	}
	b.bus = bus
	return nil
}

// Control implements usb.ControlHandler: it runs one class or vendor EP0
// request through the device. The SETUP packet is published as a ClassSetup
// event; during delivery the device stages an IN reply, arms an OUT buffer,
// or stalls. A present OUT payload is then copied into the armed buffer and
// its completion announced as ClassRxComplete.
func (b *Bridge) Control(setup usbpkg.SetupPacket, out []byte) ([]byte, error) {
	if b.bus == nil {
		return nil, ErrStalled
	}

	b.txData = nil
	b.rxBuf = nil
	b.stalled = false

	b.bus.Publish(event.Event{Kind: event.ClassSetup, Setup: setup})

	if b.stalled {
		return nil, ErrStalled
	}

	if !setup.IsDeviceToHost() && len(out) > 0 {
		if b.rxBuf == nil {
			// The device never armed a receive; nothing consumes the data.
			return nil, ErrStalled
		}
		copy(b.rxBuf, out)
		b.bus.Publish(event.Event{Kind: event.ClassRxComplete})
		if b.stalled {
			return nil, ErrStalled
		}
	}

	return b.txData, nil
}

// Configure implements usb.ControlHandler: SET_CONFIGURATION toggles the
// class endpoints via ClassInit and ClassDeinit events.
func (b *Bridge) Configure(active bool) {
	if b.bus == nil {
		return
	}
	if active {
		b.bus.Publish(event.Event{Kind: event.ClassInit})
	} else {
		b.bus.Publish(event.Event{Kind: event.ClassDeinit})
	}
}
