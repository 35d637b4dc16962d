package cdc

import (
	"errors"
	"io"
	"sync"

	"github.com/Alia5/VCOM/device"
	"github.com/Alia5/VCOM/usb"
)

// Default data endpoint layout.
const (
	DefaultDataOutEndpoint   = 0x02
	DefaultDataInEndpoint    = usb.EndpointDirIn | 2
	DefaultDataMaxPacketSize = 64
)

// ErrDataClosed is returned by Read and Write after the feature is closed.
var ErrDataClosed = errors.New("cdc data: closed")

// DataFeature adds the CDC data interface: one bulk OUT and one bulk IN
// endpoint backed by byte FIFOs. The application side reads host output and
// writes host input through the io.ReadWriteCloser interface; the host side
// is serviced by the endpoint transfer handlers.
type DataFeature struct {
	// OutEndpoint and InEndpoint are the bulk endpoint addresses; zero
	// selects the defaults.
	OutEndpoint uint8
	InEndpoint  uint8
	// MaxPacketSize is the bulk packet size; zero selects the default.
	MaxPacketSize uint16

	mu       sync.Mutex
	fromHost []byte // bulk OUT payloads, pending application Read
	toHost   []byte // application writes, pending bulk IN polls
	avail    chan struct{}
	closed   bool
}

// NewDataFeature returns a data feature with the default endpoint layout.
func NewDataFeature() *DataFeature {
	return &DataFeature{}
}

func (f *DataFeature) Name() string { return "data endpoints" }

// Init appends the data interface to the descriptor and binds the bulk
// transfer handlers.
func (f *DataFeature) Init(dev *device.Device, _ *device.Params) error {
	if f.OutEndpoint == 0 {
		f.OutEndpoint = DefaultDataOutEndpoint
	}
	if f.InEndpoint == 0 {
		f.InEndpoint = DefaultDataInEndpoint
	}
	if f.MaxPacketSize == 0 {
		f.MaxPacketSize = DefaultDataMaxPacketSize
	}
	if f.OutEndpoint&usb.EndpointDirIn != 0 || f.InEndpoint&usb.EndpointDirIn == 0 {
		return errors.New("data endpoint directions are swapped")
	}
	f.avail = make(chan struct{}, 1)

	desc := dev.Descriptor()
	desc.Interfaces = append(desc.Interfaces, usb.InterfaceConfig{
		Descriptor: usb.InterfaceDescriptor{
			BInterfaceNumber: uint8(len(desc.Interfaces)),
			BNumEndpoints:    0x02,
			BInterfaceClass:  usb.ClassCDCData,
		},
		Endpoints: []usb.EndpointDescriptor{
			{
				BEndpointAddress: f.OutEndpoint,
				BMAttributes:     usb.EndpointTypeBulk,
				WMaxPacketSize:   f.MaxPacketSize,
			},
			{
				BEndpointAddress: f.InEndpoint,
				BMAttributes:     usb.EndpointTypeBulk,
				WMaxPacketSize:   f.MaxPacketSize,
			},
		},
	})

	dev.RegisterEndpoint(f.OutEndpoint, f.handleOut)
	dev.RegisterEndpoint(f.InEndpoint, f.handleIn)
	return nil
}

// handleOut accepts one bulk OUT payload from the host.
func (f *DataFeature) handleOut(out []byte) []byte {
	if len(out) == 0 {
		return nil
	}
	f.mu.Lock()
	if !f.closed {
		f.fromHost = append(f.fromHost, out...)
	}
	f.mu.Unlock()
	f.signal()
	return nil
}

// handleIn services one bulk IN poll with up to one packet of pending
// application output.
func (f *DataFeature) handleIn(_ []byte) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.toHost) == 0 {
		return nil
	}
	n := len(f.toHost)
	if n > int(f.MaxPacketSize) {
		n = int(f.MaxPacketSize)
	}
	pkt := make([]byte, n)
	copy(pkt, f.toHost)
	f.toHost = f.toHost[n:]
	return pkt
}

// Read returns data the host wrote to the bulk OUT endpoint, blocking until
// some is available or the feature is closed.
func (f *DataFeature) Read(p []byte) (int, error) {
	for {
		f.mu.Lock()
		if len(f.fromHost) > 0 {
			n := copy(p, f.fromHost)
			f.fromHost = f.fromHost[n:]
			f.mu.Unlock()
			return n, nil
		}
		closed := f.closed
		f.mu.Unlock()
		if closed {
			return 0, io.EOF
		}
		<-f.avail
	}
}

// Write queues data for the host to collect over the bulk IN endpoint.
func (f *DataFeature) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, ErrDataClosed
	}
	f.toHost = append(f.toHost, p...)
	return len(p), nil
}

// Close unblocks pending readers and rejects further writes.
func (f *DataFeature) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.signal()
	return nil
}

func (f *DataFeature) signal() {
	select {
	case f.avail <- struct{}{}:
	default:
	}
}
