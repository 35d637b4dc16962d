// Package virtualbus tracks the emulated USB topology: bus numbers, device
// numbers and the USB/IP export metadata derived from them.
package virtualbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Alia5/VCOM/device"
	"github.com/Alia5/VCOM/usb"
	"github.com/Alia5/VCOM/usbip"
)

// basepath imitates a PCI-attached host controller so imported devices show
// a plausible sysfs path on the client.
const basepath = "/sys/devices/pci0000:00/0000:00:07.1/0000:00:03:00.2/usb"

var (
	busCounter   uint32
	busNumbers   = make(map[uint32]bool)
	busAllocLock sync.Mutex
)

// Bus is one emulated USB bus. Device numbers are assigned on Attach and
// recycled on Detach; the bus number itself is unique process-wide until
// Close.
type Bus struct {
	mu         sync.Mutex
	number     uint32
	devNumbers map[uint32]bool
	attached   []attachedDevice
}

type attachedDevice struct {
	dev    usb.Device
	meta   usbip.ExportMeta
	ctx    context.Context
	cancel context.CancelFunc
}

// Export pairs a device with its export metadata for enumeration.
type Export struct {
	Dev  usb.Device
	Meta usbip.ExportMeta
}

// New allocates a bus with the next free bus number.
func New() *Bus {
	busAllocLock.Lock()
	defer busAllocLock.Unlock()

	number := busCounter
	if number == 0 {
		number = 1
	}
	// Skip over numbers claimed through NewWithNumber.
	for busNumbers[number] {
		number++
	}
	busCounter = number + 1
	busNumbers[number] = true

	return &Bus{number: number, devNumbers: make(map[uint32]bool)}
}

// NewWithNumber allocates a bus with a caller-chosen number. Fails if the
// number is already taken.
func NewWithNumber(number uint32) (*Bus, error) {
	busAllocLock.Lock()
	defer busAllocLock.Unlock()

	if busNumbers[number] {
		return nil, fmt.Errorf("bus number %d already allocated", number)
	}
	busNumbers[number] = true
	return &Bus{number: number, devNumbers: make(map[uint32]bool)}, nil
}

// Number returns the bus number.
func (b *Bus) Number() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.number
}

// Attach registers dev on the bus, assigning it the lowest free device
// number. The returned context carries the export metadata and connection
// timer for the serving side and is cancelled when the device is detached
// or the bus closed.
func (b *Bus) Attach(dev usb.Device) (context.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, d := range b.attached {
		if d.dev == dev {
			return nil, fmt.Errorf("device already attached to bus %d", b.number)
		}
	}

	var devNum uint32
	for i := uint32(1); ; i++ {
		if !b.devNumbers[i] {
			devNum = i
			b.devNumbers[i] = true
			break
		}
	}

	busDevID := fmt.Sprintf("%d-%d", b.number, devNum)
	path := fmt.Sprintf("%s%d/%s", basepath, b.number, busDevID)
	meta := usbip.FillMeta(path, busDevID, b.number, devNum)

	ctx, cancel := context.WithCancel(context.Background())
	ctx = context.WithValue(ctx, device.ExportMetaKey, &meta)
	ctx = context.WithValue(ctx, device.ConnTimerKey, time.NewTimer(0))

	b.attached = append(b.attached, attachedDevice{dev: dev, meta: meta, ctx: ctx, cancel: cancel})
	return ctx, nil
}

// Detach removes dev from the bus, cancelling its context and freeing its
// device number.
func (b *Bus) Detach(dev usb.Device) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, d := range b.attached {
		if d.dev == dev {
			d.cancel()
			delete(b.devNumbers, d.meta.DevId)
			b.attached = append(b.attached[:i], b.attached[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("device not attached to bus %d", b.number)
}

// Exports returns a snapshot of every attached device with its metadata.
func (b *Bus) Exports() []Export {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Export, 0, len(b.attached))
	for _, d := range b.attached {
		out = append(out, Export{Dev: d.dev, Meta: d.meta})
	}
	return out
}

// Devices returns the attached devices.
func (b *Bus) Devices() []usb.Device {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]usb.Device, 0, len(b.attached))
	for _, d := range b.attached {
		out = append(out, d.dev)
	}
	return out
}

// Context returns the lifecycle context for dev, or nil if dev is not
// attached.
func (b *Bus) Context(dev usb.Device) context.Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, d := range b.attached {
		if d.dev == dev {
			return d.ctx
		}
	}
	return nil
}

// Close cancels every device context and releases the bus number. The bus
// must not be used afterwards.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, d := range b.attached {
		d.cancel()
	}
	b.attached = nil

	busAllocLock.Lock()
	defer busAllocLock.Unlock()
	delete(busNumbers, b.number)
	return nil
}
