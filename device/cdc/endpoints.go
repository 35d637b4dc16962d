package cdc

import (
	"errors"

	"github.com/Alia5/VCOM/device"
)

// controlEndpoint is the default control endpoint module. EP0 itself is
// owned by the stack; this capability only validates the descriptor side of
// the contract so misconfiguration fails at Initialise rather than at
// enumeration.
type controlEndpoint struct{}

func (c *controlEndpoint) Name() string { return "control endpoint" }

func (c *controlEndpoint) Init(dev *device.Device, _ *device.Params) error {
	if dev.Descriptor().Device.BMaxPacketSize0 == 0 {
		return errors.New("control endpoint max packet size is zero")
	}
	return nil
}

// commandEndpoint is the interrupt IN notification endpoint module. It binds
// the transfer handler that serves queued notifications to the host.
type commandEndpoint struct {
	dev *Device
}

func (c *commandEndpoint) Name() string { return "command endpoint" }

func (c *commandEndpoint) Init(dev *device.Device, _ *device.Params) error {
	dev.RegisterEndpoint(CommandEndpointAddress, c.handleIn)
	return nil
}

// handleIn services one interrupt IN poll on the command endpoint: the next
// queued notification, or nil when the queue is empty.
func (c *commandEndpoint) handleIn(_ []byte) []byte {
	if !c.dev.cmdOpen {
		return nil
	}
	return c.dev.notifications.pop()
}
