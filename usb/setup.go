package usb

import (
	"encoding/binary"
	"fmt"
)

// SetupPacketSize is the wire size of an EP0 SETUP packet.
const SetupPacketSize = 8

// bmRequestType masks and values (USB 2.0 Table 9-2).
const (
	RequestDirectionMask = 0x80
	RequestTypeMask      = 0x60
	RequestRecipientMask = 0x1F

	RequestDirectionOut = 0x00 // host to device
	RequestDirectionIn  = 0x80 // device to host

	RequestTypeStandard = 0x00
	RequestTypeClass    = 0x20
	RequestTypeVendor   = 0x40

	RequestRecipientDevice    = 0x00
	RequestRecipientInterface = 0x01
	RequestRecipientEndpoint  = 0x02
)

// Standard request codes (USB 2.0 Table 9-4).
const (
	RequestGetStatus        = 0x00
	RequestClearFeature     = 0x01
	RequestSetFeature       = 0x03
	RequestSetAddress       = 0x05
	RequestGetDescriptor    = 0x06
	RequestSetDescriptor    = 0x07
	RequestGetConfiguration = 0x08
	RequestSetConfiguration = 0x09
	RequestGetInterface     = 0x0A
	RequestSetInterface     = 0x0B
)

// SetupPacket is a decoded EP0 SETUP packet.
type SetupPacket struct {
	RequestType uint8  // bmRequestType
	Request     uint8  // bRequest
	Value       uint16 // wValue
	Index       uint16 // wIndex
	Length      uint16 // wLength
}

// ParseSetupPacket decodes the 8-byte wire form (little-endian fields).
func ParseSetupPacket(data []byte) (SetupPacket, error) {
	if len(data) < SetupPacketSize {
		return SetupPacket{}, fmt.Errorf("setup packet too short: %d bytes", len(data))
	}
	return SetupPacket{
		RequestType: data[0],
		Request:     data[1],
		Value:       binary.LittleEndian.Uint16(data[2:4]),
		Index:       binary.LittleEndian.Uint16(data[4:6]),
		Length:      binary.LittleEndian.Uint16(data[6:8]),
	}, nil
}

// Bytes returns the 8-byte wire form.
func (s SetupPacket) Bytes() []byte {
	buf := make([]byte, SetupPacketSize)
	buf[0] = s.RequestType
	buf[1] = s.Request
	binary.LittleEndian.PutUint16(buf[2:4], s.Value)
	binary.LittleEndian.PutUint16(buf[4:6], s.Index)
	binary.LittleEndian.PutUint16(buf[6:8], s.Length)
	return buf
}

// IsDeviceToHost reports whether the data stage moves device to host.
func (s SetupPacket) IsDeviceToHost() bool {
	return s.RequestType&RequestDirectionMask == RequestDirectionIn
}

// Type returns the request type bits (standard, class, or vendor).
func (s SetupPacket) Type() uint8 {
	return s.RequestType & RequestTypeMask
}

// Recipient returns the recipient bits.
func (s SetupPacket) Recipient() uint8 {
	return s.RequestType & RequestRecipientMask
}

// DescriptorType returns the descriptor type from the wValue high byte.
func (s SetupPacket) DescriptorType() uint8 { return uint8(s.Value >> 8) }

// DescriptorIndex returns the descriptor index from the wValue low byte.
func (s SetupPacket) DescriptorIndex() uint8 { return uint8(s.Value & 0xFF) }

func (s SetupPacket) String() string {
	dir := "OUT"
	if s.IsDeviceToHost() {
		dir = "IN"
	}
	typ := "standard"
	switch s.Type() {
	case RequestTypeClass:
		typ = "class"
	case RequestTypeVendor:
		typ = "vendor"
	}
	return fmt.Sprintf("SETUP[%s %s] bRequest=0x%02X wValue=0x%04X wIndex=0x%04X wLength=%d",
		dir, typ, s.Request, s.Value, s.Index, s.Length)
}
