package usb

import "bytes"

// CDC class, subclass and protocol codes (CDC 1.2 / PSTN120).
const (
	ClassCDC            = 0x02 // communications device / control interface
	ClassCDCData        = 0x0A // data interface
	SubClassACM         = 0x02 // abstract control model
	ProtocolV25TER      = 0x01 // AT commands
	CSInterfaceDescType = 0x24 // class-specific interface descriptor
)

// CDC functional descriptor subtypes.
const (
	cdcFuncHeader         = 0x00
	cdcFuncCallManagement = 0x01
	cdcFuncACM            = 0x02
	cdcFuncUnion          = 0x06
)

// CDCHeaderFunc is the class-specific header functional descriptor.
type CDCHeaderFunc struct {
	BcdCDC uint16 // LE
}

func (h CDCHeaderFunc) Write(b *bytes.Buffer) {
	b.Write([]byte{5, CSInterfaceDescType, cdcFuncHeader, uint8(h.BcdCDC), uint8(h.BcdCDC >> 8)})
}

// CDCCallManagementFunc describes call management handling.
type CDCCallManagementFunc struct {
	BmCapabilities uint8
	BDataInterface uint8
}

func (c CDCCallManagementFunc) Write(b *bytes.Buffer) {
	b.Write([]byte{5, CSInterfaceDescType, cdcFuncCallManagement, c.BmCapabilities, c.BDataInterface})
}

// CDCACMFunc describes the abstract control management capabilities.
type CDCACMFunc struct {
	BmCapabilities uint8
}

func (a CDCACMFunc) Write(b *bytes.Buffer) {
	b.Write([]byte{4, CSInterfaceDescType, cdcFuncACM, a.BmCapabilities})
}

// CDCUnionFunc binds the control interface to its subordinate interfaces.
type CDCUnionFunc struct {
	BControlInterface uint8
	BSubordinate      []uint8
}

func (u CDCUnionFunc) Write(b *bytes.Buffer) {
	b.WriteByte(uint8(4 + len(u.BSubordinate)))
	b.WriteByte(CSInterfaceDescType)
	b.WriteByte(cdcFuncUnion)
	b.WriteByte(u.BControlInterface)
	b.Write(u.BSubordinate)
}

// BuildACMFunctional returns the standard functional descriptor set for one
// ACM control interface with one data interface: header, call management,
// ACM and union, in that order.
func BuildACMFunctional(controlInterface, dataInterface uint8) []byte {
	var b bytes.Buffer
	CDCHeaderFunc{BcdCDC: 0x0110}.Write(&b)
	CDCCallManagementFunc{BmCapabilities: 0x00, BDataInterface: dataInterface}.Write(&b)
	CDCACMFunc{BmCapabilities: 0x02}.Write(&b) // line coding + control line state
	CDCUnionFunc{BControlInterface: controlInterface, BSubordinate: []uint8{dataInterface}}.Write(&b)
	return b.Bytes()
}
