// Package usbip implements the wire format of the USB/IP protocol: the
// management operations (device list, import) and the URB transfer commands
// exchanged after an import. All multi-byte fields are big-endian.
package usbip

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	Version = 0x0111

	// Management commands
	OpReqDevlist = 0x8005
	OpRepDevlist = 0x0005
	OpReqImport  = 0x8003
	OpRepImport  = 0x0003

	// URB transfer commands
	CmdSubmitCode = 0x00000001
	CmdUnlinkCode = 0x00000002
	RetSubmitCode = 0x00000003
	RetUnlinkCode = 0x00000004

	// Directions used in usbip_header_basic.direction
	DirOut = 0x00000000
	DirIn  = 0x00000001

	// URB header size on the wire, shared by all four URB messages.
	URBHeaderSize = 0x30

	// StatusEPipe is the URB status reported for a stalled transfer.
	StatusEPipe = -32
)

// MgmtHeader is the 8-byte header opening every management exchange.
type MgmtHeader struct {
	Version uint16
	Command uint16
	Status  uint32
}

func (h *MgmtHeader) Write(w io.Writer) error {
	var buf [8]byte
	binary.BigEndian.PutUint16(buf[0:2], h.Version)
	binary.BigEndian.PutUint16(buf[2:4], h.Command)
	binary.BigEndian.PutUint32(buf[4:8], h.Status)
	_, err := w.Write(buf[:])
	return err
}

// ReadMgmtHeader decodes one management header from r.
func ReadMgmtHeader(r io.Reader) (MgmtHeader, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return MgmtHeader{}, err
	}
	return MgmtHeader{
		Version: binary.BigEndian.Uint16(buf[0:2]),
		Command: binary.BigEndian.Uint16(buf[2:4]),
		Status:  binary.BigEndian.Uint32(buf[4:8]),
	}, nil
}

// DevListReplyHeader follows MgmtHeader in OP_REP_DEVLIST.
type DevListReplyHeader struct {
	NDevices uint32
}

func (d *DevListReplyHeader) Write(w io.Writer) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], d.NDevices)
	_, err := w.Write(buf[:])
	return err
}

// ReadBusID reads the 32-byte bus id that follows an OP_REQ_IMPORT header.
func ReadBusID(r io.Reader) (string, error) {
	var buf [32]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return "", err
	}
	n := 0
	for n < len(buf) && buf[n] != 0 {
		n++
	}
	return string(buf[:n]), nil
}

// ExportMeta carries USB/IP bus identity for an exported device. Strings are
// fixed-size as on the wire.
type ExportMeta struct {
	Path     [256]byte
	USBBusId [32]byte
	BusId    uint32
	DevId    uint32
}

// FillMeta populates the fixed-size identity fields from strings.
func FillMeta(path, busID string, busNum, devNum uint32) ExportMeta {
	m := ExportMeta{
		BusId: busNum,
		DevId: devNum,
	}
	copy(m.Path[:], path)
	copy(m.USBBusId[:], busID)
	return m
}

// ExportedDevice describes one device in devlist and import replies.
type ExportedDevice struct {
	ExportMeta
	Speed uint32

	IDVendor            uint16
	IDProduct           uint16
	BcdDevice           uint16
	BDeviceClass        uint8
	BDeviceSubClass     uint8
	BDeviceProtocol     uint8
	BConfigurationValue uint8
	BNumConfigurations  uint8
	BNumInterfaces      uint8

	Interfaces []InterfaceDesc
}

type InterfaceDesc struct {
	Class    uint8
	SubClass uint8
	Protocol uint8
}

func (d *ExportedDevice) writeCommon(w io.Writer) error {
	if _, err := w.Write(d.Path[:]); err != nil {
		return err
	}
	if _, err := w.Write(d.USBBusId[:]); err != nil {
		return err
	}
	var buf [18]byte
	binary.BigEndian.PutUint32(buf[0:4], d.BusId)
	binary.BigEndian.PutUint32(buf[4:8], d.DevId)
	binary.BigEndian.PutUint32(buf[8:12], d.Speed)
	binary.BigEndian.PutUint16(buf[12:14], d.IDVendor)
	binary.BigEndian.PutUint16(buf[14:16], d.IDProduct)
	binary.BigEndian.PutUint16(buf[16:18], d.BcdDevice)
	if _, err := w.Write(buf[:]); err != nil {
		return err
	}
	_, err := w.Write([]byte{
		d.BDeviceClass,
		d.BDeviceSubClass,
		d.BDeviceProtocol,
		d.BConfigurationValue,
		d.BNumConfigurations,
		d.BNumInterfaces,
	})
	return err
}

// WriteDevlist writes the OP_REP_DEVLIST entry, interface triplets included.
func (d *ExportedDevice) WriteDevlist(w io.Writer) error {
	if err := d.writeCommon(w); err != nil {
		return err
	}
	for _, iface := range d.Interfaces {
		if _, err := w.Write([]byte{iface.Class, iface.SubClass, iface.Protocol, 0}); err != nil {
			return err
		}
	}
	return nil
}

// WriteImport writes the OP_REP_IMPORT entry, which stops at bNumInterfaces.
func (d *ExportedDevice) WriteImport(w io.Writer) error {
	return d.writeCommon(w)
}

// HeaderBasic is the 20-byte prefix shared by all URB messages.
type HeaderBasic struct {
	Command uint32
	Seqnum  uint32
	Devid   uint32
	Dir     uint32
	Ep      uint32
}

func (h *HeaderBasic) put(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], h.Command)
	binary.BigEndian.PutUint32(buf[4:8], h.Seqnum)
	binary.BigEndian.PutUint32(buf[8:12], h.Devid)
	binary.BigEndian.PutUint32(buf[12:16], h.Dir)
	binary.BigEndian.PutUint32(buf[16:20], h.Ep)
}

func (h *HeaderBasic) get(buf []byte) {
	h.Command = binary.BigEndian.Uint32(buf[0:4])
	h.Seqnum = binary.BigEndian.Uint32(buf[4:8])
	h.Devid = binary.BigEndian.Uint32(buf[8:12])
	h.Dir = binary.BigEndian.Uint32(buf[12:16])
	h.Ep = binary.BigEndian.Uint32(buf[16:20])
}

// CmdSubmit is a host URB submission. The transfer buffer, when present,
// follows the header on the wire and is read separately.
type CmdSubmit struct {
	Basic             HeaderBasic
	TransferFlags     uint32
	TransferBufferLen uint32
	StartFrame        uint32
	NumberOfPackets   uint32
	Interval          uint32
	Setup             [8]byte
}

func (c *CmdSubmit) Write(w io.Writer) error {
	var buf [URBHeaderSize]byte
	c.Basic.put(buf[0:])
	binary.BigEndian.PutUint32(buf[20:24], c.TransferFlags)
	binary.BigEndian.PutUint32(buf[24:28], c.TransferBufferLen)
	binary.BigEndian.PutUint32(buf[28:32], c.StartFrame)
	binary.BigEndian.PutUint32(buf[32:36], c.NumberOfPackets)
	binary.BigEndian.PutUint32(buf[36:40], c.Interval)
	copy(buf[40:48], c.Setup[:])
	_, err := w.Write(buf[:])
	return err
}

// decode fills c from a full URB header buffer.
func (c *CmdSubmit) decode(buf []byte) {
	c.Basic.get(buf[0:])
	c.TransferFlags = binary.BigEndian.Uint32(buf[20:24])
	c.TransferBufferLen = binary.BigEndian.Uint32(buf[24:28])
	c.StartFrame = binary.BigEndian.Uint32(buf[28:32])
	c.NumberOfPackets = binary.BigEndian.Uint32(buf[32:36])
	c.Interval = binary.BigEndian.Uint32(buf[36:40])
	copy(c.Setup[:], buf[40:48])
}

// RetSubmit answers a CmdSubmit. For IN transfers the data follows the
// header; ActualLength counts the data bytes.
type RetSubmit struct {
	Basic           HeaderBasic
	Status          int32
	ActualLength    uint32
	StartFrame      uint32
	NumberOfPackets uint32
	ErrorCount      uint32
	Padding         [8]byte
}

func (r *RetSubmit) Write(w io.Writer) error {
	var buf [URBHeaderSize]byte
	r.Basic.put(buf[0:])
	binary.BigEndian.PutUint32(buf[20:24], uint32(r.Status))
	binary.BigEndian.PutUint32(buf[24:28], r.ActualLength)
	binary.BigEndian.PutUint32(buf[28:32], r.StartFrame)
	binary.BigEndian.PutUint32(buf[32:36], r.NumberOfPackets)
	binary.BigEndian.PutUint32(buf[36:40], r.ErrorCount)
	copy(buf[40:48], r.Padding[:])
	_, err := w.Write(buf[:])
	return err
}

func (r *RetSubmit) decode(buf []byte) {
	r.Basic.get(buf[0:])
	r.Status = int32(binary.BigEndian.Uint32(buf[20:24]))
	r.ActualLength = binary.BigEndian.Uint32(buf[24:28])
	r.StartFrame = binary.BigEndian.Uint32(buf[28:32])
	r.NumberOfPackets = binary.BigEndian.Uint32(buf[32:36])
	r.ErrorCount = binary.BigEndian.Uint32(buf[36:40])
	copy(r.Padding[:], buf[40:48])
}

// CmdUnlink cancels a previously submitted URB by sequence number.
type CmdUnlink struct {
	Basic        HeaderBasic
	UnlinkSeqnum uint32
	Padding      [24]byte
}

func (c *CmdUnlink) Write(w io.Writer) error {
	var buf [URBHeaderSize]byte
	c.Basic.put(buf[0:])
	binary.BigEndian.PutUint32(buf[20:24], c.UnlinkSeqnum)
	copy(buf[24:48], c.Padding[:])
	_, err := w.Write(buf[:])
	return err
}

func (c *CmdUnlink) decode(buf []byte) {
	c.Basic.get(buf[0:])
	c.UnlinkSeqnum = binary.BigEndian.Uint32(buf[20:24])
	copy(c.Padding[:], buf[24:48])
}

// RetUnlink answers a CmdUnlink.
type RetUnlink struct {
	Basic   HeaderBasic
	Status  int32
	Padding [24]byte
}

func (r *RetUnlink) Write(w io.Writer) error {
	var buf [URBHeaderSize]byte
	r.Basic.put(buf[0:])
	binary.BigEndian.PutUint32(buf[20:24], uint32(r.Status))
	copy(buf[24:48], r.Padding[:])
	_, err := w.Write(buf[:])
	return err
}

func (r *RetUnlink) decode(buf []byte) {
	r.Basic.get(buf[0:])
	r.Status = int32(binary.BigEndian.Uint32(buf[20:24]))
	copy(r.Padding[:], buf[24:48])
}

// URBMessage is one decoded URB command or reply.
type URBMessage interface {
	decode(buf []byte)
}

// ReadURB reads one URB message from r and returns the decoded form. The
// caller reads any trailing transfer buffer itself, guided by the message
// direction and length fields.
func ReadURB(r io.Reader) (URBMessage, error) {
	var buf [URBHeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, err
	}
	var msg URBMessage
	switch cmd := binary.BigEndian.Uint32(buf[0:4]); cmd {
	case CmdSubmitCode:
		msg = &CmdSubmit{}
	case CmdUnlinkCode:
		msg = &CmdUnlink{}
	case RetSubmitCode:
		msg = &RetSubmit{}
	case RetUnlinkCode:
		msg = &RetUnlink{}
	default:
		return nil, fmt.Errorf("usbip: unknown URB command 0x%08x", cmd)
	}
	msg.decode(buf[:])
	return msg, nil
}
