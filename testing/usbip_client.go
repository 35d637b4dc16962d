// Package testing provides a minimal USB/IP client used by integration
// tests to drive the server the way a kernel-side client would.
package testing

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Alia5/VCOM/usbip"
)

type TestUsbIpClient struct {
	address string
	seq     uint32
}

type Device struct {
	Path       string
	BusID      string
	BusNum     uint32
	DeviceNum  uint32
	Speed      uint32
	IDVendor   uint16
	IDProduct  uint16
	BcdDevice  uint16
	Class      uint8
	SubClass   uint8
	Protocol   uint8
	ConfigVal  uint8
	NumConfigs uint8
	NumIfaces  uint8
	Interfaces []usbip.InterfaceDesc
}

type ImportResult struct {
	Conn          net.Conn
	Exported      Device
	RawDescriptor []byte
}

// SubmitResult carries the reply to one URB submission.
type SubmitResult struct {
	Status int32
	Data   []byte
}

func NewUsbIpClient(t *testing.T, addr string) *TestUsbIpClient {
	t.Helper()

	return &TestUsbIpClient{
		address: addr,
	}
}

func (c *TestUsbIpClient) nextSeq() uint32 {
	// Seqnum only needs to be unique within the session; tests use a single
	// client per test and the server doesn't require a specific starting value.
	return atomic.AddUint32(&c.seq, 1) - 1
}

func (c *TestUsbIpClient) ListDevices() ([]Device, error) {
	conn, err := net.Dial("tcp", c.address)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := (&usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpReqDevlist}).Write(conn); err != nil {
		return nil, err
	}

	var hdr [12]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return nil, err
	}

	if v := binary.BigEndian.Uint16(hdr[0:2]); v != usbip.Version {
		return nil, fmt.Errorf("unexpected usbip version %x", v)
	}
	if cmd := binary.BigEndian.Uint16(hdr[2:4]); cmd != usbip.OpRepDevlist {
		return nil, fmt.Errorf("unexpected reply command %x", cmd)
	}

	n := binary.BigEndian.Uint32(hdr[8:12])
	devices := make([]Device, 0, n)
	for i := uint32(0); i < n; i++ {
		dev, _, err := readExportedDevice(conn, true)
		if err != nil {
			return nil, err
		}
		devices = append(devices, dev)
	}

	return devices, nil
}

func (c *TestUsbIpClient) AttachDevice(busID string) (*ImportResult, error) {
	conn, err := net.Dial("tcp", c.address)
	if err != nil {
		return nil, err
	}

	if err := (&usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpReqImport}).Write(conn); err != nil {
		conn.Close()
		return nil, err
	}

	var bus [32]byte
	copy(bus[:], busID)
	if _, err := conn.Write(bus[:]); err != nil {
		conn.Close()
		return nil, err
	}

	var hdr [8]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		conn.Close()
		return nil, err
	}
	if v := binary.BigEndian.Uint16(hdr[0:2]); v != usbip.Version {
		conn.Close()
		return nil, fmt.Errorf("unexpected usbip version %x", v)
	}
	if cmd := binary.BigEndian.Uint16(hdr[2:4]); cmd != usbip.OpRepImport {
		conn.Close()
		return nil, fmt.Errorf("unexpected reply command %x", cmd)
	}

	dev, raw, err := readExportedDevice(conn, false)
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &ImportResult{Conn: conn, Exported: dev, RawDescriptor: raw}, nil
}

func readExportedDevice(r net.Conn, readIfaces bool) (Device, []byte, error) {
	var base [312]byte
	if _, err := io.ReadFull(r, base[:]); err != nil {
		return Device{}, nil, err
	}

	pathField := base[0:256]
	busField := base[256:288]

	pathEnd := bytes.IndexByte(pathField, 0)
	if pathEnd == -1 {
		pathEnd = len(pathField)
	}
	busEnd := bytes.IndexByte(busField, 0)
	if busEnd == -1 {
		busEnd = len(busField)
	}

	dev := Device{
		Path:       string(pathField[:pathEnd]),
		BusID:      string(busField[:busEnd]),
		BusNum:     binary.BigEndian.Uint32(base[288:292]),
		DeviceNum:  binary.BigEndian.Uint32(base[292:296]),
		Speed:      binary.BigEndian.Uint32(base[296:300]),
		IDVendor:   binary.BigEndian.Uint16(base[300:302]),
		IDProduct:  binary.BigEndian.Uint16(base[302:304]),
		BcdDevice:  binary.BigEndian.Uint16(base[304:306]),
		Class:      base[306],
		SubClass:   base[307],
		Protocol:   base[308],
		ConfigVal:  base[309],
		NumConfigs: base[310],
		NumIfaces:  base[311],
	}

	if readIfaces && dev.NumIfaces > 0 {
		ifaceBuf := make([]byte, int(dev.NumIfaces)*4)
		if _, err := io.ReadFull(r, ifaceBuf); err != nil {
			return Device{}, nil, err
		}
		for i := 0; i < int(dev.NumIfaces); i++ {
			o := i * 4
			dev.Interfaces = append(dev.Interfaces, usbip.InterfaceDesc{
				Class:    ifaceBuf[o],
				SubClass: ifaceBuf[o+1],
				Protocol: ifaceBuf[o+2],
			})
		}
	}

	return dev, base[:], nil
}

// Submit sends one URB and returns its reply. For IN transfers bufferLen is
// how much the endpoint is asked for; for OUT transfers outPayload carries
// the data stage.
func (c *TestUsbIpClient) Submit(conn net.Conn, dir uint32, ep uint32, bufferLen uint32, outPayload []byte, setup *[8]byte) (*SubmitResult, error) {
	return c.SubmitWithTimeout(conn, dir, ep, bufferLen, outPayload, setup, 750*time.Millisecond)
}

func (c *TestUsbIpClient) SubmitWithTimeout(conn net.Conn, dir uint32, ep uint32, bufferLen uint32, outPayload []byte, setup *[8]byte, timeout time.Duration) (*SubmitResult, error) {
	if conn == nil {
		return nil, io.ErrUnexpectedEOF
	}

	var setupBytes [8]byte
	if setup != nil {
		setupBytes = *setup
	}
	if dir == usbip.DirOut {
		bufferLen = uint32(len(outPayload))
	}

	cmd := usbip.CmdSubmit{
		Basic:             usbip.HeaderBasic{Command: usbip.CmdSubmitCode, Seqnum: c.nextSeq(), Devid: 0, Dir: dir, Ep: ep},
		TransferBufferLen: bufferLen,
		Setup:             setupBytes,
	}

	_ = conn.SetDeadline(time.Now().Add(timeout))
	if err := cmd.Write(conn); err != nil {
		return nil, err
	}
	if dir == usbip.DirOut && len(outPayload) > 0 {
		if _, err := conn.Write(outPayload); err != nil {
			return nil, err
		}
	}

	var retHdr [usbip.URBHeaderSize]byte
	if _, err := io.ReadFull(conn, retHdr[:]); err != nil {
		return nil, err
	}
	if gotCmd := binary.BigEndian.Uint32(retHdr[0:4]); gotCmd != usbip.RetSubmitCode {
		return nil, fmt.Errorf("unexpected ret cmd %x", gotCmd)
	}
	res := &SubmitResult{
		Status: int32(binary.BigEndian.Uint32(retHdr[20:24])),
	}
	actual := binary.BigEndian.Uint32(retHdr[24:28])

	if dir == usbip.DirIn && actual > 0 {
		res.Data = make([]byte, int(actual))
		if _, err := io.ReadFull(conn, res.Data); err != nil {
			return nil, err
		}
	}
	_ = conn.SetDeadline(time.Time{})
	return res, nil
}

// ControlIn runs an IN control transfer on EP0.
func (c *TestUsbIpClient) ControlIn(conn net.Conn, setup [8]byte) (*SubmitResult, error) {
	wLength := binary.LittleEndian.Uint16(setup[6:8])
	return c.Submit(conn, usbip.DirIn, 0, uint32(wLength), nil, &setup)
}

// ControlOut runs an OUT control transfer on EP0 with payload as its data
// stage.
func (c *TestUsbIpClient) ControlOut(conn net.Conn, setup [8]byte, payload []byte) (*SubmitResult, error) {
	return c.Submit(conn, usbip.DirOut, 0, 0, payload, &setup)
}

// BulkOut writes payload to an OUT endpoint.
func (c *TestUsbIpClient) BulkOut(conn net.Conn, ep uint32, payload []byte) (*SubmitResult, error) {
	return c.Submit(conn, usbip.DirOut, ep, 0, payload, nil)
}

// BulkIn polls an IN endpoint for up to maxLen bytes.
func (c *TestUsbIpClient) BulkIn(conn net.Conn, ep uint32, maxLen uint32) (*SubmitResult, error) {
	return c.Submit(conn, usbip.DirIn, ep, maxLen, nil, nil)
}

// PollIn polls an IN endpoint until it returns want, a read fails, or the
// timeout elapses; the last reply is returned either way.
func (c *TestUsbIpClient) PollIn(conn net.Conn, ep uint32, maxLen uint32, want []byte, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	var last []byte
	for {
		res, err := c.BulkIn(conn, ep, maxLen)
		if err != nil {
			return nil, err
		}
		last = res.Data
		if bytes.Equal(res.Data, want) {
			return res.Data, nil
		}
		if time.Now().After(deadline) {
			return last, nil
		}
		time.Sleep(1 * time.Millisecond)
	}
}
