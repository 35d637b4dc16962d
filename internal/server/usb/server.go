// Package usb serves composed devices over the USB/IP protocol and bridges
// URB traffic into the device stack contract.
package usb

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/Alia5/VCOM/device"
	"github.com/Alia5/VCOM/internal/log"
	"github.com/Alia5/VCOM/usb"
	"github.com/Alia5/VCOM/usbip"
	"github.com/Alia5/VCOM/virtualbus"
)

const (
	// USB standard request codes
	usbReqGetStatus        = 0x00
	usbReqSetAddress       = 0x05
	usbReqGetDescriptor    = 0x06
	usbReqGetConfiguration = 0x08
	usbReqSetConfiguration = 0x09
	usbReqSetInterface     = 0x0B

	// USB configuration values
	usbConfigValueDefault   = 1
	usbConfigAttrBusPowered = 0x80
	usbConfigMaxPower100mA  = 50 // in units of 2mA

	// Error codes
	errConnReset = -104 // -ECONNRESET
)

type Server struct {
	config    *ServerConfig
	logger    *slog.Logger
	rawLogger log.RawLogger
	busses    map[uint32]*virtualbus.Bus
	busesMu   sync.Mutex
	ready     chan struct{}
	readyOnce sync.Once
	ln        net.Listener
}

func New(config ServerConfig, logger *slog.Logger, rawLogger log.RawLogger) *Server {
	return &Server{
		config:    &config,
		logger:    logger,
		rawLogger: rawLogger,
		busses:    make(map[uint32]*virtualbus.Bus),
		ready:     make(chan struct{}),
	}
}

// AddBus registers a bus with the server. If the bus number is already
// present, an error is returned.
func (s *Server) AddBus(bus *virtualbus.Bus) error {
	s.busesMu.Lock()
	defer s.busesMu.Unlock()
	if bus == nil {
		return fmt.Errorf("bus is nil")
	}
	if _, ok := s.busses[bus.Number()]; ok {
		return fmt.Errorf("bus %d already registered", bus.Number())
	}
	s.busses[bus.Number()] = bus
	return nil
}

// RemoveBus unregisters a bus from the server, detaching any devices left
// on it.
func (s *Server) RemoveBus(busNumber uint32) error {
	s.busesMu.Lock()
	bus, ok := s.busses[busNumber]
	if !ok {
		s.busesMu.Unlock()
		return fmt.Errorf("bus %d not found", busNumber)
	}
	devices := bus.Devices()
	s.busesMu.Unlock()

	if len(devices) > 0 {
		s.logger.Warn("removing non-empty bus", "bus", busNumber, "devices", len(devices))
		for _, dev := range devices {
			_ = bus.Detach(dev)
		}
	}

	s.busesMu.Lock()
	delete(s.busses, busNumber)
	s.busesMu.Unlock()

	return bus.Close()
}

// ListBuses returns a snapshot of active bus numbers.
func (s *Server) ListBuses() []uint32 {
	s.busesMu.Lock()
	defer s.busesMu.Unlock()
	out := make([]uint32, 0, len(s.busses))
	for k := range s.busses {
		out = append(out, k)
	}
	return out
}

// GetBus returns a bus by number or nil if not present.
func (s *Server) GetBus(busNumber uint32) *virtualbus.Bus {
	s.busesMu.Lock()
	defer s.busesMu.Unlock()
	return s.busses[busNumber]
}

// ListenAndServe starts the USB/IP server and handles incoming connections.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.readyOnce.Do(func() { close(s.ready) })
	s.logger.Info("USB/IP server listening", "addr", s.config.Addr)
	for {
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || strings.Contains(strings.ToLower(err.Error()), "use of closed network connection") {
				s.logger.Info("USB/IP server stopped")
				return nil
			}
			s.logger.Error("Accept error", "error", err)
			continue
		}
		s.logger.Info("Client connected", "remote", c.RemoteAddr())
		go func() {
			if err := s.handleConn(c); err != nil {
				if isClientDisconnect(err) {
					s.logger.Info("Client disconnected", "error", err)
				} else {
					s.logger.Error("Connection handler error", "error", err)
				}
			}
		}()
	}
}

// Ready returns a channel that is closed once the server has bound to its
// listen address and accepts connections.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the bound listen address once Ready is closed, the
// configured address before that.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.config.Addr
	}
	return s.ln.Addr().String()
}

// Close stops the server by closing its listener.
func (s *Server) Close() error {
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}

// GetListenPort extracts the port number from the server's listen address.
func (s *Server) GetListenPort() uint16 {
	_, portStr, err := net.SplitHostPort(s.config.Addr)
	if err != nil {
		return 0
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return 0
	}
	return uint16(port)
}

// --

func (s *Server) handleConn(conn net.Conn) error {
	defer conn.Close()
	conn = &logConn{Conn: conn, s: s}
	if err := conn.SetDeadline(time.Now().Add(s.config.ConnectionTimeout)); err != nil {
		s.logger.Warn("Failed to set deadline", "error", err)
	}

	hdr, err := usbip.ReadMgmtHeader(conn)
	if err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	if hdr.Version != usbip.Version {
		return fmt.Errorf("protocol violation: unsupported version 0x%04x", hdr.Version)
	}

	switch hdr.Command {
	case usbip.OpReqDevlist:
		s.logger.Info("OP_REQ_DEVLIST")
		return s.handleDevList(conn)
	case usbip.OpReqImport:
		s.logger.Info("OP_REQ_IMPORT")
		dev, err := s.handleImport(conn)
		if err != nil {
			return fmt.Errorf("handle import: %w", err)
		}
		return s.handleUrbStream(conn, dev)
	}
	return fmt.Errorf("protocol violation: unknown management command 0x%04x", hdr.Command)
}

func exportedDevice(meta usbip.ExportMeta, desc *usb.Descriptor) usbip.ExportedDevice {
	exp := usbip.ExportedDevice{
		ExportMeta:          meta,
		Speed:               desc.Device.Speed,
		IDVendor:            desc.Device.IDVendor,
		IDProduct:           desc.Device.IDProduct,
		BcdDevice:           desc.Device.BcdDevice,
		BDeviceClass:        desc.Device.BDeviceClass,
		BDeviceSubClass:     desc.Device.BDeviceSubClass,
		BDeviceProtocol:     desc.Device.BDeviceProtocol,
		BConfigurationValue: usbConfigValueDefault,
		BNumConfigurations:  desc.Device.BNumConfigurations,
		BNumInterfaces:      uint8(len(desc.Interfaces)),
	}
	for _, iface := range desc.Interfaces {
		exp.Interfaces = append(exp.Interfaces, usbip.InterfaceDesc{
			Class:    iface.Descriptor.BInterfaceClass,
			SubClass: iface.Descriptor.BInterfaceSubClass,
			Protocol: iface.Descriptor.BInterfaceProtocol,
		})
	}
	return exp
}

func (s *Server) handleDevList(conn net.Conn) error {
	_ = conn.SetDeadline(time.Time{})
	var buf bytes.Buffer
	rep := usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpRepDevlist, Status: 0}
	_ = rep.Write(&buf)
	exports := s.allExports()
	dlh := usbip.DevListReplyHeader{NDevices: uint32(len(exports))}
	_ = dlh.Write(&buf)
	for _, e := range exports {
		exp := exportedDevice(e.Meta, e.Dev.GetDescriptor())
		_ = exp.WriteDevlist(&buf)
	}
	if _, err := conn.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write devlist: %w", err)
	}
	return nil
}

func (s *Server) handleImport(conn net.Conn) (usb.Device, error) {
	reqBus, err := usbip.ReadBusID(conn)
	if err != nil {
		return nil, fmt.Errorf("read import busid: %w", err)
	}
	s.logger.Info("Import request", "busid", reqBus)

	var chosen usb.Device
	var chosenMeta usbip.ExportMeta
	for _, e := range s.allExports() {
		end := bytes.IndexByte(e.Meta.USBBusId[:], 0)
		if string(e.Meta.USBBusId[:end]) == reqBus {
			chosen = e.Dev
			chosenMeta = e.Meta
			break
		}
	}
	if chosen == nil {
		return nil, fmt.Errorf("no device matches busid %s", reqBus)
	}

	var buf bytes.Buffer
	rep := usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpRepImport, Status: 0}
	_ = rep.Write(&buf)
	exp := exportedDevice(chosenMeta, chosen.GetDescriptor())
	_ = exp.WriteImport(&buf)
	if _, err := conn.Write(buf.Bytes()); err != nil {
		return nil, fmt.Errorf("write import reply: %w", err)
	}
	return chosen, nil
}

// allExports aggregates exports from all registered busses.
func (s *Server) allExports() []virtualbus.Export {
	s.busesMu.Lock()
	defer s.busesMu.Unlock()
	out := []virtualbus.Export{}
	for _, b := range s.busses {
		out = append(out, b.Exports()...)
	}
	return out
}

type logConn struct {
	net.Conn
	s *Server
}

func (lc *logConn) Read(p []byte) (int, error) {
	n, err := lc.Conn.Read(p)
	if n > 0 && lc.s.rawLogger != nil {
		lc.s.rawLogger.Log(true, p[:n])
	}
	return n, err
}

func (lc *logConn) Write(p []byte) (int, error) {
	n, err := lc.Conn.Write(p)
	if n > 0 && lc.s.rawLogger != nil {
		lc.s.rawLogger.Log(false, p[:n])
	}
	return n, err
}

// handleUrbStream services URBs for one imported device until the client
// disconnects or the device is removed from its bus. All URBs for the
// device are processed on this goroutine, which is what lets the device
// control path run lock-free.
func (s *Server) handleUrbStream(conn net.Conn, dev usb.Device) error {
	_ = conn.SetDeadline(time.Time{})

	var owningBus *virtualbus.Bus
	for _, b := range s.busses {
		for _, d := range b.Devices() {
			if d == dev {
				owningBus = b
				break
			}
		}
		if owningBus != nil {
			break
		}
	}
	if owningBus == nil {
		return fmt.Errorf("device does not belong to any bus")
	}

	ctx := owningBus.Context(dev)
	if ctx == nil {
		return fmt.Errorf("no device context available from bus")
	}

	// The reconnect timer is held while a client owns the URB stream and
	// re-armed when the stream ends, so a device whose client never returns
	// gets deconfigured instead of queuing notifications forever.
	if timer := device.GetConnTimer(ctx); timer != nil {
		timer.Stop()
		defer s.armReconnectTimeout(ctx, dev, timer)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("device removed, closing URB stream")
			return nil
		default:
		}

		msg, err := usbip.ReadURB(conn)
		if err != nil {
			return fmt.Errorf("read URB: %w", err)
		}

		switch m := msg.(type) {
		case *usbip.CmdUnlink:
			s.logger.Debug("USBIP_CMD_UNLINK", "seq", m.Basic.Seqnum, "unlink", m.UnlinkSeqnum)
			ret := usbip.RetUnlink{
				Basic:  usbip.HeaderBasic{Command: usbip.RetUnlinkCode, Seqnum: m.Basic.Seqnum},
				Status: errConnReset,
			}
			if err := ret.Write(conn); err != nil {
				return fmt.Errorf("write RET_UNLINK: %w", err)
			}

		case *usbip.CmdSubmit:
			var outPayload []byte
			if m.Basic.Dir == usbip.DirOut && m.TransferBufferLen > 0 {
				outPayload = make([]byte, m.TransferBufferLen)
				if _, err := io.ReadFull(conn, outPayload); err != nil {
					return fmt.Errorf("read OUT payload: %w", err)
				}
			}

			respData, status := s.processSubmit(dev, m, outPayload)

			ret := usbip.RetSubmit{
				Basic:        usbip.HeaderBasic{Command: usbip.RetSubmitCode, Seqnum: m.Basic.Seqnum},
				Status:       status,
				ActualLength: uint32(len(respData)),
			}
			var out bytes.Buffer
			if err := ret.Write(&out); err != nil {
				return fmt.Errorf("build RET_SUBMIT header: %w", err)
			}
			out.Write(respData)
			if _, err := conn.Write(out.Bytes()); err != nil {
				return fmt.Errorf("write RET_SUBMIT: %w", err)
			}

		default:
			return fmt.Errorf("unsupported URB message %T", msg)
		}
	}
}

// armReconnectTimeout re-arms the per-device reconnect timer after a URB
// stream ends. If no client imports the device again within the connection
// timeout the device is deconfigured, closing its class endpoints and
// dropping pending notifications. Detaching the device cancels the watch.
func (s *Server) armReconnectTimeout(ctx context.Context, dev usb.Device, timer *time.Timer) {
	timer.Reset(s.config.ConnectionTimeout)
	go func() {
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
			if ch := controlHandler(dev); ch != nil {
				ch.Configure(false)
			}
			if meta := device.GetDeviceMeta(ctx); meta != nil {
				s.logger.Info("client did not reconnect, deconfiguring device", "devid", meta.DevId)
			}
		}
	}()
}

// isClientDisconnect tests whether an error represents a normal client
// disconnect (EOF, ECONNRESET, broken pipe, or the Windows WSAECONNRESET
// translated error), logged at Info level instead of Error.
func isClientDisconnect(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		switch t := opErr.Err.(type) {
		case syscall.Errno:
			if t == syscall.ECONNRESET || t == syscall.EPIPE {
				return true
			}
		}
	}
	e := strings.ToLower(err.Error())
	if strings.Contains(e, "connection reset by peer") || strings.Contains(e, "forcibly closed") || strings.Contains(e, "aborted") {
		return true
	}
	return false
}

// processSubmit services one URB: endpoint transfers go to the device's
// dispatch table, EP0 standard requests are answered here, and EP0 class or
// vendor requests go through the device's control handler.
func (s *Server) processSubmit(dev usb.Device, m *usbip.CmdSubmit, out []byte) ([]byte, int32) {
	if m.Basic.Ep != 0 {
		return dev.HandleTransfer(m.Basic.Ep, m.Basic.Dir, out), 0
	}

	setup, err := usb.ParseSetupPacket(m.Setup[:])
	if err != nil {
		return nil, usbip.StatusEPipe
	}

	if setup.Type() != usb.RequestTypeStandard {
		ch := controlHandler(dev)
		if ch == nil {
			s.logger.Debug("no control handler for class request", "setup", setup.String())
			return nil, usbip.StatusEPipe
		}
		data, err := ch.Control(setup, out)
		if err != nil {
			s.logger.Debug("control request stalled", "setup", setup.String())
			return nil, usbip.StatusEPipe
		}
		return clampToLength(data, setup.Length), 0
	}

	return s.processStandard(dev, setup)
}

func (s *Server) processStandard(dev usb.Device, setup usb.SetupPacket) ([]byte, int32) {
	desc := dev.GetDescriptor()

	switch setup.Request {
	case usbReqSetAddress:
		return nil, 0

	case usbReqSetConfiguration:
		if ch := controlHandler(dev); ch != nil {
			ch.Configure(setup.Value != 0)
		}
		return nil, 0

	case usbReqSetInterface:
		return nil, 0

	case usbReqGetConfiguration:
		return []byte{usbConfigValueDefault}, 0

	case usbReqGetStatus:
		return []byte{0x00, 0x00}, 0

	case usbReqGetDescriptor:
		var data []byte
		switch setup.DescriptorType() {
		case usb.DeviceDescType:
			data = desc.Bytes()
		case usb.ConfigDescType:
			data = buildConfigDescriptor(desc)
		case usb.StringDescType:
			if str, ok := desc.Strings[setup.DescriptorIndex()]; ok {
				data = usb.EncodeStringDescriptor(str)
			}
		}
		if len(data) == 0 {
			return nil, 0
		}
		return clampToLength(data, setup.Length), 0
	}
	return nil, 0
}

// controlHandler extracts the class control handler from a device, nil when
// the device has none.
func controlHandler(dev usb.Device) usb.ControlHandler {
	cd, ok := dev.(usb.ClassDevice)
	if !ok {
		return nil
	}
	return cd.ControlHandler()
}

func clampToLength(data []byte, wLength uint16) []byte {
	if int(wLength) < len(data) {
		return data[:wLength]
	}
	return data
}

// buildConfigDescriptor builds the full configuration descriptor: header,
// then per interface the interface descriptor, its class-specific
// functional descriptors and its endpoints.
func buildConfigDescriptor(desc *usb.Descriptor) []byte {
	var b bytes.Buffer
	h := usb.ConfigHeader{
		WTotalLength:        0, // patched below
		BNumInterfaces:      uint8(len(desc.Interfaces)),
		BConfigurationValue: usbConfigValueDefault,
		IConfiguration:      0,
		BMAttributes:        usbConfigAttrBusPowered,
		BMaxPower:           usbConfigMaxPower100mA,
	}
	h.Write(&b)
	for _, iface := range desc.Interfaces {
		iface.Descriptor.Write(&b)
		if len(iface.ClassData) > 0 {
			b.Write(iface.ClassData)
		}
		for _, ep := range iface.Endpoints {
			ep.Write(&b)
		}
	}

	data := b.Bytes()
	binary.LittleEndian.PutUint16(data[2:4], uint16(len(data)))
	return data
}
