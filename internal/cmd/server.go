package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path"
	"strings"
	"syscall"
	"time"

	"github.com/Alia5/VCOM/device/cdc"
	"github.com/Alia5/VCOM/internal/configpaths"
	"github.com/Alia5/VCOM/internal/log"
	"github.com/Alia5/VCOM/internal/server/stream"
	"github.com/Alia5/VCOM/internal/server/stream/auth"
	"github.com/Alia5/VCOM/internal/server/usb"
	"github.com/Alia5/VCOM/internal/util"
	"github.com/Alia5/VCOM/virtualbus"
)

const keyFileName = "vcom.key.txt"

// Server runs the USB/IP server and the serial stream server, exporting one
// CDC serial device per configured port.
type Server struct {
	UsbServerConfig    usb.ServerConfig    `embed:"" prefix:"usb."`
	StreamServerConfig stream.ServerConfig `embed:"" prefix:"stream."`
	Ports              []string            `help:"Serial port names to export" default:"tty0" env:"VCOM_PORTS"`
	CmdPollInterval    uint8               `help:"Notification endpoint polling interval in frames" default:"16" env:"VCOM_CMD_POLL_INTERVAL"`
	ConnectionTimeout  time.Duration       `help:"Connection operation timeout" default:"30s" env:"VCOM_CONNECTION_TIMEOUT"`
}

// Run is called by Kong when the server command is executed.
func (s *Server) Run(logger *slog.Logger, rawLogger log.RawLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return s.StartServer(ctx, logger, rawLogger)
}

func (s *Server) StartServer(ctx context.Context, logger *slog.Logger, rawLogger log.RawLogger) error {
	s.UsbServerConfig.ConnectionTimeout = s.ConnectionTimeout
	s.StreamServerConfig.ConnectionTimeout = s.ConnectionTimeout

	logger.Info("Starting VCOM USB/IP server", "addr", s.UsbServerConfig.Addr)

	if err := s.loadOrCreateKey(logger); err != nil {
		return err
	}

	usbSrv := usb.New(s.UsbServerConfig, logger, rawLogger)
	streamSrv := stream.New(s.StreamServerConfig, logger)
	bus := virtualbus.New()

	var devices []*cdc.Device
	for _, name := range s.Ports {
		dev, err := s.exportPort(name, logger, bus, streamSrv)
		if err != nil {
			return fmt.Errorf("export port %s: %w", name, err)
		}
		devices = append(devices, dev)
	}
	if err := usbSrv.AddBus(bus); err != nil {
		return err
	}

	usbErrCh := make(chan error, 1)
	go func() {
		usbErrCh <- usbSrv.ListenAndServe()
	}()

	select {
	case err := <-usbErrCh:
		return err
	case <-usbSrv.Ready():
	}

	if err := streamSrv.Start(); err != nil {
		logger.Error("failed to start stream server", "error", err)
		_ = usbSrv.Close()
		return err
	}

	if util.IsRunFromGUI() {
		go (func() {
			time.Sleep(250 * time.Millisecond)
			util.HideConsoleWindow()
		})()
	}

	shutdown := func() {
		streamSrv.Close()
		_ = usbSrv.Close()
		for _, dev := range devices {
			dev.Close()
		}
		_ = bus.Close()
	}

	select {
	case <-ctx.Done():
		shutdown()
		<-usbErrCh
		return nil
	case err := <-usbErrCh:
		shutdown()
		return err
	}
}

// exportPort composes one CDC serial device, attaches it to the bus and
// registers its data channel with the stream server.
func (s *Server) exportPort(name string, logger *slog.Logger, bus *virtualbus.Bus, streamSrv *stream.Server) (*cdc.Device, error) {
	bridge := usb.NewBridge(logger.With("port", name))
	data := cdc.NewDataFeature()
	dev := cdc.New(bridge, data)
	lines := cdc.NewLineHandler(dev)

	params := cdc.DefaultParams()
	params.CmdPollInterval = s.CmdPollInterval
	params.SerialNumber = name
	if err := dev.Initialise(&params); err != nil {
		dev.Close()
		return nil, err
	}

	if _, err := bus.Attach(dev); err != nil {
		dev.Close()
		return nil, err
	}
	if err := streamSrv.RegisterPort(name, data); err != nil {
		_ = bus.Detach(dev)
		dev.Close()
		return nil, err
	}

	logger.Info("serial port exported", "port", name, "coding", lines.Coding().String())
	return dev, nil
}

// loadOrCreateKey reads the stream server password from the key file,
// generating and persisting a fresh one on first run.
func (s *Server) loadOrCreateKey(logger *slog.Logger) error {
	if s.StreamServerConfig.Password != "" {
		return nil
	}
	keyFileDir, err := configpaths.DefaultConfigDir()
	if err != nil {
		return fmt.Errorf("failed to resolve key file path: %w", err)
	}
	keyFilePath := path.Join(keyFileDir, keyFileName)
	if pwd, err := os.ReadFile(keyFilePath); err == nil {
		s.StreamServerConfig.Password = strings.TrimSpace(string(pwd))
		return nil
	}

	newPwd, err := auth.GenerateKey()
	if err != nil {
		return fmt.Errorf("failed to generate stream server password: %w", err)
	}
	if err := os.MkdirAll(keyFileDir, 0o700); err != nil {
		return fmt.Errorf("failed to create config dir for key file: %w", err)
	}
	if err := os.WriteFile(keyFilePath, []byte(newPwd), 0o600); err != nil {
		return fmt.Errorf("failed to write stream server password: %w", err)
	}
	s.StreamServerConfig.Password = newPwd
	logger.Info("Generated stream server password", "path", keyFilePath)
	logger.Info("-------------------------------------")
	logger.Info("Your VCOM stream server password is:")
	logger.Info("-------------------------------------")
	logger.Info(newPwd)
	logger.Info("-------------------------------------")
	logger.Info("You can change this password at any time by editing the file")
	return nil
}
