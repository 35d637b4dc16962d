// Package stream implements the application side of the serial link: an
// authenticated, encrypted TCP server exposing the data channel of each
// exported serial port by name.
package stream

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/Alia5/VCOM/internal/server/stream/auth"
)

// Server accepts client connections, authenticates them against the
// configured pre-shared key, and pipes them to a registered serial port.
type Server struct {
	config ServerConfig
	logger *slog.Logger
	key    []byte
	ln     net.Listener

	mu    sync.Mutex
	ports map[string]io.ReadWriter
}

// New creates a stream server. The password is stretched to the session key
// at Start.
func New(config ServerConfig, logger *slog.Logger) *Server {
	return &Server{
		config: config,
		logger: logger,
		ports:  make(map[string]io.ReadWriter),
	}
}

// RegisterPort exposes rw under name. The data side of a CDC device (its
// DataFeature) is the usual argument.
func (s *Server) RegisterPort(name string, rw io.ReadWriter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if name == "" {
		return errors.New("port name is empty")
	}
	if _, ok := s.ports[name]; ok {
		return fmt.Errorf("port %q already registered", name)
	}
	s.ports[name] = rw
	return nil
}

// UnregisterPort removes a port. Connections already piping to it keep
// running until they disconnect.
func (s *Server) UnregisterPort(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ports, name)
}

// Ports returns the registered port names.
func (s *Server) Ports() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.ports))
	for name := range s.ports {
		out = append(out, name)
	}
	return out
}

func (s *Server) lookupPort(name string) io.ReadWriter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ports[name]
}

// Start derives the session key, binds the listener and serves in the
// background.
func (s *Server) Start() error {
	key, err := auth.DeriveKey(s.config.Password)
	if err != nil {
		return fmt.Errorf("derive stream key: %w", err)
	}
	s.key = key

	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.logger.Info("Stream server listening", "addr", s.config.Addr)
	go s.serve()
	return nil
}

// Addr returns the bound listen address once Start has returned, the
// configured address before that.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.config.Addr
	}
	return s.ln.Addr().String()
}

// Close stops the stream server.
func (s *Server) Close() {
	if s.ln != nil {
		_ = s.ln.Close()
	}
}

func (s *Server) serve() {
	for {
		c, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || strings.Contains(strings.ToLower(err.Error()), "use of closed network connection") {
				s.logger.Info("Stream server stopped")
				return
			}
			s.logger.Info("Stream accept error", "error", err)
			return
		}
		go s.handleConn(c)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	logger := s.logger.With("remote", conn.RemoteAddr().String())

	if s.config.ConnectionTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.config.ConnectionTimeout))
	}

	r := bufio.NewReader(conn)
	ok, err := auth.IsAuthHandshake(r)
	if err != nil {
		logger.Error("stream read handshake", "error", err)
		return
	}
	if !ok {
		logger.Error("stream connection without handshake")
		fmt.Fprintf(conn, "ERR authentication required\n")
		return
	}

	clientNonce, serverNonce, err := auth.HandleAuthHandshake(r, conn, s.key, false)
	if err != nil {
		logger.Error("stream handshake failed", "error", err)
		fmt.Fprintf(conn, "ERR %s\n", err)
		return
	}

	sessionKey := auth.DeriveSessionKey(s.key, serverNonce, clientNonce)
	sconn, err := auth.WrapConn(conn, sessionKey)
	if err != nil {
		logger.Error("stream session setup failed", "error", err)
		return
	}
	_ = conn.SetDeadline(time.Time{})

	// First encrypted line names the port to open.
	sr := bufio.NewReader(sconn)
	line, err := sr.ReadString('\n')
	if err != nil {
		logger.Error("stream read port request", "error", err)
		return
	}
	name := strings.TrimSpace(line)
	port := s.lookupPort(name)
	if port == nil {
		logger.Error("stream unknown port", "port", name)
		fmt.Fprintf(sconn, "ERR unknown port %s\n", name)
		return
	}
	if _, err := sconn.Write([]byte("OK\n")); err != nil {
		return
	}
	logger.Info("stream attached", "port", name)

	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(port, sr)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(sconn, port)
		done <- struct{}{}
	}()
	<-done
	logger.Info("stream detached", "port", name)
}
