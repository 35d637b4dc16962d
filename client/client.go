// Package client connects to a VCOM serial stream server and opens one of
// its exported ports as an ordinary net.Conn.
package client

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/Alia5/VCOM/internal/server/stream/auth"
)

// Config controls low-level transport behavior such as timeouts.
type Config struct {
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Password     string
}

func defaultConfig() Config {
	return Config{
		DialTimeout:  3 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}

// Client dials the stream server and opens ports.
type Client struct {
	addr string
	cfg  Config
}

// New creates a client for the stream server at addr authenticating with
// password.
func New(addr, password string) *Client {
	cfg := defaultConfig()
	cfg.Password = password
	return NewWithConfig(addr, &cfg)
}

// NewWithConfig creates a client with explicit transport configuration.
func NewWithConfig(addr string, cfg *Config) *Client {
	c := defaultConfig()
	if cfg != nil {
		c = *cfg
	}
	return &Client{addr: addr, cfg: c}
}

// Open connects to the server, authenticates, and attaches to the named
// port. The returned connection carries the serial byte stream; closing it
// detaches from the port.
func (c *Client) Open(port string) (net.Conn, error) {
	return c.OpenCtx(context.Background(), port)
}

// OpenCtx is like Open but honors the provided context during dialing.
func (c *Client) OpenCtx(ctx context.Context, port string) (net.Conn, error) {
	if port == "" {
		return nil, fmt.Errorf("port name is empty")
	}

	d := &net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}

	if c.cfg.WriteTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}

	key, err := auth.DeriveKey(c.cfg.Password)
	if err != nil {
		conn.Close()
		return nil, err
	}
	r := bufio.NewReader(conn)
	clientNonce, serverNonce, err := auth.HandleAuthHandshake(r, conn, key, true)
	if err != nil {
		conn.Close()
		if strings.Contains(err.Error(), "read handshake response: EOF") {
			return nil, fmt.Errorf("authentication failed: invalid password")
		}
		return nil, err
	}
	sessionKey := auth.DeriveSessionKey(key, serverNonce, clientNonce)
	sconn, err := auth.WrapConn(conn, sessionKey)
	if err != nil {
		conn.Close()
		return nil, err
	}

	if _, err := fmt.Fprintf(sconn, "%s\n", port); err != nil {
		sconn.Close()
		return nil, fmt.Errorf("request port: %w", err)
	}

	sr := bufio.NewReader(sconn)
	line, err := sr.ReadString('\n')
	if err != nil {
		sconn.Close()
		return nil, fmt.Errorf("read port reply: %w", err)
	}
	line = strings.TrimSpace(line)
	if line != "OK" {
		sconn.Close()
		return nil, fmt.Errorf("open port %s: %s", port, line)
	}

	_ = sconn.SetDeadline(time.Time{})
	return &portConn{Conn: sconn, r: sr}, nil
}

// portConn keeps the buffered reader from the open exchange so no bytes the
// server sent right after OK are lost.
type portConn struct {
	net.Conn
	r *bufio.Reader
}

func (p *portConn) Read(b []byte) (int, error) {
	return p.r.Read(b)
}
