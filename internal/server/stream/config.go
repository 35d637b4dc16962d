package stream

import "time"

// ServerConfig represents the serial stream server configuration.
type ServerConfig struct {
	Addr              string        `help:"Serial stream server listen address" default:":3242" env:"VCOM_STREAM_ADDR"`
	Password          string        `kong:"-"`
	ConnectionTimeout time.Duration `kong:"-"`
}
