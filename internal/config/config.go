// Package config defines the top-level command line grammar.
package config

import "github.com/Alia5/VCOM/internal/cmd"

// LogConfig holds the logging flags shared by every command.
type LogConfig struct {
	Level   string `help:"Log level (trace, debug, info, warn, error)" default:"info" env:"VCOM_LOG_LEVEL"`
	File    string `help:"Log file path (JSON, appended)" env:"VCOM_LOG_FILE"`
	RawFile string `help:"Raw USB/IP packet log file" env:"VCOM_LOG_RAW_FILE"`
}

// CLI is the root command structure parsed by Kong.
type CLI struct {
	Config string    `help:"Path to a configuration file" env:"VCOM_CONFIG" type:"path"`
	Log    LogConfig `embed:"" prefix:"log."`

	Server    cmd.Server        `cmd:"" help:"Run the USB/IP and serial stream servers"`
	Term      cmd.Term          `cmd:"" help:"Attach an interactive terminal to an exported serial port"`
	Cfg       cmd.ConfigCommand `cmd:"" name:"config" help:"Configuration helpers"`
	Install   cmd.Install       `cmd:"" help:"Install VCOM as a system service"`
	Uninstall cmd.Uninstall     `cmd:"" help:"Remove the VCOM system service"`
}
