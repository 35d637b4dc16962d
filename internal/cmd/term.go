package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"golang.org/x/term"

	"github.com/Alia5/VCOM/client"
)

// terminal escape byte (Ctrl-]) that detaches the session.
const escapeByte = 0x1d

// Term attaches an interactive terminal to an exported serial port.
type Term struct {
	Addr     string `help:"Stream server address" default:"localhost:3242" env:"VCOM_STREAM_ADDR"`
	Password string `help:"Stream server password (prompted when empty)" env:"VCOM_STREAM_PASSWORD"`
	Port     string `arg:"" help:"Port name to attach to"`
}

// Run is called by Kong when the term command is executed.
func (t *Term) Run(logger *slog.Logger) error {
	password := t.Password
	if password == "" {
		fmt.Fprint(os.Stderr, "Password: ")
		pwd, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		password = string(pwd)
	}

	conn, err := client.New(t.Addr, password).Open(t.Port)
	if err != nil {
		return err
	}
	defer conn.Close()

	logger.Info("attached", "port", t.Port, "addr", t.Addr)
	fmt.Fprintf(os.Stderr, "Connected to %s. Escape with Ctrl-].\r\n", t.Port)

	stdinFd := int(os.Stdin.Fd())
	if term.IsTerminal(stdinFd) {
		oldState, err := term.MakeRaw(stdinFd)
		if err != nil {
			return fmt.Errorf("raw mode: %w", err)
		}
		defer term.Restore(stdinFd, oldState)
	}

	done := make(chan struct{})
	go func() {
		_, _ = io.Copy(os.Stdout, conn)
		close(done)
	}()

	buf := make([]byte, 1024)
	for {
		select {
		case <-done:
			return nil
		default:
		}
		n, err := os.Stdin.Read(buf)
		if err != nil {
			return nil
		}
		chunk := buf[:n]
		for i, b := range chunk {
			if b == escapeByte {
				if i > 0 {
					_, _ = conn.Write(chunk[:i])
				}
				return nil
			}
		}
		if _, err := conn.Write(chunk); err != nil {
			return nil
		}
	}
}
