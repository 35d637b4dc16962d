//go:build !linux

package cmd

import (
	"errors"
	"log/slog"
)

func install(_ *slog.Logger) error {
	return errors.New("service installation is only supported on Linux")
}

func uninstall(_ *slog.Logger) error {
	return errors.New("service installation is only supported on Linux")
}
