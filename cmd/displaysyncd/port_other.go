//go:build !linux

package main

import (
	"fmt"
	"log/slog"

	"github.com/e7canasta/orion-care-sensor/modules/displaysync/internal/config"
)

func openPort(cfg config.PortConfig) (*port, error) {
	if cfg.Type != "sim" {
		return nil, fmt.Errorf("port type %q is only supported on linux", cfg.Type)
	}
	slog.Info("using simulated register block")
	return newSimPort(), nil
}
