//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/e7canasta/orion-care-sensor/modules/displaysync/internal/config"
	"github.com/e7canasta/orion-care-sensor/modules/displaysync/regport"
)

func openPort(cfg config.PortConfig) (*port, error) {
	switch cfg.Type {
	case "sim":
		slog.Info("using simulated register block")
		return newSimPort(), nil
	case "mem":
	default:
		return nil, fmt.Errorf("unknown port type %q", cfg.Type)
	}

	mem, err := regport.OpenMem(cfg.Device, cfg.Size)
	if err != nil {
		return nil, fmt.Errorf("failed to map registers: %w", err)
	}
	irq, err := regport.OpenIRQ(cfg.IRQ)
	if err != nil {
		mem.Close()
		return nil, fmt.Errorf("failed to open interrupt line: %w", err)
	}
	slog.Info("using mapped register block",
		"device", cfg.Device,
		"size", cfg.Size,
		"irq", cfg.IRQ,
	)

	return &port{
		regs: mem,
		seq:  mem,
		irq: func(ctx context.Context, handler func()) error {
			return irq.Run(ctx, handler)
		},
		close: func() error {
			return errors.Join(irq.Close(), mem.Close())
		},
	}, nil
}
