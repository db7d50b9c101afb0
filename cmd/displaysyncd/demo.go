package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/displaysync"
	"github.com/e7canasta/orion-care-sensor/modules/displaysync/regport"
)

// composeInterval is how often the simulated compositor flips buffers.
const composeInterval = time.Second

// demoBufferBase is the fake scanout address handed to the simulated block.
const demoBufferBase uint64 = 0x8000_0000

// demoHardware plays the display hardware on a regport.Sim: it raises a
// frame interrupt (video panels) or a tearing-effect edge (command panels)
// once per refresh period, and completes every requested transfer with a
// frame-done interrupt.
//
// compose plays a compositor page-flipping between two buffers, which
// exercises the update path and keeps LPD entry and exit happening.
type demoHardware struct {
	dev      *displaysync.Device
	sim      *regport.Sim
	period   time.Duration
	emitTE   bool
	geometry displaysync.Geometry
}

// newDemoHardware returns simulated hardware for dev on sim. Requested
// transfers complete from the moment it returns.
func newDemoHardware(dev *displaysync.Device, sim *regport.Sim, period time.Duration, emitTE bool, g displaysync.Geometry) *demoHardware {
	h := &demoHardware{
		dev:      dev,
		sim:      sim,
		period:   period,
		emitTE:   emitTE,
		geometry: g,
	}
	// A transfer completes some time after it is triggered. The hook may
	// run under the device's interrupt lock, so completion is asynchronous.
	sim.OnTrigger(func() {
		go func() {
			sim.Raise(regport.StatusFrameDone)
			dev.HandleInterrupt()
		}()
	})
	return h
}

func (h *demoHardware) run(ctx context.Context) error {
	ticker := time.NewTicker(h.period)
	defer ticker.Stop()

	slog.Info("simulated hardware running", "period", h.period, "tearing_effect", h.emitTE)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		// A powered-down block raises nothing.
		if !h.sim.Powered() {
			continue
		}
		switch {
		case h.dev.PanelMode() == displaysync.PanelVideo:
			h.sim.Raise(regport.StatusFrame)
			h.dev.HandleInterrupt()
		case h.emitTE:
			h.dev.HandleTearingEffect()
		}
	}
}

func (h *demoHardware) compose(ctx context.Context) error {
	g := h.geometry
	g.YResVirtual = 2 * g.YRes

	ticker := time.NewTicker(composeInterval)
	defer ticker.Stop()

	var frame uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		g.YOffset = uint32(frame%2) * g.YRes
		err := h.dev.ApplyPendingFrame(ctx, demoBufferBase, g)
		switch {
		case err == nil:
			frame++
		case errors.Is(err, displaysync.ErrDisplayOff), displaysync.IsContextError(err):
			// Powering off or shutting down.
		default:
			slog.Warn("page flip failed", "frame", frame, "error", err)
		}
	}
}
