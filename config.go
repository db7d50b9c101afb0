package displaysync

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/displaysync/internal/lpd"
	"github.com/e7canasta/orion-care-sensor/modules/displaysync/internal/underrun"
	"github.com/jonboulle/clockwork"
)

// DefaultVsyncTimeout bounds the vsync wait of a display update.
const DefaultVsyncTimeout = 200 * time.Millisecond

// Config holds device configuration.
type Config struct {
	// DeviceID names the device in logs, events and topics.
	DeviceID string

	PanelMode   PanelMode
	TriggerMode TriggerMode

	// VsyncTimeout bounds the vsync wait after a display update.
	VsyncTimeout time.Duration

	// UnderrunInterval and UnderrunThreshold configure the underrun filter.
	UnderrunInterval  time.Duration
	UnderrunThreshold uint64

	// LPDEnterCount is the number of consecutive idle TE samples that
	// schedule LPD entry.
	LPDEnterCount int
	// LPDEnabled allows LPD entry from Start. Otherwise EnableLPD must be
	// called once the host is ready.
	LPDEnabled bool

	// EmitVsync publishes every vsync as an event. At 60 Hz this is chatty;
	// off by default.
	EmitVsync bool
}

// DefaultConfig returns a command-mode, hardware-trigger configuration with
// default timing constants.
func DefaultConfig() Config {
	return Config{
		DeviceID:          "decon0",
		PanelMode:         PanelCommand,
		TriggerMode:       TriggerHardware,
		VsyncTimeout:      DefaultVsyncTimeout,
		UnderrunInterval:  underrun.DefaultInterval,
		UnderrunThreshold: underrun.DefaultThreshold,
		LPDEnterCount:     lpd.DefaultEnterCount,
	}
}

// Validate checks c and fills zero values with defaults.
func (c *Config) Validate() error {
	if c.DeviceID == "" {
		c.DeviceID = "decon0"
	}
	if c.PanelMode != PanelVideo && c.PanelMode != PanelCommand {
		return fmt.Errorf("displaysync: invalid panel mode %d", c.PanelMode)
	}
	if c.TriggerMode != TriggerHardware && c.TriggerMode != TriggerSoftware {
		return fmt.Errorf("displaysync: invalid trigger mode %d", c.TriggerMode)
	}
	if c.VsyncTimeout < 0 {
		return fmt.Errorf("displaysync: vsync timeout must be >= 0 (got %v)", c.VsyncTimeout)
	}
	if c.VsyncTimeout == 0 {
		c.VsyncTimeout = DefaultVsyncTimeout
	}
	if c.UnderrunInterval < 0 {
		return fmt.Errorf("displaysync: underrun interval must be >= 0 (got %v)", c.UnderrunInterval)
	}
	if c.UnderrunInterval == 0 {
		c.UnderrunInterval = underrun.DefaultInterval
	}
	if c.UnderrunThreshold == 0 {
		c.UnderrunThreshold = underrun.DefaultThreshold
	}
	if c.LPDEnterCount < 0 {
		return fmt.Errorf("displaysync: lpd enter count must be >= 0 (got %d)", c.LPDEnterCount)
	}
	if c.LPDEnterCount == 0 {
		c.LPDEnterCount = lpd.DefaultEnterCount
	}
	return nil
}

// Option configures optional Device dependencies.
type Option func(*Device)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *Device) {
		if l != nil {
			d.log = l
		}
	}
}

// WithClock sets the time source; tests pass a clockwork.FakeClock.
func WithClock(c clockwork.Clock) Option {
	return func(d *Device) {
		if c != nil {
			d.clk = c
		}
	}
}

// WithEventSink sets the destination of device events.
func WithEventSink(s EventSink) Option {
	return func(d *Device) {
		d.sink = s
	}
}

// WithPendingFunc installs the "any frame pending" predicate sampled on TE
// edges.
func WithPendingFunc(fn func() bool) Option {
	return func(d *Device) {
		d.pending = fn
	}
}
