// Package dispatch is the hardware-event entry point of a display device.
//
// Handle is called once per hardware interrupt and HandleTearingEffect once
// per tearing-effect (TE) edge. Both run under the frame clock lock for
// O(1) work only: they never sleep, and anything that may sleep (LPD entry,
// event publication) is handed off after the lock is released.
package dispatch

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/e7canasta/orion-care-sensor/modules/displaysync/internal/clock"
	"github.com/e7canasta/orion-care-sensor/modules/displaysync/internal/lpd"
	"github.com/e7canasta/orion-care-sensor/modules/displaysync/internal/underrun"
	"github.com/e7canasta/orion-care-sensor/modules/displaysync/regport"
	"github.com/jonboulle/clockwork"
)

// Config configures a Dispatcher.
type Config struct {
	// VideoMode marks a continuously refreshed panel: the frame interrupt
	// also publishes the public vsync timestamp. Command-mode panels publish
	// it from the TE edge instead.
	VideoMode bool
	// SoftwareTrigger requests a transfer on every TE edge.
	SoftwareTrigger bool
	Logger          *slog.Logger
	// OnUnderrun is called for every underrun the filter lets through,
	// after the clock lock is released. It must not block.
	OnUnderrun func(underrun.Decision)
}

// Stats counts hardware events.
type Stats struct {
	Interrupts       uint64
	Gated            uint64 // interrupts dropped while off or in LPD
	Frames           uint64
	Underruns        uint64
	FrameDones       uint64
	UnknownBits      uint64 // interrupts carrying bits outside StatusAll
	TearingEffects   uint64
	SoftwareTriggers uint64
	IdleSamples      uint64
}

// Dispatcher decodes interrupt status into frame clock, underrun filter and
// LPD coordinator updates.
//
// Thread-safety: Handle and HandleTearingEffect may be called concurrently
// with each other and with every other device operation.
type Dispatcher struct {
	port   regport.Port
	clock  *clock.Clock
	filter *underrun.Filter
	lpd    *lpd.Coordinator
	clk    clockwork.Clock
	log    *slog.Logger

	videoMode  bool
	swTrigger  bool
	onUnderrun func(underrun.Decision)

	bandwidth atomic.Uint64
	pending   atomic.Pointer[func() bool]

	interrupts       atomic.Uint64
	gated            atomic.Uint64
	frames           atomic.Uint64
	underruns        atomic.Uint64
	frameDones       atomic.Uint64
	unknownBits      atomic.Uint64
	tearingEffects   atomic.Uint64
	softwareTriggers atomic.Uint64
	idleSamples      atomic.Uint64
}

// New returns a dispatcher. coord may be nil, in which case TE edges never
// feed the idle heuristic.
func New(port regport.Port, c *clock.Clock, f *underrun.Filter, coord *lpd.Coordinator, clk clockwork.Clock, cfg Config) *Dispatcher {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		port:       port,
		clock:      c,
		filter:     f,
		lpd:        coord,
		clk:        clk,
		log:        log.With("component", "dispatch"),
		videoMode:  cfg.VideoMode,
		swTrigger:  cfg.SoftwareTrigger,
		onUnderrun: cfg.OnUnderrun,
	}
}

// SetBandwidth records the bandwidth (bytes/s) of the last committed
// configuration. It is reported with every underrun snapshot.
func (d *Dispatcher) SetBandwidth(bytesPerSec uint64) {
	d.bandwidth.Store(bytesPerSec)
}

// SetPendingFunc installs the "any frame pending" predicate sampled on every
// TE edge. A nil fn reports no pending work.
func (d *Dispatcher) SetPendingFunc(fn func() bool) {
	if fn == nil {
		d.pending.Store(nil)
		return
	}
	d.pending.Store(&fn)
}

func (d *Dispatcher) framePending() bool {
	fn := d.pending.Load()
	return fn != nil && (*fn)()
}

// Handle services one hardware interrupt and returns the status it handled.
//
// Algorithm (under the clock lock):
//  1. State Off or LPD → acknowledge every bit, touch nothing, return 0
//  2. frame bit → ack, record frame start; in video mode publish vsync
//  3. underrun bit → snapshot diagnostics, run the filter, ack
//  4. frame-done bit → ack, release frame-done waiters
//
// Bits are handled in that fixed order and acknowledged independently.
// Underrun reports are logged after the lock is released.
func (d *Dispatcher) Handle() regport.Status {
	ts := d.clock.Now()
	d.interrupts.Add(1)

	d.clock.Lock()
	state := d.clock.StateLocked()
	if state == clock.StateOff || state == clock.StateLPD {
		d.port.AckStatus(regport.StatusAll)
		d.clock.Unlock()
		d.gated.Add(1)
		return 0
	}

	status := d.port.ReadStatus()

	if status.Has(regport.StatusFrame) {
		d.port.AckStatus(regport.StatusFrame)
		d.clock.OnVsyncLocked(ts)
		if d.videoMode {
			d.clock.PublishVsyncLocked(ts)
		}
		d.frames.Add(1)
	}

	var decision underrun.Decision
	if status.Has(regport.StatusFIFO) {
		regs := d.port.ReadUnderrun()
		decision = d.filter.Observe(d.clk.Now(), underrun.Stat{
			FIFOLevel:   regs.FIFOLevel,
			Bandwidth:   d.bandwidth.Load(),
			ChannelMap:  regs.ChannelMap,
			UsedWindows: UsedWindows(regs.WindowEnable),
		})
		d.port.AckStatus(regport.StatusFIFO)
		d.underruns.Add(1)
	}

	if status.Has(regport.StatusFrameDone) {
		d.port.AckStatus(regport.StatusFrameDone)
		d.clock.OnFrameDoneLocked()
		d.frameDones.Add(1)
	}
	d.clock.Unlock()

	if status&^regport.StatusAll != 0 {
		d.unknownBits.Add(1)
	}
	if decision.Log {
		d.reportUnderrun(decision)
	}
	return status
}

// reportUnderrun logs a permitted underrun. A summary is a degraded
// performance warning; a single underrun is debug noise.
func (d *Dispatcher) reportUnderrun(dec underrun.Decision) {
	s := dec.Stat
	if dec.Summary {
		d.log.Warn("dispatch: fifo underrun rate above threshold",
			"count", s.Count,
			"suppressed", dec.Suppressed,
			"fifo_level", s.FIFOLevel,
			"bandwidth", s.Bandwidth,
			"chmap", fmt.Sprintf("%#x", s.ChannelMap),
			"used_windows", fmt.Sprintf("%#x", s.UsedWindows),
		)
	} else {
		d.log.Debug("dispatch: fifo underrun",
			"count", s.Count,
			"fifo_level", s.FIFOLevel,
		)
	}
	if d.onUnderrun != nil {
		d.onUnderrun(dec)
	}
}

// HandleTearingEffect services one TE edge.
//
// In software-trigger mode, and while register access is allowed, it
// requests a transfer. It always publishes the public vsync timestamp. When
// the display is On, the pending-frame predicate is sampled and reported to
// the LPD coordinator after the clock lock is released.
func (d *Dispatcher) HandleTearingEffect() {
	ts := d.clock.Now()
	d.tearingEffects.Add(1)

	d.clock.Lock()
	state := d.clock.StateLocked()
	if d.swTrigger && state.AccessAllowed() {
		d.port.TriggerUpdate()
		d.softwareTriggers.Add(1)
	}
	d.clock.PublishVsyncLocked(ts)
	d.clock.Unlock()

	if state == clock.StateOn && d.lpd != nil {
		d.idleSamples.Add(1)
		d.lpd.Tick(state, d.framePending())
	}
}

// Stats returns the event counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Interrupts:       d.interrupts.Load(),
		Gated:            d.gated.Load(),
		Frames:           d.frames.Load(),
		Underruns:        d.underruns.Load(),
		FrameDones:       d.frameDones.Load(),
		UnknownBits:      d.unknownBits.Load(),
		TearingEffects:   d.tearingEffects.Load(),
		SoftwareTriggers: d.softwareTriggers.Load(),
		IdleSamples:      d.idleSamples.Load(),
	}
}

// UsedWindows expands a window-enable mask into the underrun report layout:
// bit 4*i is set for every enabled window i.
func UsedWindows(enable uint32) uint64 {
	var used uint64
	for i := 0; i < regport.MaxWindows; i++ {
		if enable&(1<<uint(i)) != 0 {
			used |= 1 << uint(i*4)
		}
	}
	return used
}
