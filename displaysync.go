package displaysync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/displaysync/internal/cadence"
	"github.com/e7canasta/orion-care-sensor/modules/displaysync/internal/clock"
	"github.com/e7canasta/orion-care-sensor/modules/displaysync/internal/dispatch"
	"github.com/e7canasta/orion-care-sensor/modules/displaysync/internal/geometry"
	"github.com/e7canasta/orion-care-sensor/modules/displaysync/internal/lpd"
	"github.com/e7canasta/orion-care-sensor/modules/displaysync/internal/notify"
	"github.com/e7canasta/orion-care-sensor/modules/displaysync/internal/underrun"
	"github.com/e7canasta/orion-care-sensor/modules/displaysync/internal/workqueue"
	"github.com/e7canasta/orion-care-sensor/modules/displaysync/regport"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// stopTimeout bounds the power-off sequence run by Stop.
const stopTimeout = 2 * time.Second

// Device is one display pipeline: register port, frame clock, underrun
// filter, LPD state machine and vsync notification.
//
// Goroutine topology:
//   - 1 fixed: work queue worker (LPD entry attempts)
//   - 1 fixed: vsync notifier
//   - callers: interrupt source, TE source, update path, observers
//
// Thread-safety: all methods safe for concurrent use.
type Device struct {
	cfg     Config
	port    regport.Port
	log     *slog.Logger
	clk     clockwork.Clock
	sink    EventSink
	pending func() bool
	session string

	clock    *clock.Clock
	filter   *underrun.Filter
	queue    *workqueue.Queue
	lpd      *lpd.Coordinator
	dispatch *dispatch.Dispatcher
	notifier *notify.Notifier

	// outputMu serialises display updates.
	outputMu sync.Mutex

	started atomic.Bool
	stopped atomic.Bool

	applied         atomic.Uint64
	vsyncTimeouts   atomic.Uint64
	invalidGeometry atomic.Uint64
	displayOff      atomic.Uint64
}

// New builds a device on port. seq runs the power sequences; regport.Sim and
// regport.Mem implement both.
//
// The device starts Off; Start powers it on.
func New(port regport.Port, seq lpd.Sequencer, cfg Config, opts ...Option) (*Device, error) {
	if port == nil {
		return nil, fmt.Errorf("displaysync: nil register port")
	}
	if seq == nil {
		return nil, fmt.Errorf("displaysync: nil power sequencer")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	d := &Device{
		cfg:     cfg,
		port:    port,
		log:     slog.Default(),
		clk:     clockwork.NewRealClock(),
		session: uuid.NewString(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.log = d.log.With("device", cfg.DeviceID)

	d.clock = clock.New(d.clk)
	d.filter = underrun.New(d.clk, underrun.Config{
		Interval:  cfg.UnderrunInterval,
		Threshold: cfg.UnderrunThreshold,
	})
	d.queue = workqueue.New(cfg.DeviceID, d.log)
	d.lpd = lpd.New(d.clock, seq, d.queue, lpd.Config{
		EnterCount:   cfg.LPDEnterCount,
		Enabled:      cfg.LPDEnabled,
		Logger:       d.log,
		OnTransition: d.onTransition,
	})
	d.dispatch = dispatch.New(port, d.clock, d.filter, d.lpd, d.clk, dispatch.Config{
		VideoMode:       cfg.PanelMode == PanelVideo,
		SoftwareTrigger: cfg.TriggerMode == TriggerSoftware,
		Logger:          d.log,
		OnUnderrun:      d.onUnderrun,
	})
	d.dispatch.SetPendingFunc(d.pending)
	d.notifier = notify.New(d.clock, notify.Options{
		Logger:  d.log,
		OnVsync: d.onVsync,
	})

	return d, nil
}

// Start launches the work queue and the vsync notifier and powers the
// display on.
//
// A failed power-on sequence leaves the display Off and returns a
// *DisplayError of kind KindHardwareSequenceFailure; Stop must still be
// called.
func (d *Device) Start(ctx context.Context) error {
	if d.stopped.Load() {
		return fmt.Errorf("displaysync: device stopped")
	}
	if !d.started.CompareAndSwap(false, true) {
		return fmt.Errorf("displaysync: device already started")
	}

	if err := d.queue.Start(ctx); err != nil {
		return fmt.Errorf("displaysync: start work queue: %w", err)
	}
	if err := d.notifier.Start(ctx); err != nil {
		return fmt.Errorf("displaysync: start vsync notifier: %w", err)
	}
	if d.cfg.EmitVsync {
		d.clock.SetVsyncActive(true)
	}

	if err := d.lpd.PowerOn(ctx); err != nil {
		return &DisplayError{Kind: Classify(err), Op: "start", Err: err}
	}

	d.log.Info("displaysync: device started",
		"session", d.session,
		"panel_mode", d.cfg.PanelMode,
		"trigger_mode", d.cfg.TriggerMode,
		"lpd_enabled", d.lpd.Enabled(),
	)
	return nil
}

// Stop powers the display off, drains pending work and stops the notifier.
// Blocked vsync subscribers return false. Idempotent.
func (d *Device) Stop() {
	if !d.stopped.CompareAndSwap(false, true) {
		return
	}

	if d.started.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		if err := d.lpd.PowerOff(ctx); err != nil {
			d.log.Warn("displaysync: power off on stop failed", "error", err)
		}
		cancel()
	}

	d.queue.Stop()
	d.notifier.Stop()
	d.filter.Close()

	d.log.Info("displaysync: device stopped", "session", d.session)
}

// ApplyPendingFrame shows the buffer at addr with geometry g.
//
// Algorithm:
//  1. Validate g; nothing touches the hardware on failure
//  2. Off → ErrDisplayOff
//  3. Block LPD entry, force LPD exit (flushing a pending entry first)
//  4. Under the output lock: shadow protect the window, write its registers,
//     release shadow protect
//  5. Hardware trigger mode: request the transfer
//  6. Wait for a vsync newer than the one current before step 4
//  7. Unblock LPD entry, on every return path
//
// A failed enable sequence in step 3 is logged and the update proceeds, the
// state machine has moved to On regardless. A vsync timeout in step 6 returns
// ErrVsyncTimeout; the registers have been written and the update counts as
// applied.
func (d *Device) ApplyPendingFrame(ctx context.Context, addr uint64, g Geometry) error {
	regs, v, err := geometry.WindowRegs(g.toVar(), addr)
	if err != nil {
		d.invalidGeometry.Add(1)
		return &DisplayError{Kind: KindInvalidGeometry, Op: "apply", Err: err}
	}

	if d.clock.State() == clock.StateOff {
		d.displayOff.Add(1)
		return &DisplayError{Kind: KindDisplayOff, Op: "apply"}
	}

	d.lpd.Block()
	defer d.lpd.Unblock()

	if err := d.lpd.ForceExit(ctx); err != nil {
		var seqErr *lpd.SequenceError
		if !errors.As(err, &seqErr) {
			return fmt.Errorf("displaysync: apply: %w", err)
		}
		d.log.Warn("displaysync: applying update after failed lpd exit", "error", err)
	}

	d.outputMu.Lock()
	defer d.outputMu.Unlock()

	// PowerOff may have run between the checks above and the output lock.
	if !d.clock.State().AccessAllowed() {
		d.displayOff.Add(1)
		return &DisplayError{Kind: KindDisplayOff, Op: "apply"}
	}

	since := d.clock.VsyncTimestamp()
	d.withShadowProtect(v.Window, func() {
		d.port.WriteWindow(v.Window, regs)
	})
	if d.cfg.TriggerMode == TriggerHardware {
		d.port.TriggerUpdate()
	}
	d.applied.Add(1)

	if _, err := d.clock.WaitVsyncAfter(ctx, since, d.cfg.VsyncTimeout); err != nil {
		if errors.Is(err, clock.ErrTimeout) {
			d.vsyncTimeouts.Add(1)
			d.log.Warn("displaysync: no vsync after update",
				"timeout", d.cfg.VsyncTimeout,
				"window", v.Window,
			)
			d.emit(EventVsyncTimeout, map[string]any{
				"window":     v.Window,
				"timeout_ms": d.cfg.VsyncTimeout.Milliseconds(),
			})
			return &DisplayError{Kind: KindVsyncTimeout, Op: "apply", Err: err}
		}
		return fmt.Errorf("displaysync: apply: wait vsync: %w", err)
	}

	d.log.Debug("displaysync: update applied",
		"window", v.Window,
		"format", v.Format,
		"bpp", v.BitsPerPixel,
		"addr", fmt.Sprintf("%#x", regs.BufferStart),
	)
	return nil
}

// withShadowProtect runs fn with the window's shadow registers held, so the
// dependent register writes reach the hardware at one frame boundary.
func (d *Device) withShadowProtect(window int, fn func()) {
	d.port.SetShadowProtect(window, true)
	defer d.port.SetShadowProtect(window, false)
	fn()
}

// HandleInterrupt services one hardware interrupt and returns the status
// bits it handled (none while the display is Off or in LPD).
func (d *Device) HandleInterrupt() regport.Status {
	return d.dispatch.Handle()
}

// HandleTearingEffect services one tearing-effect edge.
func (d *Device) HandleTearingEffect() {
	d.dispatch.HandleTearingEffect()
}

// WaitVsync blocks until the next public vsync or timeout.
func (d *Device) WaitVsync(ctx context.Context, timeout time.Duration) (int64, error) {
	ts, err := d.clock.WaitVsync(ctx, timeout)
	if errors.Is(err, clock.ErrTimeout) {
		return 0, &DisplayError{Kind: KindVsyncTimeout, Op: "wait_vsync", Err: err}
	}
	return ts, err
}

// WaitFrameDone blocks until the next completed command-mode transfer.
func (d *Device) WaitFrameDone(ctx context.Context, timeout time.Duration) error {
	_, err := d.clock.WaitFrameDone(ctx, timeout)
	if errors.Is(err, clock.ErrTimeout) {
		return &DisplayError{Kind: KindVsyncTimeout, Op: "wait_frame_done", Err: err}
	}
	return err
}

// VsyncTimestamp returns the last public vsync timestamp in nanoseconds since
// the device epoch.
func (d *Device) VsyncTimestamp() int64 {
	return d.clock.VsyncTimestamp()
}

// PanelMode returns the configured panel mode.
func (d *Device) PanelMode() PanelMode {
	return d.cfg.PanelMode
}

// ID returns the configured device ID.
func (d *Device) ID() string {
	return d.cfg.DeviceID
}

// Session returns the ID generated for this device instance.
func (d *Device) Session() string {
	return d.session
}

// State returns the display power state.
func (d *Device) State() State {
	return d.clock.State()
}

// SetVsyncEvents turns vsync notification on or off. While off, subscribers
// receive nothing and the vsync event is not emitted.
func (d *Device) SetVsyncEvents(enabled bool) {
	d.clock.SetVsyncActive(enabled)
}

// SubscribeVsync registers id for vsync notification and returns its read
// function. The read function blocks until a vsync newer than the last one
// read is available and returns false once id is unsubscribed or the device
// stops. It must be called from a single goroutine.
func (d *Device) SubscribeVsync(id string) func() (Vsync, bool) {
	read := d.notifier.Subscribe(id)
	return func() (Vsync, bool) {
		ev, ok := read()
		return Vsync{Seq: ev.Seq, Timestamp: ev.Timestamp}, ok
	}
}

// UnsubscribeVsync removes id. Idempotent.
func (d *Device) UnsubscribeVsync(id string) {
	d.notifier.Unsubscribe(id)
}

// MeasureCadence observes public vsyncs for dur and returns their cadence.
// Vsync events must be flowing (video mode frames or TE edges) for the
// measurement to succeed.
func (d *Device) MeasureCadence(ctx context.Context, dur time.Duration) (CadenceStats, error) {
	s, err := cadence.Measure(ctx, d.clock, dur)
	if err != nil {
		return CadenceStats{}, fmt.Errorf("displaysync: measure cadence: %w", err)
	}
	return CadenceStats(s), nil
}

// EnableLPD allows LPD entry. Call it once the host has finished bringing
// the display up.
func (d *Device) EnableLPD() {
	d.lpd.Enable()
}

// PowerOff forces the display Off from any state.
func (d *Device) PowerOff(ctx context.Context) error {
	if err := d.lpd.PowerOff(ctx); err != nil {
		return fmt.Errorf("displaysync: power off: %w", err)
	}
	return nil
}

// PowerOn powers an Off display back on.
func (d *Device) PowerOn(ctx context.Context) error {
	if err := d.lpd.PowerOn(ctx); err != nil {
		return &DisplayError{Kind: Classify(err), Op: "power_on", Err: err}
	}
	return nil
}

// SetBandwidth records the bandwidth (bytes/s) of the committed
// configuration; it is reported with every underrun.
func (d *Device) SetBandwidth(bytesPerSec uint64) {
	d.dispatch.SetBandwidth(bytesPerSec)
}

// SetPendingFunc installs the "any frame pending" predicate sampled on every
// TE edge. While it reports true, LPD is not entered.
func (d *Device) SetPendingFunc(fn func() bool) {
	d.dispatch.SetPendingFunc(fn)
}

// Stats returns an operational snapshot.
func (d *Device) Stats() Stats {
	c := d.clock.Counters()
	ds := d.dispatch.Stats()
	fs := d.filter.Stats()
	ls := d.lpd.Stats()
	ns := d.notifier.Stats()

	subs := make(map[string]SubscriberStats, len(ns.Subscribers))
	for id, s := range ns.Subscribers {
		subs[id] = SubscriberStats{
			LastConsumedAt:   s.LastConsumedAt,
			LastConsumedSeq:  s.LastConsumedSeq,
			ConsecutiveDrops: s.ConsecutiveDrops,
			TotalDrops:       s.TotalDrops,
			IsIdle:           s.IsIdle,
		}
	}

	return Stats{
		DeviceID:    d.cfg.DeviceID,
		Session:     d.session,
		State:       d.clock.State().String(),
		PanelMode:   d.cfg.PanelMode.String(),
		TriggerMode: d.cfg.TriggerMode.String(),
		Frames: FrameStats{
			VsyncCount:         c.VsyncCount,
			FrameDoneCount:     c.FrameDoneCount,
			FrameStartReleases: c.FrameStartReleases,
			VsyncReleases:      c.VsyncReleases,
			VsyncTimestamp:     c.VsyncTimestamp,
			VsyncEvents:        c.VsyncActive,
		},
		Interrupts: InterruptStats{
			Interrupts:       ds.Interrupts,
			Gated:            ds.Gated,
			Frames:           ds.Frames,
			Underruns:        ds.Underruns,
			FrameDones:       ds.FrameDones,
			UnknownBits:      ds.UnknownBits,
			TearingEffects:   ds.TearingEffects,
			SoftwareTriggers: ds.SoftwareTriggers,
		},
		Underrun: UnderrunStats{
			Total:       fs.Total,
			Logged:      fs.Logged,
			Suppressed:  fs.Suppressed,
			Summaries:   fs.Summaries,
			Pending:     fs.Pending,
			WindowOpen:  fs.WindowOpen,
			LastAt:      fs.LastAt,
			FIFOLevel:   fs.Last.FIFOLevel,
			Bandwidth:   fs.Last.Bandwidth,
			ChannelMap:  fs.Last.ChannelMap,
			UsedWindows: fs.Last.UsedWindows,
		},
		LPD: LPDStats{
			Enabled:          ls.Enabled,
			BlockCount:       ls.BlockCount,
			TrigCount:        ls.TrigCount,
			Entries:          ls.Entries,
			Exits:            ls.Exits,
			EntrySkipped:     ls.EntrySkipped,
			EntriesScheduled: ls.EntriesScheduled,
			SequenceFailures: ls.SequenceFailures,
		},
		Updates: UpdateStats{
			Applied:         d.applied.Load(),
			VsyncTimeouts:   d.vsyncTimeouts.Load(),
			InvalidGeometry: d.invalidGeometry.Load(),
			DisplayOff:      d.displayOff.Load(),
		},
		Published:   ns.Published,
		Subscribers: subs,
	}
}

func (d *Device) onTransition(t lpd.Transition) {
	fields := map[string]any{
		"from":        t.From.String(),
		"to":          t.To.String(),
		"duration_us": t.Duration.Microseconds(),
	}

	switch {
	case t.From == clock.StateOn && t.To == clock.StateLPD:
		d.emit(EventLPDEnter, fields)
	case t.From == clock.StateLPD && t.To == clock.StateOn:
		d.emit(EventLPDExit, fields)
	case t.From == clock.StateOff && t.To == clock.StateOn:
		d.emit(EventPowerOn, fields)
	case t.From != clock.StateOff && t.To == clock.StateOff:
		d.emit(EventPowerOff, fields)
	}

	if t.Err != nil {
		f := map[string]any{
			"from":  t.From.String(),
			"to":    t.To.String(),
			"error": t.Err.Error(),
		}
		var seqErr *lpd.SequenceError
		if errors.As(t.Err, &seqErr) {
			f["op"] = seqErr.Op
		}
		d.emit(EventSequenceFailure, f)
	}
}

func (d *Device) onUnderrun(dec underrun.Decision) {
	kind := EventUnderrun
	if dec.Summary {
		kind = EventUnderrunSummary
	}
	d.emit(kind, underrunFields(dec))
}

func (d *Device) onVsync(v notify.Vsync) {
	if !d.cfg.EmitVsync {
		return
	}
	d.emit(EventVsync, map[string]any{
		"seq":       v.Seq,
		"timestamp": v.Timestamp,
	})
}

// emit hands an event to the sink. Sinks must not block.
func (d *Device) emit(kind EventKind, fields map[string]any) {
	if d.sink == nil {
		return
	}
	d.sink.Publish(Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		Device:    d.cfg.DeviceID,
		Session:   d.session,
		Timestamp: d.clk.Now(),
		Fields:    fields,
	})
}
