// Package lpd coordinates transitions into and out of low-power display mode.
//
// State machine:
//
//	On → EnteringLPD → LPD → ExitingLPD → On
//	any → Off (PowerOff), Off → Init → On (PowerOn)
//
// Two gates keep other components from observing a mid-transition state:
//   - blockCount: reference count held by scoped callers; entry is refused
//     while it is above zero, and Block waits out an entry in flight.
//   - the coordinator mutex: serialises every transition, and may be held
//     across the (sleeping) power sequences. It is never taken from the
//     interrupt path.
//
// Entry is opportunistic: the interrupt path reports idle samples through
// Tick and entry attempts run on the work queue. Exit is forced by callers
// that are about to touch the display pipe.
package lpd

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/displaysync/internal/clock"
	"github.com/e7canasta/orion-care-sensor/modules/displaysync/internal/workqueue"
)

// DefaultEnterCount is the number of consecutive idle samples that schedule
// an entry attempt.
const DefaultEnterCount = 2

// enterWorkKey de-duplicates entry attempts on the work queue.
const enterWorkKey = "lpd-enter"

// Sequencer runs the hardware power sequences.
type Sequencer interface {
	Enable(ctx context.Context) error
	Disable(ctx context.Context) error
}

// SequenceError reports a failed power sequence. The state machine has
// already moved to a terminal state when it is returned.
type SequenceError struct {
	Op  string // "enable" or "disable"
	Err error
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("lpd: %s sequence failed: %v", e.Op, e.Err)
}

func (e *SequenceError) Unwrap() error {
	return e.Err
}

// Transition describes one completed state change.
type Transition struct {
	From     clock.State
	To       clock.State
	Duration time.Duration
	// Err is a *SequenceError when the power sequence failed.
	Err error
}

// Config configures a Coordinator.
type Config struct {
	// EnterCount is the idle sample count that schedules entry (default 2).
	EnterCount int
	// Enabled allows entry from the start. When false, entry stays disabled
	// until Enable is called.
	Enabled bool
	Logger  *slog.Logger
	// OnTransition is called after each transition, outside any lock.
	OnTransition func(Transition)
}

// Stats is an operational snapshot of the coordinator.
type Stats struct {
	Enabled           bool
	BlockCount        int64
	TrigCount         int64
	Entries           uint64
	Exits             uint64
	EntrySkipped      uint64 // attempts refused (blocked, disabled or not On)
	EntriesScheduled  uint64
	SequenceFailures  uint64
	UnbalancedUnblock uint64
}

// Coordinator is the LPD state machine of one display device.
//
// Thread-safety: all methods safe for concurrent use. Unblock and Tick never
// block and may be called with the clock lock released from the interrupt
// path. Block, TryEnter, ForceExit, PowerOn and PowerOff may sleep.
type Coordinator struct {
	mu sync.Mutex // serialises transitions

	clock *clock.Clock
	seq   Sequencer
	queue *workqueue.Queue
	log   *slog.Logger

	enterCount   int64
	onTransition func(Transition)

	blockCount atomic.Int64
	trigCount  atomic.Int64
	enabled    atomic.Bool

	entries           atomic.Uint64
	exits             atomic.Uint64
	entrySkipped      atomic.Uint64
	entriesScheduled  atomic.Uint64
	sequenceFailures  atomic.Uint64
	unbalancedUnblock atomic.Uint64
}

// New returns a coordinator driving clk's state through seq. Entry attempts
// run on q.
func New(clk *clock.Clock, seq Sequencer, q *workqueue.Queue, cfg Config) *Coordinator {
	if cfg.EnterCount <= 0 {
		cfg.EnterCount = DefaultEnterCount
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	c := &Coordinator{
		clock:        clk,
		seq:          seq,
		queue:        q,
		log:          log.With("component", "lpd"),
		enterCount:   int64(cfg.EnterCount),
		onTransition: cfg.OnTransition,
	}
	c.enabled.Store(cfg.Enabled)
	return c
}

// Enable allows LPD entry. Until it is called, idle samples never schedule
// entry; this keeps the pipe powered while the host is still bringing up.
func (c *Coordinator) Enable() {
	if !c.enabled.Swap(true) {
		c.log.Info("lpd: entry enabled")
	}
}

// Enabled reports whether LPD entry is allowed.
func (c *Coordinator) Enabled() bool {
	return c.enabled.Load()
}

// Block increments the block count, then waits for a transition already in
// flight to finish. When it returns no entry is running and none starts
// until the matching Unblock; the state may already be LPD, which ForceExit
// undoes.
//
// Block may sleep for the length of a power sequence. It must not be called
// from the interrupt path or with the coordinator mutex held.
func (c *Coordinator) Block() {
	c.blockCount.Add(1)
	c.mu.Lock()
	c.mu.Unlock()
}

// Unblock decrements the block count. An Unblock without a matching Block is
// logged and ignored; the count never goes negative.
func (c *Coordinator) Unblock() {
	for {
		n := c.blockCount.Load()
		if n <= 0 {
			c.unbalancedUnblock.Add(1)
			c.log.Warn("lpd: unblock without matching block")
			return
		}
		if c.blockCount.CompareAndSwap(n, n-1) {
			return
		}
	}
}

// Blocked reports whether entry is currently blocked.
func (c *Coordinator) Blocked() bool {
	return c.blockCount.Load() > 0
}

// ResetTrigger clears the idle sample count.
func (c *Coordinator) ResetTrigger() {
	c.trigCount.Store(0)
}

// Tick feeds one idle-predicate sample taken at a trigger-eligible event.
//
// Algorithm:
//  1. pending work → reset the idle count, nothing scheduled
//  2. not enabled, blocked, or state != On → no count, nothing scheduled
//  3. idle → count++; at EnterCount, schedule TryEnter on the work queue
//
// state is the value the caller sampled under the clock lock. Tick must be
// called with that lock released.
//
// Returns true when an entry attempt was scheduled.
func (c *Coordinator) Tick(state clock.State, pending bool) bool {
	if pending {
		c.trigCount.Store(0)
		return false
	}
	if !c.enabled.Load() || c.blockCount.Load() > 0 || state != clock.StateOn {
		return false
	}
	if c.trigCount.Add(1) < c.enterCount {
		return false
	}

	if c.queue.Enqueue(enterWorkKey, func(ctx context.Context) { c.TryEnter(ctx) }) {
		c.entriesScheduled.Add(1)
		return true
	}
	return false
}

// TryEnter attempts On → LPD. It is a silent no-op when blocked, disabled or
// when the state is not exactly On. Returns true if the state machine moved.
//
// A failed disable sequence still ends in LPD so the next exit re-runs the
// enable sequence from a known state.
func (c *Coordinator) TryEnter(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.blockCount.Load() > 0 || !c.enabled.Load() {
		c.entrySkipped.Add(1)
		return false
	}

	c.clock.Lock()
	if c.clock.StateLocked() != clock.StateOn {
		c.clock.Unlock()
		c.entrySkipped.Add(1)
		return false
	}
	c.clock.SetStateLocked(clock.StateEnteringLPD)
	c.clock.Unlock()

	c.trigCount.Store(0)
	start := c.clock.Now()

	var seqErr error
	if err := c.seq.Disable(ctx); err != nil {
		seqErr = &SequenceError{Op: "disable", Err: err}
		c.sequenceFailures.Add(1)
		c.log.Error("lpd: disable sequence failed, holding lpd state", "error", err)
	}

	c.clock.SetState(clock.StateLPD)
	c.entries.Add(1)

	t := Transition{
		From:     clock.StateOn,
		To:       clock.StateLPD,
		Duration: time.Duration(c.clock.Now() - start),
		Err:      seqErr,
	}
	c.log.Debug("lpd: entered", "duration", t.Duration)
	c.notify(t)
	return true
}

// ForceExit drives LPD → On before the caller touches the display pipe.
//
// Algorithm:
//  1. Block (entry attempts refused from here on)
//  2. Flush the work queue, so a pending entry attempt finishes first
//  3. Under the coordinator mutex: if state is LPD, run the enable sequence,
//     reset the idle count and move to On; any other state is left as is
//  4. Unblock, on every return path
//
// A failed enable sequence still ends in On and is returned as a
// *SequenceError. Context errors come from the flush; the state is untouched
// in that case.
func (c *Coordinator) ForceExit(ctx context.Context) error {
	c.Block()
	defer c.Unblock()

	if err := c.queue.Flush(ctx); err != nil {
		return fmt.Errorf("lpd: flush pending entry: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.clock.Lock()
	if c.clock.StateLocked() != clock.StateLPD {
		c.clock.Unlock()
		return nil
	}
	c.clock.SetStateLocked(clock.StateExitingLPD)
	c.clock.Unlock()

	start := c.clock.Now()

	var seqErr error
	if err := c.seq.Enable(ctx); err != nil {
		c.sequenceFailures.Add(1)
		seqErr = &SequenceError{Op: "enable", Err: err}
		c.log.Error("lpd: enable sequence failed, forcing on state", "error", err)
	}

	c.trigCount.Store(0)
	c.clock.SetState(clock.StateOn)
	c.exits.Add(1)

	t := Transition{
		From:     clock.StateLPD,
		To:       clock.StateOn,
		Duration: time.Duration(c.clock.Now() - start),
		Err:      seqErr,
	}
	c.log.Debug("lpd: exited", "duration", t.Duration)
	c.notify(t)
	return seqErr
}

// PowerOn moves Off → Init → On. It is a no-op in any other state. On a failed
// enable sequence the state returns to Off and the error is returned.
func (c *Coordinator) PowerOn(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.clock.Lock()
	if c.clock.StateLocked() != clock.StateOff {
		c.clock.Unlock()
		return nil
	}
	c.clock.SetStateLocked(clock.StateInit)
	c.clock.Unlock()

	if err := c.seq.Enable(ctx); err != nil {
		c.sequenceFailures.Add(1)
		c.clock.SetState(clock.StateOff)
		seqErr := &SequenceError{Op: "enable", Err: err}
		c.notify(Transition{From: clock.StateOff, To: clock.StateOff, Err: seqErr})
		return seqErr
	}

	c.trigCount.Store(0)
	c.clock.SetState(clock.StateOn)
	c.log.Info("lpd: display powered on")
	c.notify(Transition{From: clock.StateOff, To: clock.StateOn})
	return nil
}

// PowerOff forces the display Off from any state. Pending entry work is
// flushed first. The disable sequence runs only when the pipe is powered;
// its failure is logged and Off is reached regardless.
func (c *Coordinator) PowerOff(ctx context.Context) error {
	c.Block()
	defer c.Unblock()

	if err := c.queue.Flush(ctx); err != nil {
		return fmt.Errorf("lpd: flush pending entry: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.clock.State()
	if prev == clock.StateOff {
		return nil
	}

	var seqErr error
	if prev != clock.StateLPD {
		if err := c.seq.Disable(ctx); err != nil {
			c.sequenceFailures.Add(1)
			seqErr = &SequenceError{Op: "disable", Err: err}
			c.log.Error("lpd: disable sequence failed during power off", "error", err)
		}
	}

	c.trigCount.Store(0)
	c.clock.SetState(clock.StateOff)
	c.log.Info("lpd: display powered off", "from", prev)
	c.notify(Transition{From: prev, To: clock.StateOff, Err: seqErr})
	return nil
}

// Stats returns an operational snapshot.
func (c *Coordinator) Stats() Stats {
	return Stats{
		Enabled:           c.enabled.Load(),
		BlockCount:        c.blockCount.Load(),
		TrigCount:         c.trigCount.Load(),
		Entries:           c.entries.Load(),
		Exits:             c.exits.Load(),
		EntrySkipped:      c.entrySkipped.Load(),
		EntriesScheduled:  c.entriesScheduled.Load(),
		SequenceFailures:  c.sequenceFailures.Load(),
		UnbalancedUnblock: c.unbalancedUnblock.Load(),
	}
}

func (c *Coordinator) notify(t Transition) {
	if c.onTransition != nil {
		c.onTransition(t)
	}
}
