// Package clock owns the display state and frame timing of one display
// device: the power state, the vsync and frame-done counters and the wait
// points threads block on.
//
// Locking: Clock embeds the device's interrupt-domain lock. Methods ending in
// Locked require the caller to hold it (Lock/Unlock) and are O(1) and
// non-blocking, so the interrupt path can call them directly. The remaining
// methods take the lock themselves.
package clock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// ErrTimeout is returned by the Wait methods when the bound elapses first.
var ErrTimeout = errors.New("clock: wait timed out")

// State is the display power state.
type State int

const (
	StateOff State = iota
	StateInit
	StateOn
	StateEnteringLPD
	StateLPD
	StateExitingLPD
)

// String returns the state name used in logs and events.
func (s State) String() string {
	switch s {
	case StateOff:
		return "off"
	case StateInit:
		return "init"
	case StateOn:
		return "on"
	case StateEnteringLPD:
		return "entering_lpd"
	case StateLPD:
		return "lpd"
	case StateExitingLPD:
		return "exiting_lpd"
	default:
		return "unknown"
	}
}

// AccessAllowed reports whether register access is permitted in s.
func (s State) AccessAllowed() bool {
	return s == StateOn || s == StateInit
}

// waitPoint releases every waiter at once by closing its channel. A fresh
// channel is installed for the next generation.
type waitPoint struct {
	ch       chan struct{}
	releases uint64
}

func newWaitPoint() waitPoint {
	return waitPoint{ch: make(chan struct{})}
}

func (w *waitPoint) release() {
	close(w.ch)
	w.ch = make(chan struct{})
	w.releases++
}

// Counters is a snapshot of the frame counters.
type Counters struct {
	VsyncCount     uint64
	FrameDoneCount uint64
	// FrameStartReleases counts wakeups of frame-start waiters.
	FrameStartReleases uint64
	// VsyncReleases counts wakeups of public vsync waiters.
	VsyncReleases uint64
	// FrameDoneReleases counts wakeups of frame-done waiters.
	FrameDoneReleases uint64
	// VsyncTimestamp is the last public vsync timestamp (ns since epoch).
	VsyncTimestamp int64
	// VsyncActive is the liveness flag of the public wait point.
	VsyncActive bool
}

// Clock is the frame clock of one display device.
type Clock struct {
	mu sync.Mutex

	clk   clockwork.Clock
	epoch time.Time

	state State

	vsyncCount     uint64
	frameDoneCount uint64

	// frame-start (hardware frame interrupt) wait point
	frameStartTS int64
	frameStart   waitPoint

	// public vsync wait point
	vsyncTS     int64
	vsyncActive bool
	vsync       waitPoint

	frameDone waitPoint
}

// New returns a Clock in StateOff whose timestamps count from the current
// time of clk.
func New(clk clockwork.Clock) *Clock {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	return &Clock{
		clk:        clk,
		epoch:      clk.Now(),
		state:      StateOff,
		frameStart: newWaitPoint(),
		vsync:      newWaitPoint(),
		frameDone:  newWaitPoint(),
	}
}

// Now returns a monotonic timestamp in nanoseconds since the clock epoch.
func (c *Clock) Now() int64 {
	return int64(c.clk.Since(c.epoch))
}

// Lock acquires the interrupt-domain lock.
func (c *Clock) Lock() { c.mu.Lock() }

// Unlock releases the interrupt-domain lock.
func (c *Clock) Unlock() { c.mu.Unlock() }

// StateLocked returns the current state.
func (c *Clock) StateLocked() State {
	return c.state
}

// SetStateLocked sets the current state.
func (c *Clock) SetStateLocked(s State) {
	c.state = s
}

// State returns the current state.
func (c *Clock) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetState sets the current state and returns the previous one.
func (c *Clock) SetState(s State) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.state
	c.state = s
	return prev
}

// OnVsyncLocked records a hardware frame-start at ts. Frame-start waiters are
// released only when ts differs from the previously recorded timestamp.
func (c *Clock) OnVsyncLocked(ts int64) {
	c.vsyncCount++
	if ts == c.frameStartTS {
		return
	}
	c.frameStartTS = ts
	c.frameStart.release()
}

// PublishVsyncLocked updates the public vsync wait point. Waiters are released
// only when ts differs from the stored timestamp.
func (c *Clock) PublishVsyncLocked(ts int64) bool {
	if ts == c.vsyncTS {
		return false
	}
	c.vsyncTS = ts
	c.vsync.release()
	return true
}

// OnFrameDoneLocked records a completed transfer and releases every
// frame-done waiter. Frame-done events are not de-duplicated.
func (c *Clock) OnFrameDoneLocked() {
	c.frameDoneCount++
	c.frameDone.release()
}

// SetVsyncActive sets the liveness flag of the public wait point. Turning it
// on wakes waiters so a pending timestamp change is reported at once.
func (c *Clock) SetVsyncActive(active bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.vsyncActive == active {
		return
	}
	c.vsyncActive = active
	if active {
		c.vsync.release()
	}
}

// VsyncTimestamp returns the last public vsync timestamp.
func (c *Clock) VsyncTimestamp() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.vsyncTS
}

// Counters returns a snapshot of the frame counters.
func (c *Clock) Counters() Counters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Counters{
		VsyncCount:         c.vsyncCount,
		FrameDoneCount:     c.frameDoneCount,
		FrameStartReleases: c.frameStart.releases,
		VsyncReleases:      c.vsync.releases,
		FrameDoneReleases:  c.frameDone.releases,
		VsyncTimestamp:     c.vsyncTS,
		VsyncActive:        c.vsyncActive,
	}
}

// WaitVsync blocks until the public vsync timestamp differs from the value it
// had when WaitVsync was called. A timeout <= 0 waits until ctx is done.
func (c *Clock) WaitVsync(ctx context.Context, timeout time.Duration) (int64, error) {
	return c.WaitVsyncAfter(ctx, c.VsyncTimestamp(), timeout)
}

// WaitVsyncAfter blocks until the public vsync timestamp differs from since.
// Callers that trigger a transfer snapshot since before the trigger so a
// vsync landing in between is not missed.
func (c *Clock) WaitVsyncAfter(ctx context.Context, since int64, timeout time.Duration) (int64, error) {
	return c.waitChange(ctx, timeout, func() (bool, int64, <-chan struct{}) {
		return c.vsyncTS != since, c.vsyncTS, c.vsync.ch
	})
}

// WaitVsyncActive blocks until the public vsync timestamp changes from since
// while the wait point is active. since is normally the value returned by the
// previous call.
func (c *Clock) WaitVsyncActive(ctx context.Context, since int64) (int64, error) {
	return c.waitChange(ctx, 0, func() (bool, int64, <-chan struct{}) {
		return c.vsyncActive && c.vsyncTS != since, c.vsyncTS, c.vsync.ch
	})
}

// WaitFrameStart blocks until the next hardware frame-start with a new
// timestamp.
func (c *Clock) WaitFrameStart(ctx context.Context, timeout time.Duration) (int64, error) {
	c.mu.Lock()
	since := c.frameStartTS
	c.mu.Unlock()

	return c.waitChange(ctx, timeout, func() (bool, int64, <-chan struct{}) {
		return c.frameStartTS != since, c.frameStartTS, c.frameStart.ch
	})
}

// WaitFrameDone blocks until the next frame-done event and returns the
// frame-done count after it.
func (c *Clock) WaitFrameDone(ctx context.Context, timeout time.Duration) (uint64, error) {
	c.mu.Lock()
	since := c.frameDoneCount
	c.mu.Unlock()

	n, err := c.waitChange(ctx, timeout, func() (bool, int64, <-chan struct{}) {
		return c.frameDoneCount != since, int64(c.frameDoneCount), c.frameDone.ch
	})
	return uint64(n), err
}

// waitChange loops until cond reports true. cond runs with c.mu held and
// returns the wait point channel to block on when not yet satisfied.
func (c *Clock) waitChange(ctx context.Context, timeout time.Duration, cond func() (bool, int64, <-chan struct{})) (int64, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := c.clk.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.Chan()
	}

	for {
		c.mu.Lock()
		ok, v, ch := cond()
		c.mu.Unlock()
		if ok {
			return v, nil
		}

		select {
		case <-ch:
		case <-expired:
			return 0, ErrTimeout
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}
