// Package underrun rate-limits FIFO underrun reports.
//
// The filter combines leaky-bucket suppression with a periodic summary:
//   - The first underrun seen while no filter window is open is reported and
//     opens a window of Interval.
//   - Underruns inside the window are counted and suppressed.
//   - The next reported underrun after the window closes carries the running
//     count; when it exceeds Threshold the caller emits a rate summary.
//   - The running count drains to zero on every reported underrun.
//
// A high underrun rate is a degraded-performance signal, never an error.
package underrun

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	// DefaultInterval is the filter window length.
	DefaultInterval = 100 * time.Millisecond
	// DefaultThreshold is the running count above which a summary is due.
	DefaultThreshold = 5
)

// Config holds the filter constants.
type Config struct {
	Interval  time.Duration
	Threshold uint64
}

// DefaultConfig returns the default filter constants.
func DefaultConfig() Config {
	return Config{
		Interval:  DefaultInterval,
		Threshold: DefaultThreshold,
	}
}

// Stat is the diagnostics snapshot taken with the triggering interrupt.
type Stat struct {
	// Count is the running underrun count at the time of the decision,
	// including the triggering underrun.
	Count       uint64
	FIFOLevel   uint32
	Bandwidth   uint64
	ChannelMap  uint32
	UsedWindows uint64
}

// Decision tells the caller what to log for one underrun.
type Decision struct {
	// Log is true when this underrun may be reported.
	Log bool
	// Summary is true when the running count exceeded the threshold; the
	// caller should emit a rate summary carrying Stat.
	Summary bool
	// Suppressed is how many underruns were swallowed since the previous
	// reported one.
	Suppressed uint64
	Stat       Stat
}

// Stats is an operational snapshot of the filter.
type Stats struct {
	Total      uint64
	Logged     uint64
	Suppressed uint64
	Summaries  uint64
	Pending    uint64
	WindowOpen bool
	LastAt     time.Time
	Last       Stat
}

// Filter is the underrun rate limiter of one display device.
//
// Thread-safety: all methods safe for concurrent use; Observe never blocks and
// may be called from the interrupt path.
type Filter struct {
	mu  sync.Mutex
	clk clockwork.Clock
	cfg Config

	open   bool
	count  uint64
	timer  clockwork.Timer
	closed bool

	total      uint64
	logged     uint64
	suppressed uint64
	summaries  uint64
	lastAt     time.Time
	last       Stat
}

// New returns a filter with its window closed. Zero config fields take the
// defaults.
func New(clk clockwork.Clock, cfg Config) *Filter {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = DefaultThreshold
	}
	return &Filter{clk: clk, cfg: cfg}
}

// Observe records one underrun at now with its diagnostics snapshot.
func (f *Filter) Observe(now time.Time, snap Stat) Decision {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.total++
	f.count++
	snap.Count = f.count
	f.last = snap
	f.lastAt = now

	if f.open {
		f.suppressed++
		return Decision{}
	}

	d := Decision{
		Log:        true,
		Suppressed: f.count - 1,
		Stat:       snap,
	}
	if f.count > f.cfg.Threshold {
		d.Summary = true
		f.summaries++
	}
	f.logged++
	f.count = 0

	f.open = true
	if !f.closed {
		f.timer = f.clk.AfterFunc(f.cfg.Interval, f.closeWindow)
	}
	return d
}

// closeWindow is the deferred reset armed by Observe.
func (f *Filter) closeWindow() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.open = false
	f.timer = nil
}

// WindowOpen reports whether underruns are currently being suppressed.
func (f *Filter) WindowOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

// Stats returns an operational snapshot.
func (f *Filter) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Stats{
		Total:      f.total,
		Logged:     f.logged,
		Suppressed: f.suppressed,
		Summaries:  f.summaries,
		Pending:    f.count,
		WindowOpen: f.open,
		LastAt:     f.lastAt,
		Last:       f.last,
	}
}

// Close cancels a pending window reset. Observe keeps working afterwards but
// no longer arms timers, so a window opened after Close stays open.
func (f *Filter) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
}
