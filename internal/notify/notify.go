// Package notify fans public vsync events out to subscribers.
//
// A single notifier goroutine waits on the frame clock's public vsync wait
// point and publishes every new timestamp into per-subscriber mailboxes.
// Mailboxes hold only the latest event: a slow subscriber sees the newest
// vsync and a drop count, never a backlog.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// idleThreshold is how long a subscriber may go without consuming before
// Stats reports it idle. At 60 Hz that is 300 missed vsyncs.
const idleThreshold = 5 * time.Second

// ErrAlreadyStarted is returned by Start on a running notifier.
var ErrAlreadyStarted = errors.New("notify: already started")

// Vsync is one public vsync event.
type Vsync struct {
	Seq       uint64 // notifier sequence, 1-based
	Timestamp int64  // ns since device epoch
}

// Source is the public vsync wait point. It is satisfied by the frame clock.
type Source interface {
	// WaitVsyncActive blocks until the timestamp differs from since while
	// vsync events are active.
	WaitVsyncActive(ctx context.Context, since int64) (int64, error)
}

// SubscriberStats is the operational state of one subscriber.
type SubscriberStats struct {
	ID               string
	LastConsumedAt   time.Time
	LastConsumedSeq  uint64
	ConsecutiveDrops uint64
	TotalDrops       uint64
	IsIdle           bool
}

// Stats is an operational snapshot of the notifier.
type Stats struct {
	Published   uint64
	Subscribers map[string]SubscriberStats
}

// slot is a per-subscriber single-event mailbox.
type slot struct {
	mu   sync.Mutex
	cond *sync.Cond
	ev   Vsync
	full bool // ev not yet consumed

	lastConsumedAt   time.Time
	lastConsumedSeq  uint64
	consecutiveDrops uint64
	totalDrops       uint64

	closed bool
}

// Options configures a Notifier.
type Options struct {
	Logger *slog.Logger
	// OnVsync is called from the notifier goroutine for every published
	// event, before mailboxes are filled. It must not block.
	OnVsync func(Vsync)
}

// Notifier is the vsync notification fan-out.
//
// Goroutine topology:
//   - 1 fixed: wait loop (Start → Stop)
//   - N subscribers, each calling its read function from one goroutine
//
// Thread-safety: all methods safe for concurrent use.
type Notifier struct {
	src     Source
	log     *slog.Logger
	onVsync func(Vsync)

	slots     sync.Map // id → *slot
	seq       atomic.Uint64
	published atomic.Uint64
	started   atomic.Bool
	stopping  atomic.Bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns a stopped notifier reading from src.
func New(src Source, opts Options) *Notifier {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Notifier{
		src:     src,
		log:     log.With("component", "notify"),
		onVsync: opts.OnVsync,
	}
}

// Start spawns the wait loop.
func (n *Notifier) Start(ctx context.Context) error {
	if !n.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	ctx, n.cancel = context.WithCancel(ctx)

	n.wg.Add(1)
	go n.loop(ctx)
	return nil
}

// Stop ends the wait loop and closes every mailbox; blocked read functions
// return false. Idempotent.
func (n *Notifier) Stop() {
	if !n.stopping.CompareAndSwap(false, true) {
		return
	}
	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()

	n.slots.Range(func(key, value any) bool {
		closeSlot(value.(*slot))
		n.slots.Delete(key)
		return true
	})
}

func (n *Notifier) loop(ctx context.Context) {
	defer n.wg.Done()

	var since int64
	for {
		ts, err := n.src.WaitVsyncActive(ctx, since)
		if err != nil {
			if ctx.Err() == nil {
				n.log.Warn("notify: vsync wait failed", "error", err)
			}
			return
		}
		since = ts
		n.Publish(ts)
	}
}

// Publish delivers a vsync timestamp to every subscriber. It is non-blocking
// and is normally only called by the wait loop.
func (n *Notifier) Publish(ts int64) Vsync {
	ev := Vsync{Seq: n.seq.Add(1), Timestamp: ts}
	n.published.Add(1)

	if n.onVsync != nil {
		n.onVsync(ev)
	}

	n.slots.Range(func(_, value any) bool {
		s := value.(*slot)
		s.mu.Lock()
		if !s.closed {
			if s.full {
				s.consecutiveDrops++
				s.totalDrops++
			}
			s.ev = ev
			s.full = true
			s.cond.Signal()
		}
		s.mu.Unlock()
		return true
	})
	return ev
}

// Subscribe registers id and returns a read function that blocks until a
// vsync newer than the last one read is available. It returns false once
// the subscriber is removed or the notifier stops.
//
// The read function must be called from a single goroutine. Subscribing an
// existing id replaces its mailbox and closes the old one.
func (n *Notifier) Subscribe(id string) func() (Vsync, bool) {
	if n.stopping.Load() {
		return func() (Vsync, bool) { return Vsync{}, false }
	}

	s := &slot{lastConsumedAt: time.Now()}
	s.cond = sync.NewCond(&s.mu)
	if old, loaded := n.slots.Swap(id, s); loaded {
		closeSlot(old.(*slot))
	}
	// Stop may have swept the map between the check above and the Swap.
	if n.stopping.Load() {
		n.slots.CompareAndDelete(id, s)
		closeSlot(s)
	}

	return func() (Vsync, bool) {
		s.mu.Lock()
		defer s.mu.Unlock()

		for !s.full && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			return Vsync{}, false
		}

		s.full = false
		s.lastConsumedAt = time.Now()
		s.lastConsumedSeq = s.ev.Seq
		s.consecutiveDrops = 0
		return s.ev, true
	}
}

// Unsubscribe removes id and wakes its read function. Idempotent.
func (n *Notifier) Unsubscribe(id string) {
	v, ok := n.slots.LoadAndDelete(id)
	if !ok {
		return
	}
	closeSlot(v.(*slot))
}

func closeSlot(s *slot) {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Stats returns an operational snapshot.
func (n *Notifier) Stats() Stats {
	subs := make(map[string]SubscriberStats)
	n.slots.Range(func(key, value any) bool {
		id := key.(string)
		s := value.(*slot)

		s.mu.Lock()
		subs[id] = SubscriberStats{
			ID:               id,
			LastConsumedAt:   s.lastConsumedAt,
			LastConsumedSeq:  s.lastConsumedSeq,
			ConsecutiveDrops: s.consecutiveDrops,
			TotalDrops:       s.totalDrops,
			IsIdle:           time.Since(s.lastConsumedAt) > idleThreshold,
		}
		s.mu.Unlock()
		return true
	})

	return Stats{
		Published:   n.published.Load(),
		Subscribers: subs,
	}
}
