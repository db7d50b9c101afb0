// Package workqueue runs deferred work on a single goroutine.
//
// It is where the interrupt path hands off anything that may sleep: work is
// enqueued with a non-blocking call and executed in FIFO order by one worker.
// Flush lets a caller linearise itself after every item enqueued before it.
package workqueue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrClosed is returned by Start after Stop.
var ErrClosed = errors.New("workqueue: closed")

// Func is a unit of deferred work. ctx is cancelled on Stop.
type Func func(ctx context.Context)

type item struct {
	key string
	fn  Func
	seq uint64
}

// Queue is a single-worker FIFO work queue.
//
// Goroutine topology:
//   - 1 fixed: worker loop (spawned by Start, stopped by Stop)
//
// Thread-safety: all methods safe for concurrent use. Enqueue never blocks.
type Queue struct {
	name string
	log  *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	items   []item
	pending map[string]bool // keys queued and not yet started
	seq     uint64          // last sequence handed out
	done    uint64          // last sequence finished
	running bool
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns a stopped queue.
func New(name string, log *slog.Logger) *Queue {
	if log == nil {
		log = slog.Default()
	}
	q := &Queue{
		name:    name,
		log:     log.With("component", "workqueue", "queue", name),
		pending: make(map[string]bool),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Start spawns the worker. Calling Start on a running queue is a no-op.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return ErrClosed
	}
	if q.running {
		return nil
	}
	q.ctx, q.cancel = context.WithCancel(ctx)
	q.running = true

	q.wg.Add(1)
	go q.loop()
	return nil
}

// Stop cancels the worker context, drops items not yet started and waits for
// the worker to exit. Idempotent.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	dropped := len(q.items)
	q.items = nil
	q.pending = make(map[string]bool)
	q.done = q.seq
	cancel := q.cancel
	q.cond.Broadcast()
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	q.wg.Wait()

	if dropped > 0 {
		q.log.Debug("workqueue: dropped pending work on stop", "dropped", dropped)
	}
}

// Enqueue schedules fn under key. If an item with the same key is queued and
// has not started yet, Enqueue does nothing and returns false.
func (q *Queue) Enqueue(key string, fn Func) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return false
	}
	if key != "" && q.pending[key] {
		return false
	}
	q.seq++
	q.items = append(q.items, item{key: key, fn: fn, seq: q.seq})
	if key != "" {
		q.pending[key] = true
	}
	q.cond.Signal()
	return true
}

// Flush blocks until every item enqueued before the call has finished, or
// ctx is done. Must not be called from work running on the same queue.
func (q *Queue) Flush(ctx context.Context) error {
	q.mu.Lock()
	target := q.seq
	if q.done >= target {
		q.mu.Unlock()
		return nil
	}

	// sync.Cond cannot select on ctx; wake the waiter on cancellation.
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	for q.done < target {
		if err := ctx.Err(); err != nil {
			q.mu.Unlock()
			return err
		}
		q.cond.Wait()
	}
	q.mu.Unlock()
	return nil
}

// Len returns the number of items not yet started.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// loop is the worker goroutine.
//
// Algorithm:
//  1. Wait for an item (sync.Cond)
//  2. Pop it and clear its key so it can be queued again
//  3. Run it without the lock held
//  4. Publish completion and wake Flush waiters
func (q *Queue) loop() {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.stopped {
			q.cond.Wait()
		}
		if q.stopped {
			q.mu.Unlock()
			return
		}

		it := q.items[0]
		q.items = q.items[1:]
		if it.key != "" {
			delete(q.pending, it.key)
		}
		ctx := q.ctx
		q.mu.Unlock()

		q.run(ctx, it)

		q.mu.Lock()
		if it.seq > q.done {
			q.done = it.seq
		}
		q.cond.Broadcast()
		q.mu.Unlock()
	}
}

func (q *Queue) run(ctx context.Context, it item) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("workqueue: work panicked", "key", it.key, "panic", r)
		}
	}()
	it.fn(ctx)
}
