package workqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func startQueue(t *testing.T) *Queue {
	t.Helper()
	q := New("test", nil)
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(q.Stop)
	return q
}

// TestRunsInOrder validates FIFO execution on the single worker.
func TestRunsInOrder(t *testing.T) {
	q := startQueue(t)

	var mu sync.Mutex
	var got []int
	for i := 0; i < 10; i++ {
		i := i
		q.Enqueue("", func(context.Context) {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}

	if err := q.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 10 {
		t.Fatalf("ran %d items, want 10", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("item %d ran at position %d", v, i)
		}
	}
}

// TestEnqueueDeduplicatesPendingKey validates that a key queued but not yet
// started is not queued twice, and can be queued again once started.
func TestEnqueueDeduplicatesPendingKey(t *testing.T) {
	q := startQueue(t)

	// Park the worker so later items stay pending.
	release := make(chan struct{})
	started := make(chan struct{})
	q.Enqueue("park", func(context.Context) {
		close(started)
		<-release
	})
	<-started

	var runs atomic.Int32
	work := func(context.Context) { runs.Add(1) }

	if !q.Enqueue("enter", work) {
		t.Fatal("first Enqueue(enter) rejected")
	}
	if q.Enqueue("enter", work) {
		t.Error("second Enqueue(enter) accepted while first still pending")
	}
	if got := q.Len(); got != 1 {
		t.Errorf("Len() = %d, want 1", got)
	}

	close(release)
	if err := q.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}
	if got := runs.Load(); got != 1 {
		t.Errorf("work ran %d times, want 1", got)
	}

	if !q.Enqueue("enter", work) {
		t.Error("Enqueue(enter) rejected after previous run finished")
	}
	q.Flush(context.Background())
	if got := runs.Load(); got != 2 {
		t.Errorf("work ran %d times, want 2", got)
	}
}

// TestFlushWaitsForInFlight validates that Flush returns only after work
// enqueued before it has completed.
func TestFlushWaitsForInFlight(t *testing.T) {
	q := startQueue(t)

	var finished atomic.Bool
	q.Enqueue("slow", func(context.Context) {
		time.Sleep(20 * time.Millisecond)
		finished.Store(true)
	})

	if err := q.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}
	if !finished.Load() {
		t.Error("Flush() returned before in-flight work finished")
	}
}

func TestFlushHonoursContext(t *testing.T) {
	q := startQueue(t)

	release := make(chan struct{})
	defer close(release)
	q.Enqueue("block", func(context.Context) { <-release })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := q.Flush(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Flush() = %v, want context.DeadlineExceeded", err)
	}
}

func TestFlushEmptyReturnsImmediately(t *testing.T) {
	q := New("idle", nil)
	if err := q.Flush(context.Background()); err != nil {
		t.Errorf("Flush() on empty queue = %v", err)
	}
}

// TestStopCancelsAndRejects validates shutdown: running work sees its context
// cancelled, pending work is dropped and later Enqueue calls are refused.
func TestStopCancelsAndRejects(t *testing.T) {
	q := New("stop", nil)
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	started := make(chan struct{})
	var cancelled atomic.Bool
	q.Enqueue("wait", func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		cancelled.Store(true)
	})
	var droppedRan atomic.Bool
	q.Enqueue("dropped", func(context.Context) { droppedRan.Store(true) })

	<-started
	q.Stop()

	if !cancelled.Load() {
		t.Error("running work did not observe cancellation")
	}
	if droppedRan.Load() {
		t.Error("pending work ran after Stop()")
	}
	if q.Enqueue("late", func(context.Context) {}) {
		t.Error("Enqueue() accepted after Stop()")
	}
	if err := q.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Start() after Stop() = %v, want ErrClosed", err)
	}
	if err := q.Flush(context.Background()); err != nil {
		t.Errorf("Flush() after Stop() = %v, want nil", err)
	}
	q.Stop()
}

func TestPanicDoesNotKillWorker(t *testing.T) {
	q := startQueue(t)

	q.Enqueue("boom", func(context.Context) { panic("boom") })

	var ran atomic.Bool
	q.Enqueue("after", func(context.Context) { ran.Store(true) })

	if err := q.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}
	if !ran.Load() {
		t.Error("work after a panicking item did not run")
	}
}
