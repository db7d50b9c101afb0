package notify

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/displaysync/internal/clock"
	"github.com/jonboulle/clockwork"
)

func publishVsync(c *clock.Clock, ts int64) {
	c.Lock()
	c.PublishVsyncLocked(ts)
	c.Unlock()
}

func readWithin(t *testing.T, read func() (Vsync, bool), d time.Duration) (Vsync, bool) {
	t.Helper()
	type result struct {
		ev Vsync
		ok bool
	}
	ch := make(chan result, 1)
	go func() {
		ev, ok := read()
		ch <- result{ev, ok}
	}()
	select {
	case r := <-ch:
		return r.ev, r.ok
	case <-time.After(d):
		t.Fatalf("read did not return within %v", d)
		return Vsync{}, false
	}
}

// TestNotifierDeliversActiveVsync validates the full path: frame clock
// publish → wait loop → subscriber mailbox, gated by the active flag.
func TestNotifierDeliversActiveVsync(t *testing.T) {
	c := clock.New(clockwork.NewFakeClock())
	var hooked atomic.Uint64
	n := New(c, Options{OnVsync: func(Vsync) { hooked.Add(1) }})

	read := n.Subscribe("hwc")
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer n.Stop()

	c.SetVsyncActive(true)
	publishVsync(c, 1000)

	ev, ok := readWithin(t, read, time.Second)
	if !ok {
		t.Fatal("read() returned false")
	}
	if ev.Timestamp != 1000 || ev.Seq != 1 {
		t.Errorf("got %+v, want ts=1000 seq=1", ev)
	}
	if hooked.Load() != 1 {
		t.Errorf("OnVsync called %d times, want 1", hooked.Load())
	}
}

func TestNotifierInactiveDeliversNothing(t *testing.T) {
	c := clock.New(clockwork.NewFakeClock())
	n := New(c, Options{})
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer n.Stop()

	publishVsync(c, 1000)
	time.Sleep(20 * time.Millisecond)

	if got := n.Stats().Published; got != 0 {
		t.Errorf("Published = %d with vsync events inactive, want 0", got)
	}
}

// TestMailboxKeepsLatest validates latest-only semantics and drop tracking.
func TestMailboxKeepsLatest(t *testing.T) {
	n := New(nil, Options{})
	read := n.Subscribe("slow")

	n.Publish(10)
	n.Publish(20)
	n.Publish(30)

	ev, ok := readWithin(t, read, time.Second)
	if !ok || ev.Timestamp != 30 || ev.Seq != 3 {
		t.Fatalf("read() = %+v, %v, want ts=30 seq=3", ev, ok)
	}

	stats := n.Stats().Subscribers["slow"]
	if stats.TotalDrops != 2 {
		t.Errorf("TotalDrops = %d, want 2", stats.TotalDrops)
	}
	if stats.ConsecutiveDrops != 0 {
		t.Errorf("ConsecutiveDrops = %d after consume, want 0", stats.ConsecutiveDrops)
	}
	if stats.LastConsumedSeq != 3 {
		t.Errorf("LastConsumedSeq = %d, want 3", stats.LastConsumedSeq)
	}
}

func TestUnsubscribeWakesReader(t *testing.T) {
	n := New(nil, Options{})
	read := n.Subscribe("gone")

	done := make(chan bool, 1)
	go func() {
		_, ok := read()
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	n.Unsubscribe("gone")
	n.Unsubscribe("gone")

	select {
	case ok := <-done:
		if ok {
			t.Error("read() returned true after Unsubscribe()")
		}
	case <-time.After(time.Second):
		t.Fatal("reader not woken by Unsubscribe()")
	}
	if _, exists := n.Stats().Subscribers["gone"]; exists {
		t.Error("unsubscribed id still in Stats()")
	}
}

func TestStopClosesSubscribers(t *testing.T) {
	c := clock.New(clockwork.NewFakeClock())
	n := New(c, Options{})
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	read := n.Subscribe("a")

	n.Stop()

	if _, ok := readWithin(t, read, time.Second); ok {
		t.Error("read() returned true after Stop()")
	}
	if _, ok := n.Subscribe("late")(); ok {
		t.Error("Subscribe() after Stop() returned a live reader")
	}
	if err := n.Start(context.Background()); err != ErrAlreadyStarted {
		t.Errorf("second Start() = %v, want ErrAlreadyStarted", err)
	}
}

// TestSubscribeRacingStopNeverHangs validates that every reader handed out
// around a concurrent Stop is closed once Stop has returned.
func TestSubscribeRacingStopNeverHangs(t *testing.T) {
	for round := 0; round < 50; round++ {
		n := New(nil, Options{})

		const subscribers = 8
		reads := make(chan func() (Vsync, bool), subscribers)
		start := make(chan struct{})
		for i := 0; i < subscribers; i++ {
			id := fmt.Sprintf("sub-%d", i)
			go func() {
				<-start
				reads <- n.Subscribe(id)
			}()
		}

		close(start)
		n.Stop()

		for i := 0; i < subscribers; i++ {
			read := <-reads
			if _, ok := readWithin(t, read, time.Second); ok {
				t.Fatalf("round %d: read() returned true after Stop()", round)
			}
		}
	}
}

func TestResubscribeClosesOldReader(t *testing.T) {
	n := New(nil, Options{})
	old := n.Subscribe("dup")
	fresh := n.Subscribe("dup")

	if _, ok := readWithin(t, old, time.Second); ok {
		t.Error("replaced reader still live")
	}

	n.Publish(5)
	if ev, ok := readWithin(t, fresh, time.Second); !ok || ev.Timestamp != 5 {
		t.Errorf("fresh reader got %+v, %v, want ts=5", ev, ok)
	}
}
