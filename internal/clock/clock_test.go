package clock

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

// TestVsyncReleasesOnlyOnChange validates the de-duplication contract:
// one release per timestamp change, zero for repeats, for arbitrary sequences.
func TestVsyncReleasesOnlyOnChange(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for run := 0; run < 50; run++ {
		c := New(clockwork.NewFakeClock())

		var prev int64
		var wantReleases uint64
		for i := 0; i < 200; i++ {
			ts := int64(rng.Intn(4)) // small range forces repeats
			if ts != prev {
				wantReleases++
			}
			prev = ts

			c.Lock()
			c.OnVsyncLocked(ts)
			c.PublishVsyncLocked(ts)
			c.Unlock()
		}

		got := c.Counters()
		if got.VsyncCount != 200 {
			t.Fatalf("run %d: VsyncCount=%d, want 200 (counted once per event)", run, got.VsyncCount)
		}
		if got.FrameStartReleases != wantReleases {
			t.Fatalf("run %d: FrameStartReleases=%d, want %d", run, got.FrameStartReleases, wantReleases)
		}
		if got.VsyncReleases != wantReleases {
			t.Fatalf("run %d: VsyncReleases=%d, want %d", run, got.VsyncReleases, wantReleases)
		}
	}
}

func TestRepeatedTimestampDoesNotWakeWaiter(t *testing.T) {
	c := New(clockwork.NewFakeClock())
	c.Lock()
	c.PublishVsyncLocked(100)
	c.Unlock()

	done := make(chan int64, 1)
	go func() {
		ts, err := c.WaitVsync(context.Background(), 0)
		if err != nil {
			t.Errorf("WaitVsync() failed: %v", err)
		}
		done <- ts
	}()

	// Give the waiter time to block, then repeat the same timestamp.
	time.Sleep(10 * time.Millisecond)
	c.Lock()
	c.PublishVsyncLocked(100)
	c.Unlock()

	select {
	case ts := <-done:
		t.Fatalf("waiter released by repeated timestamp (got %d)", ts)
	case <-time.After(20 * time.Millisecond):
	}

	c.Lock()
	c.PublishVsyncLocked(200)
	c.Unlock()

	select {
	case ts := <-done:
		if ts != 200 {
			t.Errorf("WaitVsync() = %d, want 200", ts)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter not released by new timestamp")
	}
}

func TestFrameDoneReleasesEveryEvent(t *testing.T) {
	c := New(clockwork.NewFakeClock())

	for i := 0; i < 5; i++ {
		c.Lock()
		c.OnFrameDoneLocked()
		c.Unlock()
	}

	got := c.Counters()
	if got.FrameDoneCount != 5 || got.FrameDoneReleases != 5 {
		t.Errorf("FrameDoneCount=%d FrameDoneReleases=%d, want 5 and 5", got.FrameDoneCount, got.FrameDoneReleases)
	}
}

func TestWaitFrameDone(t *testing.T) {
	c := New(clockwork.NewFakeClock())

	done := make(chan uint64, 1)
	go func() {
		n, err := c.WaitFrameDone(context.Background(), 0)
		if err != nil {
			t.Errorf("WaitFrameDone() failed: %v", err)
		}
		done <- n
	}()

	time.Sleep(10 * time.Millisecond)
	c.Lock()
	c.OnFrameDoneLocked()
	c.Unlock()

	select {
	case n := <-done:
		if n != 1 {
			t.Errorf("WaitFrameDone() = %d, want 1", n)
		}
	case <-time.After(time.Second):
		t.Fatal("frame-done waiter not released")
	}
}

func TestWaitVsyncTimeout(t *testing.T) {
	fc := clockwork.NewFakeClock()
	c := New(fc)

	errc := make(chan error, 1)
	go func() {
		_, err := c.WaitVsync(context.Background(), 50*time.Millisecond)
		errc <- err
	}()

	fc.BlockUntil(1)
	fc.Advance(50 * time.Millisecond)

	select {
	case err := <-errc:
		if !errors.Is(err, ErrTimeout) {
			t.Errorf("WaitVsync() = %v, want ErrTimeout", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitVsync() did not time out")
	}
}

func TestWaitVsyncActiveRequiresActive(t *testing.T) {
	c := New(clockwork.NewFakeClock())

	got := make(chan int64, 1)
	go func() {
		ts, err := c.WaitVsyncActive(context.Background(), 0)
		if err != nil {
			t.Errorf("WaitVsyncActive() failed: %v", err)
		}
		got <- ts
	}()

	time.Sleep(10 * time.Millisecond)
	c.Lock()
	c.PublishVsyncLocked(10)
	c.Unlock()

	select {
	case ts := <-got:
		t.Fatalf("inactive wait point released waiter (ts=%d)", ts)
	case <-time.After(20 * time.Millisecond):
	}

	c.SetVsyncActive(true)

	select {
	case ts := <-got:
		if ts != 10 {
			t.Errorf("WaitVsyncActive() = %d, want 10", ts)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter not released after activation")
	}
}

func TestWaitHonoursContext(t *testing.T) {
	c := New(clockwork.NewFakeClock())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := c.WaitFrameStart(ctx, 0); !errors.Is(err, context.Canceled) {
		t.Errorf("WaitFrameStart() = %v, want context.Canceled", err)
	}
}

func TestStateAccess(t *testing.T) {
	tests := []struct {
		s    State
		want bool
	}{
		{StateOff, false},
		{StateInit, true},
		{StateOn, true},
		{StateEnteringLPD, false},
		{StateLPD, false},
		{StateExitingLPD, false},
	}
	for _, tt := range tests {
		if got := tt.s.AccessAllowed(); got != tt.want {
			t.Errorf("%v.AccessAllowed() = %v, want %v", tt.s, got, tt.want)
		}
	}

	c := New(nil)
	if prev := c.SetState(StateOn); prev != StateOff {
		t.Errorf("SetState() previous = %v, want off", prev)
	}
	if c.State() != StateOn {
		t.Errorf("State() = %v, want on", c.State())
	}
}
