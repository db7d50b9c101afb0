package lpd

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/displaysync/internal/clock"
	"github.com/e7canasta/orion-care-sensor/modules/displaysync/internal/workqueue"
	"github.com/e7canasta/orion-care-sensor/modules/displaysync/regport"
	"github.com/jonboulle/clockwork"
)

type fixture struct {
	clock *clock.Clock
	sim   *regport.Sim
	queue *workqueue.Queue
	lpd   *Coordinator

	mu          sync.Mutex
	transitions []Transition
}

func newFixture(t *testing.T, state clock.State) *fixture {
	t.Helper()
	f := &fixture{
		clock: clock.New(clockwork.NewFakeClock()),
		sim:   regport.NewSim(),
		queue: workqueue.New("lpd-test", nil),
	}
	if err := f.queue.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(f.queue.Stop)

	f.lpd = New(f.clock, f.sim, f.queue, Config{
		Enabled: true,
		OnTransition: func(tr Transition) {
			f.mu.Lock()
			f.transitions = append(f.transitions, tr)
			f.mu.Unlock()
		},
	})
	f.clock.SetState(state)
	return f
}

func (f *fixture) lastTransition(t *testing.T) Transition {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.transitions) == 0 {
		t.Fatal("no transition recorded")
	}
	return f.transitions[len(f.transitions)-1]
}

var allStates = []clock.State{
	clock.StateOff,
	clock.StateInit,
	clock.StateOn,
	clock.StateEnteringLPD,
	clock.StateLPD,
	clock.StateExitingLPD,
}

// TestTryEnterBlockedNeverChangesState validates the entry gate for every
// state and several block depths.
func TestTryEnterBlockedNeverChangesState(t *testing.T) {
	for _, s := range allStates {
		for _, depth := range []int{1, 2, 5} {
			f := newFixture(t, s)
			for i := 0; i < depth; i++ {
				f.lpd.Block()
			}

			if f.lpd.TryEnter(context.Background()) {
				t.Errorf("state=%v depth=%d: TryEnter() reported a transition", s, depth)
			}
			if got := f.clock.State(); got != s {
				t.Errorf("state=%v depth=%d: state changed to %v", s, depth, got)
			}
			if _, disables := f.sim.Sequences(); disables != 0 {
				t.Errorf("state=%v depth=%d: disable sequence ran %d times", s, depth, disables)
			}
		}
	}
}

func TestTryEnterOnlyFromOn(t *testing.T) {
	for _, s := range allStates {
		f := newFixture(t, s)
		moved := f.lpd.TryEnter(context.Background())

		if s == clock.StateOn {
			if !moved || f.clock.State() != clock.StateLPD {
				t.Errorf("from on: moved=%v state=%v, want true and lpd", moved, f.clock.State())
			}
			continue
		}
		if moved || f.clock.State() != s {
			t.Errorf("from %v: moved=%v state=%v, want no-op", s, moved, f.clock.State())
		}
	}
}

func TestTryEnterDisabled(t *testing.T) {
	f := newFixture(t, clock.StateOn)
	f.lpd.enabled.Store(false)

	if f.lpd.TryEnter(context.Background()) {
		t.Error("TryEnter() moved while entry disabled")
	}
	f.lpd.Enable()
	if !f.lpd.TryEnter(context.Background()) {
		t.Error("TryEnter() refused after Enable()")
	}
}

// TestForceExitNetZeroBlock validates that ForceExit leaves the block count
// unchanged across the call, with and without a failing enable sequence.
func TestForceExitNetZeroBlock(t *testing.T) {
	tests := []struct {
		name      string
		start     clock.State
		enableErr error
		preBlock  int
	}{
		{"lpd ok", clock.StateLPD, nil, 0},
		{"lpd enable fails", clock.StateLPD, errors.New("pll lock"), 0},
		{"lpd enable fails with outer block", clock.StateLPD, errors.New("pll lock"), 1},
		{"already on", clock.StateOn, nil, 0},
		{"off", clock.StateOff, nil, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.start)
			f.sim.FailEnable(tt.enableErr)
			for i := 0; i < tt.preBlock; i++ {
				f.lpd.Block()
			}
			before := f.lpd.Stats().BlockCount

			err := f.lpd.ForceExit(context.Background())

			if after := f.lpd.Stats().BlockCount; after != before {
				t.Errorf("BlockCount %d → %d across ForceExit(), want net zero", before, after)
			}
			if tt.enableErr != nil {
				var seqErr *SequenceError
				if !errors.As(err, &seqErr) || seqErr.Op != "enable" {
					t.Errorf("ForceExit() = %v, want enable *SequenceError", err)
				}
				if !errors.Is(err, tt.enableErr) {
					t.Errorf("ForceExit() = %v, does not wrap %v", err, tt.enableErr)
				}
			} else if err != nil {
				t.Errorf("ForceExit() failed: %v", err)
			}
		})
	}
}

// TestForceExitDrivesOn: LPD → ExitingLPD → On, with the enable sequence
// running in the exiting state.
func TestForceExitDrivesOn(t *testing.T) {
	f := newFixture(t, clock.StateLPD)

	var during clock.State
	f.lpd.seq = sequencerFunc{
		enable: func(context.Context) error {
			during = f.clock.State()
			return nil
		},
	}

	if err := f.lpd.ForceExit(context.Background()); err != nil {
		t.Fatalf("ForceExit() failed: %v", err)
	}
	if during != clock.StateExitingLPD {
		t.Errorf("state during enable = %v, want exiting_lpd", during)
	}
	if got := f.clock.State(); got != clock.StateOn {
		t.Errorf("state after ForceExit() = %v, want on", got)
	}

	tr := f.lastTransition(t)
	if tr.From != clock.StateLPD || tr.To != clock.StateOn || tr.Err != nil {
		t.Errorf("transition %+v, want lpd → on without error", tr)
	}
}

func TestEnableFailureEndsOn(t *testing.T) {
	f := newFixture(t, clock.StateLPD)
	f.sim.FailEnable(errors.New("regulator"))

	f.lpd.ForceExit(context.Background())

	if got := f.clock.State(); got != clock.StateOn {
		t.Errorf("state = %v, want on after failed enable", got)
	}
	if got := f.lpd.Stats().SequenceFailures; got != 1 {
		t.Errorf("SequenceFailures = %d, want 1", got)
	}
}

func TestDisableFailureEndsLPD(t *testing.T) {
	f := newFixture(t, clock.StateOn)
	f.sim.FailDisable(errors.New("dsi timeout"))

	if !f.lpd.TryEnter(context.Background()) {
		t.Fatal("TryEnter() refused")
	}
	if got := f.clock.State(); got != clock.StateLPD {
		t.Errorf("state = %v, want lpd after failed disable", got)
	}
	tr := f.lastTransition(t)
	var seqErr *SequenceError
	if !errors.As(tr.Err, &seqErr) || seqErr.Op != "disable" {
		t.Errorf("transition error %v, want disable *SequenceError", tr.Err)
	}
}

// TestTwoIdleTicksEnterLPD: state=On, unblocked, two consecutive idle reports
// → entry scheduled and, once run, state becomes LPD.
func TestTwoIdleTicksEnterLPD(t *testing.T) {
	f := newFixture(t, clock.StateOn)

	if f.lpd.Tick(clock.StateOn, false) {
		t.Fatal("entry scheduled after a single idle report")
	}
	if !f.lpd.Tick(clock.StateOn, false) {
		t.Fatal("entry not scheduled after two idle reports")
	}

	if err := f.queue.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}
	if got := f.clock.State(); got != clock.StateLPD {
		t.Errorf("state = %v, want lpd", got)
	}
	if _, disables := f.sim.Sequences(); disables != 1 {
		t.Errorf("disable sequence ran %d times, want 1", disables)
	}
}

func TestPendingWorkResetsTrigger(t *testing.T) {
	f := newFixture(t, clock.StateOn)

	f.lpd.Tick(clock.StateOn, false)
	f.lpd.Tick(clock.StateOn, true)
	if f.lpd.Tick(clock.StateOn, false) {
		t.Error("entry scheduled although pending work broke the idle streak")
	}
	if got := f.lpd.Stats().TrigCount; got != 1 {
		t.Errorf("TrigCount = %d, want 1", got)
	}
}

func TestTickIgnoredWhenBlockedOrNotOn(t *testing.T) {
	f := newFixture(t, clock.StateOn)

	f.lpd.Block()
	for i := 0; i < 5; i++ {
		if f.lpd.Tick(clock.StateOn, false) {
			t.Fatal("entry scheduled while blocked")
		}
	}
	f.lpd.Unblock()

	for i := 0; i < 5; i++ {
		if f.lpd.Tick(clock.StateLPD, false) {
			t.Fatal("entry scheduled from lpd")
		}
	}
	if got := f.lpd.Stats().TrigCount; got != 0 {
		t.Errorf("TrigCount = %d, want 0", got)
	}
}

// TestForceExitLinearisedAfterPendingEntry validates that a forced exit
// waits for a scheduled entry to finish and then brings the display back on.
func TestForceExitLinearisedAfterPendingEntry(t *testing.T) {
	f := newFixture(t, clock.StateOn)

	release := make(chan struct{})
	f.lpd.seq = sequencerFunc{
		disable: func(context.Context) error {
			<-release
			return nil
		},
	}

	f.lpd.Tick(clock.StateOn, false)
	f.lpd.Tick(clock.StateOn, false)

	// Let the entry attempt start and park in the disable sequence.
	deadline := time.Now().Add(time.Second)
	for f.clock.State() != clock.StateEnteringLPD {
		if time.Now().After(deadline) {
			t.Fatal("entry attempt did not start")
		}
		time.Sleep(time.Millisecond)
	}

	done := make(chan error, 1)
	go func() { done <- f.lpd.ForceExit(context.Background()) }()

	select {
	case <-done:
		t.Fatal("ForceExit() returned while entry still in flight")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("ForceExit() failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("ForceExit() did not return")
	}
	if got := f.clock.State(); got != clock.StateOn {
		t.Errorf("state = %v, want on", got)
	}
}

// TestBlockWaitsForEntryInFlight validates that Block does not return while
// an entry attempt is inside its disable sequence, and that no entry starts
// once it has returned.
func TestBlockWaitsForEntryInFlight(t *testing.T) {
	f := newFixture(t, clock.StateOn)

	release := make(chan struct{})
	f.lpd.seq = sequencerFunc{
		disable: func(context.Context) error {
			<-release
			return nil
		},
	}

	entered := make(chan bool, 1)
	go func() { entered <- f.lpd.TryEnter(context.Background()) }()

	deadline := time.Now().Add(time.Second)
	for f.clock.State() != clock.StateEnteringLPD {
		if time.Now().After(deadline) {
			t.Fatal("entry attempt did not start")
		}
		time.Sleep(time.Millisecond)
	}

	blocked := make(chan struct{})
	go func() {
		f.lpd.Block()
		close(blocked)
	}()

	select {
	case <-blocked:
		t.Fatal("Block() returned while the disable sequence was running")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	select {
	case <-blocked:
	case <-time.After(time.Second):
		t.Fatal("Block() did not return after the entry finished")
	}
	if !<-entered {
		t.Fatal("TryEnter() = false, want the in-flight entry to complete")
	}
	if got := f.clock.State(); got != clock.StateLPD {
		t.Fatalf("state = %v, want lpd", got)
	}

	// Back on, still blocked: nothing may enter.
	if err := f.lpd.ForceExit(context.Background()); err != nil {
		t.Fatalf("ForceExit() failed: %v", err)
	}
	if f.lpd.TryEnter(context.Background()) {
		t.Error("TryEnter() = true while blocked")
	}
	if got := f.clock.State(); got != clock.StateOn {
		t.Errorf("state = %v, want on", got)
	}
	f.lpd.Unblock()
}

func TestUnblockClampsAtZero(t *testing.T) {
	f := newFixture(t, clock.StateOn)

	f.lpd.Unblock()
	stats := f.lpd.Stats()
	if stats.BlockCount != 0 {
		t.Errorf("BlockCount = %d, want 0", stats.BlockCount)
	}
	if stats.UnbalancedUnblock != 1 {
		t.Errorf("UnbalancedUnblock = %d, want 1", stats.UnbalancedUnblock)
	}
}

func TestPowerOnOff(t *testing.T) {
	f := newFixture(t, clock.StateOff)

	if err := f.lpd.PowerOn(context.Background()); err != nil {
		t.Fatalf("PowerOn() failed: %v", err)
	}
	if got := f.clock.State(); got != clock.StateOn {
		t.Fatalf("state = %v, want on", got)
	}

	f.lpd.TryEnter(context.Background())
	if err := f.lpd.PowerOff(context.Background()); err != nil {
		t.Fatalf("PowerOff() failed: %v", err)
	}
	if got := f.clock.State(); got != clock.StateOff {
		t.Errorf("state = %v, want off", got)
	}
	// From LPD the pipe is already down: only the entry disable ran.
	if _, disables := f.sim.Sequences(); disables != 1 {
		t.Errorf("disable sequence ran %d times, want 1", disables)
	}
}

func TestPowerOnFailureStaysOff(t *testing.T) {
	f := newFixture(t, clock.StateOff)
	f.sim.FailEnable(errors.New("no panel"))

	err := f.lpd.PowerOn(context.Background())
	var seqErr *SequenceError
	if !errors.As(err, &seqErr) {
		t.Fatalf("PowerOn() = %v, want *SequenceError", err)
	}
	if got := f.clock.State(); got != clock.StateOff {
		t.Errorf("state = %v, want off", got)
	}
}

type sequencerFunc struct {
	enable  func(context.Context) error
	disable func(context.Context) error
}

func (s sequencerFunc) Enable(ctx context.Context) error {
	if s.enable == nil {
		return nil
	}
	return s.enable(ctx)
}

func (s sequencerFunc) Disable(ctx context.Context) error {
	if s.disable == nil {
		return nil
	}
	return s.disable(ctx)
}
