package regport

import (
	"context"
	"sync"
)

// WindowWrite records one WriteWindow call on a Sim.
type WindowWrite struct {
	Window int
	Regs   WindowRegs
	// Protected is true if the window was under shadow protect at write time.
	Protected bool
}

// Sim is an in-memory register block.
//
// Besides implementing Port it can raise status bits, inject power sequence
// failures and call hooks on trigger and write, which lets tests and the demo
// daemon play the role of the hardware.
//
// Thread-safety: all methods safe for concurrent use. Hooks are called
// without the internal lock held.
type Sim struct {
	mu sync.Mutex

	status  Status
	acks    map[Status]uint64
	protect [MaxWindows]int
	windows [MaxWindows]WindowRegs
	written [MaxWindows]bool
	writes  []WindowWrite

	underrun UnderrunRegs
	triggers uint64

	enables    uint64
	disables   uint64
	enableErr  error
	disableErr error
	powered    bool

	onTrigger func()
	onWrite   func(WindowWrite)
}

// NewSim returns a powered simulated block with nothing latched.
func NewSim() *Sim {
	return &Sim{
		acks:    make(map[Status]uint64),
		powered: true,
	}
}

// ReadStatus implements Port.
func (s *Sim) ReadStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// AckStatus implements Port.
func (s *Sim) AckStatus(bits Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range []Status{StatusFrame, StatusFIFO, StatusFrameDone} {
		if bits&b != 0 {
			s.acks[b]++
		}
	}
	s.status &^= bits
}

// SetShadowProtect implements Port. Protect calls nest per window.
func (s *Sim) SetShadowProtect(window int, enabled bool) {
	if window < 0 || window >= MaxWindows {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if enabled {
		s.protect[window]++
	} else if s.protect[window] > 0 {
		s.protect[window]--
	}
}

// TriggerUpdate implements Port.
func (s *Sim) TriggerUpdate() {
	s.mu.Lock()
	s.triggers++
	hook := s.onTrigger
	s.mu.Unlock()

	if hook != nil {
		hook()
	}
}

// WriteWindow implements Port.
func (s *Sim) WriteWindow(window int, regs WindowRegs) {
	if window < 0 || window >= MaxWindows {
		return
	}
	s.mu.Lock()
	w := WindowWrite{Window: window, Regs: regs, Protected: s.protect[window] > 0}
	s.windows[window] = regs
	s.written[window] = true
	s.writes = append(s.writes, w)
	if regs.Control&WinEnable != 0 {
		s.underrun.WindowEnable |= 1 << uint(window)
	} else {
		s.underrun.WindowEnable &^= 1 << uint(window)
	}
	hook := s.onWrite
	s.mu.Unlock()

	if hook != nil {
		hook(w)
	}
}

// ReadUnderrun implements Port.
func (s *Sim) ReadUnderrun() UnderrunRegs {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.underrun
}

// Enable runs the simulated power-up sequence.
func (s *Sim) Enable(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enables++
	if s.enableErr != nil {
		return s.enableErr
	}
	s.powered = true
	return nil
}

// Disable runs the simulated power-down sequence.
func (s *Sim) Disable(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disables++
	if s.disableErr != nil {
		return s.disableErr
	}
	s.powered = false
	return nil
}

// Raise latches status bits as the hardware would.
func (s *Sim) Raise(bits Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status |= bits
}

// SetUnderrun sets the FIFO diagnostics returned by ReadUnderrun.
func (s *Sim) SetUnderrun(regs UnderrunRegs) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.underrun = regs
}

// FailEnable makes subsequent Enable calls return err (nil clears).
func (s *Sim) FailEnable(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enableErr = err
}

// FailDisable makes subsequent Disable calls return err (nil clears).
func (s *Sim) FailDisable(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disableErr = err
}

// OnTrigger installs a hook called after every TriggerUpdate.
func (s *Sim) OnTrigger(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTrigger = fn
}

// OnWrite installs a hook called after every WriteWindow.
func (s *Sim) OnWrite(fn func(WindowWrite)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onWrite = fn
}

// Window returns the last registers written to a window.
func (s *Sim) Window(window int) (WindowRegs, bool) {
	if window < 0 || window >= MaxWindows {
		return WindowRegs{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.windows[window], s.written[window]
}

// Writes returns a copy of every WriteWindow call so far.
func (s *Sim) Writes() []WindowWrite {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]WindowWrite, len(s.writes))
	copy(out, s.writes)
	return out
}

// Protected reports whether a window is currently under shadow protect.
func (s *Sim) Protected(window int) bool {
	if window < 0 || window >= MaxWindows {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protect[window] > 0
}

// Acks returns how many times a single status bit was acknowledged.
func (s *Sim) Acks(bit Status) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acks[bit]
}

// Triggers returns the number of TriggerUpdate calls.
func (s *Sim) Triggers() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.triggers
}

// Sequences returns the number of Enable and Disable calls.
func (s *Sim) Sequences() (enables, disables uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enables, s.disables
}

// Powered reports whether the last successful sequence powered the block up.
func (s *Sim) Powered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.powered
}
