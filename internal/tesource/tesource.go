// Package tesource drives a display device's tearing-effect handler from a
// GPIO edge.
//
// Command-mode panels signal the start of their internal refresh on a TE
// line. The edge is the vsync of such panels; it also samples the LPD idle
// heuristic and, in software-trigger mode, starts the next transfer.
package tesource

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
)

// pollInterval bounds each WaitForEdge call so cancellation is noticed.
const pollInterval = 100 * time.Millisecond

// Source feeds TE edges from one input pin to a handler.
type Source struct {
	pin     gpio.PinIn
	edge    gpio.Edge
	handler func()
	log     *slog.Logger

	ready     chan struct{}
	readyOnce sync.Once
	edges     atomic.Uint64
}

// New returns a source calling handler on every edge of p.
func New(p gpio.PinIn, edge gpio.Edge, handler func(), log *slog.Logger) *Source {
	if log == nil {
		log = slog.Default()
	}
	return &Source{
		pin:     p,
		edge:    edge,
		handler: handler,
		log:     log.With("component", "tesource", "pin", p.Name()),
		ready:   make(chan struct{}),
	}
}

// Open looks up a GPIO pin by name. host.Init must have run.
func Open(name string) (gpio.PinIn, error) {
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("tesource: gpio %q not found", name)
	}
	return p, nil
}

// ParseEdge parses "rising" or "falling".
func ParseEdge(s string) (gpio.Edge, error) {
	switch s {
	case "rising":
		return gpio.RisingEdge, nil
	case "falling":
		return gpio.FallingEdge, nil
	default:
		return gpio.NoEdge, fmt.Errorf("tesource: unknown edge %q", s)
	}
}

// Run configures the pin for edge detection and calls the handler once per
// edge until ctx is cancelled.
//
// Returns nil on cancellation, or the pin setup error.
func (s *Source) Run(ctx context.Context) error {
	if err := s.pin.In(gpio.PullNoChange, s.edge); err != nil {
		return fmt.Errorf("tesource: configure %s: %w", s.pin.Name(), err)
	}
	s.readyOnce.Do(func() { close(s.ready) })
	defer func() {
		if err := s.pin.Halt(); err != nil {
			s.log.Debug("tesource: halt failed", "error", err)
		}
	}()

	s.log.Info("tesource: waiting for tearing-effect edges", "edge", s.edge)
	for {
		if ctx.Err() != nil {
			return nil
		}
		if !s.pin.WaitForEdge(pollInterval) {
			continue
		}
		s.edges.Add(1)
		s.handler()
	}
}

// Ready is closed once the pin is configured and edges are being watched.
func (s *Source) Ready() <-chan struct{} {
	return s.ready
}

// Edges returns the number of edges handled.
func (s *Source) Edges() uint64 {
	return s.edges.Load()
}
