package tesource

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestRunCallsHandlerPerEdge(t *testing.T) {
	p := &gpiotest.Pin{N: "TE", Num: 17, EdgesChan: make(chan gpio.Level, 8)}

	var calls atomic.Uint64
	got := make(chan struct{}, 8)
	s := New(p, gpio.RisingEdge, func() {
		calls.Add(1)
		got <- struct{}{}
	}, quiet)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// Configuring the pin flushes edges sent earlier.
	select {
	case <-s.Ready():
	case <-time.After(time.Second):
		t.Fatal("pin never configured")
	}

	for i := 0; i < 3; i++ {
		p.EdgesChan <- gpio.High
		select {
		case <-got:
		case <-time.After(time.Second):
			t.Fatalf("edge %d not handled", i)
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after cancel")
	}

	if calls.Load() != 3 || s.Edges() != 3 {
		t.Errorf("calls=%d Edges=%d, want 3 and 3", calls.Load(), s.Edges())
	}
}

func TestRunRejectsUnconfigurablePin(t *testing.T) {
	// gpiotest refuses edge detection without an edge channel.
	p := &gpiotest.Pin{N: "TE", Num: 17}
	s := New(p, gpio.RisingEdge, func() {}, quiet)

	if err := s.Run(context.Background()); err == nil {
		t.Fatal("Run() succeeded on a pin without edge support")
	}
}

func TestParseEdge(t *testing.T) {
	tests := []struct {
		in      string
		want    gpio.Edge
		wantErr bool
	}{
		{"rising", gpio.RisingEdge, false},
		{"falling", gpio.FallingEdge, false},
		{"both", gpio.NoEdge, true},
	}
	for _, tt := range tests {
		got, err := ParseEdge(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseEdge(%q) = %v, %v", tt.in, got, err)
		}
	}
}

func TestOpenUnknownPin(t *testing.T) {
	if _, err := Open("NO_SUCH_PIN_42"); err == nil {
		t.Error("Open() of an unknown pin succeeded")
	}
}
