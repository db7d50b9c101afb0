package displaysync

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/e7canasta/orion-care-sensor/modules/displaysync/internal/clock"
	"github.com/e7canasta/orion-care-sensor/modules/displaysync/internal/geometry"
	"github.com/e7canasta/orion-care-sensor/modules/displaysync/internal/lpd"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, KindUnknown},
		{"display error", &DisplayError{Kind: KindDisplayOff, Op: "apply"}, KindDisplayOff},
		{"wrapped display error", fmt.Errorf("update: %w", &DisplayError{Kind: KindVsyncTimeout}), KindVsyncTimeout},
		{"sequence error", &lpd.SequenceError{Op: "enable", Err: errors.New("timeout")}, KindHardwareSequenceFailure},
		{"clock timeout", fmt.Errorf("wait: %w", clock.ErrTimeout), KindVsyncTimeout},
		{"geometry", fmt.Errorf("%w: bpp 7", geometry.ErrInvalidGeometry), KindInvalidGeometry},
		{"context", context.Canceled, KindUnknown},
		{"other", errors.New("boom"), KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDisplayErrorIs(t *testing.T) {
	cause := errors.New("underlying")
	err := error(&DisplayError{Kind: KindVsyncTimeout, Op: "apply", Err: cause})

	if !errors.Is(err, ErrVsyncTimeout) {
		t.Error("errors.Is(err, ErrVsyncTimeout) = false")
	}
	if errors.Is(err, ErrDisplayOff) {
		t.Error("errors.Is(err, ErrDisplayOff) = true")
	}
	if !errors.Is(err, cause) {
		t.Error("cause not reachable through Unwrap")
	}

	want := "displaysync: apply: vsync_timeout: underlying"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestDisplayErrorRecoverable(t *testing.T) {
	tests := []struct {
		kind ErrorKind
		want bool
	}{
		{KindHardwareSequenceFailure, true},
		{KindVsyncTimeout, true},
		{KindInvalidGeometry, false},
		{KindDisplayOff, false},
		{KindUnknown, false},
	}
	for _, tt := range tests {
		e := &DisplayError{Kind: tt.kind}
		if got := e.Recoverable(); got != tt.want {
			t.Errorf("%v: Recoverable() = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestIsContextError(t *testing.T) {
	if !IsContextError(fmt.Errorf("flush: %w", context.DeadlineExceeded)) {
		t.Error("IsContextError(deadline) = false")
	}
	if IsContextError(ErrDisplayOff) {
		t.Error("IsContextError(ErrDisplayOff) = true")
	}
}
