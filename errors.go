package displaysync

import (
	"context"
	"errors"
	"fmt"

	"github.com/e7canasta/orion-care-sensor/modules/displaysync/internal/clock"
	"github.com/e7canasta/orion-care-sensor/modules/displaysync/internal/geometry"
	"github.com/e7canasta/orion-care-sensor/modules/displaysync/internal/lpd"
)

// Sentinel errors, matched with errors.Is against any *DisplayError.
var (
	// ErrHardwareSequence: an enable or disable power sequence failed. The
	// state machine has still reached a terminal state.
	ErrHardwareSequence = errors.New("hardware sequence failure")
	// ErrVsyncTimeout: a display update did not see a vsync within the
	// configured bound. The update is best-effort applied.
	ErrVsyncTimeout = errors.New("vsync timeout")
	// ErrInvalidGeometry: bits-per-pixel or dimensions unsupported. Nothing
	// was written to the hardware.
	ErrInvalidGeometry = geometry.ErrInvalidGeometry
	// ErrDisplayOff: the display is powered off.
	ErrDisplayOff = errors.New("display off")
)

// ErrorKind classifies display errors for logs and telemetry.
type ErrorKind int

const (
	// KindHardwareSequenceFailure indicates a failed power sequence
	KindHardwareSequenceFailure ErrorKind = iota
	// KindVsyncTimeout indicates a display update that saw no vsync in time
	KindVsyncTimeout
	// KindInvalidGeometry indicates a rejected update geometry
	KindInvalidGeometry
	// KindDisplayOff indicates an operation on a powered-off display
	KindDisplayOff
	// KindUnknown indicates unclassified errors (context cancellation, I/O)
	KindUnknown
)

// String returns the kind name used in logs and event payloads
func (k ErrorKind) String() string {
	switch k {
	case KindHardwareSequenceFailure:
		return "hardware_sequence_failure"
	case KindVsyncTimeout:
		return "vsync_timeout"
	case KindInvalidGeometry:
		return "invalid_geometry"
	case KindDisplayOff:
		return "display_off"
	default:
		return "unknown"
	}
}

func (k ErrorKind) sentinel() error {
	switch k {
	case KindHardwareSequenceFailure:
		return ErrHardwareSequence
	case KindVsyncTimeout:
		return ErrVsyncTimeout
	case KindInvalidGeometry:
		return ErrInvalidGeometry
	case KindDisplayOff:
		return ErrDisplayOff
	default:
		return nil
	}
}

// DisplayError is the typed error returned by Device operations.
type DisplayError struct {
	Kind ErrorKind
	Op   string // operation that failed, e.g. "apply", "start"
	Err  error  // underlying cause, may be nil
}

func (e *DisplayError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("displaysync: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("displaysync: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *DisplayError) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel of e's kind.
func (e *DisplayError) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// Recoverable reports whether the caller may proceed as if the operation
// took effect (the state machine reached a consistent terminal state).
func (e *DisplayError) Recoverable() bool {
	return e.Kind == KindVsyncTimeout || e.Kind == KindHardwareSequenceFailure
}

// Classify maps any error returned by this package, or by the components it
// wraps, to an ErrorKind.
//
// Priority:
//  1. *DisplayError carries its own kind
//  2. power sequence failures
//  3. vsync wait timeouts
//  4. geometry validation failures
//  5. everything else (context cancellation included) is unknown
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}

	var de *DisplayError
	if errors.As(err, &de) {
		return de.Kind
	}

	var seqErr *lpd.SequenceError
	if errors.As(err, &seqErr) {
		return KindHardwareSequenceFailure
	}
	if errors.Is(err, clock.ErrTimeout) {
		return KindVsyncTimeout
	}
	if errors.Is(err, geometry.ErrInvalidGeometry) {
		return KindInvalidGeometry
	}
	return KindUnknown
}

// IsContextError reports whether err stems from context cancellation or
// deadline.
func IsContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
