package emitter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

// Backoff paces broker connection attempts.
type Backoff struct {
	Initial  time.Duration // delay after the first failure (default: 1s)
	Max      time.Duration // delay cap (default: 30s)
	Attempts int           // failures tolerated before giving up (0 = never give up)
}

// DefaultBackoff never gives up; the daemon keeps working without a broker.
func DefaultBackoff() Backoff {
	return Backoff{Initial: time.Second, Max: 30 * time.Second}
}

// Delay returns the wait after the n-th consecutive failure (n >= 1):
// Initial doubled n-1 times, capped at Max.
//
//	n=1 → 1s, n=2 → 2s, n=3 → 4s, ..., n>=6 → 30s (defaults)
func (b Backoff) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	// 2^20 seconds is far beyond any sensible cap.
	if n > 21 {
		return b.Max
	}
	d := b.Initial << uint(n-1)
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// connectWithBackoff calls dial until it succeeds, ctx is done, or the
// backoff gives up. Waits go through clk.
func connectWithBackoff(ctx context.Context, clk clockwork.Clock, log *slog.Logger, dial func(context.Context) error, b Backoff) error {
	for failures := 0; ; {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := dial(ctx)
		if err == nil {
			if failures > 0 {
				log.Info("emitter: broker reachable again", "failed_attempts", failures)
			}
			return nil
		}

		failures++
		if b.Attempts > 0 && failures > b.Attempts {
			return fmt.Errorf("emitter: giving up after %d failed attempts: %w", failures, err)
		}

		wait := b.Delay(failures)
		log.Warn("emitter: broker unreachable",
			"error", err,
			"failures", failures,
			"retry_in", wait,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clk.After(wait):
		}
	}
}
