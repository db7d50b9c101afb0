// Package cadence measures the vsync cadence of a display: mean refresh
// rate, spread and jitter over a measurement window.
package cadence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"
)

const (
	// rateStabilityThreshold is the maximum refresh-rate standard deviation
	// as a fraction of the mean.
	// Example: 60 Hz mean → stable if stddev < 9 Hz
	rateStabilityThreshold = 0.15

	// jitterStabilityThreshold is the maximum mean jitter as a fraction of
	// the expected vsync interval.
	// Example: 60 Hz (16.7ms interval) → stable if jitter < 3.3ms
	jitterStabilityThreshold = 0.20
)

// ErrTooFewSamples is returned by Measure when fewer than two vsyncs were
// observed in the window.
var ErrTooFewSamples = errors.New("cadence: fewer than two vsync samples")

// Stats describes the vsync cadence over a window.
type Stats struct {
	Samples  int           // vsync timestamps observed
	Duration time.Duration // first to last sample
	HzMean   float64       // mean refresh rate
	HzStdDev float64       // standard deviation of instantaneous rate
	HzMin    float64       // minimum instantaneous rate
	HzMax    float64       // maximum instantaneous rate
	IsStable bool          // stddev < 15% of mean AND jitter < 20% of interval

	JitterMean   time.Duration
	JitterStdDev time.Duration
	JitterMax    time.Duration
}

// Calculate computes cadence statistics from monotonic vsync timestamps in
// nanoseconds.
//
// This function:
//  1. Calculates the mean rate from the first-to-last span
//  2. Calculates the instantaneous rate of each interval
//  3. Finds min/max and the standard deviation of the instantaneous rate
//  4. Calculates jitter against the expected interval
//  5. Determines stability
func Calculate(timestamps []int64) Stats {
	n := len(timestamps)
	if n < 2 {
		return Stats{Samples: n}
	}

	span := time.Duration(timestamps[n-1] - timestamps[0])
	if span <= 0 {
		return Stats{Samples: n}
	}
	hzMean := float64(n-1) / span.Seconds()

	rates := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		interval := time.Duration(timestamps[i] - timestamps[i-1]).Seconds()
		if interval > 0 {
			rates = append(rates, 1.0/interval)
		}
	}
	if len(rates) == 0 {
		return Stats{Samples: n, Duration: span, HzMean: hzMean}
	}

	hzMin, hzMax := rates[0], rates[0]
	var sumSquares float64
	for _, r := range rates {
		hzMin = math.Min(hzMin, r)
		hzMax = math.Max(hzMax, r)
		diff := r - hzMean
		sumSquares += diff * diff
	}
	hzStdDev := math.Sqrt(sumSquares / float64(len(rates)))

	expected := 1.0 / hzMean
	jitters := make([]float64, 0, n-1)
	var jitterSum, jitterMax float64
	for i := 1; i < n; i++ {
		actual := time.Duration(timestamps[i] - timestamps[i-1]).Seconds()
		j := math.Abs(actual - expected)
		jitters = append(jitters, j)
		jitterSum += j
		jitterMax = math.Max(jitterMax, j)
	}
	jitterMean := jitterSum / float64(len(jitters))

	var jitterSumSquares float64
	for _, j := range jitters {
		diff := j - jitterMean
		jitterSumSquares += diff * diff
	}
	jitterStdDev := math.Sqrt(jitterSumSquares / float64(len(jitters)))

	stable := hzStdDev < hzMean*rateStabilityThreshold &&
		jitterMean < expected*jitterStabilityThreshold

	return Stats{
		Samples:      n,
		Duration:     span,
		HzMean:       hzMean,
		HzStdDev:     hzStdDev,
		HzMin:        hzMin,
		HzMax:        hzMax,
		IsStable:     stable,
		JitterMean:   seconds(jitterMean),
		JitterStdDev: seconds(jitterStdDev),
		JitterMax:    seconds(jitterMax),
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Source delivers vsync timestamps. It is satisfied by the frame clock.
type Source interface {
	// WaitVsync blocks until the next vsync with a new timestamp.
	WaitVsync(ctx context.Context, timeout time.Duration) (int64, error)
}

// Measure collects vsync timestamps from src for d and returns their cadence.
//
// Returns ErrTooFewSamples if the display produced fewer than two vsyncs in
// the window, or ctx's error if the parent context was cancelled first.
func Measure(ctx context.Context, src Source, d time.Duration) (Stats, error) {
	slog.Debug("cadence: measuring vsync cadence", "duration", d)

	window, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	timestamps := make([]int64, 0, 128)
	for {
		ts, err := src.WaitVsync(window, 0)
		if err != nil {
			if ctx.Err() != nil {
				return Stats{}, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				break
			}
			return Stats{}, fmt.Errorf("cadence: wait vsync: %w", err)
		}
		timestamps = append(timestamps, ts)
	}

	stats := Calculate(timestamps)
	if stats.Samples < 2 {
		return stats, fmt.Errorf("%w (got %d)", ErrTooFewSamples, stats.Samples)
	}

	slog.Debug("cadence: measurement complete",
		"samples", stats.Samples,
		"hz_mean", fmt.Sprintf("%.2f", stats.HzMean),
		"hz_stddev", fmt.Sprintf("%.2f", stats.HzStdDev),
		"jitter_mean", stats.JitterMean,
		"stable", stats.IsStable,
	)
	return stats, nil
}
