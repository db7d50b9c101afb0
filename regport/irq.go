//go:build linux

package regport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"
)

// irqPollMS bounds how long Wait sleeps in poll(2) before re-checking ctx.
const irqPollMS = 100

// IRQ is a UIO interrupt line.
//
// Protocol (UIO): writing a native-endian uint32 1 re-enables the line,
// reading 4 bytes blocks until the next interrupt and returns the total
// interrupt count.
type IRQ struct {
	fd    int
	count uint32
}

// OpenIRQ opens the interrupt line of a UIO device node.
func OpenIRQ(path string) (*IRQ, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("regport: open irq %s: %w", path, err)
	}
	return &IRQ{fd: fd}, nil
}

// Close releases the line.
func (q *IRQ) Close() error {
	return unix.Close(q.fd)
}

// Count returns the interrupt count reported by the last Wait.
func (q *IRQ) Count() uint32 {
	return q.count
}

func (q *IRQ) enable() error {
	var buf [4]byte
	binary.NativeEndian.PutUint32(buf[:], 1)
	_, err := unix.Write(q.fd, buf[:])
	return err
}

// Wait re-enables the line and blocks until an interrupt arrives or ctx is
// cancelled. It returns the number of interrupts missed since the previous
// Wait (0 when none were missed).
func (q *IRQ) Wait(ctx context.Context) (missed uint32, err error) {
	if err := q.enable(); err != nil {
		return 0, fmt.Errorf("regport: irq enable: %w", err)
	}

	fds := []unix.PollFd{{Fd: int32(q.fd), Events: unix.POLLIN}}
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		n, err := unix.Poll(fds, irqPollMS)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("regport: irq poll: %w", err)
		}
		if n == 0 {
			continue
		}

		var buf [4]byte
		if _, err := unix.Read(q.fd, buf[:]); err != nil {
			return 0, fmt.Errorf("regport: irq read: %w", err)
		}
		count := binary.NativeEndian.Uint32(buf[:])
		if q.count != 0 && count > q.count+1 {
			missed = count - q.count - 1
		}
		q.count = count
		return missed, nil
	}
}

// Run calls handler once per interrupt until ctx is cancelled.
//
// Returns nil on cancellation, or the first line error.
func (q *IRQ) Run(ctx context.Context, handler func()) error {
	for {
		missed, err := q.Wait(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if missed > 0 {
			slog.Warn("regport: interrupts missed", "missed", missed, "count", q.count)
		}
		handler()
	}
}
