// Package displaysync coordinates frame timing and power state for one
// display pipeline.
//
// # Philosophy
//
// "The interrupt path never sleeps. Everything that sleeps happens elsewhere."
//
// A display controller raises a handful of hardware events (frame start,
// FIFO underrun, transfer done, and on command-mode panels the tearing-effect
// edge). Device turns them into a monotonic vsync timestamp, bounded waits for
// the update path, rate-limited underrun diagnostics and a low-power display
// (LPD) state machine that powers the pipe down while nothing is on screen.
//
// # Design Principles
//
//  1. O(1) interrupt work: HandleInterrupt and HandleTearingEffect take one
//     lock, touch counters and wake waiters, and return
//  2. Gated hardware: while Off or in LPD, interrupts are acknowledged blindly
//     and no register beyond the status word is read
//  3. Deferred entry, forced exit: idle TE samples schedule LPD entry on a
//     work queue; an update forces exit synchronously after flushing it
//  4. Bounded waits: the vsync wait of an update times out and the update is
//     still considered applied
//  5. Latest-only notification: vsync subscribers see the newest event and a
//     drop count, never a backlog
//
// # Architecture
//
//	hardware IRQ ──► dispatch.Handle ──► clock (counters, wait points)
//	                                 └─► underrun filter ──► log / events
//	TE edge ──────► dispatch.HandleTearingEffect ──► lpd.Tick ──► workqueue
//	                                                              │
//	ApplyPendingFrame ──► lpd.ForceExit (flush) ◄────────────────┘
//	                  └─► shadow protect ► write window ► trigger ► wait vsync
//
// # Basic Usage
//
//	port := regport.NewSim()
//	dev, err := displaysync.New(port, port, displaysync.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	if err := dev.Start(ctx); err != nil {
//	    return err
//	}
//	defer dev.Stop()
//
//	// Interrupt source (UIO, simulator, ...)
//	go irq.Run(ctx, func() { dev.HandleInterrupt() })
//
//	// Display update
//	err = dev.ApplyPendingFrame(ctx, bufferAddr, displaysync.Geometry{
//	    XRes: 720, YRes: 1280, BitsPerPixel: 32,
//	})
//	if errors.Is(err, displaysync.ErrVsyncTimeout) {
//	    // applied, but no vsync observed in time
//	}
//
// # Monitoring
//
//	stats := dev.Stats()
//	if stats.Underrun.Summaries > 0 {
//	    slog.Warn("display bandwidth too low", "bandwidth", stats.Underrun.Bandwidth)
//	}
//
// Events (vsync, underrun summaries, LPD transitions, sequence failures) are
// delivered to an EventSink installed with WithEventSink.
package displaysync
