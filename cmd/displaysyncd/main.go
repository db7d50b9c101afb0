package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
	"periph.io/x/host/v3"

	"github.com/e7canasta/orion-care-sensor/modules/displaysync"
	"github.com/e7canasta/orion-care-sensor/modules/displaysync/internal/config"
	"github.com/e7canasta/orion-care-sensor/modules/displaysync/internal/emitter"
	"github.com/e7canasta/orion-care-sensor/modules/displaysync/internal/health"
	"github.com/e7canasta/orion-care-sensor/modules/displaysync/internal/lpd"
	"github.com/e7canasta/orion-care-sensor/modules/displaysync/internal/tesource"
	"github.com/e7canasta/orion-care-sensor/modules/displaysync/regport"
)

// Version information
const version = "v0.1.0"

const defaultConfigPath = "config/displaysync.yaml"

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	measure := flag.Duration("measure", 0, "Measure vsync cadence for this long after start (0 = off)")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("displaysyncd %s\n", version)
		os.Exit(0)
	}

	setupLogger(*debug)

	slog.Info("starting displaysync service",
		"version", version,
		"config", *configPath,
		"debug", *debug,
	)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *measure); err != nil {
		slog.Error("service error", "error", err)
		os.Exit(1)
	}
	slog.Info("displaysync service stopped successfully")
}

// setupLogger installs a text handler on terminals and JSON otherwise
func setupLogger(debug bool) {
	logLevel := slog.LevelInfo
	if debug {
		logLevel = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: logLevel}

	var handler slog.Handler
	if term.IsTerminal(int(os.Stdout.Fd())) {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// port is a register block with its power sequencer and interrupt source
type port struct {
	regs regport.Port
	seq  lpd.Sequencer
	// irq delivers hardware interrupts until ctx is done; nil for the
	// simulator, which is driven by demoHardware instead.
	irq   func(ctx context.Context, handler func()) error
	sim   *regport.Sim
	close func() error
}

func newSimPort() *port {
	sim := regport.NewSim()
	return &port{
		regs:  sim,
		seq:   sim,
		sim:   sim,
		close: func() error { return nil },
	}
}

func run(ctx context.Context, cfg *config.Config, measure time.Duration) error {
	p, err := openPort(cfg.Port)
	if err != nil {
		return err
	}
	defer p.close()

	// Event sink: MQTT when a broker is configured
	var (
		sink          displaysync.EventSink = emitter.Nop{}
		mqttEmitter   *emitter.MQTTEmitter
		mqttConnected func() bool
	)
	if cfg.MQTT.Broker != "" {
		mqttEmitter = emitter.NewMQTTEmitter(emitter.Config{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         cfg.MQTT.QoS,
			Buffer:      cfg.MQTT.Buffer,
		})
		sink = mqttEmitter
		mqttConnected = func() bool { return mqttEmitter.Stats().Connected }
	}

	dev, err := displaysync.New(p.regs, p.seq, cfg.Device(),
		displaysync.WithLogger(slog.Default()),
		displaysync.WithEventSink(sink),
	)
	if err != nil {
		return fmt.Errorf("failed to create device: %w", err)
	}
	dev.SetBandwidth(cfg.Display.Bandwidth)

	hz, err := displaysync.RefreshRate(cfg.Geometry(), cfg.Timing(), dev.PanelMode())
	if err != nil {
		return fmt.Errorf("failed to derive refresh rate: %w", err)
	}
	if hz == 0 {
		return fmt.Errorf("pixel clock %d ps gives a refresh rate below 1 Hz", cfg.Display.Timing.PixClock)
	}
	slog.Info("panel configured",
		"panel_mode", dev.PanelMode(),
		"resolution", fmt.Sprintf("%dx%d", cfg.Display.Geometry.XRes, cfg.Display.Geometry.YRes),
		"refresh_hz", hz,
	)

	g, gctx := errgroup.WithContext(ctx)

	if err := dev.Start(gctx); err != nil {
		var de *displaysync.DisplayError
		if !errors.As(err, &de) || !de.Recoverable() {
			dev.Stop()
			return fmt.Errorf("failed to start device: %w", err)
		}
		slog.Warn("device started with a failed power sequence", "error", err)
	}
	defer dev.Stop()

	if mqttEmitter != nil {
		g.Go(func() error { return mqttEmitter.Run(gctx) })
	}

	if cfg.HTTP.Addr != "" {
		srv := health.New(dev, mqttConnected, slog.Default())
		g.Go(func() error { return srv.Run(gctx, cfg.HTTP.Addr) })
	}

	// Tearing-effect input from GPIO
	teFromGPIO := cfg.TearingEffect.GPIO != ""
	if teFromGPIO {
		te, err := openTE(cfg.TearingEffect, dev)
		if err != nil {
			return err
		}
		g.Go(func() error { return te.Run(gctx) })
	}

	// Hardware interrupts, or the simulated hardware
	if p.irq != nil {
		g.Go(func() error {
			return p.irq(gctx, func() { dev.HandleInterrupt() })
		})
	} else {
		demo := newDemoHardware(dev, p.sim,
			time.Second/time.Duration(hz),
			!teFromGPIO && dev.PanelMode() == displaysync.PanelCommand,
			cfg.Geometry(),
		)
		g.Go(func() error { return demo.run(gctx) })
		g.Go(func() error { return demo.compose(gctx) })
	}

	if cfg.Display.LPDEnabled {
		dev.EnableLPD()
	}

	if measure > 0 {
		g.Go(func() error {
			dev.SetVsyncEvents(true)
			s, err := dev.MeasureCadence(gctx, measure)
			if err != nil {
				slog.Warn("cadence measurement failed", "error", err)
				return nil
			}
			slog.Info("vsync cadence",
				"samples", s.Samples,
				"hz_mean", fmt.Sprintf("%.2f", s.HzMean),
				"hz_stddev", fmt.Sprintf("%.2f", s.HzStdDev),
				"jitter_mean", s.JitterMean,
				"jitter_max", s.JitterMax,
				"stable", s.IsStable,
			)
			return nil
		})
	}

	err = g.Wait()
	slog.Info("shutting down gracefully", "timeout", cfg.ShutdownTimeout())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()
	if perr := dev.PowerOff(shutdownCtx); perr != nil {
		slog.Warn("power off failed", "error", perr)
	}
	return err
}

func openTE(cfg config.TEConfig, dev *displaysync.Device) (*tesource.Source, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph host: %w", err)
	}
	pin, err := tesource.Open(cfg.GPIO)
	if err != nil {
		return nil, err
	}
	edge, err := tesource.ParseEdge(cfg.Edge)
	if err != nil {
		return nil, err
	}
	return tesource.New(pin, edge, dev.HandleTearingEffect, slog.Default()), nil
}
