// Package emitter publishes display events to an MQTT broker.
//
// Publish is called from the device's interrupt and transition paths, so it
// never touches the network: events go into a bounded buffer and a single
// goroutine (Run) drains it to the broker. When the buffer is full the event
// is dropped and counted.
package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/jonboulle/clockwork"

	"github.com/e7canasta/orion-care-sensor/modules/displaysync"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
	quiesceMS      = 250
)

// Config contains MQTT emitter settings
type Config struct {
	Broker      string // host:port
	ClientID    string
	TopicPrefix string
	QoS         byte
	Buffer      int // events held while the broker is slow (default: 256)
	Backoff     Backoff
	Logger      *slog.Logger
	Clock       clockwork.Clock
}

// client is the part of mqtt.Client the emitter uses
type client interface {
	Connect() mqtt.Token
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool
	Published uint64
	Dropped   uint64 // buffer full
	Errors    uint64 // marshal or publish failures
}

// MQTTEmitter publishes display events to MQTT broker
//
// Goroutine topology:
//   - 1 fixed: Run (connect with backoff, then drain the buffer)
//
// Thread-safety: Publish and Stats are safe for concurrent use.
type MQTTEmitter struct {
	cfg    Config
	client client
	log    *slog.Logger
	clk    clockwork.Clock
	events chan displaysync.Event

	connected atomic.Bool
	published atomic.Uint64
	dropped   atomic.Uint64
	errors    atomic.Uint64
}

// NewMQTTEmitter creates a new MQTT emitter
func NewMQTTEmitter(cfg Config) *MQTTEmitter {
	e := newEmitter(cfg, nil)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", cfg.Broker))
	opts.SetClientID(cfg.ClientID)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(e.cfg.Backoff.Max)

	// Connection handlers
	opts.SetOnConnectHandler(func(mqtt.Client) {
		e.connected.Store(true)
		e.log.Info("mqtt connection established",
			"broker", cfg.Broker,
			"client_id", cfg.ClientID,
			"auto_reconnect", "enabled")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		e.connected.Store(false)
		e.log.Warn("mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", cfg.Broker,
			"max_retry_interval", e.cfg.Backoff.Max)
	})

	e.client = mqtt.NewClient(opts)
	return e
}

func newEmitter(cfg Config, c client) *MQTTEmitter {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &MQTTEmitter{
		cfg:    cfg,
		client: c,
		log:    log.With("component", "emitter"),
		clk:    cfg.Clock,
		events: make(chan displaysync.Event, cfg.Buffer),
	}
}

// Publish implements displaysync.EventSink. It never blocks; when the buffer
// is full the event is dropped.
func (e *MQTTEmitter) Publish(ev displaysync.Event) {
	select {
	case e.events <- ev:
	default:
		if e.dropped.Add(1)%100 == 1 {
			e.log.Warn("emitter: event buffer full, dropping",
				"kind", ev.Kind,
				"dropped_total", e.dropped.Load())
		}
	}
}

// Run connects to the broker (retrying with backoff) and publishes buffered
// events until ctx is cancelled. Events buffered before the connection is up
// are delivered once it is.
func (e *MQTTEmitter) Run(ctx context.Context) error {
	e.log.Info("connecting to mqtt broker", "broker", e.cfg.Broker)

	err := connectWithBackoff(ctx, e.clk, e.log, e.connect, e.cfg.Backoff)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("emitter: connect: %w", err)
	}
	defer e.disconnect()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-e.events:
			if err := e.send(ev); err != nil {
				e.errors.Add(1)
				e.log.Debug("emitter: publish failed", "kind", ev.Kind, "error", err)
			}
		}
	}
}

func (e *MQTTEmitter) connect(context.Context) error {
	token := e.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	e.connected.Store(true)
	return nil
}

func (e *MQTTEmitter) disconnect() {
	if e.client.IsConnected() {
		e.client.Disconnect(quiesceMS)
		e.log.Info("mqtt disconnected")
	}
	e.connected.Store(false)
}

// send publishes one event and waits for the broker's acknowledgement
func (e *MQTTEmitter) send(ev displaysync.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	topic := Topic(e.cfg.TopicPrefix, ev)
	token := e.client.Publish(topic, e.cfg.QoS, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}

	e.published.Add(1)
	e.log.Debug("event published",
		"topic", topic,
		"qos", e.cfg.QoS,
		"size", len(payload),
	)
	return nil
}

// Stats returns emitter statistics
func (e *MQTTEmitter) Stats() Stats {
	return Stats{
		Connected: e.connected.Load(),
		Published: e.published.Load(),
		Dropped:   e.dropped.Load(),
		Errors:    e.errors.Load(),
	}
}

// Topic builds the topic of an event: {prefix}/{device}/{kind}
func Topic(prefix string, ev displaysync.Event) string {
	return fmt.Sprintf("%s/%s/%s", prefix, ev.Device, ev.Kind)
}

// Nop discards every event.
type Nop struct{}

// Publish implements displaysync.EventSink.
func (Nop) Publish(displaysync.Event) {}
