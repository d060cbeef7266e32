package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/config"
	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/notify"
)

// ErrNotConnected is returned by Publish while the broker is unreachable.
var ErrNotConnected = errors.New("emitter: mqtt not connected")

// publisher is the slice of mqtt.Client the emitter publishes through.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTEmitter publishes frame-control events to an MQTT broker
type MQTTEmitter struct {
	cfg    *config.Config
	Client mqtt.Client

	pub publisher

	mu        sync.RWMutex
	published map[string]uint64 // count per topic
	errors    uint64
	connected bool
}

// NewMQTTEmitter creates a new MQTT emitter
func NewMQTTEmitter(cfg *config.Config) *MQTTEmitter {
	return &MQTTEmitter{
		cfg:       cfg,
		published: make(map[string]uint64),
	}
}

// Connect establishes connection to the MQTT broker
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(e.cfg.MQTT.Broker)
	opts.SetClientID(e.cfg.MQTT.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		slog.Info("emitter: mqtt connection established",
			"broker", e.cfg.MQTT.Broker,
			"client_id", e.cfg.MQTT.ClientID,
		)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		slog.Warn("emitter: mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", e.cfg.MQTT.Broker,
		)
	}

	e.Client = mqtt.NewClient(opts)
	e.pub = e.Client

	slog.Info("emitter: connecting to mqtt broker", "broker", e.cfg.MQTT.Broker)

	token := e.Client.Connect()
	select {
	case <-token.Done():
	case <-time.After(5 * time.Second):
		return fmt.Errorf("emitter: mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("emitter: mqtt connection failed: %w", err)
	}

	e.setConnected(true)
	return nil
}

// Run publishes events until ctx ends or events is closed. Publish
// failures are counted and logged; they never stop the loop.
func (e *MQTTEmitter) Run(ctx context.Context, events <-chan notify.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := e.Publish(ev); err != nil {
				slog.Debug("emitter: publish failed", "kind", ev.Kind, "seq", ev.Seq, "error", err)
			}
		}
	}
}

// Publish sends one event to <topics.events>/<kind>
func (e *MQTTEmitter) Publish(ev notify.Event) error {
	if !e.isConnected() {
		e.countError()
		return ErrNotConnected
	}

	topic := Topic(e.cfg.MQTT.Topics.Events, ev)
	payload, err := Payload(e.cfg.InstanceID, ev)
	if err != nil {
		e.countError()
		return fmt.Errorf("emitter: marshal event: %w", err)
	}

	token := e.pub.Publish(topic, e.cfg.MQTT.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		e.countError()
		return fmt.Errorf("emitter: publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("emitter: publish failed: %w", err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()
	return nil
}

// PublishHealth publishes a health message
func (e *MQTTEmitter) PublishHealth(payload []byte) error {
	if !e.isConnected() {
		return ErrNotConnected
	}

	token := e.pub.Publish(e.cfg.MQTT.Topics.Health, 0, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		return fmt.Errorf("emitter: publish timeout")
	}
	return token.Error()
}

// Disconnect closes the MQTT connection
func (e *MQTTEmitter) Disconnect() {
	if e.Client != nil && e.Client.IsConnected() {
		e.Client.Disconnect(250)
		slog.Info("emitter: mqtt disconnected")
	}
	e.setConnected(false)
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

// Stats returns emitter statistics
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return Stats{
		Connected: e.connected,
		Published: published,
		Errors:    e.errors,
	}
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}

// eventJSON is the wire form of notify.Event.
type eventJSON struct {
	InstanceID string    `json:"instance_id"`
	Kind       string    `json:"kind"`
	Ctx        int       `json:"ctx"`
	Pipe       int       `json:"pipe"`
	Seq        uint32    `json:"seq"`
	RequestID  string    `json:"request_id,omitempty"`
	Status     string    `json:"status,omitempty"`
	Buffers    []uint64  `json:"buffers,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Topic builds <prefix>/<kind>
func Topic(prefix string, ev notify.Event) string {
	return fmt.Sprintf("%s/%s", prefix, ev.Kind)
}

// Payload renders ev as JSON
func Payload(instanceID string, ev notify.Event) ([]byte, error) {
	out := eventJSON{
		InstanceID: instanceID,
		Kind:       ev.Kind.String(),
		Ctx:        ev.Ctx,
		Pipe:       ev.Pipe,
		Seq:        ev.Seq,
		Buffers:    ev.Buffers,
		Timestamp:  ev.Timestamp,
	}
	switch ev.Kind {
	case notify.BufferDone, notify.RequestDone:
		out.RequestID = ev.RequestID.String()
		out.Status = ev.Status.String()
	}
	return json.Marshal(out)
}
