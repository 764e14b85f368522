// Package telemetry publishes session lifecycle events to an MQTT broker
// for operational dashboards. Frame payloads never go through MQTT; this is
// the ops side channel only.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/moma/poseflow/internal/config"
)

// Emitter publishes lifecycle events. A nil Emitter is valid and silently
// drops events, so callers need no enabled/disabled branching.
type Emitter struct {
	cfg    config.MQTTConfig
	client mqtt.Client

	mu        sync.RWMutex
	connected bool
	published uint64
	errors    uint64
}

// NewEmitter creates an emitter for the given broker settings. Returns nil
// when no broker is configured.
func NewEmitter(instanceID string, cfg config.MQTTConfig) *Emitter {
	if cfg.Broker == "" {
		return nil
	}

	e := &Emitter{cfg: cfg}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", cfg.Broker))
	opts.SetClientID(instanceID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.mu.Lock()
		e.connected = true
		e.mu.Unlock()
		slog.Info("mqtt connection established",
			"broker", cfg.Broker,
			"client_id", instanceID,
		)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.mu.Lock()
		e.connected = false
		e.mu.Unlock()
		slog.Warn("mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", cfg.Broker,
		)
	}

	e.client = mqtt.NewClient(opts)
	return e
}

// Connect establishes the broker connection. No-op on a nil emitter.
func (e *Emitter) Connect(ctx context.Context) error {
	if e == nil {
		return nil
	}

	slog.Info("connecting to mqtt broker", "broker", e.cfg.Broker)

	token := e.client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	e.mu.Lock()
	e.connected = true
	e.mu.Unlock()
	return nil
}

// Emit publishes one session lifecycle event. Implements
// session.EventSink. Failures are counted, logged and swallowed: telemetry
// never disturbs the pipeline.
func (e *Emitter) Emit(event, sessionID string, fields map[string]any) {
	if e == nil {
		return
	}

	e.mu.RLock()
	connected := e.connected
	e.mu.RUnlock()
	if !connected {
		e.mu.Lock()
		e.errors++
		e.mu.Unlock()
		return
	}

	payload := map[string]any{
		"event":      event,
		"session_id": sessionID,
		"timestamp":  time.Now().Format(time.RFC3339Nano),
	}
	for k, v := range fields {
		payload[k] = v
	}

	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("failed to marshal telemetry event", "event", event, "error", err)
		return
	}

	topic := fmt.Sprintf("%s/sessions/%s", e.cfg.TopicPrefix, event)
	token := e.client.Publish(topic, e.cfg.QoS, false, data)
	if !token.WaitTimeout(2 * time.Second) {
		e.mu.Lock()
		e.errors++
		e.mu.Unlock()
		slog.Warn("telemetry publish timeout", "topic", topic)
		return
	}
	if err := token.Error(); err != nil {
		e.mu.Lock()
		e.errors++
		e.mu.Unlock()
		slog.Warn("telemetry publish failed", "topic", topic, "error", err)
		return
	}

	e.mu.Lock()
	e.published++
	e.mu.Unlock()

	slog.Debug("telemetry event published", "topic", topic, "size", len(data))
}

// Disconnect closes the broker connection. No-op on a nil emitter.
func (e *Emitter) Disconnect() {
	if e == nil {
		return
	}
	if e.client.IsConnected() {
		e.client.Disconnect(250)
		slog.Info("mqtt disconnected")
	}
	e.mu.Lock()
	e.connected = false
	e.mu.Unlock()
}
