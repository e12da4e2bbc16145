// Package channels carries save traffic out of the core: an MQTT analytics
// sink for accepted events, a hub that fans save notices out to WebSocket
// watchers, and a terminal exam room that feeds edits into autosave.
package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/clawinfra/examsync/internal/config"
	"github.com/clawinfra/examsync/internal/types"
)

const (
	// MQTT topics for exam analytics
	eventsTopic  = "%s/attempts/%s/events/%s" // one accepted exam event
	batchesTopic = "%s/sync/batches"          // one applied offline batch

	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
)

// ErrNotConnected is returned when publishing before Start or after the
// broker connection dropped.
var ErrNotConnected = errors.New("mqtt: not connected")

// MQTTSink publishes accepted exam events and batch summaries to a broker.
// It implements api.EventSink.
type MQTTSink struct {
	cfg    config.MQTTConfig
	logger *slog.Logger

	mu     sync.Mutex
	client MQTTClient
	// Factory function for creating MQTT client
	clientFactory func(opts *mqtt.ClientOptions) MQTTClient
}

// NewMQTTSink creates an analytics sink for cfg.
func NewMQTTSink(cfg config.MQTTConfig, logger *slog.Logger) *MQTTSink {
	return NewMQTTSinkWithClient(cfg, logger, newPahoClient)
}

// NewMQTTSinkWithClient creates a sink with a custom client factory (for testing)
func NewMQTTSinkWithClient(cfg config.MQTTConfig, logger *slog.Logger, factory func(*mqtt.ClientOptions) MQTTClient) *MQTTSink {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "examsyncd-" + uuid.NewString()[:8]
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "examsync"
	}
	return &MQTTSink{
		cfg:           cfg,
		logger:        logger.With("channel", "mqtt"),
		clientFactory: factory,
	}
}

// Start connects to the broker.
func (m *MQTTSink) Start(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(m.cfg.Broker)
	opts.SetClientID(m.cfg.ClientID)

	if m.cfg.Username != "" {
		opts.SetUsername(m.cfg.Username)
		opts.SetPassword(m.cfg.Password)
	}

	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		m.logger.Warn("mqtt connection lost", "error", err)
	})
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		m.logger.Info("mqtt connected", "broker", m.cfg.Broker)
	})

	client := m.clientFactory(opts)

	m.logger.Info("connecting to mqtt broker", "broker", m.cfg.Broker)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("connect to mqtt: timeout after %s", connectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to mqtt: %w", err)
	}

	m.mu.Lock()
	m.client = client
	m.mu.Unlock()
	return nil
}

// Stop disconnects from the broker.
func (m *MQTTSink) Stop() error {
	m.mu.Lock()
	client := m.client
	m.client = nil
	m.mu.Unlock()

	if client != nil && client.IsConnected() {
		client.Disconnect(250)
	}
	m.logger.Info("mqtt sink stopped")
	return nil
}

// EventAccepted publishes one stored exam event.
func (m *MQTTSink) EventAccepted(ctx context.Context, e types.AcceptedEvent) error {
	topic := fmt.Sprintf(eventsTopic, m.cfg.TopicPrefix, e.AttemptID, e.Type)
	return m.publish(ctx, topic, e)
}

// BatchSynced publishes the summary of one applied offline batch.
func (m *MQTTSink) BatchSynced(ctx context.Context, s types.BatchSummary) error {
	topic := fmt.Sprintf(batchesTopic, m.cfg.TopicPrefix)
	return m.publish(ctx, topic, s)
}

func (m *MQTTSink) publish(ctx context.Context, topic string, v any) error {
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	if client == nil || !client.IsConnected() {
		return ErrNotConnected
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", topic, err)
	}

	timeout := publishTimeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			timeout = left
		}
	}

	token := client.Publish(topic, m.cfg.QoS, false, payload)
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}

	m.logger.Debug("published", "topic", topic, "bytes", len(payload))
	return nil
}
