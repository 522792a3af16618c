package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/saaga0h/adaptive-core/pkg/config"
)

const (
	publishTimeout = 5 * time.Second
	statusOnline   = "online"
	statusOffline  = "offline"
)

// mqttClient publishes through Paho and keeps a retained status topic that
// the broker flips to offline when the connection drops
type mqttClient struct {
	client pahomqtt.Client
	cfg    *config.Config
	logger *slog.Logger
}

// NewClient creates a publisher for cfg's broker
func NewClient(cfg *config.Config, logger *slog.Logger) Client {
	if logger == nil {
		logger = slog.Default()
	}
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.MQTTAddress())

	if cfg.MQTTClientID != "" {
		opts.SetClientID(cfg.MQTTClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("%s-%d", cfg.ServiceName, time.Now().Unix()))
	}
	if cfg.MQTTUser != "" {
		opts.SetUsername(cfg.MQTTUser)
	}
	if cfg.MQTTPassword != "" {
		opts.SetPassword(cfg.MQTTPassword)
	}

	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetWill(TopicStatus, statusOffline, 1, true)

	opts.OnConnect = func(c pahomqtt.Client) {
		logger.Info("Connected to MQTT broker", "broker", cfg.MQTTAddress())
		// Reconnects land here too, so the retained status is restored after a drop.
		if t := c.Publish(TopicStatus, 1, true, statusOnline); t.WaitTimeout(publishTimeout) && t.Error() != nil {
			logger.Warn("Failed to publish online status", "error", t.Error())
		}
	}
	opts.OnConnectionLost = func(c pahomqtt.Client, err error) {
		logger.Warn("MQTT connection lost", "error", err)
	}

	return &mqttClient{client: pahomqtt.NewClient(opts), cfg: cfg, logger: logger}
}

// Connect waits for the first connection or ctx
func (m *mqttClient) Connect(ctx context.Context) error {
	m.logger.Info("Connecting to MQTT broker", "broker", m.cfg.MQTTAddress())

	token := m.client.Connect()
	select {
	case <-token.Done():
		if token.Error() != nil {
			return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("connection timeout: %w", ctx.Err())
	}
}

// Disconnect marks the core offline and closes the connection
func (m *mqttClient) Disconnect() {
	if m.client.IsConnected() {
		m.client.Publish(TopicStatus, 1, true, statusOffline).WaitTimeout(publishTimeout)
	}
	m.logger.Info("Disconnecting from MQTT broker")
	m.client.Disconnect(250)
}

func (m *mqttClient) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := m.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("timed out publishing to topic %s", topic)
	}
	if token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, token.Error())
	}
	m.logger.Debug("Published message", "topic", topic, "size", len(payload))
	return nil
}

func (m *mqttClient) IsConnected() bool {
	return m.client.IsConnected()
}
