// Package mqtt publishes session lifecycle events to an MQTT broker.
// The integration is optional; when disabled the detector runs without it.
package mqtt

import (
	"encoding/json"
	"log/slog"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/earshot/earshot-go/internal/awareness"
	"github.com/earshot/earshot-go/internal/conf"
	"github.com/earshot/earshot-go/internal/errors"
	"github.com/earshot/earshot-go/internal/logging"
)

const (
	connectTimeout = 30 * time.Second
	publishTimeout = 10 * time.Second
)

// SessionEvent is the JSON payload published when a session ends.
type SessionEvent struct {
	Type      string     `json:"type"`
	SessionID string     `json:"sessionId"`
	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
	CreatedBy string     `json:"createdBy"`
	ClipCount int        `json:"clipCount"`
	Samples   int        `json:"samples"`
}

// Publisher sends session events to the configured broker.
type Publisher struct {
	cfg    *conf.MQTTSettings
	client pahomqtt.Client
	logger *slog.Logger
}

// NewPublisher creates a publisher from the settings. Returns nil when the
// integration is disabled.
func NewPublisher(settings *conf.Settings) *Publisher {
	cfg := &settings.Realtime.MQTT
	if !cfg.Enabled {
		return nil
	}
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID("earshot-" + settings.Main.Name)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)

	return &Publisher{
		cfg:    cfg,
		client: pahomqtt.NewClient(opts),
		logger: logging.ForService("mqtt"),
	}
}

// Connect establishes the broker connection.
func (p *Publisher) Connect() error {
	token := p.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return errors.Newf("timeout connecting to MQTT broker %s", p.cfg.Broker).
			Component("mqtt").Category(errors.CategoryMQTTConnection).Build()
	}
	if err := token.Error(); err != nil {
		return errors.New(err).Component("mqtt").Category(errors.CategoryMQTTConnection).
			Context("broker", p.cfg.Broker).Build()
	}
	p.logger.Info("connected to MQTT broker", "broker", p.cfg.Broker)
	return nil
}

// PublishSessionEnd publishes a session-ended event. Failures are logged and
// swallowed; the broker is never allowed to affect the detector.
func (p *Publisher) PublishSessionEnd(session *awareness.Session) {
	event := SessionEvent{
		Type:      "session-ended",
		SessionID: session.ID,
		StartedAt: session.StartedAt,
		EndedAt:   session.EndedAt,
		CreatedBy: session.CreatedBy,
		ClipCount: len(session.ClipPaths),
		Samples:   session.Evidence.Samples,
	}
	payload, err := json.Marshal(&event)
	if err != nil {
		p.logger.Error("encoding session event failed", "session_id", session.ID, "error", err)
		return
	}

	token := p.client.Publish(p.topic(), 0, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		p.logger.Warn("publish timed out", "session_id", session.ID, "topic", p.topic())
		return
	}
	if err := token.Error(); err != nil {
		p.logger.Warn("publish failed", "session_id", session.ID, "error", err)
	}
}

// Disconnect closes the broker connection.
func (p *Publisher) Disconnect() {
	if p.client.IsConnected() {
		p.client.Disconnect(250)
	}
}

func (p *Publisher) topic() string {
	if p.cfg.Topic != "" {
		return p.cfg.Topic
	}
	return "earshot/sessions"
}
