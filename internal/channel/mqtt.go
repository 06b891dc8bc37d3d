package channel

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/kosciak9/manfrod/internal/agent"
	"github.com/kosciak9/manfrod/internal/config"
)

// SourceMQTT tags requests arriving over MQTT.
const SourceMQTT = "mqtt"

// inboundMessage is the JSON payload expected on the inbox topic.
type inboundMessage struct {
	Content string `json:"content"`
	ReplyTo string `json:"reply_to"`
}

// MQTT bridges an MQTT broker to the agent. Peers publish JSON to
// <base>/inbox and receive replies on <base>/outbox/<reply_to>; a
// retained availability topic carries birth and will messages so
// dashboards can tell whether the agent is up.
type MQTT struct {
	cfg        config.MQTTConfig
	instanceID string
	enqueue    func(agent.Request)
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager
}

// NewMQTT creates the adapter but does not connect; call Start.
// instanceID distinguishes concurrent agent instances on one broker.
func NewMQTT(cfg config.MQTTConfig, instanceID string, enqueue func(agent.Request), logger *slog.Logger) *MQTT {
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTT{
		cfg:        cfg,
		instanceID: instanceID,
		enqueue:    enqueue,
		logger:     logger.With("component", "mqtt"),
	}
}

// Source implements [Adapter].
func (m *MQTT) Source() string { return SourceMQTT }

func (m *MQTT) baseTopic() string {
	return "manfrod/" + m.cfg.DeviceName
}

func (m *MQTT) inboxTopic() string {
	return m.baseTopic() + "/inbox"
}

func (m *MQTT) outboxTopic(replyTo string) string {
	return m.baseTopic() + "/outbox/" + replyTo
}

func (m *MQTT) workingTopic(replyTo string) string {
	return m.baseTopic() + "/working/" + replyTo
}

func (m *MQTT) availabilityTopic() string {
	return m.baseTopic() + "/availability"
}

// Start connects to the broker and subscribes to the inbox topic. It
// returns once the connection manager is running; autopaho handles
// reconnects and re-subscribes in the background.
func (m *MQTT) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(m.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: m.cfg.Username,
		ConnectPassword: []byte(m.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   m.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			m.logger.Info("mqtt connected", "broker", m.cfg.Broker)
			if _, err := cm.Subscribe(ctx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{
					{Topic: m.inboxTopic(), QoS: 1},
				},
			}); err != nil {
				m.logger.Error("mqtt inbox subscribe failed", "error", err)
			}
			m.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			m.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "manfrod-" + m.cfg.DeviceName + "-" + shortID(m.instanceID),
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					m.handleInbound(pr.Packet)
					return true, nil
				},
			},
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	m.cm = cm

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		m.logger.Warn("mqtt initial connection timed out, retrying in background", "error", err)
	}
	return nil
}

// Stop publishes an offline availability message and disconnects.
func (m *MQTT) Stop(ctx context.Context) error {
	if m.cm == nil {
		return nil
	}
	m.publishAvailability(ctx, m.cm, "offline")
	return m.cm.Disconnect(ctx)
}

func (m *MQTT) handleInbound(p *paho.Publish) {
	var msg inboundMessage
	if err := json.Unmarshal(p.Payload, &msg); err != nil {
		// Accept bare text payloads too; reply goes to the shared outbox.
		msg = inboundMessage{Content: string(p.Payload)}
	}
	if msg.Content == "" {
		m.logger.Debug("empty mqtt message ignored", "topic", p.Topic)
		return
	}
	if msg.ReplyTo == "" {
		msg.ReplyTo = "broadcast"
	}

	m.logger.Debug("mqtt message received", "reply_to", msg.ReplyTo, "bytes", len(p.Payload))
	m.enqueue(agent.Request{
		Content: msg.Content,
		Source:  SourceMQTT,
		ReplyTo: msg.ReplyTo,
	})
}

// Deliver implements [Adapter].
func (m *MQTT) Deliver(ctx context.Context, replyTo, text string) error {
	if m.cm == nil {
		return fmt.Errorf("mqtt not started")
	}
	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return fmt.Errorf("marshal reply: %w", err)
	}
	if _, err := m.cm.Publish(ctx, &paho.Publish{
		Topic:   m.outboxTopic(replyTo),
		Payload: payload,
		QoS:     1,
	}); err != nil {
		return fmt.Errorf("publish reply: %w", err)
	}
	return nil
}

// Working implements [Adapter]. Publishes a short-lived indicator the
// peer can use to show the agent is busy.
func (m *MQTT) Working(ctx context.Context, replyTo string) {
	if m.cm == nil {
		return
	}
	if _, err := m.cm.Publish(ctx, &paho.Publish{
		Topic:   m.workingTopic(replyTo),
		Payload: []byte("working"),
		QoS:     0,
	}); err != nil {
		m.logger.Debug("working publish failed", "error", err)
	}
}

func (m *MQTT) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   m.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		m.logger.Warn("availability publish failed", "status", status, "error", err)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
