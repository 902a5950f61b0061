// Package telemetry publishes node state to an MQTT broker so a fleet
// dashboard can watch edge nodes without polling each one. The
// publisher maintains the broker connection (autopaho reconnects for
// us), announces availability with a retained will message, and pushes
// readiness plus per-agent state topics.
package telemetry

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/cinderd/cinder/internal/config"
)

// Source provides the node data the publisher reports. The concrete
// adapter is wired in main to avoid coupling this package to the
// agent registry or API server.
type Source interface {
	// Uptime returns the process uptime.
	Uptime() time.Duration
	// Version returns the software version string.
	Version() string
	// Readiness returns the current bundle readiness.
	Readiness() config.Readiness
	// AgentState returns the latest result per agent.
	AgentState() map[string]config.AgentResult
}

// Settings are the telemetry options read from the bundle.
type Settings struct {
	Broker      string
	TopicPrefix string
	DeviceID    string
	Interval    time.Duration
}

// SettingsFromBundle extracts telemetry settings, defaulting the
// device id to the hostname when unset.
func SettingsFromBundle(b *config.Bundle) Settings {
	device := b.String("telemetry.device_id", "")
	if device == "" {
		if host, err := os.Hostname(); err == nil {
			device = host
		} else {
			device = b.String("runtime.name", "cinder-node")
		}
	}
	return Settings{
		Broker:      b.String("telemetry.broker", ""),
		TopicPrefix: b.String("telemetry.topic_prefix", "cinder"),
		DeviceID:    device,
		Interval:    time.Duration(b.Float("telemetry.interval_secs", 60)) * time.Second,
	}
}

// Publisher manages the MQTT connection and the periodic state loop.
type Publisher struct {
	settings Settings
	source   Source
	logger   *slog.Logger
	cm       *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop.
func New(settings Settings, source Source, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		settings: settings,
		source:   source,
		logger:   logger,
	}
}

// Start connects to the broker and runs the periodic publish loop
// until ctx is cancelled. On every (re-)connect it republishes
// availability, so a broker restart does not leave the node marked
// offline.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.settings.Broker)
	if err != nil {
		return fmt.Errorf("parse telemetry broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls: []*url.URL{brokerURL},
		KeepAlive:  30,
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("telemetry connected", "broker", p.settings.Broker)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("telemetry connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "cinder-" + p.settings.DeviceID,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("telemetry connect: %w", err)
	}
	p.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("telemetry initial connection timed out, will retry", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// Stop publishes an offline availability message and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return p.settings.TopicPrefix + "/" + p.settings.DeviceID
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) nodeTopic() string {
	return p.baseTopic() + "/node/state"
}

func (p *Publisher) agentTopic(agent string) string {
	return p.baseTopic() + "/agent/" + agent + "/state"
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("telemetry availability publish failed", "status", status, "error", err)
	}
}

// --- Periodic state loop ---

func (p *Publisher) runLoop(ctx context.Context) {
	interval := p.settings.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Publish immediately on start.
	p.PublishState(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.PublishState(ctx)
		}
	}
}

// PublishState pushes the node summary and one retained topic per
// agent. Safe to call before Start (no-op).
func (p *Publisher) PublishState(ctx context.Context) {
	if p.cm == nil {
		return
	}

	node := map[string]string{
		"readiness": string(p.source.Readiness()),
		"uptime":    p.source.Uptime().Truncate(time.Second).String(),
		"version":   p.source.Version(),
	}
	if payload, err := json.Marshal(node); err == nil {
		p.publish(ctx, p.nodeTopic(), payload)
	}

	for name, res := range p.source.AgentState() {
		payload, err := json.Marshal(map[string]string{
			"status": string(res.Status),
			"detail": res.Detail,
			"at":     res.Timestamp.UTC().Format(time.RFC3339),
		})
		if err != nil {
			continue
		}
		p.publish(ctx, p.agentTopic(name), payload)
	}
}

func (p *Publisher) publish(ctx context.Context, topic string, payload []byte) {
	if _, err := p.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     0,
		Retain:  true,
	}); err != nil {
		p.logger.Debug("telemetry publish failed", "topic", topic, "error", err)
	}
}
