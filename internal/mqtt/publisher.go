// Package mqtt publishes the engine's status to an MQTT broker as a
// retained JSON payload, with Home Assistant discovery so the state
// shows up as sensors without manual configuration.
//
// The payload is republished immediately when a bus event changes it
// (mode switches, dispatches, digest, requests, connection health) and
// on a periodic heartbeat. A last-will message flips the availability
// topic to offline when the process dies without a clean shutdown.
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/tallow/seneschal/internal/config"
	"github.com/tallow/seneschal/internal/events"
)

// heartbeatInterval is the periodic republish cadence. State changes
// publish immediately off the bus; the heartbeat covers missed events
// and keeps last_check fresh for dashboards.
const heartbeatInterval = 60 * time.Second

// Status is the JSON state payload pushed to the broker. String fields
// stay template-friendly for HA sensors.
type Status struct {
	Mode            string `json:"mode"`
	SentToday       int    `json:"sent_today"`
	DailyRateLimit  int    `json:"daily_rate_limit"`
	OpenRequest     string `json:"open_request"` // request kind, or "none"
	Digest          string `json:"digest"`       // "sent" or "pending"
	QuietHours      bool   `json:"quiet_hours"`
	StrongWindow    bool   `json:"strong_window"`
	ConnectionsDown int    `json:"connections_down"`
	UpdatedAt       string `json:"updated_at"`
}

// StatusSource assembles the engine snapshot that gets published. The
// concrete adapter is wired in main so this package stays off the
// store types.
type StatusSource interface {
	Status(now time.Time) (Status, error)
}

// Publisher manages the broker connection, publishes discovery configs
// on every (re-)connect, and pushes status updates.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	source     StatusSource
	bus        *events.Bus
	logger     *slog.Logger

	base      string // root of the status topic tree
	discovery string // HA discovery prefix
	cm        *autopaho.ConnectionManager
}

// New creates a Publisher without touching the network. Start dials
// the broker and runs the publish loop.
func New(cfg config.MQTTConfig, instanceID string, source StatusSource, bus *events.Bus, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	base := cfg.TopicPrefix
	if base == "" {
		base = "seneschal"
	}
	discovery := cfg.DiscoveryPrefix
	if discovery == "" {
		discovery = "homeassistant"
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, "Seneschal"),
		source:     source,
		bus:        bus,
		logger:     logger.With("component", "mqtt"),
		base:       base,
		discovery:  discovery,
	}
}

// Start connects to the broker and runs the publish loop until ctx is
// cancelled. On every (re-)connect it publishes discovery configs, the
// online availability message, and a fresh status payload.
func (p *Publisher) Start(ctx context.Context) error {
	u, err := url.Parse(p.cfg.BrokerURL)
	if err != nil {
		return fmt.Errorf("mqtt broker url %q: %w", p.cfg.BrokerURL, err)
	}

	pcfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{u},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage:     &paho.WillMessage{Topic: p.availabilityTopic(), Payload: []byte("offline"), QoS: 1, Retain: true},
		OnConnectionUp:  p.onConnectionUp(ctx),
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connect attempt failed", "error", err)
		},
		ClientConfig: paho.ClientConfig{ClientID: p.clientID()},
	}
	if u.Scheme == "mqtts" || u.Scheme == "ssl" {
		pcfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pcfg)
	if err != nil {
		return fmt.Errorf("start mqtt connection manager: %w", err)
	}
	p.cm = cm

	// Wait briefly for the first connection; autopaho keeps retrying in
	// the background either way.
	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(waitCtx); err != nil {
		p.logger.Warn("mqtt first connection still pending", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// onConnectionUp returns the (re-)connect hook: discovery first so HA
// recognizes the entities, then availability, then a fresh payload so
// sensors populate without waiting for the next heartbeat.
func (p *Publisher) onConnectionUp(ctx context.Context) func(*autopaho.ConnectionManager, *paho.Connack) {
	return func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
		p.logger.Info("mqtt connected", "broker", p.cfg.BrokerURL)
		if p.cfg.Discovery {
			p.publishDiscovery(ctx, cm)
		}
		p.setAvailability(ctx, cm, "online")
		p.publishStatus(ctx)
	}
}

// Stop publishes the offline availability message and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.setAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires. The connection watch uses it as a health probe.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	if p.cm == nil {
		return errors.New("mqtt publisher not started")
	}
	return p.cm.AwaitConnection(ctx)
}

func (p *Publisher) clientID() string {
	short := p.instanceID
	if len(short) > 8 {
		short = short[:8]
	}
	return "seneschal-" + short
}

// --- Topics ---

func (p *Publisher) availabilityTopic() string { return p.base + "/availability" }
func (p *Publisher) statusTopic() string       { return p.base + "/status" }

// discoveryTopic follows the HA convention
// <prefix>/<component>/<node>/<entity>/config.
func (p *Publisher) discoveryTopic(component, suffix string) string {
	return p.discovery + "/" + component + "/" + p.base + "/" + suffix + "/config"
}

// --- Publishing ---

// message is one publication. Everything seneschal publishes is
// retained: HA must see current state right after a restart, not wait
// for the next change.
type message struct {
	topic   string
	payload []byte
	qos     byte
}

func (p *Publisher) publish(ctx context.Context, cm *autopaho.ConnectionManager, m message) error {
	_, err := cm.Publish(ctx, &paho.Publish{
		Topic:   m.topic,
		Payload: m.payload,
		QoS:     m.qos,
		Retain:  true,
	})
	return err
}

// entity pairs an HA entity suffix with its discovery config.
type entity struct {
	suffix string
	config SensorConfig
}

// sensors describes the HA sensors. They all read the one retained
// status payload through value templates; names are short because
// has_entity_name makes HA prefix the device name itself.
func (p *Publisher) sensors() []entity {
	sensor := func(suffix, name, template, icon string) entity {
		return entity{
			suffix: suffix,
			config: SensorConfig{
				Name:              name,
				ObjectID:          suffix,
				HasEntityName:     true,
				UniqueID:          p.instanceID + "_" + suffix,
				StateTopic:        p.statusTopic(),
				AvailabilityTopic: p.availabilityTopic(),
				Device:            p.device,
				Icon:              icon,
				ValueTemplate:     template,
			},
		}
	}

	mode := sensor("mode", "Mode", "{{ value_json.mode }}", "mdi:bell-ring-outline")
	// The mode sensor carries the full payload as attributes.
	mode.config.JsonAttributesTopic = p.statusTopic()

	sent := sensor("sent_today", "Sent Today", "{{ value_json.sent_today }}", "mdi:counter")
	sent.config.StateClass = "measurement"

	open := sensor("open_request", "Open Request", "{{ value_json.open_request }}", "mdi:chat-question")
	digest := sensor("digest", "Digest", "{{ value_json.digest }}", "mdi:newspaper-variant-outline")

	down := sensor("connections_down", "Connections Down", "{{ value_json.connections_down }}", "mdi:lan-disconnect")
	down.config.StateClass = "measurement"
	down.config.EntityCategory = "diagnostic"

	return []entity{mode, sent, open, digest, down}
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	for _, e := range p.sensors() {
		topic := p.discoveryTopic("sensor", e.suffix)
		payload, err := json.Marshal(e.config)
		if err != nil {
			p.logger.Error("mqtt marshal discovery config", "entity", e.suffix, "error", err)
			continue
		}
		if err := p.publish(ctx, cm, message{topic: topic, payload: payload, qos: 1}); err != nil {
			p.logger.Warn("mqtt discovery publish failed", "entity", e.suffix, "error", err)
			continue
		}
		p.logger.Debug("mqtt discovery published", "entity", e.suffix, "topic", topic)
	}
}

func (p *Publisher) setAvailability(ctx context.Context, cm *autopaho.ConnectionManager, state string) {
	msg := message{topic: p.availabilityTopic(), payload: []byte(state), qos: 1}
	if err := p.publish(ctx, cm, msg); err != nil {
		p.logger.Warn("mqtt availability publish failed", "state", state, "error", err)
		return
	}
	p.logger.Info("mqtt availability published", "state", state)
}

// --- Publish loop ---

// affectsStatus reports whether a bus event changes the status payload.
func affectsStatus(kind string) bool {
	switch kind {
	case events.KindModeChanged,
		events.KindTriggerDispatched,
		events.KindDigestSent,
		events.KindRequestCreated,
		events.KindConnUp,
		events.KindConnDown:
		return true
	}
	return false
}

func (p *Publisher) runLoop(ctx context.Context) {
	ch := p.bus.Subscribe(64)
	defer p.bus.Unsubscribe(ch)

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			if !affectsStatus(ev.Kind) {
				continue
			}
			p.publishStatus(ctx)
		case <-ticker.C:
			p.publishStatus(ctx)
		}
	}
}

func (p *Publisher) publishStatus(ctx context.Context) {
	if p.cm == nil {
		return
	}

	st, err := p.source.Status(time.Now())
	if err != nil {
		p.logger.Warn("mqtt status snapshot failed", "error", err)
		return
	}
	payload, err := json.Marshal(st)
	if err != nil {
		p.logger.Error("mqtt marshal status", "error", err)
		return
	}

	if err := p.publish(ctx, p.cm, message{topic: p.statusTopic(), payload: payload}); err != nil {
		p.logger.Debug("mqtt status publish failed", "error", err)
		return
	}
	p.logger.Debug("mqtt status published", "mode", st.Mode)
}
