package bus

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/brackwood/nexus/internal/connwatch"
)

// MQTTConfig configures the MQTT-backed Transport.
type MQTTConfig struct {
	Broker   string // e.g. mqtt://localhost:1883
	Username string
	Password string
	ClientID string
}

// mqttTransport implements Transport over MQTT v5 via
// autopaho.ConnectionManager, the same connection-management library
// the rest of this codebase's MQTT integration already depends on.
// Reconnection is handled entirely by autopaho's internal backoff; a
// connwatch.Watcher layered on top (see bus.go) exposes readiness to
// the rest of the process and drives KindBusConnected/Disconnected
// operational events.
type mqttTransport struct {
	cfg    MQTTConfig
	logger *slog.Logger
	cm     *autopaho.ConnectionManager

	mu   sync.RWMutex
	subs map[int]mqttSub
	next int

	connected atomic.Value // bool
}

type mqttSub struct {
	pattern *regexpMatcher
	handler MessageHandler
}

// newMQTTTransport dials the broker in the background (autopaho
// connects asynchronously) and returns immediately; callers should use
// AwaitConnection or a connwatch.Watcher to learn when the first
// connection succeeds.
func newMQTTTransport(ctx context.Context, cfg MQTTConfig, logger *slog.Logger) (*mqttTransport, error) {
	if logger == nil {
		logger = slog.Default()
	}

	brokerURL, err := url.Parse(cfg.Broker)
	if err != nil {
		return nil, fmt.Errorf("parse broker url: %w", err)
	}

	t := &mqttTransport{
		cfg:    cfg,
		logger: logger,
		subs:   make(map[int]mqttSub),
	}
	t.connected.Store(false)

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: cfg.Username,
		ConnectPassword: []byte(cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			t.connected.Store(true)
			t.logger.Info("bus connected", "broker", cfg.Broker)
			t.resubscribeAll(context.Background(), cm)
		},
		OnConnectError: func(err error) {
			t.connected.Store(false)
			t.logger.Warn("bus connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: cfg.ClientID,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	pahoCfg.ClientConfig.OnPublishReceived = []func(paho.PublishReceived) (bool, error){
		func(pr paho.PublishReceived) (bool, error) {
			t.dispatch(pr.Packet.Topic, pr.Packet.Payload)
			return true, nil
		},
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	t.cm = cm

	return t, nil
}

func (t *mqttTransport) dispatch(topic string, payload []byte) {
	subject := toSubject(topic)

	t.mu.RLock()
	var matched []MessageHandler
	for _, s := range t.subs {
		if s.pattern.Match(subject) {
			matched = append(matched, s.handler)
		}
	}
	t.mu.RUnlock()

	for _, h := range matched {
		h(subject, payload)
	}
}

func (t *mqttTransport) resubscribeAll(ctx context.Context, cm *autopaho.ConnectionManager) {
	t.mu.RLock()
	topics := make([]string, 0, len(t.subs))
	for _, s := range t.subs {
		topics = append(topics, toTopic(s.pattern.subject))
	}
	t.mu.RUnlock()

	if len(topics) == 0 {
		return
	}

	opts := make([]paho.SubscribeOptions, len(topics))
	for i, tp := range topics {
		opts[i] = paho.SubscribeOptions{Topic: tp, QoS: 0}
	}
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: opts}); err != nil {
		t.logger.Error("bus resubscribe failed", "error", err, "topics", topics)
	}
}

func (t *mqttTransport) Publish(ctx context.Context, subject string, payload []byte) error {
	if t.cm == nil {
		return fmt.Errorf("bus: not started")
	}
	_, err := t.cm.Publish(ctx, &paho.Publish{
		Topic:   toTopic(subject),
		Payload: payload,
		QoS:     0,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

func (t *mqttTransport) Subscribe(subject string, handler MessageHandler) (func(), error) {
	matcher, err := newRegexpMatcher(subject)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	id := t.next
	t.next++
	t.subs[id] = mqttSub{pattern: matcher, handler: handler}
	t.mu.Unlock()

	topic := toTopic(subject)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if t.cm != nil {
		if _, err := t.cm.Subscribe(ctx, &paho.Subscribe{
			Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: 0}},
		}); err != nil {
			t.logger.Warn("bus subscribe failed", "subject", subject, "error", err)
		}
	}

	return func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}, nil
}

func (t *mqttTransport) Connected() bool {
	v, _ := t.connected.Load().(bool)
	return v
}

func (t *mqttTransport) AwaitConnection(ctx context.Context) error {
	if t.cm == nil {
		return fmt.Errorf("bus: not started")
	}
	return t.cm.AwaitConnection(ctx)
}

func (t *mqttTransport) Close() error {
	if t.cm == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return t.cm.Disconnect(ctx)
}

// HealthProbe returns a connwatch.ProbeFunc that reports the
// transport's connection state, for wiring into a connwatch.Watcher
// alongside Service Host probes.
func (t *mqttTransport) HealthProbe() connwatch.ProbeFunc {
	return func(ctx context.Context) error {
		if t.Connected() {
			return nil
		}
		return fmt.Errorf("bus not connected")
	}
}
