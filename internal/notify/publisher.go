package notify

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/planwright/internal/config"
	"github.com/nugget/planwright/internal/events"
)

// subscriberBuffer bounds how far the broker may fall behind the bus
// before events are dropped.
const subscriberBuffer = 256

// sender is the publishing half of an autopaho connection.
type sender interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Publisher relays bus events to an MQTT broker.
type Publisher struct {
	cfg      config.MQTTConfig
	clientID string
	bus      *events.Bus
	logger   *slog.Logger
	cm       atomic.Pointer[autopaho.ConnectionManager]
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to connect and begin forwarding.
func New(cfg config.MQTTConfig, clientID string, bus *events.Bus, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:      cfg,
		clientID: clientID,
		bus:      bus,
		logger:   logger.With("component", "notify"),
	}
}

// Start connects to the broker and forwards events until ctx is
// cancelled. A broker that is down at startup is retried in the
// background; events published meanwhile are dropped.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.clientID,
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm.Store(cm)

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	ch := p.bus.Subscribe(subscriberBuffer)
	defer p.bus.Unsubscribe(ch)
	p.forward(ctx, cm, ch)
	return nil
}

// Stop publishes "offline" and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	cm := p.cm.Load()
	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// forward relays events from ch until ctx ends or ch closes.
func (p *Publisher) forward(ctx context.Context, s sender, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			msg, err := p.message(e)
			if err != nil {
				p.logger.Error("mqtt marshal event", "kind", e.Kind, "error", err)
				continue
			}
			if _, err := s.Publish(ctx, msg); err != nil {
				p.logger.Debug("mqtt event publish failed", "topic", msg.Topic, "error", err)
			}
		}
	}
}

// message renders e as a publish packet. Suggestions, entity updates
// and cycle completions go out at QoS 1, everything else at QoS 0.
func (p *Publisher) message(e events.Event) (*paho.Publish, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	var qos byte
	switch e.Kind {
	case events.KindSuggestion, events.KindEntityUpdated, events.KindCycleComplete:
		qos = 1
	}
	return &paho.Publish{
		Topic:   p.eventTopic(e),
		Payload: payload,
		QoS:     qos,
	}, nil
}

func (p *Publisher) availabilityTopic() string {
	return p.cfg.Topic + "/availability"
}

// eventTopic places entity events under the entity's kind/id path.
func (p *Publisher) eventTopic(e events.Event) string {
	if e.Entity != "" {
		return p.cfg.Topic + "/" + sanitize(e.Entity) + "/" + e.Kind
	}
	return p.cfg.Topic + "/" + sanitize(e.Source) + "/" + e.Kind
}

// sanitize strips MQTT wildcard characters from a topic segment.
func sanitize(s string) string {
	return strings.NewReplacer("+", "_", "#", "_").Replace(s)
}

func (p *Publisher) publishAvailability(ctx context.Context, s sender, status string) {
	if _, err := s.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}
