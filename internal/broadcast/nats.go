package broadcast

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/jummah/chat-server/internal/chat"
)

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "jummah-chat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NATSDispatcher publishes every topic as a NATS subject so that all
// processes sharing the broker see each broadcast. Each process holds one
// NATS subscription per topic with local subscribers and fans out locally.
type NATSDispatcher struct {
	conn *nats.Conn
	reg  *registry
	log  zerolog.Logger

	mu   sync.Mutex // serializes changes to subs
	subs map[chat.Topic]*nats.Subscription
}

// NewNATSDispatcher connects to NATS and returns a ready dispatcher. It
// fails if the initial connection fails.
func NewNATSDispatcher(config NATSConfig, logger zerolog.Logger) (*NATSDispatcher, error) {
	l := logger.With().Str("component", "nats").Logger()
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			l.Warn().Err(err).Msg("disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			l.Info().Str("url", nc.ConnectedUrl()).Msg("reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			l.Info().Msg("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("broadcast: nats connect: %w", err)
	}
	l.Info().Str("url", nc.ConnectedUrl()).Msg("connected")

	return &NATSDispatcher{
		conn: nc,
		reg:  newRegistry(),
		log:  l,
		subs: make(map[chat.Topic]*nats.Subscription),
	}, nil
}

// Publish sends payload to the topic's subject. Local subscribers receive it
// through this process's own subscription, so a failed local delivery is
// not seen here.
func (d *NATSDispatcher) Publish(ctx context.Context, topic chat.Topic, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("broadcast: %w: %s: %v", chat.ErrDispatchFailed, topic, err)
	}
	if err := d.conn.Publish(string(topic), payload); err != nil {
		return fmt.Errorf("broadcast: %w: %s: %v", chat.ErrDispatchFailed, topic, err)
	}
	return nil
}

func (d *NATSDispatcher) Subscribe(topic chat.Topic, subscriberID string, h Handler) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.reg.add(topic, subscriberID, h)
	if _, ok := d.subs[topic]; ok {
		return nil
	}

	sub, err := d.conn.Subscribe(string(topic), func(msg *nats.Msg) {
		d.fanout(topic, msg.Data)
	})
	if err != nil {
		d.reg.remove(topic, subscriberID)
		return fmt.Errorf("broadcast: nats subscribe %s: %w", topic, err)
	}
	d.subs[topic] = sub
	return nil
}

func (d *NATSDispatcher) Unsubscribe(topic chat.Topic, subscriberID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	removed, empty := d.reg.remove(topic, subscriberID)
	if !removed {
		return fmt.Errorf("broadcast: %s is not subscribed to %s", subscriberID, topic)
	}
	if empty {
		return d.dropLocked(topic)
	}
	return nil
}

func (d *NATSDispatcher) UnsubscribeAll(subscriberID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, topic := range d.reg.removeAll(subscriberID) {
		if err := d.dropLocked(topic); err != nil {
			d.log.Warn().Err(err).Str("topic", string(topic)).Msg("unsubscribe failed")
		}
	}
}

// Close drains all active subscriptions and closes the NATS connection.
func (d *NATSDispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for topic, sub := range d.subs {
		if err := sub.Drain(); err != nil {
			d.log.Warn().Err(err).Str("topic", string(topic)).Msg("drain failed")
		}
	}
	d.subs = make(map[chat.Topic]*nats.Subscription)

	if err := d.conn.Drain(); err != nil {
		return fmt.Errorf("broadcast: nats drain: %w", err)
	}
	return nil
}

func (d *NATSDispatcher) dropLocked(topic chat.Topic) error {
	sub, ok := d.subs[topic]
	if !ok {
		return nil
	}
	delete(d.subs, topic)
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("broadcast: nats unsubscribe %s: %w", topic, err)
	}
	return nil
}

func (d *NATSDispatcher) fanout(topic chat.Topic, payload []byte) {
	handlers := d.reg.snapshot(topic)
	if failed, _ := deliver(context.Background(), handlers, payload); failed > 0 {
		d.log.Debug().Str("topic", string(topic)).Int("failed", failed).Int("subscribers", len(handlers)).Msg("partial delivery")
	}
}
