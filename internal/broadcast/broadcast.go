// Package broadcast fans payloads out to the connections subscribed to a
// topic. Delivery is at-most-once: a subscriber that misses a publish is
// never retried and late subscribers get no replay.
package broadcast

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jummah/chat-server/internal/chat"
	"github.com/jummah/chat-server/internal/protocol"
)

// Handler receives an encoded frame. It must not block; a returned error
// marks the delivery to that subscriber as failed.
type Handler func(payload []byte) error

// Dispatcher is the pub/sub contract used by the router, the lifecycle
// handler and the WebSocket server.
//
// Publish error reporting differs between implementations. LocalDispatcher
// delivers synchronously and returns chat.ErrDispatchFailed when any
// subscriber's handler fails, for example on a full outbound queue.
// NATSDispatcher returns an error only when the broker rejects the publish;
// handler failures happen later in its subscription callback and are logged
// there, never reported to the publisher.
type Dispatcher interface {
	Publish(ctx context.Context, topic chat.Topic, payload []byte) error
	Subscribe(topic chat.Topic, subscriberID string, h Handler) error
	Unsubscribe(topic chat.Topic, subscriberID string) error
	// UnsubscribeAll drops every subscription held by subscriberID.
	UnsubscribeAll(subscriberID string)
	Close() error
}

// registry is the in-process topic -> subscriber table shared by both
// dispatchers.
type registry struct {
	mu     sync.RWMutex
	topics map[chat.Topic]map[string]Handler
	owned  map[string]map[chat.Topic]struct{} // subscriberID -> topics
}

func newRegistry() *registry {
	return &registry{
		topics: make(map[chat.Topic]map[string]Handler),
		owned:  make(map[string]map[chat.Topic]struct{}),
	}
}

// add registers h and reports whether topic had no subscribers before.
func (r *registry) add(topic chat.Topic, id string, h Handler) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.topics[topic]
	if !ok {
		subs = make(map[string]Handler)
		r.topics[topic] = subs
	}
	subs[id] = h

	if r.owned[id] == nil {
		r.owned[id] = make(map[chat.Topic]struct{})
	}
	r.owned[id][topic] = struct{}{}
	return !ok
}

// remove drops one subscription and reports whether topic is now empty.
func (r *registry) remove(topic chat.Topic, id string) (removed, empty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(topic, id)
}

func (r *registry) removeLocked(topic chat.Topic, id string) (removed, empty bool) {
	subs, ok := r.topics[topic]
	if !ok {
		return false, false
	}
	if _, ok := subs[id]; !ok {
		return false, false
	}
	delete(subs, id)
	if t := r.owned[id]; t != nil {
		delete(t, topic)
		if len(t) == 0 {
			delete(r.owned, id)
		}
	}
	if len(subs) == 0 {
		delete(r.topics, topic)
		return true, true
	}
	return true, false
}

// removeAll drops every subscription of id and returns the topics left
// without subscribers.
func (r *registry) removeAll(id string) []chat.Topic {
	r.mu.Lock()
	defer r.mu.Unlock()

	var emptied []chat.Topic
	for topic := range r.owned[id] {
		if _, empty := r.removeLocked(topic, id); empty {
			emptied = append(emptied, topic)
		}
	}
	delete(r.owned, id)
	return emptied
}

// snapshot copies the handlers subscribed to topic at this instant.
func (r *registry) snapshot(topic chat.Topic) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs := r.topics[topic]
	out := make([]Handler, 0, len(subs))
	for _, h := range subs {
		out = append(out, h)
	}
	return out
}

// count returns the number of subscribers on topic.
func (r *registry) count(topic chat.Topic) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics[topic])
}

// deliver hands payload to every handler, stopping early if ctx ends. It
// returns the number of failed deliveries, counting the undelivered rest as
// failed when ctx expires.
func deliver(ctx context.Context, handlers []Handler, payload []byte) (failed int, err error) {
	for i, h := range handlers {
		if err := ctx.Err(); err != nil {
			return failed + len(handlers) - i, err
		}
		if h(payload) != nil {
			failed++
		}
	}
	return failed, nil
}

// Publisher encodes chat messages into broadcast frames and publishes them on
// the message's topic within a bounded time.
type Publisher struct {
	d       Dispatcher
	timeout time.Duration
	log     zerolog.Logger
}

func NewPublisher(d Dispatcher, timeout time.Duration, logger zerolog.Logger) *Publisher {
	return &Publisher{d: d, timeout: timeout, log: logger}
}

// PublishMessage sends msg to its room topic (or the global topic). Timeouts
// and delivery failures are reported as chat.ErrDispatchFailed.
func (p *Publisher) PublishMessage(ctx context.Context, msg chat.Message) error {
	payload, err := protocol.EncodeBroadcast(msg)
	if err != nil {
		return fmt.Errorf("broadcast: %w: %v", chat.ErrDispatchFailed, err)
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	topic := msg.Topic()
	if err := p.d.Publish(ctx, topic, payload); err != nil {
		p.log.Warn().Err(err).Str("topic", string(topic)).Msg("broadcast failed")
		return err
	}
	return nil
}

// Dispatcher returns the underlying dispatcher.
func (p *Publisher) Dispatcher() Dispatcher { return p.d }
