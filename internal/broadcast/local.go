package broadcast

import (
	"context"
	"fmt"

	"github.com/jummah/chat-server/internal/chat"
)

// LocalDispatcher delivers publishes to subscribers in this process only.
type LocalDispatcher struct {
	reg *registry
}

func NewLocalDispatcher() *LocalDispatcher {
	return &LocalDispatcher{reg: newRegistry()}
}

// Publish delivers payload to the subscribers registered at the moment of
// the call.
func (d *LocalDispatcher) Publish(ctx context.Context, topic chat.Topic, payload []byte) error {
	handlers := d.reg.snapshot(topic)
	failed, err := deliver(ctx, handlers, payload)
	if err != nil {
		return fmt.Errorf("broadcast: %w: %s: %v", chat.ErrDispatchFailed, topic, err)
	}
	if failed > 0 {
		return fmt.Errorf("broadcast: %w: %s: %d of %d subscribers", chat.ErrDispatchFailed, topic, failed, len(handlers))
	}
	return nil
}

func (d *LocalDispatcher) Subscribe(topic chat.Topic, subscriberID string, h Handler) error {
	d.reg.add(topic, subscriberID, h)
	return nil
}

func (d *LocalDispatcher) Unsubscribe(topic chat.Topic, subscriberID string) error {
	if removed, _ := d.reg.remove(topic, subscriberID); !removed {
		return fmt.Errorf("broadcast: %s is not subscribed to %s", subscriberID, topic)
	}
	return nil
}

func (d *LocalDispatcher) UnsubscribeAll(subscriberID string) {
	d.reg.removeAll(subscriberID)
}

// Subscribers returns the number of subscribers on topic.
func (d *LocalDispatcher) Subscribers(topic chat.Topic) int {
	return d.reg.count(topic)
}

func (d *LocalDispatcher) Close() error { return nil }
