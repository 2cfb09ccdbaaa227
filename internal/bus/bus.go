// Package bus implements the Agent Network: topic-addressed pub/sub with
// at-least-once delivery within a session, a bounded outbound queue per
// subscriber, and a total-ordered history. The in-process implementation
// is canonical; an optional NATS-backed adapter relays into it for
// multi-process deployments, grounded on the same publish/subscribe shape.
package bus

import (
	"context"
	"encoding/json"

	"github.com/apex-trading/apex-core/internal/model"
)

// Handler processes one delivered message. An error is logged by the
// runtime but does not stop delivery to other subscribers.
type Handler func(model.Message) error

// SlowSubscriberEvent is emitted when a subscriber's queue overflows and
// it is dropped, per the no-silent-drop invariant.
type SlowSubscriberEvent struct {
	SessionID      string
	SubscriptionID uint64
	Topic          string
	QueueDepth     int
}

// Subscription is a handle returned by Subscribe; Unsubscribe stops
// delivery.
type Subscription interface {
	ID() uint64
	Topic() string
	Unsubscribe() error
}

// Bus is the Agent Network port.
type Bus interface {
	// Publish assigns a monotonic id, records the message in history and
	// delivers it to every matching subscriber for the session.
	Publish(ctx context.Context, in PublishInput) (model.Message, error)

	// Subscribe registers handler for every future message on sessionID
	// whose topic matches topicPattern ("*" matches everything; a "."
	// separated pattern may use "*" to match exactly one segment).
	Subscribe(sessionID, topicPattern string, handler Handler) (Subscription, error)

	// Unsubscribe stops delivery to sub.
	Unsubscribe(sub Subscription) error

	// History returns messages for sessionID with id > sinceMsgID, in
	// strictly increasing id order.
	History(sessionID string, sinceMsgID uint64) ([]model.Message, error)

	// OnSlowSubscriber registers a callback invoked whenever a subscriber
	// is dropped for falling behind.
	OnSlowSubscriber(func(SlowSubscriberEvent))
}

// PublishInput is everything the caller supplies; ID and Timestamp are
// assigned by the bus.
type PublishInput struct {
	SessionID   string
	From        model.Role
	To          string
	Topic       string
	Payload     json.RawMessage
	CausationID *uint64
}
