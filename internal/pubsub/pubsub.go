// Package pubsub fans view snapshots out to SSE subscribers.
package pubsub

import (
	"context"
	"encoding/json"
)

// Event is one published message.
type Event struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
	Version int             `json:"version"` // per-topic, increasing
}

// Subscription receives the events of one topic.
type Subscription interface {
	Topic() string
	Events() <-chan Event
	Close() error
}

// Publisher manages topics and their subscribers.
type Publisher interface {
	// Subscribe creates a new subscription to a topic. Context cancellation
	// closes the subscription.
	Subscribe(ctx context.Context, topic string) (Subscription, error)

	// Publish sends an event to all subscribers of a topic.
	Publish(topic string, eventType string, data any) error

	// DropTopic discards a topic's buffer and ends its subscriptions.
	DropTopic(topic string)

	Close() error
}
