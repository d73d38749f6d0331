// Package bus abstracts the cross-instance fan-out mechanism. Any transport
// with at-least-once delivery per topic satisfies the contract; the
// production implementation is Redis Pub/Sub.
package bus

import "context"

// Bus publishes raw payloads to topics and hands out live subscriptions.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe returns a live stream for the topic. The stream ends when the
	// context is cancelled or Close is called; closing must never block a
	// publisher.
	Subscribe(ctx context.Context, topic string) (Subscription, error)
}

// Subscription is a cancellable stream of payloads for a single topic.
type Subscription interface {
	// C yields payloads in the order this instance received them. The channel
	// is closed after Close or context cancellation.
	C() <-chan []byte
	Close() error
}
