// Package streaming is the Message Bus Adapter: publish/subscribe
// transport over the lifo4/{system_id}/{channel} topic contract, with
// three quality levels and reconnect/last-will semantics.
package streaming

import (
	"context"
	"time"
)

// QoS is the delivery guarantee requested for a publish.
type QoS int

const (
	AtMostOnce  QoS = 0
	AtLeastOnce QoS = 1
	ExactlyOnce QoS = 2
)

// Event is the envelope every delivered message is wrapped in.
type Event struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	Payload   []byte    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// Publisher publishes payloads at a requested QoS. Publish returns once
// the broker (or, for MemoryBus, the in-process fanout) has accepted the
// payload; it returns ErrTransportUnavailable while disconnected.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload interface{}, qos QoS) error
	Close() error
}

// Subscriber hands each delivered payload to handler. Handlers must be
// idempotent: AT_LEAST_ONCE deliveries may repeat.
type Subscriber interface {
	Subscribe(topicFilter string, handler func(event Event)) (Subscription, error)
}

// Subscription is a live subscription that can be torn down.
type Subscription interface {
	Unsubscribe() error
}

// Bus composes Publisher and Subscriber, plus lifecycle hooks every
// concrete transport (MemoryBus, MQTTBus) implements: connection state
// and a last-will payload registered before the first connect.
type Bus interface {
	Publisher
	Subscriber
	Connected() bool
	SetWill(topic string, payload interface{}, qos QoS)
}
