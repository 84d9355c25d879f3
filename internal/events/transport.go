package events

import (
	"context"
	"errors"
)

// Errors shared by the transports and the publisher.
var (
	// ErrChannelUnavailable is reported when publishing with no live channel.
	ErrChannelUnavailable = errors.New("events: channel unavailable")

	// ErrChannelClosed is returned by operations on a closed channel.
	ErrChannelClosed = errors.New("events: channel closed")

	// ErrNotDeclared is returned when publishing before Declare.
	ErrNotDeclared = errors.New("events: topology not declared")
)

// Topology is the broker-side layout a channel declares.
type Topology struct {
	// Exchange is the topic exchange events are published to.
	Exchange string
	// Queue is the durable queue this service consumes from.
	Queue string
	// Bindings are routing-key patterns bound to Queue (* one word, # zero or more).
	Bindings []string
}

// Transport opens sessions to a broker.
type Transport interface {
	Name() string
	Dial(ctx context.Context) (Channel, error)
}

// Channel is one live broker session.
type Channel interface {
	// Declare creates the exchange, the durable queue and its bindings.
	Declare(ctx context.Context, topo Topology) error

	// Publish sends a persistent message and waits for the broker until ctx is done.
	Publish(ctx context.Context, routingKey string, body []byte) error

	// Consume starts delivery from the declared queue. The returned channel
	// is closed when the session ends.
	Consume(ctx context.Context) (<-chan Delivery, error)

	// NotifyClose yields once when the session is lost or closed.
	NotifyClose() <-chan error

	Close() error
}

// Delivery is one consumed message awaiting acknowledgement.
type Delivery interface {
	RoutingKey() string
	Body() []byte
	Ack() error
	Nack(requeue bool) error
}
