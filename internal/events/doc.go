// Package events carries domain events between the IAM core and the rest of
// the platform over a topic-routed, durable message channel.
//
// A Publisher owns one live Channel at a time. Run dials the configured
// Transport, declares the topic exchange and the durable queue, binds the
// consumed routing-key patterns and dispatches deliveries to registered
// handlers. When the connection drops it waits a fixed interval and dials
// again until its context is cancelled.
//
// Publishing is best-effort: with no live channel Publish returns false at
// once instead of waiting for the next reconnect.
//
// Transports:
//   - amqp: RabbitMQ topic exchange via rabbitmq/amqp091-go
//   - mqtt: MQTT broker with a persistent session and shared subscription
//   - memory: in-process topic exchange for development and tests
package events
