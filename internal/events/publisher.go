package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/viktordrukker/TG-ERP/internal/infrastructure/metrics"
)

// Publisher defaults.
const (
	DefaultReconnectInterval = 5 * time.Second
	DefaultPublishTimeout    = 2 * time.Second
)

// Handler processes one consumed event. A returned error (or a panic)
// negatively acknowledges the delivery with requeue.
type Handler func(ctx context.Context, ev Event) error

// Logger is the logging interface used by the events package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Config configures a Publisher.
type Config struct {
	Topology Topology

	// Source is stamped on emitted envelopes.
	Source string

	// ReconnectInterval is the fixed wait between connection attempts.
	ReconnectInterval time.Duration

	// PublishTimeout bounds a single publish attempt.
	PublishTimeout time.Duration
}

type route struct {
	pattern string
	handler Handler
}

// Publisher publishes domain events and dispatches consumed ones.
//
// Thread Safety:
//   - Publish, Emit and Handle are safe for concurrent use.
//   - Run must be called once; it owns the channel lifecycle.
type Publisher struct {
	transport Transport
	cfg       Config
	logger    Logger

	mu sync.RWMutex
	ch Channel

	routesMu sync.RWMutex
	routes   []route
}

// NewPublisher creates a publisher over transport. Nothing is dialled until Run.
func NewPublisher(transport Transport, cfg Config, logger Logger) (*Publisher, error) {
	if transport == nil {
		return nil, errors.New("events: transport is required")
	}
	if cfg.Topology.Exchange == "" {
		return nil, errors.New("events: exchange is required")
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = DefaultReconnectInterval
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = DefaultPublishTimeout
	}
	if cfg.Topology.Bindings == nil {
		cfg.Topology.Bindings = DefaultBindings
	}
	if logger == nil {
		logger = nopLogger{}
	}
	return &Publisher{transport: transport, cfg: cfg, logger: logger}, nil
}

// Handle registers handler for routing keys matching pattern. Patterns use
// AMQP topic syntax. Every matching handler runs for a delivery.
func (p *Publisher) Handle(pattern string, handler Handler) {
	p.routesMu.Lock()
	defer p.routesMu.Unlock()
	p.routes = append(p.routes, route{pattern: pattern, handler: handler})
}

// Connected reports whether a live channel is held.
func (p *Publisher) Connected() bool {
	return p.channel() != nil
}

// HealthCheck returns ErrChannelUnavailable while disconnected.
func (p *Publisher) HealthCheck(_ context.Context) error {
	if !p.Connected() {
		return ErrChannelUnavailable
	}
	return nil
}

// Transport returns the name of the underlying transport.
func (p *Publisher) Transport() string {
	return p.transport.Name()
}

// Publish serialises payload and sends it as a persistent message. It never
// waits for a reconnect: without a live channel it logs and returns false.
func (p *Publisher) Publish(ctx context.Context, routingKey string, payload any) bool {
	ch := p.channel()
	if ch == nil {
		p.logger.Warn("event dropped", "routing_key", routingKey, "error", ErrChannelUnavailable)
		metrics.EventPublishFailed("unavailable")
		return false
	}

	body, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error("event not serialisable", "routing_key", routingKey, "error", err)
		metrics.EventPublishFailed("encode")
		return false
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.PublishTimeout)
	defer cancel()

	if err := ch.Publish(pctx, routingKey, body); err != nil {
		p.logger.Warn("event publish failed", "routing_key", routingKey, "error", err)
		metrics.EventPublishFailed("broker")
		return false
	}

	metrics.EventPublished(routingKey)
	return true
}

// Emit wraps data in an Event envelope and publishes it under routingKey.
func (p *Publisher) Emit(ctx context.Context, routingKey, entityID string, data any) bool {
	ev, err := NewEvent(routingKey, entityID, p.cfg.Source, data)
	if err != nil {
		p.logger.Error("event not serialisable", "routing_key", routingKey, "error", err)
		metrics.EventPublishFailed("encode")
		return false
	}
	return p.Publish(ctx, routingKey, ev)
}

// Run keeps a session alive until ctx is cancelled. Each pass dials,
// declares the topology, consumes and, when the session ends, waits the
// reconnect interval before dialling again. Connection loss is never fatal.
func (p *Publisher) Run(ctx context.Context) {
	for {
		err := p.session(ctx)
		if ctx.Err() != nil {
			return
		}

		p.logger.Warn("event channel lost, reconnecting",
			"transport", p.transport.Name(),
			"retry_in", p.cfg.ReconnectInterval.String(),
			"error", err,
		)

		timer := time.NewTimer(p.cfg.ReconnectInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// session runs one connection until it fails or ctx is cancelled.
func (p *Publisher) session(ctx context.Context) error {
	ch, err := p.transport.Dial(ctx)
	if err != nil {
		return fmt.Errorf("dialling: %w", err)
	}
	defer func() {
		p.setChannel(nil)
		ch.Close() //nolint:errcheck // session already ending
	}()

	if err := ch.Declare(ctx, p.cfg.Topology); err != nil {
		return fmt.Errorf("declaring topology: %w", err)
	}

	deliveries, err := ch.Consume(ctx)
	if err != nil {
		return fmt.Errorf("starting consumer: %w", err)
	}

	closed := ch.NotifyClose()
	p.setChannel(ch)
	p.logger.Info("event channel connected",
		"transport", p.transport.Name(),
		"exchange", p.cfg.Topology.Exchange,
		"queue", p.cfg.Topology.Queue,
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-closed:
			if err == nil {
				err = ErrChannelClosed
			}
			return err
		case d, ok := <-deliveries:
			if !ok {
				return ErrChannelClosed
			}
			p.dispatch(ctx, d)
		}
	}
}

// dispatch routes one delivery. Unknown keys and undecodable payloads are
// acknowledged and dropped; handler failures are requeued.
func (p *Publisher) dispatch(ctx context.Context, d Delivery) {
	key := d.RoutingKey()
	handlers := p.match(key)

	if len(handlers) == 0 {
		p.logger.Warn("no handler for routing key, acknowledging", "routing_key", key)
		p.settle(key, "unknown", d.Ack())
		return
	}

	var ev Event
	if err := json.Unmarshal(d.Body(), &ev); err != nil {
		p.logger.Error("undecodable event, acknowledging", "routing_key", key, "error", err)
		p.settle(key, "malformed", d.Ack())
		return
	}
	if ev.Type == "" {
		ev.Type = key
	}

	for _, h := range handlers {
		if err := invoke(ctx, h, ev); err != nil {
			p.logger.Warn("event handler failed, requeueing",
				"routing_key", key, "event_id", ev.ID, "error", err)
			p.settle(key, "nack", d.Nack(true))
			return
		}
	}
	p.settle(key, "ack", d.Ack())
}

func (p *Publisher) settle(key, result string, err error) {
	metrics.EventConsumed(result)
	if err != nil {
		p.logger.Warn("settling delivery failed", "routing_key", key, "result", result, "error", err)
	}
}

// invoke runs h, converting a panic into an error.
func invoke(ctx context.Context, h Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, ev)
}

func (p *Publisher) match(key string) []Handler {
	p.routesMu.RLock()
	defer p.routesMu.RUnlock()

	var hs []Handler
	for _, r := range p.routes {
		if MatchKey(r.pattern, key) {
			hs = append(hs, r.handler)
		}
	}
	return hs
}

func (p *Publisher) channel() Channel {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ch
}

func (p *Publisher) setChannel(ch Channel) {
	p.mu.Lock()
	p.ch = ch
	p.mu.Unlock()
	metrics.SetBrokerConnected(ch != nil)
}
