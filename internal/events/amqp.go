package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQP session constants.
const (
	amqpHeartbeat     = 10 * time.Second
	amqpDialTimeout   = 10 * time.Second
	amqpPrefetchCount = 16
	amqpContentType   = "application/json"
)

// AMQPTransport dials a RabbitMQ-compatible broker.
type AMQPTransport struct {
	url      string
	consumer string
}

// NewAMQPTransport creates a transport for url. consumer tags this service's
// consumer on the broker.
func NewAMQPTransport(url, consumer string) *AMQPTransport {
	return &AMQPTransport{url: url, consumer: consumer}
}

// Name identifies the transport.
func (t *AMQPTransport) Name() string { return "amqp" }

// Dial opens a connection and a channel in publisher-confirm mode.
func (t *AMQPTransport) Dial(ctx context.Context) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conn, err := amqp.DialConfig(t.url, amqp.Config{
		Heartbeat: amqpHeartbeat,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(amqpDialTimeout),
	})
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close() //nolint:errcheck // dial already failed
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close() //nolint:errcheck // dial already failed
		return nil, fmt.Errorf("amqp confirm mode: %w", err)
	}

	c := &amqpChannel{
		conn:     conn,
		ch:       ch,
		consumer: t.consumer,
		notify:   make(chan error, 1),
		done:     make(chan struct{}),
	}
	go c.watch(
		conn.NotifyClose(make(chan *amqp.Error, 1)),
		ch.NotifyClose(make(chan *amqp.Error, 1)),
	)
	return c, nil
}

type amqpChannel struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	consumer string

	exchange string
	queue    string

	// pubMu serialises publishes so confirms match their messages.
	pubMu sync.Mutex

	notify chan error
	done   chan struct{}
	once   sync.Once
}

// watch forwards the first close notification from the connection or the
// channel. A graceful close arrives as a closed notify channel.
func (c *amqpChannel) watch(connClosed, chClosed <-chan *amqp.Error) {
	var err error
	select {
	case e, ok := <-connClosed:
		if ok && e != nil {
			err = e
		} else {
			err = ErrChannelClosed
		}
	case e, ok := <-chClosed:
		if ok && e != nil {
			err = e
		} else {
			err = ErrChannelClosed
		}
	case <-c.done:
	}
	c.notify <- err
}

func (c *amqpChannel) Declare(_ context.Context, topo Topology) error {
	if err := c.ch.ExchangeDeclare(topo.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring exchange %s: %w", topo.Exchange, err)
	}
	c.exchange = topo.Exchange

	if topo.Queue == "" {
		return nil
	}
	if _, err := c.ch.QueueDeclare(topo.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring queue %s: %w", topo.Queue, err)
	}
	for _, binding := range topo.Bindings {
		if err := c.ch.QueueBind(topo.Queue, binding, topo.Exchange, false, nil); err != nil {
			return fmt.Errorf("binding %s to %s: %w", binding, topo.Queue, err)
		}
	}
	if err := c.ch.Qos(amqpPrefetchCount, 0, false); err != nil {
		return fmt.Errorf("setting prefetch: %w", err)
	}
	c.queue = topo.Queue
	return nil
}

func (c *amqpChannel) Publish(ctx context.Context, routingKey string, body []byte) error {
	if c.exchange == "" {
		return ErrNotDeclared
	}

	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	confirm, err := c.ch.PublishWithDeferredConfirmWithContext(ctx, c.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  amqpContentType,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		if errors.Is(err, amqp.ErrClosed) {
			return ErrChannelClosed
		}
		return err
	}
	if confirm == nil {
		return nil
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return errors.New("events: broker rejected message")
	}
	return nil
}

func (c *amqpChannel) Consume(ctx context.Context) (<-chan Delivery, error) {
	if c.queue == "" {
		return nil, ErrNotDeclared
	}

	src, err := c.ch.ConsumeWithContext(ctx, c.queue, c.consumer, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consuming %s: %w", c.queue, err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for d := range src {
			select {
			case out <- amqpDelivery{d: d}:
			case <-c.done:
				// Unacked deliveries return to the queue when the channel closes.
				return
			}
		}
	}()
	return out, nil
}

func (c *amqpChannel) NotifyClose() <-chan error { return c.notify }

func (c *amqpChannel) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.conn.Close()
		if errors.Is(err, amqp.ErrClosed) {
			err = nil
		}
	})
	return err
}

type amqpDelivery struct {
	d amqp.Delivery
}

func (d amqpDelivery) RoutingKey() string      { return d.d.RoutingKey }
func (d amqpDelivery) Body() []byte            { return d.d.Body }
func (d amqpDelivery) Ack() error              { return d.d.Ack(false) }
func (d amqpDelivery) Nack(requeue bool) error { return d.d.Nack(false, requeue) }
