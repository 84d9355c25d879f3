package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/viktordrukker/TG-ERP/internal/infrastructure/config"
	"github.com/viktordrukker/TG-ERP/internal/infrastructure/mqtt"
)

// mqttRequeueTimeout bounds the republish that implements Nack with requeue.
const mqttRequeueTimeout = 5 * time.Second

// MQTTTransport carries events over an MQTT broker. Routing keys become
// topics under the exchange name, and the durable queue becomes a persistent
// session consuming through a shared subscription named after the queue.
type MQTTTransport struct {
	cfg    config.MQTTConfig
	prefix string
	logger Logger
}

// NewMQTTTransport creates a transport publishing under prefix (the
// exchange name). The client ID must be stable so the broker keeps the
// session while the service is away.
func NewMQTTTransport(cfg config.MQTTConfig, prefix string, logger Logger) *MQTTTransport {
	if logger == nil {
		logger = nopLogger{}
	}
	return &MQTTTransport{cfg: cfg, prefix: prefix, logger: logger}
}

// Name identifies the transport.
func (t *MQTTTransport) Name() string { return "mqtt" }

// Dial connects a persistent-session client.
func (t *MQTTTransport) Dial(ctx context.Context) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	client, err := mqtt.Connect(t.cfg, mqtt.Options{
		CleanSession: false,
		StatusTopic:  mqtt.StatusTopic(t.prefix, t.cfg.Broker.ClientID),
	})
	if err != nil {
		return nil, err
	}
	client.SetLogger(t.logger)

	c := &mqttChannel{
		client: client,
		prefix: t.prefix,
		notify: make(chan error, 1),
		done:   make(chan struct{}),
	}
	client.SetOnDisconnect(func(err error) {
		if err == nil {
			err = mqtt.ErrNotConnected
		}
		c.closeWith(err)
	})
	return c, nil
}

type mqttChannel struct {
	client *mqtt.Client
	prefix string
	topo   Topology

	out     chan Delivery
	sendMu  sync.RWMutex
	outDone bool

	notify chan error
	done   chan struct{}
	once   sync.Once
}

func (c *mqttChannel) Declare(_ context.Context, topo Topology) error {
	if topo.Exchange != "" && topo.Exchange != c.prefix {
		return fmt.Errorf("events: mqtt transport publishes under %q, not %q", c.prefix, topo.Exchange)
	}
	c.topo = topo
	return nil
}

func (c *mqttChannel) Publish(ctx context.Context, routingKey string, body []byte) error {
	if c.topo.Exchange == "" {
		return ErrNotDeclared
	}
	err := c.client.Publish(ctx, mqtt.TopicForKey(c.prefix, routingKey), body, c.client.QoS(), false)
	if errors.Is(err, mqtt.ErrNotConnected) {
		return ErrChannelClosed
	}
	return err
}

// Consume subscribes every binding through the queue's shared subscription.
// Each message handler blocks until its delivery is settled, so the broker
// acknowledgement follows Ack or Nack.
func (c *mqttChannel) Consume(_ context.Context) (<-chan Delivery, error) {
	if c.topo.Queue == "" {
		return nil, ErrNotDeclared
	}

	c.sendMu.Lock()
	c.out = make(chan Delivery)
	c.sendMu.Unlock()

	for _, binding := range c.topo.Bindings {
		filter := mqtt.SharedFilter(c.topo.Queue, mqtt.FilterForPattern(c.prefix, binding))
		if err := c.client.Subscribe(filter, c.client.QoS(), c.receive); err != nil {
			return nil, fmt.Errorf("subscribing %s: %w", filter, err)
		}
	}
	return c.out, nil
}

func (c *mqttChannel) receive(topic string, payload []byte) error {
	key, ok := mqtt.KeyFromTopic(c.prefix, topic)
	if !ok {
		return nil
	}
	d := &mqttDelivery{ch: c, key: key, body: payload, settled: make(chan struct{})}

	c.sendMu.RLock()
	if c.outDone {
		c.sendMu.RUnlock()
		return ErrChannelClosed
	}
	select {
	case c.out <- d:
	case <-c.done:
		c.sendMu.RUnlock()
		return ErrChannelClosed
	}
	c.sendMu.RUnlock()

	select {
	case <-d.settled:
		return nil
	case <-c.done:
		return ErrChannelClosed
	}
}

func (c *mqttChannel) NotifyClose() <-chan error { return c.notify }

func (c *mqttChannel) Close() error {
	c.closeWith(nil)
	return c.client.Close()
}

func (c *mqttChannel) closeWith(err error) {
	c.once.Do(func() {
		close(c.done)

		c.sendMu.Lock()
		c.outDone = true
		if c.out != nil {
			close(c.out)
		}
		c.sendMu.Unlock()

		c.notify <- err
	})
}

type mqttDelivery struct {
	ch      *mqttChannel
	key     string
	body    []byte
	settled chan struct{}
	once    sync.Once
}

func (d *mqttDelivery) RoutingKey() string { return d.key }
func (d *mqttDelivery) Body() []byte       { return d.body }

func (d *mqttDelivery) Ack() error {
	d.once.Do(func() { close(d.settled) })
	return nil
}

// Nack with requeue republishes the message to its topic before releasing
// the original.
func (d *mqttDelivery) Nack(requeue bool) error {
	var err error
	if requeue {
		ctx, cancel := context.WithTimeout(context.Background(), mqttRequeueTimeout)
		defer cancel()
		err = d.ch.client.Publish(ctx, mqtt.TopicForKey(d.ch.prefix, d.key), d.body, d.ch.client.QoS(), false)
	}
	d.once.Do(func() { close(d.settled) })
	return err
}
