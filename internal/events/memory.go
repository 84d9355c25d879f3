package events

import (
	"context"
	"errors"
	"sync"
)

// ErrBrokerDown is returned by MemoryBroker.Dial while the broker is down.
var ErrBrokerDown = errors.New("events: memory broker down")

// MemoryBroker is an in-process topic exchange with durable queues.
// Queues keep their messages across channel reconnects, and unacknowledged
// deliveries return to the head of the queue when their channel closes.
type MemoryBroker struct {
	mu       sync.Mutex
	queues   map[string]*memQueue
	channels map[*memChannel]struct{}
	down     bool
}

type memMessage struct {
	key  string
	body []byte
}

type memQueue struct {
	exchange  string
	bindings  []string
	msgs      []memMessage
	consumers map[*memChannel]struct{}
}

// NewMemoryBroker creates an empty broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		queues:   make(map[string]*memQueue),
		channels: make(map[*memChannel]struct{}),
	}
}

// Name identifies the transport.
func (b *MemoryBroker) Name() string { return "memory" }

// Dial opens a channel, failing with ErrBrokerDown while the broker is down.
func (b *MemoryBroker) Dial(ctx context.Context) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.down {
		return nil, ErrBrokerDown
	}
	ch := &memChannel{
		broker:   b,
		closed:   make(chan struct{}),
		notify:   make(chan error, 1),
		wake:     make(chan struct{}, 1),
		inflight: make(map[uint64]memMessage),
	}
	b.channels[ch] = struct{}{}
	return ch, nil
}

// SetDown marks the broker unreachable and drops every live channel, or
// brings it back.
func (b *MemoryBroker) SetDown(down bool) {
	b.mu.Lock()
	b.down = down
	b.mu.Unlock()

	if down {
		b.Disconnect()
	}
}

// Disconnect drops every live channel as if the connection were lost.
func (b *MemoryBroker) Disconnect() {
	b.mu.Lock()
	live := make([]*memChannel, 0, len(b.channels))
	for ch := range b.channels {
		live = append(live, ch)
	}
	b.mu.Unlock()

	for _, ch := range live {
		ch.closeWith(errors.New("events: connection lost"))
	}
}

// QueueDepth returns the number of ready messages in queue.
func (b *MemoryBroker) QueueDepth(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queue]; ok {
		return len(q.msgs)
	}
	return 0
}

// route appends msg to every bound queue of exchange. Callers hold b.mu.
func (b *MemoryBroker) route(exchange string, msg memMessage) {
	for _, q := range b.queues {
		if q.exchange == exchange && matchesAny(q.bindings, msg.key) {
			q.msgs = append(q.msgs, msg)
			q.wakeAll()
		}
	}
}

func (q *memQueue) wakeAll() {
	for c := range q.consumers {
		select {
		case c.wake <- struct{}{}:
		default:
		}
	}
}

// memChannel is one session on a MemoryBroker.
type memChannel struct {
	broker *MemoryBroker

	exchange string
	queue    *memQueue

	wake     chan struct{}
	closed   chan struct{}
	notify   chan error
	once     sync.Once
	nextTag  uint64
	inflight map[uint64]memMessage // guarded by broker.mu
}

func (c *memChannel) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *memChannel) Declare(_ context.Context, topo Topology) error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.isClosed() {
		return ErrChannelClosed
	}

	c.exchange = topo.Exchange
	if topo.Queue == "" {
		return nil
	}

	q, ok := b.queues[topo.Queue]
	if !ok {
		q = &memQueue{exchange: topo.Exchange, consumers: make(map[*memChannel]struct{})}
		b.queues[topo.Queue] = q
	}
	for _, binding := range topo.Bindings {
		if !containsString(q.bindings, binding) {
			q.bindings = append(q.bindings, binding)
		}
	}
	c.queue = q
	return nil
}

func (c *memChannel) Publish(ctx context.Context, routingKey string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.isClosed() {
		return ErrChannelClosed
	}
	if c.exchange == "" {
		return ErrNotDeclared
	}

	b.route(c.exchange, memMessage{key: routingKey, body: append([]byte(nil), body...)})
	return nil
}

func (c *memChannel) Consume(_ context.Context) (<-chan Delivery, error) {
	b := c.broker
	b.mu.Lock()
	if c.isClosed() {
		b.mu.Unlock()
		return nil, ErrChannelClosed
	}
	if c.queue == nil {
		b.mu.Unlock()
		return nil, ErrNotDeclared
	}
	c.queue.consumers[c] = struct{}{}
	b.mu.Unlock()

	out := make(chan Delivery)
	go c.pump(out)
	return out, nil
}

// pump moves ready messages to out until the channel closes.
func (c *memChannel) pump(out chan<- Delivery) {
	defer close(out)

	for {
		d, ok := c.next()
		if !ok {
			return
		}
		select {
		case out <- d:
		case <-c.closed:
			// Not handed over; closeWith already requeued inflight.
			return
		}
	}
}

// next pops the head of the queue into the inflight set, blocking until a
// message is ready or the channel closes.
func (c *memChannel) next() (*memDelivery, bool) {
	b := c.broker
	for {
		b.mu.Lock()
		if c.isClosed() {
			b.mu.Unlock()
			return nil, false
		}
		if len(c.queue.msgs) > 0 {
			msg := c.queue.msgs[0]
			c.queue.msgs = c.queue.msgs[1:]
			c.nextTag++
			tag := c.nextTag
			c.inflight[tag] = msg
			b.mu.Unlock()
			return &memDelivery{ch: c, tag: tag, msg: msg}, true
		}
		b.mu.Unlock()

		select {
		case <-c.wake:
		case <-c.closed:
			return nil, false
		}
	}
}

func (c *memChannel) NotifyClose() <-chan error { return c.notify }

func (c *memChannel) Close() error {
	c.closeWith(nil)
	return nil
}

// closeWith ends the session once, returning unacknowledged messages to the
// head of the queue in their original order.
func (c *memChannel) closeWith(err error) {
	c.once.Do(func() {
		b := c.broker
		b.mu.Lock()
		close(c.closed)
		delete(b.channels, c)
		if c.queue != nil {
			delete(c.queue.consumers, c)
			if len(c.inflight) > 0 {
				tags := make([]uint64, 0, len(c.inflight))
				for tag := range c.inflight {
					tags = append(tags, tag)
				}
				sortTags(tags)
				back := make([]memMessage, 0, len(tags)+len(c.queue.msgs))
				for _, tag := range tags {
					back = append(back, c.inflight[tag])
				}
				c.queue.msgs = append(back, c.queue.msgs...)
				c.inflight = make(map[uint64]memMessage)
				c.queue.wakeAll()
			}
		}
		b.mu.Unlock()

		c.notify <- err
	})
}

type memDelivery struct {
	ch  *memChannel
	tag uint64
	msg memMessage
}

func (d *memDelivery) RoutingKey() string { return d.msg.key }
func (d *memDelivery) Body() []byte       { return d.msg.body }

func (d *memDelivery) Ack() error {
	return d.settle(false)
}

func (d *memDelivery) Nack(requeue bool) error {
	return d.settle(requeue)
}

func (d *memDelivery) settle(requeue bool) error {
	b := d.ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := d.ch.inflight[d.tag]; !ok {
		return ErrChannelClosed
	}
	delete(d.ch.inflight, d.tag)
	if requeue {
		q := d.ch.queue
		q.msgs = append([]memMessage{d.msg}, q.msgs...)
		q.wakeAll()
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func sortTags(tags []uint64) {
	for i := 1; i < len(tags); i++ {
		for j := i; j > 0 && tags[j] < tags[j-1]; j-- {
			tags[j], tags[j-1] = tags[j-1], tags[j]
		}
	}
}
