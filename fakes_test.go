package rabbitmqclient

import (
	"context"
	"errors"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/GtechGovind/RabbitMQClient/internal/rabbitmq"
)

var errRefused = errors.New("dial tcp 127.0.0.1:5672: connect: connection refused")

type publishCall struct {
	exchange, routingKey string
	body                 []byte
	contentType          string
	deliveryMode         uint8
}

// fakeBroker implements rabbitmq.Dialer and records everything sent through it
type fakeBroker struct {
	mu       sync.Mutex
	failFn   func(n int) error
	dials    []time.Time
	conns    []*brokerConn
	publish  []publishCall
	queues   map[string]amqp.Table
	exchange map[string]string
	handlers map[string][]chan amqp.Delivery
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		queues:   make(map[string]amqp.Table),
		exchange: make(map[string]string),
		handlers: make(map[string][]chan amqp.Delivery),
	}
}

func (b *fakeBroker) Dial(_ context.Context, _ rabbitmq.Endpoint) (rabbitmq.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials = append(b.dials, time.Now())
	if b.failFn != nil {
		if err := b.failFn(len(b.dials)); err != nil {
			return nil, err
		}
	}
	conn := &brokerConn{broker: b}
	b.conns = append(b.conns, conn)
	return conn, nil
}

func (b *fakeBroker) setFailure(fn func(int) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failFn = fn
}

func (b *fakeBroker) dialTimes() []time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]time.Time(nil), b.dials...)
}

func (b *fakeBroker) published() []publishCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]publishCall(nil), b.publish...)
}

func (b *fakeBroker) queueArgs(name string) (amqp.Table, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	args, ok := b.queues[name]
	return args, ok
}

func (b *fakeBroker) exchangeKind(name string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exchange[name]
}

// drop simulates the broker closing the newest connection
func (b *fakeBroker) drop() {
	b.mu.Lock()
	conn := b.conns[len(b.conns)-1]
	b.mu.Unlock()
	conn.terminate(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED", Server: true})
}

// deliver sends body to every consumer of queue
func (b *fakeBroker) deliver(queue, body string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.handlers[queue] {
		ch <- amqp.Delivery{Body: []byte(body)}
	}
}

func (b *fakeBroker) consumerCount(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers[queue])
}

type brokerConn struct {
	broker    *fakeBroker
	mu        sync.Mutex
	closed    bool
	receivers []chan *amqp.Error
	channels  []*brokerChannel
}

func (c *brokerConn) Channel() (rabbitmq.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &brokerChannel{broker: c.broker}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *brokerConn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.receivers = append(c.receivers, receiver)
	return receiver
}

func (c *brokerConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *brokerConn) Close() error {
	c.terminate(nil)
	return nil
}

func (c *brokerConn) terminate(err *amqp.Error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	receivers, channels := c.receivers, c.channels
	c.receivers = nil
	c.mu.Unlock()

	for _, ch := range channels {
		_ = ch.Close()
	}
	for _, r := range receivers {
		if err != nil {
			r <- err
		}
		close(r)
	}
}

type brokerChannel struct {
	broker    *fakeBroker
	mu        sync.Mutex
	closed    bool
	consumers []chan amqp.Delivery
}

func (ch *brokerChannel) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp.Table) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	ch.broker.exchange[name] = kind
	return nil
}

func (ch *brokerChannel) QueueDeclare(name string, _, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	ch.broker.queues[name] = args
	return amqp.Queue{Name: name}, nil
}

func (ch *brokerChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	ch.broker.publish = append(ch.broker.publish, publishCall{exchange, key, msg.Body, msg.ContentType, msg.DeliveryMode})
	return nil
}

func (ch *brokerChannel) Consume(queue, _ string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	deliveries := make(chan amqp.Delivery, 16)

	ch.mu.Lock()
	ch.consumers = append(ch.consumers, deliveries)
	ch.mu.Unlock()

	ch.broker.mu.Lock()
	ch.broker.handlers[queue] = append(ch.broker.handlers[queue], deliveries)
	ch.broker.mu.Unlock()
	return deliveries, nil
}

func (ch *brokerChannel) Cancel(string, bool) error { return nil }

func (ch *brokerChannel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	return receiver
}

func (ch *brokerChannel) Close() error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil
	}
	ch.closed = true
	consumers := ch.consumers
	ch.mu.Unlock()

	ch.broker.mu.Lock()
	for queue, list := range ch.broker.handlers {
		kept := list[:0]
		for _, d := range list {
			if !containsDelivery(consumers, d) {
				kept = append(kept, d)
			}
		}
		ch.broker.handlers[queue] = kept
	}
	ch.broker.mu.Unlock()

	for _, d := range consumers {
		close(d)
	}
	return nil
}

func containsDelivery(list []chan amqp.Delivery, d chan amqp.Delivery) bool {
	for _, c := range list {
		if c == d {
			return true
		}
	}
	return false
}
