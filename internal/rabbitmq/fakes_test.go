package rabbitmq

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var errRefused = errors.New("dial tcp 127.0.0.1:5672: connect: connection refused")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEndpoint() Endpoint {
	return Endpoint{
		Host:        "localhost",
		Port:        5672,
		Username:    "guest",
		Password:    "guest",
		VirtualHost: "/",
	}
}

// newTestManager builds a manager over d with a short reconnect delay
func newTestManager(d *fakeDialer, opts ...ConnectionOption) *ConnectionManager {
	base := []ConnectionOption{
		WithDialer(d),
		WithLogger(discardLogger()),
		WithReconnectDelay(10 * time.Millisecond),
	}
	return NewConnectionManager(testEndpoint(), append(base, opts...)...)
}

// eventLog records close calls across fakes in order
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(event string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

// fakeDialer hands out fake connections; failFn decides per dial (1-based) whether it fails
type fakeDialer struct {
	mu         sync.Mutex
	failFn     func(n int) error
	channelErr error
	log        *eventLog
	dials      []time.Time
	conns      []*fakeConnection
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{log: &eventLog{}}
}

func alwaysFail(int) error { return errRefused }

func failFirst(count int) func(int) error {
	return func(n int) error {
		if n <= count {
			return errRefused
		}
		return nil
	}
}

func (d *fakeDialer) Dial(_ context.Context, _ Endpoint) (Connection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials = append(d.dials, time.Now())
	if d.failFn != nil {
		if err := d.failFn(len(d.dials)); err != nil {
			return nil, err
		}
	}

	conn := &fakeConnection{log: d.log, channelErr: d.channelErr}
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) setFailure(fn func(int) error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failFn = fn
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dials)
}

func (d *fakeDialer) dialTimes() []time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Time(nil), d.dials...)
}

func (d *fakeDialer) last() *fakeConnection {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

type fakeConnection struct {
	mu         sync.Mutex
	log        *eventLog
	closed     bool
	closeCalls int
	channelErr error
	channels   []*fakeChannel
	receivers  []chan *amqp.Error
}

func (c *fakeConnection) Channel() (Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}
	if c.channelErr != nil {
		return nil, c.channelErr
	}
	ch := &fakeChannel{log: c.log}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *fakeConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		close(receiver)
		return receiver
	}
	c.receivers = append(c.receivers, receiver)
	return receiver
}

func (c *fakeConnection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close is a graceful close: receivers are closed without a value
func (c *fakeConnection) Close() error {
	c.mu.Lock()
	c.closeCalls++
	if c.closed {
		c.mu.Unlock()
		return amqp.ErrClosed
	}
	c.closed = true
	receivers := c.receivers
	c.receivers = nil
	channels := append([]*fakeChannel(nil), c.channels...)
	c.mu.Unlock()

	c.log.add("connection.close")
	for _, r := range receivers {
		close(r)
	}
	for _, ch := range channels {
		ch.terminate(nil)
	}
	return nil
}

// shutdown simulates the broker or network dropping the connection
func (c *fakeConnection) shutdown(err *amqp.Error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	receivers := c.receivers
	c.receivers = nil
	channels := append([]*fakeChannel(nil), c.channels...)
	c.mu.Unlock()

	for _, ch := range channels {
		ch.terminate(err)
	}
	for _, r := range receivers {
		select {
		case r <- err:
		default:
		}
		close(r)
	}
}

func (c *fakeConnection) channel(i int) *fakeChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i >= len(c.channels) {
		return nil
	}
	return c.channels[i]
}

func (c *fakeConnection) channelCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.channels)
}

func (c *fakeConnection) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls
}

type declaredExchange struct {
	name, kind          string
	durable, autoDelete bool
}

type declaredQueue struct {
	name                string
	durable, autoDelete bool
	args                amqp.Table
}

type publishedMessage struct {
	exchange, routingKey string
	msg                  amqp.Publishing
}

type fakeConsumer struct {
	queue      string
	tag        string
	autoAck    bool
	deliveries chan amqp.Delivery
}

type fakeChannel struct {
	mu         sync.Mutex
	log        *eventLog
	closed     bool
	closeCalls int
	receivers  []chan *amqp.Error

	declareErr error
	publishErr error
	consumeErr error
	closeErr   error

	exchanges []declaredExchange
	queues    []declaredQueue
	published []publishedMessage
	consumers []*fakeConsumer
	cancelled []string
}

func (ch *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, _, _ bool, _ amqp.Table) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if ch.declareErr != nil {
		return ch.declareErr
	}
	ch.exchanges = append(ch.exchanges, declaredExchange{name, kind, durable, autoDelete})
	return nil
}

func (ch *fakeChannel) QueueDeclare(name string, durable, autoDelete, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	if ch.declareErr != nil {
		return amqp.Queue{}, ch.declareErr
	}
	ch.queues = append(ch.queues, declaredQueue{name, durable, autoDelete, args})
	return amqp.Queue{Name: name}, nil
}

func (ch *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if ch.publishErr != nil {
		return ch.publishErr
	}
	ch.published = append(ch.published, publishedMessage{exchange, key, msg})
	return nil
}

func (ch *fakeChannel) Consume(queue, consumer string, autoAck, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return nil, amqp.ErrClosed
	}
	if ch.consumeErr != nil {
		return nil, ch.consumeErr
	}
	fc := &fakeConsumer{
		queue:      queue,
		tag:        consumer,
		autoAck:    autoAck,
		deliveries: make(chan amqp.Delivery, 16),
	}
	ch.consumers = append(ch.consumers, fc)
	return fc.deliveries, nil
}

func (ch *fakeChannel) Cancel(consumer string, _ bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.cancelled = append(ch.cancelled, consumer)
	for i, fc := range ch.consumers {
		if fc.tag == consumer {
			close(fc.deliveries)
			ch.consumers = append(ch.consumers[:i], ch.consumers[i+1:]...)
			break
		}
	}
	return nil
}

func (ch *fakeChannel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.receivers = append(ch.receivers, receiver)
	return receiver
}

func (ch *fakeChannel) Close() error {
	ch.mu.Lock()
	ch.closeCalls++
	closeErr := ch.closeErr
	ch.mu.Unlock()

	ch.log.add("channel.close")
	ch.terminate(nil)
	return closeErr
}

// terminate closes the channel; a non-nil err is delivered to close listeners first
func (ch *fakeChannel) terminate(err *amqp.Error) {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.closed = true
	receivers := ch.receivers
	ch.receivers = nil
	consumers := ch.consumers
	ch.consumers = nil
	ch.mu.Unlock()

	for _, fc := range consumers {
		close(fc.deliveries)
	}
	for _, r := range receivers {
		if err != nil {
			select {
			case r <- err:
			default:
			}
		}
		close(r)
	}
}

// deliver pushes body to every consumer registered on queue
func (ch *fakeChannel) deliver(queue, body string) int {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	n := 0
	for _, fc := range ch.consumers {
		if fc.queue == queue {
			fc.deliveries <- amqp.Delivery{Body: []byte(body), ConsumerTag: fc.tag}
			n++
		}
	}
	return n
}

func (ch *fakeChannel) consumerFor(queue string) *fakeConsumer {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	for _, fc := range ch.consumers {
		if fc.queue == queue {
			return fc
		}
	}
	return nil
}

func (ch *fakeChannel) cancelledTags() []string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return append([]string(nil), ch.cancelled...)
}

func (ch *fakeChannel) consumerCount(queue string) int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	n := 0
	for _, fc := range ch.consumers {
		if fc.queue == queue {
			n++
		}
	}
	return n
}

func (ch *fakeChannel) publishedMessages() []publishedMessage {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return append([]publishedMessage(nil), ch.published...)
}

func (ch *fakeChannel) isClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

// recordingListener tracks connection state changes
type recordingListener struct {
	mu                  sync.Mutex
	connectedCount      int
	disconnectedCount   int
	reconnectingCount   int
	lastDisconnectError error
	lastAttempt         int
}

func (l *recordingListener) OnConnected() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connectedCount++
}

func (l *recordingListener) OnDisconnected(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disconnectedCount++
	l.lastDisconnectError = err
}

func (l *recordingListener) OnReconnecting(attempt int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reconnectingCount++
	if attempt > l.lastAttempt {
		l.lastAttempt = attempt
	}
}

func (l *recordingListener) stats() (connected, disconnected, reconnecting int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connectedCount, l.disconnectedCount, l.reconnectingCount
}

func (l *recordingListener) lastError() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastDisconnectError
}
