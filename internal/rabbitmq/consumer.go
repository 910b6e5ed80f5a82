package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/GtechGovind/RabbitMQClient/internal/metrics"
)

// MessageHandler receives the body of each delivery decoded as text
type MessageHandler func(body string)

// Consumer manages auto-ack subscriptions on the manager's current channel
type Consumer struct {
	manager   *ConnectionManager
	logger    *slog.Logger
	metrics   metrics.Collector
	tagPrefix string
	recovery  bool

	mu            sync.Mutex
	subscriptions map[string]*subscription

	// recoverMu serializes OnConnected so a stale subscription is restarted once
	recoverMu sync.Mutex
}

// subscription tracks one registered queue consumer
type subscription struct {
	queue       string
	handler     MessageHandler
	consumerTag string
	generation  uint64
	parent      context.Context
	cancel      context.CancelFunc
	done        chan struct{}
	detach      sync.Once
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithConsumerTagPrefix sets the prefix of generated consumer tags
func WithConsumerTagPrefix(prefix string) ConsumerOption {
	return func(c *Consumer) {
		c.tagPrefix = prefix
	}
}

// WithConsumerRecovery re-registers subscriptions after a reconnect
func WithConsumerRecovery(enabled bool) ConsumerOption {
	return func(c *Consumer) {
		c.recovery = enabled
	}
}

// NewConsumer creates a new consumer
func NewConsumer(manager *ConnectionManager, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		manager:       manager,
		logger:        manager.logger,
		metrics:       manager.metrics,
		tagPrefix:     "rabbitmqclient",
		subscriptions: make(map[string]*subscription),
	}

	for _, opt := range options {
		opt(c)
	}

	if c.recovery {
		manager.AddStateListener(c)
	}

	return c
}

// Subscribe starts consuming from queue with automatic acknowledgment.
// The broker treats each message as handled once delivered, so a failing
// handler does not cause redelivery. The handler runs on the consumer's
// delivery goroutine. The subscription ends when ctx is done, on
// Unsubscribe, or when its channel goes away (unless recovery is enabled).
func (c *Consumer) Subscribe(ctx context.Context, queue string, handler MessageHandler) error {
	if handler == nil {
		return &ConsumerError{
			Queue:     queue,
			Op:        "subscribe",
			Err:       fmt.Errorf("%w: nil handler", ErrInvalidConfiguration),
			Timestamp: time.Now(),
		}
	}
	if err := ctx.Err(); err != nil {
		return &ConsumerError{Queue: queue, Op: "subscribe", Err: err, Timestamp: time.Now()}
	}

	return c.start(ctx, queue, handler)
}

func (c *Consumer) start(parent context.Context, queue string, handler MessageHandler) error {
	s := c.manager.current.Load()
	if s == nil {
		return &ConsumerError{
			Queue:     queue,
			Op:        "subscribe",
			Err:       ErrNoChannel,
			Timestamp: time.Now(),
		}
	}

	tag := fmt.Sprintf("%s-%s", c.tagPrefix, uuid.New().String())

	deliveries, err := s.ch.Consume(
		queue,
		tag,
		true,  // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return &ConsumerError{
			Queue:       queue,
			ConsumerTag: tag,
			Op:          "subscribe",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	subCtx, cancel := context.WithCancel(parent)
	sub := &subscription{
		queue:       queue,
		handler:     handler,
		consumerTag: tag,
		generation:  s.generation,
		parent:      parent,
		cancel:      cancel,
		done:        make(chan struct{}),
	}

	c.mu.Lock()
	previous := c.subscriptions[queue]
	c.subscriptions[queue] = sub
	c.mu.Unlock()

	if previous != nil {
		c.stop(previous)
	}

	go c.processMessages(subCtx, sub, deliveries)

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"consumerTag", tag,
		"generation", s.generation)

	return nil
}

// processMessages handles incoming messages
func (c *Consumer) processMessages(ctx context.Context, sub *subscription, deliveries <-chan amqp.Delivery) {
	defer close(sub.done)

	for {
		select {
		case <-ctx.Done():
			c.remove(sub)
			c.cancelOnBroker(sub)
			c.logger.Info("consumer stopped", "queue", sub.queue)
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed", "queue", sub.queue)
				if !c.recovery {
					c.remove(sub)
				}
				return
			}
			c.handleMessage(sub, delivery)
		}
	}
}

// handleMessage passes one delivery to the handler, containing panics
func (c *Consumer) handleMessage(sub *subscription, delivery amqp.Delivery) {
	c.metrics.ObserveDelivery(sub.queue)

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("message handler panicked",
				"queue", sub.queue,
				"messageId", delivery.MessageId,
				"panic", r)
		}
	}()

	sub.handler(string(delivery.Body))
}

// stop ends sub locally and detaches its broker consumer
func (c *Consumer) stop(sub *subscription) {
	sub.cancel()
	c.cancelOnBroker(sub)
}

// cancelOnBroker sends basic.cancel for sub at most once, while its channel is current
func (c *Consumer) cancelOnBroker(sub *subscription) {
	sub.detach.Do(func() {
		s := c.manager.current.Load()
		if s == nil || s.generation != sub.generation {
			return
		}
		if err := s.ch.Cancel(sub.consumerTag, false); err != nil {
			c.logger.Warn("failed to cancel consumer",
				"queue", sub.queue,
				"consumerTag", sub.consumerTag,
				"error", err)
		}
	})
}

func (c *Consumer) remove(sub *subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscriptions[sub.queue] == sub {
		delete(c.subscriptions, sub.queue)
	}
}

// Unsubscribe stops consuming from a queue
func (c *Consumer) Unsubscribe(queue string) error {
	c.mu.Lock()
	sub, ok := c.subscriptions[queue]
	delete(c.subscriptions, queue)
	c.mu.Unlock()

	if !ok {
		return &ConsumerError{
			Queue:     queue,
			Op:        "unsubscribe",
			Err:       ErrNoSubscription,
			Timestamp: time.Now(),
		}
	}

	c.stop(sub)
	return nil
}

// Close stops every subscription without waiting for handlers to return
func (c *Consumer) Close() {
	if c.recovery {
		c.manager.RemoveStateListener(c)
	}

	c.mu.Lock()
	subs := make([]*subscription, 0, len(c.subscriptions))
	for _, sub := range c.subscriptions {
		subs = append(subs, sub)
	}
	c.subscriptions = make(map[string]*subscription)
	c.mu.Unlock()

	for _, sub := range subs {
		c.stop(sub)
	}
}

// ActiveSubscriptions returns the queues with a registered subscription
func (c *Consumer) ActiveSubscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	queues := make([]string, 0, len(c.subscriptions))
	for queue := range c.subscriptions {
		queues = append(queues, queue)
	}
	sort.Strings(queues)
	return queues
}

// OnConnected re-registers subscriptions made on an earlier session
func (c *Consumer) OnConnected() {
	c.recoverMu.Lock()
	defer c.recoverMu.Unlock()

	s := c.manager.current.Load()
	if s == nil {
		return
	}

	c.mu.Lock()
	stale := make([]*subscription, 0, len(c.subscriptions))
	for _, sub := range c.subscriptions {
		if sub.generation < s.generation && sub.parent.Err() == nil {
			stale = append(stale, sub)
		}
	}
	c.mu.Unlock()

	for _, sub := range stale {
		c.mu.Lock()
		registered := c.subscriptions[sub.queue] == sub
		c.mu.Unlock()
		if !registered {
			continue
		}
		if err := c.start(sub.parent, sub.queue, sub.handler); err != nil {
			c.logger.Error("failed to recover consumer",
				"queue", sub.queue,
				"error", err)
			continue
		}
		c.logger.Info("consumer recovered", "queue", sub.queue)
	}
}

// OnDisconnected implements ConnectionStateListener
func (c *Consumer) OnDisconnected(error) {}

// OnReconnecting implements ConnectionStateListener
func (c *Consumer) OnReconnecting(int) {}
