// Copyright 2024 RabbitMQClient Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rabbitmqclient

import (
	"context"
	"log/slog"

	"github.com/GtechGovind/RabbitMQClient/health"
	"github.com/GtechGovind/RabbitMQClient/internal/metrics"
	"github.com/GtechGovind/RabbitMQClient/internal/rabbitmq"
)

// Exchange kinds accepted by DeclareExchange
const (
	ExchangeDirect  = rabbitmq.ExchangeDirect
	ExchangeFanout  = rabbitmq.ExchangeFanout
	ExchangeTopic   = rabbitmq.ExchangeTopic
	ExchangeHeaders = rabbitmq.ExchangeHeaders
)

// State is the client's connection state
type State = rabbitmq.State

// Connection states
const (
	StateDisconnected = rabbitmq.StateDisconnected
	StateConnecting   = rabbitmq.StateConnecting
	StateConnected    = rabbitmq.StateConnected
	StateReconnecting = rabbitmq.StateReconnecting
	StateClosed       = rabbitmq.StateClosed
)

// Stats is a snapshot of the client's connection counters
type Stats = rabbitmq.Stats

// Errors surfaced in strict mode or by construction
var (
	ErrNoChannel          = rabbitmq.ErrNoChannel
	ErrMaxRetriesExceeded = rabbitmq.ErrMaxRetriesExceeded
	ErrClosed             = rabbitmq.ErrManagerClosed
	ErrNoSubscription     = rabbitmq.ErrNoSubscription
)

// Client provides the main entry point: one supervised connection with
// declaration, publishing and consuming on top of it.
//
// By default operation failures are logged and swallowed, so callers get a
// nil error even when nothing happened. Set Config.StrictErrors to receive
// the underlying error instead.
type Client struct {
	cfg       Config
	logger    *slog.Logger
	manager   *rabbitmq.ConnectionManager
	topology  *rabbitmq.TopologyManager
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
}

// New validates cfg, creates the client and performs the initial connect.
//
// With auto-reconnect disabled a failed connect is returned. With it enabled
// the client is returned while reconnect attempts continue in the background.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.logger()

	opts := []rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(logger),
		rabbitmq.WithAutoReconnect(cfg.AutoReconnect),
		rabbitmq.WithReconnectDelay(cfg.ReconnectDelay),
		rabbitmq.WithMaxRetries(DefaultMaxReconnectAttempts),
	}
	if cfg.dialer != nil {
		opts = append(opts, rabbitmq.WithDialer(cfg.dialer))
	}
	if cfg.MetricsRegisterer != nil {
		collector, err := metrics.NewPrometheus(cfg.MetricsRegisterer, cfg.ConnectionName)
		if err != nil {
			return nil, err
		}
		opts = append(opts, rabbitmq.WithMetrics(collector))
	}

	manager := rabbitmq.NewConnectionManager(cfg.endpoint(), opts...)
	if err := manager.Connect(ctx); err != nil {
		_ = manager.Close()
		return nil, err
	}

	return &Client{
		cfg:       cfg,
		logger:    logger,
		manager:   manager,
		topology:  rabbitmq.NewTopologyManager(manager),
		publisher: rabbitmq.NewPublisher(manager, cfg.publisherOptions()...),
		consumer:  rabbitmq.NewConsumer(manager, rabbitmq.WithConsumerRecovery(cfg.RecoverConsumers)),
	}, nil
}

// DeclareExchange declares an exchange; an empty kind means direct
func (c *Client) DeclareExchange(ctx context.Context, name, kind string, durable, autoDelete bool) error {
	err := c.topology.DeclareExchange(ctx, rabbitmq.ExchangeDeclaration{
		Name:       name,
		Type:       kind,
		Durable:    durable,
		AutoDelete: autoDelete,
	})
	return c.absorb("declare exchange", err)
}

// DeclareQueueWithTTL declares a queue. messageTTLDays sets x-message-ttl and
// queueExpiresYears sets x-expires (365-day years); zero leaves either unset.
func (c *Client) DeclareQueueWithTTL(ctx context.Context, name string, messageTTLDays, queueExpiresYears int64, durable, autoDelete bool) error {
	err := c.topology.DeclareQueueWithTTL(ctx, rabbitmq.QueueDeclaration{
		Name:              name,
		MessageTTLDays:    messageTTLDays,
		QueueExpiresYears: queueExpiresYears,
		Durable:           durable,
		AutoDelete:        autoDelete,
	})
	return c.absorb("declare queue", err)
}

// SendMessage publishes body without waiting for a broker confirmation
func (c *Client) SendMessage(ctx context.Context, exchange, routingKey string, body []byte) error {
	return c.absorb("send message", c.publisher.Send(ctx, exchange, routingKey, body))
}

// SendText publishes the UTF-8 bytes of text
func (c *Client) SendText(ctx context.Context, exchange, routingKey, text string) error {
	return c.SendMessage(ctx, exchange, routingKey, []byte(text))
}

// ConsumeMessages subscribes to queue with automatic acknowledgment. Each
// body is passed to handler as text on the delivery goroutine.
func (c *Client) ConsumeMessages(ctx context.Context, queue string, handler func(body string)) error {
	return c.absorb("consume messages", c.consumer.Subscribe(ctx, queue, handler))
}

// StopConsuming cancels the subscription on queue
func (c *Client) StopConsuming(queue string) error {
	return c.consumer.Unsubscribe(queue)
}

// Subscriptions returns the queues currently being consumed
func (c *Client) Subscriptions() []string {
	return c.consumer.ActiveSubscriptions()
}

// Reconnect starts a reconnect episode and waits for it. It is the way back
// for a client whose automatic attempts ran out. Its error is always returned.
func (c *Client) Reconnect(ctx context.Context) error {
	return c.manager.Reconnect(ctx)
}

// State returns the connection state
func (c *Client) State() State {
	return c.manager.State()
}

// IsConnected reports whether a channel is currently available
func (c *Client) IsConnected() bool {
	return c.manager.IsConnected()
}

// Stats returns the connection counters
func (c *Client) Stats() Stats {
	return c.manager.Stats()
}

// HealthChecker returns a checker reporting the connection state
func (c *Client) HealthChecker() health.Checker {
	name := "rabbitmq"
	if c.cfg.ConnectionName != "" {
		name = "rabbitmq_" + c.cfg.ConnectionName
	}
	return health.NewConnectionChecker(name, c.manager)
}

// SubscriptionChecker reports unhealthy while queue has no active subscription
func (c *Client) SubscriptionChecker(queue string) health.Checker {
	return health.NewComponentChecker("consumer_"+queue, func(context.Context) (health.Status, string, map[string]interface{}, error) {
		details := map[string]interface{}{"queue": queue}
		for _, active := range c.consumer.ActiveSubscriptions() {
			if active == queue {
				return health.StatusHealthy, "Consuming", details, nil
			}
		}
		return health.StatusUnhealthy, "Not consuming", details, nil
	})
}

// Close stops consumers and closes the channel and connection. It does not
// wait for running handlers. Calling it again only logs.
func (c *Client) Close() error {
	c.consumer.Close()
	return c.absorb("close", c.manager.Close())
}

func (c *Client) absorb(op string, err error) error {
	if err == nil {
		return nil
	}
	if c.cfg.StrictErrors {
		return err
	}

	if rabbitmq.IsNoChannel(err) {
		c.logger.Warn("no channel available, operation skipped", "op", op, "error", err)
	} else {
		c.logger.Error("operation failed", "op", op, "error", err)
	}
	return nil
}
