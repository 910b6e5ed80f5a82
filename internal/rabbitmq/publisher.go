package rabbitmq

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/GtechGovind/RabbitMQClient/internal/metrics"
)

// Publisher sends messages on the manager's current channel without waiting for confirms
type Publisher struct {
	manager     *ConnectionManager
	logger      *slog.Logger
	metrics     metrics.Collector
	contentType string
	persistent  bool
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithContentType sets the content type stamped on every message
func WithContentType(contentType string) PublisherOption {
	return func(p *Publisher) {
		p.contentType = contentType
	}
}

// WithPersistentDelivery marks messages persistent so they survive a broker restart
func WithPersistentDelivery(persistent bool) PublisherOption {
	return func(p *Publisher) {
		p.persistent = persistent
	}
}

// NewPublisher creates a new publisher
func NewPublisher(manager *ConnectionManager, options ...PublisherOption) *Publisher {
	p := &Publisher{
		manager:     manager,
		logger:      manager.logger,
		metrics:     manager.metrics,
		contentType: "text/plain",
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Send publishes one message. It returns once the frame is written; there is
// no delivery confirmation.
func (p *Publisher) Send(ctx context.Context, exchange, routingKey string, body []byte) error {
	msg := amqp.Publishing{
		ContentType: p.contentType,
		MessageId:   uuid.New().String(),
		Timestamp:   time.Now(),
		Body:        body,
	}
	if p.persistent {
		msg.DeliveryMode = amqp.Persistent
	}

	err := p.manager.WithChannel(ctx, func(ch Channel) error {
		return ch.PublishWithContext(
			ctx,
			exchange,
			routingKey,
			false, // mandatory
			false, // immediate
			msg,
		)
	})
	if err != nil {
		result := metrics.ResultFailure
		if IsNoChannel(err) {
			result = metrics.ResultSkipped
		}
		p.metrics.ObservePublish(exchange, result)
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}

	p.metrics.ObservePublish(exchange, metrics.ResultSuccess)
	p.logger.Debug("message published",
		"exchange", exchange,
		"routingKey", routingKey,
		"messageId", msg.MessageId,
		"size", len(body))
	return nil
}
