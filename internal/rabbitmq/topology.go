package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/GtechGovind/RabbitMQClient/internal/metrics"
)

const (
	// MillisPerDay is the length of a day in milliseconds
	MillisPerDay int64 = 86_400_000
	// DaysPerYear is the fixed year length used for queue expiry, leap years are ignored
	DaysPerYear int64 = 365

	argMessageTTL = "x-message-ttl"
	argExpires    = "x-expires"
)

// Exchange kinds accepted by DeclareExchange
const (
	ExchangeDirect  = amqp.ExchangeDirect
	ExchangeFanout  = amqp.ExchangeFanout
	ExchangeTopic   = amqp.ExchangeTopic
	ExchangeHeaders = amqp.ExchangeHeaders
)

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
}

// QueueDeclaration defines a queue to be declared with TTL arguments.
// Zero MessageTTLDays or QueueExpiresYears leaves the argument unset.
type QueueDeclaration struct {
	Name              string
	MessageTTLDays    int64
	QueueExpiresYears int64
	Durable           bool
	AutoDelete        bool
}

// MessageTTL converts whole days to the x-message-ttl value in milliseconds
func MessageTTL(days int64) int64 {
	return days * MillisPerDay
}

// QueueExpiry converts whole years to the x-expires value in milliseconds
func QueueExpiry(years int64) int64 {
	return years * DaysPerYear * MillisPerDay
}

// Arguments returns the declaration's argument table, nil when no TTL is set
func (q QueueDeclaration) Arguments() amqp.Table {
	var args amqp.Table
	if q.MessageTTLDays > 0 {
		args = amqp.Table{argMessageTTL: MessageTTL(q.MessageTTLDays)}
	}
	if q.QueueExpiresYears > 0 {
		if args == nil {
			args = amqp.Table{}
		}
		args[argExpires] = QueueExpiry(q.QueueExpiresYears)
	}
	return args
}

func (q QueueDeclaration) validate() error {
	if q.MessageTTLDays < 0 {
		return fmt.Errorf("%w: message TTL days must be >= 0, got %d", ErrInvalidTopology, q.MessageTTLDays)
	}
	if q.QueueExpiresYears < 0 {
		return fmt.Errorf("%w: queue expiry years must be >= 0, got %d", ErrInvalidTopology, q.QueueExpiresYears)
	}
	return nil
}

func (e ExchangeDeclaration) kind() (string, error) {
	switch e.Type {
	case "":
		return ExchangeDirect, nil
	case ExchangeDirect, ExchangeFanout, ExchangeTopic, ExchangeHeaders:
		return e.Type, nil
	default:
		return "", fmt.Errorf("%w: unknown exchange type %q", ErrInvalidTopology, e.Type)
	}
}

// TopologyManager declares exchanges and queues on the manager's current channel
type TopologyManager struct {
	manager *ConnectionManager
	logger  *slog.Logger
	metrics metrics.Collector
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(manager *ConnectionManager) *TopologyManager {
	return &TopologyManager{
		manager: manager,
		logger:  manager.logger,
		metrics: manager.metrics,
	}
}

// DeclareExchange declares a single exchange
func (tm *TopologyManager) DeclareExchange(ctx context.Context, exchange ExchangeDeclaration) error {
	kind, err := exchange.kind()
	if err != nil {
		return tm.fail("exchange", exchange.Name, err)
	}

	err = tm.manager.WithChannel(ctx, func(ch Channel) error {
		return ch.ExchangeDeclare(
			exchange.Name,
			kind,
			exchange.Durable,
			exchange.AutoDelete,
			false, // internal
			false, // no-wait
			nil,
		)
	})
	if err != nil {
		return tm.fail("exchange", exchange.Name, err)
	}

	tm.metrics.ObserveDeclare("exchange", metrics.ResultSuccess)
	tm.logger.Info("exchange declared",
		"name", exchange.Name,
		"type", kind,
		"durable", exchange.Durable,
		"autoDelete", exchange.AutoDelete)
	return nil
}

// DeclareQueueWithTTL declares a queue with optional message TTL and queue expiry
func (tm *TopologyManager) DeclareQueueWithTTL(ctx context.Context, queue QueueDeclaration) error {
	if err := queue.validate(); err != nil {
		return tm.fail("queue", queue.Name, err)
	}
	args := queue.Arguments()

	err := tm.manager.WithChannel(ctx, func(ch Channel) error {
		_, err := ch.QueueDeclare(
			queue.Name,
			queue.Durable,
			queue.AutoDelete,
			false, // exclusive
			false, // no-wait
			args,
		)
		return err
	})
	if err != nil {
		return tm.fail("queue", queue.Name, err)
	}

	tm.metrics.ObserveDeclare("queue", metrics.ResultSuccess)
	tm.logger.Info("queue declared",
		"name", queue.Name,
		"durable", queue.Durable,
		"autoDelete", queue.AutoDelete,
		"messageTTLDays", queue.MessageTTLDays,
		"messageTTLMs", args[argMessageTTL],
		"queueExpiresYears", queue.QueueExpiresYears,
		"queueExpiresMs", args[argExpires])
	return nil
}

func (tm *TopologyManager) fail(component, name string, err error) error {
	result := metrics.ResultFailure
	if IsNoChannel(err) {
		result = metrics.ResultSkipped
	}
	tm.metrics.ObserveDeclare(component, result)

	return &TopologyError{
		Component: component,
		Name:      name,
		Op:        "declare",
		Err:       err,
		Timestamp: time.Now(),
	}
}
