package rabbitmq

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrMaxRetriesExceeded = errors.New("rabbitmq: maximum reconnection attempts exceeded")
	ErrManagerClosed      = errors.New("rabbitmq: connection manager is closed")

	// ErrNoChannel is wrapped by every operation attempted while disconnected
	ErrNoChannel             = errors.New("rabbitmq: no channel")
	ErrChannelCreationFailed = errors.New("rabbitmq: failed to create channel")

	// ErrNoSubscription is returned when unsubscribing a queue nobody consumes
	ErrNoSubscription = errors.New("rabbitmq: no subscription for queue")

	ErrInvalidTopology      = errors.New("rabbitmq: invalid topology configuration")
	ErrInvalidConfiguration = errors.New("rabbitmq: invalid configuration")
)

// ConnectionError is returned when the broker cannot be reached or refuses
// the login. Attempts is set for reconnect episodes.
type ConnectionError struct {
	Op        string
	Endpoint  string
	Attempts  int
	Err       error
	Timestamp time.Time
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("rabbitmq: %s to %s failed (%d attempts): %v", e.Op, e.Endpoint, e.Attempts, e.Err)
	}
	return fmt.Sprintf("rabbitmq: %s to %s failed: %v", e.Op, e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ChannelError is returned when a connection opened but its channel did not.
// Generation is the session the channel would have started.
type ChannelError struct {
	Op         string
	Generation uint64
	Err        error
	Timestamp  time.Time
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("rabbitmq: %s on session %d: %v", e.Op, e.Generation, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// PublishError wraps a failed Send
type PublishError struct {
	Exchange   string
	RoutingKey string
	Err        error
	Timestamp  time.Time
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("rabbitmq: publish to exchange %q with key %q: %v", e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// ConsumerError wraps a failed subscribe or cancel. ConsumerTag is empty
// when the failure happened before a tag was generated.
type ConsumerError struct {
	Queue       string
	ConsumerTag string
	Op          string
	Err         error
	Timestamp   time.Time
}

func (e *ConsumerError) Error() string {
	if e.ConsumerTag == "" {
		return fmt.Sprintf("rabbitmq: %s queue %q: %v", e.Op, e.Queue, e.Err)
	}
	return fmt.Sprintf("rabbitmq: %s queue %q as %s: %v", e.Op, e.Queue, e.ConsumerTag, e.Err)
}

func (e *ConsumerError) Unwrap() error { return e.Err }

// TopologyError wraps a failed exchange or queue declaration
type TopologyError struct {
	Component string
	Name      string
	Op        string
	Err       error
	Timestamp time.Time
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("rabbitmq: %s %s %q: %v", e.Op, e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error { return e.Err }

// IsNoChannel reports whether err was caused by an operation attempted
// while no channel was available.
func IsNoChannel(err error) bool {
	return errors.Is(err, ErrNoChannel)
}
