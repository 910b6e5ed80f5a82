package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/GtechGovind/RabbitMQClient/internal/metrics"
	"github.com/GtechGovind/RabbitMQClient/internal/reliability"
)

const (
	// DefaultReconnectDelay is the wait before every reconnect attempt
	DefaultReconnectDelay = 3 * time.Second
	// DefaultMaxReconnectAttempts bounds a single reconnect episode
	DefaultMaxReconnectAttempts = 5
)

// ErrConnectInProgress is returned by Reconnect while the initial connect is still running
var ErrConnectInProgress = errors.New("rabbitmq: initial connect in progress")

// State is the lifecycle state of a ConnectionManager
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// session is one connection and the channel opened on it.
// It is never modified after being published.
type session struct {
	conn       Connection
	ch         Channel
	generation uint64
}

// episode is one reconnect sequence
type episode struct {
	cause error
	done  chan struct{}
	err   error
}

// Stats is a snapshot of the manager's counters
type Stats struct {
	State             State
	ConnectAttempts   int64 // every dial, initial and reconnect
	ReconnectAttempts int64 // dials made by the most recent episode
	Episodes          int64
	Generation        uint64
}

// ConnectionManager owns the connection/channel pair and runs the
// connect, shutdown detection and reconnect state machine.
type ConnectionManager struct {
	endpoint       Endpoint
	dialer         Dialer
	logger         *slog.Logger
	metrics        metrics.Collector
	policy         reliability.RetryPolicy
	reconnectDelay time.Duration
	maxRetries     int
	autoReconnect  bool

	// mu serializes every state transition and every write of current
	mu         sync.Mutex
	state      State
	current    atomic.Pointer[session]
	generation uint64
	episode    *episode

	ctx    context.Context
	cancel context.CancelFunc

	connectAttempts   atomic.Int64
	reconnectAttempts atomic.Int64
	episodes          atomic.Int64

	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		if logger != nil {
			cm.logger = logger
		}
	}
}

// WithReconnectDelay sets the delay before each reconnect attempt
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithMaxRetries sets the maximum number of attempts in one reconnect episode
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// WithAutoReconnect enables reconnect episodes after failures
func WithAutoReconnect(enabled bool) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.autoReconnect = enabled
	}
}

// WithDialer replaces the amqp091 dialer
func WithDialer(dialer Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		if dialer != nil {
			cm.dialer = dialer
		}
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(collector metrics.Collector) ConnectionOption {
	return func(cm *ConnectionManager) {
		if collector != nil {
			cm.metrics = collector
		}
	}
}

// WithRetryPolicy overrides the fixed-delay policy built from
// WithReconnectDelay and WithMaxRetries
func WithRetryPolicy(policy reliability.RetryPolicy) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.policy = policy
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(endpoint Endpoint, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		endpoint:       endpoint,
		dialer:         AMQPDialer{},
		logger:         slog.Default(),
		metrics:        metrics.Nop{},
		reconnectDelay: DefaultReconnectDelay,
		maxRetries:     DefaultMaxReconnectAttempts,
		state:          StateDisconnected,
	}

	for _, opt := range options {
		opt(cm)
	}

	if cm.policy == nil {
		cm.policy = reliability.NewFixedDelay(cm.reconnectDelay, cm.maxRetries)
	}
	cm.ctx, cm.cancel = context.WithCancel(context.Background())
	cm.metrics.SetState(cm.state.String())

	return cm
}

// Connect performs the initial connect.
//
// With auto-reconnect disabled a failure is returned and the manager stays
// disconnected. With auto-reconnect enabled the failure starts a reconnect
// episode in the background and Connect returns nil.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	switch cm.state {
	case StateClosed:
		cm.mu.Unlock()
		return ErrManagerClosed
	case StateConnecting, StateConnected, StateReconnecting:
		cm.mu.Unlock()
		return nil
	}
	cm.setState(StateConnecting)
	cm.mu.Unlock()

	err := cm.establish(ctx, nil)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrManagerClosed) {
		return err
	}

	cm.logger.Error("failed to connect to RabbitMQ",
		"endpoint", cm.endpoint.String(),
		"error", err)

	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.state == StateClosed {
		return ErrManagerClosed
	}
	if cm.autoReconnect {
		cm.beginEpisode(err)
		return nil
	}
	cm.setState(StateDisconnected)
	return err
}

// Reconnect starts a reconnect episode, or joins the one in flight, and
// waits for its outcome. It is the explicit action that restores a manager
// whose previous episode ran out of attempts.
func (cm *ConnectionManager) Reconnect(ctx context.Context) error {
	cm.mu.Lock()
	switch cm.state {
	case StateClosed:
		cm.mu.Unlock()
		return ErrManagerClosed
	case StateConnected:
		cm.mu.Unlock()
		return nil
	case StateConnecting:
		cm.mu.Unlock()
		return ErrConnectInProgress
	}
	ep := cm.episode
	if ep == nil {
		ep = cm.beginEpisode(nil)
	}
	cm.mu.Unlock()

	select {
	case <-ep.done:
		return ep.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Channel returns the current channel or ErrNoChannel
func (cm *ConnectionManager) Channel() (Channel, error) {
	s := cm.current.Load()
	if s == nil {
		return nil, ErrNoChannel
	}
	return s.ch, nil
}

// WithChannel runs fn with the current channel
func (cm *ConnectionManager) WithChannel(ctx context.Context, fn func(ch Channel) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}

	ch, err := cm.Channel()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in channel execution: %v", r)
		}
	}()
	return fn(ch)
}

// State returns the current lifecycle state
func (cm *ConnectionManager) State() State {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	return cm.State() == StateConnected
}

// Endpoint returns the broker endpoint
func (cm *ConnectionManager) Endpoint() Endpoint {
	return cm.endpoint
}

// Stats returns a snapshot of the manager's counters
func (cm *ConnectionManager) Stats() Stats {
	cm.mu.Lock()
	state, generation := cm.state, cm.generation
	cm.mu.Unlock()

	return Stats{
		State:             state,
		ConnectAttempts:   cm.connectAttempts.Load(),
		ReconnectAttempts: cm.reconnectAttempts.Load(),
		Episodes:          cm.episodes.Load(),
		Generation:        generation,
	}
}

// Close releases the channel and then the connection. Calling it again only logs.
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	if cm.state == StateClosed {
		cm.mu.Unlock()
		cm.logger.Info("connection manager already closed")
		return nil
	}
	cm.setState(StateClosed)
	s := cm.current.Swap(nil)
	cm.cancel()
	cm.mu.Unlock()

	var errs []error
	if s != nil {
		errs = cm.closeSession(s)
	}

	cm.logger.Info("connection closed", "endpoint", cm.endpoint.String())
	return errors.Join(errs...)
}

// establish dials, opens a channel and publishes the new session. ep is the
// episode the attempt belongs to, nil for the initial connect.
func (cm *ConnectionManager) establish(ctx context.Context, ep *episode) error {
	cm.connectAttempts.Add(1)

	conn, err := cm.dialer.Dial(ctx, cm.endpoint)
	if err != nil {
		cm.metrics.ObserveConnect(metrics.ResultFailure)
		return &ConnectionError{
			Op:        "connect",
			Endpoint:  cm.endpoint.String(),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		cm.metrics.ObserveConnect(metrics.ResultFailure)
		cm.mu.Lock()
		generation := cm.generation + 1
		cm.mu.Unlock()
		return &ChannelError{
			Op:         "open channel",
			Generation: generation,
			Err:        fmt.Errorf("%w: %v", ErrChannelCreationFailed, err),
			Timestamp:  time.Now(),
		}
	}

	connClose := conn.NotifyClose(make(chan *amqp.Error, 1))
	chanClose := ch.NotifyClose(make(chan *amqp.Error, 1))

	cm.mu.Lock()
	if cm.state == StateClosed {
		cm.mu.Unlock()
		cm.closeSession(&session{conn: conn, ch: ch})
		return ErrManagerClosed
	}
	cm.generation++
	s := &session{conn: conn, ch: ch, generation: cm.generation}
	cm.current.Store(s)
	cm.setState(StateConnected)
	if ep != nil {
		cm.endEpisode(ep, nil)
	}
	cm.mu.Unlock()

	cm.metrics.ObserveConnect(metrics.ResultSuccess)
	cm.logger.Info("connected to RabbitMQ",
		"endpoint", cm.endpoint.String(),
		"generation", s.generation)

	cm.notifyConnected()

	go cm.watch(s, connClose, chanClose)

	return nil
}

// watch waits for the broker to close the session's connection or channel
func (cm *ConnectionManager) watch(s *session, connClose, chanClose <-chan *amqp.Error) {
	select {
	case amqpErr, ok := <-connClose:
		if !ok || amqpErr == nil {
			// closed by us
			return
		}
		cm.handleShutdown(s, amqpErr)
	case amqpErr, ok := <-chanClose:
		if !ok || amqpErr == nil {
			return
		}
		cm.handleChannelClosed(s, amqpErr)
	case <-cm.ctx.Done():
	}
}

// handleChannelClosed replaces a channel the broker closed (for example after
// a failed declaration) while its connection stays open. If no new channel
// can be opened the connection is treated as lost.
func (cm *ConnectionManager) handleChannelClosed(s *session, cause error) {
	if cm.current.Load() != s {
		return
	}

	cm.logger.Warn("channel closed by broker",
		"generation", s.generation,
		"cause", cause)

	ch, err := s.conn.Channel()
	if err != nil {
		cm.handleShutdown(s, cause)
		return
	}
	connClose := s.conn.NotifyClose(make(chan *amqp.Error, 1))
	chanClose := ch.NotifyClose(make(chan *amqp.Error, 1))

	cm.mu.Lock()
	if cm.state == StateClosed || cm.current.Load() != s {
		cm.mu.Unlock()
		_ = ch.Close()
		return
	}
	cm.generation++
	ns := &session{conn: s.conn, ch: ch, generation: cm.generation}
	cm.current.Store(ns)
	cm.mu.Unlock()

	cm.logger.Info("channel reopened", "generation", ns.generation)
	cm.notifyConnected()

	go cm.watch(ns, connClose, chanClose)
}

// handleShutdown reacts to a lost connection. Signals for a session that is
// no longer current are ignored.
func (cm *ConnectionManager) handleShutdown(s *session, cause error) {
	cm.mu.Lock()
	if cm.state == StateClosed || cm.current.Load() != s {
		cm.mu.Unlock()
		return
	}
	cm.current.Store(nil)

	cm.logger.Warn("connection shutdown detected",
		"endpoint", cm.endpoint.String(),
		"generation", s.generation,
		"cause", cause)

	if cm.autoReconnect {
		if cm.episode == nil {
			cm.beginEpisode(cause)
		}
	} else {
		cm.setState(StateDisconnected)
		cm.logger.Error("connection lost and auto-reconnect is disabled",
			"endpoint", cm.endpoint.String())
	}
	cm.mu.Unlock()

	cm.closeSession(s)
	cm.notifyDisconnected(cause)
}

// beginEpisode must be called with mu held
func (cm *ConnectionManager) beginEpisode(cause error) *episode {
	ep := &episode{cause: cause, done: make(chan struct{})}
	cm.episode = ep
	cm.setState(StateReconnecting)
	go cm.reconnect(ep)
	return ep
}

// endEpisode must be called with mu held
func (cm *ConnectionManager) endEpisode(ep *episode, err error) {
	ep.err = err
	if cm.episode == ep {
		cm.episode = nil
	}
	close(ep.done)
}

// reconnect runs one episode: wait, dial, repeat until success or the
// policy runs out of attempts
func (cm *ConnectionManager) reconnect(ep *episode) {
	cm.episodes.Add(1)
	cm.reconnectAttempts.Store(0)
	startTime := time.Now()

	lastErr := ep.cause
	attempts := 0

	for {
		retry, delay := cm.policy.ShouldRetry(attempts, lastErr)
		if !retry {
			break
		}

		cm.logger.Info("attempting to reconnect",
			"attempt", attempts+1,
			"maxRetries", cm.policy.MaxRetries(),
			"delay", delay)

		cm.notifyReconnecting(attempts + 1)

		if err := reliability.Sleep(cm.ctx, delay); err != nil {
			cm.abandonEpisode(ep)
			return
		}

		attempts++
		cm.reconnectAttempts.Add(1)

		err := cm.establish(cm.ctx, ep)
		if err == nil {
			cm.metrics.ObserveReconnectAttempt(metrics.ResultSuccess)
			cm.metrics.ObserveEpisode("recovered")
			cm.logger.Info("successfully reconnected to RabbitMQ",
				"attempts", attempts,
				"duration", time.Since(startTime))
			return
		}
		if errors.Is(err, ErrManagerClosed) || cm.ctx.Err() != nil {
			cm.abandonEpisode(ep)
			return
		}

		cm.metrics.ObserveReconnectAttempt(metrics.ResultFailure)
		cm.logger.Error("reconnection failed",
			"attempt", attempts,
			"error", err)
		lastErr = err
	}

	exhausted := &ConnectionError{
		Op:        "reconnect",
		Endpoint:  cm.endpoint.String(),
		Err:       ErrMaxRetriesExceeded,
		Timestamp: time.Now(),
		Attempts:  attempts,
	}
	if lastErr != nil {
		exhausted.Err = fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, lastErr)
	}

	cm.mu.Lock()
	if cm.state != StateClosed {
		cm.setState(StateDisconnected)
	}
	cm.endEpisode(ep, exhausted)
	cm.mu.Unlock()

	cm.metrics.ObserveEpisode("exhausted")
	cm.logger.Error("max reconnection attempts reached",
		"attempts", attempts,
		"duration", time.Since(startTime),
		"error", lastErr)

	cm.notifyDisconnected(exhausted)
}

func (cm *ConnectionManager) abandonEpisode(ep *episode) {
	cm.mu.Lock()
	cm.endEpisode(ep, ErrManagerClosed)
	cm.mu.Unlock()
	cm.metrics.ObserveEpisode("closed")
}

func (cm *ConnectionManager) closeSession(s *session) []error {
	var errs []error
	if s.ch != nil {
		if err := s.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			cm.logger.Warn("failed to close channel", "error", err)
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			cm.logger.Warn("failed to close connection", "error", err)
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}
	return errs
}

// setState must be called with mu held
func (cm *ConnectionManager) setState(state State) {
	if cm.state == state {
		return
	}
	cm.logger.Debug("connection state changed",
		"from", cm.state.String(),
		"to", state.String())
	cm.state = state
	cm.metrics.SetState(state.String())
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) notifyConnected() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnReconnecting(attempt)
	}
}
