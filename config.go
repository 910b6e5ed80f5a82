package rabbitmqclient

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/GtechGovind/RabbitMQClient/internal/rabbitmq"
)

// Defaults applied by DefaultConfig and NewBuilder
const (
	DefaultHost                 = "localhost"
	DefaultPort                 = 5672
	DefaultUsername             = "guest"
	DefaultPassword             = "guest"
	DefaultVirtualHost          = "/"
	DefaultReconnectDelay       = rabbitmq.DefaultReconnectDelay
	DefaultMaxReconnectAttempts = rabbitmq.DefaultMaxReconnectAttempts
)

// ErrInvalidConfig is wrapped by every error returned from Config.Validate
var ErrInvalidConfig = errors.New("rabbitmqclient: invalid config")

// Config holds everything needed to build a Client. It is a plain value;
// copies are independent.
type Config struct {
	Host        string
	Port        int
	Username    string
	Password    string
	VirtualHost string

	// AutoReconnect enables background reconnect episodes after a failed
	// initial connect or a lost connection
	AutoReconnect bool
	// ReconnectDelay is the constant wait before each reconnect attempt
	ReconnectDelay time.Duration

	// Logger receives all client logs. Nil discards them.
	Logger *slog.Logger

	// ConnectionName is reported to the broker and used as a metrics label
	ConnectionName string
	// Heartbeat is the AMQP heartbeat interval, zero uses 10s
	Heartbeat time.Duration

	// StrictErrors makes operations return their errors instead of only logging them
	StrictErrors bool
	// RecoverConsumers re-registers subscriptions after a reconnect
	RecoverConsumers bool

	// ContentType is stamped on published messages, empty means text/plain
	ContentType string
	// PersistentMessages publishes with delivery mode 2
	PersistentMessages bool

	// MetricsRegisterer, when set, receives the client's Prometheus metrics
	MetricsRegisterer prometheus.Registerer

	dialer rabbitmq.Dialer
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		Host:           DefaultHost,
		Port:           DefaultPort,
		Username:       DefaultUsername,
		Password:       DefaultPassword,
		VirtualHost:    DefaultVirtualHost,
		AutoReconnect:  false,
		ReconnectDelay: DefaultReconnectDelay,
	}
}

// ConfigFromEnv returns DefaultConfig overridden by RABBITMQ_* environment variables
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	cfg.Host = getEnv("RABBITMQ_HOST", cfg.Host)
	cfg.Username = getEnv("RABBITMQ_USERNAME", cfg.Username)
	cfg.Password = getEnv("RABBITMQ_PASSWORD", cfg.Password)
	cfg.VirtualHost = getEnv("RABBITMQ_VHOST", cfg.VirtualHost)
	cfg.ConnectionName = getEnv("RABBITMQ_CONNECTION_NAME", cfg.ConnectionName)

	if v, ok := os.LookupEnv("RABBITMQ_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("%w: RABBITMQ_PORT: %v", ErrInvalidConfig, err)
		}
		cfg.Port = port
	}

	if v, ok := os.LookupEnv("RABBITMQ_AUTO_RECONNECT"); ok {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("%w: RABBITMQ_AUTO_RECONNECT: %v", ErrInvalidConfig, err)
		}
		cfg.AutoReconnect = enabled
	}

	if v, ok := os.LookupEnv("RABBITMQ_RECONNECT_DELAY"); ok {
		delay, err := parseDelay(v)
		if err != nil {
			return Config{}, fmt.Errorf("%w: RABBITMQ_RECONNECT_DELAY: %v", ErrInvalidConfig, err)
		}
		cfg.ReconnectDelay = delay
	}

	if v, ok := os.LookupEnv("RABBITMQ_HEARTBEAT"); ok {
		heartbeat, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("%w: RABBITMQ_HEARTBEAT: %v", ErrInvalidConfig, err)
		}
		cfg.Heartbeat = heartbeat
	}

	if v, ok := os.LookupEnv("RABBITMQ_PERSISTENT"); ok {
		persistent, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("%w: RABBITMQ_PERSISTENT: %v", ErrInvalidConfig, err)
		}
		cfg.PersistentMessages = persistent
	}

	return cfg, cfg.Validate()
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidConfig)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: port must be between 1 and 65535, got %d", ErrInvalidConfig, c.Port)
	}
	if c.ReconnectDelay < 0 {
		return fmt.Errorf("%w: reconnect delay must be >= 0, got %s", ErrInvalidConfig, c.ReconnectDelay)
	}
	if c.Heartbeat < 0 {
		return fmt.Errorf("%w: heartbeat must be >= 0, got %s", ErrInvalidConfig, c.Heartbeat)
	}
	return nil
}

func (c Config) endpoint() rabbitmq.Endpoint {
	vhost := c.VirtualHost
	if vhost == "" {
		vhost = DefaultVirtualHost
	}
	return rabbitmq.Endpoint{
		Host:           c.Host,
		Port:           c.Port,
		Username:       c.Username,
		Password:       c.Password,
		VirtualHost:    vhost,
		ConnectionName: c.ConnectionName,
		Heartbeat:      c.Heartbeat,
	}
}

func (c Config) publisherOptions() []rabbitmq.PublisherOption {
	opts := []rabbitmq.PublisherOption{rabbitmq.WithPersistentDelivery(c.PersistentMessages)}
	if c.ContentType != "" {
		opts = append(opts, rabbitmq.WithContentType(c.ContentType))
	}
	return opts
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// parseDelay accepts a Go duration ("3s") or a bare number of milliseconds ("3000")
func parseDelay(v string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(v)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
