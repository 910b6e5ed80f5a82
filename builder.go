package rabbitmqclient

import (
	"context"
	"log/slog"
	"time"
)

// Builder assembles a Config through chained calls. Each call overrides one
// default from DefaultConfig.
//
//	client, err := rabbitmqclient.NewBuilder().
//	    Host("broker.internal").
//	    EnableAutoReconnect().
//	    Build(ctx)
type Builder struct {
	cfg Config
}

// NewBuilder creates a builder seeded with DefaultConfig
func NewBuilder() *Builder {
	return &Builder{cfg: DefaultConfig()}
}

// Host sets the broker host
func (b *Builder) Host(host string) *Builder {
	b.cfg.Host = host
	return b
}

// Port sets the broker port
func (b *Builder) Port(port int) *Builder {
	b.cfg.Port = port
	return b
}

// Username sets the login user
func (b *Builder) Username(username string) *Builder {
	b.cfg.Username = username
	return b
}

// Password sets the login password
func (b *Builder) Password(password string) *Builder {
	b.cfg.Password = password
	return b
}

// VirtualHost sets the virtual host
func (b *Builder) VirtualHost(vhost string) *Builder {
	b.cfg.VirtualHost = vhost
	return b
}

// EnableAutoReconnect turns on background reconnection
func (b *Builder) EnableAutoReconnect() *Builder {
	b.cfg.AutoReconnect = true
	return b
}

// ReconnectDelay sets the wait before each reconnect attempt
func (b *Builder) ReconnectDelay(delay time.Duration) *Builder {
	b.cfg.ReconnectDelay = delay
	return b
}

// PersistentMessages makes published messages survive a broker restart
func (b *Builder) PersistentMessages() *Builder {
	b.cfg.PersistentMessages = true
	return b
}

// ContentType sets the content type of published messages
func (b *Builder) ContentType(contentType string) *Builder {
	b.cfg.ContentType = contentType
	return b
}

// Logger sets the log sink
func (b *Builder) Logger(logger *slog.Logger) *Builder {
	b.cfg.Logger = logger
	return b
}

// Config returns a copy of the configuration built so far
func (b *Builder) Config() Config {
	return b.cfg
}

// Build creates the client and waits for the initial connect to resolve
func (b *Builder) Build(ctx context.Context) (*Client, error) {
	return New(ctx, b.cfg)
}
