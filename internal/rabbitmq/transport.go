package rabbitmq

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Endpoint identifies a broker and the credentials used to log in
type Endpoint struct {
	Host           string
	Port           int
	Username       string
	Password       string
	VirtualHost    string
	ConnectionName string
	Heartbeat      time.Duration
}

// URI returns the AMQP URI for the endpoint
func (e Endpoint) URI() string {
	return amqp.URI{
		Scheme:   "amqp",
		Host:     e.Host,
		Port:     e.Port,
		Username: e.Username,
		Password: e.Password,
		Vhost:    e.vhost(),
	}.String()
}

// String returns the endpoint without its password, suitable for logs
func (e Endpoint) String() string {
	path := "/"
	if vhost := e.vhost(); vhost != "/" {
		path += vhost
	}
	return fmt.Sprintf("amqp://%s@%s%s", e.Username, net.JoinHostPort(e.Host, strconv.Itoa(e.Port)), path)
}

func (e Endpoint) vhost() string {
	if e.VirtualHost == "" {
		return "/"
	}
	return e.VirtualHost
}

// Channel is the subset of *amqp.Channel the client relies on
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Connection is the subset of *amqp.Connection the client relies on
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Dialer opens broker connections
type Dialer interface {
	Dial(ctx context.Context, endpoint Endpoint) (Connection, error)
}

// DialerFunc adapts a function to the Dialer interface
type DialerFunc func(ctx context.Context, endpoint Endpoint) (Connection, error)

// Dial implements Dialer
func (f DialerFunc) Dial(ctx context.Context, endpoint Endpoint) (Connection, error) {
	return f(ctx, endpoint)
}

// AMQPDialer dials real brokers through amqp091-go
type AMQPDialer struct {
	Locale string
}

// Dial implements Dialer
func (d AMQPDialer) Dial(ctx context.Context, endpoint Endpoint) (Connection, error) {
	heartbeat := endpoint.Heartbeat
	if heartbeat == 0 {
		heartbeat = 10 * time.Second
	}
	locale := d.Locale
	if locale == "" {
		locale = "en_US"
	}

	config := amqp.Config{
		Vhost:     endpoint.vhost(),
		Heartbeat: heartbeat,
		Locale:    locale,
		Properties: amqp.Table{
			"connection_name": endpoint.ConnectionName,
		},
		Dial: func(network, addr string) (net.Conn, error) {
			var nd net.Dialer
			return nd.DialContext(ctx, network, addr)
		},
	}

	conn, err := amqp.DialConfig(endpoint.URI(), config)
	if err != nil {
		return nil, err
	}
	return amqpConnection{conn: conn}, nil
}

// amqpConnection adapts *amqp.Connection to Connection
type amqpConnection struct {
	conn *amqp.Connection
}

func (c amqpConnection) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (c amqpConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	return c.conn.NotifyClose(receiver)
}

func (c amqpConnection) IsClosed() bool { return c.conn.IsClosed() }
func (c amqpConnection) Close() error   { return c.conn.Close() }
