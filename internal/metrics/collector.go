// Package metrics records connection and messaging activity.
package metrics

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Result labels
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultSkipped = "no_channel"
)

// Collector defines the interface for all metric recording functions.
// The connection manager and facades depend on it, not on Prometheus.
type Collector interface {
	ObserveConnect(result string)
	ObserveReconnectAttempt(result string)
	ObserveEpisode(outcome string)
	SetState(state string)
	ObservePublish(exchange, result string)
	ObserveDelivery(queue string)
	ObserveDeclare(kind, result string)
}

// Nop discards every observation
type Nop struct{}

func (Nop) ObserveConnect(string)          {}
func (Nop) ObserveReconnectAttempt(string) {}
func (Nop) ObserveEpisode(string)          {}
func (Nop) SetState(string)                {}
func (Nop) ObservePublish(string, string)  {}
func (Nop) ObserveDelivery(string)         {}
func (Nop) ObserveDeclare(string, string)  {}

// States exported on the state gauge, one series per state
var States = []string{"disconnected", "connecting", "connected", "reconnecting", "closed"}

// Prometheus implements Collector using Prometheus metrics.
type Prometheus struct {
	connects   *prometheus.CounterVec
	reconnects *prometheus.CounterVec
	episodes   *prometheus.CounterVec
	state      *prometheus.GaugeVec
	published  *prometheus.CounterVec
	deliveries *prometheus.CounterVec
	declares   *prometheus.CounterVec
}

// NewPrometheus creates the metrics and registers them on reg. Collectors
// already registered under the same names are reused, so a second client on
// the same registry shares the first one's series.
// A nil reg falls back to prometheus.DefaultRegisterer.
func NewPrometheus(reg prometheus.Registerer, connectionName string) (*Prometheus, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if connectionName != "" {
		reg = prometheus.WrapRegistererWith(prometheus.Labels{"connection": connectionName}, reg)
	}

	p := &Prometheus{}
	var err error

	if p.connects, err = register(reg, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rabbitmq_client_connect_attempts_total",
			Help: "Connection attempts (initial and reconnect) by result",
		},
		[]string{"result"},
	)); err != nil {
		return nil, err
	}
	if p.reconnects, err = register(reg, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rabbitmq_client_reconnect_attempts_total",
			Help: "Reconnect attempts made inside reconnect episodes by result",
		},
		[]string{"result"},
	)); err != nil {
		return nil, err
	}
	if p.episodes, err = register(reg, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rabbitmq_client_reconnect_episodes_total",
			Help: "Finished reconnect episodes by outcome",
		},
		[]string{"outcome"},
	)); err != nil {
		return nil, err
	}
	if p.state, err = register(reg, prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rabbitmq_client_connection_state",
			Help: "1 for the current connection state, 0 otherwise",
		},
		[]string{"state"},
	)); err != nil {
		return nil, err
	}
	if p.published, err = register(reg, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rabbitmq_client_published_messages_total",
			Help: "Messages handed to the broker by exchange and result",
		},
		[]string{"exchange", "result"},
	)); err != nil {
		return nil, err
	}
	if p.deliveries, err = register(reg, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rabbitmq_client_delivered_messages_total",
			Help: "Messages delivered to handlers by queue",
		},
		[]string{"queue"},
	)); err != nil {
		return nil, err
	}
	if p.declares, err = register(reg, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rabbitmq_client_declarations_total",
			Help: "Exchange and queue declarations by kind and result",
		},
		[]string{"kind", "result"},
	)); err != nil {
		return nil, err
	}

	return p, nil
}

// register adds c to reg, returning the collector already registered in its place if any
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		var zero T
		return zero, fmt.Errorf("register metrics: %w", err)
	}
	return c, nil
}

func (p *Prometheus) ObserveConnect(result string) {
	p.connects.WithLabelValues(result).Inc()
}

func (p *Prometheus) ObserveReconnectAttempt(result string) {
	p.reconnects.WithLabelValues(result).Inc()
}

func (p *Prometheus) ObserveEpisode(outcome string) {
	p.episodes.WithLabelValues(outcome).Inc()
}

func (p *Prometheus) SetState(state string) {
	for _, s := range States {
		v := 0.0
		if s == state {
			v = 1
		}
		p.state.WithLabelValues(s).Set(v)
	}
}

func (p *Prometheus) ObservePublish(exchange, result string) {
	p.published.WithLabelValues(exchange, result).Inc()
}

func (p *Prometheus) ObserveDelivery(queue string) {
	p.deliveries.WithLabelValues(queue).Inc()
}

func (p *Prometheus) ObserveDeclare(kind, result string) {
	p.declares.WithLabelValues(kind, result).Inc()
}
