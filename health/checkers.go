package health

import (
	"context"
	"time"

	"github.com/GtechGovind/RabbitMQClient/internal/rabbitmq"
)

// StatsSource is anything that reports connection stats, usually a
// *rabbitmq.ConnectionManager
type StatsSource interface {
	Stats() rabbitmq.Stats
}

// ConnectionChecker maps the connection state to a health status
type ConnectionChecker struct {
	name   string
	source StatsSource
}

// NewConnectionChecker creates a new connection health checker
func NewConnectionChecker(name string, source StatsSource) *ConnectionChecker {
	return &ConnectionChecker{
		name:   name,
		source: source,
	}
}

func (c *ConnectionChecker) Name() string {
	return c.name
}

// Check reports healthy when connected, degraded while a connect or
// reconnect is running, and unhealthy otherwise
func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	stats := c.source.Stats()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]interface{}{
			"state":              stats.State.String(),
			"generation":         stats.Generation,
			"connect_attempts":   stats.ConnectAttempts,
			"reconnect_attempts": stats.ReconnectAttempts,
			"reconnect_episodes": stats.Episodes,
		},
	}

	switch stats.State {
	case rabbitmq.StateConnected:
		result.Status = StatusHealthy
		result.Message = "Connection is healthy"
	case rabbitmq.StateConnecting, rabbitmq.StateReconnecting:
		result.Status = StatusDegraded
		result.Message = "Connection is being established"
	case rabbitmq.StateClosed:
		result.Status = StatusUnhealthy
		result.Message = "Client is closed"
	default:
		result.Status = StatusUnhealthy
		result.Message = "Connection is down"
	}

	result.Duration = time.Since(start)
	return result
}

// ComponentChecker adapts a check function to the Checker interface
type ComponentChecker struct {
	name    string
	checker func(ctx context.Context) (Status, string, map[string]interface{}, error)
}

// NewComponentChecker creates a checker named name that runs checker
func NewComponentChecker(name string, checker func(ctx context.Context) (Status, string, map[string]interface{}, error)) *ComponentChecker {
	return &ComponentChecker{
		name:    name,
		checker: checker,
	}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	status, message, details, err := c.checker(ctx)

	result.Status = status
	result.Message = message
	if details != nil {
		result.Details = details
	}
	if err != nil {
		result.Error = err.Error()
	}
	result.Duration = time.Since(start)

	return result
}
