// Package rabbitmq provides the broker layer of the client.
//
// This package includes:
//   - ConnectionManager: owns one connection and one channel, detects shutdowns
//     and runs bounded reconnect episodes
//   - TopologyManager: declares exchanges and queues with TTL arguments
//   - Publisher: fire-and-forget publishing on the current channel
//   - Consumer: auto-ack subscriptions delivering text bodies to a handler
//
// Operations never block waiting for a connection. When no channel is
// available they fail with an error wrapping ErrNoChannel.
package rabbitmq
