// Package transport defines the message-bus abstraction for quakeflow. Each
// backend (channel, nats, kafka, rabbitmq, http) lives in its own sub-package
// and registers itself with the registry; the runtime builds the transport
// named by Config.PubSubSystem.
package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport combines the publisher and subscriber pair produced by a builder.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Builder creates a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config exposes the configuration values transports need, so transport
// packages do not depend on the full service config.
type Config interface {
	// GetPubSubSystem returns the transport type name.
	GetPubSubSystem() string

	// NATS
	GetNATSURL() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string

	// RabbitMQ
	GetRabbitMQURL() string

	// HTTP
	GetHTTPServerAddress() string
	GetHTTPPublisherURL() string
}

// Capabilities describes delivery guarantees of a transport backend. The
// dispatch loop treats every backend as at-least-once with possible
// reordering; Capabilities exists for operational introspection.
type Capabilities struct {
	// Name is the human-readable name of the transport.
	Name string

	// SupportsOrdering indicates messages within one topic arrive in publish
	// order under normal operation.
	SupportsOrdering bool

	// SupportsAck indicates the transport supports explicit acknowledgment.
	SupportsAck bool

	// SupportsNack indicates the transport supports redelivery on negative
	// acknowledgment.
	SupportsNack bool
}
