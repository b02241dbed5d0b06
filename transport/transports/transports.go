// Package transports imports all built-in transports for auto-registration.
// Import this package to have every transport registered with the default
// registry.
package transports

import (
	_ "github.com/quakeflow/quakeflow/transport/channel"
	_ "github.com/quakeflow/quakeflow/transport/http"
	_ "github.com/quakeflow/quakeflow/transport/kafka"
	_ "github.com/quakeflow/quakeflow/transport/nats"
	_ "github.com/quakeflow/quakeflow/transport/rabbitmq"
)
