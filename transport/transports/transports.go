// Package transports imports all built-in transports for auto-registration.
// Import this package to have all transports registered with the default registry.
package transports

import (
	// Import all transports for side-effect registration
	_ "github.com/drblury/conditionflow/transport/aws"
	_ "github.com/drblury/conditionflow/transport/channel"
	_ "github.com/drblury/conditionflow/transport/file"
	_ "github.com/drblury/conditionflow/transport/http"
	_ "github.com/drblury/conditionflow/transport/jetstream"
	_ "github.com/drblury/conditionflow/transport/kafka"
	_ "github.com/drblury/conditionflow/transport/nats"
	_ "github.com/drblury/conditionflow/transport/postgres"
	_ "github.com/drblury/conditionflow/transport/rabbitmq"
	_ "github.com/drblury/conditionflow/transport/sqlite"
)
