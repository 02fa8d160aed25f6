package transports

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/drblury/conditionflow/transport"
)

func TestAllTransportsRegistered(t *testing.T) {
	for _, name := range []string{"sqs", "channel", "file", "http", "jetstream", "kafka", "nats", "postgres", "postgresql", "rabbitmq", "sqlite"} {
		assert.True(t, transport.DefaultRegistry.Has(name), name)
	}
}
