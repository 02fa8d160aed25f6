package stores

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/drblury/conditionflow/store"
)

func TestAllStoresRegistered(t *testing.T) {
	for _, name := range []string{"memory", "sqlite", "postgres"} {
		assert.True(t, store.DefaultRegistry.Has(name), name)
	}
}
