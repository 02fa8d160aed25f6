// Package stores imports all built-in record stores for auto-registration.
package stores

import (
	_ "github.com/drblury/conditionflow/store/memory"
	_ "github.com/drblury/conditionflow/store/postgres"
	_ "github.com/drblury/conditionflow/store/sqlite"
)
