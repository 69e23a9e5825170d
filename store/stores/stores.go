// Package stores imports all built-in storage engines for auto-registration.
// Import this package to have all engines registered with the default registry.
package stores

import (
	_ "github.com/drblury/streamflow/store/jetstream"
	_ "github.com/drblury/streamflow/store/memory"
	_ "github.com/drblury/streamflow/store/postgres"
	_ "github.com/drblury/streamflow/store/sqlite"
)
