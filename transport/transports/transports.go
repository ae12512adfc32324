// Package transports imports the built-in stores for auto-registration.
// Import this package to have every store registered with the default registry.
package transports

import (
	// Import all stores for side-effect registration
	_ "github.com/fengb3/streambus/transport/memory"
	_ "github.com/fengb3/streambus/transport/redis"
)
