package transport

// Capabilities describes the features supported by a store backend.
type Capabilities struct {
	// SupportsConsumerGroups indicates the store tracks a cursor per group.
	SupportsConsumerGroups bool

	// SupportsBlockingRead indicates group reads can wait server side for new
	// entries instead of returning empty right away.
	SupportsBlockingRead bool

	// SupportsClaim indicates idle pending entries can be re-delivered to
	// another consumer.
	SupportsClaim bool

	// SupportsNativeDLQ indicates the store has built-in dead letter handling.
	// When false, the bus routes failed entries to a "<stream>:dlq" stream itself.
	SupportsNativeDLQ bool

	// SupportsOrdering indicates entries are delivered in append order per stream.
	SupportsOrdering bool

	// SupportsAck indicates the store supports explicit acknowledgment.
	SupportsAck bool

	// Persistent indicates entries survive a process restart.
	Persistent bool

	// MaxMessageSize is the maximum entry size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64

	// Name is the human-readable name of the store.
	Name string

	// Version is the store/driver version.
	Version string
}

// RequiresDLQEmulation returns true if the bus must route dead letters itself.
func (c Capabilities) RequiresDLQEmulation() bool {
	return !c.SupportsNativeDLQ
}

// SupportsRedelivery returns true if failed entries can be retried without
// a restart (ack + claim).
func (c Capabilities) SupportsRedelivery() bool {
	return c.SupportsAck && c.SupportsClaim
}

// Predefined capability sets for the built-in stores.
var (
	// RedisCapabilities for Redis Streams.
	RedisCapabilities = Capabilities{
		Name:                   "redis",
		SupportsConsumerGroups: true,
		SupportsBlockingRead:   true,
		SupportsClaim:          true,
		SupportsOrdering:       true,
		SupportsAck:            true,
		Persistent:             true,
		MaxMessageSize:         512 * 1024 * 1024, // bulk string limit
	}

	// MemoryCapabilities for the in-process store.
	MemoryCapabilities = Capabilities{
		Name:                   "memory",
		SupportsConsumerGroups: true,
		SupportsBlockingRead:   true,
		SupportsClaim:          true,
		SupportsOrdering:       true,
		SupportsAck:            true,
	}
)

// GetCapabilities returns the capabilities for a store by name from the
// default registry.
func GetCapabilities(storeName string) Capabilities {
	return DefaultRegistry.GetCapabilities(storeName)
}
