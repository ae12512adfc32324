package transport

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/fengb3/streambus/internal/runtime/logging"
)

// Registry maintains a mapping of store names to their builders and capabilities.
// Store packages register themselves from init.
type Registry struct {
	mu           sync.RWMutex
	builders     map[string]Builder
	capabilities map[string]Capabilities
}

// DefaultRegistry is the global store registry.
var DefaultRegistry = NewRegistry()

// NewRegistry creates a new store registry.
func NewRegistry() *Registry {
	return &Registry{
		builders:     make(map[string]Builder),
		capabilities: make(map[string]Capabilities),
	}
}

// Register adds a store builder to the registry. Names are case-insensitive.
func (r *Registry) Register(name string, builder Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[strings.ToLower(name)] = builder
}

// RegisterWithCapabilities adds a store builder and its capabilities to the registry.
func (r *Registry) RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name = strings.ToLower(name)
	r.builders[name] = builder
	r.capabilities[name] = caps
}

// GetCapabilities returns the capabilities for a registered store.
// Returns a Capabilities holding only the name if the store is unknown.
func (r *Registry) GetCapabilities(name string) Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if caps, ok := r.capabilities[strings.ToLower(name)]; ok {
		return caps
	}
	return Capabilities{Name: name}
}

// Build creates a store using the registered builder for cfg.GetStore().
func (r *Registry) Build(ctx context.Context, cfg Config, logger logging.ServiceLogger) (Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	name := strings.ToLower(cfg.GetStore())

	r.mu.RLock()
	builder, ok := r.builders[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown store: %q (registered: %v)", name, r.Names())
	}
	if logger == nil {
		logger = logging.Discard()
	}

	return builder(ctx, cfg, logger)
}

// Names returns the registered store names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.builders))
	for name := range r.builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has returns true if a store is registered with the given name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.builders[strings.ToLower(name)]
	return ok
}

// Register adds a store builder to the default registry.
func Register(name string, builder Builder) {
	DefaultRegistry.Register(name, builder)
}

// RegisterWithCapabilities adds a store builder and its capabilities to the default registry.
func RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	DefaultRegistry.RegisterWithCapabilities(name, builder, caps)
}

// Build creates a store using the default registry.
func Build(ctx context.Context, cfg Config, logger logging.ServiceLogger) (Store, error) {
	return DefaultRegistry.Build(ctx, cfg, logger)
}
