package handlers

import (
	"fmt"
	"sort"
	"sync"

	errspkg "github.com/fengb3/streambus/internal/runtime/errors"
)

// Builder collects bindings at startup. Build freezes the result into a Registry.
type Builder struct {
	mu       sync.Mutex
	bindings []Binding
	keys     map[string]string
	built    bool
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{keys: make(map[string]string)}
}

// Bind registers reg on b. At most one handler may be bound per stream key.
func Bind[T any](b *Builder, reg Registration[T]) error {
	if b == nil {
		return errspkg.ErrRegistryRequired
	}
	if reg.Codec == nil {
		return errspkg.ErrCodecRequired
	}
	if reg.Factory == nil {
		return errspkg.ErrHandlerRequired
	}
	key := reg.Codec.StreamKey()
	if key == "" {
		return errspkg.ErrStreamKeyRequired
	}
	name := reg.Name
	if name == "" {
		name = key
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.built {
		return fmt.Errorf("streambus: bind %s after Build", name)
	}
	if existing, ok := b.keys[key]; ok {
		return fmt.Errorf("%w: %s is handled by %s", errspkg.ErrDuplicateBinding, key, existing)
	}
	b.keys[key] = name
	b.bindings = append(b.bindings, newBinding(name, key, reg))
	return nil
}

// MustBind is Bind that panics on error, for static wiring in main.
func MustBind[T any](b *Builder, reg Registration[T]) {
	if err := Bind(b, reg); err != nil {
		panic(err)
	}
}

// Build returns the immutable registry. Bind fails afterwards.
func (b *Builder) Build() *Registry {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.built = true

	bindings := make([]Binding, len(b.bindings))
	copy(bindings, b.bindings)
	sort.SliceStable(bindings, func(i, j int) bool { return bindings[i].StreamKey < bindings[j].StreamKey })

	byKey := make(map[string]int, len(bindings))
	for i, binding := range bindings {
		byKey[binding.StreamKey] = i
	}
	return &Registry{bindings: bindings, byKey: byKey}
}

// Registry maps stream keys to bindings. It never changes after Build and is
// safe for concurrent lookup.
type Registry struct {
	bindings []Binding
	byKey    map[string]int
}

// Bindings returns the bindings ordered by stream key.
func (r *Registry) Bindings() []Binding {
	if r == nil {
		return nil
	}
	out := make([]Binding, len(r.bindings))
	copy(out, r.bindings)
	return out
}

// Lookup finds the binding for streamKey.
func (r *Registry) Lookup(streamKey string) (Binding, bool) {
	if r == nil {
		return Binding{}, false
	}
	i, ok := r.byKey[streamKey]
	if !ok {
		return Binding{}, false
	}
	return r.bindings[i], true
}

// Len reports the number of bindings.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.bindings)
}
