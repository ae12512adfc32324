package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fengb3/streambus/internal/runtime/logging"
)

type mockConfig struct {
	store string
}

func (m *mockConfig) GetStore() string               { return m.store }
func (m *mockConfig) GetRedisURL() string            { return "" }
func (m *mockConfig) GetRedisAddr() string           { return "" }
func (m *mockConfig) GetRedisPassword() string       { return "" }
func (m *mockConfig) GetRedisDB() int                { return 0 }
func (m *mockConfig) GetBlockTimeout() time.Duration { return 0 }

func TestNewRegistry(t *testing.T) {
	reg := NewRegistry()
	assert.NotNil(t, reg.builders)
	assert.NotNil(t, reg.capabilities)
	assert.Empty(t, reg.Names())
}

func TestRegistry_Register(t *testing.T) {
	reg := NewRegistry()
	reg.Register("Test-Store", func(context.Context, Config, logging.ServiceLogger) (Store, error) {
		return &fakeStore{}, nil
	})

	assert.True(t, reg.Has("test-store"))
	assert.True(t, reg.Has("TEST-STORE"))
	assert.Equal(t, []string{"test-store"}, reg.Names())
}

func TestRegistry_RegisterWithCapabilities(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterWithCapabilities("redis", func(context.Context, Config, logging.ServiceLogger) (Store, error) {
		return &fakeStore{}, nil
	}, RedisCapabilities)

	caps := reg.GetCapabilities("Redis")
	assert.Equal(t, "redis", caps.Name)
	assert.True(t, caps.SupportsClaim)

	unknown := reg.GetCapabilities("nope")
	assert.Equal(t, Capabilities{Name: "nope"}, unknown)
}

func TestRegistry_Build(t *testing.T) {
	reg := NewRegistry()
	store := &fakeStore{}
	var gotLogger logging.ServiceLogger
	reg.Register("memory", func(_ context.Context, cfg Config, logger logging.ServiceLogger) (Store, error) {
		gotLogger = logger
		return store, nil
	})
	reg.Register("broken", func(context.Context, Config, logging.ServiceLogger) (Store, error) {
		return nil, errors.New("dial failed")
	})

	t.Run("known store", func(t *testing.T) {
		built, err := reg.Build(context.Background(), &mockConfig{store: "MEMORY"}, nil)
		require.NoError(t, err)
		assert.Same(t, store, built)
		assert.NotNil(t, gotLogger, "nil logger should be replaced")
	})

	t.Run("builder error", func(t *testing.T) {
		_, err := reg.Build(context.Background(), &mockConfig{store: "broken"}, logging.Discard())
		assert.EqualError(t, err, "dial failed")
	})

	t.Run("unknown store", func(t *testing.T) {
		_, err := reg.Build(context.Background(), &mockConfig{store: "kafka"}, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), `unknown store: "kafka"`)
		assert.Contains(t, err.Error(), "[broken memory]")
	})

	t.Run("nil config", func(t *testing.T) {
		_, err := reg.Build(context.Background(), nil, nil)
		assert.EqualError(t, err, "config is required")
	})
}

func TestDefaultRegistryHelpers(t *testing.T) {
	original := DefaultRegistry
	DefaultRegistry = NewRegistry()
	t.Cleanup(func() { DefaultRegistry = original })

	Register("plain", func(context.Context, Config, logging.ServiceLogger) (Store, error) { return &fakeStore{}, nil })
	RegisterWithCapabilities("memory", func(context.Context, Config, logging.ServiceLogger) (Store, error) {
		return &fakeStore{}, nil
	}, MemoryCapabilities)

	assert.Equal(t, MemoryCapabilities, GetCapabilities("memory"))
	_, err := Build(context.Background(), &mockConfig{store: "plain"}, nil)
	assert.NoError(t, err)
}
