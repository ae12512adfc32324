// Package transport defines the stream store contract the bus runs on. Each
// backend (redis, memory) lives in its own sub-package and registers itself
// with the store registry.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/fengb3/streambus/internal/runtime/envelope"
	errspkg "github.com/fengb3/streambus/internal/runtime/errors"
	"github.com/fengb3/streambus/internal/runtime/logging"
)

// Entry is one stream record as delivered to a consumer group.
type Entry struct {
	// ID is store assigned, "<ms>-<seq>", increasing within a stream.
	ID       string
	Envelope envelope.Envelope
	// Deliveries counts how often the entry was handed to the group,
	// 1 on first delivery.
	Deliveries int64
}

// Store is an append-only log with consumer groups. Implementations must be
// safe for concurrent use; every consumption loop shares one Store.
type Store interface {
	// Append adds fields to streamKey and returns the new entry id.
	Append(ctx context.Context, streamKey string, fields map[string][]byte) (string, error)
	// CreateGroup creates group at the start of streamKey, creating the
	// stream if needed. It returns ErrGroupAlreadyExists for an existing group.
	CreateGroup(ctx context.Context, streamKey, group string) error
	// ReadGroup returns up to count entries never delivered to group. An
	// empty read is nil, nil.
	ReadGroup(ctx context.Context, streamKey, group, consumer string, count int) ([]Entry, error)
	// Acknowledge retires ids for group and reports how many were pending.
	// Acknowledging an unknown or already acknowledged id is not an error.
	Acknowledge(ctx context.Context, streamKey, group string, ids ...string) (int64, error)
	// ClaimStale moves up to count entries pending for at least minIdle to
	// consumer and returns them with their delivery count incremented.
	ClaimStale(ctx context.Context, streamKey, group, consumer string, minIdle time.Duration, count int) ([]Entry, error)
	// Len reports the number of entries in streamKey.
	Len(ctx context.Context, streamKey string) (int64, error)
	// Pending reports the number of delivered but unacknowledged entries.
	Pending(ctx context.Context, streamKey, group string) (int64, error)
	// Range returns the oldest count entries of streamKey (all when count <= 0).
	Range(ctx context.Context, streamKey string, count int) ([]Entry, error)
	// Delete removes ids from streamKey and reports how many existed.
	// Pending references to deleted entries are left to the groups.
	Delete(ctx context.Context, streamKey string, ids ...string) (int64, error)
	Close() error
}

// Pinger is implemented by stores that can check their connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

// EnsureGroup creates group on streamKey and treats an existing group as
// success. Other failures are returned.
func EnsureGroup(ctx context.Context, store Store, streamKey, group string, logger logging.ServiceLogger) error {
	err := store.CreateGroup(ctx, streamKey, group)
	switch {
	case err == nil:
		if logger != nil {
			logger.Info("Created consumer group", logging.LogFields{logging.FieldStream: streamKey, logging.FieldGroup: group})
		}
		return nil
	case errors.Is(err, errspkg.ErrGroupAlreadyExists):
		if logger != nil {
			logger.Debug("Consumer group already exists", logging.LogFields{logging.FieldStream: streamKey, logging.FieldGroup: group})
		}
		return nil
	default:
		return err
	}
}

// Builder creates a store from config.
type Builder func(ctx context.Context, cfg Config, logger logging.ServiceLogger) (Store, error)

// Config provides the values store builders need without depending on the
// full config package.
type Config interface {
	// GetStore returns the backend name.
	GetStore() string

	// Redis
	GetRedisURL() string
	GetRedisAddr() string
	GetRedisPassword() string
	GetRedisDB() int

	// GetBlockTimeout is how long a group read may block server side. Zero
	// disables blocking reads.
	GetBlockTimeout() time.Duration
}

// CapabilitiesProvider is implemented by stores that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
