package handlers

import (
	"context"

	"github.com/fengb3/streambus/internal/runtime/envelope"
	loggingpkg "github.com/fengb3/streambus/internal/runtime/logging"
)

// Producer appends envelopes to the store. Handlers receive one through
// Dependencies to emit follow-up messages.
type Producer interface {
	PublishEnvelope(ctx context.Context, env envelope.Envelope) (string, error)
}

// Dependencies are the shared collaborators handed to every handler factory.
type Dependencies struct {
	Logger   loggingpkg.ServiceLogger
	Producer Producer
}

// MessageContextBase describes the stream entry being handled.
type MessageContextBase struct {
	EntryID   string
	StreamKey string
	// Deliveries is 1 on first delivery and grows each time the entry is reclaimed.
	Deliveries int64
	// Logger carries the stream, entry and handler fields.
	Logger loggingpkg.ServiceLogger
}

// Redelivered reports whether an earlier attempt at this entry failed.
func (b MessageContextBase) Redelivered() bool {
	return b.Deliveries > 1
}

// MessageContext gives a handler the decoded payload. Payload must be treated
// as read-only.
type MessageContext[T any] struct {
	MessageContextBase
	Payload T
}
