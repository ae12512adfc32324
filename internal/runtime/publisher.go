package runtime

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fengb3/streambus/internal/runtime/envelope"
	errspkg "github.com/fengb3/streambus/internal/runtime/errors"
	handlerpkg "github.com/fengb3/streambus/internal/runtime/handlers"
	loggingpkg "github.com/fengb3/streambus/internal/runtime/logging"
	"github.com/fengb3/streambus/transport"
)

const tracerName = "github.com/fengb3/streambus"

// Producer appends envelopes to their streams.
type Producer = handlerpkg.Producer

// Publish encodes msg with codec and appends it to the codec's stream. It
// returns the store-assigned entry id.
func Publish[T any](ctx context.Context, producer Producer, codec envelope.Codec[T], msg T) (string, error) {
	if producer == nil {
		return "", errspkg.ErrProducerRequired
	}
	env, err := envelope.Encode(codec, msg)
	if err != nil {
		return "", err
	}
	return producer.PublishEnvelope(ctx, env)
}

// StoreProducer publishes straight into a transport.Store.
type StoreProducer struct {
	store  transport.Store
	logger loggingpkg.ServiceLogger
}

// NewStoreProducer returns a producer writing to store. A nil logger discards.
func NewStoreProducer(store transport.Store, logger loggingpkg.ServiceLogger) *StoreProducer {
	if logger == nil {
		logger = loggingpkg.Discard()
	}
	return &StoreProducer{store: store, logger: logger}
}

// PublishEnvelope validates env and appends it to env.StreamKey.
func (p *StoreProducer) PublishEnvelope(ctx context.Context, env envelope.Envelope) (string, error) {
	if p == nil || p.store == nil {
		return "", errspkg.ErrStoreRequired
	}
	if err := env.Validate(); err != nil {
		return "", err
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "streambus.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(attribute.String("messaging.destination.name", env.StreamKey)),
	)
	defer span.End()

	id, err := p.store.Append(ctx, env.StreamKey, env.Fields)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("streambus: publish to %s: %w", env.StreamKey, err)
	}
	span.SetAttributes(attribute.String("messaging.message.id", id))

	p.logger.Debug("Published message", loggingpkg.LogFields{
		loggingpkg.FieldStream:  env.StreamKey,
		loggingpkg.FieldEntryID: id,
	})
	return id, nil
}

// PublishEnvelope emits env through the Service's store.
func (s *Service) PublishEnvelope(ctx context.Context, env envelope.Envelope) (string, error) {
	if s == nil {
		return "", errors.New("event service is nil")
	}
	return s.producer.PublishEnvelope(ctx, env)
}

// Producer returns the producer handlers receive through their dependencies.
func (s *Service) Producer() Producer {
	return s.producer
}
