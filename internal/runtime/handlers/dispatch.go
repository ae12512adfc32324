package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/fengb3/streambus/internal/runtime/envelope"
	errspkg "github.com/fengb3/streambus/internal/runtime/errors"
	loggingpkg "github.com/fengb3/streambus/internal/runtime/logging"
)

// Delivery is one stream entry handed to a binding.
type Delivery struct {
	EntryID    string
	Envelope   envelope.Envelope
	Deliveries int64
}

// Binding is the type-erased form of a Registration.
type Binding struct {
	Name        string
	StreamKey   string
	MessageType string

	dispatch func(ctx context.Context, deps Dependencies, d Delivery) error
}

// Dispatch decodes d, builds a fresh handler and runs it. Decode failures
// are returned as *errors.DecodeError and handler failures as
// *errors.HandlerError. Panics are left to the caller's recoverer.
func (b Binding) Dispatch(ctx context.Context, deps Dependencies, d Delivery) error {
	if b.dispatch == nil {
		return errspkg.ErrHandlerRequired
	}
	return b.dispatch(ctx, deps, d)
}

func newBinding[T any](name, key string, reg Registration[T]) Binding {
	codec, factory := reg.Codec, reg.Factory
	return Binding{
		Name:        name,
		StreamKey:   key,
		MessageType: fmt.Sprintf("%T", *new(T)),
		dispatch: func(ctx context.Context, deps Dependencies, d Delivery) error {
			payload, err := envelope.Decode(codec, d.Envelope)
			if err != nil {
				var decodeErr *errspkg.DecodeError
				if errors.As(err, &decodeErr) {
					decodeErr.EntryID = d.EntryID
				}
				return err
			}

			logger := deps.Logger
			if logger == nil {
				logger = loggingpkg.Discard()
			}
			msg := MessageContext[T]{
				MessageContextBase: MessageContextBase{
					EntryID:    d.EntryID,
					StreamKey:  key,
					Deliveries: d.Deliveries,
					Logger: logger.With(loggingpkg.LogFields{
						loggingpkg.FieldHandler: name,
						loggingpkg.FieldStream:  key,
						loggingpkg.FieldEntryID: d.EntryID,
					}),
				},
				Payload: payload,
			}

			if err := invoke(ctx, factory, deps, msg); err != nil {
				return &errspkg.HandlerError{Handler: name, StreamKey: key, EntryID: d.EntryID, Err: err}
			}
			return nil
		},
	}
}

func invoke[T any](ctx context.Context, factory Factory[T], deps Dependencies, msg MessageContext[T]) error {
	handler := factory(deps)
	if handler == nil {
		return errspkg.ErrHandlerRequired
	}
	return handler.HandleMessage(ctx, msg)
}
