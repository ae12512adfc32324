package handlers

import (
	"context"

	"github.com/fengb3/streambus/internal/runtime/envelope"
)

// Handler processes one decoded message. Returning nil acknowledges the entry.
// Returning an error matching errors.ErrSkip acknowledges it without further
// processing and errors.ErrDeadLetter moves it to the dead-letter stream.
// Any other error leaves it pending for redelivery.
type Handler[T any] interface {
	HandleMessage(ctx context.Context, msg MessageContext[T]) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc[T any] func(ctx context.Context, msg MessageContext[T]) error

func (f HandlerFunc[T]) HandleMessage(ctx context.Context, msg MessageContext[T]) error {
	return f(ctx, msg)
}

// Factory builds the handler for a single dispatch. It runs once per entry so
// a handler may keep per-message state.
type Factory[T any] func(deps Dependencies) Handler[T]

// Func returns a Factory that always hands out fn.
func Func[T any](fn func(ctx context.Context, msg MessageContext[T]) error) Factory[T] {
	return func(Dependencies) Handler[T] { return HandlerFunc[T](fn) }
}

// Registration binds a message type to its handler factory.
type Registration[T any] struct {
	// Name identifies the handler in logs and stats. Defaults to the stream key.
	Name    string
	Codec   envelope.Codec[T]
	Factory Factory[T]
}
