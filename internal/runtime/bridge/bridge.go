// Package bridge lets watermill producers publish onto the bus. Each
// watermill message becomes one stream entry whose data field is the message
// payload; the topic names the stream.
package bridge

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/fengb3/streambus/internal/runtime/envelope"
	errspkg "github.com/fengb3/streambus/internal/runtime/errors"
	"github.com/fengb3/streambus/transport"
)

// ErrPublisherClosed is returned by Publish after Close.
var ErrPublisherClosed = errors.New("streambus: bridge publisher is closed")

// Publisher is a watermill message.Publisher backed by a stream store.
// Message metadata is not carried over: an entry holds only its payload.
type Publisher struct {
	store  transport.Store
	logger watermill.LoggerAdapter

	mu     sync.RWMutex
	closed bool
}

var _ message.Publisher = (*Publisher)(nil)

// NewPublisher returns a Publisher appending to store. A nil logger discards.
func NewPublisher(store transport.Store, logger watermill.LoggerAdapter) (*Publisher, error) {
	if store == nil {
		return nil, errspkg.ErrStoreRequired
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Publisher{store: store, logger: logger}, nil
}

// Publish appends every message to the stream named topic, in order. It
// stops at the first failure; messages before it stay published.
func (p *Publisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPublisherClosed
	}

	for _, msg := range messages {
		if msg == nil {
			return errspkg.ErrMessageRequired
		}
		env := envelope.New(topic, msg.Payload)
		if err := env.Validate(); err != nil {
			return fmt.Errorf("streambus: bridge message %s: %w", msg.UUID, err)
		}

		id, err := p.store.Append(msg.Context(), topic, env.Fields)
		if err != nil {
			return fmt.Errorf("streambus: bridge message %s to %s: %w", msg.UUID, topic, err)
		}
		p.logger.Trace("Bridged message", watermill.LogFields{
			"message_uuid": msg.UUID,
			"stream":       topic,
			"entry_id":     id,
		})
	}
	return nil
}

// Close stops the publisher. The store is left open; it belongs to the caller.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
