package runtime

import (
	"context"
	"strconv"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/fengb3/streambus/internal/runtime/envelope"
	handlerpkg "github.com/fengb3/streambus/internal/runtime/handlers"
)

// Metadata keys set on every delivery message.
const (
	MetadataStream     = "stream"
	MetadataGroup      = "group"
	MetadataHandler    = "handler"
	MetadataEntryID    = "entry_id"
	MetadataDeliveries = "deliveries"
)

// Job is one delivery on its way to a handler.
type Job struct {
	Handler   string
	StreamKey string
	Group     string
	handlerpkg.Delivery
}

type jobContextKey struct{}

// newDeliveryMessage wraps job for the middleware chain. The payload is the
// entry's data field and the UUID its entry id.
func newDeliveryMessage(ctx context.Context, job Job) *message.Message {
	data, _ := job.Envelope.Data()
	msg := message.NewMessageWithContext(context.WithValue(ctx, jobContextKey{}, job), job.EntryID, data)
	msg.Metadata.Set(MetadataStream, job.StreamKey)
	msg.Metadata.Set(MetadataGroup, job.Group)
	msg.Metadata.Set(MetadataHandler, job.Handler)
	msg.Metadata.Set(MetadataEntryID, job.EntryID)
	msg.Metadata.Set(MetadataDeliveries, strconv.FormatInt(job.Deliveries, 10))
	return msg
}

// JobFromMessage returns the delivery carried by msg. Messages that were not
// built by a consumption loop are described from their metadata and payload.
func JobFromMessage(msg *message.Message) Job {
	if job, ok := jobFromContext(msg.Context()); ok {
		return job
	}
	stream := msg.Metadata.Get(MetadataStream)
	deliveries, _ := strconv.ParseInt(msg.Metadata.Get(MetadataDeliveries), 10, 64)
	entryID := msg.Metadata.Get(MetadataEntryID)
	if entryID == "" {
		entryID = msg.UUID
	}
	return Job{
		Handler:   msg.Metadata.Get(MetadataHandler),
		StreamKey: stream,
		Group:     msg.Metadata.Get(MetadataGroup),
		Delivery: handlerpkg.Delivery{
			EntryID:    entryID,
			Envelope:   envelope.New(stream, msg.Payload),
			Deliveries: deliveries,
		},
	}
}

func jobFromContext(ctx context.Context) (Job, bool) {
	job, ok := ctx.Value(jobContextKey{}).(Job)
	return job, ok
}

func jobLabel(get func(Job) string) func(context.Context) string {
	return func(ctx context.Context) string {
		job, _ := jobFromContext(ctx)
		return get(job)
	}
}
