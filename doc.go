// Package streambus is a typed message bus on top of an append-only stream
// store. Every message type owns one stream, keyed by the codec's stream key,
// and every entry carries a single "data" field holding the serialized
// message. Consumers read through a consumer group so entries are delivered
// to one member of the group and acknowledged only after their handler
// succeeds.
//
// A host fills Config (or calls ConfigFromEnv), builds a Store through the
// store registry, binds handlers on a HandlerBuilder and starts a Service:
//
//	conf, _ := streambus.ConfigFromEnv()
//	store, _ := streambus.BuildStore(ctx, &conf, logger)
//	b := streambus.NewHandlerBuilder()
//	streambus.MustBind(b, streambus.Registration[messages.TaskMessage]{
//		Name:    "task-worker",
//		Codec:   messages.TaskCodec,
//		Factory: streambus.HandleFunc(handleTask),
//	})
//	svc := streambus.NewService(&conf, logger, store, b.Build(), streambus.ServiceDependencies{})
//	err := svc.Start(ctx)
//
// Start runs one consumption loop per bound type and returns when ctx ends.
// A Factory receives Dependencies, whose Producer lets a handler publish
// follow-up messages.
//
// # Stores
//
// Two stores ship with the module and register themselves when
// github.com/fengb3/streambus/transport/transports is imported:
//   - redis: Redis Streams through go-redis (XADD, XREADGROUP, XACK, XAUTOCLAIM)
//   - memory: an in-process log with the same group semantics, for tests
//
// # Middleware
//
// Every delivery travels through a watermill message.HandlerFunc chain as a
// *message.Message whose payload is the entry's data field and whose
// metadata carries the stream, entry id and delivery count (JobFromMessage
// returns them typed). Handler panics are recovered into
// RecoveredPanicError. The default chain logs each message, opens a tracing
// span and records Prometheus metrics around the handler. RetryMiddleware
// adds in-process retries with exponential backoff, TimeoutMiddleware bounds
// the handler context and JobHooksMiddleware exposes start, done and failure
// callbacks. Any watermill HandlerMiddleware can be registered as well.
//
// # Failures and dead letters
//
// A failing handler leaves its entry pending. Once ClaimMinIdle has passed
// since its last claim the loop reclaims idle entries, even while new ones
// keep arriving, and tries again; once an entry has been delivered
// MaxDeliveries times it is copied to "<stream>:dlq" and acknowledged.
// Handlers can short-circuit this with ErrSkip (acknowledge and move on) or
// ErrDeadLetter (dead-letter immediately). A negative MaxDeliveries disables
// reclaiming and dead-lettering.
//
// # Bridging
//
// NewBridgePublisher returns a watermill message.Publisher that appends
// message payloads to the store, so existing watermill producers can feed
// the bus.
package streambus
