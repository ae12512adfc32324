/*
Package runtime runs typed handlers against an append-only stream store with
consumer groups.

# Architecture Overview

Every message type travels on its own stream, named after the type. A
Service starts one consumption loop per bound type. Each loop reads through a
shared consumer group, decodes the single-field envelope, builds a fresh
handler and acknowledges the entry once the handler returns nil. Delivery is
at least once.

# Package Structure

## Core Service (service.go)

The Service owns the store, the frozen handler registry and one loop per
binding. Start blocks until every loop has exited after cancellation. A loop
that cannot create its group is marked failed and the others keep running.

## Consumption Loop (consumer.go)

Poll, decode, dispatch, acknowledge. Empty polls back off (fixed, or doubling
up to a cap), failed cycles sleep the longer error backoff.

## Dead Letters (deadletter.go)

Entries that fail MaxDeliveries times, poison payloads and handler errors
matching errors.ErrDeadLetter are copied unchanged to "<stream>:dlq" and then
acknowledged. Idle pending entries are reclaimed for another attempt.

## Middleware (middleware.go, hooks.go)

Composable stages around each dispatch:
  - LogMessages: debug line per delivery
  - Tracer: OpenTelemetry span per delivery
  - Metrics: Prometheus duration and outcome counters
  - Retry: in-process retries before the entry is left pending
  - JobHooks: start/done/error callbacks

## Stats & Monitoring (models.go, resources.go, dlq_metrics.go, webui.go)

Per-loop latency percentiles, throughput, error categories, backlog lag and
resource samples, dead-letter counts, and a JSON API over all of them.

## Publishing (publisher.go)

Publish encodes a typed message and appends it to its stream.

# Sub-packages

  - config/: Service configuration with validation and environment loading
  - envelope/: Envelope layout and message codecs
  - errors/: Sentinel errors, error types and outcome classification
  - handlers/: Handler contracts, registry and dispatch
  - ids/: ULID generation for task ids
  - jsoncodec/: JSON marshaling utilities
  - logging/: Logger interface and adapters
  - bridge/: Watermill publisher that writes into streams

# Usage Example

	b := handlers.NewBuilder()
	handlers.MustBind(b, handlers.Registration[messages.ResultMessage]{
		Codec:   messages.ResultCodec,
		Factory: handlers.Func(handleResult),
	})

	svc := runtime.NewService(cfg, logger, store, b.Build(), runtime.ServiceDependencies{})
	_ = svc.Start(ctx)
*/
package runtime
