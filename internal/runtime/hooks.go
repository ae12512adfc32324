package runtime

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	loggingpkg "github.com/fengb3/streambus/internal/runtime/logging"
)

// JobContext provides information about a job execution to hooks.
type JobContext struct {
	// HandlerName is the name of the handler processing the job.
	HandlerName string
	// StreamKey is the stream the entry was read from.
	StreamKey string
	// EntryID is the store-assigned id of the entry.
	EntryID string
	// Context is the context the handler runs with.
	Context context.Context
	// StartedAt is when the job started processing.
	StartedAt time.Time
	// Duration is how long the job took (only set in OnJobDone and OnJobError).
	Duration time.Duration
	// Deliveries is 1 on first delivery and grows each time the entry is reclaimed.
	Deliveries int64
}

// JobHooks defines callbacks for job lifecycle events.
// All hooks are optional - nil hooks are simply not called.
type JobHooks struct {
	// OnJobStart is called before the handler is invoked.
	OnJobStart func(ctx JobContext)

	// OnJobDone is called when a handler returns nil.
	OnJobDone func(ctx JobContext)

	// OnJobError is called when dispatch fails, including decode failures.
	OnJobError func(ctx JobContext, err error)
}

// Merge combines two JobHooks, creating a new JobHooks that calls both.
// The hooks from 'other' are called after the hooks from 'h'.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	return JobHooks{
		OnJobStart: chainJobHooks(h.OnJobStart, other.OnJobStart),
		OnJobDone:  chainJobHooks(h.OnJobDone, other.OnJobDone),
		OnJobError: chainErrorHooks(h.OnJobError, other.OnJobError),
	}
}

func chainJobHooks(a, b func(JobContext)) func(JobContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(JobContext, error)) func(JobContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// JobHooksMiddleware creates a middleware that invokes the provided hooks
// at appropriate points in the message lifecycle.
func JobHooksMiddleware(hooks JobHooks) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "job_hooks",
		Middleware: jobHooksMiddleware(hooks),
	}
}

func jobHooksMiddleware(hooks JobHooks) HandlerMiddleware {
	return func(h HandlerFunc) HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			job := JobFromMessage(msg)
			jobCtx := JobContext{
				HandlerName: job.Handler,
				StreamKey:   job.StreamKey,
				EntryID:     job.EntryID,
				Context:     msg.Context(),
				StartedAt:   time.Now(),
				Deliveries:  job.Deliveries,
			}

			if hooks.OnJobStart != nil {
				hooks.OnJobStart(jobCtx)
			}

			msgs, err := h(msg)
			jobCtx.Duration = time.Since(jobCtx.StartedAt)

			if err != nil {
				if hooks.OnJobError != nil {
					hooks.OnJobError(jobCtx, err)
				}
			} else if hooks.OnJobDone != nil {
				hooks.OnJobDone(jobCtx)
			}

			return msgs, err
		}
	}
}

// LoggingHooks returns pre-built hooks that log job lifecycle events.
func LoggingHooks(logger loggingpkg.ServiceLogger) JobHooks {
	fields := func(ctx JobContext) loggingpkg.LogFields {
		return loggingpkg.LogFields{
			loggingpkg.FieldHandler: ctx.HandlerName,
			loggingpkg.FieldStream:  ctx.StreamKey,
			loggingpkg.FieldEntryID: ctx.EntryID,
			loggingpkg.FieldAttempt: ctx.Deliveries,
		}
	}
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			logger.Info("Job started", fields(ctx))
		},
		OnJobDone: func(ctx JobContext) {
			f := fields(ctx)
			f["duration_ms"] = ctx.Duration.Milliseconds()
			logger.Info("Job completed", f)
		},
		OnJobError: func(ctx JobContext, err error) {
			f := fields(ctx)
			f["duration_ms"] = ctx.Duration.Milliseconds()
			logger.Error("Job failed", err, f)
		},
	}
}

// MetricsHooks returns pre-built hooks that record job metrics.
func MetricsHooks(onStart, onDone, onError func(handlerName, streamKey string)) JobHooks {
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			if onStart != nil {
				onStart(ctx.HandlerName, ctx.StreamKey)
			}
		},
		OnJobDone: func(ctx JobContext) {
			if onDone != nil {
				onDone(ctx.HandlerName, ctx.StreamKey)
			}
		},
		OnJobError: func(ctx JobContext, err error) {
			if onError != nil {
				onError(ctx.HandlerName, ctx.StreamKey)
			}
		},
	}
}

// AlertingHooks returns pre-built hooks that trigger alerts on job errors.
func AlertingHooks(alertFunc func(ctx JobContext, err error)) JobHooks {
	return JobHooks{
		OnJobError: alertFunc,
	}
}
