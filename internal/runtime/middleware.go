package runtime

import (
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/fengb3/streambus/internal/runtime/errors"
	loggingpkg "github.com/fengb3/streambus/internal/runtime/logging"
)

// HandlerFunc runs one delivery message. The innermost HandlerFunc
// dispatches to the bound handler and never produces messages.
type HandlerFunc = message.HandlerFunc

// HandlerMiddleware wraps a HandlerFunc.
type HandlerMiddleware = message.HandlerMiddleware

// MiddlewareBuilder constructs a handler middleware using the provided service instance.
type MiddlewareBuilder func(*Service) (HandlerMiddleware, error)

// MiddlewareRegistration captures how a middleware should be registered on a Service.
type MiddlewareRegistration struct {
	Name       string
	Middleware HandlerMiddleware
	Builder    MiddlewareBuilder
}

// RetryMiddlewareConfig customises the retry middleware behaviour.
type RetryMiddlewareConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	RetryIf         func(error) bool
}

func (cfg RetryMiddlewareConfig) withDefaults() RetryMiddlewareConfig {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 100 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 2 * time.Second
	}
	return cfg
}

// DefaultMiddlewares returns the standard middleware chain used by the Service constructor.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		LogMessagesMiddleware(nil),
		TracerMiddleware(),
		MetricsMiddleware(),
	}
}

// MetricsMiddleware records handler duration and exposes /metrics when a
// metrics port is configured. It is a no-op unless metrics are enabled.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(s *Service) (HandlerMiddleware, error) {
			if !s.Conf.MetricsEnabled || s.metrics == nil {
				return nil, nil
			}
			if s.Conf.MetricsPort > 0 {
				s.RegisterHTTPHandler(s.Conf.MetricsPort, "/metrics", promhttp.Handler())
			}
			return s.metrics.middleware(), nil
		},
	}
}

// LogMessagesMiddleware logs every delivery at debug level.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_messages",
		Builder: func(s *Service) (HandlerMiddleware, error) {
			l := logger
			if l == nil {
				l = s.Logger
			}
			if l == nil {
				return nil, errors.New("log messages middleware requires a logger")
			}
			return logMessagesMiddleware(l), nil
		},
	}
}

// TracerMiddleware wraps handler execution in an OpenTelemetry span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "tracer",
		Middleware: tracerMiddleware(),
	}
}

// RecovererMiddleware turns a handler panic into a
// middleware.RecoveredPanicError. Every chain already ends in a recoverer;
// register this one to also cover panics raised by later middlewares.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "recoverer",
		Middleware: middleware.Recoverer,
	}
}

// TimeoutMiddleware cancels the handler context after d.
func TimeoutMiddleware(d time.Duration) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "timeout",
		Middleware: middleware.Timeout(d),
	}
}

// RetryMiddleware retries failed handlers in-process with exponential
// backoff before the entry is left pending. Skip and dead-letter errors are
// never retried.
func RetryMiddleware(cfg RetryMiddlewareConfig) MiddlewareRegistration {
	normalized := cfg.withDefaults()
	return MiddlewareRegistration{
		Name: "retry",
		Builder: func(s *Service) (HandlerMiddleware, error) {
			return retryMiddleware(normalized, s.Logger), nil
		},
	}
}

// RegisterMiddleware adds a middleware to the dispatch chain. Middlewares run
// in registration order, the first one outermost. Registration is only
// possible before Start.
func (s *Service) RegisterMiddleware(cfg MiddlewareRegistration) error {
	if s.started.Load() {
		return errors.New("middleware must be registered before Start")
	}

	var mw HandlerMiddleware
	switch {
	case cfg.Middleware != nil:
		mw = cfg.Middleware
	case cfg.Builder != nil:
		var err error
		mw, err = cfg.Builder(s)
		if err != nil {
			return err
		}
	default:
		return errors.New("middleware registration requires Middleware or Builder")
	}

	if mw == nil {
		return nil
	}

	s.middlewaresMu.Lock()
	s.middlewares = append(s.middlewares, mw)
	s.middlewaresMu.Unlock()
	return nil
}

// chain wraps h in the registered middlewares. h always runs behind a
// recoverer so a panicking handler fails its delivery instead of the loop.
func (s *Service) chain(h HandlerFunc) HandlerFunc {
	h = middleware.Recoverer(h)
	s.middlewaresMu.Lock()
	defer s.middlewaresMu.Unlock()
	for i := len(s.middlewares) - 1; i >= 0; i-- {
		h = s.middlewares[i](h)
	}
	return h
}

func logMessagesMiddleware(logger loggingpkg.ServiceLogger) HandlerMiddleware {
	return func(h HandlerFunc) HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			job := JobFromMessage(msg)
			logger.Debug("Processing message", loggingpkg.LogFields{
				loggingpkg.FieldStream:  job.StreamKey,
				loggingpkg.FieldHandler: job.Handler,
				loggingpkg.FieldEntryID: job.EntryID,
				loggingpkg.FieldAttempt: job.Deliveries,
				"payload_bytes":         len(msg.Payload),
			})
			return h(msg)
		}
	}
}

func tracerMiddleware() HandlerMiddleware {
	return func(h HandlerFunc) HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			job := JobFromMessage(msg)
			ctx, span := otel.Tracer(tracerName).Start(msg.Context(), "streambus.dispatch",
				trace.WithSpanKind(trace.SpanKindConsumer),
				trace.WithAttributes(
					attribute.String("messaging.destination.name", job.StreamKey),
					attribute.String("messaging.consumer.group.name", job.Group),
					attribute.String("messaging.message.id", job.EntryID),
					attribute.Int64("messaging.delivery.count", job.Deliveries),
					attribute.String("streambus.handler", job.Handler),
				),
			)
			defer span.End()
			msg.SetContext(ctx)

			msgs, err := h(msg)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return msgs, err
		}
	}
}

func retryMiddleware(cfg RetryMiddlewareConfig, logger loggingpkg.ServiceLogger) HandlerMiddleware {
	retry := middleware.Retry{
		MaxRetries:          cfg.MaxRetries,
		InitialInterval:     cfg.InitialInterval,
		MaxInterval:         cfg.MaxInterval,
		Multiplier:          2,
		RandomizationFactor: 0.5,
		ShouldRetry: func(params middleware.RetryParams) bool {
			if errspkg.Classify(params.Err) != errspkg.OutcomeRetry {
				return false
			}
			return cfg.RetryIf == nil || cfg.RetryIf(params.Err)
		},
	}
	if logger != nil {
		retry.Logger = loggingpkg.NewWatermillAdapter(logger)
	}
	return retry.Middleware
}
