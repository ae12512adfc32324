package streambus

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	runtimepkg "github.com/fengb3/streambus/internal/runtime"
	"github.com/fengb3/streambus/internal/runtime/bridge"
	configpkg "github.com/fengb3/streambus/internal/runtime/config"
	"github.com/fengb3/streambus/internal/runtime/envelope"
	errspkg "github.com/fengb3/streambus/internal/runtime/errors"
	handlerpkg "github.com/fengb3/streambus/internal/runtime/handlers"
	idspkg "github.com/fengb3/streambus/internal/runtime/ids"
	jsoncodec "github.com/fengb3/streambus/internal/runtime/jsoncodec"
	loggingpkg "github.com/fengb3/streambus/internal/runtime/logging"
	"github.com/fengb3/streambus/transport"
	"google.golang.org/protobuf/proto"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	Sleeper             = runtimepkg.Sleeper
	Producer            = runtimepkg.Producer
	StoreProducer       = runtimepkg.StoreProducer

	Store             = transport.Store
	Entry             = transport.Entry
	StoreBuilder      = transport.Builder
	StoreConfig       = transport.Config
	StoreRegistry     = transport.Registry
	StoreCapabilities = transport.Capabilities

	Envelope                    = envelope.Envelope
	Codec[T any]                = envelope.Codec[T]
	JSONCodec[T any]            = envelope.JSONCodec[T]
	ProtoCodec[T proto.Message] = envelope.ProtoCodec[T]

	HandlerBuilder        = handlerpkg.Builder
	Registry              = handlerpkg.Registry
	Binding               = handlerpkg.Binding
	Registration[T any]   = handlerpkg.Registration[T]
	Handler[T any]        = handlerpkg.Handler[T]
	HandlerFunc[T any]    = handlerpkg.HandlerFunc[T]
	Factory[T any]        = handlerpkg.Factory[T]
	Dependencies          = handlerpkg.Dependencies
	MessageContext[T any] = handlerpkg.MessageContext[T]
	MessageContextBase    = handlerpkg.MessageContextBase

	Job                    = runtimepkg.Job
	JobHandlerFunc         = runtimepkg.HandlerFunc
	HandlerMiddleware      = runtimepkg.HandlerMiddleware
	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration
	RetryMiddlewareConfig  = runtimepkg.RetryMiddlewareConfig

	// RecoveredPanicError is returned for a delivery whose handler panicked.
	RecoveredPanicError = middleware.RecoveredPanicError

	LogFields                 = loggingpkg.LogFields
	ServiceLogger             = loggingpkg.ServiceLogger
	EntryLogger               = loggingpkg.EntryLogger
	EntryLoggerAdapter[T any] = loggingpkg.EntryLoggerAdapter[T]

	HandlerInfo           = runtimepkg.HandlerInfo
	HandlerStats          = runtimepkg.HandlerStats
	LoopState             = runtimepkg.LoopState
	ConfigValidationError = errspkg.ConfigValidationError
	DecodeError           = errspkg.DecodeError
	HandlerError          = errspkg.HandlerError
	DeadLetterError       = errspkg.DeadLetterError
	Outcome               = errspkg.Outcome

	// Job lifecycle hooks
	JobContext = runtimepkg.JobContext
	JobHooks   = runtimepkg.JobHooks

	// DLQ metrics
	DLQMetrics         = runtimepkg.DLQMetrics
	DLQStreamMetrics   = runtimepkg.DLQStreamMetrics
	DLQMetricsSnapshot = runtimepkg.DLQMetricsSnapshot

	// Error classification
	ErrorClassifier = runtimepkg.ErrorClassifier
	ErrorCategory   = runtimepkg.ErrorCategory

	// BridgePublisher feeds watermill producers into the bus.
	BridgePublisher = bridge.Publisher
)

var (
	NewService     = runtimepkg.NewService
	TryNewService  = runtimepkg.TryNewService
	ValidateConfig = configpkg.ValidateConfig
	ConfigFromEnv  = configpkg.FromEnv

	NewHandlerBuilder = handlerpkg.NewBuilder
	NewStoreProducer  = runtimepkg.NewStoreProducer
	NewEnvelope       = envelope.New

	DefaultMiddlewares    = runtimepkg.DefaultMiddlewares
	LogMessagesMiddleware = runtimepkg.LogMessagesMiddleware
	TracerMiddleware      = runtimepkg.TracerMiddleware
	MetricsMiddleware     = runtimepkg.MetricsMiddleware
	RetryMiddleware       = runtimepkg.RetryMiddleware
	RecovererMiddleware   = runtimepkg.RecovererMiddleware
	TimeoutMiddleware     = runtimepkg.TimeoutMiddleware
	JobFromMessage        = runtimepkg.JobFromMessage

	// Job lifecycle hooks
	JobHooksMiddleware = runtimepkg.JobHooksMiddleware
	LoggingHooks       = runtimepkg.LoggingHooks
	MetricsHooks       = runtimepkg.MetricsHooks
	AlertingHooks      = runtimepkg.AlertingHooks

	// DLQ metrics
	NewDLQMetrics = runtimepkg.NewDLQMetrics

	// Store registry. Import the built-in stores with
	// _ "github.com/fengb3/streambus/transport/transports".
	DefaultStoreRegistry = transport.DefaultRegistry
	RegisterStore        = transport.Register
	BuildStore           = transport.Build
	GetCapabilities      = transport.GetCapabilities

	NewBridgePublisher = bridge.NewPublisher

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrStoreRequired      = errspkg.ErrStoreRequired
	ErrRegistryRequired   = errspkg.ErrRegistryRequired
	ErrHandlerRequired    = errspkg.ErrHandlerRequired
	ErrCodecRequired      = errspkg.ErrCodecRequired
	ErrStreamKeyRequired  = errspkg.ErrStreamKeyRequired
	ErrDuplicateBinding   = errspkg.ErrDuplicateBinding
	ErrConfigRequired     = errspkg.ErrConfigRequired
	ErrLoggerRequired     = errspkg.ErrLoggerRequired
	ErrMessageRequired    = errspkg.ErrMessageRequired
	ErrProducerRequired   = errspkg.ErrProducerRequired
	ErrStoreUnavailable   = errspkg.ErrStoreUnavailable
	ErrGroupAlreadyExists = errspkg.ErrGroupAlreadyExists
	ErrDecode             = errspkg.ErrDecode
	ErrSkip               = errspkg.ErrSkip
	ErrDeadLetter         = errspkg.ErrDeadLetter
	NewDeadLetterError    = errspkg.NewDeadLetterError
	ClassifyError         = errspkg.Classify

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewWatermillAdapter       = loggingpkg.NewWatermillAdapter
	DiscardLogger             = loggingpkg.Discard

	NewTaskID = idspkg.NewTaskID
)

// Loop states reported by Service.Handlers.
const (
	StateStarting = runtimepkg.StateStarting
	StateRunning  = runtimepkg.StateRunning
	StateStopped  = runtimepkg.StateStopped
	StateFailed   = runtimepkg.StateFailed
)

// Dispatch outcomes.
const (
	OutcomeAck        = errspkg.OutcomeAck
	OutcomeRetry      = errspkg.OutcomeRetry
	OutcomeDeadLetter = errspkg.OutcomeDeadLetter
	OutcomeSkip       = errspkg.OutcomeSkip
)

// Metadata keys of the message every middleware receives.
const (
	MetadataStream     = runtimepkg.MetadataStream
	MetadataGroup      = runtimepkg.MetadataGroup
	MetadataHandler    = runtimepkg.MetadataHandler
	MetadataEntryID    = runtimepkg.MetadataEntryID
	MetadataDeliveries = runtimepkg.MetadataDeliveries
)

// Error category constants for ErrorClassifier.
const (
	ErrorCategoryNone       = runtimepkg.ErrorCategoryNone
	ErrorCategoryValidation = runtimepkg.ErrorCategoryValidation
	ErrorCategoryTransport  = runtimepkg.ErrorCategoryTransport
	ErrorCategoryDownstream = runtimepkg.ErrorCategoryDownstream
	ErrorCategoryOther      = runtimepkg.ErrorCategoryOther
)

// Bind registers reg on b. See handlers.Bind.
func Bind[T any](b *HandlerBuilder, reg Registration[T]) error {
	return handlerpkg.Bind(b, reg)
}

// MustBind is Bind that panics on error.
func MustBind[T any](b *HandlerBuilder, reg Registration[T]) {
	handlerpkg.MustBind(b, reg)
}

// HandleFunc adapts fn into a Factory that reuses fn for every dispatch.
func HandleFunc[T any](fn func(ctx context.Context, msg MessageContext[T]) error) Factory[T] {
	return handlerpkg.Func(fn)
}

// Publish encodes msg with codec and appends it to the codec's stream.
func Publish[T any](ctx context.Context, producer Producer, codec Codec[T], msg T) (string, error) {
	return runtimepkg.Publish(ctx, producer, codec, msg)
}

// EncodeEnvelope wraps msg for the codec's stream.
func EncodeEnvelope[T any](codec Codec[T], msg T) (Envelope, error) {
	return envelope.Encode(codec, msg)
}

// DecodeEnvelope extracts msg from env.
func DecodeEnvelope[T any](codec Codec[T], env Envelope) (T, error) {
	return envelope.Decode(codec, env)
}

func NewJSONCodec[T any](streamKey string) JSONCodec[T] {
	return envelope.NewJSONCodec[T](streamKey)
}

func NewProtoCodec[T proto.Message](streamKey string) (ProtoCodec[T], error) {
	if streamKey == "" {
		return envelope.NewProtoCodec[T]()
	}
	return envelope.NewProtoCodec[T](envelope.WithStreamKey(streamKey))
}

func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	return loggingpkg.NewEntryServiceLogger(entry)
}

// NewBridgeFromService returns a watermill publisher writing into svc's store.
func NewBridgeFromService(svc *Service, logger watermill.LoggerAdapter) (*BridgePublisher, error) {
	if svc == nil {
		return nil, ErrStoreRequired
	}
	return bridge.NewPublisher(svc.Store(), logger)
}
