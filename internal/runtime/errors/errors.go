package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrStoreRequired     = sterrors.New("streambus: stream store is required")
	ErrRegistryRequired  = sterrors.New("streambus: handler registry is required")
	ErrHandlerRequired   = sterrors.New("streambus: handler factory is required")
	ErrCodecRequired     = sterrors.New("streambus: message codec is required")
	ErrStreamKeyRequired = sterrors.New("streambus: stream key is required")
	ErrDuplicateBinding  = sterrors.New("streambus: a handler is already bound to this message type")
	ErrConfigRequired    = sterrors.New("streambus: configuration is required")
	ErrLoggerRequired    = sterrors.New("streambus: logger is required")
	ErrMessageRequired   = sterrors.New("streambus: message is required")
	ErrProducerRequired  = sterrors.New("streambus: producer is required")

	// ErrStoreUnavailable marks transport or connection failures talking to the log store.
	ErrStoreUnavailable = sterrors.New("streambus: stream store unavailable")
	// ErrGroupAlreadyExists is reported by the store when a consumer group is created twice.
	ErrGroupAlreadyExists = sterrors.New("streambus: consumer group already exists")
	// ErrDecode is matched by every DecodeError.
	ErrDecode = sterrors.New("streambus: cannot decode envelope")

	// ErrSkip tells the consumer to acknowledge the entry without further processing.
	ErrSkip = sterrors.New("streambus: skip message")
	// ErrDeadLetter tells the consumer to move the entry to the dead-letter stream right away.
	ErrDeadLetter = sterrors.New("streambus: send to dead letter stream")
)

// DecodeError reports an envelope that could not be turned into its message type.
type DecodeError struct {
	StreamKey string
	EntryID   string
	Err       error
}

func (e *DecodeError) Error() string {
	if e.EntryID != "" {
		return fmt.Sprintf("streambus: decode %s entry %s: %v", e.StreamKey, e.EntryID, e.Err)
	}
	return fmt.Sprintf("streambus: decode %s: %v", e.StreamKey, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Is makes every DecodeError match ErrDecode.
func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// HandlerError wraps a failure returned by a bound handler.
type HandlerError struct {
	Handler   string
	StreamKey string
	EntryID   string
	Err       error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("streambus: handler %s failed on %s entry %s: %v", e.Handler, e.StreamKey, e.EntryID, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// DeadLetterError asks for dead-lettering with a reason that is logged alongside the entry.
type DeadLetterError struct {
	Reason string
	Cause  error
}

// NewDeadLetterError creates a DeadLetterError with a specific reason.
func NewDeadLetterError(reason string, cause error) *DeadLetterError {
	return &DeadLetterError{Reason: reason, Cause: cause}
}

func (e *DeadLetterError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("streambus: dead letter (%s): %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("streambus: dead letter (%s)", e.Reason)
}

func (e *DeadLetterError) Unwrap() error { return e.Cause }

func (e *DeadLetterError) Is(target error) bool {
	if target == ErrDeadLetter {
		return true
	}
	_, ok := target.(*DeadLetterError)
	return ok
}

// Outcome is what the consumer does with an entry after dispatch.
type Outcome int

const (
	OutcomeAck Outcome = iota
	OutcomeRetry
	OutcomeDeadLetter
	OutcomeSkip
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAck:
		return "ack"
	case OutcomeRetry:
		return "retry"
	case OutcomeDeadLetter:
		return "dead_letter"
	case OutcomeSkip:
		return "skip"
	default:
		return "unknown"
	}
}

// Classify maps a dispatch error onto an Outcome. Decode failures are poison
// messages and never retried; unknown errors are retried.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeAck
	case sterrors.Is(err, ErrSkip):
		return OutcomeSkip
	case sterrors.Is(err, ErrDeadLetter), sterrors.Is(err, ErrDecode):
		return OutcomeDeadLetter
	default:
		return OutcomeRetry
	}
}

// ConfigValidationError wraps configuration validation failures.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "streambus: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError wraps err, returning nil for a nil error.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
