// Package envelope converts typed messages to and from the single-field
// stream entry layout used on the wire: {"data": <serialized message>}.
package envelope

import (
	"errors"
	"fmt"
	"sort"

	errspkg "github.com/fengb3/streambus/internal/runtime/errors"
)

// DataField is the only field an envelope carries.
const DataField = "data"

var (
	errMissingData    = errors.New("missing data field")
	errStreamMismatch = errors.New("stream key mismatch")
)

// Envelope is the stream-level wrapper around a serialized message.
type Envelope struct {
	StreamKey string
	Fields    map[string][]byte
}

// New wraps data as a well-formed envelope for streamKey.
func New(streamKey string, data []byte) Envelope {
	return Envelope{StreamKey: streamKey, Fields: map[string][]byte{DataField: data}}
}

// Data returns the serialized message and whether the field is present.
func (e Envelope) Data() ([]byte, bool) {
	data, ok := e.Fields[DataField]
	return data, ok
}

// Clone returns a deep copy. Dead-lettering appends clones so the original
// entry is never touched.
func (e Envelope) Clone() Envelope {
	out := Envelope{StreamKey: e.StreamKey}
	if e.Fields != nil {
		out.Fields = make(map[string][]byte, len(e.Fields))
		for k, v := range e.Fields {
			out.Fields[k] = append([]byte(nil), v...)
		}
	}
	return out
}

// Validate checks the envelope invariant: a stream key and exactly one field,
// named "data".
func (e Envelope) Validate() error {
	if e.StreamKey == "" {
		return errspkg.ErrStreamKeyRequired
	}
	if _, ok := e.Fields[DataField]; !ok {
		return errMissingData
	}
	if len(e.Fields) != 1 {
		extra := make([]string, 0, len(e.Fields)-1)
		for k := range e.Fields {
			if k != DataField {
				extra = append(extra, k)
			}
		}
		sort.Strings(extra)
		return fmt.Errorf("unexpected envelope fields %v", extra)
	}
	return nil
}

// Encode serializes msg with codec and wraps it for the codec's stream.
func Encode[T any](codec Codec[T], msg T) (Envelope, error) {
	if codec == nil {
		return Envelope{}, errspkg.ErrCodecRequired
	}
	key := codec.StreamKey()
	if key == "" {
		return Envelope{}, errspkg.ErrStreamKeyRequired
	}
	data, err := codec.Marshal(msg)
	if err != nil {
		return Envelope{}, fmt.Errorf("streambus: encode %s: %w", key, err)
	}
	return New(key, data), nil
}

// Decode extracts and deserializes the data field. Every failure is a
// *errors.DecodeError. Decode never mutates env.
func Decode[T any](codec Codec[T], env Envelope) (T, error) {
	var zero T
	if codec == nil {
		return zero, errspkg.ErrCodecRequired
	}
	key := codec.StreamKey()
	if env.StreamKey != "" && env.StreamKey != key {
		return zero, &errspkg.DecodeError{
			StreamKey: env.StreamKey,
			Err:       fmt.Errorf("%w: codec reads %q", errStreamMismatch, key),
		}
	}
	data, ok := env.Data()
	if !ok {
		return zero, &errspkg.DecodeError{StreamKey: key, Err: errMissingData}
	}
	msg, err := codec.Unmarshal(data)
	if err != nil {
		return zero, &errspkg.DecodeError{StreamKey: key, Err: err}
	}
	return msg, nil
}
