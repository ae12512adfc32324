package envelope

import (
	"encoding"
	"reflect"

	"google.golang.org/protobuf/proto"

	errspkg "github.com/fengb3/streambus/internal/runtime/errors"
	jsoncodec "github.com/fengb3/streambus/internal/runtime/jsoncodec"
)

// Codec serializes one message type and names the stream it travels on.
type Codec[T any] interface {
	StreamKey() string
	Marshal(msg T) ([]byte, error)
	Unmarshal(data []byte) (T, error)
}

// Binary is implemented by message types with their own wire encoding.
type Binary interface {
	TypeName() string
	encoding.BinaryMarshaler
}

// BinaryCodec handles value types whose pointer implements
// encoding.BinaryUnmarshaler. The stream key is Key, or the type name when
// Key is empty.
//
//	codec := envelope.BinaryCodec[messages.TaskMessage, *messages.TaskMessage]{}
type BinaryCodec[T Binary, PT interface {
	*T
	encoding.BinaryUnmarshaler
}] struct {
	Key string
}

func (c BinaryCodec[T, PT]) StreamKey() string {
	if c.Key != "" {
		return c.Key
	}
	var zero T
	return zero.TypeName()
}

func (BinaryCodec[T, PT]) Marshal(msg T) ([]byte, error) {
	return msg.MarshalBinary()
}

func (BinaryCodec[T, PT]) Unmarshal(data []byte) (T, error) {
	var out T
	if err := PT(&out).UnmarshalBinary(data); err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// ProtoCodec handles generated protobuf messages. The stream key defaults to
// the message's full name.
type ProtoCodec[T proto.Message] struct {
	key string
}

// ProtoCodecOption customises a ProtoCodec.
type ProtoCodecOption func(*protoCodecOptions)

type protoCodecOptions struct {
	streamKey string
}

// WithStreamKey overrides the stream a ProtoCodec reads and writes.
func WithStreamKey(key string) ProtoCodecOption {
	return func(o *protoCodecOptions) { o.streamKey = key }
}

// NewProtoCodec builds a codec for T, which must be a pointer to a generated message.
func NewProtoCodec[T proto.Message](opts ...ProtoCodecOption) (ProtoCodec[T], error) {
	var zero T
	typ := reflect.TypeOf(zero)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return ProtoCodec[T]{}, errspkg.ErrCodecRequired
	}
	cfg := protoCodecOptions{streamKey: string(zero.ProtoReflect().Descriptor().FullName())}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.streamKey == "" {
		return ProtoCodec[T]{}, errspkg.ErrStreamKeyRequired
	}
	return ProtoCodec[T]{key: cfg.streamKey}, nil
}

func (c ProtoCodec[T]) StreamKey() string { return c.key }

func (c ProtoCodec[T]) Marshal(msg T) ([]byte, error) {
	if isNilProto(msg) {
		return nil, errspkg.ErrMessageRequired
	}
	return proto.Marshal(msg)
}

func (c ProtoCodec[T]) Unmarshal(data []byte) (T, error) {
	var zero T
	out, ok := zero.ProtoReflect().New().Interface().(T)
	if !ok {
		return zero, errspkg.ErrCodecRequired
	}
	if err := proto.Unmarshal(data, out); err != nil {
		return zero, err
	}
	return out, nil
}

func isNilProto[T proto.Message](msg T) bool {
	val := reflect.ValueOf(msg)
	if !val.IsValid() {
		return true
	}
	return val.Kind() == reflect.Ptr && val.IsNil()
}

// JSONCodec handles plain Go values encoded as JSON.
type JSONCodec[T any] struct {
	Key string
	// Strict rejects payloads with fields T does not declare.
	Strict bool
}

// NewJSONCodec returns a JSONCodec for streamKey.
func NewJSONCodec[T any](streamKey string) JSONCodec[T] {
	return JSONCodec[T]{Key: streamKey}
}

func (c JSONCodec[T]) StreamKey() string { return c.Key }

func (c JSONCodec[T]) Marshal(msg T) ([]byte, error) {
	return jsoncodec.Marshal(msg)
}

func (c JSONCodec[T]) Unmarshal(data []byte) (T, error) {
	var out T
	unmarshal := jsoncodec.Unmarshal
	if c.Strict {
		unmarshal = jsoncodec.UnmarshalStrict
	}
	if err := unmarshal(data, &out); err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}
