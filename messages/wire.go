package messages

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrInvalidUTF8 is returned for a string field that is not valid UTF-8,
// which proto3 forbids.
var ErrInvalidUTF8 = errors.New("invalid UTF-8 in string field")

// encoder appends fields until the first error. Zero values are omitted,
// matching proto3 encoding.
type encoder struct {
	b   []byte
	err error
}

func (e *encoder) appendString(num protowire.Number, v string) {
	if e.err != nil || v == "" {
		return
	}
	if !utf8.ValidString(v) {
		e.err = fmt.Errorf("field %d: %w", num, ErrInvalidUTF8)
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendString(e.b, v)
}

func (e *encoder) appendInt64(num protowire.Number, v int64) {
	if e.err != nil || v == 0 {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.VarintType)
	e.b = protowire.AppendVarint(e.b, uint64(v))
}

// fieldFunc consumes a known field from b and returns the bytes read, or -1
// when the field is unknown and must be skipped.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

func consumeFields(data []byte, field fieldFunc) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		n, err := field(num, typ, data)
		if err != nil {
			return err
		}
		if n < 0 {
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return protowire.ParseError(n)
			}
		}
		data = data[n:]
	}
	return nil
}

func consumeString(b []byte, dst *string) (int, error) {
	v, n := protowire.ConsumeString(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	if !utf8.ValidString(v) {
		return 0, ErrInvalidUTF8
	}
	*dst = v
	return n, nil
}

func consumeInt64(b []byte, dst *int64) (int, error) {
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = int64(v)
	return n, nil
}
