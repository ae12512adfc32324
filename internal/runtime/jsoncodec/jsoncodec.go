// Package jsoncodec is the JSON encoder used for JSON payloads and the admin
// API. It is backed by sonic with encoding/json compatible settings.
package jsoncodec

import (
	"io"

	"github.com/bytedance/sonic"
)

var (
	defaultConfig = sonic.ConfigStd
	strictConfig  = sonic.Config{
		EscapeHTML:            true,
		SortMapKeys:           true,
		CompactMarshaler:      true,
		CopyString:            true,
		ValidateString:        true,
		DisallowUnknownFields: true,
	}.Froze()
)

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return defaultConfig.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

// UnmarshalStrict is Unmarshal but rejects objects with fields v does not declare.
func UnmarshalStrict(data []byte, v any) error {
	return strictConfig.Unmarshal(data, v)
}

func Valid(data []byte) bool {
	return defaultConfig.Valid(data)
}

func Encode(w io.Writer, v any) error {
	return defaultConfig.NewEncoder(w).Encode(v)
}

func Decode(r io.Reader, v any) error {
	return defaultConfig.NewDecoder(r).Decode(v)
}
