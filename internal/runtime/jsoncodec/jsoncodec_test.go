package jsoncodec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type orderPlaced struct {
	OrderID string `json:"order_id"`
	Total   int    `json:"total"`
}

func TestMarshalAndUnmarshal(t *testing.T) {
	in := orderPlaced{OrderID: "o-1", Total: 42}
	data, err := Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"order_id":"o-1","total":42}`, string(data))

	var out orderPlaced
	require.NoError(t, Unmarshal(data, &out))
	assert.Equal(t, in, out)

	indented, err := MarshalIndent(in, "", "  ")
	require.NoError(t, err)
	assert.Contains(t, string(indented), "\n  \"order_id\"")
}

func TestUnmarshalStrictRejectsUnknownFields(t *testing.T) {
	var out orderPlaced
	require.NoError(t, Unmarshal([]byte(`{"order_id":"o-1","extra":true}`), &out))
	assert.Error(t, UnmarshalStrict([]byte(`{"order_id":"o-1","extra":true}`), &out))
	assert.NoError(t, UnmarshalStrict([]byte(`{"order_id":"o-2"}`), &out))
	assert.Equal(t, "o-2", out.OrderID)
}

func TestValid(t *testing.T) {
	assert.True(t, Valid([]byte(`{"a":1}`)))
	assert.False(t, Valid([]byte(`{"a":`)))
}

func TestEncodeAndDecode(t *testing.T) {
	buf := &bytes.Buffer{}
	payload := orderPlaced{OrderID: "o-7", Total: 7}
	require.NoError(t, Encode(buf, payload))

	var decoded orderPlaced
	require.NoError(t, Decode(buf, &decoded))
	assert.Equal(t, payload, decoded)
}
