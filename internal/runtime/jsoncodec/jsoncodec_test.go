package jsoncodec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type order struct {
	ID    int    `json:"id"`
	Owner string `json:"owner"`
}

func TestMarshalAndUnmarshal(t *testing.T) {
	in := order{ID: 42, Owner: "streamflow"}
	data, err := Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":42,"owner":"streamflow"}`, string(data))

	var out order
	require.NoError(t, Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestMapKeysAreSorted(t *testing.T) {
	data, err := Marshal(map[string]int{"b": 2, "a": 1})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2}`, string(data))
}

func TestValid(t *testing.T) {
	assert.True(t, Valid([]byte(`{"id":1}`)))
	assert.False(t, Valid([]byte(`{"id":`)))
}

func TestEncodeThenDecodeLines(t *testing.T) {
	buf := &bytes.Buffer{}
	require.NoError(t, Encode(buf, order{ID: 1, Owner: "a"}))
	require.NoError(t, Encode(buf, order{ID: 2, Owner: "b"}))

	dec := NewDecoder(buf)
	var first, second order
	require.NoError(t, dec.Decode(&first))
	require.NoError(t, dec.Decode(&second))
	assert.Equal(t, 1, first.ID)
	assert.Equal(t, 2, second.ID)
}
