package canon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSON_SortsMapKeysRegardlessOfInputOrder(t *testing.T) {
	a := map[string]any{"b": 1, "a": 2, "c": map[string]any{"z": 1, "y": 2}}
	b := map[string]any{"c": map[string]any{"y": 2, "z": 1}, "a": 2, "b": 1}

	encodedA, err := JSON(a)
	require.NoError(t, err)
	encodedB, err := JSON(b)
	require.NoError(t, err)
	assert.Equal(t, string(encodedA), string(encodedB))
	assert.Equal(t, `{"a":2,"b":1,"c":{"y":2,"z":1}}`, string(encodedA))
}

func TestSHA256Hex_DeterministicAcrossKeyOrder(t *testing.T) {
	h1, err := SHA256Hex(map[string]any{"x": 1, "y": 2})
	require.NoError(t, err)
	h2, err := SHA256Hex(map[string]any{"y": 2, "x": 1})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestSHA256Bytes_ContentAddressed(t *testing.T) {
	h1 := SHA256Bytes([]byte("hello"))
	h2 := SHA256Bytes([]byte("hello"))
	h3 := SHA256Bytes([]byte("world"))
	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
}

func TestJSON_PreservesArrayOrder(t *testing.T) {
	encoded, err := JSON(map[string]any{"items": []any{3, 1, 2}})
	require.NoError(t, err)
	assert.Equal(t, `{"items":[3,1,2]}`, string(encoded))
}
