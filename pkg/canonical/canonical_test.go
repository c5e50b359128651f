package canonical

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalizeSortsKeys(t *testing.T) {
	out, err := Canonicalize(map[string]any{"b": 1, "a": 2, "c": 3})
	require.NoError(t, err)
	assert.Equal(t, `{"a":2,"b":1,"c":3}`, string(out))
}

func TestCanonicalizeNested(t *testing.T) {
	out, err := Canonicalize(map[string]any{
		"z": map[string]any{"y": "x", "a": []any{1, "two", nil}},
		"a": true,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"a":true,"z":{"a":[1,"two",null],"y":"x"}}`, string(out))
}

func TestCanonicalizeNoHTMLEscaping(t *testing.T) {
	out, err := Canonicalize(map[string]any{"url": "https://a.example/b?c=<d>&e"})
	require.NoError(t, err)
	assert.Equal(t, `{"url":"https://a.example/b?c=<d>&e"}`, string(out))
}

func TestCanonicalizeRespectsStructTags(t *testing.T) {
	type payload struct {
		B string `json:"b"`
		A int    `json:"a"`
	}
	out, err := Canonicalize(payload{B: "x", A: 1})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":"x"}`, string(out))
}

func TestCanonicalizeRejectsNonFinite(t *testing.T) {
	_, err := Canonicalize(map[string]any{"n": math.NaN()})
	assert.Error(t, err)

	_, err = Canonicalize(map[string]any{"n": math.Inf(1)})
	assert.Error(t, err)
}

func TestCanonicalizeRaw(t *testing.T) {
	out, err := CanonicalizeRaw([]byte(`{ "b": 2, "a": 1 }`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2}`, string(out))
}

func TestHashOrderIndependence(t *testing.T) {
	h1, err := Hash(map[string]any{"a": 1, "b": "x", "c": []any{true}})
	require.NoError(t, err)
	h2, err := Hash(map[string]any{"c": []any{true}, "b": "x", "a": 1})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestHashBytesStable(t *testing.T) {
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		HashBytes(nil))
}
