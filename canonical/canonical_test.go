package canonical

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanonicalizeSortsKeys(t *testing.T) {
	a := map[string]Value{"b": int64(2), "a": int64(1)}
	b := map[string]Value{"a": int64(1), "b": int64(2)}

	out1, err := Canonicalize(a)
	require.NoError(t, err)
	out2, err := Canonicalize(b)
	require.NoError(t, err)

	require.Equal(t, out1, out2)
	require.Equal(t, `{"a":1,"b":2}`, string(out1))
}

func TestCanonicalizeRejectsFloats(t *testing.T) {
	_, err := Canonicalize(map[string]Value{"amount": 1.5})
	require.Error(t, err)
}

func TestCanonicalizeEscapesControlChars(t *testing.T) {
	out, err := Canonicalize("line\nfeed\ttab\"quote")
	require.NoError(t, err)
	require.Equal(t, `"line\nfeed\ttab\"quote"`, string(out))
}

func TestCanonicalizeArraysAndNesting(t *testing.T) {
	value := map[string]Value{
		"items": []Value{int64(1), int64(2), int64(3)},
		"flag":  true,
		"empty": nil,
	}
	out, err := Canonicalize(value)
	require.NoError(t, err)
	require.Equal(t, `{"empty":null,"flag":true,"items":[1,2,3]}`, string(out))
}

func TestCanonicalizeDeterministicUnderPermutation(t *testing.T) {
	permutations := []map[string]Value{
		{"x": int64(1), "y": int64(2), "z": int64(3)},
		{"z": int64(3), "x": int64(1), "y": int64(2)},
		{"y": int64(2), "z": int64(3), "x": int64(1)},
	}
	var want []byte
	for i, p := range permutations {
		got, err := Canonicalize(p)
		require.NoError(t, err)
		if i == 0 {
			want = got
			continue
		}
		require.Equal(t, want, got)
	}
}
