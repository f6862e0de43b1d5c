// Package canonical implements the deterministic JSON encoding that every
// hash and signature in the clearing kernel is computed over. Two
// structurally equal inputs must yield byte-identical output on every
// platform; that determinism is the package's sole contract.
package canonical

import (
	"fmt"
	"math"
	"sort"
	"strconv"

	"primordia/kernelerrors"
)

// Value is the set of tree shapes Canonicalize accepts: nil, bool, int64,
// string, []Value, or map[string]Value. encode also accepts int, int32,
// uint, uint32 and uint64 (within the int64 range) as integers, and
// []string as an array of strings.
type Value = interface{}

// Canonicalize encodes value as canonical JSON bytes: no whitespace,
// lexicographically sorted mapping keys (byte-wise over the UTF-8 encoding),
// and a strict literal set (null/true/false/integer/string/array/object).
// Floats and other non-integer numerics are rejected with EncodingError.
func Canonicalize(value Value) ([]byte, error) {
	buf := make([]byte, 0, 256)
	buf, err := encode(buf, value)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func encode(buf []byte, value Value) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return append(buf, "null"...), nil
	case bool:
		if v {
			return append(buf, "true"...), nil
		}
		return append(buf, "false"...), nil
	case int:
		return strconv.AppendInt(buf, int64(v), 10), nil
	case int32:
		return strconv.AppendInt(buf, int64(v), 10), nil
	case int64:
		return strconv.AppendInt(buf, v, 10), nil
	case uint:
		return encodeUint(buf, uint64(v))
	case uint32:
		return encodeUint(buf, uint64(v))
	case uint64:
		return encodeUint(buf, v)
	case float32, float64:
		return nil, kernelerrors.Wrap(kernelerrors.KindEncoding, "float values are not permitted in canonical JSON", kernelerrors.ErrEncoding)
	case string:
		return encodeString(buf, v), nil
	case []Value:
		return encodeArray(buf, v)
	case []string:
		arr := make([]Value, len(v))
		for i, s := range v {
			arr[i] = s
		}
		return encodeArray(buf, arr)
	case map[string]Value:
		return encodeObject(buf, v)
	default:
		return nil, kernelerrors.Wrap(kernelerrors.KindEncoding, fmt.Sprintf("unsupported canonical type %T", value), kernelerrors.ErrEncoding)
	}
}

func encodeUint(buf []byte, v uint64) ([]byte, error) {
	if v > math.MaxInt64 {
		return nil, kernelerrors.Wrap(kernelerrors.KindEncoding, "integer exceeds 64-bit signed range", kernelerrors.ErrEncoding)
	}
	return strconv.AppendUint(buf, v, 10), nil
}

func encodeArray(buf []byte, v []Value) ([]byte, error) {
	buf = append(buf, '[')
	for i, item := range v {
		if i > 0 {
			buf = append(buf, ',')
		}
		var err error
		buf, err = encode(buf, item)
		if err != nil {
			return nil, err
		}
	}
	buf = append(buf, ']')
	return buf, nil
}

func encodeObject(buf []byte, v map[string]Value) ([]byte, error) {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys) // byte-wise over UTF-8, matching Go's default string ordering

	buf = append(buf, '{')
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = encodeString(buf, k)
		buf = append(buf, ':')
		var err error
		buf, err = encode(buf, v[k])
		if err != nil {
			return nil, err
		}
	}
	buf = append(buf, '}')
	return buf, nil
}

var escapeByte = map[byte]string{
	'"':  `\"`,
	'\\': `\\`,
	'\b': `\b`,
	'\f': `\f`,
	'\n': `\n`,
	'\r': `\r`,
	'\t': `\t`,
}

func encodeString(buf []byte, s string) []byte {
	buf = append(buf, '"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		if esc, ok := escapeByte[c]; ok {
			buf = append(buf, esc...)
			continue
		}
		if c < 0x20 {
			buf = append(buf, fmt.Sprintf(`\u%04x`, c)...)
			continue
		}
		buf = append(buf, c)
	}
	buf = append(buf, '"')
	return buf
}
