// Package jsonx provides JSON serialization for stream payloads and
// envelopes using Sonic. All wire encoding in the fabric goes through
// this package so the configuration stays in one place.
package jsonx

import (
	"fmt"
	"sort"

	"github.com/bytedance/sonic"
)

// Marshal returns the JSON encoding of v using Sonic.
func Marshal(v interface{}) ([]byte, error) {
	return sonic.Marshal(v)
}

// Unmarshal parses the JSON-encoded data and stores the result
// in the value pointed to by v using Sonic.
func Unmarshal(data []byte, v interface{}) error {
	return sonic.Unmarshal(data, v)
}

// MarshalToString is like Marshal but returns the JSON as a string.
// This avoids an allocation when handing payloads to the stream client.
func MarshalToString(v interface{}) (string, error) {
	return sonic.MarshalString(v)
}

// UnmarshalFromString parses the JSON string and stores the result in v.
func UnmarshalFromString(data string, v interface{}) error {
	return sonic.UnmarshalString(data, v)
}

// Valid reports whether data is a valid JSON encoding.
func Valid(data []byte) bool {
	return sonic.Valid(data)
}

// CanonicalAppend appends a canonical rendering of v to dst: map keys are
// emitted in lexicographic order and values use their JSON encoding. Two
// values with the same content always produce the same bytes, which makes
// the output suitable as a hash input.
func CanonicalAppend(dst []byte, v interface{}) ([]byte, error) {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		dst = append(dst, '{')
		for i, k := range keys {
			if i > 0 {
				dst = append(dst, ',')
			}
			kb, err := sonic.Marshal(k)
			if err != nil {
				return nil, err
			}
			dst = append(dst, kb...)
			dst = append(dst, ':')
			dst, err = CanonicalAppend(dst, t[k])
			if err != nil {
				return nil, err
			}
		}
		return append(dst, '}'), nil
	case []interface{}:
		dst = append(dst, '[')
		for i, e := range t {
			if i > 0 {
				dst = append(dst, ',')
			}
			var err error
			dst, err = CanonicalAppend(dst, e)
			if err != nil {
				return nil, err
			}
		}
		return append(dst, ']'), nil
	default:
		b, err := sonic.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("canonical encode: %w", err)
		}
		return append(dst, b...), nil
	}
}
