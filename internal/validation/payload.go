package validation

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Payload is a raw, schema-less grading result as decoded from JSON
type Payload map[string]any

// Decode parses a JSON grading payload. Only the top level must be an object.
func Decode(data []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if p == nil {
		p = Payload{}
	}
	return p, nil
}

// Lookup returns the first non-null value found at any of the dotted paths
func (p Payload) Lookup(paths ...string) (any, bool) {
	for _, path := range paths {
		if v, ok := lookupPath(map[string]any(p), path); ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// Object returns the first value at the given paths that is a JSON object
func (p Payload) Object(paths ...string) (Payload, bool) {
	for _, path := range paths {
		v, ok := lookupPath(map[string]any(p), path)
		if !ok {
			continue
		}
		if m, ok := asMap(v); ok {
			return Payload(m), true
		}
	}
	return nil, false
}

// Number returns the first value at the given paths that coerces to a number
func (p Payload) Number(paths ...string) (float64, bool) {
	for _, path := range paths {
		v, ok := lookupPath(map[string]any(p), path)
		if !ok {
			continue
		}
		if f, ok := asFloat(v); ok {
			return f, true
		}
	}
	return 0, false
}

// Has reports whether a key is present with a non-null value
func (p Payload) Has(key string) bool {
	v, ok := p[key]
	return ok && v != nil
}

func lookupPath(m map[string]any, path string) (any, bool) {
	var cur any = m
	for _, key := range strings.Split(path, ".") {
		obj, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = obj[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Payload:
		return m, true
	default:
		return nil, false
	}
}

func asSlice(v any) ([]any, bool) {
	s, ok := v.([]any)
	return s, ok
}

// asFloat coerces JSON numbers and numeric strings
func asFloat(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// asBool reads v as a strict boolean
func asBool(v any) bool {
	b, ok := v.(bool)
	return ok && b
}

// truthy follows JSON truthiness: false, 0, "" and null are falsy
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	default:
		if f, ok := asFloat(v); ok {
			return f != 0
		}
		return true
	}
}

// detach deep-copies decoded JSON so a verdict never shares maps or slices
// with the payload it was built from
func detach(v any) any {
	switch t := v.(type) {
	case Payload:
		return detach(map[string]any(t))
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = detach(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = detach(e)
		}
		return out
	default:
		return v
	}
}
