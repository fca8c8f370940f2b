package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Normalize round-trips v through encoding/json so that every tree handled by
// the config layer has the same shape: map[string]any objects, []any arrays,
// float64 numbers. Trees parsed from YAML and JSON compare equal after this.
func Normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("normalize tree: %w", err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("normalize tree: %w", err)
	}
	return out, nil
}

// NormalizeObject is Normalize for values that must be objects.
func NormalizeObject(v any) (map[string]any, error) {
	n, err := Normalize(v)
	if err != nil {
		return nil, err
	}
	obj, ok := n.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("config must be an object, got %s", kindOf(n))
	}
	return obj, nil
}

// IsObject reports whether v is a JSON object (and not an array or null).
func IsObject(v any) bool {
	_, ok := v.(map[string]any)
	return ok
}

// Clone deep-copies a tree. Scalars are shared.
func Clone(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return Clone(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// MergePatch applies an RFC 7396 merge patch to target and returns the result.
// A non-object patch replaces the target; null values delete keys; nested
// objects merge recursively; arrays are replaced wholesale. Neither argument
// is modified.
func MergePatch(target, patch any) any {
	p, ok := patch.(map[string]any)
	if !ok {
		return cloneValue(patch)
	}
	base, ok := target.(map[string]any)
	if !ok {
		base = map[string]any{}
	}
	out := Clone(base)
	for k, v := range p {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = MergePatch(out[k], v)
	}
	return out
}

// Lookup walks keys from m and returns the value found at the end.
func Lookup(m map[string]any, keys ...string) (any, bool) {
	var cur any = m
	for _, k := range keys {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[k]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// SetPath stores value at keys inside m, creating intermediate objects and
// replacing non-object intermediates.
func SetPath(m map[string]any, value any, keys ...string) {
	if len(keys) == 0 {
		return
	}
	cur := m
	for _, k := range keys[:len(keys)-1] {
		next, ok := cur[k].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[k] = next
		}
		cur = next
	}
	cur[keys[len(keys)-1]] = value
}

// DeletePath removes the key at keys and reports whether it existed.
func DeletePath(m map[string]any, keys ...string) bool {
	if len(keys) == 0 {
		return false
	}
	parent := m
	if len(keys) > 1 {
		v, ok := Lookup(m, keys[:len(keys)-1]...)
		if !ok {
			return false
		}
		if parent, ok = v.(map[string]any); !ok {
			return false
		}
	}
	last := keys[len(keys)-1]
	if _, ok := parent[last]; !ok {
		return false
	}
	delete(parent, last)
	return true
}

// Map returns m[key] when it is an object, nil otherwise.
func Map(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	v, _ := m[key].(map[string]any)
	return v
}

// String returns m[key] trimmed when it is a string.
func String(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}

// Bool returns m[key] when it is a bool, def otherwise.
func Bool(m map[string]any, key string, def bool) bool {
	if m == nil {
		return def
	}
	b, ok := m[key].(bool)
	if !ok {
		return def
	}
	return b
}

// Int returns m[key] as an int when it is numeric, def otherwise.
func Int(m map[string]any, key string, def int) int {
	if m == nil {
		return def
	}
	switch n := m[key].(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	default:
		return def
	}
}

// StringSlice returns the string (or number) items of m[key]. A single
// string is treated as a one-element list.
func StringSlice(m map[string]any, key string) []string {
	if m == nil {
		return nil
	}
	switch v := m[key].(type) {
	case string:
		if s := strings.TrimSpace(v); s != "" {
			return []string{s}
		}
		return nil
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			switch s := item.(type) {
			case string:
				out = append(out, s)
			case float64:
				out = append(out, fmt.Sprintf("%.0f", s))
			}
		}
		return out
	default:
		return nil
	}
}

// SortedKeys returns the keys of m in lexical order.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func kindOf(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64:
		return "number"
	default:
		return fmt.Sprintf("%T", v)
	}
}
