package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestMergePatchExample(t *testing.T) {
	target := map[string]any{"a": map[string]any{"b": 1.0, "c": 2.0}}
	patch := map[string]any{"a": map[string]any{"b": nil, "d": 3.0}}

	got := MergePatch(target, patch)

	assert.Equal(t, map[string]any{"a": map[string]any{"c": 2.0, "d": 3.0}}, got)
	// Inputs are untouched.
	assert.Equal(t, map[string]any{"a": map[string]any{"b": 1.0, "c": 2.0}}, target)
}

func TestMergePatchCases(t *testing.T) {
	tests := []struct {
		name   string
		target any
		patch  any
		want   any
	}{
		{"replace scalar", map[string]any{"a": "b"}, map[string]any{"a": "c"}, map[string]any{"a": "c"}},
		{"add key", map[string]any{"a": "b"}, map[string]any{"b": "c"}, map[string]any{"a": "b", "b": "c"}},
		{"delete key", map[string]any{"a": "b", "b": "c"}, map[string]any{"a": nil}, map[string]any{"b": "c"}},
		{"array replaced", map[string]any{"a": []any{"b"}}, map[string]any{"a": []any{"c", "d"}}, map[string]any{"a": []any{"c", "d"}}},
		{"object over scalar", map[string]any{"a": "b"}, map[string]any{"a": map[string]any{"c": nil, "d": "e"}}, map[string]any{"a": map[string]any{"d": "e"}}},
		{"non-object patch", map[string]any{"a": "b"}, []any{"c"}, []any{"c"}},
		{"object patch over array target", []any{"a"}, map[string]any{"a": "b"}, map[string]any{"a": "b"}},
		{"delete missing key", map[string]any{}, map[string]any{"x": nil}, map[string]any{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MergePatch(tt.target, tt.patch))
		})
	}
}

func TestNormalizeUnifiesNumbers(t *testing.T) {
	got, err := Normalize(map[string]any{"n": 3, "list": []string{"a"}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"n": 3.0, "list": []any{"a"}}, got)
}

func TestNormalizeObjectRejectsArray(t *testing.T) {
	_, err := NormalizeObject([]any{1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be an object")
}

func TestPathHelpers(t *testing.T) {
	tree := map[string]any{}
	SetPath(tree, "x", "a", "b", "c")
	v, ok := Lookup(tree, "a", "b", "c")
	require.True(t, ok)
	assert.Equal(t, "x", v)

	assert.True(t, DeletePath(tree, "a", "b", "c"))
	assert.False(t, DeletePath(tree, "a", "b", "c"))
	_, ok = Lookup(tree, "a", "b", "c")
	assert.False(t, ok)

	m := map[string]any{"s": " v ", "b": true, "n": 4.0, "l": []any{"a", 2.0}}
	assert.Equal(t, "v", String(m, "s"))
	assert.True(t, Bool(m, "b", false))
	assert.True(t, Bool(m, "missing", true))
	assert.Equal(t, 4, Int(m, "n", 0))
	assert.Equal(t, []string{"a", "2"}, StringSlice(m, "l"))
	assert.Equal(t, []string{"v"}, StringSlice(m, "s"))
}

// --- property tests ---

var treeKeys = []string{"a", "b", "c", "d"}

var scalarGen = rapid.OneOf(
	rapid.Map(rapid.IntRange(-3, 3), func(i int) any { return float64(i) }),
	rapid.Map(rapid.SampledFrom([]string{"x", "y", ""}), func(s string) any { return s }),
	rapid.Map(rapid.Bool(), func(b bool) any { return b }),
	rapid.Map(rapid.SliceOfN(rapid.SampledFrom([]string{"p", "q"}), 0, 2), func(s []string) any {
		out := make([]any, len(s))
		for i, v := range s {
			out[i] = v
		}
		return out
	}),
)

func objectGen(depth int, nulls bool) *rapid.Generator[map[string]any] {
	return rapid.Custom(func(t *rapid.T) map[string]any {
		n := rapid.IntRange(0, 3).Draw(t, "n")
		out := make(map[string]any, n)
		for i := 0; i < n; i++ {
			key := rapid.SampledFrom(treeKeys).Draw(t, "key")
			out[key] = valueGen(depth-1, nulls).Draw(t, "value")
		}
		return out
	})
}

func valueGen(depth int, nulls bool) *rapid.Generator[any] {
	gens := []*rapid.Generator[any]{scalarGen}
	if nulls {
		gens = append(gens, rapid.Just[any](nil))
	}
	if depth > 0 {
		gens = append(gens, rapid.Map(objectGen(depth, nulls), func(m map[string]any) any { return m }))
	}
	return rapid.OneOf(gens...)
}

func containsNull(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case map[string]any:
		for _, item := range t {
			if containsNull(item) {
				return true
			}
		}
	}
	return false
}

func TestMergePatchProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		target := objectGen(3, false).Draw(t, "target")
		patch := objectGen(3, true).Draw(t, "patch")

		targetCopy := Clone(target)
		patchCopy := Clone(patch)

		once := MergePatch(target, patch)
		twice := MergePatch(once, patch)

		if !assert.ObjectsAreEqual(once, twice) {
			t.Fatalf("merge patch not idempotent: %v vs %v", once, twice)
		}
		if containsNull(once) {
			t.Fatalf("result contains null: %v", once)
		}
		if !assert.ObjectsAreEqual(targetCopy, target) || !assert.ObjectsAreEqual(patchCopy, patch) {
			t.Fatalf("inputs were modified")
		}
		if !assert.ObjectsAreEqual(target, MergePatch(target, map[string]any{})) {
			t.Fatalf("empty patch changed target")
		}
	})
}

func TestCloneIsDeep(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		tree := objectGen(3, false).Draw(t, "tree")
		c := Clone(tree)
		if !assert.ObjectsAreEqual(tree, c) {
			t.Fatalf("clone differs")
		}
		for k, v := range c {
			if obj, ok := v.(map[string]any); ok {
				obj["__mut"] = true
				if _, leaked := tree[k].(map[string]any)["__mut"]; leaked {
					t.Fatalf("clone shares nested map %q", k)
				}
			}
		}
	})
}
