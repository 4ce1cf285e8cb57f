package merge

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/dmitrijs2005/fieldsync/internal/common"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize_ConvertsGoValues(t *testing.T) {
	in := map[string]any{
		"n":    3,
		"u":    uint8(7),
		"f32":  float32(0.5),
		"num":  json.Number("12.25"),
		"tags": []string{"a", "b"},
		"rows": []map[string]any{{"id": int64(1)}},
		"nil":  nil,
	}

	got, err := NormalizeObject(in)
	require.NoError(t, err)

	want := Object{
		"n":    float64(3),
		"u":    float64(7),
		"f32":  float64(0.5),
		"num":  12.25,
		"tags": []any{"a", "b"},
		"rows": []any{Object{"id": float64(1)}},
		"nil":  nil,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("normalize mismatch (-want +got):\n%s", diff)
	}
}

func TestNormalize_RejectsUnserializable(t *testing.T) {
	tests := map[string]any{
		"func":    map[string]any{"cb": func() {}},
		"chan":    []any{make(chan int)},
		"nan":     map[string]any{"x": math.NaN()},
		"inf":     math.Inf(1),
		"complex": complex(1, 2),
		"struct":  struct{ A int }{1},
	}
	for name, v := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Normalize(v)
			require.Error(t, err)
			assert.True(t, errors.Is(err, common.ErrUnsupportedValue))
		})
	}
}

func TestNormalize_ErrorNamesPath(t *testing.T) {
	_, err := Normalize(map[string]any{"items": []any{1, map[string]any{"bad": func() {}}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "$.items[1].bad")
}

func TestEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b any
		want bool
	}{
		{"nil nil", nil, nil, true},
		{"nil vs zero", nil, float64(0), false},
		{"strings", "a", "a", true},
		{"string vs number", "1", float64(1), false},
		{"nested equal", Object{"a": []any{Object{"b": true}}}, Object{"a": []any{Object{"b": true}}}, true},
		{"nested differ", Object{"a": []any{Object{"b": true}}}, Object{"a": []any{Object{"b": false}}}, false},
		{"absent equals null", Object{"a": float64(1), "b": nil}, Object{"a": float64(1)}, true},
		{"absent vs value", Object{"a": float64(1)}, Object{"a": float64(1), "b": "x"}, false},
		{"slice order matters", []any{"a", "b"}, []any{"b", "a"}, false},
		{"slice length", []any{"a"}, []any{"a", "a"}, false},
		{"map vs slice", Object{}, []any{}, false},
		{"unnormalized int", 1, float64(1), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Equal(tc.a, tc.b))
			assert.Equal(t, tc.want, Equal(tc.b, tc.a), "symmetry")
		})
	}
}

func TestClone_IsDeep(t *testing.T) {
	orig := Object{"list": []any{Object{"id": "1"}}, "meta": Object{"k": "v"}}
	cp := CloneObject(orig)

	cp["list"].([]any)[0].(Object)["id"] = "changed"
	cp["meta"].(Object)["k"] = "changed"

	assert.Equal(t, "1", orig["list"].([]any)[0].(Object)["id"])
	assert.Equal(t, "v", orig["meta"].(Object)["k"])
	assert.Nil(t, CloneObject(nil))
}

func TestTombstones(t *testing.T) {
	ts := NewTombstones("b", "a")
	ts.Add("c")
	ts.Remove("b")

	assert.True(t, ts.Has("a"))
	assert.False(t, ts.Has("b"))
	assert.Equal(t, []string{"a", "c"}, ts.Sorted())

	cp := ts.Clone()
	cp.Add("z")
	assert.False(t, ts.Has("z"))

	var nilSet Tombstones
	assert.False(t, nilSet.Has("x"))
	assert.Empty(t, nilSet.Clone())
}
