package merge

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var reportSections = []Section{
	{Name: "summary", Strategy: StrategyObject, Protected: []string{"created_by"}},
	{Name: "items", Strategy: StrategyArray},
	{Name: "photos", Strategy: StrategyPhotos},
}

// Concurrent edits to different keys of one object section.
func TestSectionMerge_NonConflictingObjectEdits(t *testing.T) {
	in := Input{
		Base:   Object{"summary": Object{"title": "A", "notes": "n"}},
		Local:  Object{"summary": Object{"title": "A", "notes": "n2"}},
		Remote: Object{"summary": Object{"title": "B", "notes": "n"}},
	}

	res := SectionMerge(in, reportSections)

	want := Object{"summary": Object{"title": "B", "notes": "n2"}}
	if diff := cmp.Diff(want, res.Merged); diff != "" {
		t.Fatalf("merged mismatch (-want +got):\n%s", diff)
	}
	assert.Empty(t, res.Conflicts)
	assert.Equal(t, []string{"summary"}, res.Changed)
}

// Local deleted an item that the remote edited meanwhile.
func TestSectionMerge_LocalDeleteVsRemoteEdit(t *testing.T) {
	in := Input{
		Base:   Object{"items": []any{Object{"id": float64(1), "v": "x"}}},
		Local:  Object{"items": []any{}},
		Remote: Object{"items": []any{Object{"id": float64(1), "v": "y"}}},
	}

	res := SectionMerge(in, reportSections)

	assert.Equal(t, []any{}, res.Merged["items"], "id 1 must be absent from the merged list")
	assert.Empty(t, res.Changed, "nothing to write back: local already lacks the item")
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, "items", res.Conflicts[0].Section)
	assert.Equal(t, "1", res.Conflicts[0].Path)
	assert.Equal(t, ConflictLocalDeleted, res.Conflicts[0].Kind)
	assert.True(t, res.Tombstones["items"].Has("1"))
}

func TestSectionMerge_OnlyChangedSectionsAreWritten(t *testing.T) {
	in := Input{
		Base: Object{
			"summary": Object{"title": "A"},
			"items":   []any{Object{"id": "1", "v": "x"}},
		},
		Local: Object{
			"summary": Object{"title": "A"},
			"items":   []any{Object{"id": "1", "v": "local"}},
		},
		Remote: Object{
			"summary": Object{"title": "A"},
			"items":   []any{Object{"id": "1", "v": "x"}},
			"photos":  []any{Object{"id": "p", "status": "uploaded", "url": "u"}},
		},
	}

	res := SectionMerge(in, reportSections)

	assert.Equal(t, []string{"photos"}, res.Changed)
	assert.Equal(t, in.Local["items"], res.Merged["items"])
	assert.Equal(t, []any{Object{"id": "p", "status": "uploaded", "url": "u"}}, res.Merged["photos"])
	assert.True(t, res.HasChanges())
}

func TestSectionMerge_UndeclaredSectionsMergeAsScalars(t *testing.T) {
	in := Input{
		Base:   Object{"weather": "sunny", "crew": float64(3), "site": "S"},
		Local:  Object{"weather": "sunny", "crew": float64(4), "site": "S2"},
		Remote: Object{"weather": "rain", "crew": float64(3), "site": "S3"},
	}

	res := SectionMerge(in, nil)

	assert.Equal(t, "rain", res.Merged["weather"], "local untouched: remote wins")
	assert.Equal(t, float64(4), res.Merged["crew"], "local changed: local kept")
	assert.Equal(t, "S2", res.Merged["site"])
	assert.Equal(t, []string{"weather"}, res.Changed)

	var paths []string
	for _, c := range res.Conflicts {
		paths = append(paths, c.Section)
	}
	assert.ElementsMatch(t, []string{"crew", "site"}, paths, "scalar conflicts whenever local and remote differ")
}

func TestSectionMerge_RemoteRemovesUntouchedScalar(t *testing.T) {
	in := Input{
		Base:   Object{"flag": true, "keep": "k"},
		Local:  Object{"flag": true, "keep": "k"},
		Remote: Object{"keep": "k"},
	}

	res := SectionMerge(in, nil)

	_, present := res.Merged["flag"]
	assert.False(t, present)
	assert.Equal(t, []string{"flag"}, res.Changed)
}

func TestSectionMerge_NullAndAbsentAreTheSame(t *testing.T) {
	in := Input{
		Base:   Object{},
		Local:  Object{"note": nil},
		Remote: Object{},
	}

	res := SectionMerge(in, nil)

	assert.Empty(t, res.Changed)
	assert.Empty(t, res.Conflicts)
}

func TestSectionMerge_MismatchedShapeFallsBackToScalar(t *testing.T) {
	in := Input{
		Base:   Object{"summary": Object{"title": "A"}},
		Local:  Object{"summary": Object{"title": "A"}},
		Remote: Object{"summary": "corrupted"},
	}

	res := SectionMerge(in, reportSections)

	assert.Equal(t, "corrupted", res.Merged["summary"])
}

func TestSectionMerge_ObjectSectionAppearsFromRemote(t *testing.T) {
	in := Input{
		Local:  Object{},
		Remote: Object{"summary": Object{"title": "new"}},
	}

	res := SectionMerge(in, reportSections)

	assert.Equal(t, Object{"title": "new"}, res.Merged["summary"])
	assert.Equal(t, []string{"summary"}, res.Changed)
}

func TestSectionMerge_DoesNotMutateInput(t *testing.T) {
	local := Object{"summary": Object{"title": "A"}}
	tombs := map[string]Tombstones{"items": NewTombstones("x")}
	in := Input{
		Base:       Object{"summary": Object{"title": "A"}, "items": []any{Object{"id": "b"}}},
		Local:      local,
		Remote:     Object{"summary": Object{"title": "B"}, "items": []any{Object{"id": "b"}}},
		Tombstones: tombs,
	}

	res := SectionMerge(in, reportSections)
	res.Merged["summary"].(Object)["title"] = "mutated"

	assert.Equal(t, "A", local["summary"].(Object)["title"])
	assert.True(t, tombs["items"].Has("x"))
	assert.False(t, tombs["items"].Has("b"))
	assert.True(t, res.Tombstones["items"].Has("b"))
}

func TestSectionMerge_Idempotent(t *testing.T) {
	in := Input{
		Base: Object{
			"summary": Object{"title": "A", "notes": "n", "created_by": "u1"},
			"items":   []any{Object{"id": "1", "v": "x"}, Object{"id": "2", "v": "x"}},
			"photos":  []any{Object{"id": "p1", "status": "uploading"}},
			"misc":    "m",
		},
		Local: Object{
			"summary": Object{"title": "A", "notes": "mine"},
			"items":   []any{Object{"id": "2", "v": "x"}, Object{"id": "3", "v": "new"}},
			"photos":  []any{Object{"id": "p1", "status": "uploading"}},
			"misc":    "m",
		},
		Remote: Object{
			"summary": Object{"title": "B", "notes": "n", "created_by": "u9"},
			"items":   []any{Object{"id": "1", "v": "edited"}, Object{"id": "2", "v": "x"}},
			"photos":  []any{Object{"id": "p1", "status": "uploaded", "url": "u"}, Object{"id": "p2", "status": "uploaded", "url": "u2"}},
			"misc":    "m2",
		},
	}

	first := SectionMerge(in, reportSections)
	second := SectionMerge(Input{Base: in.Base, Local: first.Merged, Remote: in.Remote, Tombstones: first.Tombstones}, reportSections)

	if diff := cmp.Diff(first.Merged, second.Merged); diff != "" {
		t.Fatalf("not idempotent (-first +second):\n%s", diff)
	}
	assert.Empty(t, second.Changed)
	assert.Equal(t, "u1", first.Merged["summary"].(Object)["created_by"])
}

func TestStrategy_String(t *testing.T) {
	assert.Equal(t, "object", StrategyObject.String())
	assert.Equal(t, "array", StrategyArray.String())
	assert.Equal(t, "photos", StrategyPhotos.String())
	assert.Equal(t, "scalar", StrategyScalar.String())
}
