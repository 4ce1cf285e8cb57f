package merge

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func item(id any, v string) Object {
	return Object{"id": id, "v": v}
}

func ids(items []any) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		id, _ := idOf(it, "id")
		out = append(out, id)
	}
	return out
}

func TestMergeArrayByID_LocalDeletionWinsOverRemoteEdit(t *testing.T) {
	base := []any{item("1", "x")}
	local := []any{}
	remote := []any{item("1", "y")}

	merged, tombs, conflicts := MergeArrayByID(base, local, remote, "id", nil)

	assert.Empty(t, merged, "id 1 must stay deleted")
	assert.True(t, tombs.Has("1"), "tombstone keeps the deletion while remote still has the item")
	require.Len(t, conflicts, 1)
	assert.Equal(t, "1", conflicts[0].Path)
	assert.Equal(t, ConflictLocalDeleted, conflicts[0].Kind)
	assert.Equal(t, item("1", "y"), conflicts[0].Remote)

	again, tombs2, _ := MergeArrayByID(base, merged, remote, "id", tombs)
	assert.Empty(t, again)
	assert.True(t, tombs2.Has("1"))
}

func TestMergeArrayByID_LocalDeletionOfUntouchedItem(t *testing.T) {
	base := []any{item("1", "x"), item("2", "x")}
	local := []any{item("2", "x")}
	remote := []any{item("1", "x"), item("2", "x")}

	merged, tombs, conflicts := MergeArrayByID(base, local, remote, "id", nil)

	assert.Equal(t, []string{"2"}, ids(merged))
	assert.True(t, tombs.Has("1"))
	assert.Empty(t, conflicts)
}

func TestMergeArrayByID_RemoteDeletionOfUntouchedItemIsNotResurrected(t *testing.T) {
	base := []any{item("1", "x"), item("2", "x")}
	local := []any{item("1", "x"), item("2", "x")}
	remote := []any{item("2", "x")}

	merged, tombs, conflicts := MergeArrayByID(base, local, remote, "id", nil)

	assert.Equal(t, []string{"2"}, ids(merged))
	assert.False(t, tombs.Has("1"), "pruned: remote no longer has it")
	assert.Empty(t, conflicts)
}

func TestMergeArrayByID_RemoteDeletionOfLocallyEditedItemIsKept(t *testing.T) {
	base := []any{item("1", "x")}
	local := []any{item("1", "edited")}
	remote := []any{}

	merged, _, conflicts := MergeArrayByID(base, local, remote, "id", nil)

	assert.Equal(t, []any{item("1", "edited")}, merged)
	require.Len(t, conflicts, 1)
	assert.Equal(t, ConflictRemoteDeleted, conflicts[0].Kind)
}

func TestMergeArrayByID_FieldMergeWhenBothEdit(t *testing.T) {
	base := []any{Object{"id": "1", "a": "0", "b": "0"}}
	local := []any{Object{"id": "1", "a": "L", "b": "0"}}
	remote := []any{Object{"id": "1", "a": "0", "b": "R"}}

	merged, _, conflicts := MergeArrayByID(base, local, remote, "id", nil)

	want := []any{Object{"id": "1", "a": "L", "b": "R"}}
	if diff := cmp.Diff(want, merged); diff != "" {
		t.Fatalf("merged mismatch (-want +got):\n%s", diff)
	}
	assert.Empty(t, conflicts)

	local = []any{Object{"id": "1", "a": "L", "b": "0"}}
	remote = []any{Object{"id": "1", "a": "R", "b": "0"}}
	merged, _, conflicts = MergeArrayByID(base, local, remote, "id", nil)
	assert.Equal(t, "L", merged[0].(Object)["a"])
	require.Len(t, conflicts, 1)
	assert.Equal(t, "1.a", conflicts[0].Path)
}

func TestMergeArrayByID_RemoteOnlyChangeAndAdditions(t *testing.T) {
	base := []any{item("1", "x")}
	local := []any{item("1", "x"), item("L", "mine")}
	remote := []any{item("R", "theirs"), item("1", "y")}

	merged, _, conflicts := MergeArrayByID(base, local, remote, "id", nil)

	assert.Equal(t, []any{item("1", "y"), item("L", "mine"), item("R", "theirs")}, merged)
	assert.Empty(t, conflicts)
}

func TestMergeArrayByID_TombstonedRemoteItemIsSkipped(t *testing.T) {
	remote := []any{item("9", "stale")}

	merged, tombs, _ := MergeArrayByID(nil, nil, remote, "id", NewTombstones("9", "gone"))

	assert.Empty(t, merged)
	assert.True(t, tombs.Has("9"))
	assert.False(t, tombs.Has("gone"), "ids absent remotely are pruned")
}

func TestMergeArrayByID_NumericIDsAndItemsWithoutID(t *testing.T) {
	base := []any{item(float64(1), "x")}
	local := []any{item(float64(1), "x"), "free text", Object{"v": "no id"}}
	remote := []any{item(float64(1), "y"), Object{"v": "remote no id"}}

	merged, _, conflicts := MergeArrayByID(base, local, remote, "id", nil)

	assert.Equal(t, []any{item(float64(1), "y"), "free text", Object{"v": "no id"}}, merged)
	assert.Empty(t, conflicts)
}

func TestMergeArrayByID_BothAddedSameID(t *testing.T) {
	local := []any{Object{"id": "n", "v": "L"}}
	remote := []any{Object{"id": "n", "v": "R", "extra": true}}

	merged, _, conflicts := MergeArrayByID(nil, local, remote, "id", nil)

	assert.Equal(t, []any{Object{"id": "n", "v": "L", "extra": true}}, merged)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "n.v", conflicts[0].Path)
}

func TestMergeArrayByID_Idempotent(t *testing.T) {
	base := []any{item("1", "x"), item("2", "x"), item("3", "x")}
	local := []any{item("1", "L"), item("3", "x"), item("4", "new")}
	remote := []any{item("2", "R"), item("3", "R"), item("5", "remote-new")}

	merged, tombs, _ := MergeArrayByID(base, local, remote, "id", nil)
	again, tombs2, _ := MergeArrayByID(base, merged, remote, "id", tombs)

	if diff := cmp.Diff(merged, again); diff != "" {
		t.Fatalf("not idempotent (-first +second):\n%s", diff)
	}
	assert.Equal(t, tombs.Sorted(), tombs2.Sorted())
}

func TestMergeArrayByID_InputTombstonesUntouched(t *testing.T) {
	in := NewTombstones("a")
	_, out, _ := MergeArrayByID([]any{item("b", "x")}, nil, []any{item("b", "x")}, "id", in)

	assert.True(t, out.Has("b"))
	assert.False(t, in.Has("b"))
	assert.True(t, in.Has("a"))
}
