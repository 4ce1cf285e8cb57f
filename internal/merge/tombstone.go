package merge

import "sort"

// Tombstones is the set of item ids deliberately deleted from one list
// section. A tombstoned id is never re-added from a remote copy.
type Tombstones map[string]struct{}

func NewTombstones(ids ...string) Tombstones {
	t := make(Tombstones, len(ids))
	for _, id := range ids {
		t[id] = struct{}{}
	}
	return t
}

func (t Tombstones) Add(id string) { t[id] = struct{}{} }

func (t Tombstones) Remove(id string) { delete(t, id) }

func (t Tombstones) Has(id string) bool {
	_, ok := t[id]
	return ok
}

func (t Tombstones) Clone() Tombstones {
	out := make(Tombstones, len(t))
	for id := range t {
		out[id] = struct{}{}
	}
	return out
}

// Sorted returns the ids in ascending order, for persistence.
func (t Tombstones) Sorted() []string {
	ids := make([]string, 0, len(t))
	for id := range t {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
