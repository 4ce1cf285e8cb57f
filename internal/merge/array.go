package merge

// MergeArrayByID merges lists of objects identified by idField.
//
// Output order is the local order followed by remote-only additions in
// remote order. Per item:
//
//   - in base and local, gone from remote: dropped and tombstoned when local
//     did not touch it, kept with a ConflictRemoteDeleted otherwise;
//   - in base and remote, gone from local: a local deletion; the item stays
//     out and is tombstoned, and a ConflictLocalDeleted is reported when the
//     remote edited it meanwhile;
//   - in all three: the remote copy when only remote changed, a field-level
//     MergeObject when both changed, local otherwise;
//   - remote-only and not tombstoned: appended.
//
// Items without a usable id are local-only data and pass through untouched.
// Tombstones whose id no longer exists remotely are pruned from the returned
// set: the deletion has fully propagated. The input set is not modified.
func MergeArrayByID(base, local, remote []any, idField string, tombstones Tombstones) ([]any, Tombstones, []Conflict) {
	baseByID := indexByID(base, idField)
	remoteByID := indexByID(remote, idField)
	localByID := indexByID(local, idField)

	tombs := tombstones.Clone()
	merged := make([]any, 0, len(local)+len(remote))
	var conflicts []Conflict

	for _, item := range local {
		id, ok := idOf(item, idField)
		if !ok {
			merged = append(merged, Clone(item))
			continue
		}

		b, inBase := baseByID[id]
		r, inRemote := remoteByID[id]

		switch {
		case inBase && !inRemote:
			if Equal(item, b) {
				tombs.Add(id)
				continue
			}
			conflicts = append(conflicts, Conflict{Path: id, Kind: ConflictRemoteDeleted, Local: Clone(item)})
			merged = append(merged, Clone(item))

		case inBase && inRemote:
			localChanged := !Equal(item, b)
			remoteChanged := !Equal(r, b)
			switch {
			case remoteChanged && !localChanged:
				merged = append(merged, Clone(r))
			case remoteChanged && localChanged && !Equal(item, r):
				m, cs := mergeItems(b, item, r)
				conflicts = append(conflicts, withPrefix(cs, id)...)
				merged = append(merged, m)
			default:
				merged = append(merged, Clone(item))
			}

		case inRemote:
			// Added on both sides under the same id.
			if Equal(item, r) {
				merged = append(merged, Clone(item))
				continue
			}
			m, cs := mergeItems(nil, item, r)
			conflicts = append(conflicts, withPrefix(cs, id)...)
			merged = append(merged, m)

		default:
			merged = append(merged, Clone(item))
		}
	}

	for _, item := range remote {
		id, ok := idOf(item, idField)
		if !ok {
			continue
		}
		if _, inLocal := localByID[id]; inLocal {
			continue
		}
		if tombs.Has(id) {
			continue
		}
		if b, inBase := baseByID[id]; inBase {
			tombs.Add(id)
			if !Equal(item, b) {
				conflicts = append(conflicts, Conflict{Path: id, Kind: ConflictLocalDeleted, Remote: Clone(item)})
			}
			continue
		}
		merged = append(merged, Clone(item))
	}

	for id := range tombs {
		if _, ok := remoteByID[id]; !ok {
			tombs.Remove(id)
		}
	}

	return merged, tombs, conflicts
}

func indexByID(items []any, idField string) map[string]any {
	out := make(map[string]any, len(items))
	for _, item := range items {
		if id, ok := idOf(item, idField); ok {
			if _, dup := out[id]; !dup {
				out[id] = item
			}
		}
	}
	return out
}

func mergeItems(base, local, remote any) (any, []Conflict) {
	b, _ := base.(map[string]any)
	l, lok := local.(map[string]any)
	r, rok := remote.(map[string]any)
	if !lok || !rok {
		return Clone(local), []Conflict{{Kind: ConflictValue, Local: Clone(local), Remote: Clone(remote)}}
	}
	return MergeObject(b, l, r, nil)
}
