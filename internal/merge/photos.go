package merge

// Photo item fields consulted by MergePhotos.
const (
	PhotoIDField  = "id"
	PhotoURLField = "url"
)

// MergePhotos unions photo lists by id.
//
// Local items are never replaced, so an item still "uploading" keeps its
// status and bytes reference. The only thing taken from the remote copy is
// its URL, copied into a local item that has none yet. Remote items unknown
// locally are appended unless they are tombstoned or were present in base,
// which means the local side removed them.
func MergePhotos(base, local, remote []any, tombstones Tombstones) []any {
	baseByID := indexByID(base, PhotoIDField)
	remoteByID := indexByID(remote, PhotoIDField)
	localByID := indexByID(local, PhotoIDField)

	merged := make([]any, 0, len(local)+len(remote))

	for _, item := range local {
		id, ok := idOf(item, PhotoIDField)
		if !ok {
			merged = append(merged, Clone(item))
			continue
		}
		merged = append(merged, withRemoteURL(item, remoteByID[id]))
	}

	for _, item := range remote {
		id, ok := idOf(item, PhotoIDField)
		if !ok {
			continue
		}
		if _, inLocal := localByID[id]; inLocal {
			continue
		}
		if tombstones.Has(id) {
			continue
		}
		if _, inBase := baseByID[id]; inBase {
			continue
		}
		merged = append(merged, Clone(item))
	}

	return merged
}

func withRemoteURL(local, remote any) any {
	out := Clone(local)
	l, ok := out.(map[string]any)
	if !ok {
		return out
	}
	r, ok := remote.(map[string]any)
	if !ok {
		return out
	}
	if hasURL(l) || !hasURL(r) {
		return out
	}
	l[PhotoURLField] = r[PhotoURLField]
	return out
}

func hasURL(o map[string]any) bool {
	u, _ := o[PhotoURLField].(string)
	return u != ""
}
