package merge

// MergeObject merges remote into local key by key against base.
//
// For each key: if only the remote changed it the remote value is taken; if
// only local changed it (or neither did) local is kept; if both changed it
// to the same value that value is kept; if both changed it differently local
// is kept and a ConflictValue is reported. Protected keys always keep the
// local value, or the base value when local lacks the key.
//
// The result is a new object; a remote value of nil removes the key.
func MergeObject(base, local, remote Object, protected []string) (Object, []Conflict) {
	isProtected := make(map[string]struct{}, len(protected))
	for _, k := range protected {
		isProtected[k] = struct{}{}
	}

	merged := CloneObject(local)
	if merged == nil {
		merged = make(Object)
	}
	var conflicts []Conflict

	for _, key := range sortedKeys(base, local, remote) {
		b, l, r := base[key], local[key], remote[key]

		if _, ok := isProtected[key]; ok {
			if _, inLocal := local[key]; !inLocal {
				if _, inBase := base[key]; inBase {
					merged[key] = Clone(b)
				}
			}
			continue
		}

		remoteChanged := !Equal(r, b)
		if !remoteChanged {
			continue
		}

		localChanged := !Equal(l, b)
		switch {
		case !localChanged:
			if r == nil {
				delete(merged, key)
			} else {
				merged[key] = Clone(r)
			}
		case Equal(l, r):
		default:
			conflicts = append(conflicts, Conflict{
				Path:   key,
				Kind:   ConflictValue,
				Local:  Clone(l),
				Remote: Clone(r),
			})
		}
	}

	return merged, conflicts
}
