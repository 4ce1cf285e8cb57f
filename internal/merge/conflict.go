package merge

// ConflictKind classifies a Conflict.
type ConflictKind string

const (
	// ConflictValue: both sides changed a value to different results.
	ConflictValue ConflictKind = "value"
	// ConflictLocalDeleted: local removed an item the remote edited.
	ConflictLocalDeleted ConflictKind = "local_deleted"
	// ConflictRemoteDeleted: remote removed an item the local edited.
	ConflictRemoteDeleted ConflictKind = "remote_deleted"
)

// Conflict records a divergence that was resolved in favour of the local
// side. Section is empty when the conflict comes from a standalone
// MergeObject or MergeArrayByID call.
type Conflict struct {
	Section string       `json:"section,omitempty"`
	Path    string       `json:"path"`
	Kind    ConflictKind `json:"kind"`
	Local   any          `json:"local"`
	Remote  any          `json:"remote"`
}

func withSection(cs []Conflict, section string) []Conflict {
	for i := range cs {
		cs[i].Section = section
	}
	return cs
}

func withPrefix(cs []Conflict, prefix string) []Conflict {
	for i := range cs {
		if cs[i].Path == "" {
			cs[i].Path = prefix
			continue
		}
		cs[i].Path = prefix + "." + cs[i].Path
	}
	return cs
}
