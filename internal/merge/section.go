package merge

// Strategy selects how a payload section is merged.
type Strategy int

const (
	// StrategyScalar treats the whole section as one value.
	StrategyScalar Strategy = iota
	// StrategyObject merges the section with MergeObject.
	StrategyObject
	// StrategyArray merges the section with MergeArrayByID.
	StrategyArray
	// StrategyPhotos merges the section with MergePhotos.
	StrategyPhotos
)

func (s Strategy) String() string {
	switch s {
	case StrategyObject:
		return "object"
	case StrategyArray:
		return "array"
	case StrategyPhotos:
		return "photos"
	default:
		return "scalar"
	}
}

// Section declares a named top-level payload section.
type Section struct {
	Name     string
	Strategy Strategy
	// IDField identifies list items. Defaults to "id".
	IDField string
	// Protected keys of an object section always keep the local value.
	Protected []string
}

// Input is the three-way input of SectionMerge. Tombstones are keyed by
// section name.
type Input struct {
	Base       Object
	Local      Object
	Remote     Object
	Tombstones map[string]Tombstones
}

// Result of SectionMerge.
type Result struct {
	// Merged is the full payload: local with the changed sections replaced.
	Merged Object
	// Changed lists the sections whose merged value differs from local,
	// in processing order.
	Changed []string
	// Conflicts are informational; local values were kept.
	Conflicts []Conflict
	// Tombstones is the updated per-section tombstone state.
	Tombstones map[string]Tombstones
}

// HasChanges reports whether any section must be written back.
func (r Result) HasChanges() bool {
	return len(r.Changed) > 0
}

// SectionMerge merges every declared section with its strategy, then every
// undeclared section present in any input as a scalar. Only sections whose
// merged value differs from local are written into Merged; everything else
// is carried over from local untouched.
//
// Scalar rule: when local equals base the remote value is taken; otherwise
// local is kept and a conflict is recorded if local and remote differ.
func SectionMerge(in Input, sections []Section) Result {
	res := Result{
		Merged:     CloneObject(in.Local),
		Tombstones: make(map[string]Tombstones, len(in.Tombstones)),
	}
	if res.Merged == nil {
		res.Merged = make(Object)
	}
	for name, t := range in.Tombstones {
		res.Tombstones[name] = t.Clone()
	}

	declared := make(map[string]struct{}, len(sections))
	order := make([]Section, 0, len(sections))
	for _, s := range sections {
		if _, dup := declared[s.Name]; dup {
			continue
		}
		declared[s.Name] = struct{}{}
		order = append(order, s)
	}
	for _, name := range sortedKeys(in.Base, in.Local, in.Remote) {
		if _, ok := declared[name]; !ok {
			order = append(order, Section{Name: name, Strategy: StrategyScalar})
		}
	}

	for _, s := range order {
		merged, present, conflicts := mergeSection(s, in, res.Tombstones)
		res.Conflicts = append(res.Conflicts, withSection(conflicts, s.Name)...)

		if !present {
			merged = nil
		}
		if Equal(merged, in.Local[s.Name]) {
			continue
		}
		if merged == nil {
			delete(res.Merged, s.Name)
		} else {
			res.Merged[s.Name] = merged
		}
		res.Changed = append(res.Changed, s.Name)
	}

	for name, t := range res.Tombstones {
		if len(t) == 0 {
			delete(res.Tombstones, name)
		}
	}

	return res
}

// mergeSection returns the merged value and whether the section should be
// present in the output at all.
func mergeSection(s Section, in Input, tombs map[string]Tombstones) (any, bool, []Conflict) {
	b, l, r := in.Base[s.Name], in.Local[s.Name], in.Remote[s.Name]
	_, inLocal := in.Local[s.Name]

	switch s.Strategy {
	case StrategyObject:
		bo, ok1 := asObject(b)
		lo, ok2 := asObject(l)
		ro, ok3 := asObject(r)
		if !ok1 || !ok2 || !ok3 {
			break
		}
		merged, cs := MergeObject(bo, lo, ro, s.Protected)
		return merged, inLocal || len(merged) > 0, cs

	case StrategyArray:
		ba, ok1 := asSlice(b)
		la, ok2 := asSlice(l)
		ra, ok3 := asSlice(r)
		if !ok1 || !ok2 || !ok3 {
			break
		}
		idField := s.IDField
		if idField == "" {
			idField = "id"
		}
		merged, t, cs := MergeArrayByID(ba, la, ra, idField, tombs[s.Name])
		tombs[s.Name] = t
		return merged, inLocal || len(merged) > 0, cs

	case StrategyPhotos:
		ba, ok1 := asSlice(b)
		la, ok2 := asSlice(l)
		ra, ok3 := asSlice(r)
		if !ok1 || !ok2 || !ok3 {
			break
		}
		merged := MergePhotos(ba, la, ra, tombs[s.Name])
		return merged, inLocal || len(merged) > 0, nil
	}

	return mergeScalar(s.Name, in)
}

func mergeScalar(name string, in Input) (any, bool, []Conflict) {
	b, l, r := in.Base[name], in.Local[name], in.Remote[name]

	if Equal(l, b) {
		return Clone(r), true, nil
	}
	if Equal(l, r) {
		return Clone(l), true, nil
	}
	return Clone(l), true, []Conflict{{Kind: ConflictValue, Local: Clone(l), Remote: Clone(r)}}
}

// asObject accepts an absent or nil value as an empty object.
func asObject(v any) (Object, bool) {
	if v == nil {
		return nil, true
	}
	o, ok := v.(map[string]any)
	return o, ok
}

// asSlice accepts an absent or nil value as an empty list.
func asSlice(v any) ([]any, bool) {
	if v == nil {
		return nil, true
	}
	a, ok := v.([]any)
	return a, ok
}
