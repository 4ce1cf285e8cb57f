// Package merge implements the three-way merge used to reconcile a record
// payload edited concurrently in several places.
//
// Every merge takes three snapshots: the base (last state both sides agreed
// on), the local working copy and the freshly fetched remote copy. Merges are
// pure: inputs are never mutated and the output depends only on the inputs,
// so callers may rerun a merge on the same data and get the same answer.
//
// Local edits win. When both sides changed the same value differently the
// local value is kept and a Conflict is reported for display; conflicts are
// never returned as errors.
//
// Payload values are the JSON data model (nil, bool, float64, string,
// map[string]any, []any). Normalize converts Go values from callers into
// that model and rejects anything that cannot round-trip through JSON, so
// Equal and Clone never have to guess. An absent key and a key holding nil
// compare equal.
//
// Strategies:
//
//   - MergeObject: per-key merge with protected keys that always keep the
//     local value.
//   - MergeArrayByID: identity-keyed list merge with tombstones so deleted
//     items are not resurrected by a stale remote copy.
//   - MergePhotos: union by id that never disturbs an item still uploading.
//   - SectionMerge: dispatches each top-level section to one of the above
//     and reports which sections actually changed relative to local.
package merge
