package models

import "github.com/dmitrijs2005/fieldsync/internal/merge"

// PayloadSections declares how the known sections of a record payload are
// merged. Sections not listed here are merged as scalars.
var PayloadSections = []merge.Section{
	{Name: "summary", Strategy: merge.StrategyObject, Protected: []string{"inspector_signature"}},
	{Name: "site", Strategy: merge.StrategyObject},
	{Name: "items", Strategy: merge.StrategyArray, IDField: "id"},
	{Name: "measurements", Strategy: merge.StrategyArray, IDField: "id"},
	{Name: "photos", Strategy: merge.StrategyPhotos},
}
