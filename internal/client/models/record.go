// Package models defines the device-side data model: records, their
// payloads and drafts, projects, photos and the change notices exchanged
// between sessions.
package models

import (
	"time"

	"github.com/dmitrijs2005/fieldsync/internal/merge"
)

// RecordStatus is the lifecycle state of a record.
type RecordStatus string

const (
	RecordStatusDraft     RecordStatus = "draft"
	RecordStatusSubmitted RecordStatus = "submitted"
	RecordStatusDeleted   RecordStatus = "deleted"
)

// Stage is the processing stage a payload belongs to: an in-progress draft
// or the finalized record.
type Stage string

const (
	StageDraft  Stage = "draft"
	StageRecord Stage = "record"
)

// Opposite returns the other processing stage.
func (s Stage) Opposite() Stage {
	if s == StageDraft {
		return StageRecord
	}
	return StageDraft
}

// Record is the header of a field report. Its content lives in a
// RecordPayload (finalized) or a Draft (in progress).
type Record struct {
	ID        string       `json:"id"`
	ProjectID string       `json:"project_id,omitempty"`
	Title     string       `json:"title"`
	Status    RecordStatus `json:"status"`
	CreatedBy string       `json:"created_by,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
	// Version is the last remote version observed for the header row.
	Version int64 `json:"version,omitempty"`
}

// Payload holds sectioned content together with the merge bookkeeping that
// travels with it: the last snapshot agreed with the remote (Base) and the
// ids deleted from each list section (Tombstones).
type Payload struct {
	RecordID      string              `json:"record_id"`
	Sections      merge.Object        `json:"sections"`
	Base          merge.Object        `json:"base,omitempty"`
	Tombstones    map[string][]string `json:"tombstones,omitempty"`
	RemoteVersion int64               `json:"remote_version,omitempty"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

// TombstoneSets converts the persisted tombstones to merge sets.
func (p *Payload) TombstoneSets() map[string]merge.Tombstones {
	out := make(map[string]merge.Tombstones, len(p.Tombstones))
	for section, ids := range p.Tombstones {
		out[section] = merge.NewTombstones(ids...)
	}
	return out
}

// SetTombstones stores merge sets in persisted form, dropping empty ones.
func (p *Payload) SetTombstones(sets map[string]merge.Tombstones) {
	p.Tombstones = nil
	for section, t := range sets {
		if len(t) == 0 {
			continue
		}
		if p.Tombstones == nil {
			p.Tombstones = make(map[string][]string, len(sets))
		}
		p.Tombstones[section] = t.Sorted()
	}
}

// RecordPayload is the finalized content of a record.
type RecordPayload struct {
	Payload
}

// Draft is the transient working copy of a record still being filled in.
type Draft struct {
	Payload
	StartedAt time.Time `json:"started_at"`
}
