// Package services contains the device agent's application services.
// This file defines the authoritative save path for records: every write
// lands in the local store first, is pushed to the remote source, and is
// then announced to other sessions.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dmitrijs2005/fieldsync/internal/client/coordinator"
	"github.com/dmitrijs2005/fieldsync/internal/client/models"
	"github.com/dmitrijs2005/fieldsync/internal/client/remote"
	"github.com/dmitrijs2005/fieldsync/internal/client/store"
	"github.com/dmitrijs2005/fieldsync/internal/common"
	"github.com/dmitrijs2005/fieldsync/internal/logging"
	"github.com/dmitrijs2005/fieldsync/internal/merge"
)

// RemoteWriter is the part of the remote source the save path pushes to.
type RemoteWriter interface {
	Upsert(ctx context.Context, row remote.Row) (*remote.Row, error)
}

// Emitter allocates revisions and announces writes to other sessions.
// *coordinator.Coordinator implements it.
type Emitter interface {
	SessionID() string
	NextRevision() int64
	Emit(ctx context.Context, w coordinator.Write) models.Notice
}

// RecordService defines the write operations on records.
//
// Contract:
//   - the local store is written first and stays written when the remote
//     push fails; the push error is returned to the caller;
//   - after a successful push the base snapshot of the payload is the
//     pushed content, so the next merge sees no spurious local changes;
//   - successful writes are announced with the revision stamped on the
//     remote row.
type RecordService interface {
	Create(ctx context.Context, rec models.Record) (*models.Record, error)
	SaveDraft(ctx context.Context, recordID string, sections merge.Object) (*models.Notice, error)
	SaveRecord(ctx context.Context, recordID string, sections merge.Object) (*models.Notice, error)
	Finalize(ctx context.Context, recordID string) (*models.Notice, error)
	SoftDelete(ctx context.Context, recordID string) error
	HardDelete(ctx context.Context, recordID string) error
}

type recordService struct {
	store   *store.Store
	remote  RemoteWriter
	emitter Emitter
	logger  logging.Logger
	now     func() time.Time
}

// NewRecordService constructs a RecordService over the local store, the
// remote source and the coordinator that announces writes.
func NewRecordService(st *store.Store, rw RemoteWriter, em Emitter, l logging.Logger) RecordService {
	return &recordService{
		store:   st,
		remote:  rw,
		emitter: em,
		logger:  l.With("module", "services"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Create stores a new record header with an empty draft and pushes the
// header. A missing id is generated.
func (s *recordService) Create(ctx context.Context, rec models.Record) (*models.Record, error) {
	now := s.now()
	if rec.ID == "" {
		rec.ID = common.NewID()
	}
	if rec.Status == "" {
		rec.Status = models.RecordStatusDraft
	}
	if rec.CreatedBy == "" {
		rec.CreatedBy = s.emitter.SessionID()
	}
	rec.CreatedAt, rec.UpdatedAt = now, now

	if err := s.store.Records().Put(ctx, &rec); err != nil {
		return nil, fmt.Errorf("error saving record: %w", err)
	}
	err := s.store.UpdatePayload(ctx, models.StageDraft, rec.ID, func(p *models.Payload) error {
		if p.Sections == nil {
			p.Sections = merge.Object{}
		}
		p.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error saving draft: %w", err)
	}

	pushed, err := s.pushHeader(ctx, &rec, false, s.emitter.NextRevision())
	if err != nil {
		return &rec, err
	}
	rec.Version = pushed.Version
	if err := s.store.Records().Put(ctx, &rec); err != nil {
		return nil, fmt.Errorf("error saving record: %w", err)
	}
	return &rec, nil
}

func (s *recordService) SaveDraft(ctx context.Context, recordID string, sections merge.Object) (*models.Notice, error) {
	return s.save(ctx, models.StageDraft, recordID, sections)
}

func (s *recordService) SaveRecord(ctx context.Context, recordID string, sections merge.Object) (*models.Notice, error) {
	return s.save(ctx, models.StageRecord, recordID, sections)
}

func (s *recordService) save(ctx context.Context, stage models.Stage, recordID string, sections merge.Object) (*models.Notice, error) {
	norm, err := merge.NormalizeObject(sections)
	if err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	if norm == nil {
		norm = merge.Object{}
	}
	if err := s.ensureLive(ctx, recordID); err != nil {
		return nil, err
	}
	if stage == models.StageDraft {
		if err := s.ensureOpen(ctx, recordID); err != nil {
			return nil, err
		}
	}

	var changed []string
	err = s.store.UpdatePayload(ctx, stage, recordID, func(p *models.Payload) error {
		changed = changedSections(p.Sections, norm)
		p.Sections = merge.CloneObject(norm)
		p.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error saving %s: %w", stage, err)
	}

	rev := s.emitter.NextRevision()
	pushed, err := s.remote.Upsert(ctx, remote.Row{
		Table:     coordinator.TableForStage(stage),
		ID:        recordID,
		Data:      norm,
		UpdatedBy: s.emitter.SessionID(),
		Revision:  rev,
	})
	if err != nil {
		return nil, fmt.Errorf("remote upsert error: %w", err)
	}
	if err := s.advanceBase(ctx, stage, recordID, norm, pushed.Version); err != nil {
		return nil, err
	}

	n := s.emitter.Emit(ctx, coordinator.Write{RecordID: recordID, Stage: stage, Sections: changed, Revision: rev})
	s.logger.Debug(ctx, "write announced", "record_id", recordID, "stage", stage, "revision", rev)
	return &n, nil
}

// Finalize moves the draft of a record to its finalized payload and tells
// other sessions with a terminal notice.
func (s *recordService) Finalize(ctx context.Context, recordID string) (*models.Notice, error) {
	now := s.now()
	var sections merge.Object
	err := s.store.Finalize(ctx, recordID, func(rec *models.Record, p *models.Payload) error {
		rec.UpdatedAt = now
		p.UpdatedAt = now
		sections = merge.CloneObject(p.Sections)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error finalizing record: %w", err)
	}
	if sections == nil {
		sections = merge.Object{}
	}

	rev := s.emitter.NextRevision()
	pushed, err := s.remote.Upsert(ctx, remote.Row{
		Table:     remote.TablePayloads,
		ID:        recordID,
		Data:      sections,
		UpdatedBy: s.emitter.SessionID(),
		Revision:  rev,
	})
	if err != nil {
		return nil, fmt.Errorf("remote upsert error: %w", err)
	}
	_, err = s.remote.Upsert(ctx, remote.Row{
		Table:     remote.TableDrafts,
		ID:        recordID,
		UpdatedBy: s.emitter.SessionID(),
		Revision:  rev,
		Deleted:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("remote upsert error: %w", err)
	}
	if err := s.advanceBase(ctx, models.StageRecord, recordID, sections, pushed.Version); err != nil {
		return nil, err
	}

	rec, err := s.store.Records().Get(ctx, recordID)
	if err != nil {
		return nil, fmt.Errorf("error loading record: %w", err)
	}
	if _, err := s.pushHeader(ctx, rec, false, rev); err != nil {
		return nil, err
	}

	n := s.emitter.Emit(ctx, coordinator.Write{RecordID: recordID, Stage: models.StageRecord, Revision: rev, Terminal: true})
	s.logger.Info(ctx, "record finalized", "record_id", recordID, "revision", rev)
	return &n, nil
}

// SoftDelete marks the record deleted locally and remotely. Its content
// stays on the device.
func (s *recordService) SoftDelete(ctx context.Context, recordID string) error {
	if err := s.store.SoftDeleteRecord(ctx, recordID, s.now()); err != nil {
		return fmt.Errorf("error deleting record: %w", err)
	}
	rec, err := s.store.Records().Get(ctx, recordID)
	if err != nil {
		return fmt.Errorf("error loading record: %w", err)
	}
	_, err = s.pushHeader(ctx, rec, true, s.emitter.NextRevision())
	return err
}

// HardDelete removes the record and everything attached to it from the
// device and marks the remote header deleted.
func (s *recordService) HardDelete(ctx context.Context, recordID string) error {
	rec, err := s.store.Records().Get(ctx, recordID)
	if errors.Is(err, common.ErrNotFound) {
		rec = &models.Record{ID: recordID}
	} else if err != nil {
		return fmt.Errorf("error loading record: %w", err)
	}

	if err := s.store.HardDeleteRecord(ctx, recordID, s.now()); err != nil {
		return fmt.Errorf("error deleting record: %w", err)
	}
	rec.Status = models.RecordStatusDeleted
	_, err = s.pushHeader(ctx, rec, true, s.emitter.NextRevision())
	return err
}

func (s *recordService) ensureLive(ctx context.Context, recordID string) error {
	deleted, err := s.store.IsRecordDeleted(ctx, recordID)
	if err != nil {
		return fmt.Errorf("error checking record: %w", err)
	}
	if deleted {
		return fmt.Errorf("record %s: %w", recordID, common.ErrNotFound)
	}
	return nil
}

// ensureOpen rejects draft writes to a record that was finalized, here or
// by another session.
func (s *recordService) ensureOpen(ctx context.Context, recordID string) error {
	rec, err := s.store.Records().Get(ctx, recordID)
	if errors.Is(err, common.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("error loading record: %w", err)
	}
	if rec.Status == models.RecordStatusSubmitted {
		return fmt.Errorf("record %s: %w", recordID, common.ErrRecordFinalized)
	}
	return nil
}

func (s *recordService) advanceBase(ctx context.Context, stage models.Stage, recordID string, pushed merge.Object, version int64) error {
	err := s.store.UpdatePayload(ctx, stage, recordID, func(p *models.Payload) error {
		p.Base = merge.CloneObject(pushed)
		p.RemoteVersion = version
		return nil
	})
	if err != nil {
		return fmt.Errorf("error saving %s: %w", stage, err)
	}
	return nil
}

func (s *recordService) pushHeader(ctx context.Context, rec *models.Record, deleted bool, rev int64) (*remote.Row, error) {
	data, err := toData(rec)
	if err != nil {
		return nil, err
	}
	row, err := s.remote.Upsert(ctx, remote.Row{
		Table:     remote.TableRecords,
		ID:        rec.ID,
		Data:      data,
		UpdatedBy: s.emitter.SessionID(),
		Revision:  rev,
		Deleted:   deleted,
	})
	if err != nil {
		return nil, fmt.Errorf("remote upsert error: %w", err)
	}
	return row, nil
}

func toData(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return out, nil
}

// changedSections lists the top-level sections whose value differs between
// prev and next, in key order.
func changedSections(prev, next merge.Object) []string {
	var out []string
	seen := make(map[string]struct{}, len(next))
	for _, k := range keys(next) {
		seen[k] = struct{}{}
		if !merge.Equal(prev[k], next[k]) {
			out = append(out, k)
		}
	}
	for _, k := range keys(prev) {
		if _, ok := seen[k]; ok {
			continue
		}
		if prev[k] != nil {
			out = append(out, k)
		}
	}
	return out
}

func keys(o merge.Object) []string {
	out := make([]string, 0, len(o))
	for k := range o {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
