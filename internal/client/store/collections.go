package store

import (
	"context"
	"errors"
	"time"

	"github.com/dmitrijs2005/fieldsync/internal/client/models"
	"github.com/dmitrijs2005/fieldsync/internal/common"
	"github.com/dmitrijs2005/fieldsync/internal/dbx"
)

// Collection names.
const (
	CollectionRecords        = "records"
	CollectionRecordPayloads = "record_payloads"
	CollectionDrafts         = "drafts"
	CollectionProjects       = "projects"
	CollectionPhotos         = "photos"
	CollectionUserProfile    = "user_profile"
	CollectionArchive        = "archive_entries"
	CollectionDeletedRecords = "deleted_records"
)

// DeletedRecord is an entry of the local deletion blocklist. Remote changes
// to a blocklisted record are not merged back in.
type DeletedRecord struct {
	ID        string    `json:"id"`
	DeletedAt time.Time `json:"deleted_at"`
}

func (s *Store) initCollections() {
	s.records = newCollection(s, CollectionRecords, func(r *models.Record) string { return r.ID },
		index[models.Record]{"project_id", func(r *models.Record) string { return r.ProjectID }},
		index[models.Record]{"status", func(r *models.Record) string { return string(r.Status) }},
	)
	s.payloads = newCollection(s, CollectionRecordPayloads, func(p *models.RecordPayload) string { return p.RecordID })
	s.drafts = newCollection(s, CollectionDrafts, func(d *models.Draft) string { return d.RecordID })
	s.projects = newCollection(s, CollectionProjects, func(p *models.Project) string { return p.ID })
	s.photos = newCollection(s, CollectionPhotos, func(p *models.Photo) string { return p.ID },
		index[models.Photo]{"record_id", func(p *models.Photo) string { return p.RecordID }},
		index[models.Photo]{"status", func(p *models.Photo) string { return string(p.Status) }},
	)
	s.profile = newCollection(s, CollectionUserProfile, func(p *models.UserProfile) string { return p.ID })
	s.archive = newCollection(s, CollectionArchive, func(a *models.ArchiveEntry) string { return a.ID },
		index[models.ArchiveEntry]{"record_id", func(a *models.ArchiveEntry) string { return a.RecordID }},
	)
	s.deleted = newCollection(s, CollectionDeletedRecords, func(d *DeletedRecord) string { return d.ID })
	s.flags = &Flags{store: s}
}

func (s *Store) Records() *Collection[models.Record]               { return s.records }
func (s *Store) RecordPayloads() *Collection[models.RecordPayload] { return s.payloads }
func (s *Store) Drafts() *Collection[models.Draft]                 { return s.drafts }
func (s *Store) Projects() *Collection[models.Project]             { return s.projects }
func (s *Store) UserProfile() *Collection[models.UserProfile]      { return s.profile }
func (s *Store) Archive() *Collection[models.ArchiveEntry]         { return s.archive }
func (s *Store) DeletedRecords() *Collection[DeletedRecord]        { return s.deleted }
func (s *Store) Flags() *Flags                                     { return s.flags }

// Photos returns the photo collection with its index lookups.
func (s *Store) Photos() *PhotoCollection { return &PhotoCollection{s.photos} }

// PhotoCollection adds lookups by parent record and upload status.
type PhotoCollection struct {
	*Collection[models.Photo]
}

func (c *PhotoCollection) ByRecord(ctx context.Context, recordID string) ([]*models.Photo, error) {
	return c.getBy(ctx, "record_id", recordID)
}

func (c *PhotoCollection) ByStatus(ctx context.Context, status models.PhotoStatus) ([]*models.Photo, error) {
	return c.getBy(ctx, "status", string(status))
}

// RecordsByProject lists record headers of one project.
func (s *Store) RecordsByProject(ctx context.Context, projectID string) ([]*models.Record, error) {
	return s.records.getBy(ctx, "project_id", projectID)
}

// ArchiveByRecord lists archive lines pointing at a record.
func (s *Store) ArchiveByRecord(ctx context.Context, recordID string) ([]*models.ArchiveEntry, error) {
	return s.archive.getBy(ctx, "record_id", recordID)
}

// SoftDeleteRecord marks the record deleted and blocklists it. The content
// stays on the device until HardDeleteRecord.
func (s *Store) SoftDeleteRecord(ctx context.Context, id string, now time.Time) error {
	return s.withTx(ctx, "soft_delete", CollectionRecords, func(ctx context.Context, tx dbx.DBTX) error {
		rec, err := s.records.getTx(ctx, tx, id)
		if err != nil {
			return err
		}
		rec.Status = models.RecordStatusDeleted
		rec.UpdatedAt = now
		if err := s.records.putTx(ctx, tx, rec); err != nil {
			return err
		}
		return s.deleted.putTx(ctx, tx, &DeletedRecord{ID: id, DeletedAt: now})
	})
}

// HardDeleteRecord removes the record and everything attached to it in one
// transaction and keeps it on the deletion blocklist.
func (s *Store) HardDeleteRecord(ctx context.Context, id string, now time.Time) error {
	return s.withTx(ctx, "hard_delete", CollectionRecords, func(ctx context.Context, tx dbx.DBTX) error {
		if err := s.records.deleteTx(ctx, tx, id); err != nil {
			return err
		}
		if err := s.payloads.deleteTx(ctx, tx, id); err != nil {
			return err
		}
		if err := s.drafts.deleteTx(ctx, tx, id); err != nil {
			return err
		}
		if _, err := s.photos.deleteByTx(ctx, tx, "record_id", id); err != nil {
			return err
		}
		if _, err := s.archive.deleteByTx(ctx, tx, "record_id", id); err != nil {
			return err
		}
		return s.deleted.putTx(ctx, tx, &DeletedRecord{ID: id, DeletedAt: now})
	})
}

// ApplyRemoteHeader stores a record header received from the remote unless
// the local copy is at the same or a newer version or the record is on the
// deletion blocklist. A deleted header also blocklists the record. It
// returns the status the local header had before (empty when there was
// none) and whether rec was applied.
func (s *Store) ApplyRemoteHeader(ctx context.Context, rec *models.Record, deleted bool, now time.Time) (models.RecordStatus, bool, error) {
	var prev models.RecordStatus
	var applied bool
	err := s.withTx(ctx, "apply_header", CollectionRecords, func(ctx context.Context, tx dbx.DBTX) error {
		if _, err := s.deleted.getTx(ctx, tx, rec.ID); err == nil {
			return nil
		} else if !errors.Is(err, common.ErrNotFound) {
			return err
		}

		local, err := s.records.getTx(ctx, tx, rec.ID)
		switch {
		case errors.Is(err, common.ErrNotFound):
		case err != nil:
			return err
		default:
			prev = local.Status
			if local.Version >= rec.Version {
				return nil
			}
		}

		if deleted {
			rec.Status = models.RecordStatusDeleted
		}
		if err := s.records.putTx(ctx, tx, rec); err != nil {
			return err
		}
		applied = true
		if deleted {
			return s.deleted.putTx(ctx, tx, &DeletedRecord{ID: rec.ID, DeletedAt: now})
		}
		return nil
	})
	return prev, applied, err
}

// IsRecordDeleted reports whether id is on the local deletion blocklist.
func (s *Store) IsRecordDeleted(ctx context.Context, id string) (bool, error) {
	_, err := s.deleted.Get(ctx, id)
	if errors.Is(err, common.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}
