package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dmitrijs2005/fieldsync/internal/client/models"
	"github.com/dmitrijs2005/fieldsync/internal/dbx"
	"github.com/dmitrijs2005/fieldsync/internal/merge"
)

// Legacy key prefixes of the flat key/value layout used by older releases.
const (
	legacyRecordPrefix  = "report:"
	legacyPayloadPrefix = "report_data:"
	legacyDraftPrefix   = "draft:"
	legacyProjectPrefix = "project:"
	legacyPhotoPrefix   = "photo:"
	legacyArchivePrefix = "archive:"
	legacyProfileKey    = "user_profile"
)

// LegacySource yields the flat key/value entries of an older install.
type LegacySource interface {
	Entries(ctx context.Context) (map[string]json.RawMessage, error)
}

// LegacyFile reads a flat JSON object dumped by older releases.
// A missing file means there is nothing to migrate.
type LegacyFile struct {
	Path string
}

func (f LegacyFile) Entries(ctx context.Context) (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read legacy file: %w", err)
	}
	var entries map[string]json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse legacy file: %w", err)
	}
	return entries, nil
}

// LegacyReport summarizes a legacy migration run.
type LegacyReport struct {
	AlreadyDone bool
	Imported    map[string]int
	Existing    int
	Skipped     []string
}

// MigrateLegacy imports the legacy entries into the collections once. It
// runs in a single transaction that also sets FlagLegacyMigrated, so a
// crash leaves either nothing or everything imported. Malformed entries are
// skipped and reported; entries whose id already exists locally are left
// alone.
func (s *Store) MigrateLegacy(ctx context.Context, src LegacySource) (LegacyReport, error) {
	report := LegacyReport{Imported: make(map[string]int)}

	done, err := s.flags.IsSet(ctx, FlagLegacyMigrated)
	if err != nil {
		return report, err
	}
	if done {
		report.AlreadyDone = true
		return report, nil
	}

	entries, err := src.Entries(ctx)
	if err != nil {
		return report, err
	}

	err = s.withTx(ctx, "migrate_legacy", "", func(ctx context.Context, tx dbx.DBTX) error {
		for key, raw := range entries {
			collection, wrote, err := s.importLegacyTx(ctx, tx, key, raw)
			switch {
			case errors.Is(err, errMalformed):
				report.Skipped = append(report.Skipped, key)
				continue
			case err != nil:
				return err
			case collection == "":
				continue
			case wrote:
				report.Imported[collection]++
			default:
				report.Existing++
			}
		}
		return setFlagTx(ctx, tx, FlagLegacyMigrated, []byte("1"))
	})
	if err != nil {
		return LegacyReport{Imported: map[string]int{}}, err
	}

	s.logger.Info(ctx, "legacy data migrated", "imported", report.Imported, "skipped", len(report.Skipped))
	return report, nil
}

var errMalformed = errors.New("malformed legacy entry")

// importLegacyTx returns the target collection ("" for unknown keys) and
// whether a row was written.
func (s *Store) importLegacyTx(ctx context.Context, tx dbx.DBTX, key string, raw json.RawMessage) (string, bool, error) {
	switch {
	case strings.HasPrefix(key, legacyPayloadPrefix):
		id := strings.TrimPrefix(key, legacyPayloadPrefix)
		sections, err := legacySections(id, raw)
		if err != nil {
			return "", false, err
		}
		p := &models.RecordPayload{Payload: models.Payload{RecordID: id, Sections: sections}}
		wrote, err := s.payloads.putIfAbsentTx(ctx, tx, p)
		return CollectionRecordPayloads, wrote, err

	case strings.HasPrefix(key, legacyRecordPrefix):
		var r models.Record
		id := strings.TrimPrefix(key, legacyRecordPrefix)
		if err := decodeLegacy(raw, &r, &r.ID, id); err != nil {
			return "", false, err
		}
		if r.Status == "" {
			r.Status = models.RecordStatusDraft
		}
		wrote, err := s.records.putIfAbsentTx(ctx, tx, &r)
		return CollectionRecords, wrote, err

	case strings.HasPrefix(key, legacyDraftPrefix):
		id := strings.TrimPrefix(key, legacyDraftPrefix)
		sections, err := legacySections(id, raw)
		if err != nil {
			return "", false, err
		}
		d := &models.Draft{Payload: models.Payload{RecordID: id, Sections: sections}, StartedAt: time.Now().UTC()}
		wrote, err := s.drafts.putIfAbsentTx(ctx, tx, d)
		return CollectionDrafts, wrote, err

	case strings.HasPrefix(key, legacyProjectPrefix):
		var p models.Project
		if err := decodeLegacy(raw, &p, &p.ID, strings.TrimPrefix(key, legacyProjectPrefix)); err != nil {
			return "", false, err
		}
		wrote, err := s.projects.putIfAbsentTx(ctx, tx, &p)
		return CollectionProjects, wrote, err

	case strings.HasPrefix(key, legacyPhotoPrefix):
		var p models.Photo
		if err := decodeLegacy(raw, &p, &p.ID, strings.TrimPrefix(key, legacyPhotoPrefix)); err != nil {
			return "", false, err
		}
		if p.RecordID == "" {
			return "", false, errMalformed
		}
		if p.Status == "" {
			p.Status = models.PhotoStatusPending
		}
		wrote, err := s.photos.putIfAbsentTx(ctx, tx, &p)
		return CollectionPhotos, wrote, err

	case strings.HasPrefix(key, legacyArchivePrefix):
		var a models.ArchiveEntry
		if err := decodeLegacy(raw, &a, &a.ID, strings.TrimPrefix(key, legacyArchivePrefix)); err != nil {
			return "", false, err
		}
		wrote, err := s.archive.putIfAbsentTx(ctx, tx, &a)
		return CollectionArchive, wrote, err

	case key == legacyProfileKey:
		var p models.UserProfile
		if err := json.Unmarshal(raw, &p); err != nil {
			return "", false, errMalformed
		}
		p.ID = models.UserProfileID
		wrote, err := s.profile.putIfAbsentTx(ctx, tx, &p)
		return CollectionUserProfile, wrote, err
	}
	return "", false, nil
}

// decodeLegacy unmarshals raw into v and fills its id from the key when
// the value lacks one.
func decodeLegacy(raw json.RawMessage, v any, id *string, keyID string) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return errMalformed
	}
	if *id == "" {
		*id = keyID
	}
	if *id == "" {
		return errMalformed
	}
	return nil
}

func legacySections(id string, raw json.RawMessage) (merge.Object, error) {
	if id == "" {
		return nil, errMalformed
	}
	var sections map[string]any
	if err := json.Unmarshal(raw, &sections); err != nil || sections == nil {
		return nil, errMalformed
	}
	return sections, nil
}
