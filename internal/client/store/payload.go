package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/fieldsync/internal/client/models"
	"github.com/dmitrijs2005/fieldsync/internal/common"
	"github.com/dmitrijs2005/fieldsync/internal/dbx"
)

// LoadPayload returns the payload of a record at the given stage.
func (s *Store) LoadPayload(ctx context.Context, stage models.Stage, recordID string) (*models.Payload, error) {
	var out *models.Payload
	err := s.withTx(ctx, "load_payload", stageCollection(stage), func(ctx context.Context, tx dbx.DBTX) error {
		p, err := s.getPayloadTx(ctx, tx, stage, recordID)
		out = p
		return err
	})
	return out, err
}

// UpdatePayload reads the payload of a record at stage, lets fn modify it
// and writes it back, all in one transaction. A missing payload is passed
// to fn as an empty one. Returning an error from fn aborts the update.
func (s *Store) UpdatePayload(ctx context.Context, stage models.Stage, recordID string, fn func(p *models.Payload) error) error {
	return s.withTx(ctx, "update_payload", stageCollection(stage), func(ctx context.Context, tx dbx.DBTX) error {
		p, err := s.getPayloadTx(ctx, tx, stage, recordID)
		if errors.Is(err, common.ErrNotFound) {
			p = &models.Payload{RecordID: recordID}
		} else if err != nil {
			return err
		}

		if err := fn(p); err != nil {
			return err
		}
		p.RecordID = recordID
		return s.putPayloadTx(ctx, tx, stage, p)
	})
}

// DeletePayload removes the payload of a record at stage and reports
// whether there was one.
func (s *Store) DeletePayload(ctx context.Context, stage models.Stage, recordID string) (bool, error) {
	var n int64
	err := s.withTx(ctx, "delete_payload", stageCollection(stage), func(ctx context.Context, tx dbx.DBTX) error {
		var err error
		switch stage {
		case models.StageDraft:
			n, err = s.drafts.deleteByTx(ctx, tx, "id", recordID)
		case models.StageRecord:
			n, err = s.payloads.deleteByTx(ctx, tx, "id", recordID)
		default:
			err = fmt.Errorf("unknown stage %q", stage)
		}
		return err
	})
	return n > 0, err
}

func (s *Store) getPayloadTx(ctx context.Context, tx dbx.DBTX, stage models.Stage, recordID string) (*models.Payload, error) {
	switch stage {
	case models.StageDraft:
		d, err := s.drafts.getTx(ctx, tx, recordID)
		if err != nil {
			return nil, err
		}
		return &d.Payload, nil
	case models.StageRecord:
		p, err := s.payloads.getTx(ctx, tx, recordID)
		if err != nil {
			return nil, err
		}
		return &p.Payload, nil
	default:
		return nil, fmt.Errorf("unknown stage %q", stage)
	}
}

func (s *Store) putPayloadTx(ctx context.Context, tx dbx.DBTX, stage models.Stage, p *models.Payload) error {
	switch stage {
	case models.StageDraft:
		d, err := s.drafts.getTx(ctx, tx, p.RecordID)
		if errors.Is(err, common.ErrNotFound) {
			d = &models.Draft{StartedAt: p.UpdatedAt}
		} else if err != nil {
			return err
		}
		d.Payload = *p
		return s.drafts.putTx(ctx, tx, d)
	case models.StageRecord:
		return s.payloads.putTx(ctx, tx, &models.RecordPayload{Payload: *p})
	default:
		return fmt.Errorf("unknown stage %q", stage)
	}
}

// Finalize turns the draft of a record into its finalized payload and marks
// the record submitted, in one transaction.
func (s *Store) Finalize(ctx context.Context, recordID string, fn func(rec *models.Record, p *models.Payload) error) error {
	return s.withTx(ctx, "finalize", CollectionDrafts, func(ctx context.Context, tx dbx.DBTX) error {
		d, err := s.drafts.getTx(ctx, tx, recordID)
		if err != nil {
			return err
		}
		rec, err := s.records.getTx(ctx, tx, recordID)
		if err != nil {
			return err
		}

		p := d.Payload
		if err := fn(rec, &p); err != nil {
			return err
		}
		rec.Status = models.RecordStatusSubmitted

		if err := s.records.putTx(ctx, tx, rec); err != nil {
			return err
		}
		if err := s.payloads.putTx(ctx, tx, &models.RecordPayload{Payload: p}); err != nil {
			return err
		}
		return s.drafts.deleteTx(ctx, tx, recordID)
	})
}

func stageCollection(stage models.Stage) string {
	if stage == models.StageDraft {
		return CollectionDrafts
	}
	return CollectionRecordPayloads
}
