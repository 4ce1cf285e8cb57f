package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/fieldsync/internal/client/models"
	"github.com/dmitrijs2005/fieldsync/internal/client/remote"
	"github.com/dmitrijs2005/fieldsync/internal/common"
	"github.com/dmitrijs2005/fieldsync/internal/merge"
)

// TableForStage maps a payload stage to its remote table.
func TableForStage(stage models.Stage) string {
	if stage == models.StageDraft {
		return remote.TableDrafts
	}
	return remote.TablePayloads
}

// StageForTable maps a remote payload table to its stage.
func StageForTable(table string) (models.Stage, bool) {
	switch table {
	case remote.TableDrafts:
		return models.StageDraft, true
	case remote.TablePayloads:
		return models.StageRecord, true
	}
	return "", false
}

// cycle fetches the remote payload named by n and merges it into the local
// copy. Superseded results are discarded by re-checking the notice revision
// once the fetch returns.
func (c *Coordinator) cycle(ctx context.Context, n models.Notice) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.FetchTimeout)
	defer cancel()

	if c.isStale(n) {
		return nil
	}
	deleted, err := c.store.IsRecordDeleted(ctx, n.RecordID)
	if err != nil {
		return err
	}
	if deleted {
		c.logger.Debug(ctx, "record deleted locally, not merging", "record_id", n.RecordID)
		return nil
	}

	row, err := c.source.QueryByID(ctx, TableForStage(n.Stage), n.RecordID)
	if errors.Is(err, common.ErrNotFound) {
		c.logger.Debug(ctx, "remote payload missing", "record_id", n.RecordID, "stage", n.Stage)
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrFetchFailed, err)
	}
	if row.Deleted {
		if n.Stage == models.StageDraft {
			return c.dropDraft(ctx, n)
		}
		c.logger.Debug(ctx, "remote payload deleted", "record_id", n.RecordID, "stage", n.Stage)
		return nil
	}
	remoteSections, err := merge.NormalizeObject(row.Data)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrFetchFailed, err)
	}

	if c.isStale(n) {
		c.logger.Debug(ctx, "discarding superseded fetch", "record_id", n.RecordID, "revision", n.Revision)
		return nil
	}
	// The record may have been opened while the fetch was pending.
	if c.ActiveRecord() == (Active{RecordID: n.RecordID, Stage: n.Stage}) {
		c.logger.Debug(ctx, "record open in editor, not merging", "record_id", n.RecordID, "stage", n.Stage)
		return nil
	}

	var res merge.Result
	err = c.store.UpdatePayload(ctx, n.Stage, n.RecordID, func(p *models.Payload) error {
		res = merge.SectionMerge(merge.Input{
			Base:       p.Base,
			Local:      p.Sections,
			Remote:     remoteSections,
			Tombstones: p.TombstoneSets(),
		}, c.opts.Sections)

		p.Sections = res.Merged
		p.Base = merge.CloneObject(remoteSections)
		p.SetTombstones(res.Tombstones)
		p.RemoteVersion = row.Version
		p.UpdatedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		return err
	}
	c.markApplied(n)

	c.logger.Debug(ctx, "merge applied", "record_id", n.RecordID, "stage", n.Stage,
		"changed", res.Changed, "conflicts", len(res.Conflicts))

	if n.Terminal {
		switched, err := c.completeFinalize(ctx, n, res.Merged)
		if err != nil || switched {
			return err
		}
	}

	if res.HasChanges() || len(res.Conflicts) > 0 {
		c.ui.ApplyMerge(ctx, MergeApplied{
			RecordID:  n.RecordID,
			Stage:     n.Stage,
			Sections:  res.Merged,
			Changed:   res.Changed,
			Conflicts: res.Conflicts,
			Revision:  n.Revision,
		})
	}
	if res.HasChanges() {
		if err := c.bus.Send(n); err != nil {
			c.logger.Debug(ctx, "local broadcast failed", "record_id", n.RecordID, "error", err)
		}
	}
	return nil
}

// completeFinalize removes the local draft of a record finalized by another
// session. When that draft is open in the editor the page is switched to
// the finalized record. A draft already gone means the transition was
// applied before and nothing is switched.
func (c *Coordinator) completeFinalize(ctx context.Context, n models.Notice, sections merge.Object) (bool, error) {
	c.mu.Lock()
	c.finalized[n.RecordID] = struct{}{}
	c.mu.Unlock()

	existed, err := c.store.DeletePayload(ctx, models.StageDraft, n.RecordID)
	if err != nil {
		return false, err
	}
	if !existed || c.ActiveRecord() != (Active{RecordID: n.RecordID, Stage: models.StageDraft}) {
		return false, nil
	}

	c.ui.SwitchView(ctx, SwitchView{
		RecordID: n.RecordID,
		From:     models.StageDraft,
		To:       models.StageRecord,
		Sections: sections,
	})
	return true, nil
}

// dropDraft handles a draft deleted remotely, which is how a finalize shows
// up on the drafts table. A draft open in the editor goes through the
// terminal transition instead of disappearing under it.
func (c *Coordinator) dropDraft(ctx context.Context, n models.Notice) error {
	if c.ActiveRecord() == (Active{RecordID: n.RecordID, Stage: models.StageDraft}) {
		c.scheduleTerminal(ctx, n)
		return nil
	}
	existed, err := c.store.DeletePayload(ctx, models.StageDraft, n.RecordID)
	if err != nil {
		return err
	}
	c.markApplied(n)
	if existed {
		c.logger.Debug(ctx, "draft removed remotely", "record_id", n.RecordID)
	}
	return nil
}
