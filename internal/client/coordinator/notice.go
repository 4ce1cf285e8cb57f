package coordinator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dmitrijs2005/fieldsync/internal/client/models"
	"github.com/dmitrijs2005/fieldsync/internal/client/remote"
)

// HandleNotice applies the notice guards in order and schedules a fetch
// and merge cycle for notices that pass:
//
//   - notices of this session are ignored;
//   - notices older than the last revision applied from their session are
//     dropped;
//   - notices about the record being edited are not merged. A terminal
//     notice for the draft being edited switches the view to the finalized
//     record, a notice about the other stage raises a warning and one about
//     the edited stage is skipped.
func (c *Coordinator) HandleNotice(ctx context.Context, n models.Notice) {
	if n.SessionID != "" && n.SessionID == c.opts.SessionID {
		c.logger.Debug(ctx, "ignoring own notice", "record_id", n.RecordID, "revision", n.Revision)
		return
	}
	if c.isStale(n) {
		c.logger.Debug(ctx, "dropping stale notice", "record_id", n.RecordID, "from", n.SessionID, "revision", n.Revision)
		return
	}

	active := c.ActiveRecord()
	if active.RecordID == n.RecordID {
		switch {
		case n.Terminal && active.Stage == models.StageDraft && n.Stage == models.StageRecord:
			c.scheduleTerminal(ctx, n)
		case n.Stage != active.Stage:
			c.warnLater(n, active.Stage)
		default:
			c.logger.Debug(ctx, "record open in editor, not merging", "record_id", n.RecordID)
		}
		return
	}

	c.schedule(n)
}

// scheduleTerminal schedules the draft → record transition of a record once.
// Later terminal notices for the same record are dropped.
func (c *Coordinator) scheduleTerminal(ctx context.Context, n models.Notice) {
	c.mu.Lock()
	_, seen := c.finalized[n.RecordID]
	c.finalized[n.RecordID] = struct{}{}
	c.mu.Unlock()
	if seen {
		c.logger.Debug(ctx, "finalize already handled", "record_id", n.RecordID)
		return
	}

	n.Stage = models.StageRecord
	n.Terminal = true
	c.schedule(n)
}

// forgetTerminal lets a failed transition be scheduled again.
func (c *Coordinator) forgetTerminal(recordID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.finalized, recordID)
}

func (c *Coordinator) isFinalized(recordID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.finalized[recordID]
	return ok
}

// warnLater raises a cross-context warning after the fetch delay. A finalize
// of the same record arrives as a burst of notices over both stages; the
// warning is dropped when the transition was scheduled meanwhile or the
// record is no longer being edited.
func (c *Coordinator) warnLater(n models.Notice, editing models.Stage) {
	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		if !c.sleep(c.opts.FetchDelayMin) {
			return
		}
		if c.isFinalized(n.RecordID) {
			c.logger.Debug(c.ctx, "record finalized, no warning", "record_id", n.RecordID)
			return
		}
		if c.ActiveRecord() != (Active{RecordID: n.RecordID, Stage: editing}) {
			return
		}
		c.ui.Warn(c.ctx, CrossContextWarning{
			RecordID:     n.RecordID,
			EditingStage: editing,
			NoticeStage:  n.Stage,
			SessionID:    n.SessionID,
		})
	}()
}

func (c *Coordinator) isStale(n models.Notice) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	last, ok := c.applied[appliedKey{n.RecordID, n.SessionID}]
	return ok && n.Revision < last
}

func (c *Coordinator) markApplied(n models.Notice) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := appliedKey{n.RecordID, n.SessionID}
	if last, ok := c.applied[k]; !ok || n.Revision > last {
		c.applied[k] = n.Revision
	}
}

// LastApplied returns the highest revision applied from a session for a
// record.
func (c *Coordinator) LastApplied(recordID, sessionID string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rev, ok := c.applied[appliedKey{recordID, sessionID}]
	return rev, ok
}

// NextRevision allocates a revision for a local write. Writers stamp it on
// the remote row and pass it to Emit, so change events and notices carry
// the same ordering.
func (c *Coordinator) NextRevision() int64 {
	return c.revision.Add(1)
}

// Write describes a local write to announce. A zero Revision allocates one.
type Write struct {
	RecordID string
	Stage    models.Stage
	Sections []string
	Revision int64
	Terminal bool
}

// Emit announces a local write to peers: on the remote broadcast topic and
// on the local bus. Both are best effort; failures are logged only.
func (c *Coordinator) Emit(ctx context.Context, w Write) models.Notice {
	if w.Revision == 0 {
		w.Revision = c.NextRevision()
	}
	n := models.Notice{
		SessionID: c.opts.SessionID,
		RecordID:  w.RecordID,
		Stage:     w.Stage,
		Sections:  w.Sections,
		Revision:  w.Revision,
		Timestamp: time.Now().UTC(),
		Terminal:  w.Terminal,
	}

	if data, err := json.Marshal(n); err == nil {
		if err := c.source.SendBroadcast(ctx, remote.NoticeTopic, data); err != nil {
			c.logger.Debug(ctx, "remote broadcast failed", "record_id", n.RecordID, "error", err)
		}
	}
	if err := c.bus.Send(n); err != nil {
		c.logger.Debug(ctx, "local broadcast failed", "record_id", n.RecordID, "error", err)
	}
	return n
}
