package coordinator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/dmitrijs2005/fieldsync/internal/client/models"
	"github.com/dmitrijs2005/fieldsync/internal/client/remote"
)

// SubState is the state of one remote feed.
type SubState string

const (
	SubInactive    SubState = "inactive"
	SubSubscribing SubState = "subscribing"
	SubActive      SubState = "active"
	SubError       SubState = "error"
	SubClosed      SubState = "closed"
)

// Feed names.
const (
	FeedRecords  = "changes:" + remote.TableRecords
	FeedDrafts   = "changes:" + remote.TableDrafts
	FeedPayloads = "changes:" + remote.TablePayloads
	FeedNotices  = "broadcast:" + remote.NoticeTopic
)

type openFunc func(ctx context.Context) (remote.Subscription, error)

// subscription keeps one remote feed alive: it moves inactive → subscribing
// → active, and on failure through error back to inactive, retrying after
// the reconnect backoff until stopped.
type subscription struct {
	name    string
	open    openFunc
	backoff time.Duration
	observe func(name string, state SubState)

	mu     sync.Mutex
	state  SubState
	cancel context.CancelFunc
	// gen identifies the current keep-alive loop; a loop that was stopped
	// may still be winding down and must not report states any more.
	gen int
}

func (s *subscription) currentState() SubState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *subscription) setState(gen int, st SubState) {
	s.mu.Lock()
	if gen != s.gen || s.state == st {
		s.mu.Unlock()
		return
	}
	s.state = st
	s.mu.Unlock()
	if s.observe != nil {
		s.observe(s.name, st)
	}
}

// start launches the keep-alive loop unless one is live.
func (s *subscription) start(parent context.Context, wg *sync.WaitGroup, c *Coordinator) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.run(ctx, gen, c)
	}()
}

// stop ends the live loop. Its feed is closed and the state goes to closed
// and then inactive.
func (s *subscription) stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *subscription) run(ctx context.Context, gen int, c *Coordinator) {
	defer s.setState(gen, SubInactive)

	for {
		s.setState(gen, SubSubscribing)
		sub, err := s.open(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.setState(gen, SubClosed)
				return
			}
			c.logger.Warn(ctx, "subscription failed", "feed", s.name, "error", err)
		} else {
			s.setState(gen, SubActive)
			c.logger.Debug(ctx, "subscription active", "feed", s.name)

			select {
			case <-ctx.Done():
				sub.Close()
				s.setState(gen, SubClosed)
				return
			case <-sub.Done():
				sub.Close()
			}
			if ctx.Err() != nil {
				s.setState(gen, SubClosed)
				return
			}
			c.logger.Warn(ctx, "subscription lost", "feed", s.name, "error", sub.Err())
		}

		s.setState(gen, SubError)
		s.setState(gen, SubInactive)
		if !s.wait(ctx) {
			return
		}
	}
}

func (s *subscription) wait(ctx context.Context) bool {
	t := time.NewTimer(s.backoff)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// reconcileLocked starts the remote feeds when online and visible and stops
// them otherwise. The caller holds c.mu.
func (c *Coordinator) reconcileLocked() {
	if !c.listening || c.ctx.Err() != nil {
		return
	}
	if len(c.subs) == 0 {
		c.initFeedsLocked()
	}

	want := c.online && c.visible
	for _, s := range c.subs {
		if want {
			s.start(c.ctx, &c.wg, c)
		} else {
			s.stop()
		}
	}
}

func (c *Coordinator) initFeedsLocked() {
	newSub := func(name string, open openFunc) *subscription {
		return &subscription{
			name:    name,
			open:    open,
			backoff: c.opts.ReconnectBackoff,
			observe: c.opts.OnSubscriptionState,
			state:   SubInactive,
		}
	}

	c.subs[FeedRecords] = newSub(FeedRecords, func(ctx context.Context) (remote.Subscription, error) {
		return c.source.Subscribe(ctx, remote.TableRecords, c.opts.Filter, func(row remote.Row) {
			c.onRecordChange(ctx, row)
		})
	})
	for feed, table := range map[string]string{FeedDrafts: remote.TableDrafts, FeedPayloads: remote.TablePayloads} {
		table := table
		c.subs[feed] = newSub(feed, func(ctx context.Context) (remote.Subscription, error) {
			return c.source.Subscribe(ctx, table, c.opts.Filter, func(row remote.Row) {
				c.onRemoteChange(ctx, row)
			})
		})
	}
	c.subs[FeedNotices] = newSub(FeedNotices, func(ctx context.Context) (remote.Subscription, error) {
		return c.source.OnBroadcast(ctx, remote.NoticeTopic, func(payload []byte) {
			c.onRemoteBroadcast(ctx, payload)
		})
	})
}

func (c *Coordinator) onRemoteChange(ctx context.Context, row remote.Row) {
	stage, ok := StageForTable(row.Table)
	if !ok {
		return
	}
	c.HandleNotice(ctx, models.Notice{
		SessionID: row.UpdatedBy,
		RecordID:  row.ID,
		Stage:     stage,
		Revision:  row.Revision,
		Timestamp: row.UpdatedAt,
	})
}

// onRecordChange keeps the local record headers in step with the remote.
// A deleted header puts the record on the local deletion blocklist, and a
// header turning submitted completes the finalize of a local draft.
func (c *Coordinator) onRecordChange(ctx context.Context, row remote.Row) {
	if row.UpdatedBy != "" && row.UpdatedBy == c.opts.SessionID {
		return
	}

	var rec models.Record
	data, err := json.Marshal(row.Data)
	if err == nil {
		err = json.Unmarshal(data, &rec)
	}
	if err != nil {
		c.logger.Warn(ctx, "dropping malformed record header", "record_id", row.ID, "error", err)
		return
	}
	rec.ID = row.ID
	rec.Version = row.Version

	prev, applied, err := c.store.ApplyRemoteHeader(ctx, &rec, row.Deleted, time.Now().UTC())
	if err != nil {
		c.logger.Warn(ctx, "record header not stored", "record_id", row.ID, "error", err)
		return
	}
	if !applied {
		return
	}

	switch {
	case row.Deleted:
		c.logger.Info(ctx, "record deleted remotely", "record_id", row.ID, "from", row.UpdatedBy)
	case rec.Status == models.RecordStatusSubmitted && prev != models.RecordStatusSubmitted:
		c.scheduleTerminal(ctx, models.Notice{
			SessionID: row.UpdatedBy,
			RecordID:  row.ID,
			Stage:     models.StageRecord,
			Revision:  row.Revision,
			Timestamp: row.UpdatedAt,
			Terminal:  true,
		})
	}
}

func (c *Coordinator) onRemoteBroadcast(ctx context.Context, payload []byte) {
	var n models.Notice
	if err := json.Unmarshal(payload, &n); err != nil || n.RecordID == "" {
		c.logger.Debug(ctx, "dropping malformed broadcast", "size", len(payload))
		return
	}
	c.HandleNotice(ctx, n)
}
