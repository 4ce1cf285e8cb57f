// Package services implements the gateway use cases on top of the row
// repository and the notification hub.
package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/dmitrijs2005/fieldsync/internal/common"
	"github.com/dmitrijs2005/fieldsync/internal/dbx"
	"github.com/dmitrijs2005/fieldsync/internal/logging"
	"github.com/dmitrijs2005/fieldsync/internal/merge"
	"github.com/dmitrijs2005/fieldsync/internal/rpc"
	"github.com/dmitrijs2005/fieldsync/internal/server/models"
	"github.com/dmitrijs2005/fieldsync/internal/server/notify"
	"github.com/dmitrijs2005/fieldsync/internal/server/repositories/repomanager"
)

// maxBroadcastPayload keeps encoded broadcasts under the PostgreSQL
// NOTIFY payload limit of 8000 bytes.
const maxBroadcastPayload = 7000

var (
	ErrInvalidRequest  = errors.New("invalid request")
	ErrPayloadTooLarge = errors.New("broadcast payload too large")
)

// Subscriber hands out per-owner notification subscriptions.
type Subscriber interface {
	Subscribe(ownerID string) *notify.Subscription
}

type SyncService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	hub         Subscriber
	logger      logging.Logger
}

func NewSyncService(db *sql.DB, repomanager repomanager.RepositoryManager, hub Subscriber, l logging.Logger) *SyncService {
	return &SyncService{
		db:          db,
		repomanager: repomanager,
		hub:         hub,
		logger:      l.With("module", "sync"),
	}
}

// Ping checks that the database is reachable.
func (s *SyncService) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SyncService) Query(ctx context.Context, ownerID, table string, filter map[string]any) ([]rpc.Row, error) {
	if table == "" {
		return nil, fmt.Errorf("%w: table is required", ErrInvalidRequest)
	}
	return s.repomanager.Rows(s.db).Query(ctx, ownerID, table, filter)
}

func (s *SyncService) QueryByID(ctx context.Context, ownerID, table, id string) (*rpc.Row, error) {
	if table == "" || id == "" {
		return nil, fmt.Errorf("%w: table and id are required", ErrInvalidRequest)
	}
	return s.repomanager.Rows(s.db).Get(ctx, ownerID, table, id)
}

// Upsert stores row on behalf of sessionID. The stored row, with its new
// version, is returned. Watchers learn about the write through the change
// trigger once the transaction commits.
func (s *SyncService) Upsert(ctx context.Context, ownerID, sessionID string, row rpc.Row) (*rpc.Row, error) {
	if row.Table == "" || row.ID == "" {
		return nil, fmt.Errorf("%w: table and id are required", ErrInvalidRequest)
	}
	if sessionID != "" {
		row.UpdatedBy = sessionID
	}

	return dbx.WithTxValue(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) (*rpc.Row, error) {
		out, err := s.repomanager.Rows(tx).Upsert(ctx, ownerID, row)
		if err != nil {
			return nil, err
		}
		s.logger.Debug(ctx, "row stored", "table", out.Table, "id", out.ID, "version", out.Version)
		return out, nil
	})
}

// Broadcast relays payload to every watcher of topic under the same owner.
func (s *SyncService) Broadcast(ctx context.Context, ownerID, sessionID, topic string, payload json.RawMessage) error {
	if topic == "" {
		return fmt.Errorf("%w: topic is required", ErrInvalidRequest)
	}
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	b, err := json.Marshal(models.Broadcast{OwnerID: ownerID, Topic: topic, SessionID: sessionID, Payload: payload})
	if err != nil {
		return fmt.Errorf("encode broadcast: %w", err)
	}
	if len(b) > maxBroadcastPayload {
		return ErrPayloadTooLarge
	}
	return s.repomanager.Rows(s.db).Notify(ctx, models.ChannelBroadcast, string(b))
}

// Watch streams the owner's changes and broadcasts selected by req to send
// until ctx ends or send fails. It returns common.ErrUnavailable when the
// hub shuts down.
func (s *SyncService) Watch(ctx context.Context, ownerID string, req rpc.WatchRequest, send func(rpc.Event) error) error {
	sub := s.hub.Subscribe(ownerID)
	defer sub.Cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.C:
			if !ok {
				return common.ErrUnavailable
			}
			ev, ok, err := s.event(ctx, ownerID, req, msg)
			if err != nil {
				s.logger.Warn(ctx, "skipping notification", "error", err)
				continue
			}
			if !ok {
				continue
			}
			if err := send(ev); err != nil {
				return err
			}
		}
	}
}

func (s *SyncService) event(ctx context.Context, ownerID string, req rpc.WatchRequest, msg notify.Message) (rpc.Event, bool, error) {
	if b := msg.Broadcast; b != nil {
		if !slices.Contains(req.Topics, b.Topic) {
			return rpc.Event{}, false, nil
		}
		return rpc.Event{Kind: rpc.EventBroadcast, Topic: b.Topic, Payload: b.Payload}, true, nil
	}

	k := msg.Change
	if k == nil {
		return rpc.Event{}, false, nil
	}
	var filters []rpc.TableFilter
	for _, tf := range req.Tables {
		if tf.Table == k.Table {
			filters = append(filters, tf)
		}
	}
	if len(filters) == 0 {
		return rpc.Event{}, false, nil
	}

	row, err := s.repomanager.Rows(s.db).Get(ctx, ownerID, k.Table, k.ID)
	if errors.Is(err, common.ErrNotFound) {
		return rpc.Event{}, false, nil
	}
	if err != nil {
		return rpc.Event{}, false, err
	}
	for _, tf := range filters {
		if contains(row.Data, tf.Filter) {
			return rpc.Event{Kind: rpc.EventChange, Row: row}, true, nil
		}
	}
	return rpc.Event{}, false, nil
}

// contains reports whether every top-level key of filter holds an equal
// value in data.
func contains(data, filter map[string]any) bool {
	for k, want := range filter {
		if !merge.Equal(data[k], want) {
			return false
		}
	}
	return true
}
