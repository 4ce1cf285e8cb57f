package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dmitrijs2005/fieldsync/internal/client/broadcast"
	"github.com/dmitrijs2005/fieldsync/internal/client/models"
	"github.com/dmitrijs2005/fieldsync/internal/client/remote"
	"github.com/dmitrijs2005/fieldsync/internal/logging"
	"github.com/dmitrijs2005/fieldsync/internal/merge"
)

type memStore struct {
	mu       sync.Mutex
	payloads map[flightKey]*models.Payload
	deleted  map[string]bool
	headers  map[string]models.Record
}

func newMemStore() *memStore {
	return &memStore{
		payloads: make(map[flightKey]*models.Payload),
		deleted:  make(map[string]bool),
		headers:  make(map[string]models.Record),
	}
}

func (s *memStore) header(id string) (models.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.headers[id]
	return rec, ok
}

func (s *memStore) isDeleted(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleted[id]
}

func (s *memStore) put(stage models.Stage, id string, p models.Payload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.RecordID = id
	s.payloads[flightKey{id, stage}] = clonePayload(&p)
}

func (s *memStore) get(stage models.Stage, id string) *models.Payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payloads[flightKey{id, stage}]
	if !ok {
		return nil
	}
	return clonePayload(p)
}

func (s *memStore) UpdatePayload(ctx context.Context, stage models.Stage, id string, fn func(p *models.Payload) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payloads[flightKey{id, stage}]
	if ok {
		p = clonePayload(p)
	} else {
		p = &models.Payload{RecordID: id}
	}
	if err := fn(p); err != nil {
		return err
	}
	s.payloads[flightKey{id, stage}] = p
	return nil
}

func (s *memStore) DeletePayload(ctx context.Context, stage models.Stage, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.payloads[flightKey{id, stage}]
	delete(s.payloads, flightKey{id, stage})
	return ok, nil
}

func (s *memStore) ApplyRemoteHeader(ctx context.Context, rec *models.Record, deleted bool, now time.Time) (models.RecordStatus, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleted[rec.ID] {
		return "", false, nil
	}
	local, ok := s.headers[rec.ID]
	if ok && local.Version >= rec.Version {
		return local.Status, false, nil
	}
	if deleted {
		rec.Status = models.RecordStatusDeleted
		s.deleted[rec.ID] = true
	}
	s.headers[rec.ID] = *rec
	return local.Status, true, nil
}

func (s *memStore) IsRecordDeleted(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleted[id], nil
}

func clonePayload(p *models.Payload) *models.Payload {
	out := *p
	out.Sections = merge.CloneObject(p.Sections)
	out.Base = merge.CloneObject(p.Base)
	return &out
}

type recordingUI struct {
	merges   chan MergeApplied
	warnings chan CrossContextWarning
	switches chan SwitchView
}

func newRecordingUI() *recordingUI {
	return &recordingUI{
		merges:   make(chan MergeApplied, 16),
		warnings: make(chan CrossContextWarning, 16),
		switches: make(chan SwitchView, 16),
	}
}

func (u *recordingUI) ApplyMerge(ctx context.Context, ev MergeApplied)  { u.merges <- ev }
func (u *recordingUI) Warn(ctx context.Context, ev CrossContextWarning) { u.warnings <- ev }
func (u *recordingUI) SwitchView(ctx context.Context, ev SwitchView)    { u.switches <- ev }

// gatedSource counts payload fetches and, when gate is set, holds each one
// until gate yields.
type gatedSource struct {
	*remote.Memory
	fetches atomic.Int32
	entered chan struct{}
	gate    chan struct{}
}

func (s *gatedSource) QueryByID(ctx context.Context, table, id string) (*remote.Row, error) {
	s.fetches.Add(1)
	if s.entered != nil {
		s.entered <- struct{}{}
	}
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.Memory.QueryByID(ctx, table, id)
}

type fixture struct {
	c      *Coordinator
	source *gatedSource
	store  *memStore
	ui     *recordingUI
	hub    *broadcast.Hub
	peer   *broadcast.Bus
}

func newFixture(t *testing.T, tweak ...func(*Options)) *fixture {
	t.Helper()
	opts := Options{
		SessionID:        "self",
		FetchDelayMin:    time.Millisecond,
		FetchDelayMax:    2 * time.Millisecond,
		FetchTimeout:     2 * time.Second,
		ReconnectBackoff: 10 * time.Millisecond,
	}
	for _, fn := range tweak {
		fn(&opts)
	}

	f := &fixture{
		source: &gatedSource{Memory: remote.NewMemory()},
		store:  newMemStore(),
		ui:     newRecordingUI(),
		hub:    broadcast.NewHub(),
	}
	f.peer = broadcast.New(f.hub.Open("fieldsync"), logging.Nop())
	bus := broadcast.New(f.hub.Open("fieldsync"), logging.Nop())
	f.c = New(opts, f.source, f.store, f.ui, bus, logging.Nop())
	t.Cleanup(f.c.Close)
	return f
}

func (f *fixture) remoteRow(t *testing.T, table, id, by string, rev int64, data merge.Object) {
	t.Helper()
	if _, err := f.source.Memory.Upsert(context.Background(), remote.Row{Table: table, ID: id, UpdatedBy: by, Revision: rev, Data: data}); err != nil {
		t.Fatalf("seed remote row: %v", err)
	}
}

func (f *fixture) waitIdle(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for f.c.Status().InFlight > 0 {
		if time.Now().After(deadline) {
			t.Fatal("cycles did not finish")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		var zero T
		t.Fatalf("timed out waiting for %T", zero)
		return zero
	}
}

func none[T any](t *testing.T, ch <-chan T, within time.Duration) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected %T: %+v", v, v)
	case <-time.After(within):
	}
}
