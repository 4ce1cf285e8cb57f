package remote

import (
	"context"
	"sync"

	"github.com/dmitrijs2005/fieldsync/internal/rpc"
)

// Synchronized tables.
const (
	TableRecords  = "records"
	TablePayloads = "record_payloads"
	TableDrafts   = "drafts"
)

// Reference tables, read into the device cache on demand.
const (
	TableProjects = "projects"
	TableProfiles = "user_profiles"
	TableArchive  = "archive_entries"
)

// NoticeTopic is the broadcast topic carrying change notices between devices.
const NoticeTopic = "record_changes"

// Row is one row of a synchronized table.
type Row = rpc.Row

// Source is the remote source of truth.
type Source interface {
	Query(ctx context.Context, table string, filter map[string]any) ([]Row, error)
	// QueryByID returns common.ErrNotFound when the row does not exist.
	QueryByID(ctx context.Context, table, id string) (*Row, error)
	// Upsert writes row and returns it as stored, with the new version.
	Upsert(ctx context.Context, row Row) (*Row, error)
	// Subscribe calls onChange for every change of a row in table whose
	// data contains filter, until the subscription ends.
	Subscribe(ctx context.Context, table string, filter map[string]any, onChange func(Row)) (Subscription, error)
	Unsubscribe(sub Subscription) error
	SendBroadcast(ctx context.Context, topic string, payload []byte) error
	OnBroadcast(ctx context.Context, topic string, handler func(payload []byte)) (Subscription, error)
	Ping(ctx context.Context) error
}

// Subscription is a live change or broadcast feed.
type Subscription interface {
	// Done is closed when the feed ends, by Close or by failure.
	Done() <-chan struct{}
	// Err reports why the feed ended; nil after Close.
	Err() error
	Close()
}

type subscription struct {
	done   chan struct{}
	cancel context.CancelFunc

	once sync.Once
	mu   sync.Mutex
	err  error
}

func newSubscription(cancel context.CancelFunc) *subscription {
	return &subscription{done: make(chan struct{}), cancel: cancel}
}

func (s *subscription) Done() <-chan struct{} { return s.done }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Close() { s.finish(nil) }

func (s *subscription) finish(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		if s.cancel != nil {
			s.cancel()
		}
		close(s.done)
	})
}
