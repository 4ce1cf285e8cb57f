package remote

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dmitrijs2005/fieldsync/internal/common"
	"github.com/dmitrijs2005/fieldsync/internal/merge"
)

// Memory is an in-process Source. Rows and broadcasts are shared by every
// user of the same Memory, which makes it usable as a stand-in gateway for
// several coordinators in one process.
type Memory struct {
	mu      sync.Mutex
	rows    map[string]map[string]Row
	feeds   map[*memoryFeed]struct{}
	offline bool
	now     func() time.Time
}

type memoryFeed struct {
	sub      *subscription
	table    string
	filter   map[string]any
	topic    string
	onChange func(Row)
	onNotice func([]byte)
}

func NewMemory() *Memory {
	return &Memory{
		rows:  make(map[string]map[string]Row),
		feeds: make(map[*memoryFeed]struct{}),
		now:   time.Now,
	}
}

// SetOnline toggles reachability. Going offline ends every open feed with
// common.ErrUnavailable.
func (m *Memory) SetOnline(online bool) {
	m.mu.Lock()
	m.offline = !online
	var ended []*memoryFeed
	if !online {
		for f := range m.feeds {
			ended = append(ended, f)
		}
		m.feeds = make(map[*memoryFeed]struct{})
	}
	m.mu.Unlock()

	for _, f := range ended {
		f.sub.finish(common.ErrUnavailable)
	}
}

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return common.ErrUnavailable
	}
	return nil
}

func (m *Memory) Query(ctx context.Context, table string, filter map[string]any) ([]Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return nil, common.ErrUnavailable
	}

	var out []Row
	for _, r := range m.rows[table] {
		if contains(r.Data, filter) {
			out = append(out, cloneRow(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) QueryByID(ctx context.Context, table, id string) (*Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return nil, common.ErrUnavailable
	}

	r, ok := m.rows[table][id]
	if !ok {
		return nil, common.ErrNotFound
	}
	r = cloneRow(r)
	return &r, nil
}

// Upsert stores row with the next version. A write from the same session
// carrying an older revision than the stored one is rejected with
// common.ErrVersionConflict.
func (m *Memory) Upsert(ctx context.Context, row Row) (*Row, error) {
	m.mu.Lock()
	if m.offline {
		m.mu.Unlock()
		return nil, common.ErrUnavailable
	}

	tbl := m.rows[row.Table]
	if tbl == nil {
		tbl = make(map[string]Row)
		m.rows[row.Table] = tbl
	}
	prev, exists := tbl[row.ID]
	if exists && prev.UpdatedBy == row.UpdatedBy && row.Revision < prev.Revision {
		m.mu.Unlock()
		return nil, common.ErrVersionConflict
	}

	row = cloneRow(row)
	row.Version = prev.Version + 1
	row.UpdatedAt = m.now().UTC()
	tbl[row.ID] = row

	var targets []*memoryFeed
	for f := range m.feeds {
		if f.onChange != nil && f.table == row.Table && contains(row.Data, f.filter) {
			targets = append(targets, f)
		}
	}
	m.mu.Unlock()

	for _, f := range targets {
		f.onChange(cloneRow(row))
	}
	out := cloneRow(row)
	return &out, nil
}

func (m *Memory) SendBroadcast(ctx context.Context, topic string, payload []byte) error {
	m.mu.Lock()
	if m.offline {
		m.mu.Unlock()
		return common.ErrUnavailable
	}
	var targets []*memoryFeed
	for f := range m.feeds {
		if f.onNotice != nil && f.topic == topic {
			targets = append(targets, f)
		}
	}
	m.mu.Unlock()

	for _, f := range targets {
		f.onNotice(append([]byte(nil), payload...))
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, table string, filter map[string]any, onChange func(Row)) (Subscription, error) {
	return m.addFeed(ctx, &memoryFeed{table: table, filter: filter, onChange: onChange})
}

func (m *Memory) OnBroadcast(ctx context.Context, topic string, handler func([]byte)) (Subscription, error) {
	return m.addFeed(ctx, &memoryFeed{topic: topic, onNotice: handler})
}

func (m *Memory) Unsubscribe(sub Subscription) error {
	sub.Close()
	return nil
}

func (m *Memory) addFeed(ctx context.Context, f *memoryFeed) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return nil, common.ErrUnavailable
	}

	ctx, cancel := context.WithCancel(ctx)
	f.sub = newSubscription(cancel)
	m.feeds[f] = struct{}{}

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.feeds, f)
		m.mu.Unlock()
		f.sub.finish(nil)
	}()
	return f.sub, nil
}

// contains reports whether every top-level key of filter is present in data
// with an equal value.
func contains(data, filter map[string]any) bool {
	for k, want := range filter {
		got, ok := data[k]
		if !ok || !merge.Equal(got, want) {
			return false
		}
	}
	return true
}

func cloneRow(r Row) Row {
	r.Data = merge.CloneObject(r.Data)
	return r
}
