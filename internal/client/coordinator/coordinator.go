package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmitrijs2005/fieldsync/internal/client/models"
	"github.com/dmitrijs2005/fieldsync/internal/client/remote"
	"github.com/dmitrijs2005/fieldsync/internal/logging"
	"github.com/dmitrijs2005/fieldsync/internal/merge"
)

const (
	DefaultFetchDelayMin    = 500 * time.Millisecond
	DefaultFetchDelayMax    = 800 * time.Millisecond
	DefaultFetchTimeout     = 15 * time.Second
	DefaultReconnectBackoff = 2 * time.Second
)

// Store is the part of the local store the coordinator needs.
type Store interface {
	UpdatePayload(ctx context.Context, stage models.Stage, recordID string, fn func(p *models.Payload) error) error
	DeletePayload(ctx context.Context, stage models.Stage, recordID string) (bool, error)
	IsRecordDeleted(ctx context.Context, id string) (bool, error)
	ApplyRemoteHeader(ctx context.Context, rec *models.Record, deleted bool, now time.Time) (models.RecordStatus, bool, error)
}

// Bus is the local cross-tab notice channel.
type Bus interface {
	Send(n models.Notice) error
	Listen(fn func(models.Notice)) (cancel func())
}

// Applier is the page layer. It is called from background goroutines.
type Applier interface {
	ApplyMerge(ctx context.Context, ev MergeApplied)
	Warn(ctx context.Context, ev CrossContextWarning)
	SwitchView(ctx context.Context, ev SwitchView)
}

// MergeApplied reports a completed merge into the local copy.
type MergeApplied struct {
	RecordID  string           `json:"record_id"`
	Stage     models.Stage     `json:"stage"`
	Sections  merge.Object     `json:"sections"`
	Changed   []string         `json:"changed"`
	Conflicts []merge.Conflict `json:"conflicts,omitempty"`
	Revision  int64            `json:"revision"`
}

// CrossContextWarning tells the page that another session changed the
// other stage of the record being edited.
type CrossContextWarning struct {
	RecordID     string       `json:"record_id"`
	EditingStage models.Stage `json:"editing_stage"`
	NoticeStage  models.Stage `json:"notice_stage"`
	SessionID    string       `json:"session_id"`
}

// SwitchView directs the page from the draft being edited to the record
// finalized elsewhere.
type SwitchView struct {
	RecordID string       `json:"record_id"`
	From     models.Stage `json:"from"`
	To       models.Stage `json:"to"`
	Sections merge.Object `json:"sections"`
}

// Options configures a Coordinator. Zero values take the package defaults.
type Options struct {
	SessionID string
	// Sections declares the payload merge strategies.
	Sections      []merge.Section
	FetchDelayMin time.Duration
	FetchDelayMax time.Duration
	FetchTimeout  time.Duration
	// ReconnectBackoff is the pause before a failed subscription is retried.
	ReconnectBackoff time.Duration
	// Filter restricts the remote change subscriptions.
	Filter map[string]any
	// OnSubscriptionState observes subscription state transitions.
	OnSubscriptionState func(name string, state SubState)
	// OnOnline runs in the background each time connectivity comes back.
	OnOnline func(ctx context.Context)
}

func (o *Options) applyDefaults() {
	if o.Sections == nil {
		o.Sections = models.PayloadSections
	}
	if o.FetchDelayMin <= 0 {
		o.FetchDelayMin = DefaultFetchDelayMin
	}
	if o.FetchDelayMax < o.FetchDelayMin {
		o.FetchDelayMax = o.FetchDelayMin
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = DefaultFetchTimeout
	}
	if o.ReconnectBackoff <= 0 {
		o.ReconnectBackoff = DefaultReconnectBackoff
	}
}

// Active identifies the record open for editing in this session.
type Active struct {
	RecordID string       `json:"record_id,omitempty"`
	Stage    models.Stage `json:"stage,omitempty"`
}

type appliedKey struct {
	recordID  string
	sessionID string
}

// Coordinator is safe for concurrent use.
type Coordinator struct {
	opts   Options
	source remote.Source
	store  Store
	ui     Applier
	bus    Bus
	logger logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	revision atomic.Int64

	mu      sync.Mutex
	applied map[appliedKey]int64
	flights map[flightKey]*flight
	// finalized holds records whose draft → record transition has been
	// scheduled or applied here.
	finalized map[string]struct{}
	active    Active
	online    bool
	visible   bool
	subs      map[string]*subscription
	stopBus   func()
	listening bool
}

func New(opts Options, source remote.Source, store Store, ui Applier, bus Bus, l logging.Logger) *Coordinator {
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		opts:      opts,
		source:    source,
		store:     store,
		ui:        ui,
		bus:       bus,
		logger:    l.With("module", "coordinator", "session_id", opts.SessionID),
		ctx:       ctx,
		cancel:    cancel,
		applied:   make(map[appliedKey]int64),
		flights:   make(map[flightKey]*flight),
		finalized: make(map[string]struct{}),
		visible:   true,
		subs:      make(map[string]*subscription),
	}
}

// Start begins listening on the local bus and, once online and visible,
// on the remote feeds.
func (c *Coordinator) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listening {
		return
	}
	c.listening = true
	c.stopBus = c.bus.Listen(func(n models.Notice) {
		c.HandleNotice(c.ctx, n)
	})
	c.reconcileLocked()
}

// Close tears down every feed and waits for in-flight cycles to finish.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.stopBus != nil {
		c.stopBus()
		c.stopBus = nil
	}
	c.listening = false
	for _, s := range c.subs {
		s.stop()
	}
	c.cancel()
	c.mu.Unlock()

	c.wg.Wait()
}

// SessionID returns the id stamped on outbound notices.
func (c *Coordinator) SessionID() string { return c.opts.SessionID }

// SetActive marks the record open for editing; an empty id clears it.
func (c *Coordinator) SetActive(a Active) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = a
}

func (c *Coordinator) ActiveRecord() Active {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// SetOnline records connectivity. Going offline tears the remote feeds down.
func (c *Coordinator) SetOnline(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.online == online {
		return
	}
	c.online = online
	if online {
		c.logger.Info(c.ctx, "switched to online mode")
		if c.opts.OnOnline != nil && c.ctx.Err() == nil {
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				c.opts.OnOnline(c.ctx)
			}()
		}
	} else {
		c.logger.Info(c.ctx, "switched to offline mode")
	}
	c.reconcileLocked()
}

// SetVisible records page visibility. A hidden page holds no remote feeds.
func (c *Coordinator) SetVisible(visible bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.visible == visible {
		return
	}
	c.visible = visible
	c.reconcileLocked()
}

// Status is a snapshot of the coordinator state.
type Status struct {
	SessionID     string              `json:"session_id"`
	Online        bool                `json:"online"`
	Visible       bool                `json:"visible"`
	Revision      int64               `json:"revision"`
	InFlight      int                 `json:"in_flight"`
	Subscriptions map[string]SubState `json:"subscriptions"`
	Active        Active              `json:"active"`
}

func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		SessionID:     c.opts.SessionID,
		Online:        c.online,
		Visible:       c.visible,
		Revision:      c.revision.Load(),
		InFlight:      len(c.flights),
		Subscriptions: make(map[string]SubState, len(c.subs)),
		Active:        c.active,
	}
	for name, s := range c.subs {
		st.Subscriptions[name] = s.currentState()
	}
	return st
}
