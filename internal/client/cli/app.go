package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dmitrijs2005/fieldsync/internal/client/broadcast"
	"github.com/dmitrijs2005/fieldsync/internal/client/config"
	"github.com/dmitrijs2005/fieldsync/internal/client/coordinator"
	"github.com/dmitrijs2005/fieldsync/internal/client/remote"
	"github.com/dmitrijs2005/fieldsync/internal/client/services"
	"github.com/dmitrijs2005/fieldsync/internal/client/store"
	"github.com/dmitrijs2005/fieldsync/internal/client/uifeed"
	"github.com/dmitrijs2005/fieldsync/internal/filex"
	"github.com/dmitrijs2005/fieldsync/internal/logging"
	"golang.org/x/sync/errgroup"
)

// busName is the in-process channel shared by the sessions of one agent.
const busName = "fieldsync"

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

type App struct {
	config *config.Config
	logger logging.Logger

	store       *store.Store
	source      remote.Source
	closeSource func() error
	bus         *broadcast.Bus
	ui          *uifeed.Server
	coordinator *coordinator.Coordinator

	records  services.RecordService
	sessions services.SessionService
	cache    services.CacheService

	sessionID string
}

// NewApp builds the agent. Nothing connects until Start. An empty server
// address runs the agent standalone against an in-process remote.
func NewApp(ctx context.Context, c *config.Config, l logging.Logger) (*App, error) {
	st, err := openStore(c, l)
	if err != nil {
		return nil, err
	}

	app := &App{config: c, logger: l.With("module", "app"), store: st}
	app.sessions = services.NewSessionService(app.store, pingerFunc(func(ctx context.Context) error {
		return app.source.Ping(ctx)
	}))

	app.sessionID, err = app.sessions.NewSessionID(ctx)
	if err != nil {
		_ = app.store.Close()
		return nil, err
	}

	if err := app.initSource(l); err != nil {
		_ = app.store.Close()
		return nil, err
	}

	ch, err := app.openChannel(l)
	if err != nil {
		_ = app.closeSource()
		_ = app.store.Close()
		return nil, err
	}
	app.bus = broadcast.New(ch, l)

	app.ui = uifeed.NewServer(uifeed.Options{
		Addr:      c.UIAddr,
		OnEditing: app.saveActive,
	}, l)

	app.coordinator = coordinator.New(coordinator.Options{
		SessionID:        app.sessionID,
		FetchDelayMin:    c.FetchDelayMin,
		FetchDelayMax:    c.FetchDelayMax,
		FetchTimeout:     c.FetchTimeout,
		ReconnectBackoff: c.ReconnectBackoff,
		OnSubscriptionState: func(name string, st coordinator.SubState) {
			app.logger.Debug(context.Background(), "subscription state", "name", name, "state", st)
		},
		OnOnline: app.refreshCache,
	}, app.source, app.store, app.ui, app.bus, l)
	app.ui.Bind(app.coordinator)

	app.records = services.NewRecordService(app.store, app.source, app.coordinator, l)
	app.cache = services.NewCacheService(app.store, app.source, l)
	return app, nil
}

// openStore prepares the data directory and returns the (lazily opened)
// local store inside it.
func openStore(c *config.Config, l logging.Logger) (*store.Store, error) {
	dir, err := filex.EnsureDir(c.DataDir)
	if err != nil {
		return nil, fmt.Errorf("data dir: %w", err)
	}
	return store.New(store.Options{
		Path:              filepath.Join(dir, filepath.Base(c.DBPath())),
		OpenTimeout:       c.OpenTimeout,
		BlockedRetryDelay: c.BlockedRetryDelay,
	}, l), nil
}

func (a *App) initSource(l logging.Logger) error {
	if a.config.ServerEndpointAddr == "" {
		a.source = remote.NewMemory()
		a.closeSource = func() error { return nil }
		return nil
	}

	src, err := remote.NewGRPCSource(a.config.ServerEndpointAddr, a.config.AccessToken, a.sessionID, l)
	if err != nil {
		return fmt.Errorf("remote init error: %w", err)
	}
	a.source = src
	a.closeSource = src.Close
	return nil
}

func (a *App) openChannel(l logging.Logger) (broadcast.Channel, error) {
	if a.config.BroadcastDir == "" {
		return broadcast.NewHub().Open(busName), nil
	}
	dir, err := filex.EnsureDir(a.config.BroadcastDir)
	if err != nil {
		return nil, fmt.Errorf("broadcast dir: %w", err)
	}
	ch, err := broadcast.OpenDir(dir, a.config.BroadcastTTL, l)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (a *App) saveActive(ctx context.Context, act coordinator.Active) {
	if err := a.sessions.SaveActive(ctx, act); err != nil {
		a.logger.Warn(ctx, "could not persist active record", "error", err)
	}
}

func (a *App) refreshCache(ctx context.Context) {
	rep, err := a.cache.RefreshAll(ctx)
	if err != nil {
		a.logger.Warn(ctx, "cache refresh failed", "error", err)
		return
	}
	a.logger.Info(ctx, "cache refreshed", "projects", rep.Projects, "archive", rep.Archive)
}

// Start opens the local store, runs the one-time legacy import, restores
// the record being edited and starts the coordinator and the page feed.
func (a *App) Start(ctx context.Context) error {
	if err := a.store.Ensure(ctx); err != nil {
		return err
	}

	if a.config.LegacyFile != "" {
		rep, err := a.store.MigrateLegacy(ctx, store.LegacyFile{Path: a.config.LegacyFile})
		if err != nil {
			a.logger.Warn(ctx, "legacy import failed", "error", err)
		} else if !rep.AlreadyDone {
			a.logger.Info(ctx, "legacy data imported", "imported", rep.Imported, "skipped", len(rep.Skipped))
		}
	}

	act, err := a.sessions.RestoreActive(ctx)
	if err != nil {
		a.logger.Warn(ctx, "could not restore active record", "error", err)
	} else if act.RecordID != "" {
		a.coordinator.SetActive(act)
	}

	a.coordinator.Start()
	if err := a.ui.Start(); err != nil {
		return err
	}

	a.logger.Info(ctx, "agent started", "session_id", a.sessionID, "remote", a.config.ServerEndpointAddr)
	return nil
}

// Serve keeps the connectivity watcher running until ctx ends.
func (a *App) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.coordinator.WatchConnectivity(ctx, a.source, a.config.OnlineCheckInterval)
		return nil
	})
	return g.Wait()
}

// Close stops every component. It is safe to call after a failed Start.
func (a *App) Close() error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	keep(a.ui.Stop())
	a.coordinator.Close()
	keep(a.bus.Close())
	keep(a.closeSource())
	keep(a.store.Close())
	return firstErr
}

// Status is the agent state shown by the status commands.
type Status struct {
	DeviceID      string             `json:"device_id"`
	Coordinator   coordinator.Status `json:"coordinator"`
	SchemaVersion int64              `json:"schema_version"`
	Records       int                `json:"records"`
	Drafts        int                `json:"drafts"`
	Remote        string             `json:"remote"`
	PageClients   int                `json:"page_clients"`
}

func (a *App) Status(ctx context.Context) (Status, error) {
	var st Status
	var err error

	if st.DeviceID, err = a.sessions.DeviceID(ctx); err != nil {
		return st, err
	}
	if st.SchemaVersion, err = a.store.SchemaVersion(ctx); err != nil {
		return st, err
	}
	if st.Records, err = a.store.Records().Count(ctx); err != nil {
		return st, err
	}
	if st.Drafts, err = a.store.Drafts().Count(ctx); err != nil {
		return st, err
	}

	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	st.Remote = "online"
	if err := a.sessions.Ping(pctx); err != nil {
		st.Remote = "offline"
	}

	st.Coordinator = a.coordinator.Status()
	st.PageClients = a.ui.ClientCount()
	return st, nil
}
