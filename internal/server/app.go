// Package server wires the sync gateway: PostgreSQL storage with embedded
// migrations, the notification hub and the gRPC endpoint, all run until the
// process is signalled.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dmitrijs2005/fieldsync/internal/logging"
	"github.com/dmitrijs2005/fieldsync/internal/server/config"
	"github.com/dmitrijs2005/fieldsync/internal/server/notify"
	"github.com/dmitrijs2005/fieldsync/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/fieldsync/internal/server/services"
	"golang.org/x/sync/errgroup"

	gs "github.com/dmitrijs2005/fieldsync/internal/server/grpc"
)

const listenerBackoff = 2 * time.Second

type App struct {
	config      *config.Config
	logger      logging.Logger
	db          *sql.DB
	repomanager repomanager.RepositoryManager
}

// NewApp opens the database. The connection is verified lazily by the
// first migration or query.
func NewApp(c *config.Config, l logging.Logger) (*App, error) {
	db, err := sql.Open("pgx", c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	rm, err := repomanager.NewPostgresRepositoryManager(db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db init error: %w", err)
	}

	return &App{config: c, logger: l.With("module", "app"), db: db, repomanager: rm}, nil
}

// Migrate applies pending schema migrations and returns the resulting
// schema version.
func (app *App) Migrate(ctx context.Context) (int64, error) {
	if err := app.repomanager.RunMigrations(ctx, app.db); err != nil {
		return 0, fmt.Errorf("migrations: %w", err)
	}
	return app.repomanager.SchemaVersion(ctx, app.db)
}

func (app *App) Close() error {
	return app.db.Close()
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

// Run migrates the schema and serves until ctx is cancelled or a signal
// arrives. The first component to fail stops the others.
func (app *App) Run(ctx context.Context) error {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")
	app.initSignalHandler(cancelFunc)

	version, err := app.Migrate(ctx)
	if err != nil {
		return err
	}
	app.logger.Info(ctx, "schema ready", "version", version)

	hub := notify.NewHub(notify.PgxDialer(app.config.DatabaseDSN), listenerBackoff, app.logger)
	ss := services.NewSyncService(app.db, app.repomanager, hub, app.logger)

	s, err := gs.NewGRPCServer(app.config.EndpointAddrGRPC, app.logger, ss, app.config.SecretKey)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(ctx) })
	g.Go(func() error { return s.Run(ctx) })

	err = g.Wait()
	app.logger.Info(context.Background(), "Stopped")
	return err
}
