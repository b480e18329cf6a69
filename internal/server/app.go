// Package server wires the bot daemon: the dual-backend auth store, the
// session manager with its protocol bridge, the admin HTTP API and the gRPC
// health service. It restores persisted sessions shortly after start and
// shuts everything down on SIGINT/SIGTERM.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dmitrijs2005/gophbot/internal/clock"
	"github.com/dmitrijs2005/gophbot/internal/logging"
	"github.com/dmitrijs2005/gophbot/internal/server/commands"
	"github.com/dmitrijs2005/gophbot/internal/server/config"
	"github.com/dmitrijs2005/gophbot/internal/server/httpapi"
	"github.com/dmitrijs2005/gophbot/internal/server/protocol"
	"github.com/dmitrijs2005/gophbot/internal/server/protocol/wsbridge"
	"github.com/dmitrijs2005/gophbot/internal/server/reconnect"
	"github.com/dmitrijs2005/gophbot/internal/server/repositories/authfiles"
	"github.com/dmitrijs2005/gophbot/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/gophbot/internal/server/services"
	"github.com/dmitrijs2005/gophbot/internal/server/sessions"
	"github.com/dmitrijs2005/gophbot/internal/server/shared/db"

	gs "github.com/dmitrijs2005/gophbot/internal/server/grpc"
)

// openDB is a seam for tests.
var openDB = db.Open

type App struct {
	config  *config.Config
	logger  logging.Logger
	clock   clock.Clock
	db      *sql.DB
	store   *services.AuthStore
	manager *sessions.Manager
	health  *gs.Health
	started time.Time
}

// OpenAuthStore builds the auth store for cfg. When a DSN is configured but
// the database cannot be reached or migrated, the store runs on local files
// only. The returned *sql.DB is nil in that case; the caller closes it
// otherwise.
func OpenAuthStore(ctx context.Context, cfg *config.Config, clk clock.Clock, logger logging.Logger) (*services.AuthStore, *sql.DB, error) {
	files, err := authfiles.NewFileRepository(cfg.SessionDir)
	if err != nil {
		return nil, nil, fmt.Errorf("session dir init error: %w", err)
	}

	rm := repomanager.NewPostgresRepositoryManager()

	var conn *sql.DB
	if cfg.DatabaseDSN != "" {
		conn, err = openDB(ctx, cfg.DatabaseDSN, cfg.DatabaseConnectTimeout)
		if err != nil {
			logger.Warn(ctx, "database unavailable, using local session files", "error", err)
			conn = nil
		} else if err := rm.RunMigrations(ctx, conn); err != nil {
			logger.Warn(ctx, "database migration failed, using local session files", "error", err)
			_ = conn.Close()
			conn = nil
		}
	}

	store := services.NewAuthStore(conn, rm, files, clk, logger)
	store.SetInactiveRetention(cfg.InactiveRetention)
	return store, conn, nil
}

func NewApp(c *config.Config) (*App, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := logging.New(os.Stdout, c.LogFormat, c.LogLevel)
	clk := clock.Real()
	ctx := context.Background()

	store, conn, err := OpenAuthStore(ctx, c, clk, logger)
	if err != nil {
		return nil, err
	}

	mode, _ := commands.ParseMode(c.Mode)
	started := clk.Now()
	registry, err := commands.NewRegistry(c.Prefix, c.OwnerNumber, mode, commands.Builtin(commands.Info{
		BotName:     c.BotName,
		OwnerNumber: c.OwnerNumber,
		StartedAt:   started,
		Clock:       clk,
	})...)
	if err != nil {
		return nil, fmt.Errorf("commands init error: %w", err)
	}

	health := gs.NewHealth()

	var hooks []sessions.Hook
	if c.Announce {
		hooks = append(hooks, sessions.AnnounceHook(c.BotName, c.Prefix))
	}

	manager, err := sessions.NewManager(sessions.Config{
		Factory: wsbridge.NewFactory(wsbridge.Options{
			URL:    c.BridgeURL,
			Token:  c.BridgeToken,
			Logger: logger,
		}),
		Store: store,
		Policy: reconnect.Policy{
			BaseDelay:    c.ReconnectBaseDelay,
			MaxDelay:     c.ReconnectMaxDelay,
			GrowthFactor: c.ReconnectGrowthFactor,
			MaxAttempts:  c.ReconnectMaxAttempts,
		},
		Clock:             clk,
		Logger:            logger,
		Commands:          registry,
		Browser:           protocol.MacOSBrowser(c.BotName),
		ConnectTimeout:    c.ConnectTimeout,
		KeepAliveInterval: c.KeepAliveInterval,
		RestoreDelay:      c.RestoreDelay,
		PairingDelay:      c.PairingDelay,
		QRTimeout:         c.QRTimeout,
		RetentionCapacity: c.RetentionCapacity,
		RetentionChats:    c.RetentionChats,
		OwnerNumber:       c.OwnerNumber,
		AntiDelete:        c.AntiDelete,
		AutoRead:          c.AutoRead,
		AntiCall:          c.AntiCall,
		OnOpen:            hooks,
		OnStateChange:     health.SessionStateChanged,
		OnFatal: func(id string, err error) {
			logger.Warn(ctx, "session ended", "session", id, "error", err)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("session manager init error: %w", err)
	}

	return &App{
		config:  c,
		logger:  logger,
		clock:   clk,
		db:      conn,
		store:   store,
		manager: manager,
		health:  health,
		started: started,
	}, nil
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

func (app *App) startGRPCServer(ctx context.Context, cancelFunc context.CancelFunc) {
	s := gs.NewGRPCServer(app.config.GRPCAddr, app.logger, app.health)
	if err := s.Run(ctx); err != nil {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

func (app *App) startHTTPServer(ctx context.Context, cancelFunc context.CancelFunc) {
	router := httpapi.NewRouter(httpapi.Deps{
		Sessions:  app.manager,
		Sweeper:   app.store,
		SecretKey: []byte(app.config.SecretKey),
		Logger:    app.logger,
		StartedAt: app.started,
		Now:       app.clock.Now,
	})
	s := httpapi.NewServer(app.config.HTTPAddr, router, app.logger)
	if err := s.Run(ctx); err != nil {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

// restore waits RestoreStartDelay so the listeners are up before the
// persisted sessions start connecting.
func (app *App) restore(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-app.clock.After(app.config.RestoreStartDelay):
	}
	n, err := app.manager.RestoreActiveSessions(ctx)
	if err != nil {
		app.logger.Error(ctx, "session restore failed", "error", err)
		return
	}
	app.logger.Info(ctx, "sessions restored", "count", n)
}

func (app *App) Run(ctx context.Context) {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...", "backend", app.backendName())

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup

	wg.Add(4)
	go func() {
		defer wg.Done()
		app.startGRPCServer(ctx, cancelFunc)
	}()
	go func() {
		defer wg.Done()
		app.startHTTPServer(ctx, cancelFunc)
	}()
	go func() {
		defer wg.Done()
		app.restore(ctx)
	}()
	go func() {
		defer wg.Done()
		app.store.RunSweeper(ctx, app.config.SweepInterval)
	}()

	wg.Wait()

	if err := app.manager.Close(); err != nil {
		app.logger.Error(ctx, "session manager close failed", "error", err)
	}
	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error(ctx, "db close failed", "error", err)
		}
	}
	app.logger.Info(ctx, "Stopped")
}

func (app *App) backendName() string {
	if app.db != nil {
		return "postgres"
	}
	return "files"
}
