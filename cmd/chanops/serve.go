package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/rendis/chanops/internal/channel"
	"github.com/rendis/chanops/internal/engine"
	"github.com/rendis/chanops/internal/expressions"
	"github.com/rendis/chanops/internal/logging"
	"github.com/rendis/chanops/internal/panel"
	"github.com/rendis/chanops/internal/scheduler"
	"github.com/rendis/chanops/internal/store"
	"github.com/rendis/chanops/internal/streaming"
	"github.com/rendis/chanops/internal/validation"
	chanmcp "github.com/rendis/chanops/pkg/mcp"
)

// app is the wired server process.
type app struct {
	cfg    Config
	level  *slog.LevelVar
	logger *slog.Logger

	// lock serialises tool edits, cooks and archive passes over the manager.
	lock sync.Mutex

	store     *store.LibSQLStore
	hub       *streaming.MemoryHub
	manager   *channel.Manager
	pool      *engine.WorkerPool
	archiver  *store.Archiver
	scheduler *scheduler.Scheduler
	server    *chanmcp.ChanopsServer
	notifier  *chanmcp.MCPNotifier
	panel     *panel.PanelServer
}

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	listenAddr := fs.String("listen-addr", "", "serve MCP over SSE on this address instead of stdio")
	dbPath := fs.String("db-path", "", "database path (default: ~/.chanops/chanops.db)")
	panelAddr := fs.String("panel-addr", "", "serve the HTTP inspection panel on this address")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg := loadConfig()
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
		if cfg.BaseURL == "" {
			cfg.BaseURL = "http://localhost" + cfg.ListenAddr
		}
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *panelAddr != "" {
		cfg.PanelAddr = *panelAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer a.close()

	if err := a.run(ctx); err != nil {
		a.logger.Error("server stopped", slog.String("error", err.Error()))
		return 1
	}
	return 0
}

// newLogger writes JSON to stderr; stdout belongs to the stdio transport.
func newLogger(level *slog.LevelVar) *slog.Logger {
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(logging.NewCorrelationHandler(inner))
}

func newApp(ctx context.Context, cfg Config) (*app, error) {
	level := new(slog.LevelVar)
	level.Set(parseLevel(cfg.LogLevel))
	logger := newLogger(level)

	behavior, ok := channel.ParseBehavior(cfg.DefaultBehavior)
	if !ok {
		return nil, fmt.Errorf("unknown default_behavior %q", cfg.DefaultBehavior)
	}
	basis, ok := channel.ParseBasis(cfg.DefaultBasis)
	if !ok {
		return nil, fmt.Errorf("unknown default_basis %q", cfg.DefaultBasis)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dsn := cfg.DBPath
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	st, err := store.NewLibSQLStore(dsn)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	evaluator, err := expressions.NewChannelEvaluator()
	if err != nil {
		st.Close()
		return nil, err
	}
	validator, err := validation.NewCollectionValidator(evaluator)
	if err != nil {
		st.Close()
		return nil, err
	}

	a := &app{cfg: cfg, level: level, logger: logger, store: st}
	a.hub = streaming.NewMemoryHub()
	events := store.NewEventLog(st)
	a.manager = channel.NewManager(channel.ManagerConfig{
		FPS:             cfg.FPS,
		Tolerance:       cfg.Tolerance,
		DefaultBehavior: behavior,
		DefaultBasis:    basis,
		AutoSlope:       cfg.AutoSlope,
		Evaluator:       evaluator,
		Publisher:       streaming.Fanout{events, a.hub},
		Logger:          logger,
	})
	a.pool = engine.NewWorkerPool(a.manager, cfg.PoolSize, logger)
	a.archiver = store.NewArchiver(st, a.manager, store.ArchiverConfig{
		Lock:      &a.lock,
		Validator: validator,
		Logger:    logger,
	})
	a.scheduler = scheduler.NewScheduler(st, a.archiver, logger)
	a.server = chanmcp.NewChanopsServer(chanmcp.ChanopsServerDeps{
		Pool:      a.pool,
		Validator: validator,
		Archive:   a.archiver,
		History:   events,
		Hub:       a.hub,
		Lock:      &a.lock,
		Logger:    logger,
	})
	a.notifier = chanmcp.NewMCPNotifier(a.server.MCPServer(), a.server.Sessions(), logger)
	a.panel = panel.NewPanelServer(panel.PanelDeps{
		Pool:    a.pool,
		Jobs:    st,
		History: events,
		Hub:     a.hub,
		Lock:    &a.lock,
		Logger:  logger.With(slog.String("component", "panel")),
	})

	n, err := a.archiver.RestoreAll(ctx)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("restore collections: %w", err)
	}
	logger.Info("collections restored", slog.Int("count", n), slog.String("db", cfg.DBPath))
	return a, nil
}

func (a *app) run(ctx context.Context) error {
	if err := a.applyAutosave(ctx, a.cfg.AutosaveCron); err != nil {
		return err
	}
	if err := a.scheduler.RecoverMissed(ctx); err != nil {
		a.logger.Warn("missed autosave recovery failed", slog.String("error", err.Error()))
	}
	if err := a.scheduler.Start(ctx); err != nil {
		return err
	}

	go func() {
		if err := a.notifier.Run(ctx, a.hub); err != nil {
			a.logger.Warn("change notifier stopped", slog.String("error", err.Error()))
		}
	}()
	go a.watchReload(ctx)
	if a.cfg.PanelAddr != "" {
		go func() {
			a.logger.Info("serving panel", slog.String("addr", a.cfg.PanelAddr))
			if err := a.panel.ListenAndServe(ctx, a.cfg.PanelAddr); err != nil {
				a.logger.Error("panel stopped", slog.String("error", err.Error()))
			}
		}()
	}

	if a.cfg.ListenAddr != "" {
		a.logger.Info("serving MCP over SSE", slog.String("addr", a.cfg.ListenAddr), slog.String("base_url", a.cfg.BaseURL))
		err := a.server.ServeSSE(ctx, a.cfg.ListenAddr, a.cfg.BaseURL)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
	a.logger.Info("serving MCP over stdio")
	err := a.server.Serve(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// applyAutosave registers the all-collections autosave job, or disables it
// for an empty expression.
func (a *app) applyAutosave(ctx context.Context, cronExpr string) error {
	if cronExpr == "" {
		return a.scheduler.DisableJob(ctx, "")
	}
	_, err := a.scheduler.EnsureJob(ctx, "", cronExpr)
	return err
}

// watchReload re-reads the configuration on SIGHUP or when settings.json
// changes, and applies what can change at runtime.
func (a *app) watchReload(ctx context.Context) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	changed := watchSettings(ctx, settingsPath(), a.logger)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			a.reload(ctx, loadConfig())
		case <-changed:
			a.logger.Info("settings file changed", slog.String("path", settingsPath()))
			a.reload(ctx, loadConfig())
		}
	}
}

func (a *app) reload(ctx context.Context, next Config) {
	d := diffConfigs(a.cfg, next)
	if d.LogLevelChanged {
		a.level.Set(parseLevel(next.LogLevel))
		a.cfg.LogLevel = next.LogLevel
		a.logger.Info("log level changed", slog.String("level", next.LogLevel))
	}
	if d.AutosaveChanged {
		if err := a.applyAutosave(ctx, next.AutosaveCron); err != nil {
			a.logger.Error("autosave update failed", slog.String("error", err.Error()))
		} else {
			a.cfg.AutosaveCron = next.AutosaveCron
			a.logger.Info("autosave schedule changed", slog.String("cron", next.AutosaveCron))
		}
	}
	if len(d.RestartNeeded) > 0 {
		a.logger.Warn("settings need a restart to apply", slog.Any("fields", d.RestartNeeded))
	}
}

// close flushes modified collections and releases resources.
func (a *app) close() {
	if a.scheduler != nil {
		_ = a.scheduler.Stop()
	}
	if a.pool != nil {
		a.pool.Shutdown()
	}
	if a.archiver != nil {
		if n, err := a.archiver.SaveModified(context.Background(), ""); err != nil {
			a.logger.Error("final save failed", slog.String("error", err.Error()))
		} else if n > 0 {
			a.logger.Info("final save", slog.Int("collections", n))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("close store", slog.String("error", err.Error()))
		}
	}
}
