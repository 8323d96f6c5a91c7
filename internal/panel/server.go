package panel

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rendis/chanops/internal/engine"
	"github.com/rendis/chanops/internal/store"
	"github.com/rendis/chanops/internal/streaming"
)

// JobLister lists autosave jobs. Satisfied by store.Store.
type JobLister interface {
	ListAutosaveJobs(ctx context.Context, filter store.AutosaveJobFilter) ([]*store.AutosaveJob, error)
}

// EventSource reads the persisted change log. Satisfied by store.EventLog.
type EventSource interface {
	GetEvents(ctx context.Context, collection string, since int64) ([]*store.Event, error)
}

// PanelDeps holds the dependencies for the panel server.
type PanelDeps struct {
	Pool    *engine.WorkerPool
	Jobs    JobLister
	History EventSource
	Hub     streaming.EventHub
	// Lock guards the manager against concurrent edits. It must be the
	// lock the MCP server and the archiver use.
	Lock   sync.Locker
	Logger *slog.Logger
}

// PanelServer serves a read-only HTTP view of the loaded collections.
type PanelServer struct {
	deps PanelDeps
}

// NewPanelServer creates a new PanelServer.
func NewPanelServer(deps PanelDeps) *PanelServer {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if deps.Lock == nil {
		deps.Lock = &sync.Mutex{}
	}
	return &PanelServer{deps: deps}
}

// Handler returns the HTTP handler for the panel routes.
func (s *PanelServer) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/collections", s.handleCollections)
	mux.HandleFunc("GET /api/collections/{name}", s.handleCollectionDetail)
	mux.HandleFunc("GET /api/collections/{name}/values", s.handleValues)
	mux.HandleFunc("GET /api/collections/{name}/cook", s.handleCook)
	mux.HandleFunc("GET /api/collections/{name}/diagram", s.handleDiagram)
	mux.HandleFunc("GET /api/collections/{name}/events", s.handleEvents)
	mux.HandleFunc("GET /api/scheduler", s.handleScheduler)

	mux.Handle("GET /metrics", promhttp.Handler())

	// SSE streams.
	mux.HandleFunc("GET /sse/events", s.handleSSEGlobal)
	mux.HandleFunc("GET /sse/collections/{name}", s.handleSSECollection)

	return mux
}

// ListenAndServe serves the panel on addr until ctx is cancelled.
func (s *PanelServer) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
