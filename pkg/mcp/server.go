package mcp

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rendis/chanops/internal/channel"
	"github.com/rendis/chanops/internal/engine"
	"github.com/rendis/chanops/internal/store"
	"github.com/rendis/chanops/internal/streaming"
	"github.com/rendis/chanops/internal/validation"
)

// Archive persists and reloads collections. Satisfied by store.Archiver.
type Archive interface {
	Save(ctx context.Context, name string) (*store.CollectionRecord, error)
	SaveModified(ctx context.Context, name string) (int, error)
	Restore(ctx context.Context, name string) (*channel.Collection, error)
}

// History reads the change log. Satisfied by store.EventLog.
type History interface {
	GetEvents(ctx context.Context, collection string, since int64) ([]*store.Event, error)
	ReplayEvents(ctx context.Context, collection string) (map[string]*store.ChannelHistory, error)
}

// ChanopsServerDeps holds the dependencies for creating a ChanopsServer.
// Pool is required; the rest disable their tools' features when nil.
type ChanopsServerDeps struct {
	Pool      *engine.WorkerPool
	Validator validation.Validator
	Archive   Archive
	History   History
	Hub       streaming.EventHub
	// Lock is shared with the Archive so tool edits and saves never
	// interleave. Nil uses a private mutex.
	Lock   sync.Locker
	Logger *slog.Logger
}

// ChanopsServer wraps an MCP server with channel tool handlers.
type ChanopsServer struct {
	pool      *engine.WorkerPool
	manager   *channel.Manager
	validator validation.Validator
	archive   Archive
	history   History
	hub       streaming.EventHub
	lock      sync.Locker
	logger    *slog.Logger
	sessions  *SessionRegistry
	mcpServer *server.MCPServer
}

// NewChanopsServer creates a ChanopsServer with every tool registered.
func NewChanopsServer(deps ChanopsServerDeps) *ChanopsServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	lock := deps.Lock
	if lock == nil {
		lock = &sync.Mutex{}
	}

	s := &ChanopsServer{
		pool:      deps.Pool,
		validator: deps.Validator,
		archive:   deps.Archive,
		history:   deps.History,
		hub:       deps.Hub,
		lock:      lock,
		logger:    logger,
		sessions:  NewSessionRegistry(),
	}
	if deps.Pool != nil {
		s.manager = deps.Pool.Manager()
	}

	mcpSrv := server.NewMCPServer(
		"chanops",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(s.hooks()),
		server.WithInstructions("chanops holds collections of animation channels. Use chanops.list to see collections and channels, "+
			"chanops.evaluate to sample values at a time or over a range, chanops.set_key and chanops.delete_key to edit keys, "+
			"chanops.commit to key staged values, chanops.define to load a collection document, chanops.save to persist, "+
			"chanops.diagram to draw expression dependencies, chanops.history to read the change log and chanops.watch to receive change notifications."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// hooks drops watch registrations of sessions that go away.
func (s *ChanopsServer) hooks() *server.Hooks {
	h := &server.Hooks{}
	h.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})
	return h
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *ChanopsServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// ServeSSE serves the MCP server over SSE on addr until ctx is cancelled.
// A graceful shutdown returns http.ErrServerClosed.
func (s *ChanopsServer) ServeSSE(ctx context.Context, addr, baseURL string) error {
	sse := server.NewSSEServer(s.mcpServer, server.WithBaseURL(baseURL))
	errCh := make(chan error, 1)
	go func() { errCh <- sse.Start(addr) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sse.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	}
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *ChanopsServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the watch registry fed by chanops.watch.
func (s *ChanopsServer) Sessions() *SessionRegistry {
	return s.sessions
}

func (s *ChanopsServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: listTool(), Handler: s.handleList},
		{Tool: evaluateTool(), Handler: s.handleEvaluate},
		{Tool: setKeyTool(), Handler: s.handleSetKey},
		{Tool: deleteKeyTool(), Handler: s.handleDeleteKey},
		{Tool: commitTool(), Handler: s.handleCommit},
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: saveTool(), Handler: s.handleSave},
		{Tool: diagramTool(), Handler: s.handleDiagram},
		{Tool: historyTool(), Handler: s.handleHistory},
		{Tool: watchTool(), Handler: s.handleWatch},
	}
}

// --- Tool definitions ---

func listTool() mcp.Tool {
	return mcp.NewTool("chanops.list",
		mcp.WithDescription("List collections, or the channels of one collection"),
		mcp.WithString("collection", mcp.Description("Collection to describe channel by channel (default: summary of all collections)")),
	)
}

func evaluateTool() mcp.Tool {
	return mcp.NewTool("chanops.evaluate",
		mcp.WithDescription("Evaluate channels at a time or sample them over a range"),
		mcp.WithString("collection", mcp.Required(), mcp.Description("Collection name")),
		mcp.WithArray("channels", mcp.WithStringItems(), mcp.Description("Channel names (default: every active channel)")),
		mcp.WithNumber("time", mcp.Description("Global time in seconds for a single evaluation")),
		mcp.WithString("quantity",
			mcp.Enum("value", "slope", "accel"),
			mcp.Description("What to evaluate at a single time (default: value)"),
		),
		mcp.WithNumber("start", mcp.Description("Range start in seconds; with end, samples the range instead of a single time")),
		mcp.WithNumber("end", mcp.Description("Range end in seconds, inclusive")),
		mcp.WithNumber("step", mcp.Description("Sample step in seconds (default: one frame)")),
	)
}

func setKeyTool() mcp.Tool {
	return mcp.NewTool("chanops.set_key",
		mcp.WithDescription("Set a channel value at a time, keying it or staging it as pending"),
		mcp.WithString("collection", mcp.Required(), mcp.Description("Collection name")),
		mcp.WithString("channel", mcp.Required(), mcp.Description("Channel name")),
		mcp.WithNumber("time", mcp.Required(), mcp.Description("Global time in seconds")),
		mcp.WithNumber("value", mcp.Required(), mcp.Description("Value to set")),
		mcp.WithBoolean("pending", mcp.Description("Stage the value instead of keying it (default: false)")),
		mcp.WithBoolean("commit_keys", mcp.Description("Write through existing keys even when pending, and key channels that have none (default: true)")),
		mcp.WithBoolean("create", mcp.Description("Create the channel if it does not exist (default: false)")),
	)
}

func deleteKeyTool() mcp.Tool {
	return mcp.NewTool("chanops.delete_key",
		mcp.WithDescription("Delete the key of a channel at a time"),
		mcp.WithString("collection", mcp.Required(), mcp.Description("Collection name")),
		mcp.WithString("channel", mcp.Required(), mcp.Description("Channel name")),
		mcp.WithNumber("time", mcp.Required(), mcp.Description("Global time of the key in seconds")),
	)
}

func commitTool() mcp.Tool {
	return mcp.NewTool("chanops.commit",
		mcp.WithDescription("Key every staged pending value, or drop them"),
		mcp.WithString("collection", mcp.Description("Only commit channels of this collection")),
		mcp.WithBoolean("discard", mcp.Description("Drop the staged values instead of keying them (default: false)")),
	)
}

func defineTool() mcp.Tool {
	return mcp.NewTool("chanops.define",
		mcp.WithDescription("Validate and load a collection document"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Collection document")),
		mcp.WithBoolean("replace", mcp.Description("Replace a loaded collection of the same name (default: false)")),
		mcp.WithBoolean("dry_run", mcp.Description("Only validate (default: false)")),
	)
}

func saveTool() mcp.Tool {
	return mcp.NewTool("chanops.save",
		mcp.WithDescription("Persist a collection, or every modified collection"),
		mcp.WithString("collection", mcp.Description("Collection to save (default: every modified collection)")),
		mcp.WithBoolean("restore", mcp.Description("Reload the collection from the store instead of saving it (default: false)")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("chanops.diagram",
		mcp.WithDescription("Draw the expression dependencies of a collection. Returns ASCII art, Mermaid flowchart syntax, or a PNG image"),
		mcp.WithString("collection", mcp.Required(), mcp.Description("Collection name")),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("ascii", "mermaid", "image"),
			mcp.Description("Output format: ascii (text), mermaid (flowchart syntax), or image (PNG)"),
		),
		mcp.WithBoolean("include_status", mcp.Description("Overlay pending, modified, inactive and locked state (default: true)")),
	)
}

func historyTool() mcp.Tool {
	return mcp.NewTool("chanops.history",
		mcp.WithDescription("Read the change log of a collection"),
		mcp.WithString("collection", mcp.Required(), mcp.Description("Collection name")),
		mcp.WithString("channel", mcp.Description("Only events of this channel")),
		mcp.WithNumber("since", mcp.Description("Only events with a higher sequence number (default: 0)")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of events, newest kept (default: 100)")),
		mcp.WithBoolean("summary", mcp.Description("Fold the log into per-channel summaries (default: false)")),
	)
}

func watchTool() mcp.Tool {
	return mcp.NewTool("chanops.watch",
		mcp.WithDescription("Subscribe this session to change notifications of a collection"),
		mcp.WithString("collection", mcp.Required(), mcp.Description(`Collection name, or "*" for every collection`)),
		mcp.WithBoolean("stop", mcp.Description("Unsubscribe instead (default: false)")),
	)
}
