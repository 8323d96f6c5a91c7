package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"
	"github.com/rendis/chanops/internal/streaming"
	"github.com/rendis/chanops/pkg/schema"
)

// ChangeNotifier pushes change events to the sessions watching them.
type ChangeNotifier interface {
	Notify(ctx context.Context, event schema.ChangeEvent) error
}

// notificationSender is the part of server.MCPServer the notifier needs.
type notificationSender interface {
	SendNotificationToSpecificClient(sessionID string, method string, params map[string]any) error
}

// MCPNotifier implements ChangeNotifier with MCP log notifications.
type MCPNotifier struct {
	sender   notificationSender
	sessions *SessionRegistry
	logger   *slog.Logger
}

// NewMCPNotifier creates a notifier that pushes through mcpServer.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry, logger *slog.Logger) *MCPNotifier {
	return newNotifier(mcpServer, sessions, logger)
}

func newNotifier(sender notificationSender, sessions *SessionRegistry, logger *slog.Logger) *MCPNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &MCPNotifier{sender: sender, sessions: sessions, logger: logger}
}

// Notify sends event to every session watching its collection.
// Best-effort: sessions that vanished are dropped without error.
func (n *MCPNotifier) Notify(_ context.Context, event schema.ChangeEvent) error {
	payload := map[string]any{
		"level":  "info",
		"logger": "chanops",
		"data":   event,
	}
	var errs []error
	for _, sid := range n.sessions.Watchers(event.Collection) {
		err := n.sender.SendNotificationToSpecificClient(sid, "notifications/message", payload)
		if errors.Is(err, server.ErrSessionNotFound) {
			// Disconnected between lookup and send.
			n.sessions.Remove(sid)
			continue
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Run forwards hub events to Notify until ctx is cancelled.
func (n *MCPNotifier) Run(ctx context.Context, hub streaming.EventHub) error {
	events, unsubscribe, err := hub.Subscribe(ctx, streaming.EventFilter{})
	if err != nil {
		return err
	}
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := n.Notify(ctx, ev); err != nil {
				n.logger.Warn("change notification failed",
					slog.String("path", ev.Path()),
					slog.String("error", err.Error()))
			}
		}
	}
}
