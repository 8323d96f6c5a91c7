package mcp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chanops/internal/streaming"
	"github.com/rendis/chanops/pkg/schema"
)

type sent struct {
	session string
	method  string
	params  map[string]any
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sent
	errs map[string]error
}

func (f *fakeSender) SendNotificationToSpecificClient(sessionID, method string, params map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[sessionID]; err != nil {
		return err
	}
	f.sent = append(f.sent, sent{session: sessionID, method: method, params: params})
	return nil
}

func (f *fakeSender) snapshot() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.sent...)
}

func TestMCPNotifier_NotifyWatchers(t *testing.T) {
	sessions := NewSessionRegistry()
	sessions.Watch("s1", "rig")
	sessions.Watch("s2", "camera")
	sender := &fakeSender{}
	n := newNotifier(sender, sessions, nil)

	ev := schema.ChangeEvent{Collection: "rig", Channel: "tx", Type: schema.ChangeKeyValue}
	require.NoError(t, n.Notify(context.Background(), ev))

	got := sender.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, "s1", got[0].session)
	assert.Equal(t, "notifications/message", got[0].method)
	assert.Equal(t, ev, got[0].params["data"])
}

func TestMCPNotifier_DropsVanishedSessions(t *testing.T) {
	sessions := NewSessionRegistry()
	sessions.Watch("gone", "rig")
	sessions.Watch("broken", "rig")
	sender := &fakeSender{errs: map[string]error{
		"gone":   server.ErrSessionNotFound,
		"broken": errors.New("pipe closed"),
	}}
	n := newNotifier(sender, sessions, nil)

	err := n.Notify(context.Background(), schema.ChangeEvent{Collection: "rig"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pipe closed")
	assert.False(t, sessions.Watching("gone"))
	assert.True(t, sessions.Watching("broken"))
}

func TestMCPNotifier_RunForwardsHubEvents(t *testing.T) {
	sessions := NewSessionRegistry()
	sessions.Watch("s1", WatchAll)
	sender := &fakeSender{}
	n := newNotifier(sender, sessions, nil)
	hub := streaming.NewMemoryHub()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx, hub) }()

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, hub.Publish(ctx, schema.ChangeEvent{Collection: "rig", Type: schema.ChangeKeyInserted}))
	require.Eventually(t, func() bool { return len(sender.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, 0, hub.Subscribers())
}
