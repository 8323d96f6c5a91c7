package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chanops/internal/channel"
	"github.com/rendis/chanops/internal/engine"
	"github.com/rendis/chanops/internal/expressions"
	"github.com/rendis/chanops/internal/store"
	"github.com/rendis/chanops/internal/streaming"
	"github.com/rendis/chanops/internal/validation"
	"github.com/rendis/chanops/pkg/schema"
)

// --- Mock Archive ---

type mockArchive struct {
	saved         []string
	modifiedCalls []string
	restored      []string
	saveErr       error
	manager       *channel.Manager
}

func (m *mockArchive) Save(_ context.Context, name string) (*store.CollectionRecord, error) {
	if m.saveErr != nil {
		return nil, m.saveErr
	}
	m.saved = append(m.saved, name)
	return &store.CollectionRecord{Name: name, Revision: int64(len(m.saved)), ChannelCount: 2, UpdatedAt: time.Now().UTC()}, nil
}

func (m *mockArchive) SaveModified(_ context.Context, name string) (int, error) {
	m.modifiedCalls = append(m.modifiedCalls, name)
	return 1, m.saveErr
}

func (m *mockArchive) Restore(_ context.Context, name string) (*channel.Collection, error) {
	m.restored = append(m.restored, name)
	c, ok := m.manager.Collection(name)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "collection %q not found", name)
	}
	return c, nil
}

// --- Mock History ---

type mockHistory struct {
	events    []*store.Event
	histories map[string]*store.ChannelHistory
}

func (m *mockHistory) GetEvents(_ context.Context, collection string, since int64) ([]*store.Event, error) {
	var out []*store.Event
	for _, e := range m.events {
		if e.Collection == collection && e.Sequence > since {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockHistory) ReplayEvents(_ context.Context, _ string) (map[string]*store.ChannelHistory, error) {
	return m.histories, nil
}

// --- Fake session ---

type fakeSession struct {
	id string
	ch chan mcp.JSONRPCNotification
}

func (f *fakeSession) Initialize()       {}
func (f *fakeSession) Initialized() bool { return true }
func (f *fakeSession) SessionID() string { return f.id }
func (f *fakeSession) NotificationChannel() chan<- mcp.JSONRPCNotification {
	return f.ch
}

// --- Fixture ---

type fixture struct {
	server  *ChanopsServer
	manager *channel.Manager
	pool    *engine.WorkerPool
	archive *mockArchive
	history *mockHistory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ev, err := expressions.NewChannelEvaluator()
	require.NoError(t, err)
	v, err := validation.NewCollectionValidator(ev)
	require.NoError(t, err)

	m := channel.NewManager(channel.ManagerConfig{Evaluator: ev})
	pool := engine.NewWorkerPool(m, 2, nil)
	t.Cleanup(pool.Shutdown)

	f := &fixture{
		manager: m,
		pool:    pool,
		archive: &mockArchive{manager: m},
		history: &mockHistory{},
	}
	f.server = NewChanopsServer(ChanopsServerDeps{
		Pool:      pool,
		Validator: v,
		Archive:   f.archive,
		History:   f.history,
		Hub:       streaming.NewMemoryHub(),
	})
	return f
}

// rigDefinition is a two-channel document: tx ramps 0..10 over ten
// seconds, ty doubles tx through an expression.
func rigDefinition() map[string]any {
	ramp := func(name string) map[string]any {
		return map[string]any{
			"name": name,
			"segments": []any{
				map[string]any{"start": 0.0, "length": 10.0, "basis": "linear", "in_value": 0.0, "out_value": 10.0, "ties": []any{"out_value"}},
				map[string]any{"start": 10.0, "length": 0.0, "basis": "linear", "in_value": 10.0, "out_value": 10.0, "ties": []any{"in_value"}},
			},
		}
	}
	ty := ramp("ty")
	seg0 := ty["segments"].([]any)[0].(map[string]any)
	seg0["basis"] = "expression"
	seg0["expression"] = map[string]any{"text": `value("tx") * 2`}
	return map[string]any{
		"version":  1,
		"name":     "rig",
		"channels": []any{ramp("tx"), ty},
	}
}

func (f *fixture) define(t *testing.T) {
	t.Helper()
	result, err := f.server.handleDefine(context.Background(), buildRequest("chanops.define", map[string]any{
		"definition": rigDefinition(),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))
}

// --- Helper ---

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

// --- Tests ---

func TestDefineTool(t *testing.T) {
	f := newFixture(t)
	f.define(t)

	c, ok := f.manager.Collection("rig")
	require.True(t, ok)
	assert.Equal(t, 2, c.NChannels())
	assert.Equal(t, 2, c.Channel("tx").NKeys())
}

func TestDefineToolConflictAndReplace(t *testing.T) {
	f := newFixture(t)
	f.define(t)
	before, _ := f.manager.Collection("rig")

	result, err := f.server.handleDefine(context.Background(), buildRequest("chanops.define", map[string]any{
		"definition": rigDefinition(),
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), schema.ErrCodeConflict)

	result, err = f.server.handleDefine(context.Background(), buildRequest("chanops.define", map[string]any{
		"definition": rigDefinition(),
		"replace":    true,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var out map[string]any
	unmarshalResult(t, result, &out)
	assert.Equal(t, true, out["replaced"])
	after, _ := f.manager.Collection("rig")
	assert.NotSame(t, before, after)
}

func TestDefineToolRejectsInvalid(t *testing.T) {
	f := newFixture(t)
	def := rigDefinition()
	def["channels"].([]any)[0].(map[string]any)["segments"].([]any)[0].(map[string]any)["basis"] = "wobble"

	result, err := f.server.handleDefine(context.Background(), buildRequest("chanops.define", map[string]any{
		"definition": def,
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	var out struct {
		Valid      bool                    `json:"valid"`
		Validation schema.ValidationResult `json:"validation"`
	}
	unmarshalResult(t, result, &out)
	assert.False(t, out.Valid)
	assert.NotEmpty(t, out.Validation.Errors)
	_, loaded := f.manager.Collection("rig")
	assert.False(t, loaded)
}

func TestDefineToolDryRun(t *testing.T) {
	f := newFixture(t)
	result, err := f.server.handleDefine(context.Background(), buildRequest("chanops.define", map[string]any{
		"definition": rigDefinition(),
		"dry_run":    true,
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	_, loaded := f.manager.Collection("rig")
	assert.False(t, loaded)
}

func TestDefineToolMissingParams(t *testing.T) {
	f := newFixture(t)
	result, err := f.server.handleDefine(context.Background(), buildRequest("chanops.define", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestListTool(t *testing.T) {
	f := newFixture(t)
	f.define(t)

	result, err := f.server.handleList(context.Background(), buildRequest("chanops.list", nil))
	require.NoError(t, err)
	var all struct {
		FPS         float64             `json:"fps"`
		Collections []collectionSummary `json:"collections"`
		Pending     []string            `json:"pending"`
	}
	unmarshalResult(t, result, &all)
	assert.Equal(t, 24.0, all.FPS)
	require.Len(t, all.Collections, 1)
	assert.Equal(t, "rig", all.Collections[0].Name)
	assert.Equal(t, 2, all.Collections[0].Channels)

	result, err = f.server.handleList(context.Background(), buildRequest("chanops.list", map[string]any{"collection": "rig"}))
	require.NoError(t, err)
	var one struct {
		Channels []channelSummary `json:"channels"`
	}
	unmarshalResult(t, result, &one)
	require.Len(t, one.Channels, 2)
	assert.Equal(t, "tx", one.Channels[0].Name)
	assert.Equal(t, 2, one.Channels[0].Keys)
	assert.True(t, one.Channels[1].TimeDependent)

	result, err = f.server.handleList(context.Background(), buildRequest("chanops.list", map[string]any{"collection": "nope"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), schema.ErrCodeNotFound)
}

func TestEvaluateToolSingleTime(t *testing.T) {
	f := newFixture(t)
	f.define(t)

	result, err := f.server.handleEvaluate(context.Background(), buildRequest("chanops.evaluate", map[string]any{
		"collection": "rig",
		"time":       5.0,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var out evaluation
	unmarshalResult(t, result, &out)
	assert.InDelta(t, 5.0, out.Values["tx"], 1e-9)
	assert.InDelta(t, 10.0, out.Values["ty"], 1e-9)
	assert.Equal(t, 121, out.Frame)
	assert.Empty(t, out.Errors)
}

func TestEvaluateToolSlope(t *testing.T) {
	f := newFixture(t)
	f.define(t)

	result, err := f.server.handleEvaluate(context.Background(), buildRequest("chanops.evaluate", map[string]any{
		"collection": "rig",
		"channels":   []any{"tx"},
		"time":       5.0,
		"quantity":   "slope",
	}))
	require.NoError(t, err)
	var out evaluation
	unmarshalResult(t, result, &out)
	require.Len(t, out.Values, 1)
	assert.InDelta(t, 1.0, out.Values["tx"], 1e-6)
}

func TestEvaluateToolRange(t *testing.T) {
	f := newFixture(t)
	f.define(t)

	result, err := f.server.handleEvaluate(context.Background(), buildRequest("chanops.evaluate", map[string]any{
		"collection": "rig",
		"channels":   []any{"tx"},
		"start":      0.0,
		"end":        10.0,
		"step":       2.5,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var out struct {
		Times  []float64            `json:"times"`
		Values map[string][]float64 `json:"values"`
	}
	unmarshalResult(t, result, &out)
	assert.Equal(t, []float64{0, 2.5, 5, 7.5, 10}, out.Times)
	assert.InDeltaSlice(t, []float64{0, 2.5, 5, 7.5, 10}, out.Values["tx"], 1e-9)
}

func TestEvaluateToolErrors(t *testing.T) {
	f := newFixture(t)
	f.define(t)

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"missing collection", map[string]any{}, "collection is required"},
		{"unknown collection", map[string]any{"collection": "nope"}, schema.ErrCodeNotFound},
		{"unknown channel", map[string]any{"collection": "rig", "channels": []any{"tz"}}, "rig/tz"},
		{"half range", map[string]any{"collection": "rig", "start": 1.0}, "start and end"},
		{"reversed range", map[string]any{"collection": "rig", "start": 5.0, "end": 1.0}, "invalid sample range"},
		{"bad quantity", map[string]any{"collection": "rig", "quantity": "jerk"}, "quantity"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result, err := f.server.handleEvaluate(context.Background(), buildRequest("chanops.evaluate", tc.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Contains(t, extractText(t, result), tc.want)
		})
	}
}

func TestSetKeyTool(t *testing.T) {
	f := newFixture(t)
	f.define(t)

	result, err := f.server.handleSetKey(context.Background(), buildRequest("chanops.set_key", map[string]any{
		"collection": "rig",
		"channel":    "tx",
		"time":       5.0,
		"value":      20.0,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var out map[string]any
	unmarshalResult(t, result, &out)
	assert.Equal(t, 3.0, out["keys"])
	assert.Equal(t, 20.0, out["value"])
	assert.Equal(t, true, out["modified"])

	c, _ := f.manager.Collection("rig")
	assert.Equal(t, []string{"tx"}, c.ModifiedChannels())
}

func TestSetKeyToolPending(t *testing.T) {
	f := newFixture(t)
	f.define(t)

	result, err := f.server.handleSetKey(context.Background(), buildRequest("chanops.set_key", map[string]any{
		"collection": "rig",
		"channel":    "tx",
		"time":       5.0,
		"value":      20.0,
		"pending":    true,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))
	assert.Equal(t, []string{"rig/tx"}, f.manager.PendingChannels())

	c, _ := f.manager.Collection("rig")
	assert.Equal(t, 2, c.Channel("tx").NKeys(), "staged values are not keys")

	result, err = f.server.handleCommit(context.Background(), buildRequest("chanops.commit", nil))
	require.NoError(t, err)
	var out struct {
		Channels []string `json:"channels"`
	}
	unmarshalResult(t, result, &out)
	assert.Equal(t, []string{"rig/tx"}, out.Channels)
	assert.Empty(t, f.manager.PendingChannels())
	assert.Equal(t, 3, c.Channel("tx").NKeys())
}

func TestCommitToolDiscard(t *testing.T) {
	f := newFixture(t)
	f.define(t)
	c, _ := f.manager.Collection("rig")
	require.True(t, c.Channel("tx").SetKeyValue(3, 4, true, false))

	result, err := f.server.handleCommit(context.Background(), buildRequest("chanops.commit", map[string]any{
		"collection": "rig",
		"discard":    true,
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Empty(t, f.manager.PendingChannels())
	assert.Equal(t, 2, c.Channel("tx").NKeys())
}

func TestSetKeyToolCreateAndLocked(t *testing.T) {
	f := newFixture(t)
	f.define(t)

	args := map[string]any{"collection": "rig", "channel": "tz", "time": 1.0, "value": 2.0}
	result, err := f.server.handleSetKey(context.Background(), buildRequest("chanops.set_key", args))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), schema.ErrCodeNotFound)

	args["create"] = true
	result, err = f.server.handleSetKey(context.Background(), buildRequest("chanops.set_key", args))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))
	c, _ := f.manager.Collection("rig")
	require.NotNil(t, c.Channel("tz"))
	assert.Equal(t, 1, c.Channel("tz").NKeys())

	c.Channel("tx").SetLocked(true)
	result, err = f.server.handleSetKey(context.Background(), buildRequest("chanops.set_key", map[string]any{
		"collection": "rig", "channel": "tx", "time": 1.0, "value": 2.0,
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), schema.ErrCodeConflict)
}

func TestSetKeyToolMissingParams(t *testing.T) {
	f := newFixture(t)
	for _, missing := range []string{"collection", "channel", "time", "value"} {
		args := map[string]any{"collection": "rig", "channel": "tx", "time": 1.0, "value": 2.0}
		delete(args, missing)
		result, err := f.server.handleSetKey(context.Background(), buildRequest("chanops.set_key", args))
		require.NoError(t, err)
		assert.True(t, result.IsError, missing)
		assert.Contains(t, extractText(t, result), missing+" is required")
	}
}

func TestDeleteKeyTool(t *testing.T) {
	f := newFixture(t)
	f.define(t)

	result, err := f.server.handleDeleteKey(context.Background(), buildRequest("chanops.delete_key", map[string]any{
		"collection": "rig", "channel": "tx", "time": 10.0,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))
	c, _ := f.manager.Collection("rig")
	assert.Equal(t, 1, c.Channel("tx").NKeys())

	result, err = f.server.handleDeleteKey(context.Background(), buildRequest("chanops.delete_key", map[string]any{
		"collection": "rig", "channel": "tx", "time": 4.0,
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "no deletable key")
}

func TestSaveTool(t *testing.T) {
	f := newFixture(t)
	f.define(t)

	result, err := f.server.handleSave(context.Background(), buildRequest("chanops.save", map[string]any{"collection": "rig"}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	var out map[string]any
	unmarshalResult(t, result, &out)
	assert.Equal(t, 1.0, out["revision"])
	assert.Equal(t, []string{"rig"}, f.archive.saved)

	result, err = f.server.handleSave(context.Background(), buildRequest("chanops.save", nil))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t, []string{""}, f.archive.modifiedCalls)

	result, err = f.server.handleSave(context.Background(), buildRequest("chanops.save", map[string]any{
		"collection": "rig", "restore": true,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t, []string{"rig"}, f.archive.restored)
}

func TestSaveToolStoreError(t *testing.T) {
	f := newFixture(t)
	f.archive.saveErr = schema.NewError(schema.ErrCodeStore, "disk full")

	result, err := f.server.handleSave(context.Background(), buildRequest("chanops.save", map[string]any{"collection": "rig"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "disk full")
}

func TestSaveToolWithoutArchive(t *testing.T) {
	s := NewChanopsServer(ChanopsServerDeps{})
	result, err := s.handleSave(context.Background(), buildRequest("chanops.save", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestDiagramTool(t *testing.T) {
	f := newFixture(t)
	f.define(t)

	result, err := f.server.handleDiagram(context.Background(), buildRequest("chanops.diagram", map[string]any{
		"collection": "rig", "format": "mermaid",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	text := extractText(t, result)
	assert.Contains(t, text, "graph LR")
	assert.Contains(t, text, "ch_tx --> ch_ty")

	result, err = f.server.handleDiagram(context.Background(), buildRequest("chanops.diagram", map[string]any{
		"collection": "rig", "format": "ascii", "include_status": false,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Contains(t, extractText(t, result), "tx")

	result, err = f.server.handleDiagram(context.Background(), buildRequest("chanops.diagram", map[string]any{
		"collection": "rig", "format": "svg",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHistoryTool(t *testing.T) {
	f := newFixture(t)
	for i, ch := range []string{"tx", "ty", "tx", "tx"} {
		f.history.events = append(f.history.events, &store.Event{
			Collection: "rig", Channel: ch, Type: string(schema.ChangeKeyValue), Sequence: int64(i + 1),
		})
	}

	result, err := f.server.handleHistory(context.Background(), buildRequest("chanops.history", map[string]any{
		"collection": "rig", "channel": "tx", "limit": 2.0,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	var out struct {
		Events []*store.Event `json:"events"`
	}
	unmarshalResult(t, result, &out)
	require.Len(t, out.Events, 2)
	assert.Equal(t, int64(3), out.Events[0].Sequence)
	assert.Equal(t, int64(4), out.Events[1].Sequence)

	result, err = f.server.handleHistory(context.Background(), buildRequest("chanops.history", map[string]any{
		"collection": "rig", "since": 3.0,
	}))
	require.NoError(t, err)
	unmarshalResult(t, result, &out)
	require.Len(t, out.Events, 1)
}

func TestHistoryToolSummary(t *testing.T) {
	f := newFixture(t)
	f.history.histories = map[string]*store.ChannelHistory{
		"tx": {Channel: "tx", Edits: 3, KeyInserts: 1},
	}

	result, err := f.server.handleHistory(context.Background(), buildRequest("chanops.history", map[string]any{
		"collection": "rig", "channel": "tx", "summary": true,
	}))
	require.NoError(t, err)
	var h store.ChannelHistory
	unmarshalResult(t, result, &h)
	assert.Equal(t, 3, h.Edits)

	result, err = f.server.handleHistory(context.Background(), buildRequest("chanops.history", map[string]any{
		"collection": "rig", "channel": "ty", "summary": true,
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestWatchTool(t *testing.T) {
	f := newFixture(t)
	session := &fakeSession{id: "session-1", ch: make(chan mcp.JSONRPCNotification, 1)}
	ctx := f.server.MCPServer().WithContext(context.Background(), session)

	result, err := f.server.handleWatch(ctx, buildRequest("chanops.watch", map[string]any{"collection": "rig"}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))
	assert.Equal(t, []string{"session-1"}, f.server.Sessions().Watchers("rig"))

	result, err = f.server.handleWatch(ctx, buildRequest("chanops.watch", map[string]any{"collection": "rig", "stop": true}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Empty(t, f.server.Sessions().Watchers("rig"))
}

func TestWatchToolWithoutSession(t *testing.T) {
	f := newFixture(t)
	result, err := f.server.handleWatch(context.Background(), buildRequest("chanops.watch", map[string]any{"collection": "rig"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "client session")
}

// --- Test helpers ---

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target))
}
