package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chanops/internal/channel"
	"github.com/rendis/chanops/pkg/schema"
)

func newTestEventLog(t *testing.T) (*EventLog, *LibSQLStore) {
	t.Helper()
	s := newTestStore(t)
	return NewEventLog(s), s
}

func change(channelName string, typ schema.ChangeType, payload map[string]any) schema.ChangeEvent {
	return schema.ChangeEvent{
		ID:         "ev-" + channelName + "-" + string(typ),
		Collection: "obj",
		Channel:    channelName,
		Type:       typ,
		Time:       2.5,
		Payload:    payload,
		Timestamp:  time.Now().UTC(),
	}
}

func TestEventLog_PublishStoresEvent(t *testing.T) {
	el, _ := newTestEventLog(t)
	ctx := context.Background()

	require.NoError(t, el.Publish(ctx, change("tx", schema.ChangeKeyMoved, map[string]any{"from": 1.0, "to": 2.0})))

	events, err := el.GetEvents(ctx, "obj", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	e := events[0]
	assert.Equal(t, "ev-tx-key_moved", e.EventID)
	assert.Equal(t, "tx", e.Channel)
	assert.Equal(t, string(schema.ChangeKeyMoved), e.Type)
	assert.Equal(t, 2.5, e.Time)
	assert.JSONEq(t, `{"from":1,"to":2}`, string(e.Payload))
	assert.Equal(t, int64(1), e.Sequence)
}

func TestEventLog_MonotonicSequenceUnderConcurrency(t *testing.T) {
	el, _ := newTestEventLog(t)
	ctx := context.Background()

	const writers, perWriter = 8, 10
	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				errs <- el.Publish(ctx, change("tx", schema.ChangeKeyValue, nil))
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	events, err := el.GetEvents(ctx, "obj", 0)
	require.NoError(t, err)
	require.Len(t, events, writers*perWriter)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Sequence)
	}
}

func TestEventLog_ReplayEvents(t *testing.T) {
	el, _ := newTestEventLog(t)
	ctx := context.Background()

	for _, ev := range []schema.ChangeEvent{
		{Collection: "obj", Type: schema.ChangeScope},
		change("tx", schema.ChangeChannelAdded, nil),
		change("tx", schema.ChangeKeyInserted, map[string]any{"key": 0.0}),
		change("tx", schema.ChangeKeyInserted, map[string]any{"key": 1.0}),
		change("tx", schema.ChangeKeyDeleted, nil),
		change("px", schema.ChangeChannelRename, map[string]any{"from": "tx", "to": "px"}),
		change("ty", schema.ChangeChannelAdded, nil),
		change("ty", schema.ChangeChannelDelete, nil),
	} {
		require.NoError(t, el.Publish(ctx, ev))
	}

	histories, err := el.ReplayEvents(ctx, "obj")
	require.NoError(t, err)
	require.Len(t, histories, 2)

	px := histories["px"]
	require.NotNil(t, px)
	assert.Equal(t, "tx", px.RenamedFrom)
	assert.Equal(t, 5, px.Edits)
	assert.Equal(t, 2, px.KeyInserts)
	assert.Equal(t, 1, px.KeyDeletes)
	assert.Equal(t, string(schema.ChangeChannelRename), px.LastType)
	assert.Equal(t, "px", px.LastPayload["to"])
	assert.False(t, px.Deleted)

	assert.True(t, histories["ty"].Deleted)
}

func TestEventLog_ReplayEmpty(t *testing.T) {
	el, _ := newTestEventLog(t)
	histories, err := el.ReplayEvents(context.Background(), "nothing")
	require.NoError(t, err)
	assert.Empty(t, histories)
}

func TestEventLog_ReplayDetectsGap(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	require.NoError(t, el.Publish(ctx, change("tx", schema.ChangeKeyValue, nil)))
	_, err := s.DB().ExecContext(ctx,
		`INSERT INTO change_events (collection, event_type, timestamp, sequence) VALUES ('obj', 'key_value_changed', ?, 3)`,
		time.Now().UTC())
	require.NoError(t, err)

	_, err = el.ReplayEvents(ctx, "obj")
	requireCode(t, err, schema.ErrCodeStore)
}

func TestEventLog_RecordsManagerEdits(t *testing.T) {
	el, _ := newTestEventLog(t)
	ctx := context.Background()

	m := channel.NewManager(channel.ManagerConfig{Publisher: el})
	c, err := m.NewCollection("obj")
	require.NoError(t, err)
	ch, err := c.AddChannel("tx", 0)
	require.NoError(t, err)
	ch.InsertKeyFrame(0, false)
	ch.InsertKeyFrame(1, false)
	require.NoError(t, c.Rename("tx", "px"))

	inserted, err := el.GetEventsByType(ctx, schema.ChangeKeyInserted, EventFilter{Collection: "obj"})
	require.NoError(t, err)
	assert.Len(t, inserted, 2)

	histories, err := el.ReplayEvents(ctx, "obj")
	require.NoError(t, err)
	require.Contains(t, histories, "px")
	assert.Equal(t, 2, histories["px"].KeyInserts)
	assert.Equal(t, "tx", histories["px"].RenamedFrom)
}
