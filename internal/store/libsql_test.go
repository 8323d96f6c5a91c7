package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chanops/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	s, err := NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// rampDefinition is a collection with one channel ramping 0..5 over [0, 10].
func rampDefinition(name string) schema.CollectionDefinition {
	return schema.CollectionDefinition{
		Version: schema.DocumentVersion,
		Name:    name,
		Channels: []schema.ChannelDefinition{{
			Name: "tx",
			Segments: []schema.SegmentDefinition{
				{Start: 0, Length: 10, Basis: "linear", InValue: 0, OutValue: 5},
				{Start: 10, Basis: "linear", InValue: 5, OutValue: 5},
			},
		}},
		Metadata: map[string]any{"owner": "rig"},
	}
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	ce, ok := schema.AsError(err)
	require.True(t, ok, "expected ChanopsError, got %v", err)
	assert.Equal(t, code, ce.Code)
}

func TestMigrateIsIdempotent(t *testing.T) {
	s, err := NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "m.db"))
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	v, err := s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Zero(t, v)

	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.Migrate(ctx))
	v, err = s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), v)
}

func TestSplitStatements(t *testing.T) {
	script := "-- header only\n;\nCREATE TABLE a (x INT);\n-- note\nCREATE TABLE b (y INT);\n\n"
	assert.Equal(t, []string{"CREATE TABLE a (x INT)", "-- note\nCREATE TABLE b (y INT)"}, splitStatements(script))
}

func TestSaveAndGetCollection(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &CollectionRecord{Name: "obj", Definition: rampDefinition("obj")}
	require.NoError(t, s.SaveCollection(ctx, rec))
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, int64(1), rec.Revision)
	assert.Equal(t, 1, rec.ChannelCount)

	got, err := s.GetCollection(ctx, "obj")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, rec.ID, got.Definition.ID)
	assert.Equal(t, int64(1), got.Revision)
	require.Len(t, got.Definition.Channels, 1)
	assert.Equal(t, 5.0, got.Definition.Channels[0].Segments[0].OutValue)
	assert.Equal(t, "rig", got.Definition.Metadata["owner"])
}

func TestSaveCollectionKeepsDefinitionID(t *testing.T) {
	s := newTestStore(t)
	def := rampDefinition("obj")
	def.ID = "c-123"
	rec := &CollectionRecord{Name: "obj", Definition: def}
	require.NoError(t, s.SaveCollection(context.Background(), rec))
	assert.Equal(t, "c-123", rec.ID)
}

func TestSaveCollectionRevisions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := &CollectionRecord{Name: "obj", Definition: rampDefinition("obj")}
	require.NoError(t, s.SaveCollection(ctx, first))

	second := &CollectionRecord{Name: "obj", Definition: rampDefinition("obj"), Revision: 1}
	require.NoError(t, s.SaveCollection(ctx, second))
	assert.Equal(t, int64(2), second.Revision)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.CreatedAt.Unix(), second.CreatedAt.Unix())

	stale := &CollectionRecord{Name: "obj", Definition: rampDefinition("obj"), Revision: 1}
	requireCode(t, s.SaveCollection(ctx, stale), schema.ErrCodeConflict)

	blind := &CollectionRecord{Name: "obj", Definition: rampDefinition("obj")}
	require.NoError(t, s.SaveCollection(ctx, blind), "revision 0 skips the check")
	assert.Equal(t, int64(3), blind.Revision)

	other := &CollectionRecord{ID: "someone-else", Name: "obj", Definition: rampDefinition("obj")}
	requireCode(t, s.SaveCollection(ctx, other), schema.ErrCodeConflict)
}

func TestSaveCollectionRequiresName(t *testing.T) {
	s := newTestStore(t)
	requireCode(t, s.SaveCollection(context.Background(), &CollectionRecord{}), schema.ErrCodeValidation)
}

func TestGetCollectionNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetCollection(context.Background(), "missing")
	requireCode(t, err, schema.ErrCodeNotFound)
}

func TestListCollections(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, name := range []string{"rig_arm", "rig_leg", "cam", "rig%x"} {
		require.NoError(t, s.SaveCollection(ctx, &CollectionRecord{Name: name, Definition: rampDefinition(name)}))
	}

	all, err := s.ListCollections(ctx, CollectionFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 4)
	assert.Equal(t, "cam", all[0].Name)

	rigs, err := s.ListCollections(ctx, CollectionFilter{NamePrefix: "rig_"})
	require.NoError(t, err)
	require.Len(t, rigs, 2, "underscore is literal")
	assert.Equal(t, "rig_arm", rigs[0].Name)

	page, err := s.ListCollections(ctx, CollectionFilter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "rig%x", page[0].Name)

	future := time.Now().Add(time.Hour)
	none, err := s.ListCollections(ctx, CollectionFilter{Since: &future})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestDeleteCollection(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveCollection(ctx, &CollectionRecord{Name: "obj", Definition: rampDefinition("obj")}))

	require.NoError(t, s.DeleteCollection(ctx, "obj"))
	requireCode(t, s.DeleteCollection(ctx, "obj"), schema.ErrCodeNotFound)
	_, err := s.GetCollection(ctx, "obj")
	requireCode(t, err, schema.ErrCodeNotFound)
}

func TestEventsPerCollectionSequence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, coll := range []string{"a", "b", "a"} {
		require.NoError(t, s.AppendEvent(ctx, &Event{Collection: coll, Channel: "tx", Type: string(schema.ChangeKeyValue)}))
	}

	a, err := s.GetEvents(ctx, "a", 0)
	require.NoError(t, err)
	require.Len(t, a, 2)
	assert.Equal(t, []int64{1, 2}, []int64{a[0].Sequence, a[1].Sequence})
	assert.False(t, a[0].Timestamp.IsZero())

	since, err := s.GetEvents(ctx, "a", 1)
	require.NoError(t, err)
	require.Len(t, since, 1)
	assert.Equal(t, int64(2), since[0].Sequence)

	b, err := s.GetEvents(ctx, "b", 0)
	require.NoError(t, err)
	require.Len(t, b, 1)
	assert.Equal(t, int64(1), b[0].Sequence)
}

func TestGetEventsByType(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Minute)
	events := []*Event{
		{Collection: "obj", Channel: "tx", Type: "key_inserted", Time: 1, Timestamp: base},
		{Collection: "obj", Channel: "ty", Type: "key_inserted", Time: 2, Timestamp: base.Add(time.Second)},
		{Collection: "cam", Channel: "tx", Type: "key_inserted", Time: 3, Timestamp: base.Add(2 * time.Second)},
		{Collection: "obj", Channel: "tx", Type: "key_deleted", Timestamp: base.Add(3 * time.Second)},
	}
	for _, e := range events {
		require.NoError(t, s.AppendEvent(ctx, e))
	}

	inserted, err := s.GetEventsByType(ctx, "key_inserted", EventFilter{})
	require.NoError(t, err)
	require.Len(t, inserted, 3)
	assert.Equal(t, 3.0, inserted[0].Time, "newest first")

	obj, err := s.GetEventsByType(ctx, "key_inserted", EventFilter{Collection: "obj", Channel: "tx"})
	require.NoError(t, err)
	require.Len(t, obj, 1)
	assert.Equal(t, 1.0, obj[0].Time)

	since := base.Add(1500 * time.Millisecond)
	recent, err := s.GetEventsByType(ctx, "key_inserted", EventFilter{Since: &since, Limit: 5})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "cam", recent[0].Collection)

	limited, err := s.GetEventsByType(ctx, "key_inserted", EventFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestAutosaveJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	next := time.Now().UTC().Add(time.Minute).Truncate(time.Second)
	job := &AutosaveJob{Collection: "obj", CronExpression: "*/5 * * * *", Enabled: true, NextRunAt: &next}
	require.NoError(t, s.CreateAutosaveJob(ctx, job))
	require.NotEmpty(t, job.ID)
	require.NoError(t, s.CreateAutosaveJob(ctx, &AutosaveJob{CronExpression: "0 * * * *"}))

	got, err := s.GetAutosaveJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "obj", got.Collection)
	assert.True(t, got.Enabled)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, next.Equal(*got.NextRunAt))
	assert.Nil(t, got.LastRunAt)

	enabled := true
	list, err := s.ListAutosaveJobs(ctx, AutosaveJobFilter{Enabled: &enabled})
	require.NoError(t, err)
	require.Len(t, list, 1)

	now := time.Now().UTC().Truncate(time.Second)
	disabled := false
	require.NoError(t, s.UpdateAutosaveJob(ctx, job.ID, AutosaveJobUpdate{
		Enabled: &disabled, LastRunAt: &now, LastRunStatus: "success",
	}))
	got, err = s.GetAutosaveJob(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Equal(t, "success", got.LastRunStatus)
	require.NotNil(t, got.LastRunAt)

	require.NoError(t, s.UpdateAutosaveJob(ctx, job.ID, AutosaveJobUpdate{}), "empty update is a no-op")
	requireCode(t, s.UpdateAutosaveJob(ctx, "missing", AutosaveJobUpdate{LastRunStatus: "x"}), schema.ErrCodeNotFound)

	byColl, err := s.ListAutosaveJobs(ctx, AutosaveJobFilter{Collection: "obj"})
	require.NoError(t, err)
	assert.Len(t, byColl, 1)

	require.NoError(t, s.DeleteAutosaveJob(ctx, job.ID))
	_, err = s.GetAutosaveJob(ctx, job.ID)
	requireCode(t, err, schema.ErrCodeNotFound)
}

func TestVacuum(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Vacuum(context.Background()))
}
