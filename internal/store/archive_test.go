package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chanops/internal/channel"
	"github.com/rendis/chanops/pkg/schema"
)

type rejectingValidator struct{ name string }

func (v rejectingValidator) ValidateDefinition(def *schema.CollectionDefinition) error {
	if def.Name == v.name {
		return schema.NewErrorf(schema.ErrCodeValidation, "rejected %s", def.Name)
	}
	return nil
}

func keyedCollection(t *testing.T, m *channel.Manager, name string) *channel.Collection {
	t.Helper()
	c, err := m.NewCollection(name)
	require.NoError(t, err)
	ch, err := c.AddChannel("tx", 1)
	require.NoError(t, err)
	ch.InsertKeyFrame(0, false)
	ch.InsertKeyFrame(2, false)
	return c
}

func TestArchiver_SaveAndRestore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := channel.NewManager(channel.ManagerConfig{})
	a := NewArchiver(s, m, ArchiverConfig{Lock: &sync.Mutex{}})

	c := keyedCollection(t, m, "obj")
	require.True(t, c.Modified())

	rec, err := a.Save(ctx, "obj")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Revision)
	assert.Equal(t, c.ID(), rec.ID)
	assert.False(t, c.Modified(), "save clears modified flags")
	assert.Equal(t, int64(1), a.Revision("obj"))

	fresh := channel.NewManager(channel.ManagerConfig{})
	b := NewArchiver(s, fresh, ArchiverConfig{})
	restored, err := b.Restore(ctx, "obj")
	require.NoError(t, err)
	assert.Equal(t, c.ID(), restored.ID())
	assert.Equal(t, []float64{0, 2}, restored.Channel("tx").KeyTimes())
	assert.False(t, restored.Modified())
	assert.Equal(t, int64(1), b.Revision("obj"))

	_, err = a.Save(ctx, "missing")
	requireCode(t, err, schema.ErrCodeNotFound)
}

func TestArchiver_RestoreReplacesCollection(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := channel.NewManager(channel.ManagerConfig{})
	a := NewArchiver(s, m, ArchiverConfig{})

	c := keyedCollection(t, m, "obj")
	_, err := a.Save(ctx, "obj")
	require.NoError(t, err)

	c.Channel("tx").InsertKeyFrame(5, false)
	restored, err := a.Restore(ctx, "obj")
	require.NoError(t, err)
	assert.NotSame(t, c, restored)
	assert.Equal(t, 2, restored.Channel("tx").NKeys())
	got, ok := m.Collection("obj")
	require.True(t, ok)
	assert.Same(t, restored, got)
}

func TestArchiver_StaleRevisionConflicts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m1 := channel.NewManager(channel.ManagerConfig{})
	a1 := NewArchiver(s, m1, ArchiverConfig{})
	keyedCollection(t, m1, "obj")
	_, err := a1.Save(ctx, "obj")
	require.NoError(t, err)

	m2 := channel.NewManager(channel.ManagerConfig{})
	a2 := NewArchiver(s, m2, ArchiverConfig{})
	_, err = a2.Restore(ctx, "obj")
	require.NoError(t, err)

	_, err = a1.Save(ctx, "obj")
	require.NoError(t, err)
	_, err = a2.Save(ctx, "obj")
	requireCode(t, err, schema.ErrCodeConflict)
}

func TestArchiver_SaveModified(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := channel.NewManager(channel.ManagerConfig{})
	a := NewArchiver(s, m, ArchiverConfig{})

	keyedCollection(t, m, "a")
	b := keyedCollection(t, m, "b")
	n, err := a.SaveModified(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = a.SaveModified(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, n, "nothing changed")

	b.Channel("tx").InsertKeyFrame(7, false)
	n, err = a.SaveModified(ctx, "a")
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = a.SaveModified(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(2), a.Revision("b"))

	_, err = a.SaveModified(ctx, "missing")
	requireCode(t, err, schema.ErrCodeNotFound)
}

func TestArchiver_RestoreAllSkipsRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, name := range []string{"good", "bad"} {
		require.NoError(t, s.SaveCollection(ctx, &CollectionRecord{Name: name, Definition: rampDefinition(name)}))
	}

	m := channel.NewManager(channel.ManagerConfig{})
	a := NewArchiver(s, m, ArchiverConfig{Validator: rejectingValidator{name: "bad"}})
	n, err := a.RestoreAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, ok := m.Collection("good")
	assert.True(t, ok)
	_, ok = m.Collection("bad")
	assert.False(t, ok)

	_, err = a.Restore(ctx, "bad")
	requireCode(t, err, schema.ErrCodeValidation)
}

func TestArchiver_BadRecordKeepsLoadedCollection(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := channel.NewManager(channel.ManagerConfig{})
	a := NewArchiver(s, m, ArchiverConfig{})
	c := keyedCollection(t, m, "obj")

	def := rampDefinition("obj")
	def.Channels[0].Segments[0].Basis = "wobbly"
	require.NoError(t, s.SaveCollection(ctx, &CollectionRecord{Name: "obj", Definition: def}))

	_, err := a.Restore(ctx, "obj")
	require.Error(t, err)
	var ce *schema.ChanopsError
	require.True(t, errors.As(err, &ce))
	got, ok := m.Collection("obj")
	require.True(t, ok)
	assert.Same(t, c, got)
}
