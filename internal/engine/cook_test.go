package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chanops/internal/channel"
	"github.com/rendis/chanops/pkg/schema"
)

func ramp(t *testing.T, c *channel.Collection, name string, v1 float64) {
	t.Helper()
	ch, err := c.AddChannel(name, 0)
	require.NoError(t, err)
	for _, k := range [][2]float64{{0, 0}, {10, v1}} {
		side := channel.KeySide{Value: k[1]}
		require.True(t, ch.PutKey(channel.Key{
			Time: k[0], In: side, Out: side,
			ValueTied: true, SlopeTied: true, Basis: channel.BasisLinear,
		}))
	}
}

func cookPool(t *testing.T) *WorkerPool {
	t.Helper()
	m := channel.NewManager(channel.ManagerConfig{})
	a, err := m.NewCollection("a")
	require.NoError(t, err)
	ramp(t, a, "tx", 10)
	b, err := m.NewCollection("b")
	require.NoError(t, err)
	ramp(t, b, "ty", 20)
	ramp(t, b, "tz", -10)

	pool := NewWorkerPool(m, 3, nil)
	t.Cleanup(pool.Shutdown)
	return pool
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	ce, ok := schema.AsError(err)
	require.True(t, ok, "expected ChanopsError, got %v", err)
	assert.Equal(t, code, ce.Code)
}

func TestCook_SamplesCollections(t *testing.T) {
	pool := cookPool(t)
	results, err := pool.Cook(context.Background(), []CookRequest{
		{Collection: "a", Channels: []string{"tx"}, Start: 0, End: 10, Step: 5},
		{Collection: "b", Start: 0, End: 10, Step: 5},
		{Collection: "a", Start: 2.5, End: 2.5, Step: 1},
	})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, []float64{0, 5, 10}, results[0].Times)
	assert.InDeltaSlice(t, []float64{0, 5, 10}, results[0].Values["tx"], 1e-9)
	assert.NoError(t, results[0].Err)

	assert.Len(t, results[1].Values, 2, "every active channel")
	assert.InDeltaSlice(t, []float64{0, 10, 20}, results[1].Values["ty"], 1e-9)
	assert.InDeltaSlice(t, []float64{0, -5, -10}, results[1].Values["tz"], 1e-9)

	assert.Equal(t, []float64{2.5}, results[2].Times)
	assert.InDelta(t, 2.5, results[2].Values["tx"][0], 1e-9)

	assert.Equal(t, int64(3), pool.Metrics().Completed)
}

func TestCook_RequestErrors(t *testing.T) {
	pool := cookPool(t)
	results, err := pool.Cook(context.Background(), []CookRequest{
		{Collection: "missing", End: 1},
		{Collection: "a", Start: 5, End: 1},
		{Collection: "a", Channels: []string{"tx", "nope"}, End: 10, Step: 10},
	})
	require.NoError(t, err, "request failures stay in the results")

	requireCode(t, results[0].Err, schema.ErrCodeNotFound)
	requireCode(t, results[1].Err, schema.ErrCodeValidation)
	requireCode(t, results[2].Err, schema.ErrCodeNotFound)
	assert.InDeltaSlice(t, []float64{0, 10}, results[2].Values["tx"], 1e-9, "good channels still cook")
	assert.Len(t, results[2].Values["nope"], 2)
	assert.Equal(t, int64(3), pool.Metrics().Failed)
}

func TestCook_ShutdownPool(t *testing.T) {
	pool := cookPool(t)
	pool.Shutdown()
	_, err := pool.Cook(context.Background(), []CookRequest{{Collection: "a", End: 1}})
	assert.ErrorIs(t, err, ErrPoolShutdown)
}

func TestSampleTimes(t *testing.T) {
	times, err := SampleTimes(0, 1, 0, 24)
	require.NoError(t, err)
	assert.Len(t, times, 25, "one sample per frame, both ends included")

	times, err = SampleTimes(1, 2, 0.3, 24)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{1, 1.3, 1.6, 1.9}, times, 1e-9)

	_, err = SampleTimes(0, 1, -1, 24)
	requireCode(t, err, schema.ErrCodeValidation)
	_, err = SampleTimes(0, 1e9, 0, 24)
	requireCode(t, err, schema.ErrCodeValidation)
}
