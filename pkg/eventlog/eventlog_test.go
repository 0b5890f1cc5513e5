package eventlog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/serdes"
)

func fullRegistry(t *testing.T) *serdes.Registry {
	t.Helper()
	r := serdes.NewRegistry()
	require.NoError(t, events.RegisterTypes(r))
	return r
}

func materializationEvent(t *testing.T, runID, stepKey string, seq uint64) events.Event {
	t.Helper()
	m, err := events.NewMaterialization("foo", map[string]any{"rows": 42})
	require.NoError(t, err)
	return events.New(runID, stepKey, seq, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), m)
}

func TestMemoryLogAppendAssignsOrdinals(t *testing.T) {
	log := NewMemoryLog(fullRegistry(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		rec, err := log.Append(ctx, materializationEvent(t, "run-1", "s", uint64(i)))
		require.NoError(t, err)
		assert.Equal(t, uint64(i), rec.LogIndex)
	}

	results, err := log.ReadRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i, res := range results {
		require.NoError(t, res.Err)
		require.NotNil(t, res.Event)
		assert.Equal(t, uint64(i), res.Record.LogIndex)
		assert.Equal(t, uint64(i), res.Event.Sequence)
	}
}

func TestMemoryLogRoundTripsPayload(t *testing.T) {
	log := NewMemoryLog(fullRegistry(t))
	ctx := context.Background()

	_, err := log.Append(ctx, materializationEvent(t, "run-1", "s", 0))
	require.NoError(t, err)

	results, err := log.ReadRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)

	mat, ok := results[0].Event.Payload.(events.Materialization)
	require.True(t, ok)
	assert.Equal(t, "foo", mat.AssetKey)
}

func TestMemoryLogUnknownRun(t *testing.T) {
	log := NewMemoryLog(fullRegistry(t))
	_, err := log.ReadRun(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNoSuchRun)
}

func TestMemoryLogConcurrentAppends(t *testing.T) {
	log := NewMemoryLog(fullRegistry(t))
	ctx := context.Background()

	const perStep = 20
	var wg sync.WaitGroup
	for _, step := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func(step string) {
			defer wg.Done()
			for i := 0; i < perStep; i++ {
				_, err := log.Append(ctx, materializationEvent(t, "run-1", step, uint64(i)))
				assert.NoError(t, err)
			}
		}(step)
	}
	wg.Wait()

	results, err := log.ReadRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, results, 3*perStep)

	// Storage ordinals are gapless; per-step sequences stay ordered.
	lastSeq := map[string]int64{"a": -1, "b": -1, "c": -1}
	for i, res := range results {
		require.NoError(t, res.Err)
		assert.Equal(t, uint64(i), res.Record.LogIndex)
		seq := int64(res.Event.Sequence)
		assert.Greater(t, seq, lastSeq[res.Event.StepKey])
		lastSeq[res.Event.StepKey] = seq
	}
}

func TestMemoryLogRuns(t *testing.T) {
	log := NewMemoryLog(fullRegistry(t))
	ctx := context.Background()
	_, err := log.Append(ctx, materializationEvent(t, "run-b", "s", 0))
	require.NoError(t, err)
	_, err = log.Append(ctx, materializationEvent(t, "run-a", "s", 0))
	require.NoError(t, err)

	assert.Equal(t, []string{"run-a", "run-b"}, log.Runs())
}
