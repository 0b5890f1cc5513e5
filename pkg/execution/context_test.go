package execution

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/metadata"
)

func testSpec(outputs ...string) StepSpec {
	return StepSpec{
		RunID:       "run-1",
		StepKey:     "the_step",
		OutputNames: outputs,
	}
}

func mustMaterialization(t *testing.T, key string, md map[string]any) events.Materialization {
	t.Helper()
	m, err := events.NewMaterialization(key, md)
	require.NoError(t, err)
	return m
}

func TestLogEventPreservesOrderAndSequences(t *testing.T) {
	sc := NewStepContext(testSpec("result"))

	require.NoError(t, sc.LogEvent(mustMaterialization(t, "a", nil)))
	obs, err := events.NewObservation("b", map[string]any{"seen": "yes"})
	require.NoError(t, err)
	require.NoError(t, sc.LogEvent(obs))
	exp, err := events.NewExpectationResult(true, "rows_positive", nil)
	require.NoError(t, err)
	require.NoError(t, sc.LogEvent(exp))

	drained := sc.DrainEvents()
	require.Len(t, drained, 3)
	assert.Equal(t, events.TypeMaterialization, drained[0].Type)
	assert.Equal(t, events.TypeObservation, drained[1].Type)
	assert.Equal(t, events.TypeExpectationResult, drained[2].Type)
	for i, ev := range drained {
		assert.Equal(t, uint64(i), ev.Sequence)
		assert.Equal(t, "run-1", ev.RunID)
		assert.Equal(t, "the_step", ev.StepKey)
	}
}

func TestDrainEmptyContextIsIdempotent(t *testing.T) {
	sc := NewStepContext(testSpec("result"))
	assert.False(t, sc.HasEvents())
	assert.Empty(t, sc.DrainEvents())
	assert.Empty(t, sc.DrainEvents())
}

func TestDrainRemovesEvents(t *testing.T) {
	sc := NewStepContext(testSpec("result"))
	require.NoError(t, sc.LogEvent(mustMaterialization(t, "foo", map[string]any{"rows": 42})))

	assert.True(t, sc.HasEvents())
	first := sc.DrainEvents()
	require.Len(t, first, 1)
	assert.Equal(t, uint64(0), first[0].Sequence)
	assert.False(t, sc.HasEvents())
	assert.Empty(t, sc.DrainEvents())
}

func TestSinkStreamsInsteadOfBuffering(t *testing.T) {
	var streamed []events.Event
	sc := NewStepContext(testSpec("result"), WithSink(func(ev events.Event) error {
		streamed = append(streamed, ev)
		return nil
	}))

	require.NoError(t, sc.LogEvent(mustMaterialization(t, "a", nil)))
	require.NoError(t, sc.LogEvent(mustMaterialization(t, "b", nil)))

	require.Len(t, streamed, 2)
	assert.Equal(t, uint64(0), streamed[0].Sequence)
	assert.Equal(t, uint64(1), streamed[1].Sequence)
	assert.False(t, sc.HasEvents())
}

func TestLogMetadataDefaultsToSingleOutput(t *testing.T) {
	sc := NewStepContext(testSpec("result"))
	require.NoError(t, sc.LogMetadataForOutput(map[string]any{"rows": 42}, ""))

	md := sc.MetadataForOutput("result")
	require.NotNil(t, md)
	assert.Equal(t, metadata.IntValue{Value: 42}, md["rows"])
}

func TestLogMetadataAmbiguousOutput(t *testing.T) {
	sc := NewStepContext(testSpec("left", "right"))
	err := sc.LogMetadataForOutput(map[string]any{"rows": 42}, "")
	assert.ErrorIs(t, err, ErrAmbiguousOutput)

	require.NoError(t, sc.LogMetadataForOutput(map[string]any{"rows": 42}, "left"))
	assert.NotNil(t, sc.MetadataForOutput("left"))
}

func TestLogMetadataNoDeclaredOutputs(t *testing.T) {
	sc := NewStepContext(testSpec())
	err := sc.LogMetadataForOutput(map[string]any{"rows": 42}, "")
	assert.ErrorIs(t, err, ErrNoDeclaredOutputs)
	assert.NotErrorIs(t, err, ErrAmbiguousOutput)
}

func TestLogMetadataUnknownOutput(t *testing.T) {
	sc := NewStepContext(testSpec("left", "right"))
	err := sc.LogMetadataForOutput(map[string]any{"rows": 42}, "middle")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownOutput)
	assert.Nil(t, sc.MetadataForOutput("middle"))

	// A declared name passes even when the step has no single default.
	require.NoError(t, sc.LogMetadataForOutput(map[string]any{"rows": 42}, "right"))
	assert.NotNil(t, sc.MetadataForOutput("right"))
}

func TestLogMetadataLastWriteWins(t *testing.T) {
	sc := NewStepContext(testSpec("result"))
	require.NoError(t, sc.LogMetadataForOutput(map[string]any{"rows": 1, "src": "a"}, ""))
	require.NoError(t, sc.LogMetadataForOutput(map[string]any{"rows": 2}, ""))

	md := sc.MetadataForOutput("result")
	assert.Equal(t, metadata.IntValue{Value: 2}, md["rows"])
	assert.Equal(t, metadata.TextValue{Text: "a"}, md["src"])
}

func TestLogMetadataInvalidValueFailsAtAttachTime(t *testing.T) {
	sc := NewStepContext(testSpec("result"))
	err := sc.LogMetadataForOutput(map[string]any{"bad": make(chan int)}, "")
	require.Error(t, err)

	var invalid *metadata.InvalidValueError
	assert.ErrorAs(t, err, &invalid)
	assert.False(t, sc.HasEvents())
}

func TestIdentityAccessors(t *testing.T) {
	spec := StepSpec{
		RunID:        "run-9",
		StepKey:      "s",
		RetryNumber:  2,
		OutputNames:  []string{"out"},
		Config:       map[string]any{"limit": 10},
		PartitionKey: "2026-08-01",
	}
	sc := NewStepContext(spec, WithClock(func() time.Time { return time.Unix(0, 0) }))

	assert.Equal(t, "run-9", sc.RunID())
	assert.Equal(t, "s", sc.StepKey())
	assert.Equal(t, 2, sc.RetryNumber())
	assert.Equal(t, []string{"out"}, sc.OutputNames())
	assert.Equal(t, 10, sc.Config()["limit"])
	assert.True(t, sc.HasPartitionKey())
	assert.Equal(t, "2026-08-01", sc.PartitionKey())
}

func TestOutputMetadataSnapshotIsACopy(t *testing.T) {
	sc := NewStepContext(testSpec("result"))
	require.NoError(t, sc.LogMetadataForOutput(map[string]any{"rows": 1}, ""))

	snapshot := sc.OutputMetadata()
	snapshot["result"]["rows"] = metadata.IntValue{Value: 99}

	md := sc.MetadataForOutput("result")
	assert.Equal(t, metadata.IntValue{Value: 1}, md["rows"])
}
