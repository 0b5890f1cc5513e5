package events_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/metadata"
	"github.com/loomworks/loom/pkg/serdes"
)

func TestNewStampsTypeFromPayload(t *testing.T) {
	m, err := events.NewMaterialization("users_table", map[string]any{"rows": 99})
	require.NoError(t, err)

	ts := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	ev := events.New("run-1", "load", 3, ts, m)

	assert.Equal(t, events.TypeMaterialization, ev.Type)
	assert.Equal(t, "run-1", ev.RunID)
	assert.Equal(t, "load", ev.StepKey)
	assert.Equal(t, uint64(3), ev.Sequence)
	assert.Equal(t, ts, ev.Timestamp)
}

func TestConstructorsValidateAtAttachTime(t *testing.T) {
	_, err := events.NewMaterialization("", nil)
	assert.Error(t, err)

	_, err = events.NewObservation("", nil)
	assert.Error(t, err)

	// Unresolvable metadata fails construction, never deferred.
	var invalid *metadata.InvalidValueError
	_, err = events.NewMaterialization("asset", map[string]any{"bad": struct{}{}})
	require.Error(t, err)
	assert.ErrorAs(t, err, &invalid)

	_, err = events.NewExpectationResult(true, "rows_positive", map[string]any{"bad": make(chan int)})
	require.Error(t, err)
	assert.ErrorAs(t, err, &invalid)
}

func TestObservationDoesNotClaimProduction(t *testing.T) {
	o, err := events.NewObservation("upstream_table", map[string]any{"freshness_hours": 2.5})
	require.NoError(t, err)
	assert.Equal(t, events.TypeObservation, o.EventType())
	assert.Contains(t, o.Metadata, "freshness_hours")
}

func TestEventRoundTripThroughRegistry(t *testing.T) {
	r := serdes.NewRegistry()
	require.NoError(t, events.RegisterTypes(r))

	result, err := events.NewExpectationResult(false, "no_nulls", map[string]any{
		"null_count": 7,
		"column":     "email",
	})
	require.NoError(t, err)
	ev := events.New("run-1", "validate", 2, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), result)

	data, err := r.Encode(ev)
	require.NoError(t, err)

	decoded, err := r.Decode(data)
	require.NoError(t, err)
	got, ok := decoded.(events.Event)
	require.True(t, ok)

	assert.Equal(t, events.TypeExpectationResult, got.Type)
	payload, ok := got.Payload.(events.ExpectationResult)
	require.True(t, ok)
	assert.False(t, payload.Success)
	assert.Equal(t, "no_nulls", payload.Label)
	assert.Equal(t, result.Metadata, payload.Metadata)
}

func TestStepFailureRoundTripKeepsKind(t *testing.T) {
	r := serdes.NewRegistry()
	require.NoError(t, events.RegisterTypes(r))

	ev := events.New("run-1", "load", 4, time.Now().UTC(), events.StepFailure{
		Message:   "disk full",
		Kind:      events.FailureKindCrash,
		Retryable: true,
	})

	data, err := r.Encode(ev)
	require.NoError(t, err)
	decoded, err := r.Decode(data)
	require.NoError(t, err)

	payload := decoded.(events.Event).Payload.(events.StepFailure)
	assert.Equal(t, events.FailureKindCrash, payload.Kind)
	assert.True(t, payload.Retryable)
}

func TestRegisterTypesIsIdempotent(t *testing.T) {
	r := serdes.NewRegistry()
	require.NoError(t, events.RegisterTypes(r))
	require.NoError(t, events.RegisterTypes(r))
	assert.True(t, r.IsRegistered("Event"))
	assert.True(t, r.IsRegistered("Materialization"))
	assert.True(t, r.IsRegistered("TableSchema"))
}
