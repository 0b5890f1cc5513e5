// Package events defines the closed set of event kinds recorded about step
// execution. Events are pure values: every observable fact about a run,
// including failures and retries, is expressed as one of the types here and
// appended to the run event log.
package events

import (
	"fmt"
	"time"

	"github.com/loomworks/loom/pkg/metadata"
)

// Type discriminates the event kinds.
type Type string

const (
	TypeMaterialization    Type = "ASSET_MATERIALIZATION"
	TypeObservation        Type = "ASSET_OBSERVATION"
	TypeExpectationResult  Type = "STEP_EXPECTATION_RESULT"
	TypeStepSuccess        Type = "STEP_SUCCESS"
	TypeStepFailure        Type = "STEP_FAILURE"
	TypeStepRetryRequested Type = "STEP_RETRY_REQUESTED"
	TypeStepUpForRetry     Type = "STEP_UP_FOR_RETRY"
	TypeEngine             Type = "ENGINE_EVENT"
)

// Event is an immutable record of one fact about a step's execution.
// Sequence is assigned per step attempt, starting at 0; the run event log
// assigns its own storage ordinal at append time.
type Event struct {
	Type      Type      `json:"event_type"`
	RunID     string    `json:"run_id"`
	StepKey   string    `json:"step_key"`
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Payload   Payload   `json:"payload"`
}

// Payload is the kind-specific body of an Event. Each event type has exactly
// one payload shape; the set of implementations is closed.
type Payload interface {
	EventType() Type
}

// LoggedValue is the closed set of domain objects user code may pass to
// StepContext.LogEvent: materializations, observations, and expectation
// results. Matching on the variant tag replaces the runtime type sniffing
// the engine would otherwise need.
type LoggedValue interface {
	Payload
	loggedValue()
}

// Materialization asserts that a named asset was produced or updated by a
// step. Partition optionally identifies the slice of the asset affected.
type Materialization struct {
	AssetKey  string                    `json:"asset_key"`
	Metadata  map[string]metadata.Value `json:"metadata"`
	Partition string                    `json:"partition,omitempty"`
}

func (Materialization) EventType() Type { return TypeMaterialization }
func (Materialization) loggedValue()    {}

// Observation records a non-authoritative fact about an asset's state. Same
// shape as Materialization but does not claim the asset was produced this
// run.
type Observation struct {
	AssetKey  string                    `json:"asset_key"`
	Metadata  map[string]metadata.Value `json:"metadata"`
	Partition string                    `json:"partition,omitempty"`
}

func (Observation) EventType() Type { return TypeObservation }
func (Observation) loggedValue()    {}

// ExpectationResult records the outcome of a data quality check. It does not
// by itself affect step success or failure.
type ExpectationResult struct {
	Success     bool                      `json:"success"`
	Label       string                    `json:"label"`
	Description string                    `json:"description,omitempty"`
	Metadata    map[string]metadata.Value `json:"metadata"`
}

func (ExpectationResult) EventType() Type { return TypeExpectationResult }
func (ExpectationResult) loggedValue()    {}

// StepSuccess is the terminal payload of a successful attempt, carrying the
// final aggregated per-output metadata.
type StepSuccess struct {
	DurationMs     float64                              `json:"duration_ms"`
	OutputMetadata map[string]map[string]metadata.Value `json:"output_metadata,omitempty"`
}

func (StepSuccess) EventType() Type { return TypeStepSuccess }

// FailureKind distinguishes how a step failure was produced.
type FailureKind string

const (
	FailureKindUser       FailureKind = "USER"
	FailureKindValidation FailureKind = "VALIDATION"
	FailureKindCrash      FailureKind = "CRASH"
)

// StepFailure is the terminal payload of a failed attempt. Retryable follows
// the step's retry policy; Kind records whether the failure came from user
// code, attach-time validation, or a crash observed by the orchestrator.
type StepFailure struct {
	Message   string      `json:"message"`
	Kind      FailureKind `json:"kind"`
	Retryable bool        `json:"retryable"`
}

func (StepFailure) EventType() Type { return TypeStepFailure }

// StepRetryRequested records that user code asked for the step to be retried.
type StepRetryRequested struct {
	Message     string  `json:"message,omitempty"`
	WaitSeconds float64 `json:"wait_seconds,omitempty"`
}

func (StepRetryRequested) EventType() Type { return TypeStepRetryRequested }

// StepUpForRetry records that the orchestrator scheduled another attempt.
type StepUpForRetry struct {
	Message       string `json:"message,omitempty"`
	PreviousError string `json:"previous_error,omitempty"`
}

func (StepUpForRetry) EventType() Type { return TypeStepUpForRetry }

// EngineEvent records an orchestrator-side fact (launch accepted, crash
// detected, cancellation issued) into the same run log as step events.
type EngineEvent struct {
	Message  string                    `json:"message"`
	Metadata map[string]metadata.Value `json:"metadata,omitempty"`
}

func (EngineEvent) EventType() Type { return TypeEngine }

// New stamps a payload into an Event. Sequence assignment is owned by the
// step context; orchestrator-side events pass the next ordinal they hold.
func New(runID, stepKey string, seq uint64, ts time.Time, payload Payload) Event {
	return Event{
		Type:      payload.EventType(),
		RunID:     runID,
		StepKey:   stepKey,
		Sequence:  seq,
		Timestamp: ts,
		Payload:   payload,
	}
}

// NewMaterialization resolves the supplied metadata mapping and constructs a
// Materialization. Unresolvable metadata fails here, before the value can be
// buffered into an event.
func NewMaterialization(assetKey string, md map[string]any) (Materialization, error) {
	if assetKey == "" {
		return Materialization{}, fmt.Errorf("materialization requires a non-empty asset key")
	}
	resolved, err := metadata.ResolveMap(md)
	if err != nil {
		return Materialization{}, err
	}
	return Materialization{AssetKey: assetKey, Metadata: resolved}, nil
}

// NewObservation resolves the supplied metadata mapping and constructs an
// Observation.
func NewObservation(assetKey string, md map[string]any) (Observation, error) {
	if assetKey == "" {
		return Observation{}, fmt.Errorf("observation requires a non-empty asset key")
	}
	resolved, err := metadata.ResolveMap(md)
	if err != nil {
		return Observation{}, err
	}
	return Observation{AssetKey: assetKey, Metadata: resolved}, nil
}

// NewExpectationResult resolves the supplied metadata mapping and constructs
// an ExpectationResult.
func NewExpectationResult(success bool, label string, md map[string]any) (ExpectationResult, error) {
	resolved, err := metadata.ResolveMap(md)
	if err != nil {
		return ExpectationResult{}, err
	}
	return ExpectationResult{Success: success, Label: label, Metadata: resolved}, nil
}
