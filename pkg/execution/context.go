// Package execution provides the per-attempt step execution context: the
// object user step code calls to report materializations, observations, and
// expectation results, and the orchestrator drains to feed the run event
// log.
package execution

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/metadata"
)

var (
	// ErrAmbiguousOutput is returned when metadata is attached without an
	// output name on a step that declares more than one output.
	ErrAmbiguousOutput = errors.New("ambiguous output: multiple outputs exist, provide an output name")

	// ErrNoDeclaredOutputs is returned when metadata is attached on a step
	// that declares no outputs at all.
	ErrNoDeclaredOutputs = errors.New("no declared outputs: this step cannot accept output metadata")

	// ErrUnknownOutput is returned when metadata names an output the step
	// does not declare.
	ErrUnknownOutput = errors.New("unknown output")
)

// StepSpec is the immutable identity and configuration of one step attempt,
// supplied by the surrounding engine. Config and Resources are opaque to
// this package.
type StepSpec struct {
	RunID        string         `json:"run_id"`
	StepKey      string         `json:"step_key"`
	RetryNumber  int            `json:"retry_number"`
	OutputNames  []string       `json:"output_names"`
	Config       map[string]any `json:"config,omitempty"`
	Resources    map[string]any `json:"resources,omitempty"`
	PartitionKey string         `json:"partition_key,omitempty"`
}

// EventSink receives events as they are logged instead of buffering them,
// used by remote workers to stream each event back as it is produced.
type EventSink func(events.Event) error

// StepContext accumulates events emitted by one step attempt. It is
// single-writer: only the attempt's own execution mutates it, and the
// orchestrator drains it after the attempt terminates.
type StepContext struct {
	mu             sync.Mutex
	spec           StepSpec
	clock          func() time.Time
	logger         *slog.Logger
	nextSeq        uint64
	buffer         []events.Event
	outputMetadata map[string]map[string]metadata.Value
	sink           EventSink
}

// Option configures a StepContext.
type Option func(*StepContext)

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) Option {
	return func(c *StepContext) { c.clock = clock }
}

// WithSink forwards each logged event to sink as it is produced rather than
// buffering it.
func WithSink(sink EventSink) Option {
	return func(c *StepContext) { c.sink = sink }
}

// WithLogger overrides the context logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *StepContext) { c.logger = logger }
}

// NewStepContext creates the context for one step attempt.
func NewStepContext(spec StepSpec, opts ...Option) *StepContext {
	c := &StepContext{
		spec:           spec,
		clock:          time.Now,
		logger:         slog.Default().With("component", "step_context", "step_key", spec.StepKey),
		outputMetadata: make(map[string]map[string]metadata.Value),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// LogEvent classifies a logged domain value into its event kind, assigns the
// next sequence number, and buffers (or streams) the event. The variant set
// is closed; a value outside it cannot reach here.
func (c *StepContext) LogEvent(v events.LoggedValue) error {
	var payload events.Payload
	switch lv := v.(type) {
	case events.Materialization:
		payload = lv
	case events.Observation:
		payload = lv
	case events.ExpectationResult:
		payload = lv
	default:
		return fmt.Errorf("unexpected logged value %T: internal invariant violation", v)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ev := events.New(c.spec.RunID, c.spec.StepKey, c.nextSeq, c.clock(), payload)
	c.nextSeq++

	if c.sink != nil {
		if err := c.sink(ev); err != nil {
			return fmt.Errorf("event sink rejected event %d for step %s: %w", ev.Sequence, c.spec.StepKey, err)
		}
		return nil
	}
	c.buffer = append(c.buffer, ev)
	return nil
}

// LogMetadataForOutput merges metadata into the accumulated mapping for an
// output. With an empty outputName the step's single declared output is
// assumed; on a step with multiple outputs the caller must disambiguate,
// and an explicit name must be one the step declares. Merging is
// last-write-wins per key. Malformed metadata fails here, at attach time.
func (c *StepContext) LogMetadataForOutput(md map[string]any, outputName string) error {
	resolved, err := metadata.ResolveMap(md)
	if err != nil {
		return err
	}

	if outputName == "" {
		switch len(c.spec.OutputNames) {
		case 0:
			return ErrNoDeclaredOutputs
		case 1:
			outputName = c.spec.OutputNames[0]
		default:
			return ErrAmbiguousOutput
		}
	} else if !c.declaresOutput(outputName) {
		return fmt.Errorf("%w %q: step %q declares %v", ErrUnknownOutput, outputName, c.spec.StepKey, c.spec.OutputNames)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	existing, ok := c.outputMetadata[outputName]
	if !ok {
		existing = make(map[string]metadata.Value, len(resolved))
		c.outputMetadata[outputName] = existing
	}
	for k, v := range resolved {
		existing[k] = v
	}
	return nil
}

func (c *StepContext) declaresOutput(name string) bool {
	for _, declared := range c.spec.OutputNames {
		if declared == name {
			return true
		}
	}
	return false
}

// MetadataForOutput returns the accumulated metadata for one output, or nil.
func (c *StepContext) MetadataForOutput(outputName string) map[string]metadata.Value {
	c.mu.Lock()
	defer c.mu.Unlock()
	md, ok := c.outputMetadata[outputName]
	if !ok {
		return nil
	}
	out := make(map[string]metadata.Value, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}

// OutputMetadata returns the accumulated metadata for every output.
func (c *StepContext) OutputMetadata() map[string]map[string]metadata.Value {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]map[string]metadata.Value, len(c.outputMetadata))
	for name, md := range c.outputMetadata {
		copied := make(map[string]metadata.Value, len(md))
		for k, v := range md {
			copied[k] = v
		}
		out[name] = copied
	}
	return out
}

// HasEvents reports whether undrained events are buffered.
func (c *StepContext) HasEvents() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffer) > 0
}

// DrainEvents returns and removes all buffered events in logging order.
// Draining an empty context returns an empty slice.
func (c *StepContext) DrainEvents() []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	drained := c.buffer
	c.buffer = nil
	if drained == nil {
		return []events.Event{}
	}
	return drained
}

// NextSequence hands out the next event ordinal for this attempt, used by
// the engine to stamp terminal events after user code returns.
func (c *StepContext) NextSequence() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	seq := c.nextSeq
	c.nextSeq++
	return seq
}

// RunID returns the run this attempt belongs to.
func (c *StepContext) RunID() string { return c.spec.RunID }

// StepKey returns the step's key.
func (c *StepContext) StepKey() string { return c.spec.StepKey }

// RetryNumber returns which attempt is executing: 0 for the initial attempt,
// 1 for the first retry.
func (c *StepContext) RetryNumber() int { return c.spec.RetryNumber }

// OutputNames returns the step's declared output names.
func (c *StepContext) OutputNames() []string { return c.spec.OutputNames }

// Config returns the opaque step configuration.
func (c *StepContext) Config() map[string]any { return c.spec.Config }

// Resources returns the opaque resource bindings.
func (c *StepContext) Resources() map[string]any { return c.spec.Resources }

// HasPartitionKey reports whether the attempt runs against a partition.
func (c *StepContext) HasPartitionKey() bool { return c.spec.PartitionKey != "" }

// PartitionKey returns the partition identifier for partitioned runs.
func (c *StepContext) PartitionKey() string { return c.spec.PartitionKey }

// Spec returns a copy of the immutable step attempt identity.
func (c *StepContext) Spec() StepSpec { return c.spec }

// Logger returns the attempt-scoped structured logger.
func (c *StepContext) Logger() *slog.Logger { return c.logger }
