package launch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/execution"
	"github.com/loomworks/loom/pkg/metadata"
	"github.com/loomworks/loom/pkg/serdes"
)

// StepFunc is the unit of user work a worker can execute.
type StepFunc func(ctx context.Context, sc *execution.StepContext) error

// launchRequestSchema rejects malformed launch requests before any step code
// runs. Extra fields pass through so newer orchestrators stay compatible.
var launchRequestSchema = jsonschema.MustCompileString("launch_request.json", `{
	"type": "object",
	"required": ["run_id", "step_key"],
	"properties": {
		"run_id": {"type": "string", "minLength": 1},
		"step_key": {"type": "string", "minLength": 1},
		"retry_number": {"type": "integer", "minimum": 0},
		"output_names": {"type": "array", "items": {"type": "string"}},
		"partition_key": {"type": "string"}
	}
}`)

// Runner is the worker-side entry point: a registry of executable steps and
// the protocol loop that runs one launched attempt per session, streaming
// its events back over the transport as they are produced.
type Runner struct {
	mu       sync.RWMutex
	steps    map[string]StepFunc
	registry *serdes.Registry
	logger   *slog.Logger
	clock    func() time.Time
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRunnerClock overrides the clock for testing.
func WithRunnerClock(clock func() time.Time) RunnerOption {
	return func(r *Runner) { r.clock = clock }
}

// WithRunnerLogger overrides the runner logger.
func WithRunnerLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = logger }
}

// NewRunner creates a worker runner encoding events with registry.
func NewRunner(registry *serdes.Registry, opts ...RunnerOption) *Runner {
	r := &Runner{
		steps:    make(map[string]StepFunc),
		registry: registry,
		logger:   slog.Default().With("component", "step_runner"),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterStep makes fn launchable under key. Registration must finish
// before Serve is called.
func (r *Runner) RegisterStep(key string, fn StepFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps[key] = fn
}

func (r *Runner) step(key string) (StepFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.steps[key]
	return fn, ok
}

// Serve handles one launch session on t: handshake, one launch request, the
// event stream, and exactly one terminal result. It returns once the session
// ends.
func (r *Runner) Serve(ctx context.Context, t Transport) error {
	defer func() { _ = t.Close() }()

	env, err := t.Recv(ctx)
	if err != nil {
		return fmt.Errorf("no hello from orchestrator: %w", err)
	}
	if env.Type != MessageHello || env.Hello == nil {
		return fmt.Errorf("%w: orchestrator opened with %q instead of hello", ErrProtocolMismatch, string(env.Type))
	}
	hello := Hello{ProtocolVersion: ProtocolVersion}
	if err := t.Send(ctx, Envelope{Type: MessageHello, Hello: &hello}); err != nil {
		return fmt.Errorf("failed to send hello: %w", err)
	}
	if err := CheckCompatibility(env.Hello.ProtocolVersion); err != nil {
		return err
	}

	env, err = t.Recv(ctx)
	if err != nil {
		return fmt.Errorf("no launch request: %w", err)
	}
	if env.Type != MessageLaunch || env.Launch == nil {
		return fmt.Errorf("expected launch request, got %q", string(env.Type))
	}
	req := *env.Launch

	logger := r.logger.With("run_id", req.RunID, "step_key", req.StepKey, "retry_number", req.RetryNumber)

	if err := validateLaunchRequest(req); err != nil {
		logger.Warn("rejecting malformed launch request", "error", err)
		return r.sendFailure(ctx, t, nil, events.StepFailure{
			Message: err.Error(),
			Kind:    events.FailureKindValidation,
		}, req)
	}

	fn, ok := r.step(req.StepKey)
	if !ok {
		logger.Warn("no step registered for key")
		return r.sendFailure(ctx, t, nil, events.StepFailure{
			Message: fmt.Sprintf("no step registered for key %q", req.StepKey),
			Kind:    events.FailureKindValidation,
		}, req)
	}

	spec, err := stepSpec(req)
	if err != nil {
		return r.sendFailure(ctx, t, nil, events.StepFailure{
			Message: err.Error(),
			Kind:    events.FailureKindValidation,
		}, req)
	}

	// Every logged event streams back immediately; Send is synchronous, so
	// the orchestrator receives them in logging order.
	sink := func(ev events.Event) error {
		data, err := r.registry.Encode(ev)
		if err != nil {
			return err
		}
		return t.Send(ctx, Envelope{Type: MessageEvent, Event: &StepEvent{Data: data}})
	}
	sc := execution.NewStepContext(spec,
		execution.WithClock(r.clock),
		execution.WithSink(sink),
		execution.WithLogger(logger),
	)

	stepCtx, cancelStep := context.WithCancel(ctx)
	defer cancelStep()
	go r.watchCancel(stepCtx, t, cancelStep, logger)

	logger.Info("executing launched step")
	started := r.clock()
	runErr := r.runStep(stepCtx, fn, sc)
	elapsed := r.clock().Sub(started)

	// Anything still buffered flushes before the terminal result.
	for _, ev := range sc.DrainEvents() {
		if err := sink(ev); err != nil {
			return fmt.Errorf("failed to flush buffered event: %w", err)
		}
	}

	if runErr == nil {
		success := events.StepSuccess{
			DurationMs:     float64(elapsed) / float64(time.Millisecond),
			OutputMetadata: sc.OutputMetadata(),
		}
		terminal := events.New(req.RunID, req.StepKey, sc.NextSequence(), r.clock(), success)
		data, err := r.registry.Encode(terminal)
		if err != nil {
			return fmt.Errorf("failed to encode terminal event: %w", err)
		}
		logger.Info("step succeeded", "duration_ms", success.DurationMs)
		return t.Send(ctx, Envelope{Type: MessageResult, Result: &StepResult{
			Status: ResultSuccess,
			Event:  data,
		}})
	}

	var retry *execution.RetryRequestedError
	if errors.As(runErr, &retry) {
		requested := events.New(req.RunID, req.StepKey, sc.NextSequence(), r.clock(), events.StepRetryRequested{
			Message:     retry.Message,
			WaitSeconds: retry.WaitSeconds,
		})
		data, err := r.registry.Encode(requested)
		if err != nil {
			return fmt.Errorf("failed to encode retry request: %w", err)
		}
		if err := t.Send(ctx, Envelope{Type: MessageEvent, Event: &StepEvent{Data: data}}); err != nil {
			return err
		}
	}

	failure := events.StepFailure{
		Message:   runErr.Error(),
		Kind:      events.FailureKindUser,
		Retryable: execution.IsRetryable(runErr),
	}
	var invalid *metadata.InvalidValueError
	if errors.As(runErr, &invalid) ||
		errors.Is(runErr, execution.ErrAmbiguousOutput) ||
		errors.Is(runErr, execution.ErrNoDeclaredOutputs) ||
		errors.Is(runErr, execution.ErrUnknownOutput) {
		failure.Kind = events.FailureKindValidation
	}
	logger.Warn("step failed", "error", runErr, "retryable", failure.Retryable)
	return r.sendFailure(ctx, t, sc, failure, req)
}

// runStep invokes user code, converting a panic into an error so the worker
// still reports a terminal result.
func (r *Runner) runStep(ctx context.Context, fn StepFunc, sc *execution.StepContext) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("step panicked: %v", rec)
		}
	}()
	return fn(ctx, sc)
}

// watchCancel cancels the running step when the orchestrator sends a cancel
// message. Other envelopes are not expected mid-execution and are dropped.
func (r *Runner) watchCancel(ctx context.Context, t Transport, cancel context.CancelFunc, logger *slog.Logger) {
	for {
		env, err := t.Recv(ctx)
		if err != nil {
			return
		}
		if env.Type == MessageCancel {
			logger.Info("cancellation received")
			cancel()
			return
		}
	}
}

func (r *Runner) sendFailure(ctx context.Context, t Transport, sc *execution.StepContext, failure events.StepFailure, req LaunchStepRequest) error {
	var seq uint64
	if sc != nil {
		seq = sc.NextSequence()
	}
	terminal := events.New(req.RunID, req.StepKey, seq, r.clock(), failure)
	data, err := r.registry.Encode(terminal)
	if err != nil {
		return fmt.Errorf("failed to encode terminal event: %w", err)
	}
	return t.Send(ctx, Envelope{Type: MessageResult, Result: &StepResult{
		Status: ResultFailure,
		Event:  data,
		Error:  &ResultError{Message: failure.Message, Retryable: failure.Retryable},
	}})
}

func validateLaunchRequest(req LaunchStepRequest) error {
	raw, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode launch request for validation: %w", err)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	if err := launchRequestSchema.Validate(v); err != nil {
		return fmt.Errorf("invalid launch request: %w", err)
	}
	return nil
}

// stepSpec reconstructs the step context identity from the wire request.
func stepSpec(req LaunchStepRequest) (execution.StepSpec, error) {
	spec := execution.StepSpec{
		RunID:        req.RunID,
		StepKey:      req.StepKey,
		RetryNumber:  req.RetryNumber,
		OutputNames:  req.OutputNames,
		PartitionKey: req.PartitionKey,
	}
	if len(req.Config) > 0 {
		if err := json.Unmarshal(req.Config, &spec.Config); err != nil {
			return execution.StepSpec{}, fmt.Errorf("failed to decode step config: %w", err)
		}
	}
	if len(req.Resources) > 0 {
		if err := json.Unmarshal(req.Resources, &spec.Resources); err != nil {
			return execution.StepSpec{}, fmt.Errorf("failed to decode resource bindings: %w", err)
		}
	}
	return spec, nil
}
