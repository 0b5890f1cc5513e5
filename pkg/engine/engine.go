// Package engine executes run plans: it orders steps by their declared
// dependencies, runs each attempt locally or through the remote launch
// protocol, applies retry policy between attempts, and records every
// observable fact into the run event log.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/loomworks/loom/pkg/eventlog"
	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/execution"
	"github.com/loomworks/loom/pkg/launch"
	"github.com/loomworks/loom/pkg/metadata"
	"github.com/loomworks/loom/pkg/serdes"
)

// Step is one schedulable unit of a plan. Remote steps execute through the
// launch protocol using the engine's transport factory; local steps run Fn
// in process.
type Step struct {
	Key         string
	OutputNames []string
	Config      map[string]any
	Resources   map[string]any
	DependsOn   []string
	Remote      bool
	Fn          launch.StepFunc
	Retry       RetryPolicy
}

// Plan is a run's dependency graph.
type Plan struct {
	RunID        string
	PartitionKey string
	Steps        []Step
}

// StepStatus is the final disposition of one step across all its attempts.
type StepStatus struct {
	Outcome  launch.Outcome
	Attempts int
	Skipped  bool
}

// RunResult summarizes a completed run.
type RunResult struct {
	RunID  string
	Steps  map[string]StepStatus
	Failed bool
}

// TransportFactory opens a launch channel to a worker able to execute step.
type TransportFactory func(ctx context.Context, step Step) (launch.Transport, error)

// AttemptTracker observes one attempt's execution. The returned context
// flows into the attempt; done is called once with the attempt's failure, or
// nil on success.
type AttemptTracker func(ctx context.Context, runID, stepKey string, retryNumber int) (context.Context, func(error))

// Engine executes plans against one run event log.
type Engine struct {
	log         eventlog.Log
	registry    *serdes.Registry
	launcher    *launch.Launcher
	retries     *RetryEvaluator
	logger      *slog.Logger
	clock       func() time.Time
	tracer      trace.Tracer
	maxParallel int
	transports  TransportFactory
	tracker     AttemptTracker
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithLogger overrides the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMaxParallel bounds how many steps execute concurrently.
func WithMaxParallel(n int) Option {
	return func(e *Engine) { e.maxParallel = n }
}

// WithTransportFactory enables remote steps.
func WithTransportFactory(f TransportFactory) Option {
	return func(e *Engine) { e.transports = f }
}

// WithAttemptTracker hooks metrics collection around each attempt.
func WithAttemptTracker(tracker AttemptTracker) Option {
	return func(e *Engine) { e.tracker = tracker }
}

// WithLauncher overrides the remote launcher, used to shorten timeouts in
// tests.
func WithLauncher(l *launch.Launcher) Option {
	return func(e *Engine) { e.launcher = l }
}

// New creates an engine appending to log.
func New(log eventlog.Log, registry *serdes.Registry, opts ...Option) (*Engine, error) {
	retries, err := NewRetryEvaluator()
	if err != nil {
		return nil, err
	}
	e := &Engine{
		log:         log,
		registry:    registry,
		retries:     retries,
		logger:      slog.Default().With("component", "engine"),
		clock:       time.Now,
		tracer:      otel.Tracer("loom/engine"),
		maxParallel: 4,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.launcher == nil {
		e.launcher = launch.NewLauncher(log, registry, launch.WithClock(e.clock))
	}
	return e, nil
}

// ExecuteRun runs the plan to completion. Step failures are reported in the
// result; the error return is reserved for plan validation and
// infrastructure trouble (log appends, transport setup).
func (e *Engine) ExecuteRun(ctx context.Context, plan Plan) (RunResult, error) {
	result := RunResult{RunID: plan.RunID, Steps: make(map[string]StepStatus, len(plan.Steps))}

	byKey := make(map[string]Step, len(plan.Steps))
	for _, step := range plan.Steps {
		if step.Key == "" {
			return result, fmt.Errorf("plan contains a step with no key")
		}
		if _, dup := byKey[step.Key]; dup {
			return result, fmt.Errorf("duplicate step key %q", step.Key)
		}
		if !step.Remote && step.Fn == nil {
			return result, fmt.Errorf("local step %q has no function", step.Key)
		}
		byKey[step.Key] = step
	}
	order, err := waves(plan.Steps)
	if err != nil {
		return result, err
	}

	logger := e.logger.With("run_id", plan.RunID)
	logger.Info("run started", "steps", len(plan.Steps))

	var runSeq uint64
	if err := e.appendRunEvent(ctx, plan.RunID, &runSeq, "run started"); err != nil {
		return result, err
	}

	var mu sync.Mutex
	for _, wave := range order {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.maxParallel)
		for _, key := range wave {
			step := byKey[key]

			mu.Lock()
			ready := true
			for _, dep := range step.DependsOn {
				if result.Steps[dep].Outcome != launch.OutcomeSuccess {
					ready = false
					break
				}
			}
			if !ready {
				result.Steps[step.Key] = StepStatus{Skipped: true}
				mu.Unlock()
				logger.Info("step skipped", "step_key", step.Key)
				continue
			}
			mu.Unlock()

			g.Go(func() error {
				status, err := e.runStep(gctx, plan, step)
				if err != nil {
					return err
				}
				mu.Lock()
				result.Steps[step.Key] = status
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return result, err
		}
	}

	for _, status := range result.Steps {
		if status.Outcome != launch.OutcomeSuccess {
			result.Failed = true
			break
		}
	}

	message := "run succeeded"
	if result.Failed {
		message = "run failed"
	}
	if err := e.appendRunEvent(ctx, plan.RunID, &runSeq, message); err != nil {
		return result, err
	}
	logger.Info("run finished", "failed", result.Failed)
	return result, nil
}

func (e *Engine) appendRunEvent(ctx context.Context, runID string, seq *uint64, message string) error {
	ev := events.New(runID, "", *seq, e.clock(), events.EngineEvent{Message: message})
	*seq++
	if _, err := e.log.Append(ctx, ev); err != nil {
		return fmt.Errorf("failed to record run event: %w", err)
	}
	return nil
}

// attemptResult is one attempt's terminal state, however it executed.
type attemptResult struct {
	outcome launch.Outcome
	failure *events.StepFailure
	nextSeq uint64
}

// runStep executes a step's attempts until success or the retry policy
// declines another try.
func (e *Engine) runStep(ctx context.Context, plan Plan, step Step) (StepStatus, error) {
	logger := e.logger.With("run_id", plan.RunID, "step_key", step.Key)

	attempt := 0
	for {
		spec := execution.StepSpec{
			RunID:        plan.RunID,
			StepKey:      step.Key,
			RetryNumber:  attempt,
			OutputNames:  step.OutputNames,
			Config:       step.Config,
			Resources:    step.Resources,
			PartitionKey: plan.PartitionKey,
		}

		res, err := e.executeAttempt(ctx, step, spec)
		if err != nil {
			return StepStatus{}, err
		}
		status := StepStatus{Outcome: res.outcome, Attempts: attempt + 1}
		if res.outcome == launch.OutcomeSuccess {
			return status, nil
		}

		decision := RetryDecision{
			Attempt:   attempt,
			Retryable: res.failure != nil && res.failure.Retryable,
			Crashed:   res.outcome == launch.OutcomeCrashed,
		}
		again, err := e.retries.ShouldRetry(step.Retry, decision)
		if err != nil {
			return StepStatus{}, err
		}
		if !again {
			return status, nil
		}

		previous := ""
		if res.failure != nil {
			previous = res.failure.Message
		}
		upForRetry := events.New(plan.RunID, step.Key, res.nextSeq, e.clock(), events.StepUpForRetry{
			Message:       fmt.Sprintf("scheduling retry %d", attempt+1),
			PreviousError: previous,
		})
		if _, err := e.log.Append(ctx, upForRetry); err != nil {
			return StepStatus{}, fmt.Errorf("failed to record retry: %w", err)
		}
		logger.Info("step up for retry", "next_attempt", attempt+1)

		if step.Retry.WaitSeconds > 0 {
			wait := time.Duration(step.Retry.WaitSeconds * float64(time.Second))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return StepStatus{}, ctx.Err()
			}
		}
		attempt++
	}
}

func (e *Engine) executeAttempt(ctx context.Context, step Step, spec execution.StepSpec) (attemptResult, error) {
	ctx, span := e.tracer.Start(ctx, "step.attempt", trace.WithAttributes(
		attribute.String("run.id", spec.RunID),
		attribute.String("step.key", spec.StepKey),
		attribute.Int("step.retry_number", spec.RetryNumber),
		attribute.Bool("step.remote", step.Remote),
	))
	defer span.End()

	done := func(error) {}
	if e.tracker != nil {
		ctx, done = e.tracker(ctx, spec.RunID, spec.StepKey, spec.RetryNumber)
	}

	var (
		res attemptResult
		err error
	)
	if step.Remote {
		res, err = e.executeRemote(ctx, step, spec)
	} else {
		res, err = e.executeLocal(ctx, step, spec)
	}
	if err != nil {
		span.RecordError(err)
		done(err)
		return res, err
	}
	span.SetAttributes(attribute.String("step.outcome", string(res.outcome)))
	if res.failure != nil {
		span.RecordError(errors.New(res.failure.Message))
		done(errors.New(res.failure.Message))
	} else if res.outcome != launch.OutcomeSuccess {
		done(fmt.Errorf("attempt terminated %s", string(res.outcome)))
	} else {
		done(nil)
	}
	return res, nil
}

func (e *Engine) executeRemote(ctx context.Context, step Step, spec execution.StepSpec) (attemptResult, error) {
	if e.transports == nil {
		return attemptResult{}, fmt.Errorf("step %q is remote but no transport factory is configured", step.Key)
	}
	t, err := e.transports(ctx, step)
	if err != nil {
		return attemptResult{}, fmt.Errorf("failed to open transport for step %q: %w", step.Key, err)
	}
	attempt, err := e.launcher.LaunchStep(ctx, t, spec)
	if err != nil {
		return attemptResult{}, err
	}
	return attemptResult{
		outcome: attempt.Outcome,
		failure: attempt.Failure,
		nextSeq: attempt.NextSequence,
	}, nil
}

// executeLocal runs the step function in process. Events buffer in the
// context and drain into the log after the function returns; the terminal
// event is stamped with the next sequence.
func (e *Engine) executeLocal(ctx context.Context, step Step, spec execution.StepSpec) (attemptResult, error) {
	sc := execution.NewStepContext(spec, execution.WithClock(e.clock))

	started := e.clock()
	runErr := callStep(ctx, step.Fn, sc)
	elapsed := e.clock().Sub(started)

	for _, ev := range sc.DrainEvents() {
		if _, err := e.log.Append(ctx, ev); err != nil {
			return attemptResult{}, fmt.Errorf("failed to append step event: %w", err)
		}
	}

	if runErr == nil {
		success := events.StepSuccess{
			DurationMs:     float64(elapsed) / float64(time.Millisecond),
			OutputMetadata: sc.OutputMetadata(),
		}
		terminal := events.New(spec.RunID, spec.StepKey, sc.NextSequence(), e.clock(), success)
		if _, err := e.log.Append(ctx, terminal); err != nil {
			return attemptResult{}, fmt.Errorf("failed to append terminal event: %w", err)
		}
		return attemptResult{outcome: launch.OutcomeSuccess, nextSeq: terminal.Sequence + 1}, nil
	}

	var retry *execution.RetryRequestedError
	if errors.As(runErr, &retry) {
		requested := events.New(spec.RunID, spec.StepKey, sc.NextSequence(), e.clock(), events.StepRetryRequested{
			Message:     retry.Message,
			WaitSeconds: retry.WaitSeconds,
		})
		if _, err := e.log.Append(ctx, requested); err != nil {
			return attemptResult{}, fmt.Errorf("failed to append retry request: %w", err)
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

	terminal := events.New(spec.RunID, spec.StepKey, sc.NextSequence(), e.clock(), failure)
	if _, err := e.log.Append(ctx, terminal); err != nil {
		return attemptResult{}, fmt.Errorf("failed to append terminal event: %w", err)
	}
	return attemptResult{
		outcome: launch.OutcomeFailure,
		failure: &failure,
		nextSeq: terminal.Sequence + 1,
	}, nil
}

// callStep invokes user code, converting a panic into a step failure rather
// than tearing down the orchestrator.
func callStep(ctx context.Context, fn launch.StepFunc, sc *execution.StepContext) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("step panicked: %v", rec)
		}
	}()
	return fn(ctx, sc)
}

// waves groups step keys into dependency levels: every step's dependencies
// sit in an earlier wave. A cycle is a plan error.
func waves(steps []Step) ([][]string, error) {
	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	known := make(map[string]bool, len(steps))
	for _, step := range steps {
		known[step.Key] = true
	}
	for _, step := range steps {
		indegree[step.Key] = 0
	}
	for _, step := range steps {
		for _, dep := range step.DependsOn {
			if !known[dep] {
				return nil, fmt.Errorf("step %q depends on unknown step %q", step.Key, dep)
			}
			indegree[step.Key]++
			dependents[dep] = append(dependents[dep], step.Key)
		}
	}

	var current []string
	for _, step := range steps {
		if indegree[step.Key] == 0 {
			current = append(current, step.Key)
		}
	}

	var order [][]string
	placed := 0
	for len(current) > 0 {
		order = append(order, current)
		placed += len(current)
		var next []string
		for _, key := range current {
			for _, dependent := range dependents[key] {
				indegree[dependent]--
				if indegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		current = next
	}
	if placed != len(steps) {
		return nil, fmt.Errorf("plan contains a dependency cycle")
	}
	return order, nil
}
