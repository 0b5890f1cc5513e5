package launch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/loomworks/loom/pkg/eventlog"
	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/execution"
	"github.com/loomworks/loom/pkg/serdes"
)

// State is the orchestrator-side position of one launched attempt.
type State string

const (
	StatePending    State = "PENDING"
	StateLaunched   State = "LAUNCHED"
	StateStreaming  State = "STREAMING"
	StateTerminated State = "TERMINATED"
)

// Outcome is the terminal disposition of an attempt. Crashed is distinct
// from failure: the stream ended without a result, so the worker may have
// progressed past the last observed event.
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeFailure Outcome = "FAILURE"
	OutcomeCrashed Outcome = "CRASHED"
)

// Attempt is the record LaunchStep returns to the caller's retry policy.
// NextSequence is the first unused event ordinal for the attempt, letting
// the caller stamp follow-up orchestrator events.
type Attempt struct {
	State          State
	Outcome        Outcome
	EventsAppended int
	NextSequence   uint64
	Failure        *events.StepFailure
}

// Launcher drives the orchestrator side of the remote launch protocol and
// appends every streamed event to the run event log in receipt order.
type Launcher struct {
	log      eventlog.Log
	registry *serdes.Registry
	logger   *slog.Logger
	clock    func() time.Time
	liveness time.Duration
	grace    time.Duration
}

// LauncherOption configures a Launcher.
type LauncherOption func(*Launcher)

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) LauncherOption {
	return func(l *Launcher) { l.clock = clock }
}

// WithLivenessTimeout bounds how long the launcher waits between envelopes
// before declaring the worker crashed.
func WithLivenessTimeout(d time.Duration) LauncherOption {
	return func(l *Launcher) { l.liveness = d }
}

// WithCancelGrace bounds how long a cancelled attempt waits for the worker to
// still deliver a terminal result.
func WithCancelGrace(d time.Duration) LauncherOption {
	return func(l *Launcher) { l.grace = d }
}

// WithLogger overrides the launcher logger.
func WithLogger(logger *slog.Logger) LauncherOption {
	return func(l *Launcher) { l.logger = logger }
}

// NewLauncher creates a launcher appending to log, decoding streamed events
// with registry.
func NewLauncher(log eventlog.Log, registry *serdes.Registry, opts ...LauncherOption) *Launcher {
	l := &Launcher{
		log:      log,
		registry: registry,
		logger:   slog.Default().With("component", "step_launcher"),
		clock:    time.Now,
		liveness: 60 * time.Second,
		grace:    10 * time.Second,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

type recvMsg struct {
	env Envelope
	err error
}

// LaunchStep runs one remote attempt to completion over t. Streamed events
// are appended as they arrive; the returned Attempt carries the terminal
// state. A protocol mismatch returns with the attempt still PENDING. The
// error return reports infrastructure trouble (handshake, log appends), not
// step failure: a failed or crashed step is a terminated Attempt and a nil
// error.
func (l *Launcher) LaunchStep(ctx context.Context, t Transport, spec execution.StepSpec) (Attempt, error) {
	attempt := Attempt{State: StatePending}
	defer func() { _ = t.Close() }()

	logger := l.logger.With("run_id", spec.RunID, "step_key", spec.StepKey, "retry_number", spec.RetryNumber)

	if err := l.handshake(ctx, t); err != nil {
		logger.Warn("launch rejected during handshake", "error", err)
		return attempt, err
	}

	req, err := launchRequest(spec)
	if err != nil {
		return attempt, err
	}
	if err := t.Send(ctx, Envelope{Type: MessageLaunch, Launch: &req}); err != nil {
		return attempt, fmt.Errorf("failed to send launch request: %w", err)
	}
	attempt.State = StateLaunched
	logger.Info("step launched")

	// Receives run on a background context so a cancelled run can still
	// collect the worker's parting result during the grace period. Closing
	// recvDone on return releases the goroutine even when nobody is left
	// reading msgs.
	msgs := make(chan recvMsg, 1)
	recvDone := make(chan struct{})
	defer close(recvDone)
	recvCtx := context.Background()
	go func() {
		for {
			env, err := t.Recv(recvCtx)
			select {
			case msgs <- recvMsg{env: env, err: err}:
			case <-recvDone:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	// nextSeq tracks the ordinal any orchestrator-synthesized terminal
	// event gets, one past the highest sequence the worker streamed.
	var nextSeq uint64

	timer := time.NewTimer(l.liveness)
	defer timer.Stop()

	for {
		select {
		case m := <-msgs:
			if m.err != nil {
				return l.terminateCrashed(ctx, attempt, spec, nextSeq, "worker channel terminated without a result", logger)
			}
			switch m.env.Type {
			case MessageEvent:
				n, err := l.appendStreamed(ctx, m.env.Event, &attempt)
				if err != nil {
					return attempt, err
				}
				if n >= nextSeq {
					nextSeq = n + 1
				}
				attempt.State = StateStreaming
				resetTimer(timer, l.liveness)
			case MessageResult:
				return l.terminate(ctx, attempt, spec, nextSeq, m.env.Result, logger)
			default:
				logger.Warn("ignoring unexpected envelope", "type", string(m.env.Type))
			}

		case <-timer.C:
			return l.terminateCrashed(ctx, attempt, spec, nextSeq, "liveness timeout elapsed with no result", logger)

		case <-ctx.Done():
			return l.cancel(attempt, spec, nextSeq, t, msgs, logger)
		}
	}
}

func (l *Launcher) handshake(ctx context.Context, t Transport) error {
	hctx, cancel := context.WithTimeout(ctx, l.liveness)
	defer cancel()

	hello := Hello{ProtocolVersion: ProtocolVersion}
	if err := t.Send(hctx, Envelope{Type: MessageHello, Hello: &hello}); err != nil {
		return fmt.Errorf("failed to send hello: %w", err)
	}
	env, err := t.Recv(hctx)
	if err != nil {
		return fmt.Errorf("no hello from worker: %w", err)
	}
	if env.Type != MessageHello || env.Hello == nil {
		return fmt.Errorf("%w: worker opened with %q instead of hello", ErrProtocolMismatch, string(env.Type))
	}
	return CheckCompatibility(env.Hello.ProtocolVersion)
}

func launchRequest(spec execution.StepSpec) (LaunchStepRequest, error) {
	req := LaunchStepRequest{
		RunID:        spec.RunID,
		StepKey:      spec.StepKey,
		RetryNumber:  spec.RetryNumber,
		OutputNames:  spec.OutputNames,
		PartitionKey: spec.PartitionKey,
	}
	if spec.Config != nil {
		blob, err := json.Marshal(spec.Config)
		if err != nil {
			return LaunchStepRequest{}, fmt.Errorf("failed to encode step config: %w", err)
		}
		req.Config = blob
	}
	if spec.Resources != nil {
		blob, err := json.Marshal(spec.Resources)
		if err != nil {
			return LaunchStepRequest{}, fmt.Errorf("failed to encode resource bindings: %w", err)
		}
		req.Resources = blob
	}
	return req, nil
}

// appendStreamed decodes one streamed event and appends it, returning the
// event's sequence number.
func (l *Launcher) appendStreamed(ctx context.Context, se *StepEvent, attempt *Attempt) (uint64, error) {
	if se == nil {
		return 0, fmt.Errorf("event envelope carried no body")
	}
	decoded, err := l.registry.Decode(se.Data)
	if err != nil {
		return 0, fmt.Errorf("failed to decode streamed event: %w", err)
	}
	ev, ok := decoded.(events.Event)
	if !ok {
		return 0, fmt.Errorf("streamed envelope decoded to %T, not an event", decoded)
	}
	if _, err := l.log.Append(ctx, ev); err != nil {
		return 0, fmt.Errorf("failed to append streamed event: %w", err)
	}
	attempt.EventsAppended++
	return ev.Sequence, nil
}

// terminate handles the worker's terminal result message.
func (l *Launcher) terminate(ctx context.Context, attempt Attempt, spec execution.StepSpec, nextSeq uint64, res *StepResult, logger *slog.Logger) (Attempt, error) {
	attempt.State = StateTerminated
	if res == nil {
		res = &StepResult{Status: ResultFailure, Error: &ResultError{Message: "worker sent an empty result"}}
	}

	var terminal events.Event
	if len(res.Event) > 0 {
		decoded, err := l.registry.Decode(res.Event)
		if err != nil {
			return attempt, fmt.Errorf("failed to decode terminal event: %w", err)
		}
		ev, ok := decoded.(events.Event)
		if !ok {
			return attempt, fmt.Errorf("terminal envelope decoded to %T, not an event", decoded)
		}
		terminal = ev
	} else {
		// Older workers report only the summary; synthesize the event.
		terminal = l.synthesizeTerminal(spec, nextSeq, res)
	}

	if _, err := l.log.Append(ctx, terminal); err != nil {
		return attempt, fmt.Errorf("failed to append terminal event: %w", err)
	}
	attempt.EventsAppended++
	attempt.NextSequence = terminal.Sequence + 1

	switch res.Status {
	case ResultSuccess:
		attempt.Outcome = OutcomeSuccess
		logger.Info("step succeeded")
	default:
		attempt.Outcome = OutcomeFailure
		if failure, ok := terminal.Payload.(events.StepFailure); ok {
			attempt.Failure = &failure
		}
		logger.Warn("step failed", "retryable", attempt.Failure != nil && attempt.Failure.Retryable)
	}
	return attempt, nil
}

func (l *Launcher) synthesizeTerminal(spec execution.StepSpec, seq uint64, res *StepResult) events.Event {
	if res.Status == ResultSuccess {
		return events.New(spec.RunID, spec.StepKey, seq, l.clock(), events.StepSuccess{})
	}
	failure := events.StepFailure{Message: "step failed", Kind: events.FailureKindUser}
	if res.Error != nil {
		failure.Message = res.Error.Message
		failure.Retryable = res.Error.Retryable
	}
	return events.New(spec.RunID, spec.StepKey, seq, l.clock(), failure)
}

// terminateCrashed records an indeterminate termination: the stream ended
// with no result, so already-appended events stay in the log and the attempt
// is marked crashed rather than failed.
func (l *Launcher) terminateCrashed(ctx context.Context, attempt Attempt, spec execution.StepSpec, nextSeq uint64, reason string, logger *slog.Logger) (Attempt, error) {
	attempt.State = StateTerminated
	attempt.Outcome = OutcomeCrashed
	logger.Warn("step crashed", "reason", reason)

	note := events.New(spec.RunID, spec.StepKey, nextSeq, l.clock(), events.EngineEvent{Message: reason})
	if _, err := l.log.Append(ctx, note); err != nil {
		return attempt, fmt.Errorf("failed to record crash: %w", err)
	}
	attempt.EventsAppended++
	attempt.NextSequence = nextSeq + 1
	return attempt, nil
}

// cancel delivers the cancellation and gives the worker a grace period to
// still produce a result. Events streamed during the grace period are
// appended normally.
func (l *Launcher) cancel(attempt Attempt, spec execution.StepSpec, nextSeq uint64, t Transport, msgs <-chan recvMsg, logger *slog.Logger) (Attempt, error) {
	logger.Info("cancelling launched step")

	// The run context is already done; the cancel message and any
	// remaining appends use their own bounded context.
	ctx, cancel := context.WithTimeout(context.Background(), l.grace)
	defer cancel()

	_ = t.Send(ctx, Envelope{Type: MessageCancel})

	deadline := time.NewTimer(l.grace)
	defer deadline.Stop()

	for {
		select {
		case m := <-msgs:
			if m.err != nil {
				return l.forceCancelled(ctx, attempt, spec, nextSeq, logger)
			}
			switch m.env.Type {
			case MessageEvent:
				n, err := l.appendStreamed(ctx, m.env.Event, &attempt)
				if err != nil {
					return attempt, err
				}
				if n >= nextSeq {
					nextSeq = n + 1
				}
			case MessageResult:
				return l.terminate(ctx, attempt, spec, nextSeq, m.env.Result, logger)
			}
		case <-deadline.C:
			return l.forceCancelled(ctx, attempt, spec, nextSeq, logger)
		}
	}
}

func (l *Launcher) forceCancelled(ctx context.Context, attempt Attempt, spec execution.StepSpec, nextSeq uint64, logger *slog.Logger) (Attempt, error) {
	attempt.State = StateTerminated
	attempt.Outcome = OutcomeFailure
	failure := events.StepFailure{
		Message:   "cancelled: no result received within the grace period",
		Kind:      events.FailureKindCrash,
		Retryable: false,
	}
	attempt.Failure = &failure
	logger.Warn("cancelled step did not report a result")

	ev := events.New(spec.RunID, spec.StepKey, nextSeq, l.clock(), failure)
	if _, err := l.log.Append(ctx, ev); err != nil {
		return attempt, fmt.Errorf("failed to record cancellation: %w", err)
	}
	attempt.EventsAppended++
	attempt.NextSequence = nextSeq + 1
	return attempt, nil
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
