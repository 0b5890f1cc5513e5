// Package instance ties together the run-scoped collaborators the engine
// consumes: run id allocation, the append target for the run event log, and
// live subscriptions to a run's event stream.
package instance

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/loomworks/loom/pkg/eventlog"
	"github.com/loomworks/loom/pkg/events"
)

// RunIDAllocator hands out identifiers for new runs.
type RunIDAllocator interface {
	NewRunID() string
}

// UUIDAllocator allocates random UUID run ids.
type UUIDAllocator struct{}

// NewRunID implements RunIDAllocator.
func (UUIDAllocator) NewRunID() string { return uuid.NewString() }

// Instance wraps an event log with run id allocation and live watch
// channels. It implements eventlog.Log, so the engine appends through it and
// every durable append also fans out to the run's watchers.
type Instance struct {
	log    eventlog.Log
	alloc  RunIDAllocator
	logger *slog.Logger

	mu       sync.Mutex
	nextID   int
	watchers map[string]map[int]chan events.Event
}

// Option configures an Instance.
type Option func(*Instance)

// WithRunIDAllocator overrides the run id allocator.
func WithRunIDAllocator(alloc RunIDAllocator) Option {
	return func(i *Instance) { i.alloc = alloc }
}

// WithLogger overrides the instance logger.
func WithLogger(logger *slog.Logger) Option {
	return func(i *Instance) { i.logger = logger }
}

// New creates an instance appending to log.
func New(log eventlog.Log, opts ...Option) *Instance {
	i := &Instance{
		log:      log,
		alloc:    UUIDAllocator{},
		logger:   slog.Default().With("component", "instance"),
		watchers: make(map[string]map[int]chan events.Event),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// NewRunID allocates an identifier for a new run.
func (i *Instance) NewRunID() string { return i.alloc.NewRunID() }

// Append implements eventlog.Log. The event is durably appended first; only
// then do watchers see it. A watcher that cannot keep up drops events rather
// than blocking the run.
func (i *Instance) Append(ctx context.Context, ev events.Event) (eventlog.Record, error) {
	rec, err := i.log.Append(ctx, ev)
	if err != nil {
		return rec, err
	}

	i.mu.Lock()
	var stale int
	for _, ch := range i.watchers[ev.RunID] {
		select {
		case ch <- ev:
		default:
			stale++
		}
	}
	i.mu.Unlock()

	if stale > 0 {
		i.logger.Warn("dropped event for slow watchers", "run_id", ev.RunID, "watchers", stale)
	}
	return rec, nil
}

// ReadRun implements eventlog.Log.
func (i *Instance) ReadRun(ctx context.Context, runID string) ([]eventlog.ReadResult, error) {
	return i.log.ReadRun(ctx, runID)
}

// Watch subscribes to events appended for runID from now on. The returned
// cancel function releases the subscription and closes the channel.
func (i *Instance) Watch(runID string, buffer int) (<-chan events.Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan events.Event, buffer)

	i.mu.Lock()
	id := i.nextID
	i.nextID++
	if i.watchers[runID] == nil {
		i.watchers[runID] = make(map[int]chan events.Event)
	}
	i.watchers[runID][id] = ch
	i.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			i.mu.Lock()
			delete(i.watchers[runID], id)
			if len(i.watchers[runID]) == 0 {
				delete(i.watchers, runID)
			}
			i.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}
