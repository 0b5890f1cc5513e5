// Package eventlog implements the append-only, per-run store of encoded
// events: the single source of truth for run state. Steps and remote
// workers never write here directly; the orchestrator appends events drained
// from step contexts or received from remote streams.
//
// Ordering guarantee: events carry a per-step sequence assigned by the step
// context; the log itself assigns a per-run storage ordinal at append time,
// which is the documented total order across concurrently executing steps.
package eventlog

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/serdes"
)

// ErrNoSuchRun is returned when reading a run with no recorded events.
var ErrNoSuchRun = errors.New("no events recorded for run")

// Record is one stored event: the canonical encoding plus denormalized
// columns for querying without decoding.
type Record struct {
	RunID     string    `json:"run_id"`
	LogIndex  uint64    `json:"log_index"`
	StepKey   string    `json:"step_key"`
	EventType string    `json:"event_type"`
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Data      []byte    `json:"data"`
}

// ReadResult pairs a stored record with its decoded event. Decode failures
// are reported per record so one unresolvable type does not prevent reading
// the rest of a run's history.
type ReadResult struct {
	Record Record
	Event  *events.Event
	Err    error
}

// Log is the append/read contract for the run event log. Appends from
// multiple concurrent step attempts must be safe; only per-step ordering is
// guaranteed, in storage-ordinal order.
type Log interface {
	// Append encodes the event and appends it to the run's log, assigning
	// the next storage ordinal for that run.
	Append(ctx context.Context, ev events.Event) (Record, error)

	// ReadRun returns the run's records in storage order, decoding each.
	ReadRun(ctx context.Context, runID string) ([]ReadResult, error)
}

// MemoryLog is a thread-safe in-memory Log.
type MemoryLog struct {
	mu       sync.Mutex
	registry *serdes.Registry
	runs     map[string][]Record
}

// NewMemoryLog creates an empty in-memory log using the supplied registry
// for encode/decode.
func NewMemoryLog(registry *serdes.Registry) *MemoryLog {
	return &MemoryLog{
		registry: registry,
		runs:     make(map[string][]Record),
	}
}

// Append implements Log.
func (l *MemoryLog) Append(_ context.Context, ev events.Event) (Record, error) {
	data, err := l.registry.Encode(ev)
	if err != nil {
		return Record{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec := Record{
		RunID:     ev.RunID,
		LogIndex:  uint64(len(l.runs[ev.RunID])),
		StepKey:   ev.StepKey,
		EventType: string(ev.Type),
		Sequence:  ev.Sequence,
		Timestamp: ev.Timestamp,
		Data:      data,
	}
	l.runs[ev.RunID] = append(l.runs[ev.RunID], rec)
	return rec, nil
}

// ReadRun implements Log.
func (l *MemoryLog) ReadRun(_ context.Context, runID string) ([]ReadResult, error) {
	l.mu.Lock()
	records := make([]Record, len(l.runs[runID]))
	copy(records, l.runs[runID])
	l.mu.Unlock()

	if len(records) == 0 {
		return nil, ErrNoSuchRun
	}
	return decodeRecords(l.registry, records), nil
}

// Runs returns the ids of all recorded runs, sorted.
func (l *MemoryLog) Runs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]string, 0, len(l.runs))
	for id := range l.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func decodeRecords(registry *serdes.Registry, records []Record) []ReadResult {
	results := make([]ReadResult, len(records))
	for i, rec := range records {
		results[i] = ReadResult{Record: rec}
		decoded, err := registry.Decode(rec.Data)
		if err != nil {
			results[i].Err = err
			continue
		}
		ev, ok := decoded.(events.Event)
		if !ok {
			results[i].Err = errors.New("stored record is not an event")
			continue
		}
		results[i].Event = &ev
	}
	return results
}
