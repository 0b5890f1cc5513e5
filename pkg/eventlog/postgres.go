package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/serdes"
)

// PostgresLog is a durable Log backed by PostgreSQL, for deployments where
// multiple orchestrator processes share one event store.
type PostgresLog struct {
	db       *sql.DB
	registry *serdes.Registry
}

// OpenPostgresLog connects with the given DSN and runs migrations.
func OpenPostgresLog(dsn string, registry *serdes.Registry) (*PostgresLog, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres event log: %w", err)
	}
	l, err := NewPostgresLog(db, registry)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

// NewPostgresLog wraps an existing database handle.
func NewPostgresLog(db *sql.DB, registry *serdes.Registry) (*PostgresLog, error) {
	l := &PostgresLog{db: db, registry: registry}
	if err := l.migrate(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *PostgresLog) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS run_events (
		run_id TEXT NOT NULL,
		log_index BIGINT NOT NULL,
		step_key TEXT NOT NULL DEFAULT '',
		event_type TEXT NOT NULL,
		sequence BIGINT NOT NULL DEFAULT 0,
		timestamp TIMESTAMPTZ,
		data BYTEA NOT NULL,
		PRIMARY KEY (run_id, log_index)
	);`
	_, err := l.db.ExecContext(context.Background(), query)
	return err
}

// Append implements Log. The per-run ordinal is allocated inside the insert;
// when two appends race for the same ordinal the loser hits the primary key
// and retries with a fresh allocation.
func (l *PostgresLog) Append(ctx context.Context, ev events.Event) (Record, error) {
	data, err := l.registry.Encode(ev)
	if err != nil {
		return Record{}, err
	}

	timestamp := ev.Timestamp.UTC()
	var next uint64
	for {
		if err := ctx.Err(); err != nil {
			return Record{}, err
		}
		row := l.db.QueryRowContext(ctx,
			`INSERT INTO run_events (run_id, log_index, step_key, event_type, sequence, timestamp, data)
			 SELECT $1, COALESCE(MAX(log_index) + 1, 0), $2, $3, $4, $5, $6 FROM run_events WHERE run_id = $1
			 RETURNING log_index`,
			ev.RunID, ev.StepKey, string(ev.Type), ev.Sequence, timestamp, data)
		err := row.Scan(&next)
		if err == nil {
			break
		}
		if isUniqueViolation(err) {
			continue
		}
		return Record{}, fmt.Errorf("failed to append event: %w", err)
	}

	return Record{
		RunID:     ev.RunID,
		LogIndex:  next,
		StepKey:   ev.StepKey,
		EventType: string(ev.Type),
		Sequence:  ev.Sequence,
		Timestamp: ev.Timestamp,
		Data:      data,
	}, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation"
}

// ReadRun implements Log.
func (l *PostgresLog) ReadRun(ctx context.Context, runID string) ([]ReadResult, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT run_id, log_index, step_key, event_type, sequence, timestamp, data
		 FROM run_events WHERE run_id = $1 ORDER BY log_index ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to read run %s: %w", runID, err)
	}
	defer func() { _ = rows.Close() }()

	var records []Record
	for rows.Next() {
		var (
			rec       Record
			timestamp sql.NullTime
		)
		if err := rows.Scan(&rec.RunID, &rec.LogIndex, &rec.StepKey, &rec.EventType, &rec.Sequence, &timestamp, &rec.Data); err != nil {
			return nil, err
		}
		if timestamp.Valid {
			rec.Timestamp = timestamp.Time
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrNoSuchRun
	}
	return decodeRecords(l.registry, records), nil
}

// Close closes the underlying database handle.
func (l *PostgresLog) Close() error {
	return l.db.Close()
}
