package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/serdes"

	_ "modernc.org/sqlite"
)

// SQLiteLog is a durable Log backed by SQLite. Writes are serialized through
// an in-process mutex and a single connection: SQLite has one writer anyway,
// and contending transactions would surface as SQLITE_BUSY append failures.
type SQLiteLog struct {
	db       *sql.DB
	registry *serdes.Registry

	writeMu sync.Mutex
}

// OpenSQLiteLog opens (or creates) a SQLite-backed log at path.
func OpenSQLiteLog(path string, registry *serdes.Registry) (*SQLiteLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite event log: %w", err)
	}
	l, err := NewSQLiteLog(db, registry)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

// NewSQLiteLog wraps an existing database handle.
func NewSQLiteLog(db *sql.DB, registry *serdes.Registry) (*SQLiteLog, error) {
	db.SetMaxOpenConns(1)
	l := &SQLiteLog{db: db, registry: registry}
	if err := l.migrate(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *SQLiteLog) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS run_events (
		run_id TEXT NOT NULL,
		log_index INTEGER NOT NULL,
		step_key TEXT NOT NULL DEFAULT '',
		event_type TEXT NOT NULL,
		sequence INTEGER NOT NULL DEFAULT 0,
		timestamp DATETIME,
		data BLOB NOT NULL,
		PRIMARY KEY (run_id, log_index)
	);`
	_, err := l.db.ExecContext(context.Background(), query)
	return err
}

// Append implements Log. The storage ordinal is assigned inside a
// transaction, and the write mutex keeps concurrent appends from colliding
// on the ordinal or tripping SQLITE_BUSY.
func (l *SQLiteLog) Append(ctx context.Context, ev events.Event) (Record, error) {
	data, err := l.registry.Encode(ev)
	if err != nil {
		return Record{}, err
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, fmt.Errorf("failed to begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var next uint64
	row := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(log_index) + 1, 0) FROM run_events WHERE run_id = ?`, ev.RunID)
	if err := row.Scan(&next); err != nil {
		return Record{}, fmt.Errorf("failed to allocate log index: %w", err)
	}

	timestamp := ev.Timestamp.UTC().Format(time.RFC3339Nano)
	_, err = tx.ExecContext(ctx,
		`INSERT INTO run_events (run_id, log_index, step_key, event_type, sequence, timestamp, data)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.RunID, next, ev.StepKey, string(ev.Type), ev.Sequence, timestamp, data)
	if err != nil {
		return Record{}, fmt.Errorf("failed to insert event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("failed to commit append: %w", err)
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

// ReadRun implements Log.
func (l *SQLiteLog) ReadRun(ctx context.Context, runID string) ([]ReadResult, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT run_id, log_index, step_key, event_type, sequence, timestamp, data
		 FROM run_events WHERE run_id = ? ORDER BY log_index ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to read run %s: %w", runID, err)
	}
	defer func() { _ = rows.Close() }()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
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
func (l *SQLiteLog) Close() error {
	return l.db.Close()
}

func scanRecord(rows *sql.Rows) (Record, error) {
	var (
		rec       Record
		timestamp string
	)
	if err := rows.Scan(&rec.RunID, &rec.LogIndex, &rec.StepKey, &rec.EventType, &rec.Sequence, &timestamp, &rec.Data); err != nil {
		return Record{}, err
	}
	rec.Timestamp = parseTimestamp(timestamp)
	return rec, nil
}

func parseTimestamp(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
