package eventlog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/events"
)

func newMockPostgresLog(t *testing.T) (*PostgresLog, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS run_events").
		WillReturnResult(sqlmock.NewResult(0, 0))

	log, err := NewPostgresLog(db, fullRegistry(t))
	require.NoError(t, err)
	return log, mock
}

func TestPostgresLogAppend(t *testing.T) {
	log, mock := newMockPostgresLog(t)

	mock.ExpectQuery("INSERT INTO run_events").
		WillReturnRows(sqlmock.NewRows([]string{"log_index"}).AddRow(int64(0)))

	rec, err := log.Append(context.Background(), materializationEvent(t, "run-1", "s", 0))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), rec.LogIndex)
	assert.Equal(t, "run-1", rec.RunID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// A concurrent append that loses the race for an ordinal hits the primary
// key; the append must retry with a fresh allocation instead of failing.
func TestPostgresLogAppendRetriesOnOrdinalCollision(t *testing.T) {
	log, mock := newMockPostgresLog(t)

	mock.ExpectQuery("INSERT INTO run_events").
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectQuery("INSERT INTO run_events").
		WillReturnRows(sqlmock.NewRows([]string{"log_index"}).AddRow(int64(1)))

	rec, err := log.Append(context.Background(), materializationEvent(t, "run-1", "s", 0))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.LogIndex)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLogAppendSurfacesOtherErrors(t *testing.T) {
	log, mock := newMockPostgresLog(t)

	mock.ExpectQuery("INSERT INTO run_events").
		WillReturnError(errors.New("connection refused"))

	_, err := log.Append(context.Background(), materializationEvent(t, "run-1", "s", 0))
	require.Error(t, err)
	assert.ErrorContains(t, err, "failed to append event")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLogReadRun(t *testing.T) {
	log, mock := newMockPostgresLog(t)

	ev := materializationEvent(t, "run-1", "s", 0)
	data, err := fullRegistry(t).Encode(ev)
	require.NoError(t, err)

	rows := sqlmock.NewRows([]string{"run_id", "log_index", "step_key", "event_type", "sequence", "timestamp", "data"}).
		AddRow("run-1", int64(0), "s", string(events.TypeMaterialization), int64(0), time.Now().UTC(), data)
	mock.ExpectQuery("SELECT run_id, log_index, step_key, event_type, sequence, timestamp, data").
		WillReturnRows(rows)

	results, err := log.ReadRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	assert.Equal(t, events.TypeMaterialization, results[0].Event.Type)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLogReadUnknownRun(t *testing.T) {
	log, mock := newMockPostgresLog(t)

	mock.ExpectQuery("SELECT run_id, log_index, step_key, event_type, sequence, timestamp, data").
		WillReturnRows(sqlmock.NewRows([]string{"run_id", "log_index", "step_key", "event_type", "sequence", "timestamp", "data"}))

	_, err := log.ReadRun(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNoSuchRun)
	assert.NoError(t, mock.ExpectationsWereMet())
}
