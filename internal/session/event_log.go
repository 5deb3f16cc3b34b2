package session

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/kandev/sessiond/internal/common/logger"
	"github.com/kandev/sessiond/internal/db"
	"github.com/kandev/sessiond/internal/db/dialect"
)

const eventColumns = `id, session_id, execution_id, event_type, payload, created_at`

// EventLog persists the append-only stream event record. Ids are assigned by
// the database and strictly increase in insertion order within a session,
// which makes them the replay/resume cursor.
type EventLog struct {
	pool *db.Pool
	log  *logger.Logger
}

// NewEventLog creates the log and its schema.
func NewEventLog(pool *db.Pool, log *logger.Logger) (*EventLog, error) {
	l := &EventLog{
		pool: pool,
		log:  log.WithFields(zap.String("component", "event-log")),
	}
	if err := l.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize event schema: %w", err)
	}
	return l, nil
}

func (l *EventLog) initSchema() error {
	w := l.pool.Writer()

	table := `
	CREATE TABLE IF NOT EXISTS session_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		execution_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL
	)`
	if dialect.IsPostgres(w.DriverName()) {
		table = `
		CREATE TABLE IF NOT EXISTS session_events (
			id BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL,
			execution_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL
		)`
	}

	stmts := []string{
		table,
		`CREATE INDEX IF NOT EXISTS idx_session_events_session_id ON session_events(session_id, id)`,
		`CREATE INDEX IF NOT EXISTS idx_session_events_execution_id ON session_events(execution_id)`,
		`CREATE INDEX IF NOT EXISTS idx_session_events_created_at ON session_events(created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := w.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Insert appends one event and returns its assigned id. The event's ID and
// Timestamp fields are filled in.
func (l *EventLog) Insert(ctx context.Context, event *StoredEvent) (int64, error) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	event.Timestamp = event.Timestamp.UTC()

	payload := string(event.Payload)
	if payload == "" {
		payload = "{}"
	}

	id, err := dialect.InsertReturningID(ctx, l.pool.Writer(), `
		INSERT INTO session_events (session_id, execution_id, event_type, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		event.SessionID, event.ExecutionID, string(event.Type), payload, event.Timestamp)
	if err != nil {
		return 0, storageErr("insert event", err)
	}
	event.ID = id
	return id, nil
}

// buildFilterQuery assembles the conjunctive WHERE clause for a session's
// events, ascending by id. withLimit controls whether EventFilters.Limit is
// honored.
func (l *EventLog) buildFilterQuery(sessionID string, f EventFilters, withLimit bool) (string, []interface{}, error) {
	query := `SELECT ` + eventColumns + ` FROM session_events WHERE session_id = ?`
	args := []interface{}{sessionID}

	if f.FromID > 0 {
		query += ` AND id > ?`
		args = append(args, f.FromID)
	}
	if len(f.ExecutionIDs) > 0 {
		query += ` AND execution_id IN (?)`
		args = append(args, f.ExecutionIDs)
	}
	if len(f.EventTypes) > 0 {
		types := make([]string, len(f.EventTypes))
		for i, t := range f.EventTypes {
			types[i] = string(t)
		}
		query += ` AND event_type IN (?)`
		args = append(args, types)
	}
	if f.StartTime != nil {
		query += ` AND created_at >= ?`
		args = append(args, f.StartTime.UTC())
	}
	if f.EndTime != nil {
		query += ` AND created_at <= ?`
		args = append(args, f.EndTime.UTC())
	}

	query += ` ORDER BY id ASC`

	if withLimit && f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	expanded, expandedArgs, err := sqlx.In(query, args...)
	if err != nil {
		return "", nil, err
	}
	return expanded, expandedArgs, nil
}

// FindByFilters returns the session's events matching the filters,
// materialized and ascending by id.
func (l *EventLog) FindByFilters(ctx context.Context, sessionID string, f EventFilters) ([]StoredEvent, error) {
	query, args, err := l.buildFilterQuery(sessionID, f, true)
	if err != nil {
		return nil, storageErr("find events", err)
	}

	r := l.pool.Reader()
	var out []StoredEvent
	if err := r.SelectContext(ctx, &out, r.Rebind(query), args...); err != nil {
		return nil, storageErr("find events", err)
	}
	return out, nil
}

// IterateByFilters opens a lazy cursor over the session's matching events,
// ascending by id. The iterator is finite and not restartable; stopping
// early costs nothing beyond closing the cursor. Limit is not honored here,
// the consumer decides how far to read.
func (l *EventLog) IterateByFilters(ctx context.Context, sessionID string, f EventFilters) (*EventIterator, error) {
	query, args, err := l.buildFilterQuery(sessionID, f, false)
	if err != nil {
		return nil, storageErr("iterate events", err)
	}

	r := l.pool.Reader()
	rows, err := r.QueryxContext(ctx, r.Rebind(query), args...)
	if err != nil {
		return nil, storageErr("iterate events", err)
	}
	return &EventIterator{rows: rows}, nil
}

// CountByExecutionID returns the number of events recorded for an execution.
func (l *EventLog) CountByExecutionID(ctx context.Context, executionID string) (int64, error) {
	r := l.pool.Reader()
	var count int64
	err := r.GetContext(ctx, &count,
		r.Rebind(`SELECT COUNT(*) FROM session_events WHERE execution_id = ?`), executionID)
	if err != nil {
		return 0, storageErr("count events", err)
	}
	return count, nil
}

// LatestEventID returns the highest id assigned for a session, 0 when the
// session has no events.
func (l *EventLog) LatestEventID(ctx context.Context, sessionID string) (int64, error) {
	r := l.pool.Reader()
	var id int64
	err := r.GetContext(ctx, &id,
		r.Rebind(`SELECT COALESCE(MAX(id), 0) FROM session_events WHERE session_id = ?`), sessionID)
	if err != nil {
		return 0, storageErr("latest event id", err)
	}
	return id, nil
}

// DeleteOlderThan removes events recorded before the cutoff, across all
// sessions. Returns the number of rows deleted.
func (l *EventLog) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	w := l.pool.Writer()
	res, err := w.ExecContext(ctx,
		w.Rebind(`DELETE FROM session_events WHERE created_at < ?`), cutoff.UTC())
	if err != nil {
		return 0, storageErr("delete old events", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("delete old events", err)
	}
	if n > 0 {
		l.log.Info("Old events pruned",
			zap.Int64("count", n),
			zap.Time("cutoff", cutoff))
	}
	return n, nil
}

// EventIterator is a cursor over a filtered event query. Callers loop with
// Next, read with Event, then check Err and Close.
type EventIterator struct {
	rows *sqlx.Rows
	cur  StoredEvent
	err  error
	done bool
}

// Next advances to the next event. It returns false when the sequence is
// exhausted or a scan failed; Err distinguishes the two.
func (it *EventIterator) Next() bool {
	if it.done || it.err != nil {
		return false
	}
	if !it.rows.Next() {
		it.done = true
		it.err = it.rows.Err()
		return false
	}
	var e StoredEvent
	if err := it.rows.StructScan(&e); err != nil {
		it.done = true
		it.err = err
		return false
	}
	it.cur = e
	return true
}

// Event returns the event the iterator is positioned on. Valid only after a
// true Next.
func (it *EventIterator) Event() StoredEvent {
	return it.cur
}

// Err returns the first error hit while iterating, if any.
func (it *EventIterator) Err() error {
	return it.err
}

// Close releases the underlying cursor. Safe to call at any point.
func (it *EventIterator) Close() error {
	return it.rows.Close()
}
