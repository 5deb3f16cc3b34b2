package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/sessiond/internal/common/logger"
	"github.com/kandev/sessiond/internal/db"
	"github.com/kandev/sessiond/internal/db/dialect"
	v1 "github.com/kandev/sessiond/pkg/api/v1"
)

const executionColumns = `id, session_id, status, mode, streaming_mode, agent_profile,
	prompt, workspace_path, ingest_token, error, process_id,
	started_at, completed_at, last_heartbeat`

// ExecutionStore persists ExecutionMetadata rows and the per-session
// coordination state (active-execution slot, interrupt flag, captured agent
// session id). Check-then-write sequences in here are only safe under the
// Service's per-session serialization.
type ExecutionStore struct {
	pool *db.Pool
	log  *logger.Logger
}

// NewExecutionStore creates the store and its schema.
func NewExecutionStore(pool *db.Pool, log *logger.Logger) (*ExecutionStore, error) {
	s := &ExecutionStore{
		pool: pool,
		log:  log.WithFields(zap.String("component", "execution-store")),
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize execution schema: %w", err)
	}
	return s, nil
}

func (s *ExecutionStore) initSchema() error {
	w := s.pool.Writer()
	timeType := "DATETIME"
	if dialect.IsPostgres(w.DriverName()) {
		timeType = "TIMESTAMPTZ"
	}

	// pgx runs one statement per Exec, so the schema is applied piecewise.
	stmts := []string{
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			mode TEXT NOT NULL DEFAULT '',
			streaming_mode TEXT NOT NULL DEFAULT '',
			agent_profile TEXT NOT NULL DEFAULT '',
			prompt TEXT NOT NULL DEFAULT '',
			workspace_path TEXT NOT NULL DEFAULT '',
			ingest_token TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			process_id TEXT NOT NULL DEFAULT '',
			started_at %[1]s NOT NULL,
			completed_at %[1]s,
			last_heartbeat %[1]s
		)`, timeType),
		`CREATE INDEX IF NOT EXISTS idx_executions_session_id ON executions(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status)`,
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS session_state (
			session_id TEXT PRIMARY KEY,
			active_execution_id TEXT NOT NULL DEFAULT '',
			interrupt_requested INTEGER NOT NULL DEFAULT 0,
			agent_session_id TEXT NOT NULL DEFAULT '',
			updated_at %s NOT NULL
		)`, timeType),
	}
	for _, stmt := range stmts {
		if _, err := w.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// AddExecution inserts a new execution with status pending. Returns
// ErrExecutionExists when the id is already tracked.
func (s *ExecutionStore) AddExecution(ctx context.Context, meta *ExecutionMetadata) error {
	w := s.pool.Writer()

	var count int
	err := w.GetContext(ctx, &count, w.Rebind(`SELECT COUNT(*) FROM executions WHERE id = ?`), meta.ID)
	if err != nil {
		return storageErr("add execution", err)
	}
	if count > 0 {
		return ErrExecutionExists
	}

	meta.Status = v1.ExecutionStatusPending
	if meta.StartedAt.IsZero() {
		meta.StartedAt = time.Now().UTC()
	}
	meta.StartedAt = meta.StartedAt.UTC()

	_, err = w.ExecContext(ctx, w.Rebind(`
		INSERT INTO executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		meta.ID, meta.SessionID, string(meta.Status), meta.Mode, meta.StreamingMode, meta.AgentProfile,
		meta.Prompt, meta.WorkspacePath, meta.IngestToken, meta.Error, meta.ProcessID,
		meta.StartedAt, meta.CompletedAt, meta.LastHeartbeat)
	if err != nil {
		return storageErr("add execution", err)
	}

	s.log.Debug("Execution added",
		zap.String("execution_id", meta.ID),
		zap.String("session_id", meta.SessionID))
	return nil
}

// GetExecution loads one execution by id.
func (s *ExecutionStore) GetExecution(ctx context.Context, executionID string) (*ExecutionMetadata, error) {
	r := s.pool.Reader()
	var meta ExecutionMetadata
	err := r.GetContext(ctx, &meta,
		r.Rebind(`SELECT `+executionColumns+` FROM executions WHERE id = ?`), executionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, storageErr("get execution", err)
	}
	return &meta, nil
}

// ListExecutionsBySession returns a session's executions, newest first.
func (s *ExecutionStore) ListExecutionsBySession(ctx context.Context, sessionID string) ([]*ExecutionMetadata, error) {
	r := s.pool.Reader()
	var out []*ExecutionMetadata
	err := r.SelectContext(ctx, &out,
		r.Rebind(`SELECT `+executionColumns+` FROM executions WHERE session_id = ? ORDER BY started_at DESC`),
		sessionID)
	if err != nil {
		return nil, storageErr("list executions", err)
	}
	return out, nil
}

// ListExecutionsByStatus returns all executions in the given status, oldest
// first. Used by the reaper to find abandoned running executions.
func (s *ExecutionStore) ListExecutionsByStatus(ctx context.Context, status v1.ExecutionStatus) ([]*ExecutionMetadata, error) {
	r := s.pool.Reader()
	var out []*ExecutionMetadata
	err := r.SelectContext(ctx, &out,
		r.Rebind(`SELECT `+executionColumns+` FROM executions WHERE status = ? ORDER BY started_at ASC`),
		string(status))
	if err != nil {
		return nil, storageErr("list executions by status", err)
	}
	return out, nil
}

// UpdateExecutionStatus validates and applies a status transition. Entering
// a terminal status defaults completedAt to now and releases the session's
// active slot if this execution holds it.
func (s *ExecutionStore) UpdateExecutionStatus(ctx context.Context, executionID string, next v1.ExecutionStatus, errMsg string, completedAt *time.Time) (*ExecutionMetadata, error) {
	w := s.pool.Writer()
	tx, err := w.BeginTxx(ctx, nil)
	if err != nil {
		return nil, storageErr("update execution status", err)
	}
	defer func() { _ = tx.Rollback() }()

	var meta ExecutionMetadata
	err = tx.GetContext(ctx, &meta,
		tx.Rebind(`SELECT `+executionColumns+` FROM executions WHERE id = ?`), executionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, storageErr("update execution status", err)
	}

	if !canTransition(meta.Status, next) {
		return nil, &InvalidTransitionError{ExecutionID: executionID, From: meta.Status, To: next}
	}

	now := time.Now().UTC()
	done := meta.CompletedAt
	if next.IsTerminal() {
		if completedAt != nil {
			utc := completedAt.UTC()
			done = &utc
		} else {
			done = &now
		}
	}

	_, err = tx.ExecContext(ctx,
		tx.Rebind(`UPDATE executions SET status = ?, error = ?, completed_at = ? WHERE id = ?`),
		string(next), errMsg, done, executionID)
	if err != nil {
		return nil, storageErr("update execution status", err)
	}

	if next.IsTerminal() {
		_, err = tx.ExecContext(ctx,
			tx.Rebind(`UPDATE session_state SET active_execution_id = '', updated_at = ?
				WHERE session_id = ? AND active_execution_id = ?`),
			now, meta.SessionID, executionID)
		if err != nil {
			return nil, storageErr("update execution status", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, storageErr("update execution status", err)
	}

	meta.Status = next
	meta.Error = errMsg
	meta.CompletedAt = done
	return &meta, nil
}

// canTransition encodes the status machine: pending may start running,
// running may land in any terminal status, terminal statuses are sinks.
func canTransition(from, to v1.ExecutionStatus) bool {
	switch from {
	case v1.ExecutionStatusPending:
		return to == v1.ExecutionStatusRunning
	case v1.ExecutionStatusRunning:
		return to == v1.ExecutionStatusCompleted ||
			to == v1.ExecutionStatusFailed ||
			to == v1.ExecutionStatusInterrupted
	}
	return false
}

// UpdateHeartbeat stamps the execution's last heartbeat. Returns false when
// the execution is unknown.
func (s *ExecutionStore) UpdateHeartbeat(ctx context.Context, executionID string, at time.Time) (bool, error) {
	w := s.pool.Writer()
	res, err := w.ExecContext(ctx,
		w.Rebind(`UPDATE executions SET last_heartbeat = ? WHERE id = ?`),
		at.UTC(), executionID)
	if err != nil {
		return false, storageErr("update heartbeat", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("update heartbeat", err)
	}
	return n > 0, nil
}

// UpdateProcessID records the worker process handle backing the execution.
// Returns false when the execution is unknown.
func (s *ExecutionStore) UpdateProcessID(ctx context.Context, executionID, processID string) (bool, error) {
	w := s.pool.Writer()
	res, err := w.ExecContext(ctx,
		w.Rebind(`UPDATE executions SET process_id = ? WHERE id = ?`),
		processID, executionID)
	if err != nil {
		return false, storageErr("update process id", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("update process id", err)
	}
	return n > 0, nil
}

// ensureSessionRow creates the session's state row when absent.
func (s *ExecutionStore) ensureSessionRow(ctx context.Context, sessionID string) error {
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO session_state (session_id, active_execution_id, interrupt_requested, agent_session_id, updated_at)
		VALUES (?, '', 0, '', ?)
		ON CONFLICT (session_id) DO NOTHING`),
		sessionID, time.Now().UTC())
	if err != nil {
		return storageErr("ensure session state", err)
	}
	return nil
}

// GetSessionState loads a session's coordination row. Returns
// ErrSessionNotFound when the session has no state yet.
func (s *ExecutionStore) GetSessionState(ctx context.Context, sessionID string) (*SessionState, error) {
	r := s.pool.Reader()
	row := r.QueryRowContext(ctx, r.Rebind(`
		SELECT session_id, active_execution_id, interrupt_requested, agent_session_id, updated_at
		FROM session_state WHERE session_id = ?`), sessionID)

	var st SessionState
	var interrupted int
	err := row.Scan(&st.SessionID, &st.ActiveExecutionID, &interrupted, &st.AgentSessionID, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, storageErr("get session state", err)
	}
	st.InterruptRequested = interrupted != 0
	return &st, nil
}

// SetActiveExecution claims the session's active slot for the execution.
// Succeeds when the slot is empty or already holds the same id; returns
// AlreadyActiveError when a different execution occupies it.
func (s *ExecutionStore) SetActiveExecution(ctx context.Context, sessionID, executionID string) error {
	if err := s.ensureSessionRow(ctx, sessionID); err != nil {
		return err
	}

	w := s.pool.Writer()
	var current string
	err := w.GetContext(ctx, &current,
		w.Rebind(`SELECT active_execution_id FROM session_state WHERE session_id = ?`), sessionID)
	if err != nil {
		return storageErr("set active execution", err)
	}
	if current == executionID {
		return nil
	}
	if current != "" {
		return &AlreadyActiveError{SessionID: sessionID, ActiveExecutionID: current}
	}

	_, err = w.ExecContext(ctx,
		w.Rebind(`UPDATE session_state SET active_execution_id = ?, updated_at = ? WHERE session_id = ?`),
		executionID, time.Now().UTC(), sessionID)
	if err != nil {
		return storageErr("set active execution", err)
	}
	return nil
}

// ClearActiveExecution empties the session's active slot. A session with no
// state row is already clear.
func (s *ExecutionStore) ClearActiveExecution(ctx context.Context, sessionID string) error {
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx,
		w.Rebind(`UPDATE session_state SET active_execution_id = '', updated_at = ? WHERE session_id = ?`),
		time.Now().UTC(), sessionID)
	if err != nil {
		return storageErr("clear active execution", err)
	}
	return nil
}

// ActiveExecution returns the execution id holding the session's slot, or ""
// when the slot is empty.
func (s *ExecutionStore) ActiveExecution(ctx context.Context, sessionID string) (string, error) {
	st, err := s.GetSessionState(ctx, sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return st.ActiveExecutionID, nil
}

// RequestInterrupt raises the session's interrupt flag.
func (s *ExecutionStore) RequestInterrupt(ctx context.Context, sessionID string) error {
	return s.setInterrupt(ctx, sessionID, true)
}

// ClearInterrupt lowers the session's interrupt flag.
func (s *ExecutionStore) ClearInterrupt(ctx context.Context, sessionID string) error {
	return s.setInterrupt(ctx, sessionID, false)
}

func (s *ExecutionStore) setInterrupt(ctx context.Context, sessionID string, value bool) error {
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO session_state (session_id, active_execution_id, interrupt_requested, agent_session_id, updated_at)
		VALUES (?, '', ?, '', ?)
		ON CONFLICT (session_id) DO UPDATE SET interrupt_requested = ?, updated_at = ?`),
		sessionID, dialect.BoolToInt(value), time.Now().UTC(),
		dialect.BoolToInt(value), time.Now().UTC())
	if err != nil {
		return storageErr("set interrupt flag", err)
	}
	return nil
}

// IsInterruptRequested reports the session's interrupt flag. A session with
// no state row has never been interrupted.
func (s *ExecutionStore) IsInterruptRequested(ctx context.Context, sessionID string) (bool, error) {
	st, err := s.GetSessionState(ctx, sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return st.InterruptRequested, nil
}

// UpdateAgentSessionID persists the captured agent-CLI session id, the
// cursor later invocations resume from.
func (s *ExecutionStore) UpdateAgentSessionID(ctx context.Context, sessionID, agentSessionID string) error {
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO session_state (session_id, active_execution_id, interrupt_requested, agent_session_id, updated_at)
		VALUES (?, '', 0, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET agent_session_id = ?, updated_at = ?`),
		sessionID, agentSessionID, time.Now().UTC(),
		agentSessionID, time.Now().UTC())
	if err != nil {
		return storageErr("update agent session id", err)
	}
	return nil
}

// AgentSessionID returns the captured agent-CLI session id, or "" when none
// has been captured.
func (s *ExecutionStore) AgentSessionID(ctx context.Context, sessionID string) (string, error) {
	st, err := s.GetSessionState(ctx, sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return st.AgentSessionID, nil
}
