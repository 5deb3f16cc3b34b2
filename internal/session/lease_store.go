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
)

// LeaseStore persists time-boxed ownership claims keyed by execution id.
// A live lease marks an execution as being processed; re-delivered work
// requests bounce off it, and an expired lease is reclaimable by the next
// acquire attempt. TryAcquire is check-then-write and relies on the
// Service's per-session serialization.
type LeaseStore struct {
	pool *db.Pool
	ttl  time.Duration
	log  *logger.Logger
}

// NewLeaseStore creates the store and its schema. ttl is the lifetime of a
// fresh or extended claim.
func NewLeaseStore(pool *db.Pool, ttl time.Duration, log *logger.Logger) (*LeaseStore, error) {
	s := &LeaseStore{
		pool: pool,
		ttl:  ttl,
		log:  log.WithFields(zap.String("component", "lease-store")),
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize lease schema: %w", err)
	}
	return s, nil
}

func (s *LeaseStore) initSchema() error {
	w := s.pool.Writer()
	timeType := "DATETIME"
	if dialect.IsPostgres(w.DriverName()) {
		timeType = "TIMESTAMPTZ"
	}

	stmts := []string{
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS execution_leases (
			execution_id TEXT PRIMARY KEY,
			lease_id TEXT NOT NULL,
			message_id TEXT NOT NULL DEFAULT '',
			expires_at %[1]s NOT NULL,
			updated_at %[1]s NOT NULL
		)`, timeType),
		`CREATE INDEX IF NOT EXISTS idx_execution_leases_expires_at ON execution_leases(expires_at)`,
	}
	for _, stmt := range stmts {
		if _, err := w.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// TTL returns the configured lease lifetime.
func (s *LeaseStore) TTL() time.Duration {
	return s.ttl
}

// TryAcquire claims the execution's lease for leaseID. When no lease exists,
// or the existing one is expired, the claim succeeds by upsert and the new
// expiry is returned. A live lease yields AlreadyHeldError with the current
// holder and its expiry.
func (s *LeaseStore) TryAcquire(ctx context.Context, executionID, leaseID, messageID string, now time.Time) (time.Time, error) {
	now = now.UTC()
	expiresAt := now.Add(s.ttl)
	w := s.pool.Writer()

	existing, err := s.Get(ctx, executionID)
	if err != nil && !errors.Is(err, ErrLeaseNotFound) {
		return time.Time{}, err
	}

	if existing == nil {
		_, err = w.ExecContext(ctx, w.Rebind(`
			INSERT INTO execution_leases (execution_id, lease_id, message_id, expires_at, updated_at)
			VALUES (?, ?, ?, ?, ?)`),
			executionID, leaseID, messageID, expiresAt, now)
		if err != nil {
			return time.Time{}, storageErr("acquire lease", err)
		}
		s.log.Debug("Lease acquired",
			zap.String("execution_id", executionID),
			zap.String("lease_id", leaseID))
		return expiresAt, nil
	}

	if !existing.Expired(now) {
		return time.Time{}, &AlreadyHeldError{
			ExecutionID: executionID,
			Holder:      existing.LeaseID,
			ExpiresAt:   existing.ExpiresAt,
		}
	}

	// Expired claim: reclaim it in place.
	_, err = w.ExecContext(ctx, w.Rebind(`
		UPDATE execution_leases SET lease_id = ?, message_id = ?, expires_at = ?, updated_at = ?
		WHERE execution_id = ?`),
		leaseID, messageID, expiresAt, now, executionID)
	if err != nil {
		return time.Time{}, storageErr("acquire lease", err)
	}
	s.log.Debug("Expired lease reclaimed",
		zap.String("execution_id", executionID),
		zap.String("lease_id", leaseID),
		zap.String("previous_lease_id", existing.LeaseID))
	return expiresAt, nil
}

// Extend pushes the lease expiry forward, but only for the current holder.
func (s *LeaseStore) Extend(ctx context.Context, executionID, leaseID string, now time.Time) (time.Time, error) {
	now = now.UTC()

	existing, err := s.Get(ctx, executionID)
	if err != nil {
		return time.Time{}, err
	}
	if existing.LeaseID != leaseID {
		return time.Time{}, ErrWrongHolder
	}

	expiresAt := now.Add(s.ttl)
	w := s.pool.Writer()
	_, err = w.ExecContext(ctx, w.Rebind(`
		UPDATE execution_leases SET expires_at = ?, updated_at = ?
		WHERE execution_id = ? AND lease_id = ?`),
		expiresAt, now, executionID, leaseID)
	if err != nil {
		return time.Time{}, storageErr("extend lease", err)
	}
	return expiresAt, nil
}

// Release deletes the lease when held by the exact lease id. Returns true
// only when a matching row existed.
func (s *LeaseStore) Release(ctx context.Context, executionID, leaseID string) (bool, error) {
	w := s.pool.Writer()
	res, err := w.ExecContext(ctx,
		w.Rebind(`DELETE FROM execution_leases WHERE execution_id = ? AND lease_id = ?`),
		executionID, leaseID)
	if err != nil {
		return false, storageErr("release lease", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("release lease", err)
	}
	return n > 0, nil
}

// Get loads the lease row for an execution id.
func (s *LeaseStore) Get(ctx context.Context, executionID string) (*Lease, error) {
	r := s.pool.Reader()
	var lease Lease
	err := r.GetContext(ctx, &lease, r.Rebind(`
		SELECT execution_id, lease_id, message_id, expires_at, updated_at
		FROM execution_leases WHERE execution_id = ?`), executionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrLeaseNotFound
	}
	if err != nil {
		return nil, storageErr("get lease", err)
	}
	return &lease, nil
}

// FindExpired returns all leases whose expiry has lapsed at the given
// instant, oldest first.
func (s *LeaseStore) FindExpired(ctx context.Context, now time.Time) ([]*Lease, error) {
	r := s.pool.Reader()
	var out []*Lease
	err := r.SelectContext(ctx, &out, r.Rebind(`
		SELECT execution_id, lease_id, message_id, expires_at, updated_at
		FROM execution_leases WHERE expires_at <= ? ORDER BY expires_at ASC`),
		now.UTC())
	if err != nil {
		return nil, storageErr("find expired leases", err)
	}
	return out, nil
}

// DeleteExpired removes every expired lease regardless of holder. Returns
// the number of rows deleted.
func (s *LeaseStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	w := s.pool.Writer()
	res, err := w.ExecContext(ctx,
		w.Rebind(`DELETE FROM execution_leases WHERE expires_at <= ?`), now.UTC())
	if err != nil {
		return 0, storageErr("delete expired leases", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("delete expired leases", err)
	}
	if n > 0 {
		s.log.Debug("Expired leases deleted", zap.Int64("count", n))
	}
	return n, nil
}
