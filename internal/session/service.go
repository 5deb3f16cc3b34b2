package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/sessiond/internal/common/logger"
	"github.com/kandev/sessiond/internal/events"
	"github.com/kandev/sessiond/internal/events/bus"
	v1 "github.com/kandev/sessiond/pkg/api/v1"
)

// Service is the session actor: it composes the execution store, the lease
// store, and the event log behind per-session serialization. Every mutating
// operation for one session runs under that session's mutex, which is what
// makes the stores' check-then-write sequences race-free. Operations across
// different sessions proceed in parallel.
type Service struct {
	executions *ExecutionStore
	leases     *LeaseStore
	events     *EventLog
	eventBus   bus.EventBus
	logger     *logger.Logger

	// locks maps session id to its *sync.Mutex. Entries are never removed;
	// the set of live sessions is small relative to its footprint.
	locks sync.Map
}

// NewService wires the actor from its stores and the event bus.
func NewService(executions *ExecutionStore, leases *LeaseStore, eventLog *EventLog, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		executions: executions,
		leases:     leases,
		events:     eventLog,
		eventBus:   eventBus,
		logger:     log.WithFields(zap.String("component", "session-service")),
	}
}

// lockSession acquires the session's mutex and returns the unlock func.
func (s *Service) lockSession(sessionID string) func() {
	v, _ := s.locks.LoadOrStore(sessionID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// ---- Execution operations ----

// AddExecution admits a new execution as pending. Missing ids and the
// ingest token are generated.
func (s *Service) AddExecution(ctx context.Context, meta *ExecutionMetadata) (*ExecutionMetadata, error) {
	if meta.ID == "" {
		meta.ID = uuid.NewString()
	}
	if meta.IngestToken == "" {
		meta.IngestToken = uuid.NewString()
	}

	unlock := s.lockSession(meta.SessionID)
	defer unlock()

	if err := s.executions.AddExecution(ctx, meta); err != nil {
		return nil, err
	}

	s.logger.Info("Execution admitted",
		zap.String("execution_id", meta.ID),
		zap.String("session_id", meta.SessionID))
	return meta, nil
}

// GetExecution loads one execution by id.
func (s *Service) GetExecution(ctx context.Context, executionID string) (*ExecutionMetadata, error) {
	return s.executions.GetExecution(ctx, executionID)
}

// ListExecutionsBySession returns a session's executions, newest first.
func (s *Service) ListExecutionsBySession(ctx context.Context, sessionID string) ([]*ExecutionMetadata, error) {
	return s.executions.ListExecutionsBySession(ctx, sessionID)
}

// ListExecutionsByStatus returns all executions in the given status.
func (s *Service) ListExecutionsByStatus(ctx context.Context, status v1.ExecutionStatus) ([]*ExecutionMetadata, error) {
	return s.executions.ListExecutionsByStatus(ctx, status)
}

// UpdateExecutionStatus applies a validated status transition under the
// owning session's lock and announces the change on the bus.
func (s *Service) UpdateExecutionStatus(ctx context.Context, executionID string, next v1.ExecutionStatus, errMsg string, completedAt *time.Time) (*ExecutionMetadata, error) {
	meta, err := s.executions.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}

	unlock := s.lockSession(meta.SessionID)
	defer unlock()

	updated, err := s.executions.UpdateExecutionStatus(ctx, executionID, next, errMsg, completedAt)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Execution status changed",
		zap.String("execution_id", executionID),
		zap.String("session_id", updated.SessionID),
		zap.String("from", string(meta.Status)),
		zap.String("to", string(next)))

	s.publish(ctx, events.ExecutionStatusChanged, map[string]interface{}{
		"execution_id": executionID,
		"session_id":   updated.SessionID,
		"status":       string(next),
		"error":        errMsg,
	})
	return updated, nil
}

// UpdateHeartbeat stamps the execution's last heartbeat with the current
// time. Returns false when the execution is unknown.
func (s *Service) UpdateHeartbeat(ctx context.Context, executionID string) (bool, error) {
	return s.executions.UpdateHeartbeat(ctx, executionID, time.Now().UTC())
}

// UpdateProcessID records the worker process handle backing the execution.
func (s *Service) UpdateProcessID(ctx context.Context, executionID, processID string) (bool, error) {
	return s.executions.UpdateProcessID(ctx, executionID, processID)
}

// ---- Active slot and interrupt flag ----

// SetActiveExecution claims the session's active slot for the execution.
func (s *Service) SetActiveExecution(ctx context.Context, sessionID, executionID string) error {
	unlock := s.lockSession(sessionID)
	defer unlock()
	return s.executions.SetActiveExecution(ctx, sessionID, executionID)
}

// ClearActiveExecution empties the session's active slot.
func (s *Service) ClearActiveExecution(ctx context.Context, sessionID string) error {
	unlock := s.lockSession(sessionID)
	defer unlock()
	return s.executions.ClearActiveExecution(ctx, sessionID)
}

// ActiveExecution returns the execution id holding the session's slot, ""
// when empty.
func (s *Service) ActiveExecution(ctx context.Context, sessionID string) (string, error) {
	return s.executions.ActiveExecution(ctx, sessionID)
}

// RequestInterrupt raises the session's interrupt flag and announces it.
func (s *Service) RequestInterrupt(ctx context.Context, sessionID string) error {
	unlock := s.lockSession(sessionID)
	defer unlock()

	if err := s.executions.RequestInterrupt(ctx, sessionID); err != nil {
		return err
	}
	s.logger.Info("Interrupt requested", zap.String("session_id", sessionID))
	s.publish(ctx, events.SessionInterruptRequested, map[string]interface{}{
		"session_id": sessionID,
	})
	return nil
}

// ClearInterrupt lowers the session's interrupt flag.
func (s *Service) ClearInterrupt(ctx context.Context, sessionID string) error {
	unlock := s.lockSession(sessionID)
	defer unlock()
	return s.executions.ClearInterrupt(ctx, sessionID)
}

// IsInterruptRequested reports the session's interrupt flag.
func (s *Service) IsInterruptRequested(ctx context.Context, sessionID string) (bool, error) {
	return s.executions.IsInterruptRequested(ctx, sessionID)
}

// GetSessionState loads the session's coordination row.
func (s *Service) GetSessionState(ctx context.Context, sessionID string) (*SessionState, error) {
	return s.executions.GetSessionState(ctx, sessionID)
}

// UpdateAgentSessionID persists the captured agent-CLI session id.
func (s *Service) UpdateAgentSessionID(ctx context.Context, sessionID, agentSessionID string) error {
	unlock := s.lockSession(sessionID)
	defer unlock()
	return s.executions.UpdateAgentSessionID(ctx, sessionID, agentSessionID)
}

// AgentSessionID returns the captured agent-CLI session id, "" when none.
func (s *Service) AgentSessionID(ctx context.Context, sessionID string) (string, error) {
	return s.executions.AgentSessionID(ctx, sessionID)
}

// ---- Lease operations ----

// TryAcquireLease claims the execution's processing lease. Routed through
// the owning session's lock so that concurrent deliveries of the same
// request see exactly one winner.
func (s *Service) TryAcquireLease(ctx context.Context, executionID, leaseID, messageID string) (time.Time, error) {
	meta, err := s.executions.GetExecution(ctx, executionID)
	if err != nil {
		return time.Time{}, err
	}

	unlock := s.lockSession(meta.SessionID)
	defer unlock()
	return s.leases.TryAcquire(ctx, executionID, leaseID, messageID, time.Now())
}

// ExtendLease pushes the lease expiry forward for the current holder.
func (s *Service) ExtendLease(ctx context.Context, executionID, leaseID string) (time.Time, error) {
	meta, err := s.executions.GetExecution(ctx, executionID)
	if err != nil {
		return time.Time{}, err
	}

	unlock := s.lockSession(meta.SessionID)
	defer unlock()
	return s.leases.Extend(ctx, executionID, leaseID, time.Now())
}

// ReleaseLease deletes the execution's lease when held by the exact id.
func (s *Service) ReleaseLease(ctx context.Context, executionID, leaseID string) (bool, error) {
	meta, err := s.executions.GetExecution(ctx, executionID)
	if err != nil {
		return false, err
	}

	unlock := s.lockSession(meta.SessionID)
	defer unlock()
	return s.leases.Release(ctx, executionID, leaseID)
}

// GetLease loads the lease row for an execution id.
func (s *Service) GetLease(ctx context.Context, executionID string) (*Lease, error) {
	return s.leases.Get(ctx, executionID)
}

// FindExpiredLeases returns all lapsed leases. Sweep helper, not routed
// through session locks: the delete below is a single conditional statement.
func (s *Service) FindExpiredLeases(ctx context.Context) ([]*Lease, error) {
	return s.leases.FindExpired(ctx, time.Now())
}

// DeleteExpiredLeases removes every lapsed lease regardless of holder.
func (s *Service) DeleteExpiredLeases(ctx context.Context) (int64, error) {
	return s.leases.DeleteExpired(ctx, time.Now())
}

// LeaseTTL returns the configured lease lifetime.
func (s *Service) LeaseTTL() time.Duration {
	return s.leases.TTL()
}

// ---- Event operations ----

// AppendEvent records one stream event under the session's lock, so append
// order within a session matches actor order, and announces it on the bus
// for live readers.
func (s *Service) AppendEvent(ctx context.Context, event *StoredEvent) (int64, error) {
	unlock := s.lockSession(event.SessionID)
	defer unlock()

	id, err := s.events.Insert(ctx, event)
	if err != nil {
		return 0, err
	}

	data := map[string]interface{}{
		"session_id":   event.SessionID,
		"execution_id": event.ExecutionID,
		"event_id":     id,
		"event_type":   string(event.Type),
	}
	if encoded, err := json.Marshal(event.ToAPI()); err == nil {
		data["event"] = string(encoded)
	}
	s.publish(ctx, events.SessionEventAppended, data)
	return id, nil
}

// QueryEvents returns the session's events matching the filters.
func (s *Service) QueryEvents(ctx context.Context, sessionID string, f EventFilters) ([]StoredEvent, error) {
	return s.events.FindByFilters(ctx, sessionID, f)
}

// IterateEvents opens a lazy cursor over the session's matching events.
func (s *Service) IterateEvents(ctx context.Context, sessionID string, f EventFilters) (*EventIterator, error) {
	return s.events.IterateByFilters(ctx, sessionID, f)
}

// CountEvents returns the number of events recorded for an execution.
func (s *Service) CountEvents(ctx context.Context, executionID string) (int64, error) {
	return s.events.CountByExecutionID(ctx, executionID)
}

// LatestEventID returns the session's replay cursor, 0 when no events exist.
func (s *Service) LatestEventID(ctx context.Context, sessionID string) (int64, error) {
	return s.events.LatestEventID(ctx, sessionID)
}

// DeleteEventsOlderThan prunes events recorded before the cutoff.
func (s *Service) DeleteEventsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.events.DeleteOlderThan(ctx, cutoff)
}

// ---- Durable per-session handle ----

// StateHandle is the durable counterpart handed to the streaming controller:
// the interrupt flag and captured-session-id surface for one session,
// backed by this service.
type StateHandle struct {
	svc       *Service
	sessionID string
}

// StateHandle returns the durable handle for a session key.
func (s *Service) StateHandle(sessionID string) *StateHandle {
	return &StateHandle{svc: s, sessionID: sessionID}
}

// ClearInterrupted lowers the session's interrupt flag.
func (h *StateHandle) ClearInterrupted(ctx context.Context) error {
	return h.svc.ClearInterrupt(ctx, h.sessionID)
}

// IsInterrupted reports the session's interrupt flag.
func (h *StateHandle) IsInterrupted(ctx context.Context) (bool, error) {
	return h.svc.IsInterruptRequested(ctx, h.sessionID)
}

// UpdateCapturedSessionID persists the agent-CLI session id captured from
// the stream's init marker.
func (h *StateHandle) UpdateCapturedSessionID(ctx context.Context, id string) error {
	return h.svc.UpdateAgentSessionID(ctx, h.sessionID, id)
}

// publish sends a bus event, logging failures instead of returning them;
// storage writes never fail because the bus is down.
func (s *Service) publish(ctx context.Context, subject string, data map[string]interface{}) {
	if s.eventBus == nil {
		return
	}
	if err := s.eventBus.Publish(ctx, subject, bus.NewEvent(subject, "session-service", data)); err != nil {
		s.logger.Error("failed to publish event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}
