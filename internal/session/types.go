package session

import (
	"encoding/json"
	"time"

	v1 "github.com/kandev/sessiond/pkg/api/v1"
)

// ExecutionMetadata is the stored record of one execution attempt. Rows are
// never physically deleted; terminal executions are retained for audit.
type ExecutionMetadata struct {
	ID            string             `db:"id"`
	SessionID     string             `db:"session_id"`
	Status        v1.ExecutionStatus `db:"status"`
	Mode          string             `db:"mode"`
	StreamingMode string             `db:"streaming_mode"`
	AgentProfile  string             `db:"agent_profile"`
	Prompt        string             `db:"prompt"`
	WorkspacePath string             `db:"workspace_path"`
	IngestToken   string             `db:"ingest_token"`
	Error         string             `db:"error"`
	ProcessID     string             `db:"process_id"`
	StartedAt     time.Time          `db:"started_at"`
	CompletedAt   *time.Time         `db:"completed_at"`
	LastHeartbeat *time.Time         `db:"last_heartbeat"`
}

// ToAPI converts the stored record into its wire representation.
func (m *ExecutionMetadata) ToAPI() *v1.Execution {
	out := &v1.Execution{
		ID:            m.ID,
		SessionID:     m.SessionID,
		Status:        m.Status,
		Mode:          m.Mode,
		StreamingMode: m.StreamingMode,
		StartedAt:     m.StartedAt,
		CompletedAt:   m.CompletedAt,
		LastHeartbeat: m.LastHeartbeat,
	}
	if m.Error != "" {
		errMsg := m.Error
		out.Error = &errMsg
	}
	if m.ProcessID != "" {
		pid := m.ProcessID
		out.ProcessID = &pid
	}
	if m.IngestToken != "" {
		token := m.IngestToken
		out.IngestToken = &token
	}
	return out
}

// SessionState is the per-session coordination row: the active-execution
// slot, the interrupt flag, and the captured agent session id used as the
// resume cursor.
type SessionState struct {
	SessionID          string    `db:"session_id"`
	ActiveExecutionID  string    `db:"active_execution_id"`
	InterruptRequested bool      `db:"-"`
	AgentSessionID     string    `db:"agent_session_id"`
	UpdatedAt          time.Time `db:"updated_at"`
}

// Lease ties one in-flight delivery to an execution id. At most one
// non-expired lease exists per execution; an expired lease is reclaimable by
// any later acquire attempt.
type Lease struct {
	ExecutionID string    `db:"execution_id"`
	LeaseID     string    `db:"lease_id"`
	MessageID   string    `db:"message_id"`
	ExpiresAt   time.Time `db:"expires_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// Expired reports whether the lease's claim has lapsed at the given instant.
func (l *Lease) Expired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}

// StoredEvent is one persisted stream event. The auto-assigned id defines the
// total order within a session and serves as the replay cursor.
type StoredEvent struct {
	ID          int64              `db:"id"`
	SessionID   string             `db:"session_id"`
	ExecutionID string             `db:"execution_id"`
	Type        v1.StreamEventType `db:"event_type"`
	Payload     json.RawMessage    `db:"payload"`
	Timestamp   time.Time          `db:"created_at"`
}

// ToAPI converts the stored event into its wire representation.
func (e *StoredEvent) ToAPI() v1.StreamEvent {
	return v1.StreamEvent{
		ID:          e.ID,
		SessionID:   e.SessionID,
		ExecutionID: e.ExecutionID,
		Type:        e.Type,
		Payload:     e.Payload,
		Timestamp:   e.Timestamp,
	}
}

// EventFromStream builds a storable record from a live stream event.
func EventFromStream(ev v1.StreamEvent) *StoredEvent {
	return &StoredEvent{
		SessionID:   ev.SessionID,
		ExecutionID: ev.ExecutionID,
		Type:        ev.Type,
		Payload:     ev.Payload,
		Timestamp:   ev.Timestamp,
	}
}

// EventFilters narrows event queries. Zero values mean "no constraint";
// populated filters combine conjunctively.
type EventFilters struct {
	// FromID is an exclusive lower bound on the event id (the replay cursor).
	FromID int64

	// ExecutionIDs restricts to events belonging to any of these executions.
	ExecutionIDs []string

	// EventTypes restricts to events of any of these types.
	EventTypes []v1.StreamEventType

	// StartTime and EndTime bound the event timestamp, inclusive on both ends.
	StartTime *time.Time
	EndTime   *time.Time

	// Limit caps the result size. Honored by FindByFilters only; iteration
	// leaves the cutoff to the consumer.
	Limit int
}
