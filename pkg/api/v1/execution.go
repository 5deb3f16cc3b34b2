package v1

import "time"

// ExecutionStatus represents the lifecycle status of an execution.
type ExecutionStatus string

const (
	ExecutionStatusPending     ExecutionStatus = "pending"
	ExecutionStatusRunning     ExecutionStatus = "running"
	ExecutionStatusCompleted   ExecutionStatus = "completed"
	ExecutionStatusFailed      ExecutionStatus = "failed"
	ExecutionStatusInterrupted ExecutionStatus = "interrupted"
)

// IsTerminal reports whether the status is a sink state. Once an execution
// reaches a terminal status no further transition is permitted.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusInterrupted:
		return true
	}
	return false
}

// Valid reports whether the status is one of the known values.
func (s ExecutionStatus) Valid() bool {
	switch s {
	case ExecutionStatusPending, ExecutionStatusRunning,
		ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusInterrupted:
		return true
	}
	return false
}

// Execution is the wire representation of one execution attempt.
type Execution struct {
	ID            string          `json:"id"`
	SessionID     string          `json:"session_id"`
	Status        ExecutionStatus `json:"status"`
	Mode          string          `json:"mode,omitempty"`
	StreamingMode string          `json:"streaming_mode,omitempty"`
	Error         *string         `json:"error,omitempty"`
	ProcessID     *string         `json:"process_id,omitempty"`
	IngestToken   *string         `json:"ingest_token,omitempty"`
	StartedAt     time.Time       `json:"started_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	LastHeartbeat *time.Time      `json:"last_heartbeat,omitempty"`
}

// CreateExecutionRequest is the body of POST /sessions/:id/executions.
type CreateExecutionRequest struct {
	Prompt        string `json:"prompt" binding:"required"`
	WorkspacePath string `json:"workspace_path" binding:"required"`
	Mode          string `json:"mode,omitempty"`
	StreamingMode string `json:"streaming_mode,omitempty"`
	AgentProfile  string `json:"agent_profile,omitempty"`
}

// CreateExecutionResponse returns the admitted execution and the token a
// reader presents to attach to its event stream.
type CreateExecutionResponse struct {
	Execution   Execution `json:"execution"`
	IngestToken string    `json:"ingest_token"`
	MessageID   string    `json:"message_id"`
}

// ListExecutionsResponse is the body of GET /sessions/:id/executions.
type ListExecutionsResponse struct {
	SessionID  string      `json:"session_id"`
	Executions []Execution `json:"executions"`
	Total      int         `json:"total"`
}

// UpdateExecutionStatusRequest is the body of PUT /executions/:id/status.
type UpdateExecutionStatusRequest struct {
	Status      ExecutionStatus `json:"status" binding:"required"`
	Error       string          `json:"error,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// InterruptStatusResponse reports the session-scoped interrupt flag.
type InterruptStatusResponse struct {
	SessionID   string `json:"session_id"`
	Interrupted bool   `json:"interrupted"`
}

// ActiveExecutionResponse reports the session's active-execution slot.
type ActiveExecutionResponse struct {
	SessionID   string  `json:"session_id"`
	ExecutionID *string `json:"execution_id,omitempty"`
}
