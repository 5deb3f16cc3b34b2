package v1

import (
	"encoding/json"
	"time"
)

// StreamEventType discriminates the records produced by a streaming
// execution. The set is closed: everything an agent run can produce maps
// onto one of these four.
type StreamEventType string

const (
	// StreamEventAgent carries one structured (JSON) record emitted by the
	// agent process.
	StreamEventAgent StreamEventType = "agent"
	// StreamEventOutput carries one plain-text output line (stdout noise,
	// stderr, completion notices), scrubbed of terminal control sequences.
	StreamEventOutput StreamEventType = "output"
	// StreamEventError ends a stream that failed (timeout, non-zero exit,
	// terminal agent error).
	StreamEventError StreamEventType = "error"
	// StreamEventInterrupted ends a stream that was cancelled (external
	// interrupt, termination signal, lost infrastructure).
	StreamEventInterrupted StreamEventType = "interrupted"
)

// StreamEvent is one record in an execution's event sequence, both as
// emitted live by the controller and as persisted in the event log.
type StreamEvent struct {
	// ID is assigned on insert into the event log; zero for live events
	// that have not been persisted yet.
	ID          int64           `json:"id,omitempty"`
	SessionID   string          `json:"session_id"`
	ExecutionID string          `json:"execution_id"`
	Type        StreamEventType `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Timestamp   time.Time       `json:"timestamp"`
}

// EventQueryResponse is the body returned by GET /sessions/:id/events.
type EventQueryResponse struct {
	SessionID string        `json:"session_id"`
	Events    []StreamEvent `json:"events"`
	// LatestID is the highest id assigned for this session at query time,
	// usable as the next from_id cursor.
	LatestID int64 `json:"latest_id"`
}

// EventCountResponse is the body returned by GET .../events/count.
type EventCountResponse struct {
	ExecutionID string `json:"execution_id"`
	Count       int64  `json:"count"`
}

// LatestEventIDResponse is the body returned by GET .../events/latest-id.
// LatestID is 0 when the session has no events yet.
type LatestEventIDResponse struct {
	SessionID string `json:"session_id"`
	LatestID  int64  `json:"latest_id"`
}
