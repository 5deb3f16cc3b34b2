// Package events provides event types and utilities for the sessiond event system.
package events

// Subjects for execution lifecycle events
const (
	ExecutionRequested     = "execution.requested"
	ExecutionStatusChanged = "execution.status_changed"
)

// Subjects for session-scoped events
const (
	SessionEventAppended      = "session.event_appended"
	SessionInterruptRequested = "session.interrupt_requested"
)

// Queue groups
const (
	// QueueDispatch load-balances execution requests across dispatcher
	// instances; each delivery is processed by exactly one member.
	QueueDispatch = "dispatch"
)
