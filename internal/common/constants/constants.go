// Package constants provides application-wide constants and timeouts.
package constants

import "time"

// Timeouts for various operations.
const (
	// ShutdownTimeout is the maximum time to wait for an HTTP server to
	// drain in-flight requests during graceful shutdown.
	ShutdownTimeout = 10 * time.Second

	// WorkerStopTimeout is the maximum time to wait for a worker instance
	// to be found and terminated. Stop requests run on this bound rather
	// than the request context so a client hangup cannot strand a worker
	// mid-teardown.
	WorkerStopTimeout = 30 * time.Second
)
