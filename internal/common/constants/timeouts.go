// Package constants provides application-wide constants and timeouts.
package constants

import "time"

// Timeouts for command execution.
const (
	// CancelGracePeriod is how long a cancelled process may take to exit after
	// SIGTERM before it is killed with SIGKILL.
	CancelGracePeriod = 5 * time.Second

	// ShutdownTimeout bounds how long the service waits for running commands
	// to stop during graceful shutdown.
	ShutdownTimeout = 30 * time.Second

	// PruneInterval is how often finished ledger records are checked for pruning.
	PruneInterval = 10 * time.Minute

	// BusPublishTimeout bounds a single event bus publish.
	BusPublishTimeout = 2 * time.Second
)
