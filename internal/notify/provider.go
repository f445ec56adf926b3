package notify

import "time"

// Provider defines the notification contract for migration and rollback runs.
// Implementations must not block the run for long; errors are logged by callers.
type Provider interface {
	// RunStarted is sent when a migration or rollback run begins or resumes.
	RunStarted(runID, kind string, phaseCount int, resumed bool) error

	// RunCompleted is sent when every phase completed.
	RunCompleted(runID, kind string, startTime time.Time, duration time.Duration, phaseCount int, records int64) error

	// RunPartial is sent when a run stopped with some phases completed (for
	// example after --phase or operator cancellation).
	RunPartial(runID, kind string, startTime time.Time, duration time.Duration, completed, total int, reason string) error

	// RunFailed is sent when a phase failed.
	RunFailed(runID, kind, phase string, err error, duration time.Duration) error

	// RolledBack is sent after a successful rollback.
	RolledBack(runID, backupID string, duration time.Duration, tables int, records int64) error
}

// Ensure Notifier implements Provider
var _ Provider = (*Notifier)(nil)
