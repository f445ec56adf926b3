// Package migerr defines the error taxonomy shared by the migration engine.
// Every error wraps its cause so callers can use errors.Is / errors.As.
package migerr

import (
	"errors"
	"fmt"
	"time"
)

// ErrCancelled is returned when an operator cancels a run at a batch boundary.
var ErrCancelled = errors.New("migration cancelled")

// ErrPartial is returned when a run stopped with phases still pending.
var ErrPartial = errors.New("run stopped before all phases completed")

// ValidationError reports bad input or configuration (e.g. an invalid batch size).
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid configuration: %v", e.Err)
	}
	return fmt.Sprintf("invalid configuration: %s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Validationf builds a ValidationError for field.
func Validationf(field, format string, args ...any) error {
	return &ValidationError{Field: field, Err: fmt.Errorf(format, args...)}
}

// BackendError reports that the backend rejected an operation while
// executing a batch (constraint violation, timeout, connection loss).
type BackendError struct {
	Phase string
	Batch int
	Err   error
}

func (e *BackendError) Error() string {
	if e.Batch > 0 {
		return fmt.Sprintf("backend error in phase %s batch %d: %v", e.Phase, e.Batch, e.Err)
	}
	return fmt.Sprintf("backend error in phase %s: %v", e.Phase, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// ConsistencyError reports that the checkpoint, a backup or a phase
// postcondition disagrees with observed backend state.
type ConsistencyError struct {
	Phase    string
	Table    string
	Expected int64
	Observed int64
	Reason   string
}

func (e *ConsistencyError) Error() string {
	msg := fmt.Sprintf("consistency check failed for phase %s", e.Phase)
	if e.Table != "" {
		msg += fmt.Sprintf(" (table %s)", e.Table)
	}
	msg += fmt.Sprintf(": expected %d, observed %d", e.Expected, e.Observed)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// WindowExpiredError reports a rollback attempted outside the backup validity window.
type WindowExpiredError struct {
	BackupID  string
	CreatedAt time.Time
	Age       time.Duration
	Window    time.Duration
}

func (e *WindowExpiredError) Error() string {
	return fmt.Sprintf("rollback window expired: backup %s is %.1f hours old (limit: %.1f hours)",
		e.BackupID, e.Age.Hours(), e.Window.Hours())
}

// CorruptionError reports an unreadable checkpoint or backup manifest.
type CorruptionError struct {
	Path string
	Err  error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("corrupted state in %s: %v", e.Path, e.Err)
}

func (e *CorruptionError) Unwrap() error { return e.Err }

// LockError reports that another run holds the migration lock. An empty
// Holder means the lock row disappeared before it could be read.
type LockError struct {
	Name   string
	Holder string
	Since  time.Time
}

func (e *LockError) Error() string {
	if e.Holder == "" {
		return fmt.Sprintf("lock %q lost: no current holder", e.Name)
	}
	return fmt.Sprintf("lock %q is held by run %s since %s", e.Name, e.Holder, e.Since.Format(time.RFC3339))
}

// IsTerminal reports whether err must stop the requested operation without
// any automatic retry.
func IsTerminal(err error) bool {
	var (
		we *WindowExpiredError
		ce *CorruptionError
		ve *ValidationError
		ke *ConsistencyError
	)
	return errors.As(err, &we) || errors.As(err, &ce) || errors.As(err, &ve) || errors.As(err, &ke)
}
