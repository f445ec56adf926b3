// Package exitcodes defines the process exit codes of crm-migrate so that
// schedulers (cron, Kubernetes Jobs, CI) can decide whether to retry.
package exitcodes

import (
	"context"
	"errors"
	"os"
	"strings"

	"github.com/johndauphine/crm-migrate/internal/migerr"
)

const (
	// Success - every requested phase completed
	Success = 0

	// ConfigError - configuration/YAML parsing or invalid input (non-recoverable, don't retry)
	ConfigError = 1

	// ConnectionError - backend connection or pool errors (recoverable)
	ConnectionError = 2

	// TransferError - a batch was rejected by the backend (resume after fixing the cause)
	TransferError = 3

	// ValidationError - a phase postcondition or checkpoint/backend consistency check failed
	ValidationError = 4

	// Cancelled - operator cancelled via SIGINT/SIGTERM (recoverable with resume)
	Cancelled = 5

	// StateError - corrupt checkpoint/manifest or config changed since last run
	StateError = 6

	// IOError - file I/O errors (recoverable)
	IOError = 7

	// WindowExpired - rollback refused, the backup is older than the rollback window
	WindowExpired = 8

	// LockHeld - another run holds the migration lock (recoverable)
	LockHeld = 9

	// Partial - the run stopped with phases still pending (recoverable with resume)
	Partial = 10
)

// ExitError wraps an error with an exit code.
type ExitError struct {
	Err  error
	Code int
}

func (e *ExitError) Error() string {
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code.
func NewExitError(err error, code int) *ExitError {
	return &ExitError{Err: err, Code: code}
}

// FromError determines the appropriate exit code for an error.
// Typed engine errors are matched first; anything else is classified by
// its message.
func FromError(err error) int {
	if err == nil {
		return Success
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	if code, ok := fromTyped(err); ok {
		return code
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return IOError
	}

	return fromMessage(strings.ToLower(err.Error()))
}

func fromTyped(err error) (int, bool) {
	var (
		ve *migerr.ValidationError
		ce *migerr.ConsistencyError
		we *migerr.WindowExpiredError
		xe *migerr.CorruptionError
		le *migerr.LockError
		be *migerr.BackendError
	)
	switch {
	case errors.Is(err, migerr.ErrCancelled), errors.Is(err, context.Canceled):
		return Cancelled, true
	case errors.Is(err, migerr.ErrPartial):
		return Partial, true
	case errors.As(err, &le):
		return LockHeld, true
	case errors.As(err, &we):
		return WindowExpired, true
	case errors.As(err, &xe):
		return StateError, true
	case errors.As(err, &ce):
		return ValidationError, true
	case errors.As(err, &ve):
		return ConfigError, true
	case errors.As(err, &be):
		if be.Err != nil && fromMessage(strings.ToLower(be.Err.Error())) == ConnectionError {
			return ConnectionError, true
		}
		return TransferError, true
	}
	return 0, false
}

func fromMessage(errStr string) int {
	// IO errors - check early for file-related errors (exit code 7)
	if containsAny(errStr, []string{
		"no such file",
		"file not found",
		"permission denied",
		"is a directory",
		"not a directory",
	}) {
		return IOError
	}

	// Validation errors (exit code 4) - check before ConfigError so that
	// "row count validation failed" does not match "validation"
	if containsAny(errStr, []string{
		"row count",
		"mismatch",
		"validation failed",
		"consistency check",
	}) {
		return ValidationError
	}

	// Config errors (exit code 1) - parsing issues, not validation of data
	if containsAny(errStr, []string{
		"yaml:",
		"json:",
		"unmarshal",
		"invalid configuration",
		"invalid config",
		"missing required",
		"invalid value",
		"parsing config",
	}) && !containsAny(errStr, []string{"connection", "connect", "dial"}) {
		return ConfigError
	}

	// Connection errors (exit code 2)
	if containsAny(errStr, []string{
		"connection",
		"connect",
		"dial",
		"refused",
		"timeout",
		"unreachable",
		"no such host",
		"network",
		"pool",
		"ping",
		"authentication",
		"password authentication failed",
	}) {
		return ConnectionError
	}

	// Transfer errors (exit code 3)
	if containsAny(errStr, []string{
		"batch",
		"copy",
		"insert",
		"create table",
		"drop table",
		"truncate",
		"violates",
	}) {
		return TransferError
	}

	// Cancelled (exit code 5)
	if containsAny(errStr, []string{
		"cancel",
		"interrupt",
		"context deadline",
	}) {
		return Cancelled
	}

	// State errors (exit code 6)
	if containsAny(errStr, []string{
		"state",
		"checkpoint",
		"resume",
		"run not found",
		"already completed",
		"config changed",
	}) {
		return StateError
	}

	// Default to transfer error for unknown errors
	return TransferError
}

// IsRecoverable returns true if the error is recoverable (safe to retry or resume).
func IsRecoverable(code int) bool {
	switch code {
	case ConnectionError, Cancelled, IOError, LockHeld, Partial:
		return true
	default:
		return false
	}
}

// Description returns a human-readable description of the exit code.
func Description(code int) string {
	switch code {
	case Success:
		return "success"
	case ConfigError:
		return "configuration error"
	case ConnectionError:
		return "connection error (recoverable)"
	case TransferError:
		return "transfer error"
	case ValidationError:
		return "validation error"
	case Cancelled:
		return "cancelled (recoverable)"
	case StateError:
		return "state error"
	case IOError:
		return "I/O error (recoverable)"
	case WindowExpired:
		return "rollback window expired"
	case LockHeld:
		return "lock held by another run (recoverable)"
	case Partial:
		return "partial run (recoverable)"
	default:
		return "unknown error"
	}
}

func containsAny(s string, substrs []string) bool {
	for _, substr := range substrs {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}
