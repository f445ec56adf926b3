package exitcodes

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/johndauphine/crm-migrate/internal/migerr"
)

func TestFromError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"nil error", nil, Success},
		{"path error", &os.PathError{Op: "open", Path: "/foo", Err: errors.New("no such file")}, IOError},
		{"yaml parse error", errors.New("yaml: unmarshal error"), ConfigError},
		{"no such file", errors.New("open config.yaml: no such file or directory"), IOError},
		{"connection refused", errors.New("dial tcp: connection refused"), ConnectionError},
		{"auth failed", errors.New("password authentication failed for user crm"), ConnectionError},
		{"copy error", errors.New("bulk copy failed"), TransferError},
		{"row count mismatch", errors.New("row count mismatch: expected 100, got 99"), ValidationError},
		{"context canceled text", errors.New("context canceled"), Cancelled},
		{"state error", errors.New("checkpoint not found"), StateError},
		{"config changed", errors.New("config changed since last run"), StateError},
		{"unknown error", errors.New("something unexpected happened"), TransferError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromError(tt.err)
			if got != tt.expected {
				t.Errorf("FromError(%v) = %d (%s), want %d (%s)",
					tt.err, got, Description(got), tt.expected, Description(tt.expected))
			}
		})
	}
}

func TestFromError_Typed(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"cancelled", fmt.Errorf("phase copy_opportunities: %w", migerr.ErrCancelled), Cancelled},
		{"context cancelled", context.Canceled, Cancelled},
		{"partial", migerr.ErrPartial, Partial},
		{"invalid batch size", migerr.Validationf("migration.batch_size", "must be positive, got %d", 0), ConfigError},
		{"lock held", &migerr.LockError{Name: "migration", Holder: "1a2b3c4d", Since: time.Now()}, LockHeld},
		{"window expired", &migerr.WindowExpiredError{BackupID: "1", Age: 49 * time.Hour, Window: 48 * time.Hour}, WindowExpired},
		{"corrupt checkpoint", &migerr.CorruptionError{Path: "cp.json", Err: errors.New("checksum mismatch")}, StateError},
		{"postcondition", &migerr.ConsistencyError{Phase: "copy", Expected: 300, Observed: 200}, ValidationError},
		{"constraint violation", &migerr.BackendError{Phase: "copy", Batch: 2, Err: errors.New("duplicate key value violates unique constraint")}, TransferError},
		{"backend connection lost", &migerr.BackendError{Phase: "copy", Batch: 2, Err: errors.New("read tcp: connection reset by peer")}, ConnectionError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FromError(tt.err); got != tt.expected {
				t.Errorf("FromError(%v) = %d (%s), want %d (%s)",
					tt.err, got, Description(got), tt.expected, Description(tt.expected))
			}
		})
	}
}

func TestExitError(t *testing.T) {
	inner := errors.New("inner error")
	exitErr := NewExitError(inner, ConnectionError)

	if exitErr.Code != ConnectionError {
		t.Errorf("expected code %d, got %d", ConnectionError, exitErr.Code)
	}

	if exitErr.Error() != "inner error" {
		t.Errorf("expected error message 'inner error', got '%s'", exitErr.Error())
	}

	if errors.Unwrap(exitErr) != inner {
		t.Error("Unwrap should return inner error")
	}

	if FromError(exitErr) != ConnectionError {
		t.Errorf("FromError should extract code from ExitError")
	}
}

func TestIsRecoverable(t *testing.T) {
	recoverable := []int{ConnectionError, Cancelled, IOError, LockHeld, Partial}
	nonRecoverable := []int{Success, ConfigError, TransferError, ValidationError, StateError, WindowExpired}

	for _, code := range recoverable {
		if !IsRecoverable(code) {
			t.Errorf("expected code %d (%s) to be recoverable", code, Description(code))
		}
	}

	for _, code := range nonRecoverable {
		if IsRecoverable(code) {
			t.Errorf("expected code %d (%s) to be non-recoverable", code, Description(code))
		}
	}
}

func TestDescription(t *testing.T) {
	tests := []struct {
		code     int
		expected string
	}{
		{Success, "success"},
		{ConfigError, "configuration error"},
		{ConnectionError, "connection error (recoverable)"},
		{TransferError, "transfer error"},
		{ValidationError, "validation error"},
		{Cancelled, "cancelled (recoverable)"},
		{StateError, "state error"},
		{IOError, "I/O error (recoverable)"},
		{WindowExpired, "rollback window expired"},
		{LockHeld, "lock held by another run (recoverable)"},
		{Partial, "partial run (recoverable)"},
		{99, "unknown error"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			got := Description(tt.code)
			if got != tt.expected {
				t.Errorf("Description(%d) = %q, want %q", tt.code, got, tt.expected)
			}
		})
	}
}
