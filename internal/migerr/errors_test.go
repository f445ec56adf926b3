package migerr

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMessages(t *testing.T) {
	since := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	tests := []struct {
		err  error
		want string
	}{
		{Validationf("migration.batch_size", "must be positive, got %d", -1),
			"invalid configuration: migration.batch_size: must be positive, got -1"},
		{&ValidationError{Err: errors.New("no phases")}, "invalid configuration: no phases"},
		{&BackendError{Phase: "copy_opportunities", Batch: 3, Err: errors.New("timeout")},
			"backend error in phase copy_opportunities batch 3: timeout"},
		{&BackendError{Phase: "drop_deals_view", Err: errors.New("syntax error")},
			"backend error in phase drop_deals_view: syntax error"},
		{&ConsistencyError{Phase: "copy", Table: "opportunities", Expected: 300, Observed: 200, Reason: "row count"},
			"consistency check failed for phase copy (table opportunities): expected 300, observed 200: row count"},
		{&WindowExpiredError{BackupID: "1772355600", Age: 49 * time.Hour, Window: 48 * time.Hour},
			"rollback window expired: backup 1772355600 is 49.0 hours old (limit: 48.0 hours)"},
		{&LockError{Name: "migration", Holder: "1a2b3c4d", Since: since},
			`lock "migration" is held by run 1a2b3c4d since 2026-03-01T09:00:00Z`},
		{&LockError{Name: "migration"}, `lock "migration" lost: no current holder`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.err.Error())
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("connection reset by peer")
	err := fmt.Errorf("resume: %w", &BackendError{Phase: "copy", Batch: 2, Err: cause})

	var be *BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, 2, be.Batch)
	assert.ErrorIs(t, err, cause)

	corrupt := &CorruptionError{Path: "cp.json", Err: cause}
	assert.ErrorIs(t, corrupt, cause)
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, IsTerminal(&WindowExpiredError{}))
	assert.True(t, IsTerminal(fmt.Errorf("load: %w", &CorruptionError{Path: "x", Err: errors.New("bad")})))
	assert.True(t, IsTerminal(Validationf("f", "bad")))
	assert.True(t, IsTerminal(&ConsistencyError{}))
	assert.False(t, IsTerminal(&BackendError{Err: errors.New("timeout")}))
	assert.False(t, IsTerminal(ErrCancelled))
	assert.False(t, IsTerminal(&LockError{}))
}
