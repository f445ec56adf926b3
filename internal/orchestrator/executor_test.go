package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johndauphine/crm-migrate/internal/backend"
	"github.com/johndauphine/crm-migrate/internal/checkpoint"
	"github.com/johndauphine/crm-migrate/internal/migerr"
	"github.com/johndauphine/crm-migrate/internal/transfer"
)

// scriptedWork is a Work whose batches return canned results.
type scriptedWork struct {
	batches  int
	results  map[int][]error
	attempts map[int]int
	verify   error
}

func (w *scriptedWork) Prepare(ctx context.Context, store backend.Store, first bool) (transfer.Plan, error) {
	return transfer.Plan{TotalBatches: w.batches, TotalRecords: int64(w.batches * 10)}, nil
}

func (w *scriptedWork) RunBatch(ctx context.Context, store backend.Store, batch int) (transfer.BatchResult, error) {
	if w.attempts == nil {
		w.attempts = make(map[int]int)
	}
	n := w.attempts[batch]
	w.attempts[batch]++
	if errs := w.results[batch]; n < len(errs) && errs[n] != nil {
		return transfer.BatchResult{}, errs[n]
	}
	return transfer.BatchResult{Processed: 9, Skipped: 1}, nil
}

func (w *scriptedWork) Verify(ctx context.Context, store backend.Store, ps checkpoint.PhaseState) error {
	return w.verify
}

func (w *scriptedWork) Observe(ctx context.Context, store backend.Store, ps checkpoint.PhaseState) (transfer.Observation, error) {
	return transfer.Observation{Expected: ps.Applied(), Observed: ps.Applied()}, nil
}

func newExecutor(store checkpoint.Store) *Executor {
	return &Executor{
		Store:       backend.NewMemory(),
		Checkpoints: store,
		MaxRetries:  2,
		Backoff:     time.Millisecond,
	}
}

func TestRunPhase_CountsAndSaves(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	cp := checkpoint.New("r1", checkpoint.KindMigration, []string{"a", "b"}, time.Now())

	res, err := newExecutor(store).RunPhase(context.Background(), cp, Phase{Name: "a", Work: &scriptedWork{batches: 4}}, 1)
	require.NoError(t, err)

	assert.Equal(t, PhaseResult{
		Name:             "a",
		Status:           checkpoint.PhaseCompleted,
		StartBatch:       1,
		TotalBatches:     4,
		BatchesRun:       4,
		RecordsProcessed: 36,
		RecordsSkipped:   4,
	}, res)

	saved, err := store.Load()
	require.NoError(t, err)
	ps := saved.Phase("a")
	assert.Equal(t, checkpoint.PhaseCompleted, ps.Status)
	assert.Equal(t, 4, ps.CompletedBatches)
	assert.Equal(t, int64(40), ps.TotalRecords)
	assert.Equal(t, 100.0, ps.Progress)
	assert.NotNil(t, ps.CompletedAt)
	assert.Equal(t, checkpoint.RunInProgress, saved.Status)
	// two saves before the first batch, one per batch, one on completion
	assert.Equal(t, 7, store.Saves())
}

func TestRunPhase_Guards(t *testing.T) {
	ctx := context.Background()
	work := &scriptedWork{batches: 2}
	var ve *migerr.ValidationError

	cp := checkpoint.New("r1", checkpoint.KindMigration, []string{"a", "b"}, time.Now())
	_, err := newExecutor(checkpoint.NewMemoryStore()).RunPhase(ctx, cp, Phase{Name: "zzz", Work: work}, 1)
	assert.ErrorAs(t, err, &ve, "unknown phase")

	_, err = newExecutor(checkpoint.NewMemoryStore()).RunPhase(ctx, cp, Phase{Name: "a", Work: work}, 2)
	assert.ErrorAs(t, err, &ve, "batches are contiguous")

	cp.CurrentPhase = "b"
	_, err = newExecutor(checkpoint.NewMemoryStore()).RunPhase(ctx, cp, Phase{Name: "a", Work: work}, 1)
	assert.ErrorAs(t, err, &ve, "phases never run backwards")

	cp = checkpoint.New("r1", checkpoint.KindMigration, []string{"a", "b"}, time.Now())
	cp.Status = checkpoint.RunRolledBack
	_, err = newExecutor(checkpoint.NewMemoryStore()).RunPhase(ctx, cp, Phase{Name: "a", Work: work}, 1)
	assert.ErrorAs(t, err, &ve, "no work after rollback")
	assert.Empty(t, work.attempts)
}

func TestRunPhase_RetryPolicy(t *testing.T) {
	ctx := context.Background()

	t.Run("transient error is retried", func(t *testing.T) {
		cp := checkpoint.New("r1", checkpoint.KindMigration, []string{"a"}, time.Now())
		work := &scriptedWork{batches: 2, results: map[int][]error{
			2: {errors.New("deadlock detected"), errors.New("could not serialize access")},
		}}
		_, err := newExecutor(checkpoint.NewMemoryStore()).RunPhase(ctx, cp, Phase{Name: "a", Work: work}, 1)
		require.NoError(t, err)
		assert.Equal(t, 3, work.attempts[2])
	})

	t.Run("retries are bounded", func(t *testing.T) {
		cp := checkpoint.New("r1", checkpoint.KindMigration, []string{"a"}, time.Now())
		timeout := errors.New("i/o timeout")
		work := &scriptedWork{batches: 2, results: map[int][]error{1: {timeout, timeout, timeout, timeout}}}
		_, err := newExecutor(checkpoint.NewMemoryStore()).RunPhase(ctx, cp, Phase{Name: "a", Work: work}, 1)
		var be *migerr.BackendError
		require.ErrorAs(t, err, &be)
		assert.Equal(t, 1, be.Batch)
		assert.Equal(t, 3, work.attempts[1])
		assert.Equal(t, checkpoint.PhaseFailed, cp.Phase("a").Status)
		assert.Equal(t, checkpoint.RunFailed, cp.Status)
	})

	t.Run("permanent error is not retried", func(t *testing.T) {
		cp := checkpoint.New("r1", checkpoint.KindMigration, []string{"a"}, time.Now())
		work := &scriptedWork{batches: 2, results: map[int][]error{1: {errors.New("null value in column \"name\"")}}}
		_, err := newExecutor(checkpoint.NewMemoryStore()).RunPhase(ctx, cp, Phase{Name: "a", Work: work}, 1)
		require.Error(t, err)
		assert.Equal(t, 1, work.attempts[1])
	})
}

func TestRunPhase_VerifyFailureFailsPhase(t *testing.T) {
	cp := checkpoint.New("r1", checkpoint.KindMigration, []string{"a"}, time.Now())
	verr := &migerr.ConsistencyError{Phase: "a", Expected: 10, Observed: 9}
	_, err := newExecutor(checkpoint.NewMemoryStore()).RunPhase(context.Background(), cp,
		Phase{Name: "a", Work: &scriptedWork{batches: 1, verify: verr}}, 1)

	var ce *migerr.ConsistencyError
	require.ErrorAs(t, err, &ce, "typed errors are not rewrapped")
	ps := cp.Phase("a")
	assert.Equal(t, checkpoint.PhaseFailed, ps.Status)
	assert.Equal(t, 1, ps.CompletedBatches, "committed batches stay committed")
}

func TestRunPhase_CancelledBeforeFirstBatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cp := checkpoint.New("r1", checkpoint.KindMigration, []string{"a"}, time.Now())
	work := &scriptedWork{batches: 3}

	_, err := newExecutor(checkpoint.NewMemoryStore()).RunPhase(ctx, cp, Phase{Name: "a", Work: work}, 1)
	require.ErrorIs(t, err, migerr.ErrCancelled)
	assert.Empty(t, work.attempts)
	assert.Equal(t, checkpoint.ReasonCancelled, cp.Reason)
	assert.Equal(t, checkpoint.PhaseInProgress, cp.Phase("a").Status)
	assert.Equal(t, 3, cp.Phase("a").TotalBatches)
}

type failingStore struct{ checkpoint.Store }

func (failingStore) Save(*checkpoint.Checkpoint) error { return errors.New("disk full") }

func TestRunPhase_SaveFailureStopsBeforeWork(t *testing.T) {
	cp := checkpoint.New("r1", checkpoint.KindMigration, []string{"a"}, time.Now())
	work := &scriptedWork{batches: 3}
	_, err := newExecutor(failingStore{checkpoint.NewMemoryStore()}).RunPhase(context.Background(), cp, Phase{Name: "a", Work: work}, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "saving checkpoint")
	assert.Empty(t, work.attempts)
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("read: connection reset by peer"), true},
		{errors.New("dial tcp 10.0.0.1:5432: connect: connection refused"), true},
		{errors.New("write: broken pipe"), true},
		{errors.New("ERROR: deadlock detected (SQLSTATE 40P01)"), true},
		{errors.New("could not serialize access due to concurrent update"), true},
		{errors.New("database is locked"), true},
		{context.DeadlineExceeded, true},
		{errors.New("duplicate key value violates unique constraint"), false},
		{errors.New("permission denied for table deals"), false},
		{migerr.Validationf("batch", "timeout"), false},
		{fmt.Errorf("batch 3: %w", errors.New("i/o timeout")), true},
	}
	for _, tt := range tests {
		name := "nil"
		if tt.err != nil {
			name = tt.err.Error()
		}
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.want, isRetryableError(tt.err))
		})
	}
}

func TestMigrationResultJSON(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cp := checkpoint.New("r1", checkpoint.KindMigration, []string{"a", "b"}, start)
	cp.Phase("a").Status = checkpoint.PhaseCompleted

	res := &MigrationResult{RunID: "r1", Kind: "migration", Status: OutcomeCompleted, StartedAt: start}
	res.addPhase(PhaseResult{Name: "a", Status: checkpoint.PhaseCompleted, BatchesRun: 2, RecordsProcessed: 15, RecordsSkipped: 5})
	res.addPhase(PhaseResult{Name: "b", Status: checkpoint.PhaseCompleted, BatchesRun: 1, RecordsFailed: 1})
	res.finish(cp, start.Add(90*time.Second))

	data, err := json.Marshal(res)
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))

	assert.Equal(t, "r1", got["run_id"])
	assert.Equal(t, 90.0, got["duration_seconds"])
	assert.Equal(t, 3.0, got["batches_run"])
	assert.Equal(t, 15.0, got["records_processed"])
	assert.Equal(t, 1.0, got["records_failed"])
	assert.Equal(t, 2.0, got["phases_total"])
	assert.Equal(t, 1.0, got["phases_completed"])
	assert.NotContains(t, got, "error")
	assert.NotContains(t, got, "failed_phase")
	assert.Len(t, got["phases"], 2)
}
