package transfer

import (
	"context"
	"fmt"

	"github.com/johndauphine/crm-migrate/internal/backend"
	"github.com/johndauphine/crm-migrate/internal/checkpoint"
	"github.com/johndauphine/crm-migrate/internal/migerr"
)

// StatementWork runs one schema-level statement per batch. Statements must be
// safe to repeat (IF EXISTS / IF NOT EXISTS guards), since a statement whose
// batch was not checkpointed is executed again on resume.
type StatementWork struct {
	Phase      string
	Statements []string
	// ExpectTables must be countable once the phase has completed.
	ExpectTables []string
}

func (w *StatementWork) Prepare(ctx context.Context, store backend.Store, first bool) (Plan, error) {
	return Plan{TotalBatches: len(w.Statements), TotalRecords: int64(len(w.Statements))}, nil
}

func (w *StatementWork) RunBatch(ctx context.Context, store backend.Store, batch int) (BatchResult, error) {
	if batch < 1 || batch > len(w.Statements) {
		return BatchResult{}, migerr.Validationf(w.Phase, "batch %d out of range 1..%d", batch, len(w.Statements))
	}
	if err := store.Exec(ctx, w.Statements[batch-1]); err != nil {
		return BatchResult{}, err
	}
	return BatchResult{Processed: 1}, nil
}

func (w *StatementWork) Verify(ctx context.Context, store backend.Store, ps checkpoint.PhaseState) error {
	for _, table := range w.ExpectTables {
		if _, err := store.Count(ctx, table, nil); err != nil {
			return &migerr.ConsistencyError{
				Phase: w.Phase, Table: table, Expected: 1, Observed: 0,
				Reason: fmt.Sprintf("expected table is not readable: %v", err),
			}
		}
	}
	return nil
}

// Observe checks expected tables only once the phase claims completion;
// partial statement phases have no countable effect.
func (w *StatementWork) Observe(ctx context.Context, store backend.Store, ps checkpoint.PhaseState) (Observation, error) {
	if ps.Status != checkpoint.PhaseCompleted || len(w.ExpectTables) == 0 {
		return Observation{}, nil
	}
	obs := Observation{Expected: int64(len(w.ExpectTables))}
	for _, table := range w.ExpectTables {
		if _, err := store.Count(ctx, table, nil); err == nil {
			obs.Observed++
		} else if obs.Table == "" {
			obs.Table = table
		}
	}
	return obs, nil
}
