// Package transfer implements the record-level work of a phase. Every Work
// splits its phase into 1-based batches and must be idempotent per batch:
// running a batch twice leaves the backend as running it once.
package transfer

import (
	"context"

	"github.com/johndauphine/crm-migrate/internal/backend"
	"github.com/johndauphine/crm-migrate/internal/checkpoint"
)

// Plan is the size of a phase.
type Plan struct {
	TotalBatches int
	TotalRecords int64
}

// BatchResult counts what a batch did with its records.
type BatchResult struct {
	Processed int64 // effects applied by this batch
	Skipped   int64 // effects found already present
	Failed    int64 // records that could not be applied
}

// Add accumulates r into b.
func (b *BatchResult) Add(r BatchResult) {
	b.Processed += r.Processed
	b.Skipped += r.Skipped
	b.Failed += r.Failed
}

// Observation is the backend-observed state of a phase compared with what
// its checkpoint claims. Observed >= Expected means consistent.
type Observation struct {
	Table    string
	Expected int64
	Observed int64
}

// Consistent reports whether the backend holds at least what was claimed.
func (o Observation) Consistent() bool {
	return o.Observed >= o.Expected
}

// Work is the unit of work behind one phase.
type Work interface {
	// Prepare sizes the phase. first is true when no batch of the phase has
	// completed yet; one-time setup runs only then.
	Prepare(ctx context.Context, store backend.Store, first bool) (Plan, error)
	// RunBatch applies batch (1-based). It skips effects that already exist.
	RunBatch(ctx context.Context, store backend.Store, batch int) (BatchResult, error)
	// Verify checks the phase postcondition after its last batch.
	Verify(ctx context.Context, store backend.Store, ps checkpoint.PhaseState) error
	// Observe compares the checkpoint's claim with the backend.
	Observe(ctx context.Context, store backend.Store, ps checkpoint.PhaseState) (Observation, error)
}

func batchCount(records int64, size int) int {
	if records <= 0 || size <= 0 {
		return 0
	}
	return int((records + int64(size) - 1) / int64(size))
}
