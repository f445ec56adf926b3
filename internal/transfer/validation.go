package transfer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/johndauphine/crm-migrate/internal/backend"
	"github.com/johndauphine/crm-migrate/internal/checkpoint"
	"github.com/johndauphine/crm-migrate/internal/logging"
	"github.com/johndauphine/crm-migrate/internal/migerr"
)

// ValidationTarget is a restored table and what it held before migration.
type ValidationTarget struct {
	Table         string
	ExpectedCount int64
	// Samples must each match exactly one row. They are compared on
	// CompareColumns, or on every string, integer and bool column of the
	// sample when CompareColumns is empty.
	Samples        []backend.Row
	CompareColumns []string
}

// ValidationWork checks one restored table per batch. Mismatches are logged
// per batch and reported by Verify; a batch itself only fails on backend errors.
type ValidationWork struct {
	Phase   string
	Targets []ValidationTarget
}

func (w *ValidationWork) Prepare(ctx context.Context, store backend.Store, first bool) (Plan, error) {
	var records int64
	for _, t := range w.Targets {
		records += int64(len(t.Samples)) + 1
	}
	return Plan{TotalBatches: len(w.Targets), TotalRecords: records}, nil
}

func (w *ValidationWork) RunBatch(ctx context.Context, store backend.Store, batch int) (BatchResult, error) {
	if batch < 1 || batch > len(w.Targets) {
		return BatchResult{}, migerr.Validationf(w.Phase, "batch %d out of range 1..%d", batch, len(w.Targets))
	}
	t := w.Targets[batch-1]
	n, res, problems, err := checkTarget(ctx, store, t)
	if err != nil {
		return BatchResult{}, err
	}
	if len(problems) > 0 {
		logging.WithFields(logging.Fields{"phase": w.Phase, "table": t.Table}).
			Warn("Validation mismatch: %s", strings.Join(problems, "; "))
	} else {
		logging.Info("%-30s OK %d rows", t.Table, n)
	}
	return res, nil
}

// Verify repeats the count and sample checks for every table. It does not
// depend on batches run by this process, so a validation phase resumed in a
// new process still reports mismatches found before the interruption.
func (w *ValidationWork) Verify(ctx context.Context, store backend.Store, ps checkpoint.PhaseState) error {
	var errs []error
	for _, t := range w.Targets {
		n, _, problems, err := checkTarget(ctx, store, t)
		if err != nil {
			return err
		}
		if len(problems) > 0 {
			errs = append(errs, &migerr.ConsistencyError{
				Phase: w.Phase, Table: t.Table, Expected: t.ExpectedCount, Observed: n,
				Reason: strings.Join(problems, "; "),
			})
		}
	}
	if len(errs) == 0 && ps.RecordsFailed > 0 {
		logging.WithFields(logging.Fields{"phase": w.Phase}).
			Warn("%d earlier validation checks failed but all tables match now", ps.RecordsFailed)
	}
	if len(errs) == 1 {
		return errs[0]
	}
	return errors.Join(errs...)
}

// checkTarget counts the table and looks up each sample. It returns the row
// count, the per-check tally and a description of every failed check.
func checkTarget(ctx context.Context, store backend.Store, t ValidationTarget) (int64, BatchResult, []string, error) {
	var res BatchResult
	var problems []string

	n, err := store.Count(ctx, t.Table, nil)
	if err != nil {
		return 0, BatchResult{}, nil, err
	}
	if n != t.ExpectedCount {
		res.Failed++
		problems = append(problems, fmt.Sprintf("count %d, expected %d", n, t.ExpectedCount))
	} else {
		res.Processed++
	}

	for i, sample := range t.Samples {
		filter := sampleFilter(sample, t.CompareColumns)
		if len(filter) == 0 {
			res.Skipped++
			continue
		}
		c, err := store.Count(ctx, t.Table, filter)
		if err != nil {
			return 0, BatchResult{}, nil, err
		}
		if c != 1 {
			res.Failed++
			problems = append(problems, fmt.Sprintf("sample %d matched %d rows", i+1, c))
			continue
		}
		res.Processed++
	}
	return n, res, problems, nil
}

// Observe counts how many of the already-validated tables still hold their
// expected record count.
func (w *ValidationWork) Observe(ctx context.Context, store backend.Store, ps checkpoint.PhaseState) (Observation, error) {
	done := ps.CompletedBatches
	if done > len(w.Targets) {
		done = len(w.Targets)
	}
	obs := Observation{Expected: int64(done)}
	for _, t := range w.Targets[:done] {
		n, err := store.Count(ctx, t.Table, nil)
		if err != nil {
			return Observation{}, err
		}
		if n >= t.ExpectedCount {
			obs.Observed++
		} else if obs.Table == "" {
			obs.Table = t.Table
		}
	}
	return obs, nil
}

func sampleFilter(sample backend.Row, cols []string) backend.Filter {
	if len(cols) == 0 {
		f := make(backend.Filter, len(sample))
		for c, v := range sample {
			if equalityComparable(v) {
				f[c] = v
			}
		}
		return f
	}
	f := make(backend.Filter, len(cols))
	for _, c := range cols {
		if v, ok := sample[c]; ok && v != nil {
			f[c] = v
		}
	}
	return f
}

// equalityComparable reports whether v survives a manifest round trip in a
// form every backend can match with "=". Floats and JSON documents do not.
func equalityComparable(v any) bool {
	switch v.(type) {
	case string, bool, int, int32, int64:
		return true
	}
	return false
}
