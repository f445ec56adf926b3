package transfer

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/johndauphine/crm-migrate/internal/backend"
	"github.com/johndauphine/crm-migrate/internal/checkpoint"
	"github.com/johndauphine/crm-migrate/internal/logging"
	"github.com/johndauphine/crm-migrate/internal/migerr"
)

// CopyWork copies rows from Source into Target in key order, mapping columns
// on the way. Rows whose target key already exists are skipped.
type CopyWork struct {
	Phase     string
	Source    string
	SourceKey []string // read order
	Target    string
	TargetKey []string // identity of a target effect
	// Mapping maps target column -> source column. Empty copies rows as-is.
	Mapping map[string]string
	// Defaults fill target columns that are missing or null after mapping.
	Defaults  map[string]any
	BatchSize int
	// Strict fails the phase if any record could not be applied.
	Strict bool
	// Reset runs once before the first batch, e.g. to truncate the target.
	Reset string
}

func (w *CopyWork) validate() error {
	switch {
	case w.Source == "" || w.Target == "":
		return migerr.Validationf(w.Phase, "copy phase needs source and target tables")
	case len(w.SourceKey) == 0:
		return migerr.Validationf(w.Phase, "copy phase needs a source key")
	case len(w.TargetKey) == 0:
		return migerr.Validationf(w.Phase, "copy phase needs a target key")
	case w.BatchSize <= 0:
		return migerr.Validationf(w.Phase, "batch size must be positive, got %d", w.BatchSize)
	}
	return nil
}

func (w *CopyWork) Prepare(ctx context.Context, store backend.Store, first bool) (Plan, error) {
	if err := w.validate(); err != nil {
		return Plan{}, err
	}
	if first && w.Reset != "" {
		if err := store.Exec(ctx, w.Reset); err != nil {
			return Plan{}, fmt.Errorf("resetting %s: %w", w.Target, err)
		}
	}
	total, err := store.Count(ctx, w.Source, nil)
	if err != nil {
		return Plan{}, err
	}
	return Plan{TotalBatches: batchCount(total, w.BatchSize), TotalRecords: total}, nil
}

func (w *CopyWork) RunBatch(ctx context.Context, store backend.Store, batch int) (BatchResult, error) {
	var res BatchResult
	if batch < 1 {
		return res, migerr.Validationf(w.Phase, "batch numbers start at 1, got %d", batch)
	}

	rows, err := store.Fetch(ctx, backend.FetchRequest{
		Table:   w.Source,
		OrderBy: w.SourceKey,
		Offset:  (batch - 1) * w.BatchSize,
		Limit:   w.BatchSize,
	})
	if err != nil {
		return res, err
	}

	pending := make([]backend.Row, 0, len(rows))
	seen := make(map[string]bool, len(rows))
	for _, src := range rows {
		row := w.mapRow(src)
		key, ok := w.keyOf(row)
		if !ok {
			res.Failed++
			logging.WithFields(logging.Fields{"phase": w.Phase, "batch": batch}).Debug("Dropping row with null key: %v", src)
			continue
		}
		id := keyString(key)
		if seen[id] {
			res.Failed++
			logging.WithFields(logging.Fields{"phase": w.Phase, "batch": batch}).Debug("Duplicate key in batch: %s", id)
			continue
		}
		seen[id] = true

		n, err := store.Count(ctx, w.Target, key)
		if err != nil {
			return BatchResult{}, err
		}
		if n > 0 {
			res.Skipped++
			continue
		}
		pending = append(pending, row)
	}

	if len(pending) > 0 {
		if err := store.InsertBatch(ctx, w.Target, pending); err != nil {
			return BatchResult{}, err
		}
	}
	res.Processed = int64(len(pending))
	return res, nil
}

func (w *CopyWork) Verify(ctx context.Context, store backend.Store, ps checkpoint.PhaseState) error {
	obs, err := w.Observe(ctx, store, ps)
	if err != nil {
		return err
	}
	if !obs.Consistent() {
		return &migerr.ConsistencyError{
			Phase: w.Phase, Table: obs.Table, Expected: obs.Expected, Observed: obs.Observed,
			Reason: "target has fewer rows than completed batches imply",
		}
	}
	if w.Strict && ps.RecordsFailed > 0 {
		return &migerr.ConsistencyError{
			Phase: w.Phase, Table: w.Target, Expected: ps.TotalRecords, Observed: ps.Applied(),
			Reason: fmt.Sprintf("%d records could not be applied", ps.RecordsFailed),
		}
	}
	return nil
}

func (w *CopyWork) Observe(ctx context.Context, store backend.Store, ps checkpoint.PhaseState) (Observation, error) {
	n, err := store.Count(ctx, w.Target, nil)
	if err != nil {
		return Observation{}, err
	}
	return Observation{Table: w.Target, Expected: ps.Applied(), Observed: n}, nil
}

func (w *CopyWork) mapRow(src backend.Row) backend.Row {
	var row backend.Row
	if len(w.Mapping) == 0 {
		row = src.Clone()
	} else {
		row = make(backend.Row, len(w.Mapping)+len(w.Defaults))
		for dst, col := range w.Mapping {
			row[dst] = src[col]
		}
	}
	for col, v := range w.Defaults {
		if cur, ok := row[col]; !ok || cur == nil {
			row[col] = v
		}
	}
	return row
}

func (w *CopyWork) keyOf(row backend.Row) (backend.Filter, bool) {
	key := make(backend.Filter, len(w.TargetKey))
	for _, col := range w.TargetKey {
		v, ok := row[col]
		if !ok || v == nil {
			return nil, false
		}
		key[col] = v
	}
	return key, true
}

func keyString(key backend.Filter) string {
	cols := make([]string, 0, len(key))
	for c := range key {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = fmt.Sprintf("%s=%v", c, key[c])
	}
	return strings.Join(parts, ",")
}
