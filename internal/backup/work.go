package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/johndauphine/crm-migrate/internal/backend"
	"github.com/johndauphine/crm-migrate/internal/checkpoint"
	"github.com/johndauphine/crm-migrate/internal/logging"
	"github.com/johndauphine/crm-migrate/internal/migerr"
	"github.com/johndauphine/crm-migrate/internal/transfer"
)

// TableSpec is a table to back up and the columns identifying its rows.
type TableSpec struct {
	Name       string
	KeyColumns []string
}

// Work snapshots one table per batch into <table>_backup_<id> and records it
// in the manifest. Re-running a batch reuses the existing backup table.
type Work struct {
	Phase      string
	Catalog    *Catalog
	ID         string
	CreatedAt  time.Time
	RunID      string
	Tables     []TableSpec
	SampleSize int
}

var _ transfer.Work = (*Work)(nil)

func (w *Work) Prepare(ctx context.Context, store backend.Store, first bool) (transfer.Plan, error) {
	if w.ID == "" {
		return transfer.Plan{}, migerr.Validationf(w.Phase, "backup phase has no backup id")
	}
	if len(w.Tables) == 0 {
		return transfer.Plan{}, migerr.Validationf(w.Phase, "backup phase lists no tables")
	}
	return transfer.Plan{TotalBatches: len(w.Tables), TotalRecords: int64(len(w.Tables))}, nil
}

func (w *Work) RunBatch(ctx context.Context, store backend.Store, batch int) (transfer.BatchResult, error) {
	if batch < 1 || batch > len(w.Tables) {
		return transfer.BatchResult{}, migerr.Validationf(w.Phase, "batch %d out of range 1..%d", batch, len(w.Tables))
	}
	spec := w.Tables[batch-1]
	backupTable := BackupTableName(spec.Name, w.ID)

	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s AS SELECT * FROM %s",
		backend.QuoteTable(backupTable), backend.QuoteTable(spec.Name))
	if err := store.Exec(ctx, stmt); err != nil {
		return transfer.BatchResult{}, fmt.Errorf("backing up %s: %w", spec.Name, err)
	}

	count, err := store.Count(ctx, backupTable, nil)
	if err != nil {
		return transfer.BatchResult{}, err
	}

	var samples []backend.Row
	if w.SampleSize > 0 {
		samples, err = store.Fetch(ctx, backend.FetchRequest{
			Table:   backupTable,
			OrderBy: spec.KeyColumns,
			Limit:   w.SampleSize,
		})
		if err != nil {
			return transfer.BatchResult{}, err
		}
	}

	m, err := w.manifest()
	if err != nil {
		return transfer.BatchResult{}, err
	}
	m.Put(TableBackup{
		OriginalTable: spec.Name,
		BackupTable:   backupTable,
		KeyColumns:    spec.KeyColumns,
		RecordCount:   count,
		Samples:       samples,
	})
	if err := w.Catalog.Save(m); err != nil {
		return transfer.BatchResult{}, fmt.Errorf("saving backup manifest: %w", err)
	}

	logging.WithFields(logging.Fields{"table": spec.Name, "backup_table": backupTable, "records": count}).Info("Backed up %s", spec.Name)
	return transfer.BatchResult{Processed: 1}, nil
}

// manifest loads the in-progress manifest or starts a new one.
func (w *Work) manifest() (*Manifest, error) {
	m, err := w.Catalog.Load(w.ID)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return &Manifest{ID: w.ID, CreatedAt: w.CreatedAt.UTC(), RunID: w.RunID}, nil
}

func (w *Work) Verify(ctx context.Context, store backend.Store, ps checkpoint.PhaseState) error {
	m, err := w.Catalog.Load(w.ID)
	if err != nil {
		return err
	}
	for _, spec := range w.Tables {
		tb := m.Table(spec.Name)
		if tb == nil {
			return &migerr.ConsistencyError{Phase: w.Phase, Table: spec.Name, Expected: 1, Reason: "table missing from backup manifest"}
		}
		n, err := store.Count(ctx, tb.BackupTable, nil)
		if err != nil {
			return &migerr.ConsistencyError{Phase: w.Phase, Table: tb.BackupTable, Expected: tb.RecordCount, Reason: err.Error()}
		}
		if n != tb.RecordCount {
			return &migerr.ConsistencyError{Phase: w.Phase, Table: tb.BackupTable, Expected: tb.RecordCount, Observed: n,
				Reason: "backup table differs from manifest"}
		}
	}
	return nil
}

// Observe counts backed-up tables that are both in the manifest and readable.
func (w *Work) Observe(ctx context.Context, store backend.Store, ps checkpoint.PhaseState) (transfer.Observation, error) {
	obs := transfer.Observation{Expected: int64(ps.CompletedBatches)}
	if ps.CompletedBatches == 0 {
		return obs, nil
	}
	m, err := w.Catalog.Load(w.ID)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return obs, nil
		}
		return transfer.Observation{}, err
	}
	for _, spec := range w.Tables {
		tb := m.Table(spec.Name)
		if tb == nil {
			continue
		}
		if _, err := store.Count(ctx, tb.BackupTable, nil); err == nil {
			obs.Observed++
		} else if obs.Table == "" {
			obs.Table = tb.BackupTable
		}
	}
	return obs, nil
}

// Create backs up every table outside of a phase (the "backup" command).
func Create(ctx context.Context, store backend.Store, catalog *Catalog, tables []TableSpec, sampleSize int, now time.Time) (*Manifest, error) {
	w := &Work{
		Phase:      "backup",
		Catalog:    catalog,
		ID:         NewID(now),
		CreatedAt:  now,
		Tables:     tables,
		SampleSize: sampleSize,
	}
	plan, err := w.Prepare(ctx, store, true)
	if err != nil {
		return nil, err
	}
	for b := 1; b <= plan.TotalBatches; b++ {
		if _, err := w.RunBatch(ctx, store, b); err != nil {
			return nil, err
		}
	}
	if err := w.Verify(ctx, store, checkpoint.PhaseState{}); err != nil {
		return nil, err
	}
	return catalog.Load(w.ID)
}
