package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/johndauphine/crm-migrate/internal/backup"
	"github.com/johndauphine/crm-migrate/internal/checkpoint"
	"github.com/johndauphine/crm-migrate/internal/logging"
	"github.com/johndauphine/crm-migrate/internal/migerr"
)

// RollbackOptions tune an emergency rollback.
type RollbackOptions struct {
	// Resume continues an interrupted rollback from its checkpoint.
	Resume bool
	// Confirm is asked before any table is touched; nil means confirmed.
	Confirm func(m *backup.Manifest) bool
}

// Rollback restores the CRM tables from the newest usable backup. It is
// refused once the backup is as old as the rollback window.
func (o *Orchestrator) Rollback(ctx context.Context, ro RollbackOptions) (*MigrationResult, error) {
	existing, err := o.rollbackCheckpoints.Load()
	var ce *migerr.CorruptionError
	switch {
	case err == nil:
		if existing.Status == checkpoint.RunCompleted || existing.Status == checkpoint.RunRolledBack {
			existing = nil
		}
	case errors.Is(err, checkpoint.ErrNotFound):
		existing = nil
	case errors.As(err, &ce) && o.opts.Force:
		logging.Error("Rollback checkpoint is corrupt, starting a new rollback because --force was given: %v", err)
		existing = nil
	default:
		return nil, err
	}

	if existing != nil && !ro.Resume {
		return nil, fmt.Errorf("rollback %s is %s; use 'rollback --resume' to continue it", existing.RunID, existing.Status)
	}
	if existing == nil && ro.Resume {
		return nil, fmt.Errorf("no interrupted rollback checkpoint found - run 'rollback' without --resume")
	}

	var m *backup.Manifest
	if existing != nil {
		m, err = o.catalog.Load(existing.BackupID)
	} else {
		m, err = o.catalog.Latest(ctx, o.store)
	}
	if err != nil {
		return nil, err
	}

	now := o.now()
	if err := m.CheckWindow(now, o.config.Migration.RollbackWindow); err != nil {
		logging.Error("Rollback refused: %v", err)
		return nil, err
	}
	phases, err := o.rollbackPhases(m)
	if err != nil {
		return nil, err
	}
	if ro.Confirm != nil && !ro.Confirm(m) {
		return nil, fmt.Errorf("rollback aborted by operator: %w", migerr.ErrCancelled)
	}

	cp := existing
	plan := ResumePlan{ResumePhase: rollbackPhaseOrder[0], ResumeBatch: 1}
	if cp == nil {
		runID := o.opts.RunID
		if runID == "" {
			runID = "rb-" + uuid.New().String()[:8]
		}
		cp = checkpoint.New(runID, checkpoint.KindRollback, rollbackPhaseOrder, now)
		cp.BackupID = m.ID
	} else {
		c, err := o.ValidateConsistency(ctx, cp, phases)
		if err != nil {
			return nil, err
		}
		if !c.Consistent {
			logging.Error("Refusing to resume rollback %s: %s", cp.RunID, c.Reason)
			return nil, c.Err()
		}
		if plan, err = Plan(cp, rollbackPhaseOrder); err != nil {
			return nil, err
		}
	}

	release, err := o.acquireLock(cp.RunID)
	if err != nil {
		return nil, err
	}
	defer release()

	if existing == nil {
		if err := o.rollbackCheckpoints.Clear(); err != nil {
			return nil, fmt.Errorf("clearing rollback checkpoint: %w", err)
		}
		if err := o.rollbackCheckpoints.Save(cp); err != nil {
			return nil, fmt.Errorf("saving checkpoint: %w", err)
		}
	}
	o.recordRun(cp)

	logging.WithFields(logging.Fields{"run": cp.RunID, "backup_id": m.ID}).
		Warn("EMERGENCY ROLLBACK: restoring %d tables from backup %s (created %s, age %s)",
			len(m.Tables), m.ID, m.CreatedAt.Format(time.RFC3339), m.Age(now).Round(time.Minute))
	o.notify(o.notifier.RunStarted(cp.RunID, string(cp.Kind), len(cp.PhaseOrder), existing != nil))

	res, err := o.execute(ctx, runSpec{
		cp:      cp,
		store:   o.rollbackCheckpoints,
		phases:  phases,
		plan:    plan,
		resumed: existing != nil,
		final:   checkpoint.RunRolledBack,
	})
	if err != nil {
		return res, err
	}

	o.afterRollback(ctx, m, res)
	return res, nil
}

// afterRollback retires the rolled back migration and, unless configured to
// keep it, the backup it was restored from.
func (o *Orchestrator) afterRollback(ctx context.Context, m *backup.Manifest, res *MigrationResult) {
	if mig, err := o.checkpoints.Load(); err == nil {
		o.finishRun(mig.RunID, checkpoint.RunRolledBack, "", "")
	} else if m.RunID != "" {
		o.finishRun(m.RunID, checkpoint.RunRolledBack, "", "")
	}
	if err := o.checkpoints.Clear(); err != nil {
		logging.Warn("Failed to clear migration checkpoint: %v", err)
	}

	if o.config.Rollback.KeepBackup {
		logging.Info("Keeping backup %s", m.ID)
	} else if err := o.catalog.Remove(ctx, o.store, m); err != nil {
		logging.Warn("Failed to remove backup %s: %v", m.ID, err)
	}

	o.notify(o.notifier.RolledBack(res.RunID, m.ID, res.CompletedAt.Sub(res.StartedAt),
		len(m.Tables), res.RecordsProcessed+res.RecordsSkipped))
}

// Backup creates a standalone backup of the rollback tables.
func (o *Orchestrator) Backup(ctx context.Context) (*backup.Manifest, error) {
	tables := o.config.Rollback.Tables
	if len(tables) == 0 {
		return nil, migerr.Validationf("rollback.tables", "no tables to back up")
	}
	specs := make([]backup.TableSpec, len(tables))
	for i, t := range tables {
		specs[i] = backup.TableSpec{Name: t.Name, KeyColumns: t.Key}
	}

	runID := o.opts.RunID
	if runID == "" {
		runID = "bk-" + uuid.New().String()[:8]
	}
	release, err := o.acquireLock(runID)
	if err != nil {
		return nil, err
	}
	defer release()

	m, err := backup.Create(ctx, o.store, o.catalog, specs, o.config.Migration.SampleSize, o.now())
	if err != nil {
		return nil, err
	}
	logging.Info("Backup %s created (%d tables)", m.ID, len(m.Tables))
	for _, tb := range m.Tables {
		logging.Info("  %-28s %10d rows -> %s", tb.OriginalTable, tb.RecordCount, tb.BackupTable)
	}
	return m, nil
}

// ExpireBackups drops backups that are past the rollback window.
func (o *Orchestrator) ExpireBackups(ctx context.Context) ([]string, error) {
	removed, err := o.catalog.Expire(ctx, o.store, o.now(), o.config.Migration.RollbackWindow)
	if err != nil {
		return removed, err
	}
	if len(removed) == 0 {
		logging.Info("No backups older than %s", o.config.Migration.RollbackWindow)
	}
	return removed, nil
}

// Backups lists the manifests in the catalog, newest first. Unreadable
// manifests are logged and skipped.
func (o *Orchestrator) Backups() ([]*backup.Manifest, error) {
	ids, err := o.catalog.List()
	if err != nil {
		return nil, err
	}
	var out []*backup.Manifest
	for _, id := range ids {
		m, err := o.catalog.Load(id)
		if err != nil {
			logging.Warn("Skipping backup %s: %v", id, err)
			continue
		}
		out = append(out, m)
	}
	return out, nil
}
