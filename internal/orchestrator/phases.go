package orchestrator

import (
	"strings"

	"github.com/johndauphine/crm-migrate/internal/backend"
	"github.com/johndauphine/crm-migrate/internal/backup"
	"github.com/johndauphine/crm-migrate/internal/checkpoint"
	"github.com/johndauphine/crm-migrate/internal/config"
	"github.com/johndauphine/crm-migrate/internal/migerr"
	"github.com/johndauphine/crm-migrate/internal/transfer"
)

// Rollback phases, in execution order.
const (
	PhaseStructureRestore = "structure_restore"
	PhaseDataRestore      = "data_restore"
	PhasePolicyRestore    = "policy_restore"
	PhaseValidation       = "validation"
)

var rollbackPhaseOrder = []string{
	PhaseStructureRestore,
	PhaseDataRestore,
	PhasePolicyRestore,
	PhaseValidation,
}

// migrationPhases builds the configured forward phases for cp.
func (o *Orchestrator) migrationPhases(cp *checkpoint.Checkpoint) ([]Phase, error) {
	phases := make([]Phase, 0, len(o.config.Migration.Phases))
	for _, pc := range o.config.Migration.Phases {
		w, err := o.workFor(pc, cp)
		if err != nil {
			return nil, err
		}
		phases = append(phases, Phase{Name: pc.Name, Work: w})
	}
	return phases, nil
}

func (o *Orchestrator) workFor(pc config.PhaseConfig, cp *checkpoint.Checkpoint) (transfer.Work, error) {
	switch pc.Kind {
	case config.KindBackup:
		if cp.BackupID == "" {
			return nil, migerr.Validationf(pc.Name, "run %s has no backup id", cp.RunID)
		}
		createdAt, err := backup.ParseID(cp.BackupID)
		if err != nil {
			return nil, migerr.Validationf(pc.Name, "%v", err)
		}
		tables := make([]backup.TableSpec, len(pc.Tables))
		for i, t := range pc.Tables {
			tables[i] = backup.TableSpec{Name: t.Name, KeyColumns: t.Key}
		}
		return &backup.Work{
			Phase:      pc.Name,
			Catalog:    o.catalog,
			ID:         cp.BackupID,
			CreatedAt:  createdAt,
			RunID:      cp.RunID,
			Tables:     tables,
			SampleSize: o.config.Migration.SampleSize,
		}, nil

	case config.KindCopy:
		return &transfer.CopyWork{
			Phase:     pc.Name,
			Source:    pc.Source,
			SourceKey: pc.SourceKey,
			Target:    pc.Target,
			TargetKey: pc.TargetKey,
			Mapping:   pc.Mapping,
			Defaults:  pc.Defaults,
			BatchSize: o.config.BatchSizeFor(pc),
			Strict:    pc.Strict,
		}, nil

	case config.KindStatements:
		return &transfer.StatementWork{
			Phase:        pc.Name,
			Statements:   pc.Statements,
			ExpectTables: pc.ExpectTables,
		}, nil
	}
	return nil, migerr.Validationf(pc.Name, "unknown phase kind %q", pc.Kind)
}

func (o *Orchestrator) hasBackupPhase() bool {
	for _, pc := range o.config.Migration.Phases {
		if pc.Kind == config.KindBackup {
			return true
		}
	}
	return false
}

// rollbackPhases builds structure restore, data restore, policy restore and
// validation from the backup manifest m.
func (o *Orchestrator) rollbackPhases(m *backup.Manifest) ([]Phase, error) {
	rb := o.config.Rollback

	tables := rb.Tables
	if len(tables) == 0 {
		for _, tb := range m.Tables {
			tables = append(tables, config.TableConfig{Name: tb.OriginalTable, Key: tb.KeyColumns})
		}
	}

	var (
		restores []transfer.Work
		targets  []transfer.ValidationTarget
	)
	for _, t := range tables {
		tb := m.Table(t.Name)
		if tb == nil {
			return nil, &migerr.ConsistencyError{
				Phase:  PhaseDataRestore,
				Table:  t.Name,
				Reason: "table is not in backup " + m.ID,
			}
		}
		keys := tb.KeyColumns
		if len(keys) == 0 {
			keys = t.Key
		}
		restores = append(restores, &transfer.CopyWork{
			Phase:     PhaseDataRestore,
			Source:    tb.BackupTable,
			SourceKey: keys,
			Target:    tb.OriginalTable,
			TargetKey: keys,
			BatchSize: o.config.Migration.BatchSize,
			Strict:    true,
			Reset:     strings.ReplaceAll(rb.ResetStatement, "{table}", backend.QuoteTable(tb.OriginalTable)),
		})
		targets = append(targets, transfer.ValidationTarget{
			Table:         tb.OriginalTable,
			ExpectedCount: tb.RecordCount,
			Samples:       tb.Samples,
		})
	}

	return []Phase{
		{Name: PhaseStructureRestore, Work: &transfer.StatementWork{
			Phase:        PhaseStructureRestore,
			Statements:   rb.StructureStatements,
			ExpectTables: rb.ExpectTables,
		}},
		{Name: PhaseDataRestore, Work: transfer.NewSequence(restores...)},
		{Name: PhasePolicyRestore, Work: &transfer.StatementWork{
			Phase:      PhasePolicyRestore,
			Statements: rb.PolicyStatements,
		}},
		{Name: PhaseValidation, Work: &transfer.ValidationWork{
			Phase:   PhaseValidation,
			Targets: targets,
		}},
	}, nil
}

func findPhase(phases []Phase, name string) (Phase, bool) {
	for _, p := range phases {
		if p.Name == name {
			return p, true
		}
	}
	return Phase{}, false
}
