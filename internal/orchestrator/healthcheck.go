package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/johndauphine/crm-migrate/internal/backend"
	"github.com/johndauphine/crm-migrate/internal/backup"
	"github.com/johndauphine/crm-migrate/internal/checkpoint"
	"github.com/johndauphine/crm-migrate/internal/config"
	"github.com/johndauphine/crm-migrate/internal/logging"
)

// HealthCheckResult contains the backend health check outcome
type HealthCheckResult struct {
	Timestamp string        `json:"timestamp"`
	Backend   string        `json:"backend"`
	Healthy   bool          `json:"healthy"`
	LatencyMs int64         `json:"latency_ms"`
	Tables    []TableHealth `json:"tables"`
}

// TableHealth is the readability of one table the phases start from.
type TableHealth struct {
	Name      string `json:"name"`
	Rows      int64  `json:"rows"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthCheck counts every table the configured phases read before they run.
// Tables are checked in parallel, each with its own timeout, so one slow
// table does not starve the others.
func (o *Orchestrator) HealthCheck(ctx context.Context) (*HealthCheckResult, error) {
	start := time.Now()
	result := &HealthCheckResult{
		Timestamp: o.now().Format(time.RFC3339),
		Backend:   o.config.Backend.Type,
	}

	const checkTimeout = 30 * time.Second

	names := o.sourceTables()
	result.Tables = make([]TableHealth, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			tStart := time.Now()
			tctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()

			th := TableHealth{Name: name}
			n, err := o.store.Count(tctx, name, nil)
			if err != nil {
				th.Error = err.Error()
			}
			th.Rows = n
			th.LatencyMs = time.Since(tStart).Milliseconds()
			result.Tables[i] = th
		}(i, name)
	}
	wg.Wait()

	result.Healthy = true
	for _, th := range result.Tables {
		if th.Error != "" {
			result.Healthy = false
		}
	}
	result.LatencyMs = time.Since(start).Milliseconds()
	return result, nil
}

// sourceTables lists the tables read by backup and copy phases. Tables that
// an earlier copy phase creates are not expected to exist yet.
func (o *Orchestrator) sourceTables() []string {
	var out []string
	seen := make(map[string]bool)
	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	produced := make(map[string]bool)
	for _, pc := range o.config.Migration.Phases {
		switch pc.Kind {
		case config.KindBackup:
			for _, t := range pc.Tables {
				add(t.Name)
			}
		case config.KindCopy:
			if !produced[pc.Source] {
				add(pc.Source)
			}
			produced[pc.Target] = true
		}
	}
	return out
}

// PreviewResult sizes every phase of a new run without changing anything.
type PreviewResult struct {
	RunID        string         `json:"run_id"`
	BatchSize    int            `json:"batch_size"`
	TotalBatches int            `json:"total_batches"`
	TotalRecords int64          `json:"total_records"`
	Phases       []PhasePreview `json:"phases"`
}

// PhasePreview is one phase of a PreviewResult.
type PhasePreview struct {
	Name         string `json:"name"`
	Kind         string `json:"kind"`
	BatchSize    int    `json:"batch_size,omitempty"`
	TotalBatches int    `json:"total_batches"`
	TotalRecords int64  `json:"total_records"`
	Error        string `json:"error,omitempty"`
}

// Preview sizes the configured phases against the current backend state.
// Phases whose input only exists after an earlier phase ran report an error
// instead of a size.
func (o *Orchestrator) Preview(ctx context.Context) (*PreviewResult, error) {
	logging.Info("Planning migration (no changes will be made)...")

	now := o.now()
	cp := checkpoint.New("preview", checkpoint.KindMigration, o.config.PhaseNames(), now)
	if o.hasBackupPhase() {
		cp.BackupID = backup.NewID(now)
	}
	phases, err := o.migrationPhases(cp)
	if err != nil {
		return nil, err
	}

	store := backend.DryRun(o.store)
	result := &PreviewResult{RunID: cp.RunID, BatchSize: o.config.Migration.BatchSize}
	for i, ph := range phases {
		pc := o.config.Migration.Phases[i]
		pp := PhasePreview{Name: ph.Name, Kind: pc.Kind}
		if pc.Kind == config.KindCopy {
			pp.BatchSize = o.config.BatchSizeFor(pc)
		}
		plan, err := ph.Work.Prepare(ctx, store, false)
		if err != nil {
			logging.Warn("Cannot size phase %s yet: %v", ph.Name, err)
			pp.Error = err.Error()
		} else {
			pp.TotalBatches = plan.TotalBatches
			pp.TotalRecords = plan.TotalRecords
			result.TotalBatches += plan.TotalBatches
			result.TotalRecords += plan.TotalRecords
		}
		result.Phases = append(result.Phases, pp)
	}
	return result, nil
}
