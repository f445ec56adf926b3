package orchestrator

import (
	"time"

	"github.com/johndauphine/crm-migrate/internal/checkpoint"
)

// Run outcomes reported in MigrationResult.Status.
const (
	OutcomeCompleted  = "completed"
	OutcomePartial    = "partial"
	OutcomeFailed     = "failed"
	OutcomeRolledBack = "rolled_back"
)

// MigrationResult summarizes a migration or rollback run.
type MigrationResult struct {
	RunID            string        `json:"run_id"`
	Kind             string        `json:"kind"`
	Status           string        `json:"status"`
	Reason           string        `json:"reason,omitempty"`
	Resumed          bool          `json:"resumed"`
	BackupID         string        `json:"backup_id,omitempty"`
	StartedAt        time.Time     `json:"started_at"`
	CompletedAt      time.Time     `json:"completed_at"`
	DurationSeconds  float64       `json:"duration_seconds"`
	PhasesTotal      int           `json:"phases_total"`
	PhasesCompleted  int           `json:"phases_completed"`
	BatchesRun       int           `json:"batches_run"`
	RecordsProcessed int64         `json:"records_processed"`
	RecordsSkipped   int64         `json:"records_skipped"`
	RecordsFailed    int64         `json:"records_failed"`
	FailedPhase      string        `json:"failed_phase,omitempty"`
	Error            string        `json:"error,omitempty"`
	PhaseStats       []PhaseResult `json:"phases"`
}

// PhaseResult is what one RunPhase call did.
type PhaseResult struct {
	Name             string                 `json:"name"`
	Status           checkpoint.PhaseStatus `json:"status"`
	StartBatch       int                    `json:"start_batch"`
	TotalBatches     int                    `json:"total_batches"`
	BatchesRun       int                    `json:"batches_run"`
	RecordsProcessed int64                  `json:"records_processed"`
	RecordsSkipped   int64                  `json:"records_skipped"`
	RecordsFailed    int64                  `json:"records_failed"`
	Error            string                 `json:"error,omitempty"`
}

// StatusResult is the machine-readable form of `status`.
type StatusResult struct {
	RunID           string        `json:"run_id"`
	Kind            string        `json:"kind"`
	Status          string        `json:"status"`
	Reason          string        `json:"reason,omitempty"`
	Phase           string        `json:"phase"`
	Batch           int           `json:"batch"`
	StartedAt       time.Time     `json:"started_at"`
	LastUpdate      time.Time     `json:"last_update"`
	PhasesTotal     int           `json:"phases_total"`
	PhasesComplete  int           `json:"phases_complete"`
	PhasesFailed    int           `json:"phases_failed"`
	RecordsApplied  int64         `json:"records_applied"`
	ProgressPercent float64       `json:"progress_percent"`
	Recovered       bool          `json:"recovered,omitempty"`
	Phases          []PhaseStatus `json:"phase_details"`
}

// PhaseStatus is one phase line of StatusResult.
type PhaseStatus struct {
	Name             string  `json:"name"`
	Status           string  `json:"status"`
	CompletedBatches int     `json:"completed_batches"`
	TotalBatches     int     `json:"total_batches"`
	RecordsProcessed int64   `json:"records_processed"`
	RecordsSkipped   int64   `json:"records_skipped"`
	RecordsFailed    int64   `json:"records_failed"`
	Progress         float64 `json:"progress"`
	Error            string  `json:"error,omitempty"`
}

func (r *MigrationResult) addPhase(p PhaseResult) {
	r.PhaseStats = append(r.PhaseStats, p)
	r.BatchesRun += p.BatchesRun
	r.RecordsProcessed += p.RecordsProcessed
	r.RecordsSkipped += p.RecordsSkipped
	r.RecordsFailed += p.RecordsFailed
}

func (r *MigrationResult) finish(cp *checkpoint.Checkpoint, end time.Time) {
	r.CompletedAt = end
	r.DurationSeconds = end.Sub(r.StartedAt).Seconds()
	if cp == nil {
		return
	}
	r.PhasesTotal = len(cp.PhaseOrder)
	r.PhasesCompleted = len(cp.CompletedPhases())
	r.Reason = cp.Reason
}

// StatusFromCheckpoint builds a StatusResult from a loaded checkpoint.
func StatusFromCheckpoint(cp *checkpoint.Checkpoint) *StatusResult {
	res := &StatusResult{
		RunID:       cp.RunID,
		Kind:        string(cp.Kind),
		Status:      string(cp.Status),
		Reason:      cp.Reason,
		Phase:       cp.CurrentPhase,
		Batch:       cp.CurrentBatch,
		StartedAt:   cp.StartedAt,
		LastUpdate:  cp.LastUpdate,
		PhasesTotal: len(cp.PhaseOrder),
	}
	for _, name := range cp.PhaseOrder {
		ps := cp.Phases[name]
		if ps == nil {
			continue
		}
		switch ps.Status {
		case checkpoint.PhaseCompleted:
			res.PhasesComplete++
		case checkpoint.PhaseFailed:
			res.PhasesFailed++
		}
		res.RecordsApplied += ps.Applied()
		res.Phases = append(res.Phases, PhaseStatus{
			Name:             name,
			Status:           string(ps.Status),
			CompletedBatches: ps.CompletedBatches,
			TotalBatches:     ps.TotalBatches,
			RecordsProcessed: ps.RecordsProcessed,
			RecordsSkipped:   ps.RecordsSkipped,
			RecordsFailed:    ps.RecordsFailed,
			Progress:         ps.Progress,
			Error:            ps.Error,
		})
	}
	// Phases not yet prepared have no batch totals, so weight by phases.
	if res.PhasesTotal > 0 {
		res.ProgressPercent = float64(res.PhasesComplete) / float64(res.PhasesTotal) * 100
		if ps := cp.Phase(cp.CurrentPhase); ps != nil && ps.Status != checkpoint.PhaseCompleted {
			res.ProgressPercent += ps.Progress / float64(res.PhasesTotal)
		}
	}
	return res
}
