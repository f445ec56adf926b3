package orchestrator

import (
	"context"

	"github.com/johndauphine/crm-migrate/internal/checkpoint"
	"github.com/johndauphine/crm-migrate/internal/logging"
)

// ValidationReport is the outcome of `validate`.
type ValidationReport struct {
	Found        bool        `json:"found"`
	RunID        string      `json:"run_id,omitempty"`
	Status       string      `json:"status,omitempty"`
	Interrupted  bool        `json:"interrupted"`
	Recovered    bool        `json:"recovered"`
	ConfigDrift  bool        `json:"config_drift"`
	SafeToResume bool        `json:"safe_to_resume"`
	Consistency  Consistency `json:"consistency"`
	Plan         *ResumePlan `json:"plan,omitempty"`
}

// Validate runs the interruption detector and logs a consistency report.
// It returns a ConsistencyError when the checkpoint is ahead of the backend.
func (o *Orchestrator) Validate(ctx context.Context) (*ValidationReport, error) {
	det, err := o.Detect(ctx)
	if err != nil {
		return nil, err
	}
	report := &ValidationReport{}
	if det.Checkpoint == nil {
		logging.Info("No migration checkpoint found")
		return report, nil
	}

	cp := det.Checkpoint
	report.Found = true
	report.RunID = cp.RunID
	report.Status = string(cp.Status)
	report.Interrupted = det.Interrupted
	report.Recovered = det.Recovered
	report.ConfigDrift = cp.ConfigHash != "" && cp.ConfigHash != o.config.Hash()
	report.SafeToResume = det.SafeToResume
	report.Consistency = det.Consistency
	if plan, err := Plan(cp, o.config.PhaseNames()); err == nil {
		report.Plan = &plan
	} else {
		logging.Warn("Cannot plan resume: %v", err)
	}

	logging.Info("Checkpoint Validation:")
	logging.Info("----------------------")
	logging.Info("%-30s %s (%s)", "Run", cp.RunID, cp.Status)
	if cp.Reason != "" {
		logging.Info("%-30s %s", "Reason", cp.Reason)
	}
	if det.Recovered {
		logging.Warn("%-30s recovered from secondary copy", "Checkpoint")
	}
	for _, name := range cp.PhaseOrder {
		ps := cp.Phases[name]
		logging.Info("%-30s %-11s %d/%d batches", name, ps.Status, ps.CompletedBatches, ps.TotalBatches)
	}
	if report.ConfigDrift {
		logging.Warn("%-30s changed since run started (resume needs --force)", "Config")
	}

	c := det.Consistency
	if c.Consistent {
		logging.Info("%-30s OK expected>=%d observed=%d", c.Phase, c.Expected, c.Observed)
	} else {
		logging.Error("%-30s FAIL %s", c.Phase, c.Reason)
	}
	if report.Plan != nil {
		logging.Info("%-30s %s", "Plan", report.Plan)
	}

	if !c.Consistent {
		return report, c.Err()
	}
	if cp.Status == checkpoint.RunCompleted {
		logging.Info("Run %s completed; nothing to resume", cp.RunID)
	}
	return report, nil
}
