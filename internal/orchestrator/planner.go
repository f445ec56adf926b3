package orchestrator

import (
	"fmt"
	"strings"

	"github.com/johndauphine/crm-migrate/internal/checkpoint"
	"github.com/johndauphine/crm-migrate/internal/migerr"
)

// ResumePlan is the remaining work of a run.
type ResumePlan struct {
	SkipPhases  []string `json:"skip_phases"`
	ResumePhase string   `json:"resume_phase,omitempty"`
	ResumeBatch int      `json:"resume_batch,omitempty"`
	Done        bool     `json:"done"`
}

func (p ResumePlan) String() string {
	if p.Done {
		return "all phases completed"
	}
	skip := "none"
	if len(p.SkipPhases) > 0 {
		skip = strings.Join(p.SkipPhases, ", ")
	}
	return fmt.Sprintf("resume %s at batch %d (skipping: %s)", p.ResumePhase, p.ResumeBatch, skip)
}

// Plan computes where a run continues. Leading completed phases are skipped;
// the first phase that is not completed resumes after its last completed
// batch, whether it is pending, in progress or failed. Nothing past that
// phase is planned. phaseOrder must match the checkpoint's phase order.
func Plan(cp *checkpoint.Checkpoint, phaseOrder []string) (ResumePlan, error) {
	var plan ResumePlan
	if cp == nil {
		return plan, migerr.Validationf("checkpoint", "no checkpoint to plan from")
	}
	if !samePhases(cp.PhaseOrder, phaseOrder) {
		return plan, migerr.Validationf("migration.phases",
			"checkpoint of run %s has phases [%s], configuration has [%s]",
			cp.RunID, strings.Join(cp.PhaseOrder, ", "), strings.Join(phaseOrder, ", "))
	}

	for _, name := range phaseOrder {
		ps := cp.Phases[name]
		if ps == nil {
			return plan, migerr.Validationf("checkpoint", "phase %q has no state", name)
		}
		if ps.Status == checkpoint.PhaseCompleted {
			plan.SkipPhases = append(plan.SkipPhases, name)
			continue
		}
		plan.ResumePhase = name
		plan.ResumeBatch = ps.CompletedBatches + 1
		return plan, nil
	}
	plan.Done = true
	return plan, nil
}

func samePhases(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
