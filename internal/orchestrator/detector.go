package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/johndauphine/crm-migrate/internal/checkpoint"
	"github.com/johndauphine/crm-migrate/internal/migerr"
)

// Detection is what was found on startup.
type Detection struct {
	Interrupted  bool
	Checkpoint   *checkpoint.Checkpoint
	SafeToResume bool
	Consistency  Consistency
	// Recovered is set when the primary checkpoint was unusable and the
	// secondary copy was loaded instead.
	Recovered bool
}

// Consistency is the result of comparing the checkpoint with the backend.
type Consistency struct {
	Consistent bool   `json:"consistent"`
	Reason     string `json:"reason,omitempty"`
	Phase      string `json:"phase,omitempty"`
	Table      string `json:"table,omitempty"`
	Expected   int64  `json:"expected"`
	Observed   int64  `json:"observed"`
}

// Err returns the consistency failure as a ConsistencyError, or nil.
func (c Consistency) Err() error {
	if c.Consistent {
		return nil
	}
	return &migerr.ConsistencyError{
		Phase:    c.Phase,
		Table:    c.Table,
		Expected: c.Expected,
		Observed: c.Observed,
		Reason:   c.Reason,
	}
}

type recoverer interface {
	Recovered() bool
}

type phaseBuilder func(cp *checkpoint.Checkpoint) ([]Phase, error)

// Detect loads the migration checkpoint and checks whether it can be resumed.
// A missing checkpoint is not an error; a corrupt one is.
func (o *Orchestrator) Detect(ctx context.Context) (*Detection, error) {
	return o.detect(ctx, o.checkpoints, o.migrationPhases)
}

func (o *Orchestrator) detect(ctx context.Context, store checkpoint.Store, build phaseBuilder) (*Detection, error) {
	cp, err := store.Load()
	if errors.Is(err, checkpoint.ErrNotFound) {
		return &Detection{}, nil
	}
	if err != nil {
		return nil, err
	}

	det := &Detection{
		Checkpoint:  cp,
		Interrupted: cp.Status == checkpoint.RunInProgress,
	}
	if r, ok := store.(recoverer); ok {
		det.Recovered = r.Recovered()
	}
	if cp.Status == checkpoint.RunCompleted || cp.Status == checkpoint.RunRolledBack {
		det.Consistency = Consistency{Consistent: true, Phase: cp.CurrentPhase}
		return det, nil
	}

	phases, err := build(cp)
	if err != nil {
		return nil, err
	}
	det.Consistency, err = o.ValidateConsistency(ctx, cp, phases)
	if err != nil {
		return nil, err
	}
	det.SafeToResume = det.Consistency.Consistent
	return det, nil
}

// ValidateConsistency compares what the checkpoint claims for its current
// phase with what the backend holds. Earlier phases are not re-checked.
func (o *Orchestrator) ValidateConsistency(ctx context.Context, cp *checkpoint.Checkpoint, phases []Phase) (Consistency, error) {
	c := Consistency{Consistent: true, Phase: cp.CurrentPhase}
	ps := cp.Phase(cp.CurrentPhase)
	if ps == nil {
		return c, migerr.Validationf("checkpoint", "current phase %q has no state", cp.CurrentPhase)
	}
	if ps.CompletedBatches == 0 {
		return c, nil
	}

	ph, ok := findPhase(phases, cp.CurrentPhase)
	if !ok {
		return c, migerr.Validationf("migration.phases", "phase %q of run %s is not configured", cp.CurrentPhase, cp.RunID)
	}
	// Prepare with first=false only sizes the work; it never writes.
	if _, err := ph.Work.Prepare(ctx, o.store, false); err != nil {
		return c, fmt.Errorf("sizing phase %s: %w", ph.Name, err)
	}
	obs, err := ph.Work.Observe(ctx, o.store, *ps)
	if err != nil {
		c.Consistent = false
		c.Reason = fmt.Sprintf("cannot observe phase %s: %v", ph.Name, err)
		return c, nil
	}

	c.Table = obs.Table
	c.Expected = obs.Expected
	c.Observed = obs.Observed
	if !obs.Consistent() {
		c.Consistent = false
		c.Reason = fmt.Sprintf("checkpoint claims %d completed for phase %s but backend shows %d",
			obs.Expected, ph.Name, obs.Observed)
	}
	return c, nil
}
