package transfer

import (
	"context"
	"errors"
	"fmt"

	"github.com/johndauphine/crm-migrate/internal/backend"
	"github.com/johndauphine/crm-migrate/internal/checkpoint"
)

// Sequence runs several works as one phase. Batch numbers are global: the
// batches of the first work come first, then those of the second, and so on.
type Sequence struct {
	Works []Work

	plans []Plan
}

// NewSequence composes works into a single phase.
func NewSequence(works ...Work) *Sequence {
	return &Sequence{Works: works}
}

func (s *Sequence) Prepare(ctx context.Context, store backend.Store, first bool) (Plan, error) {
	s.plans = make([]Plan, len(s.Works))
	var total Plan
	for i, w := range s.Works {
		p, err := w.Prepare(ctx, store, first)
		if err != nil {
			return Plan{}, err
		}
		s.plans[i] = p
		total.TotalBatches += p.TotalBatches
		total.TotalRecords += p.TotalRecords
	}
	return total, nil
}

// locate maps a global batch number to a work and its local batch.
func (s *Sequence) locate(batch int) (Work, int, error) {
	if s.plans == nil {
		return nil, 0, fmt.Errorf("sequence not prepared")
	}
	local := batch
	for i, p := range s.plans {
		if local <= p.TotalBatches {
			return s.Works[i], local, nil
		}
		local -= p.TotalBatches
	}
	return nil, 0, fmt.Errorf("batch %d out of range", batch)
}

func (s *Sequence) RunBatch(ctx context.Context, store backend.Store, batch int) (BatchResult, error) {
	w, local, err := s.locate(batch)
	if err != nil {
		return BatchResult{}, err
	}
	return w.RunBatch(ctx, store, local)
}

// Verify checks every member against its own share of the counters. The
// per-work split is not checkpointed, so each member sees the phase totals
// scaled to the batches it owns.
func (s *Sequence) Verify(ctx context.Context, store backend.Store, ps checkpoint.PhaseState) error {
	var errs []error
	for i, w := range s.Works {
		if err := w.Verify(ctx, store, s.share(i, ps)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Sequence) Observe(ctx context.Context, store backend.Store, ps checkpoint.PhaseState) (Observation, error) {
	var total Observation
	for i, w := range s.Works {
		o, err := w.Observe(ctx, store, s.share(i, ps))
		if err != nil {
			return Observation{}, err
		}
		if !o.Consistent() {
			return o, nil
		}
		total.Expected += o.Expected
		total.Observed += o.Observed
	}
	return total, nil
}

// share derives the state of member i: members before the current one are
// complete, the current one has the remaining completed batches.
func (s *Sequence) share(i int, ps checkpoint.PhaseState) checkpoint.PhaseState {
	out := checkpoint.PhaseState{Ordinal: ps.Ordinal, Status: ps.Status}
	if s.plans == nil {
		return out
	}
	done := ps.CompletedBatches
	for j := 0; j < i; j++ {
		done -= s.plans[j].TotalBatches
	}
	p := s.plans[i]
	switch {
	case done <= 0:
		done = 0
	case done > p.TotalBatches:
		done = p.TotalBatches
	}
	out.TotalBatches = p.TotalBatches
	out.CompletedBatches = done
	out.TotalRecords = p.TotalRecords
	// Lower bound of what the member applied; failures are not attributed
	// to a member, so each one is charged with all of them.
	out.RecordsFailed = ps.RecordsFailed
	if p.TotalBatches > 0 {
		applied := p.TotalRecords*int64(done)/int64(p.TotalBatches) - ps.RecordsFailed
		if applied > 0 {
			out.RecordsProcessed = applied
		}
	}
	if done < p.TotalBatches && out.Status == checkpoint.PhaseCompleted {
		out.Status = checkpoint.PhaseInProgress
	}
	return out
}
