package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/johndauphine/crm-migrate/internal/backend"
	"github.com/johndauphine/crm-migrate/internal/checkpoint"
	"github.com/johndauphine/crm-migrate/internal/logging"
	"github.com/johndauphine/crm-migrate/internal/metrics"
	"github.com/johndauphine/crm-migrate/internal/migerr"
	"github.com/johndauphine/crm-migrate/internal/progress"
	"github.com/johndauphine/crm-migrate/internal/transfer"
)

// Phase pairs a phase name with the work behind it.
type Phase struct {
	Name string
	Work transfer.Work
}

// Executor runs the batches of one phase at a time and saves the checkpoint
// after every committed batch, so the checkpoint never claims a batch the
// backend has not applied.
type Executor struct {
	Store       backend.Store
	Checkpoints checkpoint.Store
	History     *checkpoint.History // optional
	Metrics     *metrics.Metrics    // optional
	Progress    *progress.Tracker   // optional
	Reporter    progress.Reporter   // optional
	LockName    string
	LockHolder  string // token the lock was acquired with
	MaxRetries  int
	Backoff     time.Duration
	Now         func() time.Time
}

func (e *Executor) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

// RunPhase executes batches startBatch..N of phase, then checks the phase
// postcondition. startBatch must directly follow the last completed batch.
// Cancellation of ctx is honored between batches only.
func (e *Executor) RunPhase(ctx context.Context, cp *checkpoint.Checkpoint, phase Phase, startBatch int) (PhaseResult, error) {
	res := PhaseResult{Name: phase.Name, StartBatch: startBatch}
	ps := cp.Phase(phase.Name)
	if ps == nil {
		return res, migerr.Validationf("phase", "phase %q is not part of run %s", phase.Name, cp.RunID)
	}
	if ps.Status == checkpoint.PhaseCompleted {
		res.Status = ps.Status
		res.TotalBatches = ps.TotalBatches
		return res, nil
	}
	if cp.Status == checkpoint.RunCompleted || cp.Status == checkpoint.RunRolledBack {
		return res, migerr.Validationf("run", "run %s is already %s", cp.RunID, cp.Status)
	}
	if startBatch != ps.CompletedBatches+1 {
		return res, migerr.Validationf("phase", "phase %s must continue at batch %d, not %d",
			phase.Name, ps.CompletedBatches+1, startBatch)
	}
	if cur := cp.Phase(cp.CurrentPhase); cur != nil && cur.Ordinal > ps.Ordinal {
		return res, migerr.Validationf("phase", "run %s is already past phase %s (at %s)",
			cp.RunID, phase.Name, cp.CurrentPhase)
	}

	kind := string(cp.Kind)
	log := logging.WithFields(logging.Fields{"run": cp.RunID, "phase": phase.Name})
	// Batch work is never interrupted half way; ctx is checked at boundaries.
	workCtx := context.WithoutCancel(ctx)

	started := e.now()
	ps.Status = checkpoint.PhaseInProgress
	ps.Error = ""
	if ps.StartedAt == nil {
		ps.StartedAt = &started
	}
	cp.Status = checkpoint.RunInProgress
	cp.Reason = ""
	cp.CurrentPhase = phase.Name
	cp.CurrentBatch = ps.CompletedBatches
	if err := e.save(cp); err != nil {
		return res, err
	}
	e.Metrics.PhaseStatus(kind, phase.Name, string(ps.Status))

	plan, err := phase.Work.Prepare(workCtx, e.Store, ps.CompletedBatches == 0)
	if err != nil {
		return res, e.fail(cp, phase.Name, ps, 0, err)
	}
	total := plan.TotalBatches
	if total < ps.CompletedBatches {
		log.Warn("Phase %s now sizes to %d batches but %d are already completed", phase.Name, total, ps.CompletedBatches)
		total = ps.CompletedBatches
	}
	if ps.TotalBatches > 0 && total != ps.TotalBatches {
		log.Warn("Phase %s total changed from %d to %d batches", phase.Name, ps.TotalBatches, total)
	}
	ps.TotalBatches = total
	ps.TotalRecords = plan.TotalRecords
	ps.Progress = phaseProgress(ps)
	res.TotalBatches = total
	if err := e.save(cp); err != nil {
		return res, err
	}
	e.event(cp, phase.Name, ps, 0, "")

	if startBatch == 1 {
		log.Info("Phase %s started: %d batches, %d records", phase.Name, total, plan.TotalRecords)
	} else {
		log.Info("Phase %s resuming at batch %d of %d", phase.Name, startBatch, total)
	}
	e.Progress.StartPhase(phase.Name, total, ps.CompletedBatches)
	e.report(cp, phase.Name, ps, ps.CompletedBatches, true)

	for batch := startBatch; batch <= total; batch++ {
		if ctx.Err() != nil {
			return res, e.cancel(cp, phase.Name, ps)
		}

		batchStart := time.Now()
		br, err := e.runBatch(ctx, workCtx, kind, phase, batch)
		if err != nil {
			if errors.Is(err, migerr.ErrCancelled) {
				return res, e.cancel(cp, phase.Name, ps)
			}
			e.Metrics.BatchFailed(kind, phase.Name)
			return res, e.fail(cp, phase.Name, ps, batch, err)
		}

		ps.RecordsProcessed += br.Processed
		ps.RecordsSkipped += br.Skipped
		ps.RecordsFailed += br.Failed
		ps.CompletedBatches = batch
		ps.Progress = phaseProgress(ps)
		cp.CurrentBatch = batch
		if err := e.save(cp); err != nil {
			e.Progress.Abort()
			return res, err
		}

		res.BatchesRun++
		res.RecordsProcessed += br.Processed
		res.RecordsSkipped += br.Skipped
		res.RecordsFailed += br.Failed

		e.Metrics.BatchDone(kind, phase.Name, batch, br.Processed, br.Skipped, br.Failed, time.Since(batchStart))
		e.Progress.BatchDone(br.Processed + br.Skipped)
		e.event(cp, phase.Name, ps, batch, "")
		e.report(cp, phase.Name, ps, batch, false)
		log.Debug("Batch %d/%d: %d processed, %d skipped, %d failed",
			batch, total, br.Processed, br.Skipped, br.Failed)

		if err := e.heartbeat(); err != nil {
			e.Progress.Abort()
			return res, err
		}
	}

	if err := phase.Work.Verify(workCtx, e.Store, *ps); err != nil {
		return res, e.fail(cp, phase.Name, ps, 0, err)
	}

	done := e.now()
	ps.Status = checkpoint.PhaseCompleted
	ps.Progress = 100
	ps.CompletedAt = &done
	if err := e.save(cp); err != nil {
		e.Progress.Abort()
		return res, err
	}
	e.Progress.FinishPhase()
	e.Metrics.PhaseStatus(kind, phase.Name, string(ps.Status))
	e.event(cp, phase.Name, ps, ps.CompletedBatches, "")
	e.report(cp, phase.Name, ps, ps.CompletedBatches, true)
	log.Info("Phase %s completed: %d processed, %d skipped, %d failed",
		phase.Name, ps.RecordsProcessed, ps.RecordsSkipped, ps.RecordsFailed)

	res.Status = ps.Status
	return res, nil
}

// runBatch applies one batch, retrying transient backend errors with
// exponential backoff.
func (e *Executor) runBatch(ctx, workCtx context.Context, kind string, phase Phase, batch int) (transfer.BatchResult, error) {
	var (
		res transfer.BatchResult
		err error
	)
	for attempt := 0; attempt <= e.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := e.Backoff * time.Duration(1<<(attempt-1))
			logging.Warn("Retry %d/%d for %s batch %d after %v (error: %v)",
				attempt, e.MaxRetries, phase.Name, batch, backoff, err)
			e.Metrics.Retry(kind, phase.Name)
			select {
			case <-ctx.Done():
				return res, migerr.ErrCancelled
			case <-time.After(backoff):
			}
		}

		res, err = phase.Work.RunBatch(workCtx, e.Store, batch)
		if err == nil {
			return res, nil
		}
		if !isRetryableError(err) {
			break
		}
	}
	return res, err
}

// fail marks the phase and the run failed and saves. Untyped errors are
// wrapped in a BackendError carrying phase and batch.
func (e *Executor) fail(cp *checkpoint.Checkpoint, name string, ps *checkpoint.PhaseState, batch int, err error) error {
	var (
		ve *migerr.ValidationError
		ce *migerr.ConsistencyError
		be *migerr.BackendError
	)
	if !errors.As(err, &ve) && !errors.As(err, &ce) && !errors.As(err, &be) {
		err = &migerr.BackendError{Phase: name, Batch: batch, Err: err}
	}

	ps.Status = checkpoint.PhaseFailed
	ps.Error = err.Error()
	cp.Status = checkpoint.RunFailed
	cp.Reason = ""

	e.Progress.Abort()
	logging.WithFields(logging.Fields{"run": cp.RunID, "phase": name, "batch": batch}).Error("Phase %s failed: %v", name, err)
	if serr := e.save(cp); serr != nil {
		return errors.Join(err, serr)
	}
	e.Metrics.PhaseStatus(string(cp.Kind), name, string(ps.Status))
	e.event(cp, name, ps, batch, ps.Error)
	e.report(cp, name, ps, ps.CompletedBatches, true)
	return err
}

// cancel records an operator cancellation at a batch boundary. The phase
// stays in_progress so resume continues after its last completed batch.
func (e *Executor) cancel(cp *checkpoint.Checkpoint, name string, ps *checkpoint.PhaseState) error {
	cp.Status = checkpoint.RunFailed
	cp.Reason = checkpoint.ReasonCancelled

	e.Progress.Abort()
	if err := e.save(cp); err != nil {
		return errors.Join(migerr.ErrCancelled, err)
	}
	e.event(cp, name, ps, ps.CompletedBatches, checkpoint.ReasonCancelled)
	logging.WithFields(logging.Fields{"run": cp.RunID, "phase": name}).
		Warn("Run %s cancelled after batch %d of phase %s; run 'resume' to continue", cp.RunID, ps.CompletedBatches, name)
	return fmt.Errorf("phase %s: %w", name, migerr.ErrCancelled)
}

func (e *Executor) save(cp *checkpoint.Checkpoint) error {
	if err := e.Checkpoints.Save(cp); err != nil {
		return fmt.Errorf("saving checkpoint: %w", err)
	}
	e.Metrics.CheckpointSaved()
	return nil
}

func (e *Executor) heartbeat() error {
	if e.History == nil || e.LockName == "" || e.LockHolder == "" {
		return nil
	}
	return e.History.Heartbeat(e.LockName, e.LockHolder)
}

func (e *Executor) event(cp *checkpoint.Checkpoint, name string, ps *checkpoint.PhaseState, batch int, msg string) {
	if e.History == nil {
		return
	}
	err := e.History.RecordPhaseEvent(checkpoint.PhaseEvent{
		RunID:            cp.RunID,
		Phase:            name,
		Status:           ps.Status,
		Batch:            batch,
		CompletedBatches: ps.CompletedBatches,
		TotalBatches:     ps.TotalBatches,
		RecordsProcessed: ps.RecordsProcessed,
		RecordsSkipped:   ps.RecordsSkipped,
		RecordsFailed:    ps.RecordsFailed,
		Error:            msg,
	})
	if err != nil {
		logging.Warn("Failed to record phase event for %s: %v", name, err)
	}
}

func (e *Executor) report(cp *checkpoint.Checkpoint, name string, ps *checkpoint.PhaseState, batch int, immediate bool) {
	if e.Reporter == nil {
		return
	}
	update := progress.ProgressUpdate{
		RunID:            cp.RunID,
		Kind:             string(cp.Kind),
		Phase:            name,
		PhaseStatus:      string(ps.Status),
		Batch:            batch,
		TotalBatches:     ps.TotalBatches,
		RecordsProcessed: ps.RecordsProcessed,
		RecordsSkipped:   ps.RecordsSkipped,
		RecordsFailed:    ps.RecordsFailed,
		ProgressPct:      ps.Progress,
		PhasesComplete:   len(cp.CompletedPhases()),
		PhasesTotal:      len(cp.PhaseOrder),
	}
	if immediate {
		e.Reporter.ReportImmediate(update)
		return
	}
	e.Reporter.Report(update)
}

func phaseProgress(ps *checkpoint.PhaseState) float64 {
	if ps.TotalBatches <= 0 {
		return 0
	}
	return float64(ps.CompletedBatches) / float64(ps.TotalBatches) * 100
}

// isRetryableError reports whether a failed batch may succeed on a new attempt.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var ve *migerr.ValidationError
	if errors.As(err, &ve) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"connection reset",
		"connection refused",
		"broken pipe",
		"deadlock",
		"serialization failure",
		"could not serialize",
		"timeout",
		"context deadline",
		"too many connections",
		"database is locked",
		"retry",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
