package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/johndauphine/crm-migrate/internal/backend"
	"github.com/johndauphine/crm-migrate/internal/backup"
	"github.com/johndauphine/crm-migrate/internal/checkpoint"
	"github.com/johndauphine/crm-migrate/internal/config"
	"github.com/johndauphine/crm-migrate/internal/logging"
	"github.com/johndauphine/crm-migrate/internal/metrics"
	"github.com/johndauphine/crm-migrate/internal/migerr"
	"github.com/johndauphine/crm-migrate/internal/notify"
	"github.com/johndauphine/crm-migrate/internal/progress"
)

// lockName is shared by migrations, rollbacks and backups so that at most
// one of them touches the CRM tables at a time.
const lockName = checkpoint.DefaultLockName

// Options tune a single invocation.
type Options struct {
	CheckpointFile string // overrides migration.checkpoint_file
	RunID          string // explicit id for a new run
	Force          bool   // accept config drift or discard a corrupt checkpoint
	DryRun         bool
	Phase          string // run only this phase
}

// Deps are the collaborators of an Orchestrator. Optional fields may be nil.
type Deps struct {
	Store               backend.Store
	Checkpoints         checkpoint.Store
	RollbackCheckpoints checkpoint.Store
	History             *checkpoint.History
	Catalog             *backup.Catalog
	Notifier            notify.Provider
	Metrics             *metrics.Metrics
	Progress            *progress.Tracker
	Reporter            progress.Reporter
	Now                 func() time.Time
}

// Orchestrator coordinates migration, resume and rollback runs.
type Orchestrator struct {
	config              *config.Config
	opts                Options
	store               backend.Store
	checkpoints         checkpoint.Store
	rollbackCheckpoints checkpoint.Store
	history             *checkpoint.History
	catalog             *backup.Catalog
	notifier            notify.Provider
	metrics             *metrics.Metrics
	progress            *progress.Tracker
	reporter            progress.Reporter
	now                 func() time.Time

	// lockHolder is this invocation's token while it holds the run lock.
	lockHolder string

	cleanup []func() error
}

// New opens the backend, checkpoint stores, backup catalog and history
// database described by cfg.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Orchestrator, error) {
	store, err := backend.Open(ctx, cfg.BackendOptions())
	if err != nil {
		return nil, fmt.Errorf("opening %s backend: %w", cfg.Backend.Type, err)
	}

	cpPath := cfg.Migration.CheckpointFile
	if opts.CheckpointFile != "" {
		cpPath = opts.CheckpointFile
	}

	d := Deps{
		Store:    store,
		Notifier: notify.New(&cfg.Slack),
		Metrics:  metrics.New(),
		Progress: progress.New(),
		Reporter: &progress.NullReporter{},
	}
	cleanup := []func() error{store.Close}
	fail := func(err error) (*Orchestrator, error) {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
		return nil, err
	}

	if opts.DryRun {
		logging.Info("Dry run: the backend, checkpoint files and run history will not be modified")
		d.Store = backend.DryRun(store)
		if d.Checkpoints, err = shadowStore(cpPath); err != nil {
			return fail(err)
		}
		if d.RollbackCheckpoints, err = shadowStore(cfg.Rollback.CheckpointFile); err != nil {
			return fail(err)
		}
		dir, err := os.MkdirTemp("", "crm-migrate-dryrun-")
		if err != nil {
			return fail(fmt.Errorf("creating dry-run backup dir: %w", err))
		}
		cleanup = append(cleanup, func() error { return os.RemoveAll(dir) })
		if err := copyManifests(cfg.Migration.BackupDir, dir); err != nil {
			return fail(err)
		}
		if d.Catalog, err = backup.NewCatalog(dir); err != nil {
			return fail(err)
		}
	} else {
		if d.Checkpoints, err = checkpoint.NewFileStore(cpPath); err != nil {
			return fail(err)
		}
		if d.RollbackCheckpoints, err = checkpoint.NewFileStore(cfg.Rollback.CheckpointFile); err != nil {
			return fail(err)
		}
		if d.Catalog, err = backup.NewCatalog(cfg.Migration.BackupDir); err != nil {
			return fail(err)
		}
		if d.History, err = checkpoint.OpenHistory(cfg.Migration.DataDir); err != nil {
			return fail(fmt.Errorf("opening run history: %w", err))
		}
		cleanup = append(cleanup, d.History.Close)
	}

	o := NewWithDeps(cfg, opts, d)
	o.cleanup = cleanup
	return o, nil
}

// NewWithDeps creates an orchestrator from already opened collaborators.
func NewWithDeps(cfg *config.Config, opts Options, d Deps) *Orchestrator {
	if d.Notifier == nil {
		d.Notifier = notify.New(nil)
	}
	if d.Reporter == nil {
		d.Reporter = &progress.NullReporter{}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.RollbackCheckpoints == nil {
		d.RollbackCheckpoints = checkpoint.NewMemoryStore()
	}
	return &Orchestrator{
		config:              cfg,
		opts:                opts,
		store:               d.Store,
		checkpoints:         d.Checkpoints,
		rollbackCheckpoints: d.RollbackCheckpoints,
		history:             d.History,
		catalog:             d.Catalog,
		notifier:            d.Notifier,
		metrics:             d.Metrics,
		progress:            d.Progress,
		reporter:            d.Reporter,
		now:                 func() time.Time { return d.Now().UTC() },
	}
}

// shadowStore returns a memory store seeded with the checkpoint at path, if any.
func shadowStore(path string) (checkpoint.Store, error) {
	mem := checkpoint.NewMemoryStore()
	if _, err := os.Stat(path); err != nil {
		return mem, nil
	}
	fs, err := checkpoint.NewFileStore(path)
	if err != nil {
		return nil, err
	}
	cp, err := fs.Load()
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return mem, nil
		}
		return nil, err
	}
	if err := mem.Save(cp); err != nil {
		return nil, err
	}
	return mem, nil
}

// copyManifests copies backup manifests so a dry run can read them without
// writing to the real backup directory.
func copyManifests(from, to string) error {
	entries, err := os.ReadDir(from)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(from, e.Name()))
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(to, e.Name()), data, 0644); err != nil {
			return err
		}
	}
	return nil
}

// Close releases all resources
func (o *Orchestrator) Close() {
	o.reporter.Close()
	for i := len(o.cleanup) - 1; i >= 0; i-- {
		if err := o.cleanup[i](); err != nil {
			logging.Debug("Cleanup: %v", err)
		}
	}
	o.cleanup = nil
}

// Metrics returns the collectors updated by runs.
func (o *Orchestrator) Metrics() *metrics.Metrics {
	return o.metrics
}

// SetReporter replaces the progress reporter (e.g. JSON progress on stderr).
// A real reporter takes over from the terminal progress bar.
func (o *Orchestrator) SetReporter(r progress.Reporter) {
	if r == nil {
		r = &progress.NullReporter{}
	} else {
		o.progress = nil
	}
	o.reporter = r
}

// Run starts a new migration. An unfinished run in the checkpoint is not
// overwritten unless Force is set.
func (o *Orchestrator) Run(ctx context.Context) (*MigrationResult, error) {
	existing, err := o.checkpoints.Load()
	var ce *migerr.CorruptionError
	switch {
	case err == nil:
		unfinished := existing.Status != checkpoint.RunCompleted && existing.Status != checkpoint.RunRolledBack
		if unfinished && !o.opts.Force {
			return nil, fmt.Errorf("run %s is %s; use 'resume' to continue it or --force to discard it",
				existing.RunID, existing.Status)
		}
		if unfinished {
			logging.Warn("Discarding checkpoint of run %s (%s) because --force was given", existing.RunID, existing.Status)
		}
	case errors.Is(err, checkpoint.ErrNotFound):
	case errors.As(err, &ce) && o.opts.Force:
		logging.Error("Checkpoint is corrupt, starting a new run because --force was given: %v", err)
	default:
		return nil, err
	}
	return o.start(ctx)
}

// start begins a new migration run from its first phase.
func (o *Orchestrator) start(ctx context.Context) (*MigrationResult, error) {
	names := o.config.PhaseNames()
	if err := o.checkPhaseOption(names); err != nil {
		return nil, err
	}
	if o.opts.Phase != "" && o.opts.Phase != names[0] {
		return nil, migerr.Validationf("phase",
			"phase %s cannot run before %s in a new run; use 'resume --phase' once the preceding phases completed",
			o.opts.Phase, names[0])
	}

	startTime := o.now()
	runID := o.opts.RunID
	if runID == "" {
		runID = uuid.New().String()[:8]
	}
	cp := checkpoint.New(runID, checkpoint.KindMigration, names, startTime)
	cp.ConfigHash = o.config.Hash()
	if o.hasBackupPhase() {
		cp.BackupID = backup.NewID(startTime)
	}
	phases, err := o.migrationPhases(cp)
	if err != nil {
		return nil, err
	}

	release, err := o.acquireLock(runID)
	if err != nil {
		return nil, err
	}
	defer release()

	o.cleanupHistory()
	// The previous document must not survive as the secondary copy of the new run.
	if err := o.checkpoints.Clear(); err != nil {
		return nil, fmt.Errorf("clearing checkpoint: %w", err)
	}
	if err := o.checkpoints.Save(cp); err != nil {
		return nil, fmt.Errorf("saving checkpoint: %w", err)
	}
	o.recordRun(cp)

	logging.Info("Starting migration run: %s (%d phases)", runID, len(names))
	o.notify(o.notifier.RunStarted(runID, string(cp.Kind), len(names), false))

	return o.execute(ctx, runSpec{
		cp:     cp,
		store:  o.checkpoints,
		phases: phases,
		plan:   ResumePlan{ResumePhase: names[0], ResumeBatch: 1},
		only:   o.opts.Phase,
		final:  checkpoint.RunCompleted,
	})
}

// Resume continues the run recorded in the checkpoint after validating it
// against the backend.
func (o *Orchestrator) Resume(ctx context.Context) (*MigrationResult, error) {
	det, err := o.Detect(ctx)
	if err != nil {
		var ce *migerr.CorruptionError
		if errors.As(err, &ce) {
			if o.opts.Force {
				logging.Error("Checkpoint is corrupt, starting a new run because --force was given: %v", err)
				return o.start(ctx)
			}
			logging.Error("Refusing to resume from a corrupt checkpoint (%s); inspect it or pass --force to start over", ce.Path)
		}
		return nil, err
	}

	cp := det.Checkpoint
	if cp == nil {
		return nil, fmt.Errorf("no checkpoint found - use 'execute' to start a new migration")
	}
	if cp.Kind != checkpoint.KindMigration {
		return nil, migerr.Validationf("checkpoint", "checkpoint holds a %s run", cp.Kind)
	}
	if det.Recovered {
		logging.Warn("Resuming run %s from the secondary checkpoint copy", cp.RunID)
	}

	switch cp.Status {
	case checkpoint.RunCompleted:
		logging.Info("Run %s already completed; nothing to resume", cp.RunID)
		res := &MigrationResult{RunID: cp.RunID, Kind: string(cp.Kind), Status: OutcomeCompleted, StartedAt: o.now()}
		res.finish(cp, o.now())
		return res, nil
	case checkpoint.RunRolledBack:
		return nil, fmt.Errorf("run %s was rolled back; start a new migration with 'execute'", cp.RunID)
	}

	if cp.ConfigHash != "" && cp.ConfigHash != o.config.Hash() {
		if !o.opts.Force {
			return nil, fmt.Errorf("config changed since run %s started; use --force to resume anyway", cp.RunID)
		}
		logging.Warn("Config changed since run %s started; resuming because --force was given", cp.RunID)
		cp.ConfigHash = o.config.Hash()
	}
	if !det.SafeToResume {
		logging.Error("Refusing to resume run %s: %s", cp.RunID, det.Consistency.Reason)
		return nil, det.Consistency.Err()
	}

	plan, err := Plan(cp, o.config.PhaseNames())
	if err != nil {
		return nil, err
	}
	if o.opts.Phase != "" {
		if err := o.checkPhaseOption(cp.PhaseOrder); err != nil {
			return nil, err
		}
		if plan.Done || contains(plan.SkipPhases, o.opts.Phase) {
			return nil, migerr.Validationf("phase", "phase %s already completed in run %s", o.opts.Phase, cp.RunID)
		}
		if plan.ResumePhase != o.opts.Phase {
			return nil, migerr.Validationf("phase", "phase %s cannot run before %s completes", o.opts.Phase, plan.ResumePhase)
		}
	}
	phases, err := o.migrationPhases(cp)
	if err != nil {
		return nil, err
	}

	release, err := o.acquireLock(cp.RunID)
	if err != nil {
		return nil, err
	}
	defer release()

	o.recordRun(cp)
	logging.Info("Resuming run %s (started %s): %s", cp.RunID, cp.StartedAt.Format(time.RFC3339), plan)
	o.notify(o.notifier.RunStarted(cp.RunID, string(cp.Kind), len(cp.PhaseOrder), true))

	return o.execute(ctx, runSpec{
		cp:      cp,
		store:   o.checkpoints,
		phases:  phases,
		plan:    plan,
		only:    o.opts.Phase,
		resumed: true,
		final:   checkpoint.RunCompleted,
	})
}

// PlanResume returns the resume plan of the checkpointed run without running it.
func (o *Orchestrator) PlanResume(ctx context.Context) (*ResumePlan, *checkpoint.Checkpoint, error) {
	cp, err := o.checkpoints.Load()
	if err != nil {
		return nil, nil, err
	}
	plan, err := Plan(cp, o.config.PhaseNames())
	if err != nil {
		return nil, cp, err
	}
	return &plan, cp, nil
}

type runSpec struct {
	cp      *checkpoint.Checkpoint
	store   checkpoint.Store
	phases  []Phase
	plan    ResumePlan
	only    string // stop after this phase
	resumed bool
	final   checkpoint.RunStatus
}

// execute runs the planned phases in order and records the outcome.
func (o *Orchestrator) execute(ctx context.Context, rs runSpec) (*MigrationResult, error) {
	cp := rs.cp
	kind := string(cp.Kind)
	res := &MigrationResult{
		RunID:     cp.RunID,
		Kind:      kind,
		Resumed:   rs.resumed,
		BackupID:  cp.BackupID,
		StartedAt: o.now(),
	}

	skip := make(map[string]bool, len(rs.plan.SkipPhases))
	for _, name := range rs.plan.SkipPhases {
		skip[name] = true
		logging.Debug("Skipping completed phase %s", name)
	}

	exec := o.executor(rs.store)
	for _, ph := range rs.phases {
		if skip[ph.Name] {
			continue
		}
		ps := cp.Phase(ph.Name)
		if ps == nil {
			return res, o.failRun(cp, res, ph.Name, migerr.Validationf("phase", "phase %q is not part of run %s", ph.Name, cp.RunID))
		}
		pr, err := exec.RunPhase(ctx, cp, ph, ps.CompletedBatches+1)
		res.addPhase(pr)
		if err != nil {
			return res, o.failRun(cp, res, ph.Name, err)
		}
		if rs.only != "" && ph.Name == rs.only {
			break
		}
	}

	if done, total := len(cp.CompletedPhases()), len(cp.PhaseOrder); done < total {
		res.Status = OutcomePartial
		res.finish(cp, o.now())
		logging.Info("Phase %s completed; %d of %d phases done. Run 'resume' to continue.", rs.only, done, total)
		o.notify(o.notifier.RunPartial(cp.RunID, kind, res.StartedAt, res.CompletedAt.Sub(res.StartedAt),
			done, total, "stopped after phase "+rs.only))
		return res, nil
	}

	cp.Status = rs.final
	cp.Reason = ""
	if err := rs.store.Save(cp); err != nil {
		return res, fmt.Errorf("saving checkpoint: %w", err)
	}
	o.finishRun(cp.RunID, rs.final, "", "")

	res.Status = OutcomeCompleted
	if rs.final == checkpoint.RunRolledBack {
		res.Status = OutcomeRolledBack
	}
	res.finish(cp, o.now())
	duration := res.CompletedAt.Sub(res.StartedAt)
	logging.Info("Run %s %s: %d phases, %d records processed, %d skipped, %d failed in %s",
		cp.RunID, res.Status, res.PhasesTotal, res.RecordsProcessed, res.RecordsSkipped, res.RecordsFailed,
		duration.Round(time.Millisecond))
	if cp.Kind == checkpoint.KindMigration {
		o.notify(o.notifier.RunCompleted(cp.RunID, kind, res.StartedAt, duration, res.PhasesTotal,
			res.RecordsProcessed+res.RecordsSkipped))
	}
	return res, nil
}

// failRun records a stopped run in the result, the history and Slack.
func (o *Orchestrator) failRun(cp *checkpoint.Checkpoint, res *MigrationResult, phase string, err error) error {
	res.finish(cp, o.now())
	duration := res.CompletedAt.Sub(res.StartedAt)
	kind := string(cp.Kind)

	if errors.Is(err, migerr.ErrCancelled) {
		res.Status = OutcomePartial
		res.Reason = checkpoint.ReasonCancelled
		o.finishRun(cp.RunID, checkpoint.RunFailed, checkpoint.ReasonCancelled, "")
		o.notify(o.notifier.RunPartial(cp.RunID, kind, res.StartedAt, duration,
			res.PhasesCompleted, res.PhasesTotal, checkpoint.ReasonCancelled))
		return err
	}

	res.Status = OutcomeFailed
	res.FailedPhase = phase
	res.Error = err.Error()
	o.finishRun(cp.RunID, checkpoint.RunFailed, "", err.Error())
	o.notify(o.notifier.RunFailed(cp.RunID, kind, phase, err, duration))
	return err
}

func (o *Orchestrator) executor(store checkpoint.Store) *Executor {
	return &Executor{
		Store:       o.store,
		Checkpoints: store,
		History:     o.history,
		Metrics:     o.metrics,
		Progress:    o.progress,
		Reporter:    o.reporter,
		LockName:    lockName,
		LockHolder:  o.lockHolder,
		MaxRetries:  o.config.Migration.MaxRetries,
		Backoff:     o.config.Migration.RetryBackoff,
		Now:         o.now,
	}
}

// acquireLock takes the run lock for runID under a token unique to this
// invocation and returns its release func.
func (o *Orchestrator) acquireLock(runID string) (func(), error) {
	if o.history == nil {
		return func() {}, nil
	}
	holder := checkpoint.NewLockHolder(runID)
	if err := o.history.AcquireLock(lockName, holder, o.config.Migration.LockTTL); err != nil {
		var le *migerr.LockError
		if errors.As(err, &le) {
			o.metrics.LockContended()
			if le.Holder != "" {
				logging.Error("Run %s holds the migration lock since %s; refusing to start",
					le.Holder, le.Since.Format(time.RFC3339))
			}
		}
		return nil, err
	}
	o.lockHolder = holder
	return func() {
		if err := o.history.ReleaseLock(lockName, holder); err != nil {
			logging.Warn("Failed to release lock: %v", err)
		}
		o.lockHolder = ""
	}, nil
}

func (o *Orchestrator) checkPhaseOption(names []string) error {
	if o.opts.Phase == "" || contains(names, o.opts.Phase) {
		return nil
	}
	return migerr.Validationf("phase", "unknown phase %q (phases: %s)", o.opts.Phase, strings.Join(names, ", "))
}

func (o *Orchestrator) recordRun(cp *checkpoint.Checkpoint) {
	if o.history == nil {
		return
	}
	err := o.history.RecordRun(checkpoint.RunRecord{
		ID:         cp.RunID,
		Kind:       cp.Kind,
		Status:     checkpoint.RunInProgress,
		StartedAt:  cp.StartedAt,
		ConfigHash: cp.ConfigHash,
		BackupID:   cp.BackupID,
	})
	if err != nil {
		logging.Warn("Failed to record run %s in history: %v", cp.RunID, err)
	}
}

func (o *Orchestrator) finishRun(runID string, status checkpoint.RunStatus, reason, errMsg string) {
	if o.history == nil {
		return
	}
	if err := o.history.FinishRun(runID, status, reason, errMsg); err != nil {
		logging.Warn("Failed to update run %s in history: %v", runID, err)
	}
}

func (o *Orchestrator) cleanupHistory() {
	if o.history == nil || o.config.Migration.HistoryRetentionDays <= 0 {
		return
	}
	n, err := o.history.CleanupOldRuns(o.config.Migration.HistoryRetentionDays)
	if err != nil {
		logging.Warn("Failed to clean up run history: %v", err)
		return
	}
	if n > 0 {
		logging.Debug("Removed %d runs older than %d days from history", n, o.config.Migration.HistoryRetentionDays)
	}
}

func (o *Orchestrator) notify(err error) {
	if err != nil {
		logging.Warn("Slack notification failed: %v", err)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
