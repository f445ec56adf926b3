package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// RunStatus is the overall status of a migration or rollback run.
type RunStatus string

const (
	RunPending    RunStatus = "pending"
	RunInProgress RunStatus = "in_progress"
	RunCompleted  RunStatus = "completed"
	RunFailed     RunStatus = "failed"
	RunRolledBack RunStatus = "rolled_back"
)

// IsTerminal reports whether no further work may be applied under this status.
func (s RunStatus) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunRolledBack
}

// PhaseStatus is the status of a single phase.
type PhaseStatus string

const (
	PhasePending    PhaseStatus = "pending"
	PhaseInProgress PhaseStatus = "in_progress"
	PhaseCompleted  PhaseStatus = "completed"
	PhaseFailed     PhaseStatus = "failed"
)

// Kind distinguishes forward migrations from rollbacks sharing the same format.
type Kind string

const (
	KindMigration Kind = "migration"
	KindRollback  Kind = "rollback"
)

// ReasonCancelled is recorded when an operator cancels a run.
const ReasonCancelled = "cancelled"

// PhaseState tracks per-phase progress.
type PhaseState struct {
	Ordinal          int         `json:"ordinal"`
	Status           PhaseStatus `json:"status"`
	Progress         float64     `json:"progress"`
	TotalBatches     int         `json:"totalBatches"`
	CompletedBatches int         `json:"completedBatches"`
	TotalRecords     int64       `json:"totalRecords"`
	RecordsProcessed int64       `json:"recordsProcessed"`
	RecordsSkipped   int64       `json:"recordsSkipped"`
	RecordsFailed    int64       `json:"recordsFailed"`
	StartedAt        *time.Time  `json:"startedAt,omitempty"`
	CompletedAt      *time.Time  `json:"completedAt,omitempty"`
	Error            string      `json:"error,omitempty"`
}

// Applied returns the number of record effects known to exist in the backend
// for this phase: inserted by this run plus found already present.
func (p PhaseState) Applied() int64 {
	return p.RecordsProcessed + p.RecordsSkipped
}

// Checkpoint is the durable record of a run's progress. CurrentBatch is the
// last batch of CurrentPhase whose effects are committed (0 = none yet).
type Checkpoint struct {
	RunID        string                 `json:"runId"`
	Kind         Kind                   `json:"kind"`
	Status       RunStatus              `json:"status"`
	Reason       string                 `json:"reason,omitempty"`
	StartedAt    time.Time              `json:"startedAt"`
	CurrentPhase string                 `json:"currentPhase"`
	CurrentBatch int                    `json:"currentBatch"`
	PhaseOrder   []string               `json:"phaseOrder"`
	Phases       map[string]*PhaseState `json:"phases"`
	BackupID     string                 `json:"backupId,omitempty"`
	ConfigHash   string                 `json:"configHash,omitempty"`
	LastUpdate   time.Time              `json:"lastUpdate"`
	Checksum     string                 `json:"checksum,omitempty"`
}

// New creates a pending checkpoint with every phase pending, in order.
func New(runID string, kind Kind, phases []string, now time.Time) *Checkpoint {
	cp := &Checkpoint{
		RunID:      runID,
		Kind:       kind,
		Status:     RunPending,
		StartedAt:  now,
		PhaseOrder: append([]string(nil), phases...),
		Phases:     make(map[string]*PhaseState, len(phases)),
		LastUpdate: now,
	}
	for i, name := range phases {
		cp.Phases[name] = &PhaseState{Ordinal: i + 1, Status: PhasePending}
	}
	if len(phases) > 0 {
		cp.CurrentPhase = phases[0]
	}
	return cp
}

// Phase returns the state of the named phase, or nil.
func (c *Checkpoint) Phase(name string) *PhaseState {
	if c == nil || c.Phases == nil {
		return nil
	}
	return c.Phases[name]
}

// Position returns the (phase ordinal, batch) pair used to order checkpoints.
func (c *Checkpoint) Position() (int, int) {
	ps := c.Phase(c.CurrentPhase)
	if ps == nil {
		return 0, 0
	}
	return ps.Ordinal, c.CurrentBatch
}

// CompletedPhases returns the names of completed phases in execution order.
func (c *Checkpoint) CompletedPhases() []string {
	var done []string
	for _, name := range c.PhaseOrder {
		if ps := c.Phases[name]; ps != nil && ps.Status == PhaseCompleted {
			done = append(done, name)
		}
	}
	return done
}

// Clone returns a deep copy.
func (c *Checkpoint) Clone() *Checkpoint {
	if c == nil {
		return nil
	}
	out := *c
	out.PhaseOrder = append([]string(nil), c.PhaseOrder...)
	out.Phases = make(map[string]*PhaseState, len(c.Phases))
	for k, v := range c.Phases {
		ps := *v
		out.Phases[k] = &ps
	}
	return &out
}

// Validate checks structural invariants of a loaded checkpoint.
func (c *Checkpoint) Validate() error {
	if c.RunID == "" {
		return fmt.Errorf("missing runId")
	}
	if len(c.PhaseOrder) == 0 {
		return fmt.Errorf("missing phaseOrder")
	}
	for i, name := range c.PhaseOrder {
		ps, ok := c.Phases[name]
		if !ok || ps == nil {
			return fmt.Errorf("phase %q listed in phaseOrder has no state", name)
		}
		if ps.Ordinal != i+1 {
			return fmt.Errorf("phase %q has ordinal %d, expected %d", name, ps.Ordinal, i+1)
		}
		if ps.CompletedBatches < 0 || (ps.TotalBatches > 0 && ps.CompletedBatches > ps.TotalBatches) {
			return fmt.Errorf("phase %q has %d/%d batches", name, ps.CompletedBatches, ps.TotalBatches)
		}
	}
	if _, ok := c.Phases[c.CurrentPhase]; !ok {
		return fmt.Errorf("currentPhase %q is not a known phase", c.CurrentPhase)
	}
	return nil
}

// computeChecksum hashes the document with the checksum field cleared.
func computeChecksum(c *Checkpoint) (string, error) {
	tmp := *c
	tmp.Checksum = ""
	data, err := json.Marshal(&tmp)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
