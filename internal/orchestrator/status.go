package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/johndauphine/crm-migrate/internal/checkpoint"
)

// Status returns the state of the migration checkpoint, or of the rollback
// checkpoint when no migration is recorded. checkpoint.ErrNotFound is
// returned when neither exists.
func (o *Orchestrator) Status() (*StatusResult, error) {
	cp, recovered, err := loadWithRecovery(o.checkpoints)
	if errors.Is(err, checkpoint.ErrNotFound) {
		cp, recovered, err = loadWithRecovery(o.rollbackCheckpoints)
	}
	if err != nil {
		return nil, err
	}
	res := StatusFromCheckpoint(cp)
	res.Recovered = recovered
	return res, nil
}

func loadWithRecovery(store checkpoint.Store) (*checkpoint.Checkpoint, bool, error) {
	cp, err := store.Load()
	if err != nil {
		return nil, false, err
	}
	r, ok := store.(recoverer)
	return cp, ok && r.Recovered(), nil
}

// ShowStatus displays the current or last run
func (o *Orchestrator) ShowStatus() error {
	res, err := o.Status()
	if errors.Is(err, checkpoint.ErrNotFound) {
		fmt.Println("No active migration")
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Printf("Run: %s (%s)\n", res.RunID, res.Kind)
	status := res.Status
	if res.Reason != "" {
		status += " (" + res.Reason + ")"
	}
	fmt.Printf("Status: %s\n", status)
	fmt.Printf("Started: %s\n", res.StartedAt.Format(time.RFC3339))
	fmt.Printf("Last update: %s\n", res.LastUpdate.Format(time.RFC3339))
	fmt.Printf("Position: phase %s, batch %d\n", res.Phase, res.Batch)
	fmt.Printf("Phases: %d/%d completed, %d failed (%.1f%%)\n",
		res.PhasesComplete, res.PhasesTotal, res.PhasesFailed, res.ProgressPercent)
	if res.Recovered {
		fmt.Println("Note: primary checkpoint was unreadable; showing the secondary copy")
	}
	fmt.Println()

	fmt.Printf("%-24s %-12s %-12s %-22s %s\n", "Phase", "Status", "Batches", "Records (ok/skip/fail)", "Error")
	fmt.Println(strings.Repeat("-", 100))
	for _, p := range res.Phases {
		errorMsg := p.Error
		if len(errorMsg) > 30 {
			errorMsg = errorMsg[:27] + "..."
		}
		batches := fmt.Sprintf("%d/%d", p.CompletedBatches, p.TotalBatches)
		records := fmt.Sprintf("%d/%d/%d", p.RecordsProcessed, p.RecordsSkipped, p.RecordsFailed)
		fmt.Printf("%s %-22s %-12s %-12s %-22s %s\n", statusIcon(p.Status), p.Name, p.Status, batches, records, errorMsg)
	}

	switch {
	case res.Status == string(checkpoint.RunInProgress), res.Reason == checkpoint.ReasonCancelled:
		fmt.Println("\nRun 'resume' to continue.")
	case res.Status == string(checkpoint.RunFailed):
		fmt.Println("\nFix the failed phase, then run 'resume' to retry it.")
	}
	return nil
}

// ShowStatusJSON prints the status as JSON
func (o *Orchestrator) ShowStatusJSON() error {
	res, err := o.Status()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// ShowHistory displays all runs recorded in the history database
func (o *Orchestrator) ShowHistory() error {
	if o.history == nil {
		fmt.Println("Run history is not available")
		return nil
	}
	runs, err := o.history.GetAllRuns()
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs found")
		return nil
	}

	fmt.Printf("%-14s %-10s %-12s %-20s %-20s %s\n", "ID", "Kind", "Status", "Started", "Completed", "Backup")
	fmt.Println(strings.Repeat("-", 100))
	for _, r := range runs {
		completed := "-"
		if r.CompletedAt != nil {
			completed = r.CompletedAt.Format("2006-01-02 15:04:05")
		}
		status := string(r.Status)
		if r.Reason != "" {
			status += "*"
		}
		backupID := r.BackupID
		if backupID == "" {
			backupID = "-"
		}
		fmt.Printf("%-14s %-10s %-12s %-20s %-20s %s\n",
			r.ID, r.Kind, status, r.StartedAt.Format("2006-01-02 15:04:05"), completed, backupID)
	}
	return nil
}

// ShowRunDetails displays one run and its phase transitions
func (o *Orchestrator) ShowRunDetails(runID string) error {
	if o.history == nil {
		return fmt.Errorf("run history is not available")
	}
	r, err := o.history.GetRunByID(runID)
	if err != nil {
		return err
	}
	if r == nil {
		return fmt.Errorf("run not found: %s", runID)
	}

	fmt.Printf("Run ID:      %s\n", r.ID)
	fmt.Printf("Kind:        %s\n", r.Kind)
	fmt.Printf("Status:      %s\n", r.Status)
	if r.Reason != "" {
		fmt.Printf("Reason:      %s\n", r.Reason)
	}
	fmt.Printf("Started:     %s\n", r.StartedAt.Format(time.RFC3339))
	if r.CompletedAt != nil {
		fmt.Printf("Completed:   %s\n", r.CompletedAt.Format(time.RFC3339))
		fmt.Printf("Duration:    %s\n", r.CompletedAt.Sub(r.StartedAt).Round(time.Second))
	}
	if r.BackupID != "" {
		fmt.Printf("Backup:      %s\n", r.BackupID)
	}
	if r.ConfigHash != "" {
		fmt.Printf("Config hash: %s\n", r.ConfigHash)
	}
	if r.Error != "" {
		fmt.Printf("\nError:\n  %s\n", r.Error)
	}

	events, err := o.history.GetPhaseEvents(runID)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}
	fmt.Printf("\n%-20s %-22s %-12s %-8s %-10s %s\n", "Time", "Phase", "Status", "Batch", "Batches", "Records (ok/skip/fail)")
	fmt.Println(strings.Repeat("-", 100))
	for _, ev := range events {
		msg := ""
		if ev.Error != "" {
			msg = "  " + ev.Error
		}
		fmt.Printf("%-20s %-22s %-12s %-8d %-10s %d/%d/%d%s\n",
			ev.At.Format("2006-01-02 15:04:05"), ev.Phase, ev.Status, ev.Batch,
			fmt.Sprintf("%d/%d", ev.CompletedBatches, ev.TotalBatches),
			ev.RecordsProcessed, ev.RecordsSkipped, ev.RecordsFailed, msg)
	}
	return nil
}

// ShowBackups lists the backup catalog
func (o *Orchestrator) ShowBackups() error {
	ms, err := o.Backups()
	if err != nil {
		return err
	}
	if len(ms) == 0 {
		fmt.Println("No backups found")
		return nil
	}
	now := o.now()
	fmt.Printf("%-12s %-20s %-10s %-8s %s\n", "ID", "Created", "Age", "Tables", "Rollback")
	fmt.Println(strings.Repeat("-", 70))
	for _, m := range ms {
		window := "available"
		if err := m.CheckWindow(now, o.config.Migration.RollbackWindow); err != nil {
			window = "expired"
		}
		fmt.Printf("%-12s %-20s %-10s %-8d %s\n", m.ID, m.CreatedAt.Format("2006-01-02 15:04:05"),
			m.Age(now).Round(time.Minute), len(m.Tables), window)
	}
	return nil
}

func statusIcon(status string) string {
	switch checkpoint.PhaseStatus(status) {
	case checkpoint.PhaseCompleted:
		return "✓"
	case checkpoint.PhaseFailed:
		return "✗"
	case checkpoint.PhaseInProgress:
		return "►"
	default:
		return "○"
	}
}
