package checkpoint

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/johndauphine/crm-migrate/internal/migerr"
	_ "modernc.org/sqlite"
)

// Fixed-width UTC layout so timestamps compare correctly as text.
const tsLayout = "2006-01-02 15:04:05.000"

// DefaultLockName is the run lock guarding the tables of one database.
const DefaultLockName = "crm-migration"

// History records runs, phase transitions and the run lock in SQLite.
type History struct {
	db  *sql.DB
	now func() time.Time
}

// RunRecord is one row of run history.
type RunRecord struct {
	ID          string
	Kind        Kind
	Status      RunStatus
	Reason      string
	StartedAt   time.Time
	CompletedAt *time.Time
	Error       string
	ConfigHash  string
	BackupID    string
}

// PhaseEvent is an append-only record of a phase transition.
type PhaseEvent struct {
	RunID            string
	Phase            string
	Status           PhaseStatus
	Batch            int
	CompletedBatches int
	TotalBatches     int
	RecordsProcessed int64
	RecordsSkipped   int64
	RecordsFailed    int64
	Error            string
	At               time.Time
}

// OpenHistory opens (creating if needed) the history database in dataDir.
func OpenHistory(dataDir string) (*History, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "history.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	h := &History{db: db, now: time.Now}
	if err := h.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	return h, nil
}

func (h *History) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		reason TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT,
		error TEXT,
		config_hash TEXT,
		backup_id TEXT
	);

	CREATE TABLE IF NOT EXISTS phase_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL REFERENCES runs(id),
		phase TEXT NOT NULL,
		status TEXT NOT NULL,
		batch INTEGER DEFAULT 0,
		completed_batches INTEGER DEFAULT 0,
		total_batches INTEGER DEFAULT 0,
		records_processed INTEGER DEFAULT 0,
		records_skipped INTEGER DEFAULT 0,
		records_failed INTEGER DEFAULT 0,
		error TEXT,
		at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS run_lock (
		name TEXT PRIMARY KEY,
		holder TEXT NOT NULL,
		acquired_at TEXT NOT NULL,
		heartbeat_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_phase_events_run ON phase_events(run_id, id);
	`
	_, err := h.db.Exec(schema)
	return err
}

// Close closes the database connection
func (h *History) Close() error {
	return h.db.Close()
}

func (h *History) stamp() string {
	return h.now().UTC().Format(tsLayout)
}

func parseStamp(s string) time.Time {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// RecordRun inserts a run, or refreshes its status when the run is resumed.
func (h *History) RecordRun(r RunRecord) error {
	started := r.StartedAt
	if started.IsZero() {
		started = h.now()
	}
	_, err := h.db.Exec(`
		INSERT INTO runs (id, kind, status, reason, started_at, config_hash, backup_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			reason = excluded.reason,
			completed_at = NULL,
			error = NULL
	`, r.ID, string(r.Kind), string(r.Status), r.Reason, started.UTC().Format(tsLayout), r.ConfigHash, r.BackupID)
	return err
}

// FinishRun stores the final status of a run.
func (h *History) FinishRun(id string, status RunStatus, reason, errMsg string) error {
	_, err := h.db.Exec(`
		UPDATE runs SET status = ?, reason = ?, error = ?, completed_at = ?
		WHERE id = ?
	`, string(status), reason, errMsg, h.stamp(), id)
	return err
}

const runColumns = `id, kind, status, COALESCE(reason, ''), started_at, completed_at,
	COALESCE(error, ''), COALESCE(config_hash, ''), COALESCE(backup_id, '')`

func scanRun(sc interface{ Scan(...any) error }) (RunRecord, error) {
	var (
		r           RunRecord
		kind        string
		status      string
		startedAt   string
		completedAt sql.NullString
	)
	if err := sc.Scan(&r.ID, &kind, &status, &r.Reason, &startedAt, &completedAt, &r.Error, &r.ConfigHash, &r.BackupID); err != nil {
		return r, err
	}
	r.Kind = Kind(kind)
	r.Status = RunStatus(status)
	r.StartedAt = parseStamp(startedAt)
	if completedAt.Valid {
		t := parseStamp(completedAt.String)
		r.CompletedAt = &t
	}
	return r, nil
}

// GetAllRuns returns the most recent runs for history
func (h *History) GetAllRuns() ([]RunRecord, error) {
	rows, err := h.db.Query(`SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC LIMIT 20`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRunByID returns a run, or nil if it does not exist.
func (h *History) GetRunByID(id string) (*RunRecord, error) {
	r, err := scanRun(h.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// RecordPhaseEvent appends a phase transition.
func (h *History) RecordPhaseEvent(ev PhaseEvent) error {
	at := ev.At
	if at.IsZero() {
		at = h.now()
	}
	_, err := h.db.Exec(`
		INSERT INTO phase_events (run_id, phase, status, batch, completed_batches, total_batches,
			records_processed, records_skipped, records_failed, error, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.RunID, ev.Phase, string(ev.Status), ev.Batch, ev.CompletedBatches, ev.TotalBatches,
		ev.RecordsProcessed, ev.RecordsSkipped, ev.RecordsFailed, ev.Error, at.UTC().Format(tsLayout))
	return err
}

// GetPhaseEvents returns the phase transitions of a run in insertion order.
func (h *History) GetPhaseEvents(runID string) ([]PhaseEvent, error) {
	rows, err := h.db.Query(`
		SELECT run_id, phase, status, batch, completed_batches, total_batches,
			records_processed, records_skipped, records_failed, COALESCE(error, ''), at
		FROM phase_events WHERE run_id = ? ORDER BY id
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []PhaseEvent
	for rows.Next() {
		var (
			ev     PhaseEvent
			status string
			at     string
		)
		if err := rows.Scan(&ev.RunID, &ev.Phase, &status, &ev.Batch, &ev.CompletedBatches, &ev.TotalBatches,
			&ev.RecordsProcessed, &ev.RecordsSkipped, &ev.RecordsFailed, &ev.Error, &at); err != nil {
			return nil, err
		}
		ev.Status = PhaseStatus(status)
		ev.At = parseStamp(at)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// CleanupOldRuns deletes finished runs (and their events) completed more than
// days ago. Runs still in progress are kept.
func (h *History) CleanupOldRuns(days int) (int64, error) {
	cutoff := h.now().AddDate(0, 0, -days).UTC().Format(tsLayout)

	tx, err := h.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		DELETE FROM phase_events WHERE run_id IN (
			SELECT id FROM runs WHERE completed_at IS NOT NULL AND completed_at < ?
		)`, cutoff); err != nil {
		return 0, err
	}
	res, err := tx.Exec(`DELETE FROM runs WHERE completed_at IS NOT NULL AND completed_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, tx.Commit()
}

// NewLockHolder returns a lock holder token for runID that is unique to the
// calling process. Two invocations resuming the same run get different tokens.
func NewLockHolder(runID string) string {
	return runID + "/" + uuid.NewString()
}

// HolderRunID returns the run ID a lock holder token was created for.
func HolderRunID(holder string) string {
	runID, _, _ := strings.Cut(holder, "/")
	return runID
}

// AcquireLock takes the named lock for holder. A lock whose heartbeat is older
// than ttl is considered stale and is taken over. Re-acquiring with the same
// holder token refreshes it.
func (h *History) AcquireLock(name, holder string, ttl time.Duration) error {
	now := h.now().UTC()
	stamp := now.Format(tsLayout)
	staleBefore := now.Add(-ttl).Format(tsLayout)

	res, err := h.db.Exec(`
		INSERT INTO run_lock (name, holder, acquired_at, heartbeat_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			holder = excluded.holder,
			acquired_at = CASE WHEN run_lock.holder = excluded.holder THEN run_lock.acquired_at ELSE excluded.acquired_at END,
			heartbeat_at = excluded.heartbeat_at
		WHERE run_lock.holder = excluded.holder OR run_lock.heartbeat_at < ?
	`, name, holder, stamp, stamp, staleBefore)
	if err != nil {
		return fmt.Errorf("acquiring lock %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	return h.lockHeld(name)
}

// Heartbeat refreshes the lock. It fails if holder no longer holds it.
func (h *History) Heartbeat(name, holder string) error {
	res, err := h.db.Exec(`UPDATE run_lock SET heartbeat_at = ? WHERE name = ? AND holder = ?`,
		h.stamp(), name, holder)
	if err != nil {
		return fmt.Errorf("refreshing lock %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return h.lockHeld(name)
	}
	return nil
}

// ReleaseLock removes the lock if holder holds it.
func (h *History) ReleaseLock(name, holder string) error {
	_, err := h.db.Exec(`DELETE FROM run_lock WHERE name = ? AND holder = ?`, name, holder)
	return err
}

// LockHolder returns the current holder of the lock, or "" if free.
func (h *History) LockHolder(name string) (string, time.Time, error) {
	var holder, since string
	err := h.db.QueryRow(`SELECT holder, acquired_at FROM run_lock WHERE name = ?`, name).Scan(&holder, &since)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, nil
	}
	if err != nil {
		return "", time.Time{}, err
	}
	return holder, parseStamp(since), nil
}

func (h *History) lockHeld(name string) error {
	holder, since, err := h.LockHolder(name)
	if err != nil {
		return err
	}
	if holder == "" {
		return &migerr.LockError{Name: name}
	}
	return &migerr.LockError{Name: name, Holder: HolderRunID(holder), Since: since}
}
