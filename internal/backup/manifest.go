// Package backup manages the pre-migration BackupSet: one backup table per
// migrated table plus a JSON manifest recording counts and sample rows.
package backup

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/johndauphine/crm-migrate/internal/backend"
	"github.com/johndauphine/crm-migrate/internal/checkpoint"
	"github.com/johndauphine/crm-migrate/internal/logging"
	"github.com/johndauphine/crm-migrate/internal/migerr"
)

// DefaultWindow is how long a backup may be used for rollback.
const DefaultWindow = 48 * time.Hour

const manifestPrefix = "backup-manifest-"

// ErrNoBackup is wrapped when no usable backup manifest exists.
var ErrNoBackup = errors.New("no usable backup manifest")

// TableBackup describes one backed-up table.
type TableBackup struct {
	OriginalTable string        `json:"originalTable"`
	BackupTable   string        `json:"backupTable"`
	KeyColumns    []string      `json:"keyColumns"`
	RecordCount   int64         `json:"recordCount"`
	Samples       []backend.Row `json:"samples,omitempty"`
}

// Manifest is a BackupSet.
type Manifest struct {
	ID        string        `json:"id"`
	CreatedAt time.Time     `json:"timestamp"`
	RunID     string        `json:"runId,omitempty"`
	Tables    []TableBackup `json:"tables"`
	Checksum  string        `json:"checksum,omitempty"`
}

// Table returns the entry for an original table, or nil.
func (m *Manifest) Table(original string) *TableBackup {
	for i := range m.Tables {
		if m.Tables[i].OriginalTable == original {
			return &m.Tables[i]
		}
	}
	return nil
}

// Put adds or replaces the entry for tb.OriginalTable.
func (m *Manifest) Put(tb TableBackup) {
	if cur := m.Table(tb.OriginalTable); cur != nil {
		*cur = tb
		return
	}
	m.Tables = append(m.Tables, tb)
}

// Age returns how old the backup is at now.
func (m *Manifest) Age(now time.Time) time.Duration {
	return now.Sub(m.CreatedAt)
}

// CheckWindow refuses a backup whose age has reached window.
func (m *Manifest) CheckWindow(now time.Time, window time.Duration) error {
	if window <= 0 {
		window = DefaultWindow
	}
	age := m.Age(now)
	if age >= window {
		return &migerr.WindowExpiredError{BackupID: m.ID, CreatedAt: m.CreatedAt, Age: age, Window: window}
	}
	return nil
}

// BackupTableName names the backup of table for backup id.
func BackupTableName(table, id string) string {
	return table + "_backup_" + id
}

// NewID derives a backup id from its creation time.
func NewID(createdAt time.Time) string {
	return strconv.FormatInt(createdAt.Unix(), 10)
}

// ParseID returns the creation time encoded in a backup id.
func ParseID(id string) (time.Time, error) {
	ts, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid backup id %q", id)
	}
	return time.Unix(ts, 0).UTC(), nil
}

func manifestChecksum(m *Manifest) (string, error) {
	tmp := *m
	tmp.Checksum = ""
	data, err := json.Marshal(&tmp)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Catalog stores manifests in a directory.
type Catalog struct {
	dir string
}

// NewCatalog opens (creating if needed) the manifest directory.
func NewCatalog(dir string) (*Catalog, error) {
	if dir == "" {
		return nil, migerr.Validationf("backup_dir", "directory is empty")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating backup dir: %w", err)
	}
	return &Catalog{dir: dir}, nil
}

// Dir returns the manifest directory.
func (c *Catalog) Dir() string { return c.dir }

// Path returns the manifest file for id.
func (c *Catalog) Path(id string) string {
	return filepath.Join(c.dir, manifestPrefix+id+".json")
}

// Save writes m atomically with a fresh checksum.
func (c *Catalog) Save(m *Manifest) error {
	sum, err := manifestChecksum(m)
	if err != nil {
		return fmt.Errorf("computing manifest checksum: %w", err)
	}
	m.Checksum = sum
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling manifest: %w", err)
	}
	return checkpoint.WriteFileAtomic(c.Path(m.ID), append(data, '\n'))
}

// Load reads and verifies the manifest for id.
func (c *Catalog) Load(id string) (*Manifest, error) {
	path := c.Path(id)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return nil, &migerr.CorruptionError{Path: path, Err: fmt.Errorf("parsing: %w", err)}
	}
	if m.ID != id || m.CreatedAt.IsZero() {
		return nil, &migerr.CorruptionError{Path: path, Err: fmt.Errorf("missing id or timestamp")}
	}
	if m.Checksum != "" {
		want, err := manifestChecksum(&m)
		if err != nil {
			return nil, err
		}
		if want != m.Checksum {
			return nil, &migerr.CorruptionError{Path: path, Err: fmt.Errorf("checksum mismatch")}
		}
	}
	for _, tb := range m.Tables {
		for _, r := range tb.Samples {
			normalizeNumbers(r)
		}
	}
	return &m, nil
}

// normalizeNumbers turns decoded json.Number values back into int64 or float64.
func normalizeNumbers(r backend.Row) {
	for k, v := range r {
		n, ok := v.(json.Number)
		if !ok {
			continue
		}
		if i, err := n.Int64(); err == nil {
			r[k] = i
		} else if f, err := n.Float64(); err == nil {
			r[k] = f
		}
	}
}

// List returns manifest ids, newest first.
func (c *Catalog) List() ([]string, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, err
	}
	type entry struct {
		id string
		ts int64
	}
	var found []entry
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, manifestPrefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(name, manifestPrefix), ".json")
		ts, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			continue
		}
		found = append(found, entry{id: id, ts: ts})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].ts > found[j].ts })

	ids := make([]string, len(found))
	for i, e := range found {
		ids[i] = e.id
	}
	return ids, nil
}

// Latest returns the newest manifest that parses and whose backup tables are
// all readable. Older manifests serve as secondaries when the newest is unusable.
func (c *Catalog) Latest(ctx context.Context, store backend.Store) (*Manifest, error) {
	ids, err := c.List()
	if err != nil {
		return nil, &migerr.CorruptionError{Path: c.dir, Err: err}
	}
	for i, id := range ids {
		m, err := c.Load(id)
		if err != nil {
			logging.WithFields(logging.Fields{"backup_id": id}).Warn("Skipping unusable backup manifest: %v", err)
			continue
		}
		if err := c.checkTables(ctx, store, m); err != nil {
			logging.WithFields(logging.Fields{"backup_id": id}).Warn("Skipping backup: %v", err)
			continue
		}
		if i > 0 {
			logging.Warn("Using secondary backup %s (created %s)", m.ID, m.CreatedAt.Format(time.RFC3339))
		}
		return m, nil
	}
	return nil, &migerr.CorruptionError{Path: c.dir, Err: ErrNoBackup}
}

func (c *Catalog) checkTables(ctx context.Context, store backend.Store, m *Manifest) error {
	if len(m.Tables) == 0 {
		return fmt.Errorf("manifest lists no tables")
	}
	for _, tb := range m.Tables {
		if _, err := store.Count(ctx, tb.BackupTable, nil); err != nil {
			return fmt.Errorf("backup table %s not found: %w", tb.BackupTable, err)
		}
	}
	return nil
}

// Remove drops the backup tables of m and deletes its manifest.
func (c *Catalog) Remove(ctx context.Context, store backend.Store, m *Manifest) error {
	for _, tb := range m.Tables {
		if err := store.Exec(ctx, "DROP TABLE IF EXISTS "+backend.QuoteTable(tb.BackupTable)); err != nil {
			return fmt.Errorf("dropping %s: %w", tb.BackupTable, err)
		}
	}
	if err := os.Remove(c.Path(m.ID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	logging.Info("Removed backup %s (%d tables)", m.ID, len(m.Tables))
	return nil
}

// Expire removes every backup whose age at now has reached window and
// returns the removed ids. Unreadable manifests are left for the operator.
func (c *Catalog) Expire(ctx context.Context, store backend.Store, now time.Time, window time.Duration) ([]string, error) {
	ids, err := c.List()
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, id := range ids {
		m, err := c.Load(id)
		if err != nil {
			continue
		}
		if m.CheckWindow(now, window) == nil {
			continue
		}
		if err := c.Remove(ctx, store, m); err != nil {
			return removed, err
		}
		removed = append(removed, id)
	}
	return removed, nil
}
