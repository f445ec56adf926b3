package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/johndauphine/crm-migrate/internal/logging"
	"github.com/johndauphine/crm-migrate/internal/migerr"
)

// ErrNotFound is returned by Load when no checkpoint exists.
var ErrNotFound = errors.New("checkpoint not found")

// Store persists the checkpoint of the current run.
type Store interface {
	Save(cp *Checkpoint) error
	Load() (*Checkpoint, error)
	Clear() error
}

// FileStore keeps the checkpoint as an indented JSON document. Every save is
// atomic (temp file, fsync, rename) and the previous document is kept as
// <path>.bak so a corrupted primary can be recovered.
type FileStore struct {
	path      string
	mu        sync.Mutex
	recovered bool
	now       func() time.Time
}

// NewFileStore creates a store writing to path. The directory is created if needed.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, migerr.Validationf("checkpoint_file", "path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating checkpoint dir: %w", err)
	}
	return &FileStore{path: path, now: time.Now}, nil
}

// Path returns the primary checkpoint path.
func (s *FileStore) Path() string { return s.path }

// BackupPath returns the secondary checkpoint path.
func (s *FileStore) BackupPath() string { return s.path + ".bak" }

// Recovered reports whether the last Load fell back to the secondary copy.
func (s *FileStore) Recovered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recovered
}

// Save writes cp durably. LastUpdate and Checksum are set on cp.
func (s *FileStore) Save(cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp.LastUpdate = s.now().UTC()
	sum, err := computeChecksum(cp)
	if err != nil {
		return fmt.Errorf("computing checksum: %w", err)
	}
	cp.Checksum = sum

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling checkpoint: %w", err)
	}

	tmpName, err := writeTemp(s.path, append(data, '\n'))
	if err != nil {
		return err
	}
	cleanup := func() { os.Remove(tmpName) }

	// Keep the last good document as the secondary copy.
	if _, err := os.Stat(s.path); err == nil {
		if _, verr := readCheckpoint(s.path); verr == nil {
			if err := os.Rename(s.path, s.BackupPath()); err != nil {
				cleanup()
				return fmt.Errorf("rotating checkpoint: %w", err)
			}
		}
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		cleanup()
		return fmt.Errorf("committing checkpoint: %w", err)
	}
	syncDir(filepath.Dir(s.path))
	s.recovered = false
	return nil
}

// Load reads the primary checkpoint, falling back to the secondary copy.
func (s *FileStore) Load() (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recovered = false

	cp, primaryErr := readCheckpoint(s.path)
	if primaryErr == nil {
		return cp, nil
	}

	cp, backupErr := readCheckpoint(s.BackupPath())
	if backupErr == nil {
		s.recovered = true
		logging.WithFields(logging.Fields{
			"path":  s.path,
			"cause": primaryErr,
		}).Warn("Primary checkpoint unusable, recovered from %s", s.BackupPath())
		return cp, nil
	}

	primaryMissing := errors.Is(primaryErr, os.ErrNotExist)
	backupMissing := errors.Is(backupErr, os.ErrNotExist)
	switch {
	case primaryMissing && backupMissing:
		return nil, ErrNotFound
	case primaryMissing:
		return nil, &migerr.CorruptionError{Path: s.BackupPath(), Err: backupErr}
	default:
		return nil, &migerr.CorruptionError{Path: s.path, Err: primaryErr}
	}
}

// Clear removes the primary, the secondary and any stray temp files.
func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, p := range []string{s.path, s.BackupPath()} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	matches, _ := filepath.Glob(s.path + ".tmp-*")
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	s.recovered = false
	return errors.Join(errs...)
}

func readCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, fmt.Errorf("empty file")
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parsing: %w", err)
	}
	if cp.Checksum == "" {
		return nil, fmt.Errorf("missing checksum")
	}
	want, err := computeChecksum(&cp)
	if err != nil {
		return nil, err
	}
	if want != cp.Checksum {
		return nil, fmt.Errorf("checksum mismatch")
	}
	if err := cp.Validate(); err != nil {
		return nil, err
	}
	return &cp, nil
}

// WriteFileAtomic replaces path with data so that readers see either the old
// or the new content, never a partial file.
func WriteFileAtomic(path string, data []byte) error {
	tmpName, err := writeTemp(path, data)
	if err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming %s: %w", tmpName, err)
	}
	syncDir(filepath.Dir(path))
	return nil
}

// writeTemp writes data to a synced temp file next to path.
func writeTemp(path string, data []byte) (string, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return "", fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(name)
		return "", fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return "", fmt.Errorf("closing temp file: %w", err)
	}
	return name, nil
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	d.Sync()
	d.Close()
}

// MemoryStore keeps the checkpoint in memory. Used by dry runs and tests.
type MemoryStore struct {
	mu    sync.Mutex
	cp    *Checkpoint
	saves int
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Save(cp *Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp.LastUpdate = time.Now().UTC()
	m.cp = cp.Clone()
	m.saves++
	return nil
}

func (m *MemoryStore) Load() (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cp == nil {
		return nil, ErrNotFound
	}
	return m.cp.Clone(), nil
}

func (m *MemoryStore) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cp = nil
	return nil
}

// Saves returns how many times Save was called.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
