package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/johndauphine/crm-migrate/internal/backend"
	"github.com/johndauphine/crm-migrate/internal/logging"
	"github.com/johndauphine/crm-migrate/internal/migerr"
)

// EnvPrefix prefixes environment overrides, e.g. CRM_MIGRATE_BACKEND_PASSWORD.
const EnvPrefix = "crm_migrate"

// Phase kinds.
const (
	KindBackup     = "backup"
	KindCopy       = "copy"
	KindStatements = "statements"
)

// expandTilde expands ~ or ~/ at the start of a path to the user's home directory
func expandTilde(path string) string {
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// Config holds all configuration for the migration tool
type Config struct {
	Backend   BackendConfig   `yaml:"backend"`
	Migration MigrationConfig `yaml:"migration"`
	Rollback  RollbackConfig  `yaml:"rollback"`
	Slack     SlackConfig     `yaml:"slack"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// SlackConfig holds Slack notification settings
type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url" split_words:"true"`
	Channel    string `yaml:"channel"`
	Username   string `yaml:"username"`
	Enabled    bool   `yaml:"enabled"`
}

// BackendConfig selects the data store holding the CRM tables.
type BackendConfig struct {
	Type     string `yaml:"type"` // postgres (default), sqlite, memory
	DSN      string `yaml:"dsn"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode" split_words:"true"`
	Path     string `yaml:"path"` // sqlite database file
	MaxConns int    `yaml:"max_conns" split_words:"true"`
}

// MigrationConfig holds run behavior and the ordered phase list.
type MigrationConfig struct {
	DataDir              string        `yaml:"data_dir" split_words:"true"`
	CheckpointFile       string        `yaml:"checkpoint_file" split_words:"true"`
	BackupDir            string        `yaml:"backup_dir" split_words:"true"`
	BatchSize            int           `yaml:"batch_size" split_words:"true"`
	MaxRetries           int           `yaml:"max_retries" split_words:"true"`
	RetryBackoff         time.Duration `yaml:"retry_backoff" split_words:"true"`
	LockTTL              time.Duration `yaml:"lock_ttl" split_words:"true"`
	RollbackWindow       time.Duration `yaml:"rollback_window" split_words:"true"`
	SampleSize           int           `yaml:"sample_size" split_words:"true"`
	HistoryRetentionDays int           `yaml:"history_retention_days" split_words:"true"`
	Phases               []PhaseConfig `yaml:"phases" ignored:"true"`
}

// PhaseConfig describes one phase. Which fields apply depends on Kind.
type PhaseConfig struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`

	// backup
	Tables []TableConfig `yaml:"tables,omitempty"`

	// copy
	Source    string            `yaml:"source,omitempty"`
	Target    string            `yaml:"target,omitempty"`
	Key       []string          `yaml:"key,omitempty"`
	SourceKey []string          `yaml:"source_key,omitempty"`
	TargetKey []string          `yaml:"target_key,omitempty"`
	Mapping   map[string]string `yaml:"mapping,omitempty"`
	Defaults  map[string]any    `yaml:"defaults,omitempty"`
	BatchSize int               `yaml:"batch_size,omitempty"`
	Strict    bool              `yaml:"strict,omitempty"`

	// statements
	Statements   []string `yaml:"statements,omitempty"`
	ExpectTables []string `yaml:"expect_tables,omitempty"`
}

// TableConfig is a table and the columns identifying its rows.
type TableConfig struct {
	Name string   `yaml:"name"`
	Key  []string `yaml:"key"`
}

// RollbackConfig drives the emergency rollback phases.
type RollbackConfig struct {
	// Tables to restore, in restore order. Defaults to the tables of the backup phases.
	Tables              []TableConfig `yaml:"tables" ignored:"true"`
	StructureStatements []string      `yaml:"structure_statements" ignored:"true"`
	PolicyStatements    []string      `yaml:"policy_statements" ignored:"true"`
	ExpectTables        []string      `yaml:"expect_tables" ignored:"true"`
	// ResetStatement empties a table before it is restored; {table} is replaced
	// by the quoted table name.
	ResetStatement string `yaml:"reset_statement" split_words:"true"`
	KeepBackup     bool   `yaml:"keep_backup" split_words:"true"`
	CheckpointFile string `yaml:"checkpoint_file" split_words:"true"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
	File   string `yaml:"file"`   // optional JSON-lines log file
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LoadOptions controls configuration loading behavior.
type LoadOptions struct {
	SuppressWarnings bool
	// SkipEnv disables CRM_MIGRATE_* overrides.
	SkipEnv bool
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	return LoadWithOptions(path, LoadOptions{})
}

// LoadWithOptions reads configuration from a YAML file with options.
func LoadWithOptions(path string, opts LoadOptions) (*Config, error) {
	// Check file permissions before reading (warns if insecure)
	if warning := checkFilePermissions(path); warning != "" && !opts.SuppressWarnings {
		fmt.Fprint(os.Stderr, warning)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return loadBytes(data, opts)
}

// LoadBytes reads configuration from YAML bytes.
func LoadBytes(data []byte) (*Config, error) {
	return loadBytes(data, LoadOptions{})
}

// DefaultMaxRetries applies when migration.max_retries is not set. An
// explicit 0 disables retries.
const DefaultMaxRetries = 3

func loadBytes(data []byte, opts LoadOptions) (*Config, error) {
	cfg := Config{Migration: MigrationConfig{MaxRetries: DefaultMaxRetries}}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.expandSecrets(); err != nil {
		return nil, fmt.Errorf("expanding secrets: %w", err)
	}

	if !opts.SkipEnv {
		if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
			return nil, fmt.Errorf("reading environment: %w", err)
		}
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

var (
	templatePattern = regexp.MustCompile(`\$\{(?:(env|file):)?([^}]*)\}`)
	envNamePattern  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// expandTemplateValue resolves ${file:path}, ${env:VAR} and ${VAR} references.
// File contents are trimmed. Malformed references are left as written.
func expandTemplateValue(s string) (string, error) {
	if !strings.Contains(s, "${") {
		return s, nil
	}
	var firstErr error
	out := templatePattern.ReplaceAllStringFunc(s, func(m string) string {
		parts := templatePattern.FindStringSubmatch(m)
		kind, arg := parts[1], parts[2]
		switch kind {
		case "file":
			if arg == "" {
				return m
			}
			data, err := os.ReadFile(expandTilde(arg))
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("reading secret file %s: %w", arg, err)
				}
				return ""
			}
			return strings.TrimSpace(string(data))
		default:
			if !envNamePattern.MatchString(arg) {
				return m
			}
			return os.Getenv(arg)
		}
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

func (c *Config) expandSecrets() error {
	fields := []*string{
		&c.Backend.DSN, &c.Backend.Host, &c.Backend.Database, &c.Backend.User,
		&c.Backend.Password, &c.Backend.Path,
		&c.Migration.DataDir, &c.Migration.CheckpointFile, &c.Migration.BackupDir,
		&c.Rollback.CheckpointFile,
		&c.Slack.WebhookURL, &c.Logging.File, &c.Metrics.Addr,
	}
	for _, f := range fields {
		v, err := expandTemplateValue(*f)
		if err != nil {
			return err
		}
		*f = v
	}
	return nil
}

// DefaultDataDir returns the default data directory for checkpoints and history.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".crm-migrate")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	return dir, nil
}

func (c *Config) applyDefaults() {
	if c.Backend.Type == "" {
		c.Backend.Type = "postgres"
	}
	c.Backend.Type = strings.ToLower(c.Backend.Type)
	if c.Backend.Port == 0 {
		c.Backend.Port = 5432
	}
	if c.Backend.SSLMode == "" {
		c.Backend.SSLMode = "require" // Secure default for PostgreSQL
	}
	if c.Backend.MaxConns == 0 {
		c.Backend.MaxConns = 4
	}
	c.Backend.Path = expandTilde(c.Backend.Path)

	if c.Migration.DataDir == "" {
		home, _ := os.UserHomeDir()
		c.Migration.DataDir = filepath.Join(home, ".crm-migrate")
	} else {
		c.Migration.DataDir = expandTilde(c.Migration.DataDir)
	}
	if c.Migration.CheckpointFile == "" {
		c.Migration.CheckpointFile = filepath.Join(c.Migration.DataDir, "migration-checkpoint.json")
	} else {
		c.Migration.CheckpointFile = expandTilde(c.Migration.CheckpointFile)
	}
	if c.Migration.BackupDir == "" {
		c.Migration.BackupDir = filepath.Join(c.Migration.DataDir, "backups")
	} else {
		c.Migration.BackupDir = expandTilde(c.Migration.BackupDir)
	}
	if c.Migration.BatchSize == 0 {
		c.Migration.BatchSize = 1000
	}
	if c.Migration.RetryBackoff == 0 {
		c.Migration.RetryBackoff = time.Second
	}
	if c.Migration.LockTTL == 0 {
		c.Migration.LockTTL = 5 * time.Minute
	}
	if c.Migration.RollbackWindow == 0 {
		c.Migration.RollbackWindow = 48 * time.Hour
	}
	if c.Migration.SampleSize == 0 {
		c.Migration.SampleSize = 10
	}
	if c.Migration.HistoryRetentionDays == 0 {
		c.Migration.HistoryRetentionDays = 30
	}

	for i := range c.Migration.Phases {
		p := &c.Migration.Phases[i]
		p.Kind = strings.ToLower(p.Kind)
		if len(p.SourceKey) == 0 {
			p.SourceKey = p.Key
		}
		if len(p.TargetKey) == 0 {
			if len(p.Key) > 0 {
				p.TargetKey = p.Key
			} else {
				p.TargetKey = p.SourceKey
			}
		}
	}

	if c.Rollback.CheckpointFile == "" {
		c.Rollback.CheckpointFile = filepath.Join(c.Migration.DataDir, "rollback-checkpoint.json")
	} else {
		c.Rollback.CheckpointFile = expandTilde(c.Rollback.CheckpointFile)
	}
	if c.Rollback.ResetStatement == "" {
		switch c.Backend.Type {
		case "sqlite", "sqlite3":
			c.Rollback.ResetStatement = "DELETE FROM {table}"
		case "memory", "mem":
			c.Rollback.ResetStatement = "TRUNCATE TABLE {table}"
		default:
			c.Rollback.ResetStatement = "TRUNCATE TABLE {table} RESTART IDENTITY CASCADE"
		}
	}
	if len(c.Rollback.Tables) == 0 {
		c.Rollback.Tables = c.BackupTables()
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	c.Logging.File = expandTilde(c.Logging.File)
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9464"
	}
}

// Validate checks the config after defaults have been applied.
func (c *Config) Validate() error {
	if !backend.IsRegistered(c.Backend.Type) {
		return migerr.Validationf("backend.type", "unknown backend %q (available: %v)", c.Backend.Type, backend.Available())
	}
	switch c.Backend.Type {
	case "postgres", "postgresql", "pg", "supabase":
		if c.Backend.DSN == "" && (c.Backend.Host == "" || c.Backend.Database == "") {
			return migerr.Validationf("backend", "dsn or host and database are required for %s", c.Backend.Type)
		}
	case "sqlite", "sqlite3":
		if c.Backend.Path == "" {
			return migerr.Validationf("backend.path", "path is required for sqlite")
		}
	}
	if c.Backend.MaxConns < 1 {
		return migerr.Validationf("backend.max_conns", "must be at least 1, got %d", c.Backend.MaxConns)
	}

	m := c.Migration
	if m.BatchSize <= 0 {
		return migerr.Validationf("migration.batch_size", "must be positive, got %d", m.BatchSize)
	}
	if m.MaxRetries < 0 {
		return migerr.Validationf("migration.max_retries", "must not be negative, got %d", m.MaxRetries)
	}
	if m.RetryBackoff < 0 {
		return migerr.Validationf("migration.retry_backoff", "must not be negative, got %s", m.RetryBackoff)
	}
	if m.LockTTL <= 0 {
		return migerr.Validationf("migration.lock_ttl", "must be positive, got %s", m.LockTTL)
	}
	if m.RollbackWindow <= 0 {
		return migerr.Validationf("migration.rollback_window", "must be positive, got %s", m.RollbackWindow)
	}
	if m.SampleSize < 0 {
		return migerr.Validationf("migration.sample_size", "must not be negative, got %d", m.SampleSize)
	}
	if len(m.Phases) == 0 {
		return migerr.Validationf("migration.phases", "at least one phase is required")
	}

	seen := make(map[string]bool, len(m.Phases))
	for i, p := range m.Phases {
		field := fmt.Sprintf("migration.phases[%d]", i)
		if p.Name == "" {
			return migerr.Validationf(field+".name", "is required")
		}
		if seen[p.Name] {
			return migerr.Validationf(field+".name", "duplicate phase %q", p.Name)
		}
		seen[p.Name] = true
		if p.BatchSize < 0 {
			return migerr.Validationf(field+".batch_size", "must be positive, got %d", p.BatchSize)
		}
		switch p.Kind {
		case KindBackup:
			if len(p.Tables) == 0 {
				return migerr.Validationf(field+".tables", "backup phase %q lists no tables", p.Name)
			}
			for _, t := range p.Tables {
				if t.Name == "" || len(t.Key) == 0 {
					return migerr.Validationf(field+".tables", "backup table needs a name and key in phase %q", p.Name)
				}
			}
		case KindCopy:
			if p.Source == "" || p.Target == "" {
				return migerr.Validationf(field, "copy phase %q needs source and target", p.Name)
			}
			if len(p.SourceKey) == 0 || len(p.TargetKey) == 0 {
				return migerr.Validationf(field+".key", "copy phase %q needs a key", p.Name)
			}
		case KindStatements:
			if len(p.Statements) == 0 {
				return migerr.Validationf(field+".statements", "statements phase %q is empty", p.Name)
			}
		default:
			return migerr.Validationf(field+".kind", "must be backup, copy or statements, got %q", p.Kind)
		}
	}

	if !strings.Contains(c.Rollback.ResetStatement, "{table}") {
		return migerr.Validationf("rollback.reset_statement", "must contain {table}")
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return migerr.Validationf("logging.level", "%v", err)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return migerr.Validationf("logging.format", "must be 'text' or 'json', got %q", c.Logging.Format)
	}
	return nil
}

// PhaseNames returns the configured phase names in execution order.
func (c *Config) PhaseNames() []string {
	names := make([]string, len(c.Migration.Phases))
	for i, p := range c.Migration.Phases {
		names[i] = p.Name
	}
	return names
}

// BatchSizeFor returns the effective batch size of a phase.
func (c *Config) BatchSizeFor(p PhaseConfig) int {
	if p.BatchSize > 0 {
		return p.BatchSize
	}
	return c.Migration.BatchSize
}

// OverrideBatchSize applies a command-line batch size to every phase.
func (c *Config) OverrideBatchSize(n int) error {
	if n <= 0 {
		return migerr.Validationf("batch-size", "must be positive, got %d", n)
	}
	c.Migration.BatchSize = n
	for i := range c.Migration.Phases {
		c.Migration.Phases[i].BatchSize = n
	}
	return nil
}

// BackupTables returns the tables of all backup phases, in order, without duplicates.
func (c *Config) BackupTables() []TableConfig {
	var out []TableConfig
	seen := make(map[string]bool)
	for _, p := range c.Migration.Phases {
		if p.Kind != KindBackup {
			continue
		}
		for _, t := range p.Tables {
			if seen[t.Name] {
				continue
			}
			seen[t.Name] = true
			out = append(out, t)
		}
	}
	return out
}

// DSN returns the postgres connection URL.
func (c *Config) DSN() string {
	if c.Backend.DSN != "" {
		return c.Backend.DSN
	}
	u := url.URL{
		Scheme:   "postgres",
		Host:     fmt.Sprintf("%s:%d", c.Backend.Host, c.Backend.Port),
		Path:     "/" + c.Backend.Database,
		RawQuery: "sslmode=" + url.QueryEscape(c.Backend.SSLMode),
	}
	if c.Backend.User != "" {
		u.User = url.UserPassword(c.Backend.User, c.Backend.Password)
	}
	return u.String()
}

// BackendOptions returns the options used to open the backend store.
func (c *Config) BackendOptions() backend.Options {
	return backend.Options{
		Type:     c.Backend.Type,
		DSN:      c.DSN(),
		Path:     c.Backend.Path,
		MaxConns: c.Backend.MaxConns,
	}
}

// Hash fingerprints the settings that shape a run's batches. A checkpoint
// written under a different hash cannot be resumed safely.
func (c *Config) Hash() string {
	return computeConfigHash(c)
}

func computeConfigHash(c *Config) string {
	shape := struct {
		BatchSize int            `yaml:"batch_size"`
		Phases    []PhaseConfig  `yaml:"phases"`
		Rollback  RollbackConfig `yaml:"rollback"`
	}{c.Migration.BatchSize, c.Migration.Phases, c.Rollback}
	data, err := yaml.Marshal(shape)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

// Sanitized returns a copy of the config with sensitive fields redacted
func (c *Config) Sanitized() *Config {
	sanitized := *c // shallow copy

	if sanitized.Backend.Password != "" {
		sanitized.Backend.Password = "[REDACTED]"
	}
	if sanitized.Backend.DSN != "" {
		sanitized.Backend.DSN = "[REDACTED]"
	}
	if sanitized.Slack.WebhookURL != "" {
		sanitized.Slack.WebhookURL = "[REDACTED]"
	}

	return &sanitized
}
