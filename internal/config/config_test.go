package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/johndauphine/crm-migrate/internal/migerr"
)

const baseYAML = `
backend:
  type: memory
migration:
  data_dir: /var/lib/crm-migrate
  phases:
    - name: backup
      kind: backup
      tables:
        - {name: deals, key: [id]}
        - {name: contacts, key: [id]}
    - name: copy_opportunities
      kind: copy
      source: deals
      target: opportunities
      key: [id]
      mapping:
        id: id
        name: name
        customer_organization_id: company_id
      defaults:
        status: active
    - name: contact_organizations
      kind: copy
      source: contacts
      source_key: [id]
      target: contact_organizations
      target_key: [contact_id, organization_id]
      batch_size: 50
      strict: true
    - name: drop_deals_view
      kind: statements
      statements:
        - DROP VIEW IF EXISTS deals_summary
`

func mustLoad(t *testing.T, data string) *Config {
	t.Helper()
	cfg, err := LoadWithOptions(writeConfig(t, data), LoadOptions{SuppressWarnings: true, SkipEnv: true})
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	return cfg
}

func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg := mustLoad(t, baseYAML)

	if cfg.Migration.BatchSize != 1000 {
		t.Errorf("batch size: got %d, want 1000", cfg.Migration.BatchSize)
	}
	if cfg.Migration.MaxRetries != 3 {
		t.Errorf("max retries: got %d, want 3", cfg.Migration.MaxRetries)
	}
	if cfg.Migration.RollbackWindow != 48*time.Hour {
		t.Errorf("rollback window: got %s, want 48h", cfg.Migration.RollbackWindow)
	}
	if want := "/var/lib/crm-migrate/migration-checkpoint.json"; cfg.Migration.CheckpointFile != want {
		t.Errorf("checkpoint file: got %q, want %q", cfg.Migration.CheckpointFile, want)
	}
	if want := "/var/lib/crm-migrate/backups"; cfg.Migration.BackupDir != want {
		t.Errorf("backup dir: got %q, want %q", cfg.Migration.BackupDir, want)
	}
	if want := "/var/lib/crm-migrate/rollback-checkpoint.json"; cfg.Rollback.CheckpointFile != want {
		t.Errorf("rollback checkpoint: got %q, want %q", cfg.Rollback.CheckpointFile, want)
	}
	if cfg.Rollback.ResetStatement != "TRUNCATE TABLE {table}" {
		t.Errorf("reset statement for memory backend: got %q", cfg.Rollback.ResetStatement)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("logging defaults: got %q/%q", cfg.Logging.Level, cfg.Logging.Format)
	}
}

func TestPhaseKeysAndBatchSize(t *testing.T) {
	cfg := mustLoad(t, baseYAML)

	names := cfg.PhaseNames()
	want := []string{"backup", "copy_opportunities", "contact_organizations", "drop_deals_view"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("phase names: got %v, want %v", names, want)
	}

	opp := cfg.Migration.Phases[1]
	if strings.Join(opp.SourceKey, ",") != "id" || strings.Join(opp.TargetKey, ",") != "id" {
		t.Errorf("key should fill source and target keys, got %v / %v", opp.SourceKey, opp.TargetKey)
	}
	if got := cfg.BatchSizeFor(opp); got != 1000 {
		t.Errorf("inherited batch size: got %d", got)
	}

	co := cfg.Migration.Phases[2]
	if strings.Join(co.TargetKey, ",") != "contact_id,organization_id" {
		t.Errorf("target key: got %v", co.TargetKey)
	}
	if got := cfg.BatchSizeFor(co); got != 50 {
		t.Errorf("phase batch size: got %d", got)
	}

	tables := cfg.BackupTables()
	if len(tables) != 2 || tables[0].Name != "deals" || tables[1].Name != "contacts" {
		t.Errorf("backup tables: got %+v", tables)
	}
	if len(cfg.Rollback.Tables) != 2 {
		t.Errorf("rollback tables should default to backup tables, got %+v", cfg.Rollback.Tables)
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		field   string
		wantErr string
	}{
		{
			name:    "negative batch size",
			yaml:    strings.Replace(baseYAML, "data_dir: /var/lib/crm-migrate", "data_dir: /tmp\n  batch_size: -5", 1),
			field:   "migration.batch_size",
			wantErr: "must be positive",
		},
		{
			name:    "unknown backend",
			yaml:    strings.Replace(baseYAML, "type: memory", "type: oracle", 1),
			field:   "backend.type",
			wantErr: "unknown backend",
		},
		{
			name:    "postgres without host",
			yaml:    strings.Replace(baseYAML, "type: memory", "type: postgres", 1),
			field:   "backend",
			wantErr: "host and database are required",
		},
		{
			name:    "sqlite without path",
			yaml:    strings.Replace(baseYAML, "type: memory", "type: sqlite", 1),
			field:   "backend.path",
			wantErr: "path is required",
		},
		{
			name:    "no phases",
			yaml:    "backend:\n  type: memory\n",
			field:   "migration.phases",
			wantErr: "at least one phase",
		},
		{
			name:    "duplicate phase",
			yaml:    strings.Replace(baseYAML, "name: drop_deals_view", "name: backup", 1),
			field:   "migration.phases[3].name",
			wantErr: "duplicate phase",
		},
		{
			name:    "bad kind",
			yaml:    strings.Replace(baseYAML, "kind: statements", "kind: shell", 1),
			field:   "migration.phases[3].kind",
			wantErr: "must be backup, copy or statements",
		},
		{
			name:    "copy without key",
			yaml:    strings.Replace(baseYAML, "      key: [id]\n", "", 1),
			field:   "migration.phases[1].key",
			wantErr: "needs a key",
		},
		{
			name:    "bad log format",
			yaml:    baseYAML + "logging:\n  format: xml\n",
			field:   "logging.format",
			wantErr: "must be 'text' or 'json'",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadWithOptions(writeConfig(t, tt.yaml), LoadOptions{SuppressWarnings: true, SkipEnv: true})
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			var ve *migerr.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %T: %v", err, err)
			}
			if ve.Field != tt.field {
				t.Errorf("field: got %q, want %q", ve.Field, tt.field)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q should contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestExplicitZeroRetries(t *testing.T) {
	data := strings.Replace(baseYAML, "  data_dir: /var/lib/crm-migrate\n",
		"  data_dir: /var/lib/crm-migrate\n  max_retries: 0\n", 1)
	cfg := mustLoad(t, data)
	if cfg.Migration.MaxRetries != 0 {
		t.Errorf("max retries: got %d, want 0 (retries disabled)", cfg.Migration.MaxRetries)
	}
}

func TestOverrideBatchSize(t *testing.T) {
	cfg := mustLoad(t, baseYAML)
	before := cfg.Hash()

	if err := cfg.OverrideBatchSize(0); err == nil {
		t.Error("expected error for zero batch size")
	}
	if err := cfg.OverrideBatchSize(200); err != nil {
		t.Fatalf("override: %v", err)
	}
	for _, p := range cfg.Migration.Phases {
		if got := cfg.BatchSizeFor(p); got != 200 {
			t.Errorf("phase %s batch size: got %d, want 200", p.Name, got)
		}
	}
	if cfg.Hash() == before {
		t.Error("changing batch sizes must change the config hash")
	}
}

func TestHashStable(t *testing.T) {
	a := mustLoad(t, baseYAML)
	b := mustLoad(t, baseYAML)
	if a.Hash() != b.Hash() {
		t.Errorf("same config hashed differently: %s vs %s", a.Hash(), b.Hash())
	}

	// Settings that do not shape batches leave the hash alone.
	c := mustLoad(t, baseYAML+"logging:\n  level: debug\n")
	if a.Hash() != c.Hash() {
		t.Error("log level should not affect the config hash")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CRM_MIGRATE_MIGRATION_BATCH_SIZE", "250")
	t.Setenv("CRM_MIGRATE_MIGRATION_ROLLBACK_WINDOW", "24h")
	t.Setenv("CRM_MIGRATE_SLACK_WEBHOOK_URL", "https://hooks.slack.test/abc")

	cfg, err := LoadWithOptions(writeConfig(t, baseYAML), LoadOptions{SuppressWarnings: true})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Migration.BatchSize != 250 {
		t.Errorf("batch size: got %d, want 250", cfg.Migration.BatchSize)
	}
	if cfg.Migration.RollbackWindow != 24*time.Hour {
		t.Errorf("rollback window: got %s", cfg.Migration.RollbackWindow)
	}
	if cfg.Slack.WebhookURL != "https://hooks.slack.test/abc" {
		t.Errorf("webhook: got %q", cfg.Slack.WebhookURL)
	}
	if len(cfg.Migration.Phases) != 4 {
		t.Errorf("phases must survive env processing, got %d", len(cfg.Migration.Phases))
	}
}

func TestPostgresDSNURLEncoding(t *testing.T) {
	tests := []struct {
		name     string
		user     string
		password string
		want     string
	}{
		{"plain credentials", "postgres", "secret", "postgres://postgres:secret@db:5432/crm?sslmode=require"},
		{"password with @", "postgres", "pass@word", "postgres://postgres:pass%40word@db:5432/crm?sslmode=require"},
		{"password with slash", "postgres", "pass/word", "postgres://postgres:pass%2Fword@db:5432/crm?sslmode=require"},
		{"user with @", "user@domain", "secret", "postgres://user%40domain:secret@db:5432/crm?sslmode=require"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Backend: BackendConfig{
				Type: "postgres", Host: "db", Port: 5432, Database: "crm",
				User: tt.user, Password: tt.password, SSLMode: "require",
			}}
			if got := cfg.DSN(); got != tt.want {
				t.Errorf("DSN: got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExplicitDSNWins(t *testing.T) {
	cfg := &Config{Backend: BackendConfig{DSN: "postgres://x@y/z", Host: "ignored"}}
	if got := cfg.DSN(); got != "postgres://x@y/z" {
		t.Errorf("DSN: got %q", got)
	}
}

func TestSanitized(t *testing.T) {
	cfg := mustLoad(t, baseYAML)
	cfg.Backend.Password = "hunter2"
	cfg.Backend.DSN = "postgres://u:hunter2@db/crm"
	cfg.Slack.WebhookURL = "https://hooks.slack.com/services/T/B/X"

	s := cfg.Sanitized()
	for name, v := range map[string]string{
		"password": s.Backend.Password,
		"dsn":      s.Backend.DSN,
		"webhook":  s.Slack.WebhookURL,
	} {
		if v != "[REDACTED]" {
			t.Errorf("%s not redacted: %q", name, v)
		}
	}
	if cfg.Backend.Password != "hunter2" {
		t.Error("Sanitized must not modify the original")
	}
}

func TestExpandTemplateValue(t *testing.T) {
	// Create a temp file with a secret
	tmpDir := t.TempDir()
	secretFile := filepath.Join(tmpDir, "secret.txt")
	if err := os.WriteFile(secretFile, []byte("  my-secret-password  \n"), 0600); err != nil {
		t.Fatalf("failed to create secret file: %v", err)
	}

	t.Setenv("TEST_SECRET_VAR", "env-secret-value")

	tests := []struct {
		name      string
		input     string
		expected  string
		expectErr bool
	}{
		{name: "cleartext password", input: "my-plain-password", expected: "my-plain-password"},
		{name: "empty string", input: "", expected: ""},
		{name: "file template", input: "${file:" + secretFile + "}", expected: "my-secret-password"},
		{name: "env template", input: "${env:TEST_SECRET_VAR}", expected: "env-secret-value"},
		{name: "env template missing var", input: "${env:NONEXISTENT_VAR_12345}", expected: ""},
		{name: "file template missing file", input: "${file:/nonexistent/path/to/secret}", expectErr: true},
		{name: "dollar sign without braces", input: "$file:/path", expected: "$file:/path"},
		{name: "empty file path", input: "${file:}", expected: "${file:}"},
		{name: "plain env var syntax expands", input: "${TEST_SECRET_VAR}", expected: "env-secret-value"},
		{name: "embedded in dsn", input: "postgres://crm:${env:TEST_SECRET_VAR}@db/crm", expected: "postgres://crm:env-secret-value@db/crm"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := expandTemplateValue(tt.input)

			if tt.expectErr {
				if err == nil {
					t.Errorf("expected error, got nil")
				}
				return
			}

			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}

			if result != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, result)
			}
		})
	}
}

func TestLoadWithSecretTemplates(t *testing.T) {
	tmpDir := t.TempDir()
	pwdFile := filepath.Join(tmpDir, "pg_password")
	if err := os.WriteFile(pwdFile, []byte("p@ss#w0rd: \"quoted\"\n"), 0600); err != nil {
		t.Fatalf("failed to create password file: %v", err)
	}

	data := strings.Replace(baseYAML, "type: memory", "type: postgres\n  host: db\n  database: crm\n  user: crm\n  password: ${file:"+pwdFile+"}", 1)
	cfg := mustLoad(t, data)
	if want := `p@ss#w0rd: "quoted"`; cfg.Backend.Password != want {
		t.Errorf("password: got %q, want %q", cfg.Backend.Password, want)
	}

	missing := strings.Replace(baseYAML, "type: memory", "type: postgres\n  host: db\n  database: crm\n  password: ${file:/nonexistent/secret}", 1)
	if _, err := LoadWithOptions(writeConfig(t, missing), LoadOptions{SuppressWarnings: true, SkipEnv: true}); err == nil {
		t.Error("expected error for missing secret file")
	}
}

func TestExpandTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("cannot get home directory")
	}
	if got, want := expandTilde("~/some/path"), filepath.Join(home, "some/path"); got != want {
		t.Errorf("expandTilde: expected %q, got %q", want, got)
	}
	if got := expandTilde("/abs/path"); got != "/abs/path" {
		t.Errorf("absolute path changed: %q", got)
	}
}

func TestInvalidEnvVarNames(t *testing.T) {
	// Invalid names are left as literals.
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"env var starting with number", "${env:1INVALID}", "${env:1INVALID}"},
		{"env var with hyphen", "${env:INVALID-VAR}", "${env:INVALID-VAR}"},
		{"plain var starting with number", "${1INVALID}", "${1INVALID}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := expandTemplateValue(tt.input)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, result)
			}
		})
	}
}
