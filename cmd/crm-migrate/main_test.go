package main

import (
	"bytes"
	"errors"
	"flag"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/urfave/cli/v2"

	"github.com/johndauphine/crm-migrate/internal/backup"
	"github.com/johndauphine/crm-migrate/internal/exitcodes"
	"github.com/johndauphine/crm-migrate/internal/orchestrator"
)

func TestConfirmRollback(t *testing.T) {
	m := &backup.Manifest{
		ID:        "1772366400",
		CreatedAt: time.Now().Add(-3 * time.Hour),
		Tables: []backup.TableBackup{
			{OriginalTable: "deals", BackupTable: "deals_backup_1772366400", RecordCount: 300},
		},
	}

	tests := []struct {
		input string
		want  bool
	}{
		{"EMERGENCY_ROLLBACK\n", true},
		{"  EMERGENCY_ROLLBACK  \n", true},
		{"EMERGENCY_ROLLBACK", true},
		{"yes\n", false},
		{"emergency_rollback\n", false},
		{"", false},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		got := confirmRollback(strings.NewReader(tt.input), &out, m, 48*time.Hour)
		assert.Equal(t, tt.want, got, "input %q", tt.input)
		assert.Contains(t, out.String(), "deals_backup_1772366400")
		assert.Contains(t, out.String(), confirmPhrase)
	}
}

func TestFinishRunExitCodes(t *testing.T) {
	c := cli.NewContext(cli.NewApp(), flag.NewFlagSet("test", flag.ContinueOnError), nil)

	err := finishRun(c, &orchestrator.MigrationResult{Status: orchestrator.OutcomeCompleted}, nil)
	assert.NoError(t, err)

	err = finishRun(c, &orchestrator.MigrationResult{
		RunID: "r1", Status: orchestrator.OutcomePartial, PhasesTotal: 3, PhasesCompleted: 1,
	}, nil)
	assert.Equal(t, exitcodes.Partial, exitcodes.FromError(err))
	assert.Contains(t, err.Error(), "1/3 phases")

	boom := errors.New("boom")
	err = finishRun(c, &orchestrator.MigrationResult{Status: orchestrator.OutcomeFailed}, boom)
	assert.ErrorIs(t, err, boom)
}
