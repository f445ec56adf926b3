package tui

import (
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johndauphine/crm-migrate/internal/orchestrator"
)

func sampleStatus() *orchestrator.StatusResult {
	return &orchestrator.StatusResult{
		RunID:           "1a2b3c4d",
		Kind:            "migration",
		Status:          "in_progress",
		Phase:           "copy_opportunities",
		Batch:           2,
		PhasesTotal:     2,
		PhasesComplete:  1,
		RecordsApplied:  1200,
		ProgressPercent: 83.3,
		Phases: []orchestrator.PhaseStatus{
			{Name: "backup", Status: "completed", CompletedBatches: 4, TotalBatches: 4, Progress: 100},
			{Name: "copy_opportunities", Status: "in_progress", CompletedBatches: 2, TotalBatches: 3, Progress: 66.7},
		},
	}
}

func TestInitLoadsStatus(t *testing.T) {
	calls := 0
	m := New(func() (*orchestrator.StatusResult, error) {
		calls++
		return sampleStatus(), nil
	}, time.Second)

	msg := m.Init()()
	require.Equal(t, 1, calls)
	sm, ok := msg.(statusMsg)
	require.True(t, ok)
	assert.Equal(t, "1a2b3c4d", sm.status.RunID)

	next, cmd := m.Update(sm)
	assert.NotNil(t, cmd, "polling continues")
	view := next.View()
	assert.Contains(t, view, "1a2b3c4d")
	assert.Contains(t, view, "copy_opportunities")
	assert.Contains(t, view, "1/2 phases")
}

func TestKeepsLastStatusOnError(t *testing.T) {
	m := New(func() (*orchestrator.StatusResult, error) { return nil, nil }, time.Second)
	next, _ := m.Update(statusMsg{status: sampleStatus(), at: time.Now()})
	next, _ = next.Update(statusMsg{err: errors.New("checkpoint is being written"), at: time.Now()})

	view := next.View()
	assert.Contains(t, view, "1a2b3c4d")
	assert.Contains(t, view, "refresh failed")
}

func TestNoCheckpoint(t *testing.T) {
	m := New(func() (*orchestrator.StatusResult, error) { return nil, nil }, 0)
	next, _ := m.Update(statusMsg{err: errors.New("no checkpoint found")})
	assert.Contains(t, next.View(), "No checkpoint")
}

func TestQuitKeys(t *testing.T) {
	m := New(func() (*orchestrator.StatusResult, error) { return nil, nil }, time.Second)
	for _, key := range []tea.KeyMsg{
		{Type: tea.KeyRunes, Runes: []rune("q")},
		{Type: tea.KeyCtrlC},
		{Type: tea.KeyEsc},
	} {
		_, cmd := m.Update(key)
		require.NotNil(t, cmd, key.String())
		assert.IsType(t, tea.QuitMsg{}, cmd(), key.String())
	}
}
