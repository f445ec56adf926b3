// Package tui renders a live view of a checkpointed run for `status --watch`.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/johndauphine/crm-migrate/internal/orchestrator"
)

// Loader returns the current run status.
type Loader func() (*orchestrator.StatusResult, error)

type statusMsg struct {
	status *orchestrator.StatusResult
	err    error
	at     time.Time
}

type tickMsg time.Time

// Model polls the checkpoint and shows phase progress.
type Model struct {
	load     Loader
	interval time.Duration

	status    *orchestrator.StatusResult
	err       error
	refreshed time.Time

	overall progress.Model
	phase   progress.Model
	width   int
}

// New creates a watch model polling load every interval.
func New(load Loader, interval time.Duration) Model {
	if interval <= 0 {
		interval = time.Second
	}
	return Model{
		load:     load,
		interval: interval,
		overall:  progress.New(progress.WithDefaultGradient(), progress.WithWidth(50)),
		phase:    progress.New(progress.WithSolidFill(string(colorPurple)), progress.WithWidth(20), progress.WithoutPercentage()),
	}
}

// Run shows the watch view until the user quits.
func Run(load Loader, interval time.Duration) error {
	_, err := tea.NewProgram(New(load, interval)).Run()
	return err
}

func (m Model) Init() tea.Cmd {
	return m.refresh()
}

func (m Model) refresh() tea.Cmd {
	load := m.load
	return func() tea.Msg {
		st, err := load()
		return statusMsg{status: st, err: err, at: time.Now()}
	}
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.refresh()
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		w := msg.Width - 20
		if w > 60 {
			w = 60
		}
		if w > 10 {
			m.overall.Width = w
		}
	case tickMsg:
		return m, m.refresh()
	case statusMsg:
		m.refreshed = msg.at
		m.err = msg.err
		if msg.err == nil {
			m.status = msg.status
		}
		return m, m.tick()
	}
	return m, nil
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(styleTitle.Render("crm-migrate status"))
	b.WriteString("\n")

	if m.status == nil {
		if m.err != nil {
			b.WriteString(styleError.Render("No checkpoint: " + m.err.Error()))
		} else {
			b.WriteString(styleLabel.Render("Loading..."))
		}
		b.WriteString("\n\n" + m.help())
		return b.String()
	}

	st := m.status
	header := fmt.Sprintf("%s %s  %s", styleLabel.Render("Run"), st.RunID, badge(st.Status))
	if st.Reason != "" {
		header += " " + styleLabel.Render("("+st.Reason+")")
	}
	lines := []string{
		header,
		fmt.Sprintf("%s %s", styleLabel.Render("Kind"), st.Kind),
		fmt.Sprintf("%s %s batch %d", styleLabel.Render("At  "), st.Phase, st.Batch),
		fmt.Sprintf("%s %s", styleLabel.Render("Last"), st.LastUpdate.Local().Format("15:04:05")),
		"",
		m.overall.ViewAs(st.ProgressPercent / 100),
		fmt.Sprintf("%d/%d phases, %d records applied", st.PhasesComplete, st.PhasesTotal, st.RecordsApplied),
	}
	b.WriteString(styleBox.Render(strings.Join(lines, "\n")))
	b.WriteString("\n\n")

	for _, p := range st.Phases {
		row := lipgloss.JoinHorizontal(lipgloss.Top,
			fmt.Sprintf("%-26s ", p.Name),
			m.phase.ViewAs(p.Progress/100),
			fmt.Sprintf(" %6d/%-6d ", p.CompletedBatches, p.TotalBatches),
			badge(p.Status),
		)
		b.WriteString(row + "\n")
		if p.Error != "" {
			b.WriteString("  " + styleError.Render(truncate(p.Error, 80)) + "\n")
		}
	}

	if m.err != nil {
		b.WriteString("\n" + styleError.Render("refresh failed: "+m.err.Error()) + "\n")
	}
	b.WriteString("\n" + m.help())
	return b.String()
}

func (m Model) help() string {
	s := "q quit • r refresh"
	if !m.refreshed.IsZero() {
		s += " • updated " + m.refreshed.Format("15:04:05")
	}
	return styleHelp.Render(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
