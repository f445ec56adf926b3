package tui

import "github.com/charmbracelet/lipgloss"

var (
	colorPurple    = lipgloss.Color("#7D56F4")
	colorGreen     = lipgloss.Color("#04B575")
	colorRed       = lipgloss.Color("#FF4141")
	colorYellow    = lipgloss.Color("#FFC107")
	colorGray      = lipgloss.Color("#626262")
	colorLightGray = lipgloss.Color("#9e9e9e")
	colorWhite     = lipgloss.Color("#FFFFFF")
	colorBlue      = lipgloss.Color("#007BFF")

	styleTitle = lipgloss.NewStyle().
			Foreground(colorPurple).
			Bold(true).
			MarginBottom(1)

	styleBox = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorPurple).
			Padding(0, 1)

	styleBadge = lipgloss.NewStyle().
			Foreground(colorWhite).
			Padding(0, 1).
			Bold(true)

	styleLabel = lipgloss.NewStyle().
			Foreground(colorLightGray)

	styleError = lipgloss.NewStyle().
			Foreground(colorRed).
			Bold(true)

	styleHelp = lipgloss.NewStyle().
			Foreground(colorGray)
)

// badge renders a run or phase status with its color.
func badge(status string) string {
	bg := colorGray
	switch status {
	case "completed":
		bg = colorGreen
	case "failed":
		bg = colorRed
	case "in_progress":
		bg = colorBlue
	case "rolled_back":
		bg = colorYellow
	}
	return styleBadge.Background(bg).Render(status)
}
