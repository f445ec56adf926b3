package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/johndauphine/crm-migrate/internal/config"
)

const footer = "crm-migrate"

// Notifier sends notifications to Slack
type Notifier struct {
	config     *config.SlackConfig
	httpClient *http.Client
	now        func() time.Time
}

// SlackMessage represents a Slack webhook message
type SlackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Text        string            `json:"text,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment represents a Slack message attachment
type SlackAttachment struct {
	Color     string       `json:"color,omitempty"`
	Title     string       `json:"title,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fields    []SlackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

// SlackField represents a field in a Slack attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

const (
	colorGreen  = "#36a64f"
	colorRed    = "#dc3545"
	colorYellow = "#ffc107"
)

// New creates a new Slack notifier
func New(cfg *config.SlackConfig) *Notifier {
	if cfg == nil {
		cfg = &config.SlackConfig{Enabled: false}
	}
	return &Notifier{
		config: cfg,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		now: time.Now,
	}
}

// IsEnabled returns true if notifications are enabled
func (n *Notifier) IsEnabled() bool {
	return n.config != nil && n.config.Enabled && n.config.WebhookURL != ""
}

// RunStarted sends notification when a run starts or resumes
func (n *Notifier) RunStarted(runID, kind string, phaseCount int, resumed bool) error {
	if !n.IsEnabled() {
		return nil
	}

	title := titleFor(kind) + " Started"
	icon := ":rocket:"
	if resumed {
		title = titleFor(kind) + " Resumed"
		icon = ":repeat:"
	}

	return n.send(SlackMessage{
		IconEmoji: icon,
		Attachments: []SlackAttachment{{
			Color: colorGreen,
			Title: title,
			Fields: []SlackField{
				{Title: "Run ID", Value: runID, Short: true},
				{Title: "Phases", Value: fmt.Sprintf("%d", phaseCount), Short: true},
			},
		}},
	})
}

// RunCompleted sends notification when every phase of a run completed
func (n *Notifier) RunCompleted(runID, kind string, startTime time.Time, duration time.Duration, phaseCount int, records int64) error {
	if !n.IsEnabled() {
		return nil
	}

	headerText := fmt.Sprintf("%s completed successfully. %d phases, %s records applied.",
		titleFor(kind), phaseCount, formatNumberWithCommas(records))

	return n.send(SlackMessage{
		IconEmoji: ":white_check_mark:",
		Text:      headerText,
		Attachments: []SlackAttachment{{
			Color: colorGreen,
			Fields: []SlackField{
				{Title: "Run ID", Value: runID, Short: true},
				{Title: "Started", Value: startTime.UTC().Format("2006-01-02 15:04:05 UTC"), Short: true},
				{Title: "Duration", Value: formatDuration(duration), Short: true},
				{Title: "Records", Value: formatNumberWithCommas(records), Short: true},
			},
		}},
	})
}

// RunPartial sends notification when a run stopped before its last phase
func (n *Notifier) RunPartial(runID, kind string, startTime time.Time, duration time.Duration, completed, total int, reason string) error {
	if !n.IsEnabled() {
		return nil
	}

	headerText := fmt.Sprintf("%s stopped after %d of %d phases. Run 'resume' to continue.",
		titleFor(kind), completed, total)
	if reason == "" {
		reason = "-"
	}

	return n.send(SlackMessage{
		IconEmoji: ":warning:",
		Text:      headerText,
		Attachments: []SlackAttachment{{
			Color: colorYellow,
			Fields: []SlackField{
				{Title: "Run ID", Value: runID, Short: true},
				{Title: "Started", Value: startTime.UTC().Format("2006-01-02 15:04:05 UTC"), Short: true},
				{Title: "Duration", Value: formatDuration(duration), Short: true},
				{Title: "Reason", Value: reason, Short: true},
			},
		}},
	})
}

// RunFailed sends notification when a phase failed
func (n *Notifier) RunFailed(runID, kind, phase string, err error, duration time.Duration) error {
	if !n.IsEnabled() {
		return nil
	}

	errMsg := "Unknown error"
	if err != nil {
		errMsg = err.Error()
		if len(errMsg) > 500 {
			errMsg = errMsg[:500] + "..."
		}
	}
	if phase == "" {
		phase = "-"
	}

	return n.send(SlackMessage{
		IconEmoji: ":x:",
		Attachments: []SlackAttachment{{
			Color: colorRed,
			Title: titleFor(kind) + " Failed",
			Fields: []SlackField{
				{Title: "Run ID", Value: runID, Short: true},
				{Title: "Phase", Value: phase, Short: true},
				{Title: "Duration", Value: duration.Round(time.Second).String(), Short: true},
				{Title: "Error", Value: errMsg, Short: false},
			},
		}},
	})
}

// RolledBack sends notification after a successful rollback
func (n *Notifier) RolledBack(runID, backupID string, duration time.Duration, tables int, records int64) error {
	if !n.IsEnabled() {
		return nil
	}

	return n.send(SlackMessage{
		IconEmoji: ":rewind:",
		Text: fmt.Sprintf("Emergency rollback completed. %d tables restored to pre-migration state.",
			tables),
		Attachments: []SlackAttachment{{
			Color: colorYellow,
			Fields: []SlackField{
				{Title: "Run ID", Value: runID, Short: true},
				{Title: "Backup", Value: backupID, Short: true},
				{Title: "Duration", Value: formatDuration(duration), Short: true},
				{Title: "Records Restored", Value: formatNumberWithCommas(records), Short: true},
			},
		}},
	})
}

func (n *Notifier) send(msg SlackMessage) error {
	msg.Channel = n.config.Channel
	msg.Username = n.getUsername()
	for i := range msg.Attachments {
		msg.Attachments[i].Footer = footer
		msg.Attachments[i].Timestamp = n.now().Unix()
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}

	resp, err := n.httpClient.Post(n.config.WebhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("sending to Slack: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("Slack returned status %d", resp.StatusCode)
	}

	return nil
}

func (n *Notifier) getUsername() string {
	if n.config.Username != "" {
		return n.config.Username
	}
	return footer
}

func titleFor(kind string) string {
	if kind == "rollback" {
		return "Rollback"
	}
	return "Migration"
}

func formatNumberWithCommas(n int64) string {
	str := fmt.Sprintf("%d", n)
	if len(str) <= 3 {
		return str
	}

	var result []byte
	for i, c := range str {
		if i > 0 && (len(str)-i)%3 == 0 {
			result = append(result, ',')
		}
		result = append(result, byte(c))
	}
	return string(result)
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
