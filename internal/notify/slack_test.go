package notify

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johndauphine/crm-migrate/internal/config"
)

func TestDisabledNotifierSendsNothing(t *testing.T) {
	n := New(nil)
	assert.False(t, n.IsEnabled())
	assert.NoError(t, n.RunStarted("abc", "migration", 3, false))
	assert.NoError(t, n.RunFailed("abc", "migration", "copy", errors.New("boom"), time.Second))

	n = New(&config.SlackConfig{Enabled: true})
	assert.False(t, n.IsEnabled(), "no webhook url")
}

func TestRunFailedPayload(t *testing.T) {
	var got SlackMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(&config.SlackConfig{Enabled: true, WebhookURL: srv.URL, Channel: "#crm-ops"})
	n.now = func() time.Time { return time.Unix(1700000000, 0) }

	err := n.RunFailed("1a2b3c4d", "rollback", "data_restore", errors.New("connection reset"), 90*time.Second)
	require.NoError(t, err)

	assert.Equal(t, "#crm-ops", got.Channel)
	assert.Equal(t, "crm-migrate", got.Username)
	require.Len(t, got.Attachments, 1)
	a := got.Attachments[0]
	assert.Equal(t, "Rollback Failed", a.Title)
	assert.Equal(t, int64(1700000000), a.Timestamp)
	assert.Contains(t, a.Fields, SlackField{Title: "Phase", Value: "data_restore", Short: true})
	assert.Contains(t, a.Fields, SlackField{Title: "Error", Value: "connection reset", Short: false})
}

func TestSendReportsHTTPStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	n := New(&config.SlackConfig{Enabled: true, WebhookURL: srv.URL})
	err := n.RunCompleted("1a2b3c4d", "migration", time.Now(), time.Minute, 4, 1200)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestFormatting(t *testing.T) {
	assert.Equal(t, "999", formatNumberWithCommas(999))
	assert.Equal(t, "1,234,567", formatNumberWithCommas(1234567))
	assert.Equal(t, "45s", formatDuration(45*time.Second))
	assert.Equal(t, "2m 5s", formatDuration(125*time.Second))
	assert.Equal(t, "1h 0m 1s", formatDuration(time.Hour+time.Second))
}
