package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/johndauphine/crm-migrate/internal/logging"
)

// Tracker renders a per-phase batch progress bar. A nil Tracker renders nothing.
type Tracker struct {
	mu        sync.Mutex
	out       io.Writer
	bar       *progressbar.ProgressBar
	phase     string
	records   int64
	startTime time.Time
}

// New creates a tracker writing to stderr.
func New() *Tracker {
	return NewWithWriter(os.Stderr)
}

// NewWithWriter creates a tracker writing to w; io.Discard disables rendering.
func NewWithWriter(w io.Writer) *Tracker {
	return &Tracker{out: w}
}

// StartPhase resets the bar for a phase that already has done of total batches.
func (t *Tracker) StartPhase(phase string, total, done int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.phase = phase
	t.records = 0
	t.startTime = time.Now()
	t.bar = nil
	if total <= 0 {
		return
	}
	t.bar = progressbar.NewOptions(
		total,
		progressbar.OptionSetWriter(t.out),
		progressbar.OptionSetDescription(fmt.Sprintf("%-24s", phase)),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("batches"),
		progressbar.OptionSetRenderBlankState(true),
	)
	if done > 0 {
		t.bar.Set(done)
	}
}

// BatchDone advances the bar by one batch that applied records.
func (t *Tracker) BatchDone(records int64) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.records += records
	if t.bar != nil {
		t.bar.Add(1)
	}
}

// Records returns the records applied since StartPhase.
func (t *Tracker) Records() int64 {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.records
}

// FinishPhase completes the bar and logs a summary.
func (t *Tracker) FinishPhase() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.bar == nil {
		return
	}
	t.bar.Finish()
	fmt.Fprintln(t.out)
	t.bar = nil

	elapsed := time.Since(t.startTime)
	rate := float64(t.records) / elapsed.Seconds()
	logging.Debug("Phase %s: %d records in %s (%.0f records/sec)",
		t.phase, t.records, elapsed.Round(time.Millisecond), rate)
}

// Abort stops rendering without completing the bar.
func (t *Tracker) Abort() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bar != nil {
		t.bar.Exit()
		fmt.Fprintln(t.out)
		t.bar = nil
	}
}
