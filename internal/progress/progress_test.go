package progress

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"
)

func TestJSONReporterThrottles(t *testing.T) {
	var buf bytes.Buffer
	r := NewJSONReporter(&buf, time.Hour)

	r.Report(ProgressUpdate{RunID: "r1", Phase: "copy", Batch: 1, TotalBatches: 3})
	r.Report(ProgressUpdate{RunID: "r1", Phase: "copy", Batch: 2, TotalBatches: 3})
	r.ReportImmediate(ProgressUpdate{RunID: "r1", Phase: "copy", PhaseStatus: "completed", Batch: 3, TotalBatches: 3})
	r.Close()
	r.ReportImmediate(ProgressUpdate{RunID: "r1", Phase: "after-close"})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines (throttled + immediate), got %d: %q", len(lines), buf.String())
	}

	var last ProgressUpdate
	if err := json.Unmarshal([]byte(lines[1]), &last); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if last.Batch != 3 || last.PhaseStatus != "completed" {
		t.Errorf("unexpected last update: %+v", last)
	}
	if last.Timestamp == "" {
		t.Error("timestamp should be filled in")
	}
}

func TestTrackerCountsRecords(t *testing.T) {
	tr := NewWithWriter(io.Discard)
	tr.StartPhase("copy_opportunities", 3, 2)
	tr.BatchDone(100)
	if got := tr.Records(); got != 100 {
		t.Errorf("records: got %d, want 100", got)
	}
	tr.FinishPhase()

	// Zero-batch phases render nothing and must not panic.
	tr.StartPhase("empty", 0, 0)
	tr.BatchDone(0)
	tr.FinishPhase()
	tr.Abort()
}
