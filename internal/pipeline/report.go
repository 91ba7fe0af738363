package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/sells-group/decp-sync/internal/record"
	"github.com/sells-group/decp-sync/internal/recordstore"
	"github.com/sells-group/decp-sync/internal/resolve"
)

// GlobalStats counts what the Global stage did with the resolved batch.
type GlobalStats struct {
	Promoted    int `json:"promoted"`
	NotPromoted int `json:"not_promoted"`
	Archived    int `json:"archived"`
	// FilesIngested counts source files marked ingested by this run.
	FilesIngested int `json:"files_ingested"`
}

// Report is the audit summary of a run.
type Report struct {
	RunID     string                                 `json:"run_id"`
	StartedAt time.Time                              `json:"started_at"`
	Elapsed   time.Duration                          `json:"elapsed"`
	Complete  bool                                   `json:"complete"`
	Stages    []StageResult                          `json:"stages"`
	Resolve   map[record.Category]resolve.Stats      `json:"resolve,omitempty"`
	Global    *GlobalStats                           `json:"global,omitempty"`
	Counts    map[record.Category]recordstore.Counts `json:"counts,omitempty"`
}

// Failures returns the failed stages.
func (r *Report) Failures() []StageResult {
	var out []StageResult
	for _, s := range r.Stages {
		if s.Kind == Failed {
			out = append(out, s)
		}
	}
	return out
}

// FailureSummary renders the failed stages on one line.
func (r *Report) FailureSummary() string {
	var parts []string
	for _, s := range r.Failures() {
		parts = append(parts, fmt.Sprintf("%s/%s: %s", s.Stream, s.Stage, s.Error))
	}
	return strings.Join(parts, "; ")
}

// Tally counts stage results by kind.
func (r *Report) Tally() (done, skipped, failed int) {
	for _, s := range r.Stages {
		switch s.Kind {
		case Done:
			done++
		case Skipped:
			skipped++
		case Failed:
			failed++
		}
	}
	return done, skipped, failed
}

// Metadata is what the run log keeps of the report.
func (r *Report) Metadata() map[string]any {
	d, s, f := r.Tally()
	m := map[string]any{
		"complete":       r.Complete,
		"elapsed_ms":     r.Elapsed.Milliseconds(),
		"stages_done":    d,
		"stages_skipped": s,
		"stages_failed":  f,
	}
	if len(r.Resolve) > 0 {
		m["resolve"] = r.Resolve
	}
	if r.Global != nil {
		m["global"] = r.Global
	}
	if len(r.Counts) > 0 {
		m["counts"] = r.Counts
	}
	return m
}
