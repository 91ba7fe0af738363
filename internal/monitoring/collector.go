package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/decp-sync/internal/record"
	"github.com/sells-group/decp-sync/internal/recordstore"
)

// MetricsSnapshot holds a point-in-time view of pipeline health.
type MetricsSnapshot struct {
	// Runs started within the lookback window.
	RunsTotal    int     `json:"runs_total"`
	RunsComplete int     `json:"runs_complete"`
	RunsFailed   int     `json:"runs_failed"`
	RunsRunning  int     `json:"runs_running"`
	FailRate     float64 `json:"fail_rate"`

	// RunsStuck counts runs still marked running after the stale window.
	RunsStuck int `json:"runs_stuck"`

	// Latest run, whatever its age.
	LastRunStatus string `json:"last_run_status,omitempty"`
	LastRunError  string `json:"last_run_error,omitempty"`

	// LastSuccess is the start of the latest complete run, nil when none.
	LastSuccess *time.Time `json:"last_success,omitempty"`

	Counts map[record.Category]recordstore.Counts `json:"counts,omitempty"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// HoursSinceSuccess returns the hours since the last complete run, or -1.
func (s *MetricsSnapshot) HoursSinceSuccess() float64 {
	if s.LastSuccess == nil {
		return -1
	}
	return s.CollectedAt.Sub(*s.LastSuccess).Hours()
}

// RunLogQuerier abstracts the run log methods needed by the collector.
type RunLogQuerier interface {
	ListAll(ctx context.Context, limit int) ([]recordstore.RunEntry, error)
	LastSuccess(ctx context.Context) (*time.Time, error)
}

// CountQuerier reports record store sizes.
type CountQuerier interface {
	Counts(ctx context.Context) (map[record.Category]recordstore.Counts, error)
}

// Collector gathers metrics from the run log and record store.
type Collector struct {
	runs       RunLogQuerier
	counts     CountQuerier
	staleAfter time.Duration
	now        func() time.Time
}

// NewCollector creates a new metrics collector. counts may be nil.
func NewCollector(runs RunLogQuerier, counts CountQuerier, staleAfterHours int) *Collector {
	return &Collector{
		runs:       runs,
		counts:     counts,
		staleAfter: time.Duration(staleAfterHours) * time.Hour,
		now:        time.Now,
	}
}

// Collect gathers a snapshot of run metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	// Most recent first.
	runs, err := c.runs.ListAll(ctx, 10000)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}
	if len(runs) > 0 {
		snap.LastRunStatus = runs[0].Status
		snap.LastRunError = runs[0].Error
	}

	for _, r := range runs {
		if r.Status == recordstore.RunRunning && c.staleAfter > 0 && now.Sub(r.StartedAt) > c.staleAfter {
			snap.RunsStuck++
		}
		if r.StartedAt.Before(cutoff) {
			continue
		}
		snap.RunsTotal++
		switch r.Status {
		case recordstore.RunComplete:
			snap.RunsComplete++
		case recordstore.RunFailed:
			snap.RunsFailed++
		case recordstore.RunRunning:
			snap.RunsRunning++
		}
	}
	if finished := snap.RunsComplete + snap.RunsFailed; finished > 0 {
		snap.FailRate = float64(snap.RunsFailed) / float64(finished)
	}

	last, err := c.runs.LastSuccess(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: last success")
	}
	snap.LastSuccess = last

	if c.counts != nil {
		counts, err := c.counts.Counts(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: store counts")
		}
		snap.Counts = counts
	}

	return snap, nil
}
