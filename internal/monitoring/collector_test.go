package monitoring

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/decp-sync/internal/record"
	"github.com/sells-group/decp-sync/internal/recordstore"
)

// mockRunLog implements RunLogQuerier for testing. Entries are kept most
// recent first, as the run log returns them.
type mockRunLog struct {
	entries []recordstore.RunEntry
	last    *time.Time
	listErr error
	lastErr error
}

func (m *mockRunLog) ListAll(_ context.Context, limit int) ([]recordstore.RunEntry, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	if limit > 0 && len(m.entries) > limit {
		return m.entries[:limit], nil
	}
	return m.entries, nil
}

func (m *mockRunLog) LastSuccess(context.Context) (*time.Time, error) {
	return m.last, m.lastErr
}

type mockCounts struct {
	counts map[record.Category]recordstore.Counts
	err    error
}

func (m *mockCounts) Counts(context.Context) (map[record.Category]recordstore.Counts, error) {
	return m.counts, m.err
}

func fixedCollector(runs RunLogQuerier, counts CountQuerier, staleHours int, now time.Time) *Collector {
	c := NewCollector(runs, counts, staleHours)
	c.now = func() time.Time { return now }
	return c
}

func TestCollector_EmptyLog(t *testing.T) {
	c := NewCollector(&mockRunLog{}, nil, 48)

	snap, err := c.Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Equal(t, 0, snap.RunsTotal)
	assert.Equal(t, 0, snap.RunsFailed)
	assert.Equal(t, 0.0, snap.FailRate)
	assert.Empty(t, snap.LastRunStatus)
	assert.Nil(t, snap.LastSuccess)
	assert.Equal(t, -1.0, snap.HoursSinceSuccess())
	assert.Equal(t, 24, snap.LookbackHours)
	assert.False(t, snap.CollectedAt.IsZero())
}

func TestCollector_RunMetrics(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	lastOK := now.Add(-2 * time.Hour)
	runs := &mockRunLog{
		entries: []recordstore.RunEntry{
			{ID: "5", Status: recordstore.RunRunning, StartedAt: now.Add(-10 * time.Minute)},
			{ID: "4", Status: recordstore.RunFailed, StartedAt: now.Add(-1 * time.Hour), Error: "aws/get: 503"},
			{ID: "3", Status: recordstore.RunComplete, StartedAt: lastOK},
			{ID: "2", Status: recordstore.RunFailed, StartedAt: now.Add(-3 * time.Hour)},
			// Outside lookback window, and stuck.
			{ID: "1", Status: recordstore.RunRunning, StartedAt: now.Add(-72 * time.Hour)},
		},
		last: &lastOK,
	}
	counts := &mockCounts{counts: map[record.Category]recordstore.Counts{
		record.Contract: {Canonical: 10, Retained: 8, Archived: 2},
	}}

	snap, err := fixedCollector(runs, counts, 48, now).Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Equal(t, 4, snap.RunsTotal)
	assert.Equal(t, 1, snap.RunsComplete)
	assert.Equal(t, 2, snap.RunsFailed)
	assert.Equal(t, 1, snap.RunsRunning)
	assert.InDelta(t, 2.0/3.0, snap.FailRate, 0.001)
	assert.Equal(t, 1, snap.RunsStuck)
	assert.Equal(t, recordstore.RunRunning, snap.LastRunStatus)
	assert.InDelta(t, 2.0, snap.HoursSinceSuccess(), 0.001)
	assert.Equal(t, int64(10), snap.Counts[record.Contract].Canonical)
}

func TestCollector_StaleDisabled(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	runs := &mockRunLog{entries: []recordstore.RunEntry{
		{ID: "1", Status: recordstore.RunRunning, StartedAt: now.Add(-500 * time.Hour)},
	}}

	snap, err := fixedCollector(runs, nil, 0, now).Collect(context.Background(), 24)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.RunsStuck)
	assert.Equal(t, 0, snap.RunsTotal)
}

func TestCollector_Errors(t *testing.T) {
	_, err := NewCollector(&mockRunLog{listErr: eris.New("db down")}, nil, 48).Collect(context.Background(), 24)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list runs")

	_, err = NewCollector(&mockRunLog{lastErr: eris.New("db down")}, nil, 48).Collect(context.Background(), 24)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "last success")

	_, err = NewCollector(&mockRunLog{}, &mockCounts{err: eris.New("db down")}, 48).Collect(context.Background(), 24)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store counts")
}
