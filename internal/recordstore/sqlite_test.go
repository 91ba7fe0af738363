package recordstore

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/decp-sync/internal/record"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestSQLite(t *testing.T, chunk int) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(context.Background(), filepath.Join(t.TempDir(), "store.db"), chunk)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// contract builds a contract published on published with extra top-level
// fields raising its completeness.
func contract(t *testing.T, id, published string, extra map[string]any) record.Record {
	t.Helper()
	p := record.NewPayload()
	require.NoError(t, p.SetValue("id", id))
	require.NoError(t, p.SetValue("acheteur", map[string]any{"id": "21750001600019"}))
	require.NoError(t, p.SetValue("titulaires", []any{
		map[string]any{"titulaire": map[string]any{"id": "A111"}},
	}))
	require.NoError(t, p.SetValue("dateNotification", "2024-01-02"))
	require.NoError(t, p.SetValue("montant", 1000))
	require.NoError(t, p.SetValue("datePublicationDonnees", published))
	for k, v := range extra {
		require.NoError(t, p.SetValue(k, v))
	}
	return record.FromPayload(record.Contract, p, record.Lineage{Source: "test", File: "f.json"})
}

func candidate(r record.Record) Candidate {
	return Candidate{Record: r, BatchID: "batch-1", IngestedAt: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)}
}

func canonicalCount(t *testing.T, s *SQLiteStore, key string) int {
	t.Helper()
	var n int
	require.NoError(t, s.db.QueryRow(`SELECT count(*) FROM contract WHERE identity_key = ?`, key).Scan(&n))
	return n
}

func TestSQLite_Upsert_NewIdentity(t *testing.T) {
	s := newTestSQLite(t, 0)
	ctx := context.Background()

	r := contract(t, "C1", "2024-01-05", nil)
	id, err := s.Upsert(ctx, candidate(r))
	require.NoError(t, err)
	assert.NotEqual(t, NotPromoted, id)

	row, err := s.Current(ctx, record.Contract, r.IdentityKey())
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, id, row.ID)
	assert.Equal(t, "2024-01", row.Bucket)
	assert.Equal(t, r.Payload.Keys(), row.Record.Payload.Keys())
}

func TestSQLite_Upsert_NewerDisplacesCanonical(t *testing.T) {
	s := newTestSQLite(t, 0)
	ctx := context.Background()

	old := contract(t, "C1", "2024-01-05", nil)
	newer := contract(t, "C1", "2024-02-10", nil)
	require.Equal(t, old.IdentityKey(), newer.IdentityKey())

	oldID, err := s.Upsert(ctx, candidate(old))
	require.NoError(t, err)
	newID, err := s.Upsert(ctx, candidate(newer))
	require.NoError(t, err)
	assert.NotEqual(t, NotPromoted, newID)
	assert.NotEqual(t, oldID, newID)

	row, err := s.Current(ctx, record.Contract, old.IdentityKey())
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC), row.Recency)
	assert.Equal(t, 1, canonicalCount(t, s, old.IdentityKey()))

	history, err := s.History(ctx, record.Contract, old.IdentityKey())
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, ReasonDisplaced, history[0].Reason)
	require.NotNil(t, history[0].CanonicalID)
	assert.Equal(t, oldID, *history[0].CanonicalID)
	assert.Equal(t, time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC), history[0].Recency)
	assert.True(t, old.Payload.Equal(history[0].Record.Payload))
}

func TestSQLite_Upsert_OlderIsArchived(t *testing.T) {
	s := newTestSQLite(t, 0)
	ctx := context.Background()

	newer := contract(t, "C1", "2024-02-10", nil)
	old := contract(t, "C1", "2024-01-05", nil)

	_, err := s.Upsert(ctx, candidate(newer))
	require.NoError(t, err)
	id, err := s.Upsert(ctx, candidate(old))
	require.NoError(t, err)
	assert.Equal(t, NotPromoted, id)

	row, err := s.Current(ctx, record.Contract, newer.IdentityKey())
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC), row.Recency)

	history, err := s.History(ctx, record.Contract, newer.IdentityKey())
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, ReasonOlder, history[0].Reason)
	assert.Nil(t, history[0].CanonicalID)
}

func TestSQLite_Upsert_CompletenessBreaksRecencyTie(t *testing.T) {
	s := newTestSQLite(t, 0)
	ctx := context.Background()

	rich := contract(t, "C1", "2024-01-05", map[string]any{"objet": "Voirie", "procedure": "Appel d'offres ouvert"})
	poor := contract(t, "C1", "2024-01-05", nil)

	richID, err := s.Upsert(ctx, candidate(rich))
	require.NoError(t, err)
	id, err := s.Upsert(ctx, candidate(poor))
	require.NoError(t, err)
	assert.Equal(t, NotPromoted, id)

	row, err := s.Current(ctx, record.Contract, rich.IdentityKey())
	require.NoError(t, err)
	assert.Equal(t, richID, row.ID)
}

func TestSQLite_Upsert_RedeliveryIsNoop(t *testing.T) {
	s := newTestSQLite(t, 0)
	ctx := context.Background()

	r := contract(t, "C1", "2024-01-05", nil)
	first, err := s.Upsert(ctx, candidate(r))
	require.NoError(t, err)
	second, err := s.Upsert(ctx, candidate(r))
	require.NoError(t, err)
	assert.Equal(t, first, second)

	history, err := s.History(ctx, record.Contract, r.IdentityKey())
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestSQLite_Upsert_ReplayKeepsOneArchiveRowPerVersion(t *testing.T) {
	s := newTestSQLite(t, 0)
	ctx := context.Background()

	old := contract(t, "C1", "2024-01-05", nil)
	newer := contract(t, "C1", "2024-02-10", nil)

	for range 3 {
		_, err := s.Upsert(ctx, candidate(old))
		require.NoError(t, err)
		_, err = s.Upsert(ctx, candidate(newer))
		require.NoError(t, err)
	}

	assert.Equal(t, 1, canonicalCount(t, s, old.IdentityKey()))
	history, err := s.History(ctx, record.Contract, old.IdentityKey())
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestSQLite_Upsert_NoHistoryLoss(t *testing.T) {
	s := newTestSQLite(t, 0)
	ctx := context.Background()

	dates := []string{"2024-01-05", "2024-03-01", "2024-02-01", "2024-04-01", "2024-01-20"}
	var key string
	for _, d := range dates {
		r := contract(t, "C1", d, nil)
		key = r.IdentityKey()
		_, err := s.Upsert(ctx, candidate(r))
		require.NoError(t, err)
	}

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[record.Contract].Canonical)
	assert.Equal(t, int64(len(dates)-1), counts[record.Contract].Archived)

	row, err := s.Current(ctx, record.Contract, key)
	require.NoError(t, err)
	assert.Equal(t, "2024-04", row.Bucket)
}

func TestSQLite_Upsert_ConcurrentSameIdentity(t *testing.T) {
	s := newTestSQLite(t, 0)
	ctx := context.Background()

	const n = 12
	recs := make([]record.Record, n)
	for i := range recs {
		recs[i] = contract(t, "C1", fmt.Sprintf("2024-01-%02d", i+1), nil)
	}
	key := recs[0].IdentityKey()

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := n - 1; i >= 0; i-- {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Upsert(ctx, candidate(recs[i]))
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, 1, canonicalCount(t, s, key))
	row, err := s.Current(ctx, record.Contract, key)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, time.Date(2024, 1, n, 0, 0, 0, 0, time.UTC), row.Recency)

	history, err := s.History(ctx, record.Contract, key)
	require.NoError(t, err)
	require.Len(t, history, n-1)
	seen := map[time.Time]bool{}
	for _, h := range history {
		assert.True(t, h.Recency.Before(row.Recency))
		seen[h.Recency] = true
	}
	assert.Len(t, seen, n-1, "each losing version archived once")
}

func TestSQLite_Archive_Resolved(t *testing.T) {
	s := newTestSQLite(t, 0)
	ctx := context.Background()

	r := contract(t, "C1", "2024-01-05", nil)
	require.NoError(t, s.Archive(ctx, candidate(r), ReasonResolved))
	require.NoError(t, s.Archive(ctx, candidate(r), ReasonResolved))

	history, err := s.History(ctx, record.Contract, r.IdentityKey())
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, ReasonResolved, history[0].Reason)

	row, err := s.Current(ctx, record.Contract, r.IdentityKey())
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestSQLite_BulkMarkRetained_OnlyOnce(t *testing.T) {
	s := newTestSQLite(t, 2)
	ctx := context.Background()

	var ids []int64
	for i := range 5 {
		id, err := s.Upsert(ctx, candidate(contract(t, fmt.Sprintf("C%d", i), "2024-01-05", nil)))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	pairs := make([]record.Enrichment, 0, len(ids))
	for _, id := range ids {
		pairs = append(pairs, record.Enrichment{Category: record.Contract, RowID: id, Data: json.RawMessage(`{"siret":"ok"}`)})
	}
	// Duplicate row id in the same call.
	pairs = append(pairs, record.Enrichment{Category: record.Contract, RowID: ids[0], Data: json.RawMessage(`{"siret":"dup"}`)})

	updated, err := s.BulkMarkRetained(ctx, pairs)
	require.NoError(t, err)
	assert.ElementsMatch(t, ids, updated)

	again, err := s.BulkMarkRetained(ctx, pairs)
	require.NoError(t, err)
	assert.Empty(t, again)

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), counts[record.Contract].Retained)

	row, err := s.Current(ctx, record.Contract, contract(t, "C0", "2024-01-05", nil).IdentityKey())
	require.NoError(t, err)
	assert.True(t, row.Retained)
	assert.JSONEq(t, `{"siret":"ok"}`, string(row.Enrichment))
}

func TestSQLite_BulkMarkRetained_UnknownIDsIgnored(t *testing.T) {
	s := newTestSQLite(t, 0)
	updated, err := s.BulkMarkRetained(context.Background(), []record.Enrichment{
		{Category: record.Concession, RowID: 999, Data: json.RawMessage(`{}`)},
	})
	require.NoError(t, err)
	assert.Empty(t, updated)
}

func TestSQLite_ExtractCurrent_BucketAndRestart(t *testing.T) {
	s := newTestSQLite(t, 0)
	ctx := context.Background()

	for i := range 3 {
		_, err := s.Upsert(ctx, candidate(contract(t, fmt.Sprintf("J%d", i), "2024-01-15", nil)))
		require.NoError(t, err)
	}
	for i := range 2 {
		_, err := s.Upsert(ctx, candidate(contract(t, fmt.Sprintf("F%d", i), "2024-02-15", nil)))
		require.NoError(t, err)
	}

	collect := func(bucket string) []string {
		var out []string
		for row, err := range s.ExtractCurrent(ctx, record.Contract, bucket) {
			require.NoError(t, err)
			out = append(out, row.Record.ID)
		}
		return out
	}

	assert.Equal(t, []string{"J0", "J1", "J2"}, collect("2024-01"))
	assert.Equal(t, []string{"F0", "F1"}, collect("2024-02"))
	all := collect("")
	assert.Len(t, all, 5)
	assert.Equal(t, all, collect(""), "re-ranging yields the same rows")
	assert.Empty(t, collect("2023-12"))

	buckets, err := s.Buckets(ctx, record.Contract)
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-01", "2024-02"}, buckets)
}

func TestSQLite_ExtractCurrent_EarlyStop(t *testing.T) {
	s := newTestSQLite(t, 0)
	ctx := context.Background()
	for i := range extractPageLen + 3 {
		_, err := s.Upsert(ctx, candidate(contract(t, fmt.Sprintf("X%04d", i), "2024-01-15", nil)))
		require.NoError(t, err)
	}

	n := 0
	for _, err := range s.ExtractCurrent(ctx, record.Contract, "") {
		require.NoError(t, err)
		n++
	}
	assert.Equal(t, extractPageLen+3, n)

	n = 0
	for range s.ExtractCurrent(ctx, record.Contract, "") {
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, n)

	// The store stays usable after an abandoned iteration.
	_, err := s.Counts(ctx)
	require.NoError(t, err)
}

func TestSQLite_Registry(t *testing.T) {
	s := newTestSQLite(t, 0)
	ctx := context.Background()

	src, err := s.FindOrAddSource(ctx, "aws")
	require.NoError(t, err)
	again, err := s.FindOrAddSource(ctx, "aws")
	require.NoError(t, err)
	assert.Equal(t, src, again)

	mod := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	fileID, err := s.FindOrAddFile(ctx, FileEntry{SourceID: src, Name: "decp-2024.xml", Modified: mod, Contracts: 3})
	require.NoError(t, err)
	fileAgain, err := s.FindOrAddFile(ctx, FileEntry{SourceID: src, Name: "decp-2024.xml", Modified: mod.Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, fileID, fileAgain)

	// Registered files stay pending until their records are stored.
	known, err := s.KnownFiles(ctx, src)
	require.NoError(t, err)
	assert.Empty(t, known)

	other, err := s.FindOrAddSource(ctx, "lyon")
	require.NoError(t, err)
	_, err = s.FindOrAddFile(ctx, FileEntry{SourceID: other, Name: "lyon.xml"})
	require.NoError(t, err)

	n, err := s.MarkIngested(ctx, []string{"aws"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	known, err = s.KnownFiles(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, map[string]time.Time{"decp-2024.xml": mod.Add(time.Hour)}, known)
	known, err = s.KnownFiles(ctx, other)
	require.NoError(t, err)
	assert.Empty(t, known, "other sources stay pending")

	n, err = s.MarkIngested(ctx, []string{"aws"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	// Re-reading an unchanged file keeps it ingested.
	_, err = s.FindOrAddFile(ctx, FileEntry{SourceID: src, Name: "decp-2024.xml", Modified: mod.Add(time.Hour)})
	require.NoError(t, err)
	known, err = s.KnownFiles(ctx, src)
	require.NoError(t, err)
	assert.Contains(t, known, "decp-2024.xml")

	// A changed file is pending again.
	_, err = s.FindOrAddFile(ctx, FileEntry{SourceID: src, Name: "decp-2024.xml", Modified: mod.Add(2 * time.Hour)})
	require.NoError(t, err)
	known, err = s.KnownFiles(ctx, src)
	require.NoError(t, err)
	assert.Empty(t, known)

	n, err = s.MarkIngested(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	_, err = s.FindOrAddSource(ctx, "")
	assert.Error(t, err)
	_, err = s.FindOrAddFile(ctx, FileEntry{Name: "x"})
	assert.Error(t, err)
}

func TestSQLite_UpsertKeepsLineageIDs(t *testing.T) {
	s := newTestSQLite(t, 0)
	ctx := context.Background()

	src, err := s.FindOrAddSource(ctx, "aws")
	require.NoError(t, err)
	fileID, err := s.FindOrAddFile(ctx, FileEntry{SourceID: src, Name: "a.json"})
	require.NoError(t, err)

	c := candidate(contract(t, "C1", "2024-01-05", nil))
	c.SourceID, c.FileID = src, fileID
	_, err = s.Upsert(ctx, c)
	require.NoError(t, err)

	row, err := s.Current(ctx, record.Contract, c.Record.IdentityKey())
	require.NoError(t, err)
	assert.Equal(t, src, row.SourceID)
	assert.Equal(t, fileID, row.FileID)
	assert.Equal(t, "batch-1", row.BatchID)
	assert.Equal(t, "test", row.Record.Lineage.Source)
}

func TestSQLiteRunLog(t *testing.T) {
	s := newTestSQLite(t, 0)
	ctx := context.Background()
	log := s.RunLog()

	last, err := log.LastSuccess(ctx)
	require.NoError(t, err)
	assert.Nil(t, last)

	require.NoError(t, log.Start(ctx, "run-1", map[string]any{"sources": []string{"aws"}}))
	require.NoError(t, log.Fail(ctx, "run-1", "boom"))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, log.Start(ctx, "run-2", nil))
	require.NoError(t, log.Complete(ctx, "run-2", map[string]any{"contract": 3}))

	entries, err := log.ListAll(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "run-2", entries[0].ID)
	assert.Equal(t, RunComplete, entries[0].Status)
	assert.InDelta(t, 3, entries[0].Metadata["contract"], 0)
	assert.Equal(t, RunFailed, entries[1].Status)
	assert.Equal(t, "boom", entries[1].Error)
	assert.NotNil(t, entries[1].CompletedAt)

	limited, err := log.ListAll(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	last, err = log.LastSuccess(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, entries[0].StartedAt, *last)
}
