package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/decp-sync/internal/checkpoint"
	"github.com/sells-group/decp-sync/internal/record"
	"github.com/sells-group/decp-sync/internal/recordstore"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var testNow = time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

type fakeSource struct {
	code     string
	recs     []record.Record
	getErr   atomic.Pointer[error]
	getCalls atomic.Int32
}

func newFakeSource(code string, recs ...record.Record) *fakeSource {
	return &fakeSource{code: code, recs: recs}
}

func (s *fakeSource) failGet(err error) { s.getErr.Store(&err) }
func (s *fakeSource) healGet()          { s.getErr.Store(nil) }

func (s *fakeSource) Code() string { return s.code }

func (s *fakeSource) Get(context.Context) (*checkpoint.Artifact, error) {
	s.getCalls.Add(1)
	if e := s.getErr.Load(); e != nil {
		return nil, *e
	}
	return &checkpoint.Artifact{
		Kind:  checkpoint.KindManifest,
		Files: []checkpoint.FileRef{{Title: s.code + ".xml"}},
	}, nil
}

func (s *fakeSource) Clean(_ context.Context, in *checkpoint.Artifact) (*checkpoint.Artifact, error) {
	if len(in.Files) != 1 {
		return nil, eris.New("manifest not replayed")
	}
	out := &checkpoint.Artifact{Kind: checkpoint.KindPair}
	for _, r := range s.recs {
		if r.Category == record.Concession {
			out.Concessions = append(out.Concessions, r)
		} else {
			out.Contracts = append(out.Contracts, r)
		}
	}
	return out, nil
}

func (s *fakeSource) Convert(_ context.Context, in *checkpoint.Artifact) (*checkpoint.Artifact, error) {
	recs := append(append([]record.Record{}, in.Contracts...), in.Concessions...)
	return &checkpoint.Artifact{Kind: checkpoint.KindBatch, Records: recs}, nil
}

func (s *fakeSource) Fix(_ context.Context, in *checkpoint.Artifact) (*checkpoint.Artifact, error) {
	return &checkpoint.Artifact{Kind: checkpoint.KindBatch, Records: in.Records}, nil
}

type fakeExporter struct {
	mu      sync.Mutex
	err     error
	buckets [][]string
}

func (e *fakeExporter) Export(_ context.Context, buckets []string) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.buckets = append(e.buckets, buckets)
	if e.err != nil {
		return nil, e.err
	}
	return []string{"/exports/contract/2024-03.json", "/exports/decp.json"}, nil
}

type fakeEnricher struct{}

func (fakeEnricher) Enrich(_ context.Context, row recordstore.CanonicalRow) (json.RawMessage, error) {
	return json.RawMessage(`{"checked":true}`), nil
}

type fakePublisher struct {
	paths []string
}

func (p *fakePublisher) Publish(_ context.Context, paths []string) error {
	p.paths = append(p.paths, paths...)
	return nil
}

type env struct {
	cp    *checkpoint.SQLiteStore
	store *recordstore.SQLiteStore
}

func newEnv(t *testing.T) env {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	cp, err := checkpoint.NewSQLite(ctx, filepath.Join(dir, "checkpoint.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cp.Close() })
	st, err := recordstore.NewSQLite(ctx, filepath.Join(dir, "store.db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return env{cp: cp, store: st}
}

func contract(t *testing.T, source, id, published string) record.Record {
	t.Helper()
	p := record.NewPayload()
	require.NoError(t, p.SetValue("id", id))
	require.NoError(t, p.SetValue("acheteur", map[string]any{"id": "21750001600019"}))
	require.NoError(t, p.SetValue("titulaires", []any{map[string]any{"titulaire": map[string]any{"id": "A111"}}}))
	require.NoError(t, p.SetValue("dateNotification", "2024-01-02"))
	require.NoError(t, p.SetValue("montant", 1000))
	require.NoError(t, p.SetValue("datePublicationDonnees", published))
	return record.FromPayload(record.Contract, p, record.Lineage{Source: source, File: source + ".xml"})
}

func concession(t *testing.T, source, id string) record.Record {
	t.Helper()
	p := record.NewPayload()
	require.NoError(t, p.SetValue("id", id))
	require.NoError(t, p.SetValue("autoriteConcedante", map[string]any{"id": "A1"}))
	require.NoError(t, p.SetValue("concessionnaires", []any{map[string]any{"concessionnaire": map[string]any{"id": "Z1"}}}))
	require.NoError(t, p.SetValue("dateDebutExecution", "2024-02-01"))
	require.NoError(t, p.SetValue("valeurGlobale", 5000))
	require.NoError(t, p.SetValue("datePublicationDonnees", "2024-02-03"))
	return record.FromPayload(record.Concession, p, record.Lineage{Source: source, File: source + ".xml"})
}

func resultOf(rep *Report, stream checkpoint.Stream, stage checkpoint.Stage) (StageResult, bool) {
	for _, s := range rep.Stages {
		if s.Stream == stream && s.Stage == stage {
			return s, true
		}
	}
	return StageResult{}, false
}

func TestRun_FullRun(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	older := contract(t, "a", "X", "2024-01-05")
	newer := contract(t, "b", "X", "2024-02-10")
	a := newFakeSource("a", older)
	b := newFakeSource("b", newer, concession(t, "b", "C1"))

	exp := &fakeExporter{}
	pub := &fakePublisher{}
	runLog := e.store.RunLog()
	o := New(Config{MaxConcurrentSources: 2, ResetOnSuccess: true, FirstBucket: "2024-01"},
		e.cp, e.store, []Source{a, b},
		WithRunLog(runLog), WithExporter(exp), WithEnricher(fakeEnricher{}),
		WithPublisher(pub), WithClock(func() time.Time { return testNow }),
	)

	rep, err := o.Run(ctx, RunOptions{RunID: "run-1"})
	require.NoError(t, err)
	assert.True(t, rep.Complete)
	assert.Empty(t, rep.Failures())

	// One canonical row per identity, newest version wins, loser archived.
	row, err := e.store.Current(ctx, record.Contract, newer.IdentityKey())
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "b", row.Record.Lineage.Source)
	assert.True(t, row.Retained)

	hist, err := e.store.History(ctx, record.Contract, newer.IdentityKey())
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, recordstore.ReasonResolved, hist[0].Reason)
	assert.Equal(t, "run-1", hist[0].BatchID)

	require.Contains(t, rep.Resolve, record.Contract)
	assert.Equal(t, 2, rep.Resolve[record.Contract].Input)
	assert.Equal(t, 1, rep.Resolve[record.Contract].Duplicates)
	require.NotNil(t, rep.Global)
	assert.Equal(t, 2, rep.Global.Promoted)
	assert.Equal(t, 1, rep.Global.Archived)
	assert.Equal(t, int64(1), rep.Counts[record.Contract].Canonical)
	assert.Equal(t, int64(1), rep.Counts[record.Concession].Retained)

	require.Len(t, exp.buckets, 1)
	assert.Equal(t, []string{"2024-01", "2024-02", "2024-03"}, exp.buckets[0])
	assert.Equal(t, []string{"/exports/contract/2024-03.json", "/exports/decp.json"}, pub.paths)

	status, err := e.cp.Status(ctx)
	require.NoError(t, err)
	assert.Empty(t, status, "checkpoints reset after a complete run")

	runs, err := runLog.ListAll(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, recordstore.RunComplete, runs[0].Status)
	assert.Equal(t, true, runs[0].Metadata["complete"])
}

func TestRun_SourceFailureIsolatedAndResumed(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	a := newFakeSource("a", contract(t, "a", "X", "2024-01-05"))
	b := newFakeSource("b", contract(t, "b", "Y", "2024-01-06"))
	b.failGet(eris.New("portal down"))

	runLog := e.store.RunLog()
	o := New(Config{MaxConcurrentSources: 2}, e.cp, e.store, []Source{a, b},
		WithRunLog(runLog), WithClock(func() time.Time { return testNow }))

	rep, err := o.Run(ctx, RunOptions{RunID: "run-1"})
	require.NoError(t, err)
	assert.False(t, rep.Complete)
	failures := rep.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, checkpoint.Stream("b"), failures[0].Stream)
	assert.Equal(t, checkpoint.Get, failures[0].Stage)

	// The healthy source still reaches the store.
	r, ok := resultOf(rep, checkpoint.All, checkpoint.Global)
	require.True(t, ok)
	assert.Equal(t, Done, r.Kind)
	require.NotNil(t, rep.Global)
	assert.Equal(t, 1, rep.Global.Promoted)
	assert.Equal(t, int64(1), rep.Counts[record.Contract].Canonical)

	status, err := e.cp.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.Merged, status["a"])
	assert.NotContains(t, status, checkpoint.Stream("b"))

	runs, err := runLog.ListAll(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, recordstore.RunFailed, runs[0].Status)
	assert.Contains(t, runs[0].Error, "portal down")

	b.healGet()
	rep, err = o.Run(ctx, RunOptions{RunID: "run-2"})
	require.NoError(t, err)
	assert.True(t, rep.Complete)

	for _, stage := range checkpoint.SourceStages {
		r, ok := resultOf(rep, "a", stage)
		require.True(t, ok)
		assert.Equal(t, Skipped, r.Kind, "a/%s", stage)
	}
	assert.Equal(t, int32(1), a.getCalls.Load())

	// b arrived after the last merge, so ALL is merged again with both.
	r, ok = resultOf(rep, checkpoint.All, checkpoint.MergeAll)
	require.True(t, ok)
	assert.Equal(t, Done, r.Kind)

	counts, err := e.store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[record.Contract].Canonical)
}

func TestRun_StopAfterStage(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	a := newFakeSource("a", contract(t, "a", "X", "2024-01-05"))
	o := New(Config{}, e.cp, e.store, []Source{a})

	rep, err := o.Run(ctx, RunOptions{StopAfter: checkpoint.Convert})
	require.NoError(t, err)
	assert.False(t, rep.Complete)
	_, ranFix := resultOf(rep, "a", checkpoint.Fix)
	assert.False(t, ranFix)

	status, err := e.cp.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.Convert, status["a"])

	rep, err = o.Run(ctx, RunOptions{StopAfter: checkpoint.Duplicate})
	require.NoError(t, err)
	r, ok := resultOf(rep, checkpoint.All, checkpoint.Duplicate)
	require.True(t, ok)
	assert.Equal(t, Done, r.Kind)
	_, ranGlobal := resultOf(rep, checkpoint.All, checkpoint.Global)
	assert.False(t, ranGlobal)

	status, err = e.cp.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.Duplicate, status[checkpoint.All])
	assert.Equal(t, checkpoint.Merged, status["a"])
}

// corruptResume reports every artifact as corrupt.
type corruptResume struct {
	checkpoint.Store
}

func (c corruptResume) Resume(_ context.Context, stream checkpoint.Stream, stage checkpoint.Stage) (*checkpoint.Artifact, error) {
	return nil, eris.Wrapf(checkpoint.ErrCorrupt, "%s/%s", stream, stage)
}

func TestRun_CorruptCheckpointStopsRun(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	a := newFakeSource("a", contract(t, "a", "X", "2024-01-05"))
	_, err := New(Config{}, e.cp, e.store, []Source{a}).Run(ctx, RunOptions{StopAfter: checkpoint.Clean})
	require.NoError(t, err)

	_, err = New(Config{}, corruptResume{e.cp}, e.store, []Source{a}).Run(ctx, RunOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, checkpoint.ErrCorrupt))

	status, err := e.cp.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.Clean, status["a"], "checkpoint never moves past the corrupt stage")
}

func TestRun_GlobalFailureResumesAtFailedStage(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	a := newFakeSource("a", contract(t, "a", "X", "2024-01-05"))
	exp := &fakeExporter{err: eris.New("disk full")}
	o := New(Config{}, e.cp, e.store, []Source{a}, WithExporter(exp), WithClock(func() time.Time { return testNow }))

	rep, err := o.Run(ctx, RunOptions{})
	require.NoError(t, err)
	require.Len(t, rep.Failures(), 1)
	assert.Equal(t, checkpoint.Export, rep.Failures()[0].Stage)
	require.NotNil(t, rep.Global)

	exp.err = nil
	rep, err = o.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.True(t, rep.Complete)
	assert.Nil(t, rep.Global, "global stage not replayed")
	r, _ := resultOf(rep, checkpoint.All, checkpoint.Export)
	assert.Equal(t, Done, r.Kind)
	assert.Len(t, exp.buckets, 2)
}

func TestRun_NewSourceDataRestartsGlobalStages(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	a := newFakeSource("a", contract(t, "a", "X", "2024-01-05"))
	b := newFakeSource("b", contract(t, "b", "X", "2024-02-10"))
	o := New(Config{ResetOnSuccess: false}, e.cp, e.store, []Source{a, b}, WithClock(func() time.Time { return testNow }))

	rep, err := o.Run(ctx, RunOptions{})
	require.NoError(t, err)
	require.True(t, rep.Complete)

	require.NoError(t, e.cp.ResetStream(ctx, "a"))
	rep, err = o.Run(ctx, RunOptions{})
	require.NoError(t, err)

	r, ok := resultOf(rep, checkpoint.All, checkpoint.MergeAll)
	require.True(t, ok)
	assert.Equal(t, Done, r.Kind)
	assert.Equal(t, int32(2), a.getCalls.Load())
	assert.Equal(t, int32(1), b.getCalls.Load())

	// Replaying the same data leaves one canonical row and one archived version.
	counts, err := e.store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[record.Contract].Canonical)
	assert.Equal(t, int64(1), counts[record.Contract].Archived)
}

func TestRun_ResetOption(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	a := newFakeSource("a", contract(t, "a", "X", "2024-01-05"))
	o := New(Config{}, e.cp, e.store, []Source{a})

	_, err := o.Run(ctx, RunOptions{StopAfter: checkpoint.Fix})
	require.NoError(t, err)
	_, err = o.Run(ctx, RunOptions{StopAfter: checkpoint.Fix, Reset: true})
	require.NoError(t, err)
	assert.Equal(t, int32(2), a.getCalls.Load())
}

func TestRun_LocalSkipsPublish(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	a := newFakeSource("a", contract(t, "a", "X", "2024-01-05"))
	pub := &fakePublisher{}
	o := New(Config{}, e.cp, e.store, []Source{a},
		WithExporter(&fakeExporter{}), WithPublisher(pub), WithClock(func() time.Time { return testNow }))

	rep, err := o.Run(ctx, RunOptions{Local: true})
	require.NoError(t, err)
	assert.True(t, rep.Complete)
	assert.Empty(t, pub.paths)
}
