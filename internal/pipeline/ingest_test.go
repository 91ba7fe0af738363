package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/decp-sync/internal/checkpoint"
	"github.com/sells-group/decp-sync/internal/fetcher"
	"github.com/sells-group/decp-sync/internal/record"
	"github.com/sells-group/decp-sync/internal/resilience"
	"github.com/sells-group/decp-sync/internal/source"
)

const portalXML = `<?xml version="1.0" encoding="UTF-8"?>
<marches>
  <marche>
    <id>M1</id>
    <acheteur><id>B1</id></acheteur>
    <titulaires><titulaire><id>T1</id></titulaire></titulaires>
    <dateNotification>2024-01-10</dateNotification>
    <montant>1000</montant>
    <datePublicationDonnees>2024-01-12</datePublicationDonnees>
  </marche>
</marches>`

// portal serves one dataset listing a dated decp.xml and counts downloads.
type portal struct {
	srv       *httptest.Server
	downloads atomic.Int32
}

func newPortal(t *testing.T) *portal {
	t.Helper()
	p := &portal{}
	mux := http.NewServeMux()
	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)

	mux.HandleFunc("/api/1/datasets/ds1/", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"resources": []map[string]string{{
			"url":           p.srv.URL + "/files/decp.xml",
			"title":         "decp.xml",
			"last_modified": "2024-03-01T00:00:00+00:00",
		}}})
	})
	mux.HandleFunc("/files/decp.xml", func(w http.ResponseWriter, _ *http.Request) {
		p.downloads.Add(1)
		_, _ = w.Write([]byte(portalXML))
	})
	return p
}

func (e env) portalSource(t *testing.T, p *portal, code string) *source.FileSource {
	t.Helper()
	f := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent:  "test-agent",
		Timeout:    5 * time.Second,
		MaxRetries: 1,
		Retry: &resilience.RetryConfig{
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
		},
	})
	return source.New(source.Definition{Code: code, Format: source.FormatXML, Datasets: []string{"ds1"}},
		f, e.store, t.TempDir(), source.WithAPIBase(p.srv.URL+"/api/1"))
}

func canonicalContracts(t *testing.T, e env) int64 {
	t.Helper()
	counts, err := e.store.Counts(context.Background())
	require.NoError(t, err)
	return counts[record.Contract].Canonical
}

func TestRun_ResetBeforeGlobalRefetchesFiles(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := newPortal(t)

	good := e.portalSource(t, p, "good")
	o := New(Config{}, e.cp, e.store, []Source{good},
		WithIngestMarker(e.store), WithClock(func() time.Time { return testNow }))

	// The file is decoded and registered but its records never reach the store.
	_, err := o.Run(ctx, RunOptions{StopAfter: checkpoint.Fix})
	require.NoError(t, err)
	assert.Equal(t, int32(1), p.downloads.Load())
	assert.Zero(t, canonicalContracts(t, e))

	rep, err := o.Run(ctx, RunOptions{Reset: true})
	require.NoError(t, err)
	assert.True(t, rep.Complete)
	assert.Equal(t, int32(2), p.downloads.Load(), "pending file downloaded again")
	assert.Equal(t, int64(1), canonicalContracts(t, e))
	require.NotNil(t, rep.Global)
	assert.Equal(t, 1, rep.Global.FilesIngested)

	// Once stored, the unchanged file is skipped.
	rep, err = o.Run(ctx, RunOptions{Reset: true})
	require.NoError(t, err)
	assert.True(t, rep.Complete)
	assert.Equal(t, int32(2), p.downloads.Load())
	assert.Equal(t, int64(1), canonicalContracts(t, e))
}

func TestRun_FailedSourceDoesNotLoseSiblingFiles(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := newPortal(t)

	good := e.portalSource(t, p, "good")
	down := newFakeSource("down")
	down.failGet(eris.New("portal down"))
	o := New(Config{MaxConcurrentSources: 2}, e.cp, e.store, []Source{good, down},
		WithIngestMarker(e.store), WithClock(func() time.Time { return testNow }))

	rep, err := o.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.False(t, rep.Complete)
	require.Len(t, rep.Failures(), 1)
	assert.Equal(t, checkpoint.Stream("down"), rep.Failures()[0].Stream)

	down.healGet()
	rep, err = o.Run(ctx, RunOptions{Reset: true})
	require.NoError(t, err)
	assert.True(t, rep.Complete)
	assert.Equal(t, int32(1), p.downloads.Load())
	assert.Equal(t, int64(1), canonicalContracts(t, e))
}
