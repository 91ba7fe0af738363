package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/decp-sync/internal/checkpoint"
	"github.com/sells-group/decp-sync/internal/fetcher"
	"github.com/sells-group/decp-sync/internal/record"
	"github.com/sells-group/decp-sync/internal/recordstore"
	"github.com/sells-group/decp-sync/internal/resilience"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeRegistry struct {
	mu      sync.Mutex
	sources map[string]int64
	files   map[string]recordstore.FileEntry
	ids     map[string]int64
	known   map[string]time.Time
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		sources: map[string]int64{},
		files:   map[string]recordstore.FileEntry{},
		ids:     map[string]int64{},
		known:   map[string]time.Time{},
	}
}

func (r *fakeRegistry) FindOrAddSource(_ context.Context, code string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.sources[code]; ok {
		return id, nil
	}
	id := int64(len(r.sources) + 1)
	r.sources[code] = id
	return id, nil
}

func (r *fakeRegistry) FindOrAddFile(_ context.Context, f recordstore.FileEntry) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files[f.Name] = f
	if id, ok := r.ids[f.Name]; ok {
		return id, nil
	}
	id := int64(100 + len(r.ids))
	r.ids[f.Name] = id
	return id, nil
}

func (r *fakeRegistry) KnownFiles(_ context.Context, _ int64) (map[string]time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]time.Time, len(r.known))
	for k, v := range r.known {
		out[k] = v
	}
	return out, nil
}

func (r *fakeRegistry) MarkIngested(_ context.Context, _ []string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, f := range r.files {
		r.known[name] = f.Modified
	}
	return int64(len(r.files)), nil
}

func newTestFetcher() fetcher.Fetcher {
	return fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent:  "test-agent",
		Timeout:    5 * time.Second,
		MaxRetries: 1,
		Retry: &resilience.RetryConfig{
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
		},
	})
}

// datasetServer serves one dataset listing and its files.
func datasetServer(t *testing.T, files map[string]string, resources []map[string]string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	mux.HandleFunc("/api/1/datasets/ds1/", func(w http.ResponseWriter, _ *http.Request) {
		var list []map[string]string
		for _, r := range resources {
			item := map[string]string{}
			for k, v := range r {
				item[k] = v
			}
			item["url"] = srv.URL + item["url"]
			list = append(list, item)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"resources": list})
	})
	for name, body := range files {
		mux.HandleFunc("/files/"+name, func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(body))
		})
	}
	return srv
}

func TestGet_SelectsNewAndChangedFiles(t *testing.T) {
	srv := datasetServer(t,
		map[string]string{"a.xml": "<marches/>", "b.json": "[]", "c.xml": "<marches/>"},
		[]map[string]string{
			{"url": "/files/c.xml", "title": "c.xml", "last_modified": "2024-03-01T00:00:00+00:00"},
			{"url": "/files/a.xml", "title": "a.xml", "last_modified": "2024-01-01T00:00:00+00:00"},
			{"url": "/files/b.json", "title": "b.json", "last_modified": "2024-02-01T10:00:00.123456"},
			{"url": "/files/readme.csv", "title": "readme.csv", "last_modified": "2024-02-01T00:00:00+00:00"},
		},
	)

	reg := newFakeRegistry()
	reg.known["a.xml"] = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)  // unchanged
	reg.known["c.xml"] = time.Date(2024, 2, 15, 0, 0, 0, 0, time.UTC) // changed since

	dir := t.TempDir()
	src := New(Definition{Code: "s1", Format: FormatXML, Datasets: []string{"ds1"}},
		newTestFetcher(), reg, dir, WithAPIBase(srv.URL+"/api/1"))

	a, err := src.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, checkpoint.KindManifest, a.Kind)
	require.Len(t, a.Files, 2)

	assert.Equal(t, "b.json", a.Files[0].Title)
	assert.Equal(t, FormatJSON, a.Files[0].Format)
	assert.Equal(t, "c.xml", a.Files[1].Title)
	assert.Equal(t, FormatXML, a.Files[1].Format)

	body, err := os.ReadFile(a.Files[1].Path)
	require.NoError(t, err)
	assert.Equal(t, "<marches/>", string(body))
	assert.Equal(t, filepath.Join(dir, "s1", "c.xml"), a.Files[1].Path)
}

func TestGet_RebuildYearIgnoresRegistry(t *testing.T) {
	srv := datasetServer(t,
		map[string]string{"a.xml": "<marches/>", "old.xml": "<marches/>"},
		[]map[string]string{
			{"url": "/files/a.xml", "title": "a.xml", "last_modified": "2024-01-01T00:00:00+00:00"},
			{"url": "/files/old.xml", "title": "old.xml", "last_modified": "2022-06-01T00:00:00+00:00"},
		},
	)
	reg := newFakeRegistry()
	reg.known["a.xml"] = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	src := New(Definition{Code: "s1", Format: FormatXML, Datasets: []string{"ds1"}},
		newTestFetcher(), reg, t.TempDir(), WithAPIBase(srv.URL+"/api/1"), WithRebuildYear(2024))

	a, err := src.Get(context.Background())
	require.NoError(t, err)
	require.Len(t, a.Files, 1)
	assert.Equal(t, "a.xml", a.Files[0].Title)
}

func TestGet_DirectURL(t *testing.T) {
	srv := datasetServer(t, map[string]string{"export.xml": "<marches/>"}, nil)

	src := New(Definition{Code: "s2", Format: FormatXML, URL: srv.URL + "/files/export.xml"},
		newTestFetcher(), newFakeRegistry(), t.TempDir())

	a, err := src.Get(context.Background())
	require.NoError(t, err)
	require.Len(t, a.Files, 1)
	assert.Equal(t, "export.xml", a.Files[0].Title)
	assert.FileExists(t, a.Files[0].Path)
}

func TestGet_DownloadFailureFailsStage(t *testing.T) {
	srv := datasetServer(t, nil, []map[string]string{
		{"url": "/files/missing.xml", "title": "missing.xml", "last_modified": "2024-01-01T00:00:00+00:00"},
	})
	src := New(Definition{Code: "s1", Format: FormatXML, Datasets: []string{"ds1"}},
		newTestFetcher(), newFakeRegistry(), t.TempDir(), WithAPIBase(srv.URL+"/api/1"))

	_, err := src.Get(context.Background())
	require.Error(t, err)
}

const sampleXML = `<?xml version="1.0" encoding="UTF-8"?>
<marches>
  <marche>
    <id>M1</id>
    <acheteur><id>B1</id></acheteur>
    <titulaires>
      <titulaire><id>T2</id></titulaire>
      <titulaire><id>T1</id></titulaire>
    </titulaires>
    <dateNotification>2024-01-10</dateNotification>
    <montant>1000,50</montant>
    <datePublicationDonnees>2024-01-12</datePublicationDonnees>
    <offresRecues>3</offresRecues>
    <marcheInnovant>non</marcheInnovant>
  </marche>
  <marche>
    <objet>no id</objet>
  </marche>
  <contrat-concession>
    <id>C1</id>
    <autoriteConcedante><id>A1</id></autoriteConcedante>
    <concessionnaires><concessionnaire><id>Z1</id></concessionnaire></concessionnaires>
    <dateDebutExecution>2024-02-01</dateDebutExecution>
    <valeurGlobale>5000</valeurGlobale>
    <datePublicationDonnees>2024-02-03</datePublicationDonnees>
  </contrat-concession>
</marches>`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestClean_DecodesAndRegistersFiles(t *testing.T) {
	dir := t.TempDir()
	modified := time.Date(2024, 2, 5, 0, 0, 0, 0, time.UTC)
	manifest := &checkpoint.Artifact{
		Kind: checkpoint.KindManifest,
		Files: []checkpoint.FileRef{
			{Title: "good.xml", Path: writeFile(t, dir, "good.xml", sampleXML), Format: FormatXML, Modified: modified},
			{Title: "broken.xml", Path: writeFile(t, dir, "broken.xml", "<marches><marche><id>X"), Format: FormatXML},
			{Title: "flat.json", Path: writeFile(t, dir, "flat.json", `[{"id": "J1", "_type": "Marché"}]`), Format: FormatJSON},
		},
	}

	reg := newFakeRegistry()
	src := New(Definition{Code: "s1", Format: FormatXML, URL: "http://example.invalid/x.xml"}, nil, reg, dir)

	pair, err := src.Clean(context.Background(), manifest)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.KindPair, pair.Kind)
	require.Len(t, pair.Contracts, 2)
	require.Len(t, pair.Concessions, 1)

	m1 := pair.Contracts[0]
	assert.Equal(t, "M1", m1.ID)
	assert.Equal(t, "s1", m1.Lineage.Source)
	assert.Equal(t, "good.xml", m1.Lineage.File)
	assert.Equal(t, 0, m1.Lineage.Position)
	assert.Equal(t, modified, m1.Lineage.FileDate)
	assert.Equal(t, int64(1), m1.Lineage.SourceID)
	assert.Equal(t, int64(100), m1.Lineage.FileID)

	assert.Equal(t, "J1", pair.Contracts[1].ID)
	assert.Equal(t, "C1", pair.Concessions[0].ID)
	assert.Equal(t, record.Concession, pair.Concessions[0].Category)

	assert.Equal(t, 1, pair.Meta["invalid"])
	assert.Equal(t, []string{"broken.xml"}, pair.Meta["failed_files"])

	f := reg.files["good.xml"]
	assert.Equal(t, 1, f.Contracts)
	assert.Equal(t, 1, f.Concessions)
	assert.NotContains(t, reg.files, "broken.xml")
}

func TestClean_MissingFileIsSkipped(t *testing.T) {
	src := New(Definition{Code: "s1", Format: FormatXML, URL: "http://example.invalid/x.xml"}, nil, newFakeRegistry(), t.TempDir())
	pair, err := src.Clean(context.Background(), &checkpoint.Artifact{
		Kind:  checkpoint.KindManifest,
		Files: []checkpoint.FileRef{{Title: "gone.xml", Path: "/nonexistent/gone.xml"}},
	})
	require.NoError(t, err)
	assert.Empty(t, pair.Contracts)
	assert.Equal(t, []string{"gone.xml"}, pair.Meta["failed_files"])
}

func TestConvertAndFix(t *testing.T) {
	dir := t.TempDir()
	reg := newFakeRegistry()
	src := New(Definition{Code: "s1", Format: FormatXML, URL: "http://example.invalid/x.xml"}, nil, reg, dir)
	ctx := context.Background()

	// The same file twice yields exact duplicates.
	manifest := &checkpoint.Artifact{Kind: checkpoint.KindManifest, Files: []checkpoint.FileRef{
		{Title: "a.xml", Path: writeFile(t, dir, "a.xml", sampleXML)},
		{Title: "b.xml", Path: writeFile(t, dir, "b.xml", sampleXML)},
	}}
	pair, err := src.Clean(ctx, manifest)
	require.NoError(t, err)

	batch, err := src.Convert(ctx, pair)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.KindBatch, batch.Kind)
	require.Len(t, batch.Records, 4)
	assert.Equal(t, record.Contract, batch.Records[0].Category)
	assert.Equal(t, record.Concession, batch.Records[3].Category)

	fixed, err := src.Fix(ctx, batch)
	require.NoError(t, err)
	require.Len(t, fixed.Records, 2)
	assert.Equal(t, 2, fixed.Meta["duplicates"])

	m1 := fixed.Records[0]
	assert.Equal(t, "b.xml", m1.Lineage.File, "last occurrence kept")
	assert.Equal(t, []string{"T1", "T2"}, m1.Holders)
	assert.Equal(t, "1000.5", m1.Amount)

	raw, ok := m1.Payload.Get("montant")
	require.True(t, ok)
	assert.JSONEq(t, `1000.5`, string(raw))
	raw, _ = m1.Payload.Get("offresRecues")
	assert.JSONEq(t, `3`, string(raw))
	raw, _ = m1.Payload.Get("marcheInnovant")
	assert.JSONEq(t, `false`, string(raw))
}

func TestDefaultNormalizer(t *testing.T) {
	p, err := record.ParsePayload([]byte(`{
		"id": "M9",
		"titulaires": [
			{"titulaire": {"id": "b", "denominationSociale": "B"}},
			{"titulaire": {"denominationSociale": "no id"}},
			{"titulaire": {"id": "a"}}
		],
		"offresRecues": "NC",
		"dureeMois": "12.0",
		"sousTraitanceDeclaree": "1",
		"tauxAvance": "0,05"
	}`))
	require.NoError(t, err)

	require.NoError(t, DefaultNormalizer{}.Normalize(record.Contract, p))

	got, err := p.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"id": "M9",
		"titulaires": [
			{"titulaire": {"id": "a"}},
			{"titulaire": {"id": "b", "denominationSociale": "B"}}
		],
		"offresRecues": "NC",
		"dureeMois": 12,
		"sousTraitanceDeclaree": true,
		"tauxAvance": 0.05,
		"acheteur": {"id": "M9"}
	}`, string(got))
}

func TestDefaultNormalizer_KeepsBuyerAndHolderFieldOrder(t *testing.T) {
	p, err := record.ParsePayload([]byte(`{"id":"M1","acheteur":{"id":"B1"},"titulaires":[{"titulaire":{"typeIdentifiant":"SIRET","id":"z"}}]}`))
	require.NoError(t, err)
	require.NoError(t, DefaultNormalizer{}.Normalize(record.Contract, p))

	raw, _ := p.Get("acheteur")
	assert.JSONEq(t, `{"id":"B1"}`, string(raw))
	raw, _ = p.Get("titulaires")
	assert.Equal(t, `[{"titulaire":{"typeIdentifiant":"SIRET","id":"z"}}]`, string(raw))
}

func TestDefaultNormalizer_ConcessionHolders(t *testing.T) {
	p, err := record.ParsePayload([]byte(`{"id":"C1","concessionnaires":[{"concessionnaire":{"id":"2"}},{"concessionnaire":{"id":"1"}}]}`))
	require.NoError(t, err)
	require.NoError(t, DefaultNormalizer{}.Normalize(record.Concession, p))

	raw, _ := p.Get("concessionnaires")
	assert.JSONEq(t, `[{"concessionnaire":{"id":"1"}},{"concessionnaire":{"id":"2"}}]`, string(raw))
	_, ok := p.Get("acheteur")
	assert.False(t, ok, "concessions get no default buyer")
}

func TestDropExactDuplicates(t *testing.T) {
	mk := func(id, file string) record.Record {
		p, err := record.ParsePayload([]byte(fmt.Sprintf(`{"id":%q}`, id)))
		require.NoError(t, err)
		return record.FromPayload(record.Contract, p, record.Lineage{File: file})
	}
	out := DropExactDuplicates([]record.Record{mk("1", "a"), mk("2", "a"), mk("1", "b")})
	require.Len(t, out, 2)
	assert.Equal(t, "2", out[0].ID)
	assert.Equal(t, "b", out[1].Lineage.File)
}
