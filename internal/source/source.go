// Package source runs the per-source stages of the pipeline: listing and
// downloading files, decoding them into records, and fixing those records.
package source

import (
	"cmp"
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/decp-sync/internal/checkpoint"
	"github.com/sells-group/decp-sync/internal/fetcher"
	"github.com/sells-group/decp-sync/internal/record"
	"github.com/sells-group/decp-sync/internal/recordstore"
)

// DefaultAPIBase is the data.gouv.fr API root.
const DefaultAPIBase = "https://www.data.gouv.fr/api/1"

// Option configures a FileSource.
type Option func(*FileSource)

// WithAPIBase overrides the dataset API root.
func WithAPIBase(base string) Option {
	return func(s *FileSource) { s.apiBase = strings.TrimSuffix(base, "/") }
}

// WithRebuildYear limits fetched files to those modified during year and
// ignores what the registry already knows.
func WithRebuildYear(year int) Option {
	return func(s *FileSource) { s.rebuildYear = year }
}

// WithNormalizer replaces the default normalizer.
func WithNormalizer(n Normalizer) Option {
	return func(s *FileSource) { s.normalizer = n }
}

// WithValidator replaces the default validator.
func WithValidator(v Validator) Option {
	return func(s *FileSource) { s.validator = v }
}

// FileSource is a source publishing DECP files, either through data.gouv.fr
// datasets or at a fixed URL.
type FileSource struct {
	def         Definition
	fetch       fetcher.Fetcher
	registry    recordstore.Registry
	workDir     string
	apiBase     string
	rebuildYear int
	normalizer  Normalizer
	validator   Validator
}

// New creates a FileSource downloading into workDir/<code>.
func New(def Definition, f fetcher.Fetcher, reg recordstore.Registry, workDir string, opts ...Option) *FileSource {
	s := &FileSource{
		def:        def,
		fetch:      f,
		registry:   reg,
		workDir:    workDir,
		apiBase:    DefaultAPIBase,
		normalizer: DefaultNormalizer{},
		validator:  DefaultValidator{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Code returns the source code, also used as its checkpoint stream.
func (s *FileSource) Code() string { return s.def.Code }

func (s *FileSource) log() *zap.Logger {
	return zap.L().With(zap.String("component", "source"), zap.String("source", s.def.Code))
}

type datasetResponse struct {
	Resources []struct {
		URL          string `json:"url"`
		Title        string `json:"title"`
		LastModified string `json:"last_modified"`
	} `json:"resources"`
}

// Get lists the files of the source, keeps those that are new or changed
// since the last ingestion, and downloads them oldest first.
func (s *FileSource) Get(ctx context.Context) (*checkpoint.Artifact, error) {
	log := s.log()

	sourceID, err := s.registry.FindOrAddSource(ctx, s.def.Code)
	if err != nil {
		return nil, err
	}

	listed, err := s.list(ctx)
	if err != nil {
		return nil, err
	}

	known := map[string]time.Time{}
	if s.rebuildYear == 0 {
		known, err = s.registry.KnownFiles(ctx, sourceID)
		if err != nil {
			return nil, err
		}
	}

	var selected []checkpoint.FileRef
	for _, f := range listed {
		if s.rebuildYear != 0 && !f.Modified.IsZero() && f.Modified.Year() != s.rebuildYear {
			continue
		}
		if prev, ok := known[f.Title]; ok && !f.Modified.IsZero() && !f.Modified.After(prev) {
			continue
		}
		selected = append(selected, f)
	}
	slices.SortStableFunc(selected, func(a, b checkpoint.FileRef) int {
		return a.Modified.Compare(b.Modified)
	})

	dir := filepath.Join(s.workDir, s.def.Code)
	for i := range selected {
		f := &selected[i]
		f.Path = filepath.Join(dir, safeName(f.Title))
		n, err := s.fetch.DownloadToFile(ctx, f.URL, f.Path)
		if err != nil {
			return nil, eris.Wrapf(err, "source %s: download %s", s.def.Code, f.URL)
		}
		log.Debug("downloaded file", zap.String("file", f.Title), zap.Int64("bytes", n))
	}

	log.Info("files selected",
		zap.Int("listed", len(listed)),
		zap.Int("selected", len(selected)),
	)
	return &checkpoint.Artifact{
		Kind:  checkpoint.KindManifest,
		Files: selected,
		Meta:  map[string]any{"listed": len(listed), "selected": len(selected)},
	}, nil
}

// list returns every downloadable file of the source.
func (s *FileSource) list(ctx context.Context) ([]checkpoint.FileRef, error) {
	if len(s.def.Datasets) == 0 {
		u, err := url.Parse(s.def.URL)
		if err != nil {
			return nil, eris.Wrapf(err, "source %s: parse url", s.def.Code)
		}
		return []checkpoint.FileRef{{
			URL:    s.def.URL,
			Title:  path.Base(u.Path),
			Format: s.def.Format,
		}}, nil
	}

	var out []checkpoint.FileRef
	for i, ds := range s.def.Datasets {
		var resp datasetResponse
		if err := s.fetch.GetJSON(ctx, fmt.Sprintf("%s/datasets/%s/", s.apiBase, ds), &resp); err != nil {
			return nil, eris.Wrapf(err, "source %s: list dataset %s", s.def.Code, ds)
		}
		prefix := ""
		if len(s.def.Datasets) > 1 {
			prefix = fmt.Sprintf("%d_%s_", i, ds)
		}
		for _, r := range resp.Resources {
			format := formatOf(r.URL)
			if format == "" {
				continue
			}
			modified, _ := parseModified(r.LastModified)
			out = append(out, checkpoint.FileRef{
				URL:      r.URL,
				Title:    prefix + r.Title,
				Format:   format,
				Modified: modified,
			})
		}
	}
	return out, nil
}

// Clean decodes the downloaded files into contracts and concessions and
// registers each file. Files that fail to decode are skipped and reported.
func (s *FileSource) Clean(ctx context.Context, in *checkpoint.Artifact) (*checkpoint.Artifact, error) {
	log := s.log()

	sourceID, err := s.registry.FindOrAddSource(ctx, s.def.Code)
	if err != nil {
		return nil, err
	}

	out := &checkpoint.Artifact{Kind: checkpoint.KindPair}
	var invalid int
	var failed []string
	for _, f := range in.Files {
		recs, dropped, err := s.decodeFile(ctx, f)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Warn("file skipped", zap.String("file", f.Title), zap.Error(err))
			failed = append(failed, f.Title)
			continue
		}
		invalid += dropped

		var contracts, concessions int
		for _, r := range recs {
			if r.Category == record.Concession {
				concessions++
			} else {
				contracts++
			}
		}
		fileID, err := s.registry.FindOrAddFile(ctx, recordstore.FileEntry{
			SourceID:    sourceID,
			Name:        f.Title,
			URL:         f.URL,
			Modified:    f.Modified,
			Contracts:   contracts,
			Concessions: concessions,
		})
		if err != nil {
			return nil, err
		}

		for _, r := range recs {
			r.Lineage.SourceID = sourceID
			r.Lineage.FileID = fileID
			if r.Category == record.Concession {
				out.Concessions = append(out.Concessions, r)
			} else {
				out.Contracts = append(out.Contracts, r)
			}
		}
	}

	out.Meta = map[string]any{
		"contracts":    len(out.Contracts),
		"concessions":  len(out.Concessions),
		"invalid":      invalid,
		"failed_files": failed,
	}
	log.Info("files decoded",
		zap.Int("files", len(in.Files)-len(failed)),
		zap.Int("contracts", len(out.Contracts)),
		zap.Int("concessions", len(out.Concessions)),
		zap.Int("invalid", invalid),
	)
	return out, nil
}

// decodeFile reads one file and returns its valid records and the number
// of records the validator refused.
func (s *FileSource) decodeFile(ctx context.Context, f checkpoint.FileRef) ([]record.Record, int, error) {
	fh, err := os.Open(f.Path)
	if err != nil {
		return nil, 0, eris.Wrapf(err, "open %s", f.Path)
	}
	defer fh.Close() //nolint:errcheck

	var (
		elems <-chan fetcher.Element
		errs  <-chan error
	)
	switch cmp.Or(f.Format, formatOf(f.Path), s.def.Format) {
	case FormatJSON:
		elems, errs = fetcher.StreamJSON(ctx, fh)
	default:
		elems, errs = fetcher.StreamXML(ctx, fh, fetcher.ContractElement, fetcher.ConcessionElement)
	}

	var (
		recs    []record.Record
		invalid int
		convErr error
	)
	for el := range elems {
		if convErr != nil {
			continue
		}
		cat := record.Contract
		if el.Name == fetcher.ConcessionElement {
			cat = record.Concession
		}
		p, err := el.Object.Payload()
		if err != nil {
			convErr = err
			continue
		}
		r := record.FromPayload(cat, p, record.Lineage{
			Source:   s.def.Code,
			File:     f.Title,
			Position: el.Position,
			FileDate: f.Modified,
		})
		if err := s.validator.Validate(r); err != nil {
			invalid++
			continue
		}
		recs = append(recs, r)
	}
	if err := <-errs; err != nil {
		return nil, 0, err
	}
	if convErr != nil {
		return nil, 0, convErr
	}
	return recs, invalid, nil
}

// Convert flattens the contracts and concessions into one batch.
func (s *FileSource) Convert(_ context.Context, in *checkpoint.Artifact) (*checkpoint.Artifact, error) {
	recs := make([]record.Record, 0, len(in.Contracts)+len(in.Concessions))
	recs = append(recs, in.Contracts...)
	recs = append(recs, in.Concessions...)
	return &checkpoint.Artifact{
		Kind:    checkpoint.KindBatch,
		Records: recs,
		Meta:    map[string]any{"records": len(recs)},
	}, nil
}

// Fix normalizes every record, recomputes its identity fields and drops
// exact duplicates within the source, keeping the last one read.
func (s *FileSource) Fix(_ context.Context, in *checkpoint.Artifact) (*checkpoint.Artifact, error) {
	fixed := make([]record.Record, 0, len(in.Records))
	for _, r := range in.Records {
		p := r.Payload.Clone()
		if err := s.normalizer.Normalize(r.Category, p); err != nil {
			return nil, eris.Wrapf(err, "source %s: normalize %s", s.def.Code, r.ID)
		}
		fixed = append(fixed, record.FromPayload(r.Category, p, r.Lineage))
	}

	out := DropExactDuplicates(fixed)
	dups := len(fixed) - len(out)
	s.log().Info("records fixed", zap.Int("records", len(out)), zap.Int("duplicates", dups))
	return &checkpoint.Artifact{
		Kind:    checkpoint.KindBatch,
		Records: out,
		Meta:    map[string]any{"records": len(out), "duplicates": dups},
	}, nil
}

// DropExactDuplicates removes records whose category and payload repeat an
// earlier one, keeping the last occurrence at its position.
func DropExactDuplicates(recs []record.Record) []record.Record {
	seen := make(map[string]bool, len(recs))
	keep := make([]bool, len(recs))
	for i := len(recs) - 1; i >= 0; i-- {
		k := string(recs[i].Category) + "|" + recs[i].PayloadHash()
		if seen[k] {
			continue
		}
		seen[k] = true
		keep[i] = true
	}
	out := make([]record.Record, 0, len(seen))
	for i, r := range recs {
		if keep[i] {
			out = append(out, r)
		}
	}
	return out
}

func formatOf(name string) string {
	if u, err := url.Parse(name); err == nil && u.Path != "" {
		name = u.Path
	}
	switch strings.ToLower(path.Ext(name)) {
	case ".xml":
		return FormatXML
	case ".json":
		return FormatJSON
	}
	return ""
}

func safeName(title string) string {
	name := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, title)
	if name == "" || name == "." || name == ".." {
		return "file"
	}
	return name
}

var modifiedLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	time.DateOnly,
}

func parseModified(s string) (time.Time, bool) {
	for _, layout := range modifiedLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
