// Package pipeline drives every source through its checkpointed stages, then
// folds the sources together, resolves identities and writes the result
// through the record store.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/decp-sync/internal/checkpoint"
	"github.com/sells-group/decp-sync/internal/record"
	"github.com/sells-group/decp-sync/internal/recordstore"
)

// Source runs the per-source stages. Each stage receives the artifact of the
// previous one; Get receives nothing.
type Source interface {
	Code() string
	Get(ctx context.Context) (*checkpoint.Artifact, error)
	Clean(ctx context.Context, in *checkpoint.Artifact) (*checkpoint.Artifact, error)
	Convert(ctx context.Context, in *checkpoint.Artifact) (*checkpoint.Artifact, error)
	Fix(ctx context.Context, in *checkpoint.Artifact) (*checkpoint.Artifact, error)
}

// BatchFixer normalizes the merged batch of every source.
type BatchFixer interface {
	FixBatch(ctx context.Context, recs []record.Record) ([]record.Record, map[string]any, error)
}

// Exporter writes the buckets of the current dataset and returns the paths
// it wrote.
type Exporter interface {
	Export(ctx context.Context, buckets []string) ([]string, error)
}

// Enricher computes the downstream payload of a canonical row. A nil
// payload leaves the row unretained.
type Enricher interface {
	Enrich(ctx context.Context, row recordstore.CanonicalRow) (json.RawMessage, error)
}

// Publisher hands exported files to an outbound catalog.
type Publisher interface {
	Publish(ctx context.Context, paths []string) error
}

// IngestMarker records that the files read from sources reached the store.
type IngestMarker interface {
	MarkIngested(ctx context.Context, sources []string) (int64, error)
}

// Config holds the settings that do not change between runs.
type Config struct {
	MaxConcurrentSources int
	ResetOnSuccess       bool
	// FirstBucket is the first exported year-month, e.g. "2024-01".
	FirstBucket string
}

// RunOptions configures one run.
type RunOptions struct {
	// RunID identifies the run in the run log and as the store batch id.
	// A random one is generated when empty.
	RunID string
	// StopAfter ends the run once this stage completed. None runs everything.
	StopAfter checkpoint.Stage
	// Reset clears every checkpoint before running.
	Reset bool
	// Local skips publication.
	Local bool
	// RebuildYear limits exported buckets to one year.
	RebuildYear int
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRunLog records runs in l.
func WithRunLog(l recordstore.RunLog) Option {
	return func(o *Orchestrator) { o.runLog = l }
}

// WithBatchFixer replaces the default FixAll normalization.
func WithBatchFixer(f BatchFixer) Option {
	return func(o *Orchestrator) { o.fixer = f }
}

// WithExporter sets the exporter run by the Export stage.
func WithExporter(e Exporter) Option {
	return func(o *Orchestrator) { o.exporter = e }
}

// WithEnricher sets the enricher run by the AugmentLoad stage.
func WithEnricher(e Enricher) Option {
	return func(o *Orchestrator) { o.enricher = e }
}

// WithPublisher sets the publisher run by the Publish stage.
func WithPublisher(p Publisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

// WithIngestMarker marks the files of merged sources ingested once the
// Global stage stored their records.
func WithIngestMarker(m IngestMarker) Option {
	return func(o *Orchestrator) { o.marker = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator runs the pipeline.
type Orchestrator struct {
	cfg        Config
	checkpoint checkpoint.Store
	store      recordstore.Store
	sources    []Source
	runLog     recordstore.RunLog
	fixer      BatchFixer
	exporter   Exporter
	enricher   Enricher
	publisher  Publisher
	marker     IngestMarker
	now        func() time.Time
}

// New creates an Orchestrator over sources, in catalog order.
func New(cfg Config, cp checkpoint.Store, st recordstore.Store, sources []Source, opts ...Option) *Orchestrator {
	if cfg.MaxConcurrentSources <= 0 {
		cfg.MaxConcurrentSources = 4
	}
	if cfg.FirstBucket == "" {
		cfg.FirstBucket = "2024-01"
	}
	o := &Orchestrator{
		cfg:        cfg,
		checkpoint: cp,
		store:      st,
		sources:    sources,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.fixer == nil {
		o.fixer = DateFixer{Since: bucketStart(cfg.FirstBucket)}
	}
	return o
}

// Run executes one run. Per-source failures are recorded in the report and
// do not stop sibling sources; the global stages run over the sources that
// reached Fix and the run is not complete. The returned error is set only for failures that must stop the process:
// an unusable checkpoint store or a cancelled context.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) (*Report, error) {
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	log := zap.L().With(zap.String("component", "pipeline"), zap.String("run_id", opts.RunID))
	start := o.now()

	rep := &Report{RunID: opts.RunID, StartedAt: start.UTC()}
	if o.runLog != nil {
		if err := o.runLog.Start(ctx, opts.RunID, opts.asMap()); err != nil {
			return nil, eris.Wrap(err, "pipeline: start run log")
		}
	}

	err := o.run(ctx, opts, rep)
	rep.Elapsed = o.now().Sub(start)

	if err == nil {
		counts, cerr := o.store.Counts(ctx)
		if cerr != nil {
			log.Warn("audit counts unavailable", zap.Error(cerr))
		} else {
			rep.Counts = counts
		}
	}
	o.finish(ctx, rep, err)

	log.Info("pipeline run finished",
		zap.Bool("complete", rep.Complete),
		zap.Int("failed_stages", len(rep.Failures())),
		zap.Duration("elapsed", rep.Elapsed),
	)
	return rep, err
}

func (o *Orchestrator) run(ctx context.Context, opts RunOptions, rep *Report) error {
	log := zap.L().With(zap.String("component", "pipeline"), zap.String("run_id", opts.RunID))

	if opts.Reset {
		if err := o.checkpoint.Reset(ctx); err != nil {
			return eris.Wrap(err, "pipeline: reset checkpoints")
		}
		log.Info("checkpoints reset")
	}

	results, err := o.runSources(ctx, opts)
	rep.Stages = append(rep.Stages, results...)
	if err != nil {
		return err
	}

	if opts.StopAfter != checkpoint.None && opts.StopAfter < checkpoint.MergeAll {
		log.Info("stopping after source stages", zap.Stringer("stage", opts.StopAfter))
		return nil
	}
	if failures := rep.Failures(); len(failures) > 0 {
		log.Warn("sources failed, merging the others", zap.Int("failed", len(failures)))
	}

	ready, err := o.readySources(ctx)
	if err != nil {
		return err
	}
	if len(ready) == 0 {
		log.Warn("global stages skipped: no source reached fix")
		return nil
	}

	results, err = o.runGlobal(ctx, opts, ready, rep)
	rep.Stages = append(rep.Stages, results...)
	if err != nil {
		return err
	}

	last := checkpoint.Publish
	if opts.StopAfter != checkpoint.None {
		last = opts.StopAfter
	}
	rep.Complete = len(rep.Failures()) == 0 && last == checkpoint.Publish

	if rep.Complete && o.cfg.ResetOnSuccess {
		if err := o.checkpoint.Reset(ctx); err != nil {
			return eris.Wrap(err, "pipeline: reset checkpoints after success")
		}
		log.Info("run complete, checkpoints reset")
	}
	return nil
}

// runSources runs the source stages of every source concurrently.
func (o *Orchestrator) runSources(ctx context.Context, opts RunOptions) ([]StageResult, error) {
	var (
		mu      sync.Mutex
		results []StageResult
	)

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.MaxConcurrentSources)

	for _, src := range o.sources {
		g.Go(func() error {
			// Stages get ctx, not gCtx: a fatal error elsewhere stops this
			// source between stages, never inside one.
			res, err := o.runChain(ctx, gCtx, checkpoint.Stream(src.Code()), sourceSteps(src), opts.StopAfter)
			mu.Lock()
			results = append(results, res...)
			mu.Unlock()
			return err
		})
	}
	err := g.Wait()
	return results, err
}

func sourceSteps(src Source) []step {
	return []step{
		{stage: checkpoint.Get, run: func(ctx context.Context, _ *checkpoint.Artifact) (*checkpoint.Artifact, error) {
			return src.Get(ctx)
		}},
		{stage: checkpoint.Clean, input: checkpoint.Get, run: src.Clean},
		{stage: checkpoint.Convert, input: checkpoint.Clean, run: src.Convert},
		{stage: checkpoint.Fix, input: checkpoint.Convert, run: src.Fix},
	}
}

// readySources returns the sources that reached Fix, in catalog order. When
// ALL already went past MergeAll but one of them has not been merged yet, ALL
// is reset so the global stages pick that source up.
func (o *Orchestrator) readySources(ctx context.Context) ([]Source, error) {
	status, err := o.checkpoint.Status(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: read checkpoint status")
	}
	var ready []Source
	unmerged := false
	for _, src := range o.sources {
		s := status[checkpoint.Stream(src.Code())]
		if s < checkpoint.Fix {
			continue
		}
		ready = append(ready, src)
		if s < checkpoint.Merged {
			unmerged = true
		}
	}
	if unmerged && status[checkpoint.All] >= checkpoint.MergeAll {
		zap.L().Info("new source data since last merge, restarting global stages")
		if err := o.checkpoint.ResetStream(ctx, checkpoint.All); err != nil {
			return nil, eris.Wrap(err, "pipeline: reset ALL stream")
		}
	}
	return ready, nil
}

// finish closes the run log entry.
func (o *Orchestrator) finish(ctx context.Context, rep *Report, runErr error) {
	if o.runLog == nil {
		return
	}
	log := zap.L().With(zap.String("component", "pipeline"), zap.String("run_id", rep.RunID))

	var msg string
	switch {
	case runErr != nil:
		msg = runErr.Error()
	case len(rep.Failures()) > 0:
		msg = rep.FailureSummary()
	}
	// The run may have been cancelled; the log entry still has to be closed.
	ctx = context.WithoutCancel(ctx)
	if msg != "" {
		if err := o.runLog.Fail(ctx, rep.RunID, msg); err != nil {
			log.Error("failed to record run failure", zap.Error(err))
		}
		return
	}
	if err := o.runLog.Complete(ctx, rep.RunID, rep.Metadata()); err != nil {
		log.Error("failed to record run completion", zap.Error(err))
	}
}

func (opts RunOptions) asMap() map[string]any {
	m := map[string]any{"local": opts.Local, "reset": opts.Reset}
	if opts.StopAfter != checkpoint.None {
		m["stop_after"] = opts.StopAfter.String()
	}
	if opts.RebuildYear != 0 {
		m["rebuild_year"] = opts.RebuildYear
	}
	return m
}

// isFatal reports errors that must stop the whole run.
func isFatal(err error) bool {
	return errors.Is(err, checkpoint.ErrCorrupt) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
