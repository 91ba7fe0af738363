package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/decp-sync/internal/checkpoint"
	"github.com/sells-group/decp-sync/internal/record"
	"github.com/sells-group/decp-sync/internal/recordstore"
	"github.com/sells-group/decp-sync/internal/resolve"
)

const progressEvery = 10000

// runGlobal runs the stages of the ALL stream.
func (o *Orchestrator) runGlobal(ctx context.Context, opts RunOptions, ready []Source, rep *Report) ([]StageResult, error) {
	steps := []step{
		{stage: checkpoint.MergeAll, run: func(ctx context.Context, _ *checkpoint.Artifact) (*checkpoint.Artifact, error) {
			return o.mergeAll(ctx, ready)
		}},
		{stage: checkpoint.FixAll, input: checkpoint.MergeAll, run: o.fixAll},
		{stage: checkpoint.Duplicate, input: checkpoint.FixAll, run: func(ctx context.Context, in *checkpoint.Artifact) (*checkpoint.Artifact, error) {
			return o.duplicate(ctx, in, rep)
		}},
		{stage: checkpoint.Global, input: checkpoint.Duplicate, run: func(ctx context.Context, in *checkpoint.Artifact) (*checkpoint.Artifact, error) {
			return o.global(ctx, in, opts.RunID, rep)
		}},
		{stage: checkpoint.Export, run: func(ctx context.Context, _ *checkpoint.Artifact) (*checkpoint.Artifact, error) {
			return o.export(ctx, opts.RebuildYear)
		}},
		{stage: checkpoint.AugmentLoad, run: func(ctx context.Context, _ *checkpoint.Artifact) (*checkpoint.Artifact, error) {
			return o.augmentLoad(ctx)
		}},
		{stage: checkpoint.AugmentClean, input: checkpoint.AugmentLoad, run: o.augmentClean},
		{stage: checkpoint.Publish, input: checkpoint.Export, run: func(ctx context.Context, in *checkpoint.Artifact) (*checkpoint.Artifact, error) {
			return o.publish(ctx, in, opts.Local)
		}},
	}
	return o.runChain(ctx, ctx, checkpoint.All, steps, opts.StopAfter)
}

// mergeAll concatenates the fixed batch of every ready source in catalog
// order and marks each of them merged.
func (o *Orchestrator) mergeAll(ctx context.Context, ready []Source) (*checkpoint.Artifact, error) {
	var recs []record.Record
	codes := make([]string, 0, len(ready))
	perSource := make(map[string]any, len(ready))
	for _, src := range ready {
		stream := checkpoint.Stream(src.Code())
		a, err := o.checkpoint.Resume(ctx, stream, checkpoint.Fix)
		if err != nil {
			return nil, eris.Wrapf(err, "pipeline: load fixed batch of %s", stream)
		}
		recs = append(recs, a.Records...)
		codes = append(codes, src.Code())
		perSource[src.Code()] = len(a.Records)
	}

	for _, src := range ready {
		if err := o.checkpoint.Snapshot(ctx, checkpoint.Stream(src.Code()), checkpoint.Merged, nil); err != nil {
			return nil, eris.Wrapf(err, "pipeline: mark %s merged", src.Code())
		}
	}

	zap.L().Info("sources merged", zap.Int("sources", len(ready)), zap.Int("records", len(recs)))
	return &checkpoint.Artifact{
		Kind:    checkpoint.KindBatch,
		Records: recs,
		Sources: codes,
		Meta:    map[string]any{"records": len(recs), "sources": perSource},
	}, nil
}

func (o *Orchestrator) fixAll(ctx context.Context, in *checkpoint.Artifact) (*checkpoint.Artifact, error) {
	recs, meta, err := o.fixer.FixBatch(ctx, in.Records)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: fix merged batch")
	}
	if meta == nil {
		meta = map[string]any{}
	}
	meta["records"] = len(recs)
	return &checkpoint.Artifact{Kind: checkpoint.KindBatch, Records: recs, Sources: in.Sources, Meta: meta}, nil
}

// duplicate resolves identities across the merged batch.
func (o *Orchestrator) duplicate(_ context.Context, in *checkpoint.Artifact, rep *Report) (*checkpoint.Artifact, error) {
	res := resolve.Resolve(in.Records)
	rep.Resolve = res.Stats

	stats := make(map[string]any, len(res.Stats))
	for cat, st := range res.Stats {
		stats[string(cat)] = st
		zap.L().Info("identities resolved",
			zap.String("category", string(cat)),
			zap.Int("input", st.Input),
			zap.Int("surviving", st.Surviving),
			zap.Int("duplicates", st.Duplicates),
			zap.Int("incomplete", st.Incomplete),
		)
	}
	return &checkpoint.Artifact{
		Kind:       checkpoint.KindResolved,
		Records:    res.Canonical,
		Superseded: res.SupersededRecords(),
		Sources:    in.Sources,
		Meta:       map[string]any{"stats": stats},
	}, nil
}

// global writes the resolved batch through the record store: survivors are
// upserted, losers archived. The files of the merged sources are marked
// ingested only after every write.
func (o *Orchestrator) global(ctx context.Context, in *checkpoint.Artifact, runID string, rep *Report) (*checkpoint.Artifact, error) {
	log := zap.L().With(zap.String("component", "pipeline"), zap.String("stage", checkpoint.Global.String()))
	now := o.now().UTC()
	var gs GlobalStats

	for i, r := range in.Records {
		id, err := o.store.Upsert(ctx, candidate(r, runID, now))
		if err != nil {
			return nil, eris.Wrapf(err, "pipeline: upsert %s", r.IdentityKey())
		}
		if id == recordstore.NotPromoted {
			gs.NotPromoted++
		} else {
			gs.Promoted++
		}
		if (i+1)%progressEvery == 0 {
			log.Info("upsert progress", zap.Int("done", i+1), zap.Int("total", len(in.Records)))
		}
	}

	for _, r := range in.Superseded {
		if err := o.store.Archive(ctx, candidate(r, runID, now), recordstore.ReasonResolved); err != nil {
			return nil, eris.Wrapf(err, "pipeline: archive %s", r.IdentityKey())
		}
		gs.Archived++
	}

	if o.marker != nil && len(in.Sources) > 0 {
		n, err := o.marker.MarkIngested(ctx, in.Sources)
		if err != nil {
			return nil, eris.Wrap(err, "pipeline: mark files ingested")
		}
		gs.FilesIngested = int(n)
	}

	rep.Global = &gs
	log.Info("records stored",
		zap.Int("promoted", gs.Promoted),
		zap.Int("not_promoted", gs.NotPromoted),
		zap.Int("archived", gs.Archived),
		zap.Int("files_ingested", gs.FilesIngested),
	)
	return &checkpoint.Artifact{
		Kind: checkpoint.KindMarker,
		Meta: map[string]any{
			"promoted":       gs.Promoted,
			"not_promoted":   gs.NotPromoted,
			"archived":       gs.Archived,
			"files_ingested": gs.FilesIngested,
		},
	}, nil
}

func candidate(r record.Record, runID string, now time.Time) recordstore.Candidate {
	return recordstore.Candidate{
		Record:     r,
		SourceID:   r.Lineage.SourceID,
		FileID:     r.Lineage.FileID,
		BatchID:    runID,
		IngestedAt: now,
	}
}

// export writes the monthly buckets.
func (o *Orchestrator) export(ctx context.Context, rebuildYear int) (*checkpoint.Artifact, error) {
	if o.exporter == nil {
		return &checkpoint.Artifact{Kind: checkpoint.KindMarker, Meta: map[string]any{"skipped": "no exporter"}}, nil
	}
	buckets := ExportBuckets(o.cfg.FirstBucket, o.now(), rebuildYear)
	paths, err := o.exporter.Export(ctx, buckets)
	if err != nil {
		return nil, err
	}
	files := make([]checkpoint.FileRef, 0, len(paths))
	for _, p := range paths {
		files = append(files, checkpoint.FileRef{Path: p, Format: "json"})
	}
	return &checkpoint.Artifact{
		Kind:  checkpoint.KindManifest,
		Files: files,
		Meta:  map[string]any{"buckets": len(buckets), "files": len(files)},
	}, nil
}

// augmentLoad computes enrichment payloads for canonical rows not yet retained.
func (o *Orchestrator) augmentLoad(ctx context.Context) (*checkpoint.Artifact, error) {
	out := &checkpoint.Artifact{Kind: checkpoint.KindEnrichment}
	if o.enricher == nil {
		out.Meta = map[string]any{"skipped": "no enricher"}
		return out, nil
	}
	for _, cat := range record.Categories {
		for row, err := range o.store.ExtractCurrent(ctx, cat, "") {
			if err != nil {
				return nil, err
			}
			if row.Retained {
				continue
			}
			data, err := o.enricher.Enrich(ctx, row)
			if err != nil {
				return nil, eris.Wrapf(err, "pipeline: enrich %s %d", cat, row.ID)
			}
			if data == nil {
				continue
			}
			out.Enrichments = append(out.Enrichments, record.Enrichment{Category: cat, RowID: row.ID, Data: data})
		}
	}
	out.Meta = map[string]any{"enrichments": len(out.Enrichments)}
	return out, nil
}

// augmentClean attaches the enrichment payloads in bulk.
func (o *Orchestrator) augmentClean(ctx context.Context, in *checkpoint.Artifact) (*checkpoint.Artifact, error) {
	ids, err := o.store.BulkMarkRetained(ctx, in.Enrichments)
	if err != nil {
		return nil, err
	}
	zap.L().Info("rows retained", zap.Int("offered", len(in.Enrichments)), zap.Int("retained", len(ids)))
	return &checkpoint.Artifact{
		Kind: checkpoint.KindMarker,
		Meta: map[string]any{"offered": len(in.Enrichments), "retained": len(ids)},
	}, nil
}

// publish hands the exported files to the publisher unless the run is local.
func (o *Orchestrator) publish(ctx context.Context, in *checkpoint.Artifact, local bool) (*checkpoint.Artifact, error) {
	if local || o.publisher == nil || len(in.Files) == 0 {
		return &checkpoint.Artifact{Kind: checkpoint.KindMarker, Meta: map[string]any{"published": 0}}, nil
	}
	paths := make([]string, 0, len(in.Files))
	for _, f := range in.Files {
		paths = append(paths, f.Path)
	}
	if err := o.publisher.Publish(ctx, paths); err != nil {
		return nil, err
	}
	return &checkpoint.Artifact{Kind: checkpoint.KindMarker, Meta: map[string]any{"published": len(paths)}}, nil
}
