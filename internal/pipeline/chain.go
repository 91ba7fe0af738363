package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/decp-sync/internal/checkpoint"
)

// step is one checkpointed stage of a stream. input names the stage whose
// artifact the step consumes, or None.
type step struct {
	stage checkpoint.Stage
	input checkpoint.Stage
	run   func(ctx context.Context, in *checkpoint.Artifact) (*checkpoint.Artifact, error)
}

// runChain runs steps in order on stream. Completed stages are bypassed and
// their artifacts reloaded only when a later stage needs them. A failing
// stage ends the chain without advancing the checkpoint. stopCtx is checked
// between stages; ctx is what the stages run with.
func (o *Orchestrator) runChain(ctx, stopCtx context.Context, stream checkpoint.Stream, steps []step, stopAfter checkpoint.Stage) ([]StageResult, error) {
	log := zap.L().With(zap.String("component", "pipeline"), zap.String("stream", string(stream)))

	produced := make(map[checkpoint.Stage]*checkpoint.Artifact)
	var results []StageResult

	for _, s := range steps {
		if stopAfter != checkpoint.None && s.stage > stopAfter {
			break
		}
		if err := stopCtx.Err(); err != nil {
			return results, err
		}

		bypass, err := o.checkpoint.Bypass(ctx, stream, s.stage)
		if err != nil {
			return results, eris.Wrapf(err, "pipeline: bypass check %s/%s", stream, s.stage)
		}
		if bypass {
			log.Debug("stage bypassed", zap.Stringer("stage", s.stage))
			results = append(results, skipped(stream, s.stage))
			continue
		}

		var in *checkpoint.Artifact
		if s.input != checkpoint.None {
			in = produced[s.input]
			if in == nil {
				if in, err = o.checkpoint.Resume(ctx, stream, s.input); err != nil {
					return results, eris.Wrapf(err, "pipeline: resume %s/%s", stream, s.input)
				}
			}
		}

		log.Info("stage starting", zap.Stringer("stage", s.stage))
		started := time.Now()
		out, err := s.run(ctx, in)
		elapsed := time.Since(started)
		if err != nil {
			results = append(results, failed(stream, s.stage, err, elapsed))
			if isFatal(err) {
				return results, err
			}
			log.Error("stage failed",
				zap.Stringer("stage", s.stage),
				zap.Duration("elapsed", elapsed),
				zap.Error(err),
			)
			return results, nil
		}
		if out == nil {
			out = &checkpoint.Artifact{Kind: checkpoint.KindMarker}
		}

		if err := o.checkpoint.Snapshot(ctx, stream, s.stage, out); err != nil {
			return results, eris.Wrapf(err, "pipeline: snapshot %s/%s", stream, s.stage)
		}
		produced[s.stage] = out
		results = append(results, done(stream, s.stage, out.Meta, elapsed))
		log.Info("stage complete", zap.Stringer("stage", s.stage), zap.Duration("elapsed", elapsed))
	}
	return results, nil
}
