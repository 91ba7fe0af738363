package pipeline

import (
	"time"

	"github.com/sells-group/decp-sync/internal/checkpoint"
)

// ResultKind is the outcome of one stage.
type ResultKind int

const (
	// Done means the stage ran and its artifact was snapshotted.
	Done ResultKind = iota
	// Skipped means the stage was bypassed or not reached.
	Skipped
	// Failed means the stage returned an error; the checkpoint did not move.
	Failed
)

func (k ResultKind) String() string {
	switch k {
	case Done:
		return "done"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// MarshalText renders the kind by name in reports.
func (k ResultKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// StageResult reports one stage of one stream.
type StageResult struct {
	Stream  checkpoint.Stream `json:"stream"`
	Stage   checkpoint.Stage  `json:"stage"`
	Kind    ResultKind        `json:"kind"`
	Err     error             `json:"-"`
	Error   string            `json:"error,omitempty"`
	Meta    map[string]any    `json:"meta,omitempty"`
	Elapsed time.Duration     `json:"elapsed"`
}

func done(stream checkpoint.Stream, stage checkpoint.Stage, meta map[string]any, elapsed time.Duration) StageResult {
	return StageResult{Stream: stream, Stage: stage, Kind: Done, Meta: meta, Elapsed: elapsed}
}

func skipped(stream checkpoint.Stream, stage checkpoint.Stage) StageResult {
	return StageResult{Stream: stream, Stage: stage, Kind: Skipped}
}

func failed(stream checkpoint.Stream, stage checkpoint.Stage, err error, elapsed time.Duration) StageResult {
	return StageResult{Stream: stream, Stage: stage, Kind: Failed, Err: err, Error: err.Error(), Elapsed: elapsed}
}
