// Package checkpoint persists, per stream, the last completed pipeline stage
// together with the artifact that stage produced, so an interrupted run can
// resume without redoing finished work.
package checkpoint

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/decp-sync/internal/record"
)

// ErrCorrupt is returned when a stage is recorded complete but its artifact
// is missing or unreadable. The store must be reset; it is never repaired.
var ErrCorrupt = eris.New("checkpoint: corrupt state")

// ErrNotSnapshotted is returned by Resume for a stage that never completed.
var ErrNotSnapshotted = eris.New("checkpoint: stage not snapshotted")

// Kind identifies the shape of an artifact.
type Kind string

const (
	KindMarker     Kind = "marker"     // stage completed with no output to replay
	KindManifest   Kind = "manifest"   // downloaded files
	KindPair       Kind = "pair"       // contracts and concessions lists
	KindBatch      Kind = "batch"      // flat record batch
	KindResolved   Kind = "resolved"   // canonical + superseded records
	KindEnrichment Kind = "enrichment" // enrichment payloads keyed by canonical row
)

// FileRef describes one downloaded source file.
type FileRef struct {
	URL      string    `json:"url"`
	Title    string    `json:"title"`
	Path     string    `json:"path"`
	Format   string    `json:"format"`
	Modified time.Time `json:"modified"`
}

// Artifact is the replayable output of a stage.
type Artifact struct {
	Kind        Kind                `json:"kind"`
	Files       []FileRef           `json:"files,omitempty"`
	Contracts   []record.Record     `json:"contracts,omitempty"`
	Concessions []record.Record     `json:"concessions,omitempty"`
	Records     []record.Record     `json:"records,omitempty"`
	Superseded  []record.Record     `json:"superseded,omitempty"`
	Enrichments []record.Enrichment `json:"enrichments,omitempty"`
	// Sources lists the source streams folded into a merged batch.
	Sources []string       `json:"sources,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// Store records stage completion per stream.
//
// Snapshot writes the artifact before the status so that a crash between the
// two leaves the stream at its previous stage.
type Store interface {
	// Bypass reports whether stream already completed stage or a later one.
	Bypass(ctx context.Context, stream Stream, stage Stage) (bool, error)
	// Snapshot durably records that stage completed for stream.
	Snapshot(ctx context.Context, stream Stream, stage Stage, a *Artifact) error
	// Resume loads the artifact snapshotted for (stream, stage).
	Resume(ctx context.Context, stream Stream, stage Stage) (*Artifact, error)
	// Status returns the last completed stage of every stream.
	Status(ctx context.Context) (map[Stream]Stage, error)
	// ResetStream clears one stream.
	ResetStream(ctx context.Context, stream Stream) error
	// Reset clears every stream.
	Reset(ctx context.Context) error
	Close() error
}

func validate(stream Stream, stage Stage) error {
	if stream == "" {
		return eris.New("checkpoint: empty stream")
	}
	if stage == None || !stage.Valid() {
		return eris.Errorf("checkpoint: invalid stage %d for %s", int(stage), stream)
	}
	return nil
}

func encodeArtifact(a *Artifact) (Kind, []byte, error) {
	if a == nil {
		a = &Artifact{Kind: KindMarker}
	}
	if a.Kind == "" {
		return "", nil, eris.New("checkpoint: artifact kind not set")
	}
	body, err := json.Marshal(a)
	if err != nil {
		return "", nil, eris.Wrap(err, "checkpoint: marshal artifact")
	}
	return a.Kind, body, nil
}

func decodeArtifact(stream Stream, stage Stage, body []byte) (*Artifact, error) {
	var a Artifact
	if err := json.Unmarshal(body, &a); err != nil {
		return nil, eris.Wrapf(ErrCorrupt, "artifact for %s/%s unreadable: %v", stream, stage, err)
	}
	return &a, nil
}

// missing turns an absent artifact into the right error given the recorded status.
func missing(stream Stream, stage, status Stage) error {
	if status >= stage {
		return eris.Wrapf(ErrCorrupt, "%s recorded at %s but no artifact for %s", stream, status, stage)
	}
	return eris.Wrapf(ErrNotSnapshotted, "%s/%s", stream, stage)
}
