package checkpoint

import (
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// Stage is one ordered step of the pipeline. The integer value is the rank
// persisted in the status table, so the order must never change.
type Stage int

const (
	None         Stage = iota
	Get                // download source files
	Clean              // decode files into contract/concession lists
	Convert            // flatten lists into a typed batch
	Fix                // normalize the batch
	// Merged is set on a source stream by MergeAll once its Fix batch is in
	// the ALL batch. A source at Fix but below Merged restarts the ALL stream.
	Merged
	MergeAll           // concatenate the batches of sources at Fix
	FixAll             // normalize the merged batch
	Duplicate          // resolve identities
	Global             // write through the record store
	Export             // monthly exports
	AugmentLoad        // compute enrichment payloads
	AugmentClean       // attach enrichment to canonical rows
	Publish            // hand exports to the publisher
)

var stageNames = []string{
	"none", "get", "clean", "convert", "fix", "merged", "merge_all", "fix_all",
	"duplicate", "global", "export", "augment_load", "augment_clean", "publish",
}

// SourceStages are run independently for every source stream.
var SourceStages = []Stage{Get, Clean, Convert, Fix}

// GlobalStages are run once, on the ALL stream, over the sources that reached Fix.
var GlobalStages = []Stage{MergeAll, FixAll, Duplicate, Global, Export, AugmentLoad, AugmentClean, Publish}

// String returns the stage name.
func (s Stage) String() string {
	if s < None || int(s) >= len(stageNames) {
		return "unknown"
	}
	return stageNames[s]
}

// Valid reports whether s is a known rank.
func (s Stage) Valid() bool {
	return s >= None && int(s) < len(stageNames)
}

// ParseStage accepts a stage name ("fix_all", "fix-all") or its rank ("7").
func ParseStage(v string) (Stage, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	if n, err := strconv.Atoi(v); err == nil {
		if s := Stage(n); s.Valid() {
			return s, nil
		}
		return None, eris.Errorf("unknown stage rank: %d", n)
	}
	v = strings.ReplaceAll(v, "-", "_")
	for i, name := range stageNames {
		if name == v {
			return Stage(i), nil
		}
	}
	return None, eris.Errorf("unknown stage: %q (valid: %s)", v, strings.Join(stageNames[1:], ", "))
}

// Stream names an independently checkpointed lane.
type Stream string

// All is the cross-source lane.
const All Stream = "ALL"

// MarshalText renders the stage by name.
func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText accepts what ParseStage accepts.
func (s *Stage) UnmarshalText(b []byte) error {
	v, err := ParseStage(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
