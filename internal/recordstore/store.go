// Package recordstore holds exactly one canonical row per identity and an
// append-only archive of every version that was superseded.
package recordstore

import (
	"context"
	"encoding/json"
	"iter"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/decp-sync/internal/record"
)

// NotPromoted is returned by Upsert when the candidate was archived instead
// of becoming canonical.
const NotPromoted int64 = 0

// Archive reasons.
const (
	ReasonDisplaced = "displaced" // was canonical, replaced by a newer version
	ReasonOlder     = "older"     // arrived older than the canonical row
	ReasonResolved  = "resolved"  // lost in-batch identity resolution
)

// Candidate is a record offered to the store with its ingestion lineage.
type Candidate struct {
	Record     record.Record
	SourceID   int64
	FileID     int64
	BatchID    string
	IngestedAt time.Time
}

// CanonicalRow is the current version of an identity.
type CanonicalRow struct {
	ID           int64           `json:"id"`
	Category     record.Category `json:"category"`
	Key          string          `json:"identity_key"`
	Record       record.Record   `json:"record"`
	Recency      time.Time       `json:"recency"`
	Completeness int             `json:"completeness"`
	Bucket       string          `json:"bucket"`
	Retained     bool            `json:"retained"`
	Enrichment   json.RawMessage `json:"enrichment,omitempty"`
	SourceID     int64           `json:"source_id"`
	FileID       int64           `json:"file_id"`
	BatchID      string          `json:"batch_id"`
	IngestedAt   time.Time       `json:"ingested_at"`
}

// ArchivedVersion is an immutable superseded version.
type ArchivedVersion struct {
	ID       int64           `json:"id"`
	Category record.Category `json:"category"`
	Key      string          `json:"identity_key"`
	// CanonicalID is the id the version held while canonical; nil for
	// candidates archived without ever being promoted.
	CanonicalID  *int64        `json:"canonical_id,omitempty"`
	Reason       string        `json:"reason"`
	Record       record.Record `json:"record"`
	Recency      time.Time     `json:"recency"`
	Completeness int           `json:"completeness"`
	SourceID     int64         `json:"source_id"`
	FileID       int64         `json:"file_id"`
	BatchID      string        `json:"batch_id"`
	IngestedAt   time.Time     `json:"ingested_at"`
	SupersededAt time.Time     `json:"superseded_at"`
}

// Counts summarizes one category.
type Counts struct {
	Canonical int64 `json:"canonical"`
	Retained  int64 `json:"retained"`
	Archived  int64 `json:"archived"`
}

// Store is the versioned record store.
type Store interface {
	// Upsert promotes, archives or ignores c atomically for its identity and
	// returns the canonical row id, or NotPromoted.
	Upsert(ctx context.Context, c Candidate) (int64, error)
	// Archive stores c directly in the archive.
	Archive(ctx context.Context, c Candidate, reason string) error
	// BulkMarkRetained attaches enrichment to rows not yet retained and
	// returns the ids it changed.
	BulkMarkRetained(ctx context.Context, pairs []record.Enrichment) ([]int64, error)
	// ExtractCurrent yields canonical rows, optionally limited to a
	// year-month bucket. Each range over the sequence runs a fresh query.
	ExtractCurrent(ctx context.Context, cat record.Category, bucket string) iter.Seq2[CanonicalRow, error]
	// Buckets lists the distinct buckets holding canonical rows.
	Buckets(ctx context.Context, cat record.Category) ([]string, error)
	// Current returns the canonical row for key, or nil.
	Current(ctx context.Context, cat record.Category, key string) (*CanonicalRow, error)
	// History returns the archived versions of key, oldest first.
	History(ctx context.Context, cat record.Category, key string) ([]ArchivedVersion, error)
	// Counts reports row counts per category.
	Counts(ctx context.Context) (map[record.Category]Counts, error)
}

// Registry tracks sources and the files read from them. A registered file
// is pending until MarkIngested records that its records reached the store;
// only ingested files are known.
type Registry interface {
	FindOrAddSource(ctx context.Context, code string) (int64, error)
	// FindOrAddFile registers a decoded file. A file whose modification date
	// changed becomes pending again.
	FindOrAddFile(ctx context.Context, f FileEntry) (int64, error)
	// KnownFiles maps the ingested files of a source to their modification date.
	KnownFiles(ctx context.Context, sourceID int64) (map[string]time.Time, error)
	// MarkIngested marks every pending file of the given sources ingested and
	// returns how many it marked.
	MarkIngested(ctx context.Context, sources []string) (int64, error)
}

// FileEntry identifies one source file.
type FileEntry struct {
	SourceID    int64
	Name        string
	URL         string
	Modified    time.Time
	Contracts   int
	Concessions int
}

// tables names the canonical and archive tables of a category.
type tables struct {
	canonical string
	archive   string
}

func tablesFor(cat record.Category, schema string) (tables, error) {
	switch cat {
	case record.Contract, record.Concession:
	default:
		return tables{}, eris.Errorf("recordstore: unknown category %q", cat)
	}
	prefix := ""
	if schema != "" {
		prefix = schema + "."
	}
	return tables{
		canonical: prefix + string(cat),
		archive:   prefix + string(cat) + "_archive",
	}, nil
}

// rowValues is the column set shared by canonical and archive tables.
type rowValues struct {
	key          string
	uid          string
	authority    string
	holders      string
	primaryDate  string
	amount       string
	object       string
	recency      time.Time
	completeness int
	bucket       string
	payload      []byte
	payloadHash  string
	lineage      []byte
}

func valuesOf(r record.Record) (rowValues, error) {
	payload, err := r.Payload.MarshalJSON()
	if err != nil {
		return rowValues{}, eris.Wrap(err, "recordstore: marshal payload")
	}
	lineage, err := json.Marshal(r.Lineage)
	if err != nil {
		return rowValues{}, eris.Wrap(err, "recordstore: marshal lineage")
	}
	return rowValues{
		key:          r.IdentityKey(),
		uid:          r.ID,
		authority:    r.Authority,
		holders:      strings.Join(r.Holders, ","),
		primaryDate:  r.PrimaryDate,
		amount:       r.Amount,
		object:       r.Object,
		recency:      r.RecencyMarker(),
		completeness: r.CompletenessScore(),
		bucket:       r.Bucket(),
		payload:      payload,
		payloadHash:  r.PayloadHash(),
		lineage:      lineage,
	}, nil
}

// rebuild reconstructs a record from stored columns. The recency marker is
// restored as the publication date since amendment dates are not kept apart.
func rebuild(cat record.Category, uid, authority, holders, primaryDate, amount, object string, recency time.Time, payload, lineage []byte) (record.Record, error) {
	p, err := record.ParsePayload(payload)
	if err != nil {
		return record.Record{}, eris.Wrap(err, "recordstore: decode payload")
	}
	r := record.Record{
		Category:    cat,
		ID:          uid,
		Authority:   authority,
		PrimaryDate: primaryDate,
		Amount:      amount,
		Object:      object,
		Published:   recency.UTC(),
		Payload:     p,
	}
	if holders != "" {
		r.Holders = strings.Split(holders, ",")
	}
	if len(lineage) > 0 {
		if err := json.Unmarshal(lineage, &r.Lineage); err != nil {
			return record.Record{}, eris.Wrap(err, "recordstore: decode lineage")
		}
	}
	return r, nil
}

func ingestTime(c Candidate) time.Time {
	if c.IngestedAt.IsZero() {
		return time.Now().UTC()
	}
	return c.IngestedAt.UTC()
}

// groupByCategory splits enrichment pairs per category, dropping duplicate
// row ids (first one wins).
func groupByCategory(pairs []record.Enrichment) map[record.Category][]record.Enrichment {
	out := make(map[record.Category][]record.Enrichment)
	seen := make(map[record.Category]map[int64]bool)
	for _, p := range pairs {
		if seen[p.Category] == nil {
			seen[p.Category] = make(map[int64]bool)
		}
		if seen[p.Category][p.RowID] {
			continue
		}
		seen[p.Category][p.RowID] = true
		out[p.Category] = append(out[p.Category], p)
	}
	return out
}
