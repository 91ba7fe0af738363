// Package record models procurement disclosure records (contracts and
// concessions) and the attributes used to deduplicate them.
package record

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Category distinguishes the two record variants.
type Category string

const (
	Contract   Category = "contract"
	Concession Category = "concession"
)

// Categories lists every category in processing order.
var Categories = []Category{Contract, Concession}

// ParseCategory converts "contract"/"concession" (or their DECP names) into a Category.
func ParseCategory(s string) (Category, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "contract", "marche", "marches":
		return Contract, nil
	case "concession", "contrat-concession", "concessions":
		return Concession, nil
	default:
		return "", eris.Errorf("unknown category: %q (valid: contract, concession)", s)
	}
}

// Element returns the DECP element name for the category.
func (c Category) Element() string {
	if c == Concession {
		return "contrat-concession"
	}
	return "marche"
}

// Lineage tells where a record was read from. It is never part of the identity.
type Lineage struct {
	Source   string    `json:"source"`
	File     string    `json:"file"`
	Position int       `json:"position"`
	FileDate time.Time `json:"file_date"`
	// SourceID and FileID are registry ids, zero when unregistered.
	SourceID int64 `json:"source_id,omitempty"`
	FileID   int64 `json:"file_id,omitempty"`
}

// Record is one contract or concession as published by a source.
//
// The typed fields are extracted once at parse time; Payload carries the full
// published object and is only ever passed through.
type Record struct {
	Category    Category    `json:"category"`
	ID          string      `json:"id"`
	Authority   string      `json:"authority"`
	Holders     []string    `json:"holders"`
	PrimaryDate string      `json:"primary_date"`
	Amount      string      `json:"amount"`
	Object      string      `json:"object,omitempty"`
	Published   time.Time   `json:"published"`
	Amendments  []time.Time `json:"amendments,omitempty"`
	Payload     *Payload    `json:"payload"`
	Lineage     Lineage     `json:"lineage"`
}

// HasIdentity reports whether every identity field is populated.
func (r Record) HasIdentity() bool {
	if r.ID == "" || r.Authority == "" || r.PrimaryDate == "" || r.Amount == "" {
		return false
	}
	if len(r.Holders) == 0 {
		return false
	}
	for _, h := range r.Holders {
		if h == "" {
			return false
		}
	}
	return true
}

// IdentityKey returns the business identity of the record. Holder ids are
// sorted so re-exports listing them in another order collapse together.
// Records without a full identity get a key unique to their lineage and
// content, so they never merge with anything else.
func (r Record) IdentityKey() string {
	if !r.HasIdentity() {
		return r.singletonKey()
	}
	holders := slices.Clone(r.Holders)
	slices.Sort(holders)
	return strings.Join([]string{
		string(r.Category),
		r.ID,
		r.Authority,
		strings.Join(holders, ","),
		r.PrimaryDate,
		r.Amount,
	}, "|")
}

// IsSingletonKey reports whether key was produced for a record without identity.
func IsSingletonKey(key string) bool {
	_, rest, ok := strings.Cut(key, "|")
	return ok && strings.HasPrefix(rest, "~")
}

func (r Record) singletonKey() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%d\x00", r.Lineage.Source, r.Lineage.File, r.Lineage.Position)
	if raw, err := r.Payload.MarshalJSON(); err == nil {
		h.Write(raw)
	}
	return string(r.Category) + "|~" + hex.EncodeToString(h.Sum(nil))[:32]
}

// RecencyMarker is the latest publication date of the record or any of its
// amendments and sub-contracting acts. Records carrying no publication date
// fall back to the date of the file they came from.
func (r Record) RecencyMarker() time.Time {
	m := r.Published
	for _, d := range r.Amendments {
		if d.After(m) {
			m = d
		}
	}
	if m.IsZero() {
		m = r.Lineage.FileDate
	}
	return truncateDay(m)
}

// CompletenessScore counts the populated top-level fields of the payload.
func (r Record) CompletenessScore() int {
	return r.Payload.Populated()
}

// Bucket is the year-month of the recency marker, e.g. "2024-03".
func (r Record) Bucket() string {
	return BucketOf(r.RecencyMarker())
}

// PayloadHash fingerprints the published content.
func (r Record) PayloadHash() string {
	raw, err := r.Payload.MarshalJSON()
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// BucketOf formats t as a year-month bucket.
func BucketOf(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01")
}

func truncateDay(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
