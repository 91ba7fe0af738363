// Package enrich computes the downstream payload attached to canonical rows
// once they have been checked.
package enrich

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/decp-sync/internal/record"
	"github.com/sells-group/decp-sync/internal/recordstore"
)

// requiredFields lists, per category, the fields a complete record carries.
var requiredFields = map[record.Category][]string{
	record.Contract: {
		"id", "acheteur", "nature", "objet", "codeCPV", "procedure",
		"dureeMois", "dateNotification", "montant", "titulaires",
	},
	record.Concession: {
		"id", "autoriteConcedante", "nature", "objet", "procedure",
		"dureeMois", "dateDebutExecution", "valeurGlobale", "concessionnaires",
	},
}

var amountField = map[record.Category]string{
	record.Contract:   "montant",
	record.Concession: "valeurGlobale",
}

// maxHolders is the most holders a record may list.
const maxHolders = 3

// Quality is the payload attached to a row.
type Quality struct {
	Source           string   `json:"source"`
	Bucket           string   `json:"bucket"`
	Holders          int      `json:"holders"`
	IdentityComplete bool     `json:"identity_complete"`
	Errors           []string `json:"errors"`
	CheckedAt        string   `json:"checked_at"`
}

// QualityEnricher flags missing, malformed and implausible values.
type QualityEnricher struct {
	now func() time.Time
}

// NewQualityEnricher creates an enricher dating its checks with now, or
// time.Now when nil.
func NewQualityEnricher(now func() time.Time) *QualityEnricher {
	if now == nil {
		now = time.Now
	}
	return &QualityEnricher{now: now}
}

// Enrich implements the pipeline enricher.
func (e *QualityEnricher) Enrich(_ context.Context, row recordstore.CanonicalRow) (json.RawMessage, error) {
	q := e.Check(row.Record)
	q.Bucket = row.Bucket
	raw, err := json.Marshal(q)
	if err != nil {
		return nil, eris.Wrap(err, "enrich: marshal quality")
	}
	return raw, nil
}

// Check runs every rule on r.
func (e *QualityEnricher) Check(r record.Record) Quality {
	now := e.now().UTC()
	q := Quality{
		Source:           r.Lineage.Source,
		Bucket:           r.Bucket(),
		Holders:          len(r.Holders),
		IdentityComplete: r.HasIdentity(),
		Errors:           []string{},
		CheckedAt:        now.Format(time.RFC3339),
	}

	for _, f := range requiredFields[r.Category] {
		if raw, ok := r.Payload.Get(f); !ok || isBlank(raw) {
			q.Errors = append(q.Errors, "missing:"+f)
		}
	}

	for _, f := range []string{"dateNotification", "dateDebutExecution", "datePublicationDonnees"} {
		raw, ok := r.Payload.Get(f)
		if !ok || isBlank(raw) {
			continue
		}
		var s string
		if json.Unmarshal(raw, &s) != nil {
			q.Errors = append(q.Errors, "invalid_date:"+f)
			continue
		}
		t, ok := record.ParseDate(s)
		switch {
		case !ok:
			q.Errors = append(q.Errors, "invalid_date:"+f)
		case t.After(now):
			q.Errors = append(q.Errors, "future_date:"+f)
		}
	}

	if r.Amount != "" {
		if v, err := strconv.ParseFloat(r.Amount, 64); err != nil || v <= 0 {
			q.Errors = append(q.Errors, "non_positive:"+amountField[r.Category])
		}
	}
	if len(r.Holders) > maxHolders {
		q.Errors = append(q.Errors, "too_many_holders")
	}
	return q
}

func isBlank(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	switch s {
	case "", "null", `""`, "[]", "{}":
		return true
	}
	return false
}
