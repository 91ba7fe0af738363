package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sells-group/decp-sync/internal/record"
)

var dateFields = []string{"dateNotification", "datePublicationDonnees", "dateDebutExecution"}

// droppedFields are removed from every merged payload.
var droppedFields = []string{"dateTransmissionDonneesEtalab"}

// DateFixer is the default FixAll step. It rewrites the top-level dates as
// YYYY-MM-DD, drops obsolete fields and removes records whose primary date
// precedes Since. Records without a primary date are kept.
type DateFixer struct {
	Since time.Time
}

// FixBatch implements BatchFixer.
func (f DateFixer) FixBatch(_ context.Context, recs []record.Record) ([]record.Record, map[string]any, error) {
	out := make([]record.Record, 0, len(recs))
	var tooOld int
	for _, r := range recs {
		p := r.Payload.Clone()
		for _, field := range droppedFields {
			p.Delete(field)
		}
		for _, field := range dateFields {
			raw, ok := p.Get(field)
			if !ok {
				continue
			}
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				continue
			}
			if t, ok := record.ParseDate(s); ok {
				if err := p.SetValue(field, t.Format(time.DateOnly)); err != nil {
					return nil, nil, err
				}
			}
		}

		fixed := record.FromPayload(r.Category, p, r.Lineage)
		if !f.Since.IsZero() && fixed.PrimaryDate != "" {
			if t, ok := record.ParseDate(fixed.PrimaryDate); ok && t.Before(f.Since) {
				tooOld++
				continue
			}
		}
		out = append(out, fixed)
	}
	return out, map[string]any{"too_old": tooOld}, nil
}
