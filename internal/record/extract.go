package record

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// fieldNames maps a category onto the DECP names of its identity fields.
type fieldNames struct {
	authority string
	holders   string
	holder    string
	primary   string
	amount    string
}

var decpFields = map[Category]fieldNames{
	Contract:   {authority: "acheteur", holders: "titulaires", holder: "titulaire", primary: "dateNotification", amount: "montant"},
	Concession: {authority: "autoriteConcedante", holders: "concessionnaires", holder: "concessionnaire", primary: "dateDebutExecution", amount: "valeurGlobale"},
}

// FromPayload builds a Record from a published DECP object. Fields that are
// absent or malformed are left empty; the record then resolves as a singleton.
func FromPayload(cat Category, p *Payload, lin Lineage) Record {
	names := decpFields[cat]
	r := Record{
		Category: cat,
		Payload:  p,
		Lineage:  lin,
	}

	r.ID = scalar(p, "id")
	r.Object = scalar(p, "objet")
	r.PrimaryDate = NormalizeDate(scalar(p, names.primary))
	r.Amount = NormalizeAmount(scalar(p, names.amount))

	if raw, ok := p.Get(names.authority); ok {
		var obj map[string]any
		if json.Unmarshal(raw, &obj) == nil {
			r.Authority = toString(obj["id"])
		} else {
			r.Authority = rawString(raw)
		}
	}

	for _, item := range listItems(p, names.holders, names.holder) {
		if id := toString(item["id"]); id != "" {
			r.Holders = append(r.Holders, id)
		} else {
			r.Holders = append(r.Holders, "")
		}
	}

	if t, ok := ParseDate(scalar(p, "datePublicationDonnees")); ok {
		r.Published = t
	}
	for _, item := range listItems(p, "modifications", "modification") {
		if t, ok := ParseDate(toString(item["datePublicationDonneesModification"])); ok {
			r.Amendments = append(r.Amendments, t)
		}
	}
	for _, item := range listItems(p, "actesSousTraitance", "acteSousTraitance") {
		if t, ok := ParseDate(toString(item["datePublicationDonnees"])); ok {
			r.Amendments = append(r.Amendments, t)
		}
	}
	return r
}

// listItems reads a DECP list node. Both the wrapped form
// [{"titulaire": {...}}] and the flat form [{...}] are accepted.
func listItems(p *Payload, list, item string) []map[string]any {
	raw, ok := p.Get(list)
	if !ok {
		return nil
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil
	}

	var elems []any
	switch v := decoded.(type) {
	case []any:
		elems = v
	case map[string]any:
		// {"titulaire": [...]} or {"titulaire": {...}}
		switch inner := v[item].(type) {
		case []any:
			elems = inner
		case map[string]any:
			elems = []any{inner}
		}
	}

	out := make([]map[string]any, 0, len(elems))
	for _, e := range elems {
		m, ok := e.(map[string]any)
		if !ok {
			continue
		}
		if wrapped, ok := m[item].(map[string]any); ok {
			m = wrapped
		}
		out = append(out, m)
	}
	return out
}

func scalar(p *Payload, key string) string {
	raw, ok := p.Get(key)
	if !ok {
		return ""
	}
	return rawString(raw)
}

func rawString(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return ""
	}
	return toString(v)
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

// NormalizeDate reduces a DECP date (optionally carrying a time or an
// offset) to YYYY-MM-DD. Unparseable input yields "".
func NormalizeDate(s string) string {
	t, ok := ParseDate(s)
	if !ok {
		return ""
	}
	return t.Format(time.DateOnly)
}

// ParseDate parses the date forms found in DECP files.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if len(s) >= 10 {
		if t, err := time.Parse(time.DateOnly, s[:10]); err == nil {
			return t, true
		}
	}
	for _, layout := range []string{"02/01/2006", "02.01.2006"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// NormalizeAmount renders an amount with no trailing zeros so "1000", "1000.0"
// and 1000 compare equal. A French decimal comma is accepted.
func NormalizeAmount(s string) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", ".")
	if s == "" {
		return ""
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return ""
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
