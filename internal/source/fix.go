package source

import (
	"encoding/json"
	"slices"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/decp-sync/internal/fetcher"
	"github.com/sells-group/decp-sync/internal/record"
)

// Normalizer rewrites a payload in place before identity fields are extracted.
type Normalizer interface {
	Normalize(cat record.Category, p *record.Payload) error
}

// Validator decides whether a decoded record is kept.
type Validator interface {
	Validate(r record.Record) error
}

// ErrInvalid marks records refused by a Validator.
var ErrInvalid = eris.New("source: invalid record")

// DefaultValidator keeps every record that carries an id.
type DefaultValidator struct{}

// Validate implements Validator.
func (DefaultValidator) Validate(r record.Record) error {
	if r.ID == "" {
		return eris.Wrap(ErrInvalid, "missing id")
	}
	return nil
}

var (
	boolFields  = []string{"sousTraitanceDeclaree", "marcheInnovant", "attributionAvance"}
	intFields   = []string{"offresRecues", "dureeMois"}
	floatFields = []string{"montant", "valeurGlobale", "tauxAvance", "origineUE", "origineFrance"}
)

// DefaultNormalizer applies the corrections every source needs: holders
// sorted by id with id-less holders dropped, a buyer defaulted from the
// contract id, and typed flags and numbers.
type DefaultNormalizer struct{}

// Normalize implements Normalizer.
func (DefaultNormalizer) Normalize(cat record.Category, p *record.Payload) error {
	holders, holder := "titulaires", "titulaire"
	if cat == record.Concession {
		holders, holder = "concessionnaires", "concessionnaire"
	}
	if err := sortHolders(p, holders, holder); err != nil {
		return err
	}

	if cat == record.Contract {
		if err := defaultBuyer(p); err != nil {
			return err
		}
	}

	for _, f := range boolFields {
		coerce(p, f, parseBool)
	}
	for _, f := range intFields {
		coerce(p, f, parseInt)
	}
	for _, f := range floatFields {
		coerce(p, f, parseFloat)
	}
	return nil
}

// sortHolders orders a wrapped holder list by holder id.
func sortHolders(p *record.Payload, list, item string) error {
	raw, ok := p.Get(list)
	if !ok {
		return nil
	}
	v, err := fetcher.ParseValue(raw)
	if err != nil {
		return eris.Wrapf(err, "source: decode %s", list)
	}
	items, ok := v.([]any)
	if !ok {
		return nil
	}

	type entry struct {
		id      string
		wrapper any
	}
	var kept []entry
	for _, it := range items {
		w, ok := it.(*fetcher.Object)
		if !ok {
			continue
		}
		inner := w
		if nested, ok := w.Get(item); ok {
			if o, ok := nested.(*fetcher.Object); ok {
				inner = o
			}
		}
		id, _ := inner.Get("id")
		s := valueString(id)
		if s == "" {
			continue
		}
		kept = append(kept, entry{id: s, wrapper: w})
	}
	slices.SortStableFunc(kept, func(a, b entry) int { return strings.Compare(a.id, b.id) })

	out := make([]any, 0, len(kept))
	for _, e := range kept {
		out = append(out, e.wrapper)
	}
	return p.SetValue(list, out)
}

// defaultBuyer sets acheteur to {"id": <contract id>} when it is absent or
// has no id.
func defaultBuyer(p *record.Payload) error {
	if raw, ok := p.Get("acheteur"); ok {
		var buyer map[string]any
		if json.Unmarshal(raw, &buyer) == nil && valueString(buyer["id"]) != "" {
			return nil
		}
	}
	raw, ok := p.Get("id")
	if !ok {
		return nil
	}
	var id any
	if err := json.Unmarshal(raw, &id); err != nil || valueString(id) == "" {
		return nil
	}
	buyer := fetcher.NewObject()
	buyer.Set("id", id)
	return p.SetValue("acheteur", buyer)
}

// coerce replaces field with parse(value) when the value parses. Values it
// cannot read, like "NC", are left as published.
func coerce(p *record.Payload, field string, parse func(string) (any, bool)) {
	raw, ok := p.Get(field)
	if !ok {
		return
	}
	var v any
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	if dec.Decode(&v) != nil {
		return
	}
	s := valueString(v)
	if s == "" {
		return
	}
	if out, ok := parse(s); ok {
		_ = p.SetValue(field, out)
	}
}

func parseBool(s string) (any, bool) {
	switch strings.ToLower(s) {
	case "1", "true", "oui":
		return true, true
	case "0", "false", "non":
		return false, true
	}
	return nil, false
}

func parseInt(s string) (any, bool) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, true
	}
	f, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", "."), 64)
	if err != nil {
		return nil, false
	}
	return int64(f), true
}

func parseFloat(s string) (any, bool) {
	f, err := strconv.ParseFloat(strings.ReplaceAll(strings.ReplaceAll(s, " ", ""), ",", "."), 64)
	if err != nil {
		return nil, false
	}
	return f, true
}

func valueString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	}
	return ""
}
