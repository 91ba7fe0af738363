package fetcher

// nodeList names a list whose items are wrapped objects:
// "titulaires": [{"titulaire": {...}}, ...].
type nodeList struct {
	parent  string
	child   string
	aliases []string
}

var nodeLists = []nodeList{
	{parent: "titulaires", child: "titulaire"},
	{parent: "concessionnaires", child: "concessionnaire"},
	{parent: "donneesExecution", child: "donneesAnnuelles"},
	{parent: "modifications", child: "modification"},
	{parent: "actesSousTraitance", child: "acteSousTraitance"},
	{parent: "modificationsActesSousTraitance", child: "modificationActeSousTraitance", aliases: []string{"modificationActesSousTraitance"}},
}

// valueLists name lists of plain values: "techniques": {"technique": [...]}.
var valueLists = map[string]string{
	"modalitesExecution":              "modaliteExecution",
	"techniques":                      "technique",
	"typesPrix":                       "typePrix",
	"considerationsSociales":          "considerationSociale",
	"considerationsEnvironnementales": "considerationEnvironnementale",
}

// forcedLists are XML elements always decoded as lists, even when they
// appear once.
var forcedLists = map[string]bool{
	"marche":                          true,
	"contrat-concession":              true,
	"titulaires":                      true,
	"donneesExecution":                true,
	"modifications":                   true,
	"actesSousTraitance":              true,
	"modificationsActesSousTraitance": true,
}

// NormalizeLists rewrites every known list of o into its canonical shape,
// whatever shape the source used: a single object, a list holding one
// wrapper with a nested list, or bare items.
func NormalizeLists(o *Object) {
	for _, nl := range nodeLists {
		v, ok := o.Get(nl.parent)
		if !ok || v == nil {
			continue
		}
		items := unwrapItems(v, append([]string{nl.child}, nl.aliases...))
		wrapped := make([]any, 0, len(items))
		for _, item := range items {
			if nl.parent == "modifications" {
				if inner, ok := item.(*Object); ok {
					normalizeNested(inner, "titulaires", "titulaire")
				}
			}
			w := NewObject()
			w.Set(nl.child, item)
			wrapped = append(wrapped, w)
		}
		o.Set(nl.parent, wrapped)
	}

	for parent, child := range valueLists {
		v, ok := o.Get(parent)
		if !ok || v == nil {
			continue
		}
		values := unwrapItems(v, []string{child})
		w := NewObject()
		w.Set(child, values)
		o.Set(parent, w)
	}
}

func normalizeNested(o *Object, parent, child string) {
	v, ok := o.Get(parent)
	if !ok || v == nil {
		return
	}
	items := unwrapItems(v, []string{child})
	wrapped := make([]any, 0, len(items))
	for _, item := range items {
		w := NewObject()
		w.Set(child, item)
		wrapped = append(wrapped, w)
	}
	o.Set(parent, wrapped)
}

// unwrapItems flattens v into the bare list items, looking through wrapper
// objects keyed by one of names.
func unwrapItems(v any, names []string) []any {
	var out []any
	switch t := v.(type) {
	case []any:
		for _, e := range t {
			out = append(out, unwrapItems(e, names)...)
		}
	case *Object:
		if t.Len() == 1 {
			for _, name := range names {
				if inner, ok := t.Get(name); ok {
					return unwrapItems(inner, names)
				}
			}
		}
		out = append(out, t)
	case nil:
	case string:
		if t != "" {
			out = append(out, t)
		}
	default:
		out = append(out, t)
	}
	return out
}
