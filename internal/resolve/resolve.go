// Package resolve collapses a batch of records to one survivor per business
// identity.
package resolve

import (
	"github.com/sells-group/decp-sync/internal/record"
)

// Superseded is a record that lost to another version of the same identity.
type Superseded struct {
	Record record.Record
	Key    string
	// Winner is the batch position of the surviving record.
	Winner int
}

// Stats counts one category of a resolution.
type Stats struct {
	Input      int `json:"input"`
	Surviving  int `json:"surviving"`
	Duplicates int `json:"duplicates"`
	// Incomplete counts records kept as singletons because an identity field was missing.
	Incomplete int `json:"incomplete"`
}

// Result is the outcome of Resolve. Canonical keeps the batch order of the
// first occurrence of each identity.
type Result struct {
	Canonical  []record.Record
	Superseded []Superseded
	Stats      map[record.Category]Stats
}

// Resolve partitions batch by category and identity key and keeps, per
// identity, the record with the highest recency marker, then the highest
// completeness score, then the latest position in batch.
//
// Every input record ends up in exactly one of Canonical or Superseded.
func Resolve(batch []record.Record) Result {
	type group struct {
		key     string
		winner  int
		members []int
	}

	groups := make(map[string]*group)
	var order []*group
	res := Result{Stats: make(map[record.Category]Stats)}

	for i, r := range batch {
		st := res.Stats[r.Category]
		st.Input++
		if !r.HasIdentity() {
			st.Incomplete++
		}
		res.Stats[r.Category] = st

		key := r.IdentityKey()
		g, ok := groups[key]
		if !ok {
			g = &group{key: key, winner: i}
			groups[key] = g
			order = append(order, g)
		} else if record.Supersedes(r, batch[g.winner]) {
			g.winner = i
		}
		g.members = append(g.members, i)
	}

	for _, g := range order {
		w := batch[g.winner]
		res.Canonical = append(res.Canonical, w)

		st := res.Stats[w.Category]
		st.Surviving++
		for _, m := range g.members {
			if m == g.winner {
				continue
			}
			res.Superseded = append(res.Superseded, Superseded{Record: batch[m], Key: g.key, Winner: g.winner})
			st.Duplicates++
		}
		res.Stats[w.Category] = st
	}
	return res
}

// SupersededRecords returns the losing records alone.
func (r Result) SupersededRecords() []record.Record {
	out := make([]record.Record, len(r.Superseded))
	for i, s := range r.Superseded {
		out[i] = s.Record
	}
	return out
}
