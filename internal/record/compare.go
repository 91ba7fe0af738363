package record

import "time"

// Compare orders two versions of the same identity: +1 when a supersedes b,
// -1 when b supersedes a and 0 when neither is strictly preferred. Recency
// is compared first, then completeness. Callers break a 0 in favour of the
// later arrival.
func Compare(a, b Record) int {
	return CompareMarkers(a.RecencyMarker(), a.CompletenessScore(), b.RecencyMarker(), b.CompletenessScore())
}

// Supersedes reports whether incoming replaces current, giving ties to incoming.
func Supersedes(incoming, current Record) bool {
	return Compare(incoming, current) >= 0
}

// CompareMarkers is Compare on already computed attributes, for stores that
// keep the marker and score of their canonical rows in columns.
func CompareMarkers(aRecency time.Time, aScore int, bRecency time.Time, bScore int) int {
	switch {
	case aRecency.After(bRecency):
		return 1
	case aRecency.Before(bRecency):
		return -1
	case aScore > bScore:
		return 1
	case aScore < bScore:
		return -1
	default:
		return 0
	}
}
