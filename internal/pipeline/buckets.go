package pipeline

import "time"

const bucketLayout = "2006-01"

// bucketStart parses a year-month bucket, returning the zero time when it
// cannot be read.
func bucketStart(bucket string) time.Time {
	t, err := time.Parse(bucketLayout, bucket)
	if err != nil {
		return time.Time{}
	}
	return t
}

// ExportBuckets lists the year-month buckets from first to the month of now,
// inclusive. With a rebuild year only that year's months are listed.
func ExportBuckets(first string, now time.Time, rebuildYear int) []string {
	from := bucketStart(first)
	if from.IsZero() {
		return nil
	}
	to := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	if rebuildYear != 0 {
		yearStart := time.Date(rebuildYear, time.January, 1, 0, 0, 0, 0, time.UTC)
		yearEnd := time.Date(rebuildYear, time.December, 1, 0, 0, 0, 0, time.UTC)
		if yearStart.After(from) {
			from = yearStart
		}
		if yearEnd.Before(to) {
			to = yearEnd
		}
	}

	var out []string
	for m := from; !m.After(to); m = m.AddDate(0, 1, 0) {
		out = append(out, m.Format(bucketLayout))
	}
	return out
}
