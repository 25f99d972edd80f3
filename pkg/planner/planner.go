// Package planner computes the time windows of a channel's history that
// still need collecting.
//
// Input is the requested window plus the collection records already on file;
// output is the list of disjoint sub-windows not yet covered. The planner is
// pure: the caller loads the overlapping records from the directory.
package planner

import (
	"sort"
	"time"
)

// Range is a half-open-by-convention [From, To] time window. From never
// exceeds To.
type Range struct {
	From time.Time
	To   time.Time
}

// IsZero reports whether the range is unset.
func (r Range) IsZero() bool {
	return r.From.IsZero() && r.To.IsZero()
}

// Contains reports whether t falls inside the range, bounds included.
func (r Range) Contains(t time.Time) bool {
	return !t.Before(r.From) && !t.After(r.To)
}

// Overlaps reports whether two ranges intersect: either endpoint of one
// falls inside the other, or one contains the other.
func (r Range) Overlaps(other Range) bool {
	return !r.From.After(other.To) && !other.From.After(r.To)
}

// Plan subtracts the covered ranges from [from, to] and returns the disjoint
// gaps that remain, ordered by start time.
//
// Covered ranges outside the request window are ignored; degenerate requests
// (from >= to) yield nothing.
func Plan(from, to time.Time, covered []Range) []Range {
	if !from.Before(to) {
		return nil
	}

	window := Range{From: from, To: to}

	overlapping := make([]Range, 0, len(covered))
	for _, c := range covered {
		if c.Overlaps(window) {
			overlapping = append(overlapping, c)
		}
	}

	if len(overlapping) == 0 {
		return []Range{window}
	}

	sort.Slice(overlapping, func(i, j int) bool {
		return overlapping[i].From.Before(overlapping[j].From)
	})

	var gaps []Range
	cursor := from
	for _, r := range overlapping {
		if cursor.Before(r.From) {
			gaps = append(gaps, Range{From: cursor, To: r.From})
		}
		if r.To.After(cursor) {
			cursor = r.To
		}
	}
	if cursor.Before(to) {
		gaps = append(gaps, Range{From: cursor, To: to})
	}

	return gaps
}
