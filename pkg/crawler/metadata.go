package crawler

import "time"

// Metadata accumulates the bounds of one sub-range collection. Iteration is
// newest-first, so observations arrive in descending order; the accumulator
// normalizes to min/max so that From never exceeds To regardless of
// direction.
type Metadata struct {
	FromMessageID int64
	ToMessageID   int64
	FromDatetime  time.Time
	ToDatetime    time.Time
	Count         int
}

// Observe folds one message into the accumulator.
func (m *Metadata) Observe(id int64, date time.Time) {
	if m.Count == 0 {
		m.FromMessageID = id
		m.ToMessageID = id
		m.FromDatetime = date
		m.ToDatetime = date
		m.Count = 1
		return
	}

	if id < m.FromMessageID {
		m.FromMessageID = id
	}
	if id > m.ToMessageID {
		m.ToMessageID = id
	}
	if date.Before(m.FromDatetime) {
		m.FromDatetime = date
	}
	if date.After(m.ToDatetime) {
		m.ToDatetime = date
	}
	m.Count++
}

// HasMessages reports whether anything was observed.
func (m *Metadata) HasMessages() bool {
	return m.Count > 0
}
