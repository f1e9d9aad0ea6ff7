package timeutils

import "time"

// Period represents an absolute period between two instants in time,
// e.g. "2025/06/19 16:00:00 to 2025/06/19 18:00:00".
type Period struct {
	Start time.Time
	End   time.Time
}

// Contains returns true if t lies within the period. The start is inclusive,
// the end exclusive.
func (p *Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// Overlaps returns true if the two periods share any time.
func (p *Period) Overlaps(other Period) bool {
	return p.Start.Before(other.End) && other.Start.Before(p.End)
}

// Equal checks if two periods cover the same span.
func (p *Period) Equal(other Period) bool {
	return p.Start.Equal(other.Start) && p.End.Equal(other.End)
}

// Duration returns the length of the period.
func (p *Period) Duration() time.Duration {
	return p.End.Sub(p.Start)
}
