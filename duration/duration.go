// Package duration expresses millisecond spans in the units the API reports.
package duration

import "time"

const (
	msPerSecond = 1000.0
	msPerMinute = 60 * msPerSecond
	msPerHour   = 60 * msPerMinute
	msPerDay    = 24 * msPerHour
)

// Breakdown is a single span expressed in several units at once.
type Breakdown struct {
	Milliseconds int64   `json:"milliseconds"`
	Seconds      float64 `json:"seconds"`
	Minutes      float64 `json:"minutes"`
	Hours        float64 `json:"hours"`
	Days         float64 `json:"days"`
}

// FromMillis builds a Breakdown from a millisecond count.
func FromMillis(ms int64) Breakdown {
	f := float64(ms)
	return Breakdown{
		Milliseconds: ms,
		Seconds:      f / msPerSecond,
		Minutes:      f / msPerMinute,
		Hours:        f / msPerHour,
		Days:         f / msPerDay,
	}
}

// Between returns the whole milliseconds elapsed from start to end.
// Negative spans (clock skew between writers) clamp to zero.
func Between(start, end time.Time) int64 {
	ms := end.Sub(start).Milliseconds()
	if ms < 0 {
		return 0
	}
	return ms
}

// HoursOf converts a (possibly fractional) millisecond mean to hours.
func HoursOf(ms float64) float64 { return ms / msPerHour }

// DaysOf converts a (possibly fractional) millisecond mean to days.
func DaysOf(ms float64) float64 { return ms / msPerDay }
