package appointment

import (
	"time"
)

type Frequency string

const (
	FrequencyDaily    Frequency = "daily"
	FrequencyWeekly   Frequency = "weekly"
	FrequencyBiweekly Frequency = "biweekly"
	FrequencyMonthly  Frequency = "monthly"
)

const (
	DefaultOccurrences = 52
	MaxOccurrences     = 104
)

// RecurrenceRule expands one booking into a series. Count is the total number
// of occurrences including the first; Until, when set, is an inclusive bound
// on occurrence starts.
type RecurrenceRule struct {
	Frequency Frequency
	Interval  int
	Count     int
	Until     time.Time
}

func (r RecurrenceRule) Validate() error {
	vErr := &ValidationError{}
	switch r.Frequency {
	case FrequencyDaily, FrequencyWeekly, FrequencyBiweekly, FrequencyMonthly:
	default:
		vErr.add("frequency", "must be daily, weekly, biweekly or monthly")
	}
	if r.Interval < 0 {
		vErr.add("interval", "must be positive")
	}
	if r.Count < 0 || r.Count > MaxOccurrences {
		vErr.add("count", "must be between 1 and 104")
	}
	if vErr.HasErrors() {
		return vErr
	}
	return nil
}

// Occurrences returns the start of every occurrence. Each one is computed from
// first rather than from its predecessor so that monthly series do not drift
// after a short month.
func (r RecurrenceRule) Occurrences(first time.Time, loc *time.Location) []time.Time {
	if loc == nil {
		loc = time.UTC
	}
	interval := r.Interval
	if interval == 0 {
		interval = 1
	}
	count := r.Count
	if count == 0 {
		count = DefaultOccurrences
	}

	base := first.In(loc)
	out := make([]time.Time, 0, count)
	for i := 0; i < count; i++ {
		var next time.Time
		switch r.Frequency {
		case FrequencyDaily:
			next = base.AddDate(0, 0, i*interval)
		case FrequencyWeekly:
			next = base.AddDate(0, 0, 7*i*interval)
		case FrequencyBiweekly:
			next = base.AddDate(0, 0, 14*i*interval)
		case FrequencyMonthly:
			next = base.AddDate(0, i*interval, 0)
		default:
			return out
		}
		if !r.Until.IsZero() && next.After(r.Until) {
			break
		}
		out = append(out, next)
	}
	return out
}
