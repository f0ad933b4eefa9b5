package calendar

import (
	"time"
)

// Frequency is how often a recurring event repeats.
type Frequency string

const (
	Daily   Frequency = "daily"
	Weekly  Frequency = "weekly"
	Monthly Frequency = "monthly"
)

// Recurrence repeats an event every Interval periods, stopping after Until
// (inclusive) or after Count occurrences, whichever comes first.
type Recurrence struct {
	Frequency Frequency `json:"frequency" validate:"oneof=daily weekly monthly"`
	Interval  int       `json:"interval,omitempty" validate:"gte=0"`
	Until     string    `json:"until,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Count     int       `json:"count,omitempty" validate:"gte=0"`
}

// maxOccurrences bounds how many dates one Expand call returns.
const maxOccurrences = 5000

// validate checks what the struct tags cannot: Until against the first date.
func (r *Recurrence) validate(start string) string {
	if r.Until == "" {
		return ""
	}
	until, ok := ParseDate(r.Until)
	first, okStart := ParseDate(start)
	if ok && okStart && until.Before(first) {
		return "until is before the first occurrence"
	}
	return ""
}

func (r *Recurrence) interval() int {
	if r.Interval <= 0 {
		return 1
	}
	return r.Interval
}

// occurrence returns the n-th date of the rule starting at start. Monthly
// rules keep the day of month, clamped to the length of shorter months.
func (r *Recurrence) occurrence(start time.Time, n int) time.Time {
	step := n * r.interval()
	switch r.Frequency {
	case Weekly:
		return start.AddDate(0, 0, 7*step)
	case Monthly:
		first := time.Date(start.Year(), start.Month()+time.Month(step), 1, 0, 0, 0, 0, time.UTC)
		day := start.Day()
		if last := daysIn(first); day > last {
			day = last
		}
		return time.Date(first.Year(), first.Month(), day, 0, 0, 0, 0, time.UTC)
	default:
		return start.AddDate(0, 0, step)
	}
}

func daysIn(month time.Time) int {
	return time.Date(month.Year(), month.Month()+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// Expand returns the dates of e that fall within [from, to], both inclusive
// and compared by calendar day. A non-recurring event yields at most its own date.
func Expand(e Event, from, to time.Time) []time.Time {
	start, ok := ParseDate(e.Date)
	if !ok {
		return nil
	}
	from = day(from)
	to = day(to)
	if to.Before(from) {
		return nil
	}

	if e.Recurrence == nil {
		if start.Before(from) || start.After(to) {
			return nil
		}
		return []time.Time{start}
	}

	r := e.Recurrence
	var until time.Time
	if r.Until != "" {
		until, _ = ParseDate(r.Until)
	}

	var out []time.Time
	for n := r.firstOnOrAfter(start, from); len(out) < maxOccurrences; n++ {
		if r.Count > 0 && n >= r.Count {
			break
		}
		d := r.occurrence(start, n)
		if !until.IsZero() && d.After(until) {
			break
		}
		if d.After(to) {
			break
		}
		out = append(out, d)
	}
	return out
}

// firstOnOrAfter returns the index of the first occurrence not before from,
// so old rules are not walked from their start.
func (r *Recurrence) firstOnOrAfter(start, from time.Time) int {
	if !start.Before(from) {
		return 0
	}
	var n int
	switch r.Frequency {
	case Monthly:
		months := (from.Year()-start.Year())*12 + int(from.Month()) - int(start.Month())
		n = months / r.interval()
	case Weekly:
		n = int(from.Sub(start).Hours()/24) / (7 * r.interval())
	default:
		n = int(from.Sub(start).Hours()/24) / r.interval()
	}
	if n > 0 {
		n--
	}
	for r.occurrence(start, n).Before(from) {
		n++
	}
	return n
}

func day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
