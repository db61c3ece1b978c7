package reminder

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Custom pattern kinds.
const (
	PatternWeekdays    = "weekdays"
	PatternEveryNDays  = "every_n_days"
	PatternEveryNHours = "every_n_hours"
	PatternDates       = "dates"
)

// Pattern is a custom recurrence rule. Kind selects which of the other fields
// is meaningful:
//
//	weekdays       Weekdays, e.g. ["mon", "thu"]
//	every_n_days   Every (>= 1)
//	every_n_hours  Every (>= 1)
//	dates          Dates, an explicit list of instants
type Pattern struct {
	Kind     string      `json:"kind"`
	Weekdays []string    `json:"weekdays,omitempty"`
	Every    int         `json:"every,omitempty"`
	Dates    []time.Time `json:"dates,omitempty"`
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

// Validate checks the pattern's shape.
func (p *Pattern) Validate() error {
	switch p.Kind {
	case PatternWeekdays:
		if len(p.Weekdays) == 0 {
			return fmt.Errorf("%w: weekdays must not be empty", ErrInvalidPattern)
		}
		for _, d := range p.Weekdays {
			if _, ok := weekdayNames[strings.ToLower(strings.TrimSpace(d))]; !ok {
				return fmt.Errorf("%w: unknown weekday %q", ErrInvalidPattern, d)
			}
		}
	case PatternEveryNDays, PatternEveryNHours:
		if p.Every < 1 {
			return fmt.Errorf("%w: every must be at least 1", ErrInvalidPattern)
		}
	case PatternDates:
		if len(p.Dates) == 0 {
			return fmt.Errorf("%w: dates must not be empty", ErrInvalidPattern)
		}
	case "":
		return fmt.Errorf("%w: kind is required", ErrInvalidPattern)
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidPattern, p.Kind)
	}
	return nil
}

func (p *Pattern) weekdaySet() map[time.Weekday]bool {
	set := make(map[time.Weekday]bool, len(p.Weekdays))
	for _, d := range p.Weekdays {
		set[weekdayNames[strings.ToLower(strings.TrimSpace(d))]] = true
	}
	return set
}

// Next returns the first occurrence strictly after both prev and now. prev
// carries the wall-clock time of day, interpreted in loc. The boolean is
// false when the pattern has no further occurrences.
func (p *Pattern) Next(prev, now time.Time, loc *time.Location) (time.Time, bool, error) {
	if err := p.Validate(); err != nil {
		return time.Time{}, false, err
	}
	prev = prev.In(loc)

	switch p.Kind {
	case PatternWeekdays:
		days := p.weekdaySet()
		start := prev
		if now.After(prev) {
			// Resume scanning from the day before now instead of walking every missed day.
			n := now.In(loc).AddDate(0, 0, -1)
			start = time.Date(n.Year(), n.Month(), n.Day(), prev.Hour(), prev.Minute(), prev.Second(), 0, loc)
			if !start.After(prev) {
				start = prev
			}
		}
		for i := 1; i <= 8; i++ {
			c := time.Date(start.Year(), start.Month(), start.Day()+i, prev.Hour(), prev.Minute(), prev.Second(), 0, loc)
			if days[c.Weekday()] && c.After(now) {
				return c, true, nil
			}
		}
		return time.Time{}, false, fmt.Errorf("%w: no matching weekday", ErrInvalidPattern)

	case PatternEveryNDays:
		return stepDays(prev, now, p.Every, loc), true, nil

	case PatternEveryNHours:
		step := time.Duration(p.Every) * time.Hour
		next := prev.Add(step)
		if !next.After(now) {
			k := now.Sub(prev)/step + 1
			next = prev.Add(k * step)
		}
		return next, true, nil

	case PatternDates:
		dates := make([]time.Time, len(p.Dates))
		copy(dates, p.Dates)
		sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
		floor := prev
		if now.After(floor) {
			floor = now
		}
		for _, d := range dates {
			if d.After(floor) {
				return d.In(loc), true, nil
			}
		}
		return time.Time{}, false, nil
	}
	return time.Time{}, false, fmt.Errorf("%w: unknown kind %q", ErrInvalidPattern, p.Kind)
}
