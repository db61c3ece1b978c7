package reminder

import (
	"fmt"
	"time"
)

// stepDays advances prev by whole multiples of n calendar days in loc,
// keeping its wall-clock time, until the result is strictly after now.
func stepDays(prev, now time.Time, n int, loc *time.Location) time.Time {
	prev = prev.In(loc)
	at := func(k int) time.Time {
		return time.Date(prev.Year(), prev.Month(), prev.Day()+k, prev.Hour(), prev.Minute(), prev.Second(), prev.Nanosecond(), loc)
	}

	k := n
	if now.After(prev) {
		// Jump close to now; the loop fixes up DST drift.
		missed := int(now.Sub(prev).Hours() / 24)
		k = (missed/n + 1) * n
		for k > n && at(k-n).After(now) {
			k -= n
		}
	}
	next := at(k)
	for !next.After(now) {
		k += n
		next = at(k)
	}
	return next
}

// addMonthsClamped moves t by months calendar months onto anchorDay, clamped
// to the last day of shorter months.
func addMonthsClamped(t time.Time, months, anchorDay int, loc *time.Location) time.Time {
	t = t.In(loc)
	first := time.Date(t.Year(), t.Month()+time.Month(months), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc)
	last := first.AddDate(0, 1, -1).Day()
	day := anchorDay
	if day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc)
}

func stepMonths(prev, now time.Time, anchorDay int, loc *time.Location) time.Time {
	prev = prev.In(loc)
	k := 1
	if now.After(prev) {
		n := now.In(loc)
		missed := (n.Year()-prev.Year())*12 + int(n.Month()-prev.Month())
		if missed > 1 {
			k = missed - 1
		}
	}
	next := addMonthsClamped(prev, k, anchorDay, loc)
	for !next.After(now) {
		k++
		next = addMonthsClamped(prev, k, anchorDay, loc)
	}
	return next
}

// NextOccurrence computes the occurrence after the current NextSendAt (or the
// anchor if unset), skipping any that are not strictly after now. The boolean
// is false when the schedule has nothing further: a once reminder, or a custom
// pattern that ran out. EndDate and the send cap are not considered here.
func (r *Reminder) NextOccurrence(now time.Time) (time.Time, bool, error) {
	anchor, err := r.Anchor()
	if err != nil {
		return time.Time{}, false, err
	}
	prev := anchor
	if r.NextSendAt != nil {
		prev = *r.NextSendAt
	}
	loc := r.Location()

	switch r.Frequency {
	case FrequencyOnce, "":
		return time.Time{}, false, nil
	case FrequencyDaily:
		return stepDays(prev, now, 1, loc), true, nil
	case FrequencyWeekly:
		return stepDays(prev, now, 7, loc), true, nil
	case FrequencyMonthly:
		return stepMonths(prev, now, anchor.Day(), loc), true, nil
	case FrequencyCustom:
		if r.Pattern == nil {
			return time.Time{}, false, fmt.Errorf("%w: custom frequency without a pattern", ErrInvalidPattern)
		}
		return r.Pattern.Next(prev, now, loc)
	}
	return time.Time{}, false, fmt.Errorf("%w: unknown frequency %q", ErrInvalid, r.Frequency)
}

// Advance closes out the current occurrence after a dispatch cycle at now and
// moves the schedule forward, or completes the reminder. delivered says
// whether any channel succeeded; a failed cycle still advances. On error the
// reminder is left untouched.
func (r *Reminder) Advance(delivered bool, now time.Time) error {
	sent := r.SentCount
	if delivered {
		sent++
	}

	var (
		next time.Time
		more bool
	)
	capped := r.MaxSendCount != nil && sent >= *r.MaxSendCount
	if r.Frequency != FrequencyOnce && !capped {
		var err error
		next, more, err = r.NextOccurrence(now)
		if err != nil {
			return err
		}
		if more && r.EndDate != nil && next.After(*r.EndDate) {
			more = false
		}
	}

	r.SentCount = sent
	r.LastSentAt = &now
	r.ResponseReceived = false
	r.EscalatedAt = nil
	r.EscalationHoldUntil = nil
	r.ClearHold()

	if !more {
		r.complete()
		return nil
	}
	r.NextSendAt = &next
	return nil
}
