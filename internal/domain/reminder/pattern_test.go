package reminder

import (
	"errors"
	"testing"
	"time"
)

func TestPattern_Validate(t *testing.T) {
	cases := []struct {
		name string
		p    Pattern
		ok   bool
	}{
		{"weekdays", Pattern{Kind: PatternWeekdays, Weekdays: []string{"Mon", "thursday"}}, true},
		{"weekdays empty", Pattern{Kind: PatternWeekdays}, false},
		{"weekdays unknown", Pattern{Kind: PatternWeekdays, Weekdays: []string{"funday"}}, false},
		{"every n days", Pattern{Kind: PatternEveryNDays, Every: 3}, true},
		{"every zero days", Pattern{Kind: PatternEveryNDays}, false},
		{"every n hours", Pattern{Kind: PatternEveryNHours, Every: 8}, true},
		{"dates", Pattern{Kind: PatternDates, Dates: []time.Time{time.Now()}}, true},
		{"dates empty", Pattern{Kind: PatternDates}, false},
		{"no kind", Pattern{}, false},
		{"unknown kind", Pattern{Kind: "lunar"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.p.Validate()
			if tc.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrInvalidPattern) {
				t.Errorf("expected ErrInvalidPattern, got %v", err)
			}
		})
	}
}

func TestPattern_Weekdays(t *testing.T) {
	// 2024-01-01 is a Monday.
	prev := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	p := &Pattern{Kind: PatternWeekdays, Weekdays: []string{"mon", "thu"}}

	next, ok, err := p.Next(prev, prev, time.UTC)
	if err != nil || !ok {
		t.Fatalf("unexpected: %v %v", ok, err)
	}
	if want := time.Date(2024, 1, 4, 9, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Errorf("expected Thursday %v, got %v", want, next)
	}

	next, _, _ = p.Next(next, next, time.UTC)
	if want := time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Errorf("expected next Monday %v, got %v", want, next)
	}
}

func TestPattern_WeekdaysSkipsBacklog(t *testing.T) {
	prev := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	p := &Pattern{Kind: PatternWeekdays, Weekdays: []string{"mon"}}

	// Wednesday 2024-03-13, long after prev.
	now := time.Date(2024, 3, 13, 12, 0, 0, 0, time.UTC)
	next, _, err := p.Next(prev, now, time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2024, 3, 18, 9, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Errorf("expected %v, got %v", want, next)
	}

	// Same day, before the time of day.
	now = time.Date(2024, 3, 18, 8, 0, 0, 0, time.UTC)
	next, _, _ = p.Next(prev, now, time.UTC)
	if want := time.Date(2024, 3, 18, 9, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Errorf("expected %v, got %v", want, next)
	}
}

func TestPattern_EveryNDays(t *testing.T) {
	prev := time.Date(2024, 1, 1, 7, 0, 0, 0, time.UTC)
	p := &Pattern{Kind: PatternEveryNDays, Every: 3}

	next, _, _ := p.Next(prev, prev, time.UTC)
	if want := time.Date(2024, 1, 4, 7, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Errorf("expected %v, got %v", want, next)
	}

	now := time.Date(2024, 1, 11, 6, 0, 0, 0, time.UTC)
	next, _, _ = p.Next(prev, now, time.UTC)
	if want := time.Date(2024, 1, 13, 7, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Errorf("expected %v (on the 3-day grid), got %v", want, next)
	}
}

func TestPattern_EveryNHours(t *testing.T) {
	prev := time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC)
	p := &Pattern{Kind: PatternEveryNHours, Every: 8}

	next, _, _ := p.Next(prev, prev, time.UTC)
	if want := prev.Add(8 * time.Hour); !next.Equal(want) {
		t.Errorf("expected %v, got %v", want, next)
	}

	now := prev.Add(17 * time.Hour)
	next, _, _ = p.Next(prev, now, time.UTC)
	if want := prev.Add(24 * time.Hour); !next.Equal(want) {
		t.Errorf("expected %v, got %v", want, next)
	}
}

func TestPattern_DatesExhaust(t *testing.T) {
	d1 := time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)
	d2 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	p := &Pattern{Kind: PatternDates, Dates: []time.Time{d2, d1}}

	next, ok, _ := p.Next(d1, d1, time.UTC)
	if !ok || !next.Equal(d2) {
		t.Fatalf("expected %v, got %v (%v)", d2, next, ok)
	}
	_, ok, err := p.Next(d2, d2, time.UTC)
	if err != nil || ok {
		t.Errorf("expected pattern to be exhausted, got ok=%v err=%v", ok, err)
	}
}

func TestAdvance_CustomDatesCompletes(t *testing.T) {
	d1 := time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)
	d2 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	r := newScheduled(FrequencyCustom, d1)
	r.Pattern = &Pattern{Kind: PatternDates, Dates: []time.Time{d1, d2}}

	_ = r.Advance(true, d1)
	if r.Status != StatusActive || !r.NextSendAt.Equal(d2) {
		t.Fatalf("expected next %v, got %s %v", d2, r.Status, r.NextSendAt)
	}
	_ = r.Advance(true, d2)
	if r.Status != StatusCompleted || r.NextSendAt != nil {
		t.Errorf("expected completed after the last date, got %s %v", r.Status, r.NextSendAt)
	}
}
