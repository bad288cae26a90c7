package regimen

import (
	"testing"
	"time"
	_ "time/tzdata"
)

// day0 is a Tuesday.
var day0 = time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

func at(day, hour int) time.Time {
	return day0.AddDate(0, 0, day).Add(time.Duration(hour) * time.Hour)
}

func TestEnumerateDailySlots(t *testing.T) {
	cal := NewCalendar(nil)

	dates, err := cal.Enumerate(DailyCadence{TimesPerDay: 3}, 8, at(0, 0), at(0, 13), at(1, 2))
	if err != nil {
		t.Fatalf("enumerate: %v", err)
	}
	if len(dates) != 2 {
		t.Fatalf("expected 2 dates, got %d", len(dates))
	}

	wantHours := []int{0, 8, 16}
	wantLabels := []string{"12:00AM", "8:00AM", "4:00PM"}
	for _, d := range dates {
		if len(d.Slots) != 3 {
			t.Fatalf("expected 3 slots on %s, got %d", d.Date, len(d.Slots))
		}
		for i, s := range d.Slots {
			if s.Hour != wantHours[i] {
				t.Errorf("slot %d hour = %d, want %d", i, s.Hour, wantHours[i])
			}
			if s.Label != wantLabels[i] {
				t.Errorf("slot %d label = %q, want %q", i, s.Label, wantLabels[i])
			}
			if !cal.SameDay(s.At, d.Date) {
				t.Errorf("slot %s not on date %s", s.At, d.Date)
			}
		}
	}
	if !dates[0].Date.Equal(at(0, 0)) {
		t.Errorf("first date = %s, want %s", dates[0].Date, at(0, 0))
	}
}

func TestSlotHoursRoundDown(t *testing.T) {
	tests := []struct {
		tpd       int
		startHour int
		want      []int
	}{
		{1, 8, []int{8}},
		{2, 8, []int{8, 20}},
		{5, 0, []int{0, 4, 9, 14, 19}},
		{7, 22, []int{22, 1, 4, 8, 11, 15, 18}},
		{24, 0, nil},
	}
	for _, tt := range tests {
		got := slotHours(DailyCadence{TimesPerDay: tt.tpd}, tt.startHour)
		if tt.want == nil {
			if len(got) != 24 {
				t.Errorf("tpd %d: expected 24 hours, got %d", tt.tpd, len(got))
			}
			seen := map[int]bool{}
			for _, h := range got {
				seen[h] = true
			}
			if len(seen) != 24 {
				t.Errorf("tpd %d: hours not distinct: %v", tt.tpd, got)
			}
			continue
		}
		if len(got) != len(tt.want) {
			t.Fatalf("tpd %d: got %v, want %v", tt.tpd, got, tt.want)
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("tpd %d: got %v, want %v", tt.tpd, got, tt.want)
				break
			}
		}
	}
}

func TestEnumerateWeekly(t *testing.T) {
	cal := NewCalendar(nil)
	// Thursday 2026-10-01 through Wednesday 2026-10-14 touches three weeks.
	from := time.Date(2026, 10, 1, 15, 30, 0, 0, time.UTC)
	to := time.Date(2026, 10, 14, 6, 0, 0, 0, time.UTC)

	dates, err := cal.Enumerate(WeeklyCadence{Days: []Weekday{Monday, Wednesday}}, 9, from, from, to)
	if err != nil {
		t.Fatalf("enumerate: %v", err)
	}
	want := []int{5, 7, 12, 14}
	if len(dates) != len(want) {
		t.Fatalf("expected %d dates, got %d", len(want), len(dates))
	}
	for i, d := range dates {
		if d.Date.Day() != want[i] {
			t.Errorf("date %d = %s, want day %d", i, d.Date, want[i])
		}
		if len(d.Slots) != 1 || d.Slots[0].Label != "9:00AM" {
			t.Errorf("date %d slots = %+v, want one 9:00AM slot", i, d.Slots)
		}
	}
}

func TestEnumerateMonthlySkipsShortMonths(t *testing.T) {
	cal := NewCalendar(nil)
	anchor := time.Date(2026, 1, 31, 10, 0, 0, 0, time.UTC)

	dates, err := cal.Enumerate(MonthlyCadence{}, 7, anchor, anchor, time.Date(2026, 4, 30, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("enumerate: %v", err)
	}
	if len(dates) != 2 {
		t.Fatalf("expected Jan 31 and Mar 31, got %d dates", len(dates))
	}
	if dates[1].Date.Month() != time.March || dates[1].Date.Day() != 31 {
		t.Errorf("second date = %s, want 2026-03-31", dates[1].Date)
	}
	if dates[0].Slots[0].Hour != 7 {
		t.Errorf("monthly slot hour = %d, want 7", dates[0].Slots[0].Hour)
	}
}

func TestEnumerateAsNeededAndEmptyRange(t *testing.T) {
	cal := NewCalendar(nil)

	dates, err := cal.Enumerate(AsNeededCadence{}, 8, at(0, 0), at(0, 0), at(30, 0))
	if err != nil || len(dates) != 0 {
		t.Errorf("as needed: got %d dates, err %v", len(dates), err)
	}

	dates, err = cal.Enumerate(DailyCadence{TimesPerDay: 1}, 8, at(0, 0), at(5, 0), at(4, 23))
	if err != nil || len(dates) != 0 {
		t.Errorf("reversed range: got %d dates, err %v", len(dates), err)
	}
}

func TestEnumerateUsesReferenceZone(t *testing.T) {
	zone := time.FixedZone("UTC+5", 5*60*60)
	cal := NewCalendar(zone)

	// 21:00 UTC on the 9th is already the 10th in the reference zone.
	from := time.Date(2026, 3, 9, 21, 0, 0, 0, time.UTC)
	dates, err := cal.Enumerate(DailyCadence{TimesPerDay: 1}, 8, from, from, from)
	if err != nil {
		t.Fatalf("enumerate: %v", err)
	}
	if len(dates) != 1 {
		t.Fatalf("expected 1 date, got %d", len(dates))
	}
	want := time.Date(2026, 3, 10, 8, 0, 0, 0, zone)
	if got := dates[0].Slots[0].At; !got.Equal(want) {
		t.Errorf("slot = %s, want %s", got, want)
	}
}

func newYork(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("load zone: %v", err)
	}
	return loc
}

func TestEnumerateAcrossSpringForward(t *testing.T) {
	ny := newYork(t)
	cal := NewCalendar(ny)
	// Clocks jump from 02:00 EST to 03:00 EDT.
	day := time.Date(2026, 3, 8, 0, 0, 0, 0, ny)

	dates, err := cal.Enumerate(DailyCadence{TimesPerDay: 1}, 2, day, day, day)
	if err != nil {
		t.Fatalf("enumerate: %v", err)
	}
	slot := dates[0].Slots[0]
	if want := time.Date(2026, 3, 8, 7, 0, 0, 0, time.UTC); slot.Hour != 2 || !slot.At.Equal(want) || slot.Label != "3:00AM" {
		t.Errorf("skipped hour slot = %+v, want hour 2 at %s labelled 3:00AM", slot, want)
	}

	dates, err = cal.Enumerate(DailyCadence{TimesPerDay: 24}, 0, day, day, day.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("enumerate: %v", err)
	}
	if len(dates) != 2 {
		t.Fatalf("expected 2 dates, got %d", len(dates))
	}
	for i, wantDistinct := range []int{23, 24} {
		d := dates[i]
		if len(d.Slots) != 24 {
			t.Fatalf("date %s has %d slots, want 24", d.Date, len(d.Slots))
		}
		distinct := map[time.Time]bool{}
		for j, s := range d.Slots {
			if s.Hour != j {
				t.Errorf("slot %d hour = %d", j, s.Hour)
			}
			if !cal.SameDay(s.At, d.Date) {
				t.Errorf("slot %s left date %s", s.At, d.Date)
			}
			if j > 0 && s.At.Before(d.Slots[j-1].At) {
				t.Errorf("slot %d at %s precedes slot %d", j, s.At, j-1)
			}
			distinct[s.At] = true
		}
		if len(distinct) != wantDistinct {
			t.Errorf("date %s has %d distinct instants, want %d", d.Date, len(distinct), wantDistinct)
		}
	}
	if got := dates[0].Slots[1].At; !got.Equal(time.Date(2026, 3, 8, 6, 0, 0, 0, time.UTC)) {
		t.Errorf("1:00 slot = %s, want 01:00 EST", got)
	}
	if got := dates[0].Slots[4].At; got.Hour() != 4 {
		t.Errorf("4:00 slot = %s, want 04:00 EDT", got)
	}
}

func TestEnumerateAcrossFallBack(t *testing.T) {
	ny := newYork(t)
	cal := NewCalendar(ny)
	day := time.Date(2026, 11, 1, 0, 0, 0, 0, ny)

	dates, err := cal.Enumerate(DailyCadence{TimesPerDay: 24}, 0, day, day, day)
	if err != nil {
		t.Fatalf("enumerate: %v", err)
	}
	distinct := map[time.Time]bool{}
	for j, s := range dates[0].Slots {
		if s.At.Hour() != j {
			t.Errorf("slot %d falls at %s", j, s.At)
		}
		distinct[s.At] = true
	}
	if len(distinct) != 24 {
		t.Errorf("expected 24 distinct instants, got %d", len(distinct))
	}
}

func TestCalendarDayBoundaries(t *testing.T) {
	cal := NewCalendar(nil)
	ts := time.Date(2026, 3, 10, 17, 45, 12, 0, time.UTC)

	if got := cal.EndOfDay(ts); !got.Equal(time.Date(2026, 3, 10, 23, 59, 59, 999_000_000, time.UTC)) {
		t.Errorf("end of day = %s", got)
	}
	if got := cal.NextDay(ts); !got.Equal(time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("next day = %s", got)
	}
}
