package regimen

import (
	"fmt"
	"sort"
	"time"

	"github.com/teambition/rrule-go"
)

// Slot is one time-of-day dose slot on a due date.
type Slot struct {
	Hour  int
	At    time.Time
	Label string
}

// DueDate is a calendar date with its ordered dose slots.
type DueDate struct {
	Date  time.Time
	Slots []Slot
}

// Calendar anchors all date arithmetic to a single reference zone.
type Calendar struct {
	loc *time.Location
}

// NewCalendar returns a calendar in loc, UTC when loc is nil.
func NewCalendar(loc *time.Location) Calendar {
	if loc == nil {
		loc = time.UTC
	}
	return Calendar{loc: loc}
}

// Location returns the reference zone.
func (c Calendar) Location() *time.Location {
	if c.loc == nil {
		return time.UTC
	}
	return c.loc
}

// Day truncates t to the first instant of its date in the reference zone.
func (c Calendar) Day(t time.Time) time.Time {
	y, m, d := t.In(c.Location()).Date()
	return c.wall(y, m, d, 0)
}

// wall returns hour h of the given date. An hour skipped by a forward clock change
// resolves to the instant the clocks jumped, so it stays on its date and in hour order.
func (c Calendar) wall(y int, m time.Month, d, h int) time.Time {
	t := time.Date(y, m, d, h, 0, 0, 0, c.Location())
	if t.Hour() == h {
		return t
	}
	start, end := t.ZoneBounds()
	got := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, time.UTC)
	if got.Before(time.Date(y, m, d, h, 0, 0, 0, time.UTC)) {
		return end
	}
	return start
}

// EndOfDay returns the last millisecond of t's date.
func (c Calendar) EndOfDay(t time.Time) time.Time {
	d := c.Day(t)
	return time.Date(d.Year(), d.Month(), d.Day(), 23, 59, 59, int(999*time.Millisecond), c.Location())
}

// NextDay returns the first instant of the following date.
func (c Calendar) NextDay(t time.Time) time.Time {
	y, m, d := t.In(c.Location()).Date()
	return c.Day(time.Date(y, m, d+1, 12, 0, 0, 0, c.Location()))
}

// SameDay reports whether a and b fall on the same date.
func (c Calendar) SameDay(a, b time.Time) bool {
	return c.Day(a).Equal(c.Day(b))
}

// Enumerate lists the due dates in [from, to] (inclusive, day granularity) with their slots
// in chronological order. anchor supplies the day of month for monthly cadences.
//
// The recurrence rule only picks the dates; it is anchored at noon, which no clock change
// touches. Slot instants are then placed on each date's wall clock.
func (c Calendar) Enumerate(cad Cadence, startHour int, anchor, from, to time.Time) ([]DueDate, error) {
	from, to = c.Day(from), c.Day(to)
	if to.Before(from) {
		return nil, nil
	}

	y, m, d := from.Date()
	opt := rrule.ROption{
		Dtstart: time.Date(y, m, d, 12, 0, 0, 0, c.Location()),
		Until:   c.EndOfDay(to),
	}

	switch v := cad.(type) {
	case DailyCadence:
		opt.Freq = rrule.DAILY
	case WeeklyCadence:
		opt.Freq = rrule.WEEKLY
		for _, d := range v.Days {
			wd, ok := d.Time()
			if !ok {
				return nil, invalid("daysOfWeek", "unknown day %q", d)
			}
			opt.Byweekday = append(opt.Byweekday, ruleWeekday(wd))
		}
	case MonthlyCadence:
		opt.Freq = rrule.MONTHLY
		opt.Bymonthday = []int{c.Day(anchor).Day()}
	default:
		return nil, nil
	}

	rule, err := rrule.NewRRule(opt)
	if err != nil {
		return nil, fmt.Errorf("build recurrence: %w", err)
	}

	hours := slotHours(cad, startHour)
	sort.Ints(hours)

	occurrences := rule.All()
	dates := make([]DueDate, 0, len(occurrences))
	for _, occ := range occurrences {
		y, m, d := occ.In(c.Location()).Date()
		due := DueDate{Date: c.wall(y, m, d, 0), Slots: make([]Slot, 0, len(hours))}
		for _, h := range hours {
			at := c.wall(y, m, d, h)
			due.Slots = append(due.Slots, Slot{Hour: h, At: at, Label: slotLabel(at)})
		}
		dates = append(dates, due)
	}
	return dates, nil
}

// slotHours spreads the day's slots evenly from startHour, rounding down to whole hours.
func slotHours(cad Cadence, startHour int) []int {
	n := slotsPerDay(cad)
	if n == 0 {
		return nil
	}
	hours := make([]int, n)
	for i := range hours {
		hours[i] = (startHour + i*24/n) % 24
	}
	return hours
}

func slotLabel(t time.Time) string {
	return t.Format("3:04PM")
}

func ruleWeekday(wd time.Weekday) rrule.Weekday {
	switch wd {
	case time.Monday:
		return rrule.MO
	case time.Tuesday:
		return rrule.TU
	case time.Wednesday:
		return rrule.WE
	case time.Thursday:
		return rrule.TH
	case time.Friday:
		return rrule.FR
	case time.Saturday:
		return rrule.SA
	default:
		return rrule.SU
	}
}
