package regimen

import "time"

// SweepResult summarizes one sweep of a schedule.
type SweepResult struct {
	// Missed holds the reminder indices moved to Missed by this sweep, in order.
	Missed  []int
	Retired bool
}

// sweep marks unfulfilled doses of every fully elapsed day as Missed. Re-running it
// with the same now changes nothing.
func (c Calendar) sweep(s *Schedule, now time.Time) []int {
	today := c.Day(now)

	type pastDay struct {
		date    time.Time
		indices []int
	}
	var days []*pastDay
	byDate := make(map[time.Time]*pastDay)
	for i, e := range s.Reminders {
		day := c.Day(e.At)
		if !day.Before(today) {
			continue
		}
		key := instantKey(day)
		d, ok := byDate[key]
		if !ok {
			d = &pastDay{date: day}
			byDate[key] = d
			days = append(days, d)
		}
		d.indices = append(d.indices, i)
	}

	recorded := make(map[int]bool, len(s.MissedDoses))
	for _, m := range s.MissedDoses {
		recorded[m.ReminderIndex] = true
	}

	var missed []int
	for _, d := range days {
		c.resetDay(s, d.date, d.indices)

		remaining := remainingDoses(s, d.indices)
		for _, i := range d.indices {
			if remaining == 0 {
				break
			}
			if s.Reminders[i].Status != StatusPending || recorded[i] {
				continue
			}
			s.markMissed(i, c.EndOfDay(d.date))
			recorded[i] = true
			missed = append(missed, i)
			remaining--
		}
	}
	return missed
}

// resetDay clears stray taken markers on a past day's Pending events, once per day.
func (c Calendar) resetDay(s *Schedule, date time.Time, indices []int) {
	for _, i := range indices {
		e := &s.Reminders[i]
		if e.Status != StatusPending {
			continue
		}
		if e.LastResetDate != nil && !c.Day(*e.LastResetDate).Before(date) {
			continue
		}
		reset := date
		e.Taken = false
		e.TakenAt = nil
		e.LastResetDate = &reset
	}
}

// remainingDoses is the expected slot count minus resolved events. Only daily regimens
// carry an expectation.
func remainingDoses(s *Schedule, indices []int) int {
	daily, ok := s.Cadence.(DailyCadence)
	if !ok || len(indices) == 0 {
		return 0
	}
	completed := 0
	for _, i := range indices {
		if s.Reminders[i].Status != StatusPending {
			completed++
		}
	}
	return max(0, daily.TimesPerDay-completed)
}
