package regimen

import "time"

// generate seeds the reminders of a new schedule. On the start date, slots strictly
// before now are dropped; when that empties the date, the ledger starts counting the next day.
func (c Calendar) generate(s *Schedule, now time.Time) error {
	dates, err := c.enumerateSchedule(s)
	if err != nil {
		return err
	}

	start := c.Day(s.StartAt)
	s.ScheduledFrom = start
	events := make([]DoseEvent, 0, countSlots(dates))
	for _, d := range dates {
		first := d.Date.Equal(start)
		kept := 0
		for _, slot := range d.Slots {
			if first && slot.At.Before(now) {
				continue
			}
			events = append(events, newDoseEvent(slot))
			kept++
		}
		if first && len(d.Slots) > 0 && kept == 0 {
			s.ScheduledFrom = c.NextDay(start)
		}
	}
	s.Reminders = events
	return nil
}

// regenerate rebuilds every slot of the schedule with no first-day suppression.
func (c Calendar) regenerate(s *Schedule) ([]DoseEvent, error) {
	dates, err := c.enumerateSchedule(s)
	if err != nil {
		return nil, err
	}
	events := make([]DoseEvent, 0, countSlots(dates))
	for _, d := range dates {
		for _, slot := range d.Slots {
			events = append(events, newDoseEvent(slot))
		}
	}
	return events, nil
}

func (c Calendar) enumerateSchedule(s *Schedule) ([]DueDate, error) {
	return c.Enumerate(s.Cadence, s.StartHour, s.StartAt, s.StartAt, s.EndAt)
}

func countSlots(dates []DueDate) int {
	n := 0
	for _, d := range dates {
		n += len(d.Slots)
	}
	return n
}
