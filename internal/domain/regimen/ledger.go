package regimen

// TotalDoses counts the slots enumerated from ScheduledFrom through the end date.
func (c Calendar) TotalDoses(s *Schedule) (int, error) {
	from := s.ScheduledFrom
	if from.IsZero() {
		from = s.StartAt
	}
	dates, err := c.Enumerate(s.Cadence, s.StartHour, s.StartAt, from, s.EndAt)
	if err != nil {
		return 0, err
	}
	return countSlots(dates), nil
}

// DosesTaken counts events in the Taken state.
func DosesTaken(events []DoseEvent) int {
	n := 0
	for _, e := range events {
		if e.Status == StatusTaken {
			n++
		}
	}
	return n
}

// recompute derives both ledger values from scratch; they are never adjusted incrementally.
func (c Calendar) recompute(s *Schedule) error {
	total, err := c.TotalDoses(s)
	if err != nil {
		return err
	}
	s.InitialQuantity = total * s.Dose
	s.QuantityLeft = max(0, s.InitialQuantity-DosesTaken(s.Reminders)*s.Dose)
	return nil
}
