package regimen

import (
	"sort"
	"time"
)

const (
	reasonStaleIndex   = "dropped, index outside previous reminders"
	reasonOutOfRange   = "dropped, missed date outside schedule range"
	reasonNotRemapped  = "dropped, dose no longer scheduled"
	reasonNotMissed    = "dropped, dose is not missed"
	reasonDuplicate    = "dropped, duplicate record"
	reasonRecordHealed = "restored for missed dose without a record"
)

// reconcile regenerates the reminders after a scheduling edit. State is carried forward
// from old events at the identical instant; missed-dose records follow their event or are
// dropped. Every dropped or restored record is returned as an anomaly.
func (c Calendar) reconcile(s *Schedule, oldEvents []DoseEvent, oldMissed []MissedDose) ([]*ConsistencyError, error) {
	events, err := c.regenerate(s)
	if err != nil {
		return nil, err
	}

	// A day shortened by a clock change can put two slots on one instant; old and new
	// events at a shared instant pair up in order.
	free := make(map[time.Time][]int, len(events))
	for i, e := range events {
		k := instantKey(e.At)
		free[k] = append(free[k], i)
	}
	moved := make(map[int]int, len(oldEvents))
	for oi, old := range oldEvents {
		k := instantKey(old.At)
		slots := free[k]
		if len(slots) == 0 {
			continue
		}
		ni := slots[0]
		free[k] = slots[1:]
		moved[oi] = ni

		carried := old.clone()
		events[ni].Taken = carried.Taken
		events[ni].Status = carried.Status
		events[ni].TakenAt = carried.TakenAt
		events[ni].LastResetDate = carried.LastResetDate
	}

	var anomalies []*ConsistencyError
	drop := func(index int, reason string) {
		anomalies = append(anomalies, &ConsistencyError{Index: index, Reason: reason})
	}

	startDay, endDay := c.Day(s.StartAt), c.Day(s.EndAt)
	recorded := make(map[int]bool, len(oldMissed))
	missed := make([]MissedDose, 0, len(oldMissed))
	for _, m := range oldMissed {
		if m.ReminderIndex < 0 || m.ReminderIndex >= len(oldEvents) {
			drop(m.ReminderIndex, reasonStaleIndex)
			continue
		}
		if day := c.Day(m.MissedAt); day.Before(startDay) || day.After(endDay) {
			drop(m.ReminderIndex, reasonOutOfRange)
			continue
		}
		ni, ok := moved[m.ReminderIndex]
		switch {
		case !ok:
			drop(m.ReminderIndex, reasonNotRemapped)
			continue
		case events[ni].Status != StatusMissed:
			drop(m.ReminderIndex, reasonNotMissed)
			continue
		case recorded[ni]:
			drop(m.ReminderIndex, reasonDuplicate)
			continue
		}
		recorded[ni] = true
		missed = append(missed, MissedDose{ReminderIndex: ni, MissedAt: m.MissedAt})
	}

	for i, e := range events {
		if e.Status == StatusMissed && !recorded[i] {
			missed = append(missed, MissedDose{ReminderIndex: i, MissedAt: c.EndOfDay(e.At)})
			anomalies = append(anomalies, &ConsistencyError{Index: i, Reason: reasonRecordHealed})
		}
	}
	sort.SliceStable(missed, func(i, j int) bool {
		return missed[i].ReminderIndex < missed[j].ReminderIndex
	})

	s.Reminders = events
	s.MissedDoses = missed
	s.ScheduledFrom = startDay
	return anomalies, nil
}

// instantKey normalizes a time for map lookups; time.Time equality with == depends on the location.
func instantKey(t time.Time) time.Time {
	return t.UTC().Round(0)
}
