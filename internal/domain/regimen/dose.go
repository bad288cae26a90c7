package regimen

import (
	"strconv"
	"time"
)

// DoseStatus is the lifecycle state of one dose event
type DoseStatus string

const (
	StatusPending DoseStatus = "Pending"
	StatusTaken   DoseStatus = "Taken"
	StatusMissed  DoseStatus = "Missed"
	StatusSkipped DoseStatus = "Skipped"
)

// DoseEvent is one scheduled occurrence of a dose
type DoseEvent struct {
	At            time.Time  `json:"date"`
	Label         string     `json:"time"`
	Taken         bool       `json:"is_taken"`
	Status        DoseStatus `json:"status"`
	TakenAt       *time.Time `json:"taken_at,omitempty"`
	LastResetDate *time.Time `json:"last_reset_date,omitempty"`
}

// MissedDose points at a Missed event by its index in the current reminder sequence
type MissedDose struct {
	ReminderIndex int       `json:"reminder_index"`
	MissedAt      time.Time `json:"missed_at"`
}

func newDoseEvent(s Slot) DoseEvent {
	return DoseEvent{At: s.At, Label: s.Label, Status: StatusPending}
}

func (e DoseEvent) clone() DoseEvent {
	if e.TakenAt != nil {
		t := *e.TakenAt
		e.TakenAt = &t
	}
	if e.LastResetDate != nil {
		t := *e.LastResetDate
		e.LastResetDate = &t
	}
	return e
}

func (e DoseEvent) equal(o DoseEvent) bool {
	return e.At.Equal(o.At) && e.Label == o.Label && e.Taken == o.Taken && e.Status == o.Status &&
		equalTime(e.TakenAt, o.TakenAt) && equalTime(e.LastResetDate, o.LastResetDate)
}

func equalTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// resolvedReason maps a terminal status to the transition error reason.
func resolvedReason(s DoseStatus) (TransitionReason, bool) {
	switch s {
	case StatusTaken:
		return AlreadyTaken, true
	case StatusMissed:
		return AlreadyMissed, true
	case StatusSkipped:
		return AlreadySkipped, true
	}
	return "", false
}

func (s *Schedule) pendingEvent(index int) (*DoseEvent, error) {
	if index < 0 || index >= len(s.Reminders) {
		return nil, &NotFoundError{Resource: "dose", ID: strconv.Itoa(index)}
	}
	e := &s.Reminders[index]
	if reason, resolved := resolvedReason(e.Status); resolved {
		return nil, &InvalidTransitionError{Index: index, Reason: reason}
	}
	return e, nil
}

// markTaken moves a Pending event to Taken.
func (s *Schedule) markTaken(index int, now time.Time) (DoseEvent, error) {
	e, err := s.pendingEvent(index)
	if err != nil {
		return DoseEvent{}, err
	}
	at := now
	e.Taken = true
	e.Status = StatusTaken
	e.TakenAt = &at
	return e.clone(), nil
}

// skip moves a Pending event to Skipped.
func (s *Schedule) skip(index int) (DoseEvent, error) {
	e, err := s.pendingEvent(index)
	if err != nil {
		return DoseEvent{}, err
	}
	e.Taken = false
	e.TakenAt = nil
	e.Status = StatusSkipped
	return e.clone(), nil
}

// markMissed is driven only by the sweep.
func (s *Schedule) markMissed(index int, missedAt time.Time) {
	e := &s.Reminders[index]
	e.Taken = false
	e.TakenAt = nil
	e.Status = StatusMissed
	s.MissedDoses = append(s.MissedDoses, MissedDose{ReminderIndex: index, MissedAt: missedAt})
}
