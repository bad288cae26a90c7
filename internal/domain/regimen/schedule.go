// Package regimen implements the medication regimen aggregate: dose event generation,
// reconciliation on edits, the dose state machine, the missed-dose sweep and the quantity ledger.
package regimen

import (
	"errors"
	"slices"
	"strings"
	"time"
	"unicode/utf8"
)

// MedicineType is the dosage form
type MedicineType string

const (
	MedicinePills      MedicineType = "Pills"
	MedicineCapsule    MedicineType = "Capsule"
	MedicineInjections MedicineType = "Injections"
	MedicineLiquid     MedicineType = "Liquid"
	MedicineTablet     MedicineType = "Tablet"
	MedicineSyrup      MedicineType = "Syrup"
	MedicineInhaler    MedicineType = "Inhaler"
	MedicineDrops      MedicineType = "Drops"
)

func (t MedicineType) valid() bool {
	switch t {
	case MedicinePills, MedicineCapsule, MedicineInjections, MedicineLiquid,
		MedicineTablet, MedicineSyrup, MedicineInhaler, MedicineDrops:
		return true
	}
	return false
}

// IntakeInstruction tells the patient how to take the dose
type IntakeInstruction string

const (
	IntakeAfterEating  IntakeInstruction = "After eat"
	IntakeWhileEating  IntakeInstruction = "While eating"
	IntakeBeforeEating IntakeInstruction = "Before eat"
	IntakeAtBedtime    IntakeInstruction = "At Bedtime"
	IntakeEmptyStomach IntakeInstruction = "Empty stomach"

	DefaultIntake = IntakeAfterEating
)

const (
	maxMedicineNameRune = 100
	maxNotesRune        = 500
)

// Upper bounds on the units in one dose and on the years from start to end date.
const (
	MaxDose      = 100
	MaxSpanYears = 5
)

func (i IntakeInstruction) valid() bool {
	switch i {
	case IntakeAfterEating, IntakeWhileEating, IntakeBeforeEating, IntakeAtBedtime, IntakeEmptyStomach:
		return true
	}
	return false
}

// Definition is the caller-supplied configuration of a regimen
type Definition struct {
	OwnerID      string
	PatientID    string
	DrugID       string
	MedicineName string
	MedicineType MedicineType
	Dose         int
	Cadence      Cadence
	StartHour    int
	StartAt      time.Time
	EndAt        time.Time
	Intake       IntakeInstruction
	Notes        string
}

// Validate reports every problem with the definition, joined.
func (d Definition) Validate() error {
	var errs []error
	if strings.TrimSpace(d.OwnerID) == "" {
		errs = append(errs, invalid("ownerId", "is required"))
	}
	if strings.TrimSpace(d.PatientID) == "" {
		errs = append(errs, invalid("patientId", "is required"))
	}
	name := strings.TrimSpace(d.MedicineName)
	if n := utf8.RuneCountInString(name); n < 1 || n > maxMedicineNameRune {
		errs = append(errs, invalid("medicineName", "must be 1 to %d characters", maxMedicineNameRune))
	}
	if d.MedicineType != "" && !d.MedicineType.valid() {
		errs = append(errs, invalid("medicineType", "unknown type %q", d.MedicineType))
	}
	if d.Dose < 1 || d.Dose > MaxDose {
		errs = append(errs, invalid("dose", "must be a whole number between 1 and %d", MaxDose))
	}
	if d.Cadence == nil {
		errs = append(errs, invalid("frequency", "is required"))
	} else if err := d.Cadence.validate(); err != nil {
		errs = append(errs, err)
	}
	if d.StartHour < 0 || d.StartHour > 23 {
		errs = append(errs, invalid("startHour", "must be between 0 and 23"))
	}
	if d.StartAt.IsZero() {
		errs = append(errs, invalid("startDateTime", "is required"))
	}
	if d.EndAt.IsZero() {
		errs = append(errs, invalid("endDateTime", "is required"))
	}
	if !d.StartAt.IsZero() && !d.EndAt.IsZero() && d.EndAt.Before(d.StartAt) {
		errs = append(errs, invalid("endDateTime", "must not be before startDateTime"))
	} else if !d.StartAt.IsZero() && d.EndAt.After(d.StartAt.AddDate(MaxSpanYears, 0, 0)) {
		errs = append(errs, invalid("endDateTime", "must be within %d years of startDateTime", MaxSpanYears))
	}
	if d.Intake != "" && !d.Intake.valid() {
		errs = append(errs, invalid("intakeInstructions", "unknown instruction %q", d.Intake))
	}
	if utf8.RuneCountInString(d.Notes) > maxNotesRune {
		errs = append(errs, invalid("notes", "must be at most %d characters", maxNotesRune))
	}
	return errors.Join(errs...)
}

// normalized trims text and fills defaults. The cadence is rebuilt so weekly days are canonical.
func (d Definition) normalized() Definition {
	d.MedicineName = strings.TrimSpace(d.MedicineName)
	d.Notes = strings.TrimSpace(d.Notes)
	if d.MedicineType == "" {
		d.MedicineType = MedicinePills
	}
	if d.Intake == "" {
		d.Intake = DefaultIntake
	}
	if d.Cadence != nil {
		if c, err := NewCadence(CadenceFields(d.Cadence)); err == nil {
			d.Cadence = c
		}
	}
	return d
}

// Schedule is the regimen aggregate: its definition plus the generated dose events,
// missed-dose records and ledger values.
type Schedule struct {
	ID      string
	Version int
	Definition

	// ScheduledFrom is the first date counted by the ledger.
	ScheduledFrom time.Time

	Reminders   []DoseEvent
	MissedDoses []MissedDose

	InitialQuantity int
	QuantityLeft    int
	IsActive        bool

	CreatedAt time.Time
	UpdatedAt time.Time

	changes []*Event
}

// Changes returns uncommitted events
func (s *Schedule) Changes() []*Event { return s.changes }

// ClearChanges clears uncommitted events
func (s *Schedule) ClearChanges() { s.changes = nil }

func (s *Schedule) record(e *Event) {
	s.changes = append(s.changes, e)
}

// Clone returns a deep copy, pending changes included.
func (s *Schedule) Clone() *Schedule {
	if s == nil {
		return nil
	}
	c := *s
	if w, ok := s.Cadence.(WeeklyCadence); ok {
		w.Days = append([]Weekday(nil), w.Days...)
		c.Cadence = w
	}
	c.Reminders = slices.Clone(s.Reminders)
	for i := range c.Reminders {
		c.Reminders[i] = c.Reminders[i].clone()
	}
	c.MissedDoses = slices.Clone(s.MissedDoses)
	c.changes = slices.Clone(s.changes)
	return &c
}

// schedulingChanged reports whether any field that drives the calendar differs.
func schedulingChanged(a, b Definition) bool {
	return !sameCadence(a.Cadence, b.Cadence) ||
		a.StartHour != b.StartHour ||
		!a.StartAt.Equal(b.StartAt) ||
		!a.EndAt.Equal(b.EndAt)
}
