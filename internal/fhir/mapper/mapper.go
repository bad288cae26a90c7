// Package mapper converts FHIR R5 MedicationRequest resources into regimen definitions.
package mapper

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/drfirst/go-regimen/internal/domain/regimen"
	fhir "github.com/drfirst/go-regimen/internal/fhir/r5"
)

// MapError represents a mapping error with context
type MapError struct {
	Field   string
	Code    string
	Message string
	Cause   error
}

func (e *MapError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%s)", e.Field, e.Message, e.Cause.Error())
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *MapError) Unwrap() error {
	return e.Cause
}

// Is makes every mapping error a validation error for callers.
func (e *MapError) Is(target error) bool { return target == regimen.ErrValidation }

// Mapping error codes
const (
	CodeWrongResource   = "WRONG_RESOURCE"
	CodeInactive        = "INACTIVE_REQUEST"
	CodeMissingElement  = "MISSING_ELEMENT"
	CodeUnsupportedTime = "UNSUPPORTED_TIMING"
	CodeInvalidDose     = "INVALID_DOSE"
)

// DefaultStartHour is used when the timing names neither a time of day nor a meal.
const DefaultStartHour = 8

// MedicationRequestToRegimen maps the first dosage instruction of a request.
type MedicationRequestToRegimen struct {
	loc *time.Location
}

// New returns a mapper that reads date-only bounds as midnight in loc.
func New(loc *time.Location) *MedicationRequestToRegimen {
	if loc == nil {
		loc = time.UTC
	}
	return &MedicationRequestToRegimen{loc: loc}
}

// ToDefinition builds the definition owned by ownerID. The result is not validated;
// regimen.Service does that on create.
func (m *MedicationRequestToRegimen) ToDefinition(req *fhir.MedicationRequest, ownerID string) (regimen.Definition, error) {
	if req == nil || req.ResourceType != "MedicationRequest" {
		return regimen.Definition{}, &MapError{Field: "resourceType", Code: CodeWrongResource, Message: "expected a MedicationRequest"}
	}
	switch req.Status {
	case fhir.StatusCancelled, fhir.StatusCompleted, fhir.StatusEnteredInError, fhir.StatusStopped:
		return regimen.Definition{}, &MapError{
			Field: "MedicationRequest.status", Code: CodeInactive,
			Message: fmt.Sprintf("a %s request cannot start a regimen", req.Status),
		}
	}

	patientID := req.GetPatientID()
	if patientID == "" {
		return regimen.Definition{}, missing("MedicationRequest.subject")
	}
	name := req.GetMedicationDisplay()
	if name == "" {
		return regimen.Definition{}, missing("MedicationRequest.medication")
	}
	if len(req.DosageInstruction) == 0 {
		return regimen.Definition{}, missing("MedicationRequest.dosageInstruction")
	}
	dosage := req.DosageInstruction[0]

	dose, form, err := mapDose(dosage)
	if err != nil {
		return regimen.Definition{}, err
	}

	var rep *fhir.TimingRepeat
	if dosage.Timing != nil {
		rep = dosage.Timing.Repeat
	}
	start, end, err := m.bounds(req, rep)
	if err != nil {
		return regimen.Definition{}, err
	}
	cadence, err := mapCadence(rep, dosage.AsNeeded || len(dosage.AsNeededFor) > 0)
	if err != nil {
		return regimen.Definition{}, err
	}
	hour, err := startHour(rep, start, m.loc)
	if err != nil {
		return regimen.Definition{}, err
	}

	drugID := req.GetRxNorm()
	if drugID == "" {
		drugID = req.GetNDC()
	}
	notes := req.NoteText()
	if notes == "" {
		notes = strings.TrimSpace(dosage.PatientInstruction)
	}

	return regimen.Definition{
		OwnerID:      ownerID,
		PatientID:    patientID,
		DrugID:       drugID,
		MedicineName: name,
		MedicineType: form,
		Dose:         dose,
		Cadence:      cadence,
		StartHour:    hour,
		StartAt:      start.Time,
		EndAt:        end.Time,
		Intake:       intake(dosage, rep),
		Notes:        notes,
	}, nil
}

func missing(field string) *MapError {
	return &MapError{Field: field, Code: CodeMissingElement, Message: "is required"}
}

func unsupported(field, format string, args ...any) *MapError {
	return &MapError{Field: field, Code: CodeUnsupportedTime, Message: fmt.Sprintf(format, args...)}
}

// mapDose reads the first dose quantity. Regimens count whole units only.
func mapDose(d fhir.Dosage) (int, regimen.MedicineType, error) {
	const field = "Dosage.doseAndRate.doseQuantity"
	if len(d.DoseAndRate) == 0 || d.DoseAndRate[0].DoseQuantity == nil {
		return 0, "", missing(field)
	}
	q := d.DoseAndRate[0].DoseQuantity
	if q.Value < 1 || q.Value != math.Trunc(q.Value) {
		return 0, "", &MapError{Field: field, Code: CodeInvalidDose, Message: fmt.Sprintf("%v is not a whole number of units", q.Value)}
	}
	if q.Value > regimen.MaxDose {
		return 0, "", &MapError{Field: field, Code: CodeInvalidDose, Message: fmt.Sprintf("%v exceeds %d units", q.Value, regimen.MaxDose)}
	}
	return int(q.Value), doseForm(q), nil
}

// doseForm guesses the medicine type from the dose unit. Unknown units leave it empty.
func doseForm(q *fhir.Quantity) regimen.MedicineType {
	unit := strings.ToLower(q.Code)
	if unit == "" {
		unit = strings.ToLower(q.Unit)
	}
	switch strings.Trim(unit, "{}") {
	case "tab", "tabs", "tablet", "tablets":
		return regimen.MedicineTablet
	case "cap", "caps", "capsule", "capsules":
		return regimen.MedicineCapsule
	case "pill", "pills":
		return regimen.MedicinePills
	case "puff", "puffs", "actuat":
		return regimen.MedicineInhaler
	case "drop", "drops", "gtt":
		return regimen.MedicineDrops
	case "ml", "l":
		return regimen.MedicineLiquid
	}
	return ""
}

// bounds reads Timing.repeat.boundsPeriod. A missing start falls back to authoredOn.
// An end is required; regimens are never open-ended.
func (m *MedicationRequestToRegimen) bounds(req *fhir.MedicationRequest, rep *fhir.TimingRepeat) (start, end fhir.DateTime, err error) {
	const field = "Dosage.timing.repeat.boundsPeriod"
	var p *fhir.Period
	if rep != nil {
		p = rep.BoundsPeriod
	}
	switch {
	case p != nil && p.Start != nil && !p.Start.IsZero():
		start = *p.Start
	case req.AuthoredOn != nil && !req.AuthoredOn.IsZero():
		start = *req.AuthoredOn
	default:
		return start, end, missing(field + ".start")
	}
	if p == nil || p.End == nil || p.End.IsZero() {
		return start, end, missing(field + ".end")
	}
	end = *p.End
	return m.inZone(start), m.inZone(end), nil
}

// inZone pins a date-only value to midnight in the reference zone.
func (m *MedicationRequestToRegimen) inZone(d fhir.DateTime) fhir.DateTime {
	if d.DateOnly {
		y, mo, day := d.Date()
		d.Time = time.Date(y, mo, day, 0, 0, 0, 0, m.loc)
	}
	return d
}

var fhirDays = map[string]regimen.Weekday{
	"mon": regimen.Monday,
	"tue": regimen.Tuesday,
	"wed": regimen.Wednesday,
	"thu": regimen.Thursday,
	"fri": regimen.Friday,
	"sat": regimen.Saturday,
	"sun": regimen.Sunday,
}

// mapCadence turns frequency per period into a cadence. Hourly periods must divide the day;
// daily, weekly and monthly periods must be one.
func mapCadence(rep *fhir.TimingRepeat, asNeeded bool) (regimen.Cadence, error) {
	const field = "Dosage.timing.repeat"
	if asNeeded {
		return regimen.AsNeededCadence{}, nil
	}
	if rep == nil {
		return nil, missing("Dosage.timing")
	}

	days := make([]regimen.Weekday, 0, len(rep.DayOfWeek))
	for _, d := range rep.DayOfWeek {
		wd, ok := fhirDays[strings.ToLower(d)]
		if !ok {
			return nil, unsupported(field+".dayOfWeek", "unknown day %q", d)
		}
		days = append(days, wd)
	}

	freq := rep.Frequency
	if freq == 0 {
		freq = max(1, len(rep.TimeOfDay))
	}
	period := rep.Period
	if period == 0 {
		period = 1
	}
	unit := rep.PeriodUnit
	if unit == "" {
		unit = "d"
		if len(days) > 0 {
			unit = "wk"
		}
	}

	var (
		rf  regimen.Frequency
		tpd int
	)
	switch unit {
	case "h":
		hours := int(period)
		if float64(hours) != period || hours < 1 || 24%hours != 0 {
			return nil, unsupported(field+".period", "every %v hours does not divide the day", period)
		}
		rf, tpd = regimen.FrequencyDaily, freq*24/hours
	case "d":
		if period != 1 {
			return nil, unsupported(field+".period", "every %v days is not supported", period)
		}
		rf, tpd = regimen.FrequencyDaily, freq
	case "wk":
		if period != 1 {
			return nil, unsupported(field+".period", "every %v weeks is not supported", period)
		}
		if len(days) == 0 {
			return nil, unsupported(field+".dayOfWeek", "a weekly timing must name its days")
		}
		rf = regimen.FrequencyWeekly
		if len(rep.TimeOfDay) > 1 {
			tpd = len(rep.TimeOfDay)
		}
	case "mo":
		if period != 1 || freq != 1 {
			return nil, unsupported(field, "only once a month is supported")
		}
		rf = regimen.FrequencyMonthly
	default:
		return nil, unsupported(field+".periodUnit", "unit %q is not supported", unit)
	}

	if rf == regimen.FrequencyDaily && len(days) > 0 {
		rf = regimen.FrequencyWeekly
	}
	if rf != regimen.FrequencyDaily && rf != regimen.FrequencyWeekly {
		days = nil
	}
	c, err := regimen.NewCadence(rf, tpd, days)
	if err != nil {
		return nil, &MapError{Field: field, Code: CodeUnsupportedTime, Message: "timing does not fit a regimen", Cause: err}
	}
	return c, nil
}

// Event timing codes with a conventional clock hour.
var whenHours = map[string]int{
	"MORN": 8, "MORN.early": 6, "MORN.late": 10,
	"NOON": 12,
	"AFT":  14, "AFT.early": 13, "AFT.late": 16,
	"EVE": 18, "EVE.early": 17, "EVE.late": 20,
	"NIGHT": 21,
	"HS":    22,
	"WAKE":  7,
	"ACM":   7, "CM": 8, "PCM": 9,
	"ACD": 12, "CD": 13, "PCD": 14,
	"ACV": 18, "CV": 19, "PCV": 20,
}

// startHour takes the first timeOfDay, then the first timed `when` code, then the hour of a
// start that carried a time, then DefaultStartHour.
func startHour(rep *fhir.TimingRepeat, start fhir.DateTime, loc *time.Location) (int, error) {
	if rep != nil && len(rep.TimeOfDay) > 0 {
		hh, _, _ := strings.Cut(rep.TimeOfDay[0], ":")
		h, err := strconv.Atoi(hh)
		if err != nil || h < 0 || h > 23 {
			return 0, unsupported("Dosage.timing.repeat.timeOfDay", "malformed time %q", rep.TimeOfDay[0])
		}
		return h, nil
	}
	if rep != nil {
		for _, w := range rep.When {
			if h, ok := whenHours[w]; ok {
				return h, nil
			}
		}
	}
	if !start.DateOnly && !start.IsZero() {
		return start.In(loc).Hour(), nil
	}
	return DefaultStartHour, nil
}

// intake reads meal relation from `when` codes, then looks for an empty stomach
// additional instruction.
func intake(d fhir.Dosage, rep *fhir.TimingRepeat) regimen.IntakeInstruction {
	if rep != nil {
		for _, w := range rep.When {
			switch w {
			case "AC", "ACM", "ACD", "ACV":
				return regimen.IntakeBeforeEating
			case "PC", "PCM", "PCD", "PCV":
				return regimen.IntakeAfterEating
			case "C", "CM", "CD", "CV":
				return regimen.IntakeWhileEating
			case "HS":
				return regimen.IntakeAtBedtime
			}
		}
	}
	for _, ai := range d.AdditionalInstruction {
		text := strings.ToLower(ai.Text)
		for _, c := range ai.Coding {
			text += " " + strings.ToLower(c.Display)
		}
		if strings.Contains(text, "empty stomach") {
			return regimen.IntakeEmptyStomach
		}
	}
	return ""
}
