package mapper

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/drfirst/go-regimen/internal/domain/regimen"
	fhir "github.com/drfirst/go-regimen/internal/fhir/r5"
)

const lisinopril = `{
  "resourceType": "MedicationRequest",
  "id": "rx-1",
  "status": "active",
  "intent": "order",
  "medication": {
    "concept": {
      "coding": [
        {"system": "http://www.nlm.nih.gov/research/umls/rxnorm", "code": "314076", "display": "lisinopril 10 MG Oral Tablet"}
      ]
    }
  },
  "subject": {"reference": "Patient/pat-42"},
  "note": [{"text": "Check blood pressure weekly"}],
  "dosageInstruction": [{
    "text": "1 tablet twice daily before meals",
    "timing": {
      "repeat": {
        "boundsPeriod": {"start": "2026-03-10", "end": "2026-03-16"},
        "frequency": 2,
        "period": 1,
        "periodUnit": "d",
        "when": ["ACM", "ACV"]
      }
    },
    "doseAndRate": [{"doseQuantity": {"value": 1, "unit": "tablet", "system": "http://unitsofmeasure.org", "code": "{tbl}"}}]
  }]
}`

func decode(t *testing.T, raw string) *fhir.MedicationRequest {
	t.Helper()
	var req fhir.MedicationRequest
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	return &req
}

func TestToDefinition(t *testing.T) {
	cairo, err := time.LoadLocation("Africa/Cairo")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	def, err := New(cairo).ToDefinition(decode(t, lisinopril), "owner-1")
	if err != nil {
		t.Fatalf("map failed: %v", err)
	}

	if def.OwnerID != "owner-1" || def.PatientID != "pat-42" {
		t.Errorf("owner/patient = %q/%q", def.OwnerID, def.PatientID)
	}
	if def.DrugID != "314076" || def.MedicineName != "lisinopril 10 MG Oral Tablet" {
		t.Errorf("drug = %q %q", def.DrugID, def.MedicineName)
	}
	if def.Dose != 1 {
		t.Errorf("dose = %d, want 1", def.Dose)
	}
	if c, ok := def.Cadence.(regimen.DailyCadence); !ok || c.TimesPerDay != 2 {
		t.Errorf("cadence = %#v, want daily twice", def.Cadence)
	}
	if def.StartHour != 7 {
		t.Errorf("start hour = %d, want 7 from ACM", def.StartHour)
	}
	if def.Intake != regimen.IntakeBeforeEating {
		t.Errorf("intake = %q", def.Intake)
	}
	wantStart := time.Date(2026, 3, 10, 0, 0, 0, 0, cairo)
	if !def.StartAt.Equal(wantStart) {
		t.Errorf("start = %v, want %v", def.StartAt, wantStart)
	}
	if def.Notes != "Check blood pressure weekly" {
		t.Errorf("notes = %q", def.Notes)
	}
	if err := def.Validate(); err != nil {
		t.Errorf("mapped definition does not validate: %v", err)
	}
}

func TestMapCadence(t *testing.T) {
	tests := []struct {
		name string
		rep  *fhir.TimingRepeat
		prn  bool
		want regimen.Cadence
	}{
		{"every 8 hours", &fhir.TimingRepeat{Frequency: 1, Period: 8, PeriodUnit: "h"}, false, regimen.DailyCadence{TimesPerDay: 3}},
		{"times of day", &fhir.TimingRepeat{TimeOfDay: []string{"08:00:00", "20:00:00"}}, false, regimen.DailyCadence{TimesPerDay: 2}},
		{"weekly days", &fhir.TimingRepeat{PeriodUnit: "wk", DayOfWeek: []string{"fri", "mon"}}, false,
			regimen.WeeklyCadence{Days: []regimen.Weekday{regimen.Monday, regimen.Friday}}},
		{"daily on days", &fhir.TimingRepeat{Frequency: 2, PeriodUnit: "d", DayOfWeek: []string{"sat"}}, false,
			regimen.WeeklyCadence{Days: []regimen.Weekday{regimen.Saturday}, TimesPerDay: 2}},
		{"monthly", &fhir.TimingRepeat{Frequency: 1, Period: 1, PeriodUnit: "mo"}, false, regimen.MonthlyCadence{}},
		{"as needed", nil, true, regimen.AsNeededCadence{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := mapCadence(tt.rep, tt.prn)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			gf, gt, gd := regimen.CadenceFields(got)
			wf, wt, wd := regimen.CadenceFields(tt.want)
			if gf != wf || gt != wt || len(gd) != len(wd) {
				t.Fatalf("cadence = %#v, want %#v", got, tt.want)
			}
			for i := range gd {
				if gd[i] != wd[i] {
					t.Errorf("days = %v, want %v", gd, wd)
				}
			}
		})
	}
}

func TestMapCadenceRejectsUnsupportedTiming(t *testing.T) {
	tests := []struct {
		name string
		rep  *fhir.TimingRepeat
	}{
		{"no timing", nil},
		{"every other day", &fhir.TimingRepeat{Frequency: 1, Period: 2, PeriodUnit: "d"}},
		{"every 5 hours", &fhir.TimingRepeat{Frequency: 1, Period: 5, PeriodUnit: "h"}},
		{"weekly without days", &fhir.TimingRepeat{Frequency: 1, PeriodUnit: "wk"}},
		{"twice a month", &fhir.TimingRepeat{Frequency: 2, PeriodUnit: "mo"}},
		{"unknown day", &fhir.TimingRepeat{PeriodUnit: "wk", DayOfWeek: []string{"funday"}}},
		{"too many per day", &fhir.TimingRepeat{Frequency: 30, PeriodUnit: "d"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := mapCadence(tt.rep, false)
			if !errors.Is(err, regimen.ErrValidation) {
				t.Fatalf("expected a validation error, got %v", err)
			}
		})
	}
}

func TestToDefinitionErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*fhir.MedicationRequest)
		code   string
	}{
		{"cancelled", func(r *fhir.MedicationRequest) { r.Status = fhir.StatusCancelled }, CodeInactive},
		{"no patient", func(r *fhir.MedicationRequest) { r.Subject = fhir.Reference{} }, CodeMissingElement},
		{"no end", func(r *fhir.MedicationRequest) {
			r.DosageInstruction[0].Timing.Repeat.BoundsPeriod.End = nil
		}, CodeMissingElement},
		{"fractional dose", func(r *fhir.MedicationRequest) {
			r.DosageInstruction[0].DoseAndRate[0].DoseQuantity.Value = 0.5
		}, CodeInvalidDose},
		{"oversized dose", func(r *fhir.MedicationRequest) {
			r.DosageInstruction[0].DoseAndRate[0].DoseQuantity.Value = 1e20
		}, CodeInvalidDose},
		{"wrong resource", func(r *fhir.MedicationRequest) { r.ResourceType = "Patient" }, CodeWrongResource},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := decode(t, lisinopril)
			tt.mutate(req)
			_, err := New(time.UTC).ToDefinition(req, "owner-1")
			var me *MapError
			if !errors.As(err, &me) || me.Code != tt.code {
				t.Fatalf("expected %s, got %v", tt.code, err)
			}
		})
	}
}

func TestStartHourFallbacks(t *testing.T) {
	timed := fhir.DateTime{Time: time.Date(2026, 3, 10, 21, 30, 0, 0, time.UTC)}
	if h, _ := startHour(&fhir.TimingRepeat{TimeOfDay: []string{"06:30:00"}}, timed, time.UTC); h != 6 {
		t.Errorf("timeOfDay hour = %d, want 6", h)
	}
	if h, _ := startHour(&fhir.TimingRepeat{When: []string{"HS"}}, timed, time.UTC); h != 22 {
		t.Errorf("HS hour = %d, want 22", h)
	}
	if h, _ := startHour(nil, timed, time.UTC); h != 21 {
		t.Errorf("start hour = %d, want 21", h)
	}
	if h, _ := startHour(nil, fhir.DateTime{Time: timed.Time, DateOnly: true}, time.UTC); h != DefaultStartHour {
		t.Errorf("date-only hour = %d, want %d", h, DefaultStartHour)
	}
	if _, err := startHour(&fhir.TimingRepeat{TimeOfDay: []string{"noon"}}, timed, time.UTC); err == nil {
		t.Error("expected an error for a malformed time")
	}
}

func TestDateTimeJSON(t *testing.T) {
	var p fhir.Period
	if err := json.Unmarshal([]byte(`{"start":"2026-03-10","end":"2026-03-16T09:00:00+02:00"}`), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !p.Start.DateOnly || p.End.DateOnly {
		t.Errorf("date-only flags = %v/%v", p.Start.DateOnly, p.End.DateOnly)
	}
	out, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != `{"start":"2026-03-10","end":"2026-03-16T09:00:00+02:00"}` {
		t.Errorf("round trip = %s", out)
	}
	if err := json.Unmarshal([]byte(`{"start":"2026-03"}`), &p); err == nil {
		t.Error("expected partial dates to be rejected")
	}
}
