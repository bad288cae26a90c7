package r5

import "strings"

// MedicationRequest represents a FHIR R5 MedicationRequest resource. Only the elements
// the regimen import reads are modelled; unknown elements are ignored on decode.
type MedicationRequest struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id,omitempty"`

	Identifier []Identifier `json:"identifier,omitempty"`

	// Status of the prescription
	Status string `json:"status"` // active | on-hold | cancelled | completed | entered-in-error | stopped | draft | unknown

	// Intent of the request
	Intent string `json:"intent"` // proposal | plan | order | original-order | reflex-order | filler-order | instance-order | option

	// Medication being requested (R5 uses CodeableReference)
	Medication CodeableReference `json:"medication"`

	// Subject (patient) for whom the medication is prescribed
	Subject Reference `json:"subject"`

	AuthoredOn *DateTime  `json:"authoredOn,omitempty"`
	Requester  *Reference `json:"requester,omitempty"`

	Note []Annotation `json:"note,omitempty"`

	// Rendered dosage instruction (human-readable sig)
	RenderedDosageInstruction string `json:"renderedDosageInstruction,omitempty"`

	DosageInstruction []Dosage `json:"dosageInstruction,omitempty"`
}

// Dosage contains dosage instructions for the medication.
type Dosage struct {
	Sequence              int               `json:"sequence,omitempty"`
	Text                  string            `json:"text,omitempty"`
	AdditionalInstruction []CodeableConcept `json:"additionalInstruction,omitempty"`
	PatientInstruction    string            `json:"patientInstruction,omitempty"`
	Timing                *Timing           `json:"timing,omitempty"`
	AsNeeded              bool              `json:"asNeeded,omitempty"`
	AsNeededFor           []CodeableConcept `json:"asNeededFor,omitempty"`
	Route                 *CodeableConcept  `json:"route,omitempty"`
	DoseAndRate           []DoseAndRate     `json:"doseAndRate,omitempty"`
}

// DoseAndRate contains dose/rate information.
type DoseAndRate struct {
	Type         *CodeableConcept `json:"type,omitempty"`
	DoseRange    *Range           `json:"doseRange,omitempty"`
	DoseQuantity *Quantity        `json:"doseQuantity,omitempty"`
}

// Timing contains timing information for dosage.
type Timing struct {
	Event  []DateTime       `json:"event,omitempty"`
	Repeat *TimingRepeat    `json:"repeat,omitempty"`
	Code   *CodeableConcept `json:"code,omitempty"`
}

// TimingRepeat contains repeat details for timing.
type TimingRepeat struct {
	BoundsPeriod *Period  `json:"boundsPeriod,omitempty"`
	Count        int      `json:"count,omitempty"`
	Frequency    int      `json:"frequency,omitempty"`
	FrequencyMax int      `json:"frequencyMax,omitempty"`
	Period       float64  `json:"period,omitempty"`
	PeriodUnit   string   `json:"periodUnit,omitempty"` // s | min | h | d | wk | mo | a
	DayOfWeek    []string `json:"dayOfWeek,omitempty"`  // mon | tue | wed | thu | fri | sat | sun
	TimeOfDay    []string `json:"timeOfDay,omitempty"`  // hh:mm:ss
	When         []string `json:"when,omitempty"`
	Offset       int      `json:"offset,omitempty"`
}

// GetPatientID extracts the patient ID from the Subject reference.
func (m *MedicationRequest) GetPatientID() string {
	if m.Subject.Reference != "" {
		return extractIDFromReference(m.Subject.Reference)
	}
	if m.Subject.Identifier != nil {
		return m.Subject.Identifier.Value
	}
	return ""
}

// GetRxNorm extracts the RxNorm CUI from the medication.
func (m *MedicationRequest) GetRxNorm() string {
	return m.codeIn(SystemRxNorm)
}

// GetNDC extracts the NDC code from the medication.
func (m *MedicationRequest) GetNDC() string {
	return m.codeIn(SystemNDC)
}

func (m *MedicationRequest) codeIn(system string) string {
	if m.Medication.Concept == nil {
		return ""
	}
	for _, coding := range m.Medication.Concept.Coding {
		if coding.System == system {
			return coding.Code
		}
	}
	return ""
}

// GetMedicationDisplay returns the display name of the medication.
func (m *MedicationRequest) GetMedicationDisplay() string {
	if c := m.Medication.Concept; c != nil {
		if c.Text != "" {
			return c.Text
		}
		for _, coding := range c.Coding {
			if coding.Display != "" {
				return coding.Display
			}
		}
	}
	if m.Medication.Reference != nil {
		return m.Medication.Reference.Display
	}
	return ""
}

// GetSigText returns the rendered dosage instruction (sig).
func (m *MedicationRequest) GetSigText() string {
	if m.RenderedDosageInstruction != "" {
		return m.RenderedDosageInstruction
	}
	if len(m.DosageInstruction) > 0 && m.DosageInstruction[0].Text != "" {
		return m.DosageInstruction[0].Text
	}
	return ""
}

// NoteText joins the annotation texts with newlines.
func (m *MedicationRequest) NoteText() string {
	parts := make([]string, 0, len(m.Note))
	for _, n := range m.Note {
		if t := strings.TrimSpace(n.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n")
}

// extractIDFromReference extracts the ID from a FHIR reference string.
func extractIDFromReference(ref string) string {
	// Handle references like "Patient/123" or "urn:uuid:123"
	for i := len(ref) - 1; i >= 0; i-- {
		if ref[i] == '/' || ref[i] == ':' {
			return ref[i+1:]
		}
	}
	return ref
}
