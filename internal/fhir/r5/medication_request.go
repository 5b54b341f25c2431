package r5

import (
	"strconv"

	"github.com/umodzi/rxledger/internal/domain/prescription"
)

// MedicationRequest represents a FHIR R5 MedicationRequest resource.
type MedicationRequest struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id,omitempty"`
	Meta         *Meta        `json:"meta,omitempty"`
	Identifier   []Identifier `json:"identifier,omitempty"`

	Status string `json:"status"` // active | on-hold | cancelled | completed | ...
	Intent string `json:"intent"`

	Medication CodeableReference `json:"medication"`
	Subject    Reference         `json:"subject"`
	AuthoredOn string            `json:"authoredOn,omitempty"`
	Requester  *Reference        `json:"requester,omitempty"`

	DosageInstruction []Dosage         `json:"dosageInstruction,omitempty"`
	DispenseRequest   *DispenseRequest `json:"dispenseRequest,omitempty"`
}

// DispenseRequest contains information about the requested dispensing.
type DispenseRequest struct {
	Quantity *Quantity `json:"quantity,omitempty"`
}

// Dosage represents dosage instructions.
type Dosage struct {
	Sequence    int           `json:"sequence,omitempty"`
	Text        string        `json:"text,omitempty"`
	Timing      *Timing       `json:"timing,omitempty"`
	DoseAndRate []DoseAndRate `json:"doseAndRate,omitempty"`
}

// DoseAndRate represents dose and rate information.
type DoseAndRate struct {
	DoseQuantity *Quantity `json:"doseQuantity,omitempty"`
}

// Timing represents timing information.
type Timing struct {
	Repeat *TimingRepeat `json:"repeat,omitempty"`
}

// TimingRepeat represents repeat timing.
type TimingRepeat struct {
	Frequency  int    `json:"frequency,omitempty"`
	Period     int    `json:"period,omitempty"`
	PeriodUnit string `json:"periodUnit,omitempty"` // s | min | h | d | wk | mo | a
}

const dateTimeLayout = "2006-01-02T15:04:05.000Z07:00"

// NewMedicationRequest renders rec. An issued record is active; a dispensed one is completed.
func NewMedicationRequest(rec *prescription.Record) *MedicationRequest {
	status := StatusActive
	updated := rec.IssuedDate
	if at, ok := rec.DispensedDate(); ok {
		status = StatusCompleted
		updated = at
	}

	return &MedicationRequest{
		ResourceType: "MedicationRequest",
		ID:           rec.ID,
		Meta:         &Meta{LastUpdated: updated},
		Identifier: []Identifier{{
			Use:    "official",
			System: SystemPrescriptionID,
			Value:  rec.ID,
		}},
		Status:     status,
		Intent:     IntentOrder,
		Medication: CodeableReference{Concept: &CodeableConcept{Text: rec.Medication}},
		Subject:    Reference{Reference: "Patient/" + rec.PatientID, Type: "Patient"},
		AuthoredOn: rec.IssuedDate.UTC().Format(dateTimeLayout),
		Requester:  &Reference{Reference: "Practitioner/" + rec.DoctorID, Type: "Practitioner"},
		DosageInstruction: []Dosage{{
			Sequence: 1,
			Text:     Sig(rec),
			Timing: &Timing{Repeat: &TimingRepeat{
				Frequency:  rec.DosesPerDay,
				Period:     1,
				PeriodUnit: "d",
			}},
			DoseAndRate: []DoseAndRate{{DoseQuantity: &Quantity{Value: rec.DosagePerDose}}},
		}},
		DispenseRequest: &DispenseRequest{Quantity: &Quantity{Value: rec.QuantityDispensed}},
	}
}

// Sig renders the dosage as patient instructions, e.g. "2.5 per dose, 3 times daily".
func Sig(rec *prescription.Record) string {
	times := "times"
	if rec.DosesPerDay == 1 {
		times = "time"
	}
	return rec.DosagePerDose.String() + " per dose, " + strconv.Itoa(rec.DosesPerDay) + " " + times + " daily"
}
