package r5

import (
	"github.com/umodzi/rxledger/internal/domain/prescription"
)

// MedicationDispense represents a FHIR R5 MedicationDispense resource.
type MedicationDispense struct {
	ResourceType            string              `json:"resourceType"`
	ID                      string              `json:"id,omitempty"`
	Status                  string              `json:"status"`
	Medication              CodeableReference   `json:"medication"`
	Subject                 Reference           `json:"subject"`
	Performer               []DispensePerformer `json:"performer,omitempty"`
	AuthorizingPrescription []Reference         `json:"authorizingPrescription,omitempty"`
	Quantity                *Quantity           `json:"quantity,omitempty"`
	WhenHandedOver          string              `json:"whenHandedOver,omitempty"`
	DosageInstruction       []Dosage            `json:"dosageInstruction,omitempty"`
}

// DispensePerformer names who dispensed.
type DispensePerformer struct {
	Actor Reference `json:"actor"`
}

// NewMedicationDispense renders the dispensal of rec. It reports false for a record that
// has not been dispensed.
func NewMedicationDispense(rec *prescription.Record) (*MedicationDispense, bool) {
	at, ok := rec.DispensedDate()
	if !ok {
		return nil, false
	}
	req := NewMedicationRequest(rec)
	return &MedicationDispense{
		ResourceType: "MedicationDispense",
		ID:           rec.ID + "-dispense",
		Status:       StatusCompleted,
		Medication:   req.Medication,
		Subject:      req.Subject,
		Performer: []DispensePerformer{{
			Actor: Reference{Reference: "Practitioner/" + rec.DispensingPharmacist(), Type: "Practitioner"},
		}},
		AuthorizingPrescription: []Reference{{Reference: "MedicationRequest/" + rec.ID, Type: "MedicationRequest"}},
		Quantity:                &Quantity{Value: rec.QuantityDispensed},
		WhenHandedOver:          at.UTC().Format(dateTimeLayout),
		DosageInstruction:       req.DosageInstruction,
	}, true
}

// Bundle is a FHIR collection bundle.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	Type         string        `json:"type"`
	Entry        []BundleEntry `json:"entry"`
}

// BundleEntry wraps one resource of a Bundle.
type BundleEntry struct {
	FullURL  string `json:"fullUrl,omitempty"`
	Resource any    `json:"resource"`
}

// NewBundle collects the request for rec and, once dispensed, its dispense.
func NewBundle(rec *prescription.Record) *Bundle {
	b := &Bundle{
		ResourceType: "Bundle",
		Type:         "collection",
		Entry: []BundleEntry{{
			FullURL:  "MedicationRequest/" + rec.ID,
			Resource: NewMedicationRequest(rec),
		}},
	}
	if d, ok := NewMedicationDispense(rec); ok {
		b.Entry = append(b.Entry, BundleEntry{FullURL: "MedicationDispense/" + d.ID, Resource: d})
	}
	return b
}
