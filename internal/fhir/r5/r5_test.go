package r5

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umodzi/rxledger/internal/domain/prescription"
)

func record() *prescription.Record {
	return &prescription.Record{
		ID:                "rx-1",
		DoctorID:          "dr-1",
		PatientID:         "pt-1",
		Medication:        "amoxicillin",
		DosagePerDose:     prescription.MustQuantity("2.5"),
		DosesPerDay:       3,
		QuantityDispensed: prescription.QuantityFromInt(30),
		IssuedDate:        time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestMedicationRequestFromIssuedRecord(t *testing.T) {
	req := NewMedicationRequest(record())

	assert.Equal(t, "MedicationRequest", req.ResourceType)
	assert.Equal(t, StatusActive, req.Status)
	assert.Equal(t, IntentOrder, req.Intent)
	assert.Equal(t, "Patient/pt-1", req.Subject.Reference)
	assert.Equal(t, "Practitioner/dr-1", req.Requester.Reference)
	assert.Equal(t, "2024-03-01T09:00:00.000Z", req.AuthoredOn)
	assert.Equal(t, "2.5 per dose, 3 times daily", req.DosageInstruction[0].Text)

	raw, err := json.Marshal(req)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"doseQuantity":{"value":2.5}`)
	assert.Contains(t, string(raw), `"dispenseRequest":{"quantity":{"value":30}}`)

	_, ok := NewMedicationDispense(record())
	assert.False(t, ok)
}

func TestBundleIncludesDispense(t *testing.T) {
	rec := record()
	rec.Dispensal = &prescription.Dispensal{Pharmacist: "ph-1", Date: rec.IssuedDate.Add(time.Hour)}

	b := NewBundle(rec)
	require.Len(t, b.Entry, 2)

	req := b.Entry[0].Resource.(*MedicationRequest)
	assert.Equal(t, StatusCompleted, req.Status)
	assert.Equal(t, rec.IssuedDate.Add(time.Hour), req.Meta.LastUpdated)

	d := b.Entry[1].Resource.(*MedicationDispense)
	assert.Equal(t, "Practitioner/ph-1", d.Performer[0].Actor.Reference)
	assert.Equal(t, "MedicationRequest/rx-1", d.AuthorizingPrescription[0].Reference)
	assert.Equal(t, "2024-03-01T10:00:00.000Z", d.WhenHandedOver)
}

func TestIssueCode(t *testing.T) {
	assert.Equal(t, "not-found", IssueCode(prescription.KindNotFound))
	assert.Equal(t, "conflict", IssueCode(prescription.KindAlreadyDispensed))
	assert.Equal(t, "invalid", IssueCode(prescription.KindInvalidArgument))
	assert.Equal(t, "transient", IssueCode(prescription.KindStorageFailure))
	assert.Equal(t, "exception", IssueCode(""))
}
