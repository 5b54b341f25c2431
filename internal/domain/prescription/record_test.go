package prescription

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordJSONLayout(t *testing.T) {
	rec := &Record{
		ID:                "rx1",
		DoctorID:          "doc1",
		PatientID:         "pat1",
		Medication:        "Amoxicillin",
		DosagePerDose:     MustQuantity("2.5"),
		DosesPerDay:       3,
		QuantityDispensed: QuantityFromInt(20),
		IssuedDate:        issuedAt,
	}

	raw, err := encodeRecord(rec)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))
	assert.Equal(t, "issued", fields["status"])
	assert.Equal(t, "", fields["dispensingPharmacist"])
	assert.Equal(t, 2.5, fields["dosagePerDose"])
	assert.Equal(t, float64(20), fields["quantityDispensed"])
	assert.NotContains(t, fields, "dispensedDate")

	rec.Dispensal = &Dispensal{Pharmacist: "pharm1", Date: issuedAt.Add(time.Hour)}
	raw, err = encodeRecord(rec)
	require.NoError(t, err)

	fields = nil
	require.NoError(t, json.Unmarshal(raw, &fields))
	assert.Equal(t, "dispensed", fields["status"])
	assert.Equal(t, "pharm1", fields["dispensingPharmacist"])
	assert.Equal(t, "2024-05-14T09:00:00Z", fields["dispensedDate"])
}

func TestRecordDecodeRoundTrip(t *testing.T) {
	rec := &Record{
		ID:                "rx1",
		DosagePerDose:     MustQuantity("0.125"),
		DosesPerDay:       1,
		QuantityDispensed: QuantityFromInt(7),
		IssuedDate:        issuedAt,
		Dispensal:         &Dispensal{Pharmacist: "pharm1", Date: issuedAt},
	}
	raw, err := encodeRecord(rec)
	require.NoError(t, err)

	got, err := decodeRecord(raw)
	require.NoError(t, err)
	assert.True(t, got.DosagePerDose.Equal(MustQuantity("0.125")))
	assert.Equal(t, StatusDispensed, got.Status())
	assert.Equal(t, "pharm1", got.DispensingPharmacist())
}

func TestRecordDecodeRejectsInconsistentStatus(t *testing.T) {
	cases := map[string]string{
		"issued with pharmacist":  `{"prescriptionId":"rx1","status":"issued","dispensingPharmacist":"p"}`,
		"issued with date":        `{"prescriptionId":"rx1","status":"issued","dispensedDate":"2024-05-14T09:00:00Z"}`,
		"dispensed without date":  `{"prescriptionId":"rx1","status":"dispensed","dispensingPharmacist":"p"}`,
		"dispensed without pharm": `{"prescriptionId":"rx1","status":"dispensed","dispensedDate":"2024-05-14T09:00:00Z"}`,
		"unknown status":          `{"prescriptionId":"rx1","status":"cancelled"}`,
		"null quantity":           `{"prescriptionId":"rx1","status":"issued","dosagePerDose":null}`,
		"not json":                `rx1`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := decodeRecord([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestQuantityJSON(t *testing.T) {
	var q Quantity
	require.NoError(t, json.Unmarshal([]byte(`"2.50"`), &q))
	assert.True(t, q.Equal(MustQuantity("2.5")))

	out, err := json.Marshal(MustQuantity("2.5"))
	require.NoError(t, err)
	assert.Equal(t, "2.5", string(out))

	_, err = NewQuantity("two")
	assert.Error(t, err)
	assert.Panics(t, func() { MustQuantity("two") })
}

func TestQuantityRejectsHugeExponents(t *testing.T) {
	for _, raw := range []string{
		`1e50000000`,
		`"1e50000000"`,
		`1e-50000000`,
		`1234567890123456789`,
		`0.0000000000000000001`,
	} {
		t.Run(raw, func(t *testing.T) {
			var q Quantity
			err := json.Unmarshal([]byte(raw), &q)
			require.Error(t, err)
			assert.True(t, q.IsZero())
		})
	}

	_, err := NewQuantity("1e50000000")
	assert.Error(t, err)

	q, err := NewQuantity("123456789012345678.123456789012345678")
	require.NoError(t, err)
	assert.Equal(t, "123456789012345678.123456789012345678", q.String())

	var req IssueRequest
	err = json.Unmarshal([]byte(`{"prescriptionId":"rx1","dosagePerDose":1e50000000}`), &req)
	assert.Error(t, err)
}
