// Package prescription implements the prescription state machine on top of the ledger store.
package prescription

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status represents prescription status
type Status string

const (
	StatusIssued    Status = "issued"
	StatusDispensed Status = "dispensed"
)

// Dispensal is recorded once, when a pharmacist dispenses the medication.
type Dispensal struct {
	Pharmacist string
	Date       time.Time
}

// Record is a single prescription. A record without a Dispensal is issued; with one it is
// dispensed, so a dispensed record always names its pharmacist and date.
type Record struct {
	ID                string
	DoctorID          string
	PatientID         string
	Medication        string
	DosagePerDose     Quantity
	DosesPerDay       int
	QuantityDispensed Quantity
	IssuedDate        time.Time
	Dispensal         *Dispensal
}

// Status derives the lifecycle state from the dispensal.
func (r *Record) Status() Status {
	if r.Dispensal != nil {
		return StatusDispensed
	}
	return StatusIssued
}

// DispensingPharmacist is empty until the record is dispensed.
func (r *Record) DispensingPharmacist() string {
	if r.Dispensal == nil {
		return ""
	}
	return r.Dispensal.Pharmacist
}

// DispensedDate returns the dispense time and whether the record has one.
func (r *Record) DispensedDate() (time.Time, bool) {
	if r.Dispensal == nil {
		return time.Time{}, false
	}
	return r.Dispensal.Date, true
}

// recordJSON is the persisted layout. DispensedDate is omitted, not null, before dispensing.
type recordJSON struct {
	PrescriptionID       string     `json:"prescriptionId"`
	DoctorID             string     `json:"doctorId"`
	PatientID            string     `json:"patientId"`
	Medication           string     `json:"medication"`
	DosagePerDose        Quantity   `json:"dosagePerDose"`
	DosesPerDay          int        `json:"dosesPerDay"`
	QuantityDispensed    Quantity   `json:"quantityDispensed"`
	Status               Status     `json:"status"`
	DispensingPharmacist string     `json:"dispensingPharmacist"`
	IssuedDate           time.Time  `json:"issuedDate"`
	DispensedDate        *time.Time `json:"dispensedDate,omitempty"`
}

// MarshalJSON writes the flat ledger schema.
func (r Record) MarshalJSON() ([]byte, error) {
	out := recordJSON{
		PrescriptionID:       r.ID,
		DoctorID:             r.DoctorID,
		PatientID:            r.PatientID,
		Medication:           r.Medication,
		DosagePerDose:        r.DosagePerDose,
		DosesPerDay:          r.DosesPerDay,
		QuantityDispensed:    r.QuantityDispensed,
		Status:               r.Status(),
		DispensingPharmacist: r.DispensingPharmacist(),
		IssuedDate:           r.IssuedDate,
	}
	if r.Dispensal != nil {
		d := r.Dispensal.Date
		out.DispensedDate = &d
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads the flat ledger schema and rejects states the type cannot represent.
func (r *Record) UnmarshalJSON(b []byte) error {
	var in recordJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}

	rec := Record{
		ID:                in.PrescriptionID,
		DoctorID:          in.DoctorID,
		PatientID:         in.PatientID,
		Medication:        in.Medication,
		DosagePerDose:     in.DosagePerDose,
		DosesPerDay:       in.DosesPerDay,
		QuantityDispensed: in.QuantityDispensed,
		IssuedDate:        in.IssuedDate,
	}

	switch in.Status {
	case StatusIssued:
		if in.DispensingPharmacist != "" || in.DispensedDate != nil {
			return fmt.Errorf("issued prescription %q carries dispensing data", in.PrescriptionID)
		}
	case StatusDispensed:
		if in.DispensingPharmacist == "" || in.DispensedDate == nil {
			return fmt.Errorf("dispensed prescription %q lacks pharmacist or date", in.PrescriptionID)
		}
		rec.Dispensal = &Dispensal{Pharmacist: in.DispensingPharmacist, Date: *in.DispensedDate}
	default:
		return fmt.Errorf("prescription %q has unknown status %q", in.PrescriptionID, in.Status)
	}

	*r = rec
	return nil
}

func encodeRecord(r *Record) ([]byte, error) {
	return json.Marshal(r)
}

func decodeRecord(b []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
