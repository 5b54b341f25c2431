package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/umodzi/rxledger/internal/domain/prescription"
	"github.com/umodzi/rxledger/internal/fhir/r5"
)

// FHIR handles GET /prescriptions/{id}/fhir with a Bundle holding the MedicationRequest and,
// once dispensed, the MedicationDispense. Failures are OperationOutcomes.
func (h *PrescriptionHandler) FHIR(w http.ResponseWriter, r *http.Request) {
	started := time.Now()

	rec, err := h.service.QueryPrescription(r.Context(), prescriptionID(r))
	kind := prescription.KindOf(err)
	h.metrics.ObserveOperation("query", started, string(kind))
	if err != nil {
		msg := err.Error()
		if kind == prescription.KindStorageFailure {
			msg = "ledger storage unavailable"
		}
		writeFHIR(w, StatusFor(err), r5.NewErrorOutcome(r5.IssueCode(kind), msg))
		return
	}
	writeFHIR(w, http.StatusOK, r5.NewBundle(rec))
}

func writeFHIR(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", r5.ContentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
