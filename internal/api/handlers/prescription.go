// Package handlers provides HTTP handlers for the ledger API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/umodzi/rxledger/internal/api/middleware"
	"github.com/umodzi/rxledger/internal/domain/prescription"
	"github.com/umodzi/rxledger/internal/observability/metrics"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// PrescriptionHandler handles prescription endpoints
type PrescriptionHandler struct {
	service *prescription.Service
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewPrescriptionHandler creates a new handler. m may be nil.
func NewPrescriptionHandler(service *prescription.Service, m *metrics.Metrics, logger *zap.Logger) *PrescriptionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &PrescriptionHandler{service: service, metrics: m, logger: logger}
}

// Routes returns the handler routes
func (h *PrescriptionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Issue)
	r.Get("/{id}", h.Get)
	r.Delete("/{id}", h.Delete)
	r.Post("/{id}/dispense", h.Dispense)
	r.Get("/{id}/history", h.History)
	r.Get("/{id}/fhir", h.FHIR)
	return r
}

// Issue handles POST /prescriptions
func (h *PrescriptionHandler) Issue(w http.ResponseWriter, r *http.Request) {
	started := time.Now()

	var req prescription.IssueRequest
	if !h.decode(w, r, &req) {
		return
	}

	rec, err := h.service.IssuePrescription(r.Context(), req)
	h.metrics.ObserveOperation("issue", started, string(prescription.KindOf(err)))
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	h.metrics.PrescriptionsIssued.Inc()

	w.Header().Set("Location", strings.TrimSuffix(r.URL.Path, "/")+"/"+url.PathEscape(rec.ID))
	writeJSON(w, http.StatusCreated, rec)
}

// DispenseRequest is the body of POST /prescriptions/{id}/dispense.
type DispenseRequest struct {
	PharmacistID string `json:"pharmacistId"`
}

// Dispense handles POST /prescriptions/{id}/dispense
func (h *PrescriptionHandler) Dispense(w http.ResponseWriter, r *http.Request) {
	started := time.Now()

	var req DispenseRequest
	if !h.decode(w, r, &req) {
		return
	}

	rec, err := h.service.DispenseMedication(r.Context(), prescriptionID(r), req.PharmacistID)
	h.metrics.ObserveOperation("dispense", started, string(prescription.KindOf(err)))
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	h.metrics.PrescriptionsDispensed.Inc()
	writeJSON(w, http.StatusOK, rec)
}

// Get handles GET /prescriptions/{id}
func (h *PrescriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	started := time.Now()

	rec, err := h.service.QueryPrescription(r.Context(), prescriptionID(r))
	h.metrics.ObserveOperation("query", started, string(prescription.KindOf(err)))
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// History handles GET /prescriptions/{id}/history. An id that was never written returns an
// empty list.
func (h *PrescriptionHandler) History(w http.ResponseWriter, r *http.Request) {
	started := time.Now()

	entries, err := h.service.CollectHistory(r.Context(), prescriptionID(r))
	h.metrics.ObserveOperation("history", started, string(prescription.KindOf(err)))
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// Delete handles DELETE /prescriptions/{id}
func (h *PrescriptionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	started := time.Now()

	err := h.service.DeletePrescription(r.Context(), prescriptionID(r))
	h.metrics.ObserveOperation("delete", started, string(prescription.KindOf(err)))
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	h.metrics.PrescriptionsDeleted.Inc()
	w.WriteHeader(http.StatusNoContent)
}

// prescriptionID returns the unescaped {id} path parameter. chi matches on the raw path when
// the request has one, so an id like "a%2Fb" arrives still escaped.
func prescriptionID(r *http.Request) string {
	raw := chi.URLParam(r, "id")
	if id, err := url.PathUnescape(raw); err == nil {
		return id
	}
	return raw
}

func (h *PrescriptionHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:     "invalid request body: " + err.Error(),
			Kind:      string(prescription.KindInvalidArgument),
			RequestID: middleware.GetRequestID(r.Context()),
		})
		return false
	}
	return true
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error          string `json:"error"`
	Kind           string `json:"kind,omitempty"`
	PrescriptionID string `json:"prescription_id,omitempty"`
	RequestID      string `json:"request_id,omitempty"`
}

// StatusFor maps a service failure to an HTTP status.
func StatusFor(err error) int {
	switch prescription.KindOf(err) {
	case prescription.KindInvalidArgument:
		return http.StatusBadRequest
	case prescription.KindNotFound:
		return http.StatusNotFound
	case prescription.KindAlreadyDispensed, prescription.KindAlreadyExists:
		return http.StatusConflict
	case prescription.KindStorageFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *PrescriptionHandler) serviceError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	resp := ErrorResponse{
		Error:     err.Error(),
		RequestID: middleware.GetRequestID(r.Context()),
	}

	var perr *prescription.Error
	if errors.As(err, &perr) {
		resp.Kind = string(perr.Kind)
		resp.PrescriptionID = perr.ID
		if perr.Kind == prescription.KindStorageFailure {
			// Backend detail stays in the logs.
			resp.Error = "ledger storage unavailable"
		}
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("request_id", resp.RequestID),
			zap.String("kind", resp.Kind),
			zap.Error(err))
	} else {
		h.logger.Info("request rejected",
			zap.String("request_id", resp.RequestID),
			zap.String("kind", resp.Kind),
			zap.String("prescription_id", resp.PrescriptionID))
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
