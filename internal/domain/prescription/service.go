package prescription

import (
	"context"
	"errors"
	"iter"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/umodzi/rxledger/internal/ledger"
)

// maxWriteAttempts bounds how often one operation re-reads after losing a write race.
const maxWriteAttempts = 5

// IssueRequest carries the arguments of IssuePrescription.
type IssueRequest struct {
	ID                string   `json:"prescriptionId"`
	DoctorID          string   `json:"doctorId"`
	PatientID         string   `json:"patientId"`
	Medication        string   `json:"medication"`
	DosagePerDose     Quantity `json:"dosagePerDose"`
	DosesPerDay       int      `json:"dosesPerDay"`
	QuantityDispensed Quantity `json:"quantityDispensed"`
}

func (r IssueRequest) validate() error {
	if r.ID == "" {
		return invalidArgument(r.ID, "prescription id is required")
	}
	if !r.DosagePerDose.IsPositive() {
		return invalidArgument(r.ID, "dosagePerDose must be greater than zero, got %s", r.DosagePerDose.String())
	}
	if r.DosesPerDay <= 0 {
		return invalidArgument(r.ID, "dosesPerDay must be greater than zero, got %d", r.DosesPerDay)
	}
	if !r.QuantityDispensed.IsPositive() {
		return invalidArgument(r.ID, "quantityDispensed must be greater than zero, got %s", r.QuantityDispensed.String())
	}
	return nil
}

// HistoryEntry is one typed version of a prescription.
type HistoryEntry struct {
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Record    *Record   `json:"record"`
}

// Service is the prescription state machine. It is safe for concurrent use; writes to the
// same id are serialized, writes to different ids run in parallel. Every write is a
// compare-and-swap against the value it was decided on, so services in separate processes
// sharing one store still dispense a prescription at most once.
type Service struct {
	store     ledger.Store
	publisher Publisher
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time
	locks     *keyedMutex
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source for issued and dispensed dates.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithPublisher sets the destination for domain events.
func WithPublisher(p Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.publisher = p
		}
	}
}

// NewService creates the state machine over store.
func NewService(store ledger.Store, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		store:     store,
		publisher: NopPublisher,
		logger:    logger,
		tracer:    otel.Tracer("prescription-ledger"),
		now:       time.Now,
		locks:     newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IssuePrescription creates a new prescription in the issued state.
func (s *Service) IssuePrescription(ctx context.Context, req IssueRequest) (*Record, error) {
	ctx, span := s.tracer.Start(ctx, "issue_prescription",
		trace.WithAttributes(attribute.String("prescription_id", req.ID)))
	defer span.End()

	if err := req.validate(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	unlock := s.locks.Lock(req.ID)
	defer unlock()

	var (
		rec     *Record
		payload []byte
	)
	err := s.retryConflicts(span, req.ID, func() error {
		_, found, err := s.store.Get(ctx, req.ID)
		if err != nil {
			return s.storageFailure(span, req.ID, "read", err)
		}
		if found {
			err := alreadyExists(req.ID)
			span.RecordError(err)
			return err
		}
		rec = &Record{
			ID:                req.ID,
			DoctorID:          req.DoctorID,
			PatientID:         req.PatientID,
			Medication:        req.Medication,
			DosagePerDose:     req.DosagePerDose,
			DosesPerDay:       req.DosesPerDay,
			QuantityDispensed: req.QuantityDispensed,
			IssuedDate:        s.now().UTC(),
		}
		payload, err = s.write(ctx, span, rec, nil)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, NewEvent(EventPrescriptionIssued, rec.ID, rec.Status(), payload, rec.IssuedDate))
	s.logger.Info("prescription issued",
		zap.String("prescription_id", rec.ID),
		zap.String("doctor_id", rec.DoctorID),
		zap.String("medication", rec.Medication))
	return rec, nil
}

// DispenseMedication moves an issued prescription to dispensed. It succeeds at most once
// per prescription.
func (s *Service) DispenseMedication(ctx context.Context, id, pharmacistID string) (*Record, error) {
	ctx, span := s.tracer.Start(ctx, "dispense_medication",
		trace.WithAttributes(attribute.String("prescription_id", id)))
	defer span.End()

	if id == "" {
		err := invalidArgument(id, "prescription id is required")
		span.RecordError(err)
		return nil, err
	}
	if pharmacistID == "" {
		err := invalidArgument(id, "pharmacist id is required")
		span.RecordError(err)
		return nil, err
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	var (
		rec     *Record
		payload []byte
		at      time.Time
	)
	err := s.retryConflicts(span, id, func() error {
		var (
			raw []byte
			err error
		)
		rec, raw, err = s.load(ctx, span, id)
		if err != nil {
			return err
		}
		if rec.Dispensal != nil {
			err := alreadyDispensed(id)
			span.RecordError(err)
			return err
		}

		at = s.now().UTC()
		if at.Before(rec.IssuedDate) {
			at = rec.IssuedDate
		}
		rec.Dispensal = &Dispensal{Pharmacist: pharmacistID, Date: at}
		payload, err = s.write(ctx, span, rec, raw)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, NewEvent(EventPrescriptionDispensed, id, rec.Status(), payload, at))
	s.logger.Info("medication dispensed",
		zap.String("prescription_id", id),
		zap.String("pharmacist_id", pharmacistID))
	return rec, nil
}

// QueryPrescription returns the current version of a prescription.
func (s *Service) QueryPrescription(ctx context.Context, id string) (*Record, error) {
	ctx, span := s.tracer.Start(ctx, "query_prescription",
		trace.WithAttributes(attribute.String("prescription_id", id)))
	defer span.End()

	rec, _, err := s.load(ctx, span, id)
	return rec, err
}

// QueryHistory yields every version of a prescription, oldest first. An id that was never
// written yields nothing. The sequence can be ranged over repeatedly.
func (s *Service) QueryHistory(ctx context.Context, id string) iter.Seq2[HistoryEntry, error] {
	return func(yield func(HistoryEntry, error) bool) {
		for v, err := range s.store.History(ctx, id) {
			if err != nil {
				yield(HistoryEntry{}, storageFailure(id, "read history", err))
				return
			}
			rec, err := decodeRecord(v.Value)
			if err != nil {
				yield(HistoryEntry{}, storageFailure(id, "decode history", err))
				return
			}
			entry := HistoryEntry{Sequence: v.Sequence, Timestamp: v.Timestamp, Record: rec}
			if !yield(entry, nil) {
				return
			}
		}
	}
}

// CollectHistory materializes QueryHistory.
func (s *Service) CollectHistory(ctx context.Context, id string) ([]HistoryEntry, error) {
	ctx, span := s.tracer.Start(ctx, "query_history",
		trace.WithAttributes(attribute.String("prescription_id", id)))
	defer span.End()

	entries := make([]HistoryEntry, 0)
	for entry, err := range s.QueryHistory(ctx, id) {
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		entries = append(entries, entry)
	}
	span.SetAttributes(attribute.Int("history_length", len(entries)))
	return entries, nil
}

// DeletePrescription removes the current version. Its history stays queryable.
func (s *Service) DeletePrescription(ctx context.Context, id string) error {
	ctx, span := s.tracer.Start(ctx, "delete_prescription",
		trace.WithAttributes(attribute.String("prescription_id", id)))
	defer span.End()

	unlock := s.locks.Lock(id)
	defer unlock()

	err := s.retryConflicts(span, id, func() error {
		raw, found, err := s.store.Get(ctx, id)
		if err != nil {
			return s.storageFailure(span, id, "read", err)
		}
		if !found {
			err := notFound(id)
			span.RecordError(err)
			return err
		}
		if raw == nil {
			raw = []byte{}
		}
		err = s.store.CompareAndSwap(ctx, id, raw, nil)
		if err != nil && !errors.Is(err, ledger.ErrConflict) {
			return s.storageFailure(span, id, "delete", err)
		}
		return err
	})
	if err != nil {
		return err
	}

	s.publish(ctx, NewEvent(EventPrescriptionDeleted, id, "", nil, s.now()))
	s.logger.Info("prescription deleted", zap.String("prescription_id", id))
	return nil
}

func (s *Service) load(ctx context.Context, span trace.Span, id string) (*Record, []byte, error) {
	raw, found, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, nil, s.storageFailure(span, id, "read", err)
	}
	if !found {
		err := notFound(id)
		span.RecordError(err)
		return nil, nil, err
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		return nil, nil, s.storageFailure(span, id, "decode", err)
	}
	return rec, raw, nil
}

// write stores rec if the current value still equals old, nil meaning absent. A lost race comes
// back as ledger.ErrConflict, unwrapped, for retryConflicts.
func (s *Service) write(ctx context.Context, span trace.Span, rec *Record, old []byte) ([]byte, error) {
	payload, err := encodeRecord(rec)
	if err != nil {
		return nil, s.storageFailure(span, rec.ID, "encode", err)
	}
	if err := s.store.CompareAndSwap(ctx, rec.ID, old, payload); err != nil {
		if errors.Is(err, ledger.ErrConflict) {
			return nil, err
		}
		return nil, s.storageFailure(span, rec.ID, "write", err)
	}
	return payload, nil
}

// retryConflicts runs a read-check-write attempt until it stops losing races to writers in
// other processes. Each attempt re-reads, so a race lost to an equivalent transition surfaces
// as the matching domain error.
func (s *Service) retryConflicts(span trace.Span, id string, attempt func() error) error {
	var err error
	for i := 1; i <= maxWriteAttempts; i++ {
		err = attempt()
		if !errors.Is(err, ledger.ErrConflict) {
			return err
		}
		span.AddEvent("write_conflict", trace.WithAttributes(attribute.Int("attempt", i)))
		s.logger.Debug("ledger write conflict, retrying",
			zap.String("prescription_id", id),
			zap.Int("attempt", i))
	}
	return s.storageFailure(span, id, "write", err)
}

func (s *Service) storageFailure(span trace.Span, id, op string, err error) error {
	failure := storageFailure(id, op, err)
	span.RecordError(failure)
	s.logger.Error("ledger storage failure",
		zap.String("prescription_id", id),
		zap.String("op", op),
		zap.Error(err))
	return failure
}

func (s *Service) publish(ctx context.Context, event *Event) {
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("event publish failed",
			zap.String("prescription_id", event.PrescriptionID),
			zap.String("event_type", string(event.Type)),
			zap.Error(err))
	}
}
