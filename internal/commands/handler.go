package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/umodzi/rxledger/internal/domain/prescription"
	"github.com/umodzi/rxledger/internal/infrastructure/redpanda"
	"github.com/umodzi/rxledger/internal/observability/metrics"
	"github.com/umodzi/rxledger/pkg/idempotency"
	"github.com/umodzi/rxledger/pkg/workerpool"
)

// Outcomes recorded in metrics.CommandsConsumed.
const (
	OutcomeApplied      = "applied"
	OutcomeDuplicate    = "duplicate"
	OutcomeRejected     = "rejected"
	OutcomeMalformed    = "malformed"
	OutcomeDeadLettered = "dead_lettered"
)

// Handler consumes command messages. Commands for one prescription run on one worker in
// arrival order; storage failures are retried by the pool and dead-lettered when exhausted.
// Business rejections are final and never retried.
type Handler struct {
	service    *prescription.Service
	inbox      idempotency.Processor
	deadLetter redpanda.Sender
	metrics    *metrics.Metrics
	logger     *zap.Logger
	pool       *workerpool.Pool
}

// NewHandler creates a handler and its worker pool. Call Start before handling messages.
func NewHandler(
	service *prescription.Service,
	inbox idempotency.Processor,
	deadLetter redpanda.Sender,
	m *metrics.Metrics,
	poolCfg workerpool.Config,
	logger *zap.Logger,
) (*Handler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	h := &Handler{
		service:    service,
		inbox:      inbox,
		deadLetter: deadLetter,
		metrics:    m,
		logger:     logger,
	}
	pool, err := workerpool.New(poolCfg, h.work, logger)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	h.pool = pool
	return h, nil
}

// Start launches the workers.
func (h *Handler) Start() { h.pool.Start() }

// Stop drains the workers.
func (h *Handler) Stop() error { return h.pool.Stop() }

// Stats exposes the pool counters.
func (h *Handler) Stats() workerpool.Stats { return h.pool.Stats() }

// Terminal reports whether a command failure is a business rejection.
func Terminal(err error) bool {
	kind := prescription.KindOf(err)
	return kind != "" && kind != prescription.KindStorageFailure
}

// HandleMessage matches redpanda.MessageHandler. A nil return lets the consumer commit the
// record; an error leaves it for redelivery.
func (h *Handler) HandleMessage(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	cmd, err := Decode(msg.Value)
	if err != nil {
		h.logger.Warn("malformed command",
			zap.String("topic", msg.Topic),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		if dlqErr := h.sendDeadLetter(ctx, msg, "", err); dlqErr != nil {
			return dlqErr
		}
		h.metrics.CommandsConsumed.WithLabelValues(OutcomeMalformed).Inc()
		return nil
	}

	result, err := h.pool.SubmitWait(ctx, &workerpool.Task{
		ID:      cmd.Key(),
		Key:     cmd.PrescriptionID,
		Payload: cmd,
	})
	if err != nil {
		return fmt.Errorf("submit command %s: %w", cmd.Key(), err)
	}

	switch {
	case result.Success:
		outcome := OutcomeApplied
		if res, ok := result.Data.(*idempotency.ProcessResult); ok && !res.IsNew && !res.WasRecovered {
			outcome = OutcomeDuplicate
		}
		h.metrics.CommandsConsumed.WithLabelValues(outcome).Inc()
		return nil

	case Terminal(result.Error) || errors.Is(result.Error, idempotency.ErrPreviouslyFailed):
		h.logger.Info("command rejected",
			zap.String("command_id", cmd.Key()),
			zap.String("type", string(cmd.Type)),
			zap.String("prescription_id", cmd.PrescriptionID),
			zap.String("kind", string(prescription.KindOf(result.Error))),
			zap.Error(result.Error))
		h.metrics.CommandsConsumed.WithLabelValues(OutcomeRejected).Inc()
		return nil

	default:
		if err := h.sendDeadLetter(ctx, msg, cmd.Key(), result.Error); err != nil {
			return err
		}
		h.metrics.CommandsConsumed.WithLabelValues(OutcomeDeadLettered).Inc()
		return nil
	}
}

// work runs on a pool worker.
func (h *Handler) work(ctx context.Context, task *workerpool.Task) *workerpool.Result {
	cmd := task.Payload.(*Command)
	payload, err := json.Marshal(cmd)
	if err != nil {
		return &workerpool.Result{Error: err}
	}

	res, err := h.inbox.Process(ctx, cmd.Key(), string(cmd.Type), payload, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return h.apply(ctx, cmd)
	})
	if err != nil {
		retryable := !Terminal(err) &&
			!errors.Is(err, idempotency.ErrPreviouslyFailed) &&
			!errors.Is(err, context.Canceled)
		return &workerpool.Result{Error: err, Retryable: retryable}
	}
	return &workerpool.Result{Success: true, Data: res}
}

func (h *Handler) apply(ctx context.Context, cmd *Command) (json.RawMessage, error) {
	started := time.Now()
	var (
		rec *prescription.Record
		err error
	)
	switch cmd.Type {
	case TypeIssue:
		rec, err = h.service.IssuePrescription(ctx, *cmd.Issue)
		if err == nil {
			h.metrics.PrescriptionsIssued.Inc()
		}
	case TypeDispense:
		rec, err = h.service.DispenseMedication(ctx, cmd.PrescriptionID, cmd.PharmacistID)
		if err == nil {
			h.metrics.PrescriptionsDispensed.Inc()
		}
	case TypeDelete:
		err = h.service.DeletePrescription(ctx, cmd.PrescriptionID)
		if err == nil {
			h.metrics.PrescriptionsDeleted.Inc()
		}
	}
	h.metrics.ObserveOperation(string(cmd.Type), started, string(prescription.KindOf(err)))
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return json.RawMessage(`{"deleted":true}`), nil
	}
	return json.Marshal(rec)
}

func (h *Handler) sendDeadLetter(ctx context.Context, msg *redpanda.ConsumedMessage, commandID string, cause error) error {
	headers := map[string]string{
		"source_topic": msg.Topic,
		"error":        cause.Error(),
	}
	if commandID != "" {
		headers["command_id"] = commandID
	}
	err := h.deadLetter.ProduceMessage(ctx, &redpanda.Message{
		Topic:   redpanda.TopicDeadLetter,
		Key:     string(msg.Key),
		Value:   msg.Value,
		Headers: headers,
	})
	if err != nil {
		return fmt.Errorf("dead letter offset %d: %w", msg.Offset, err)
	}
	h.logger.Warn("command dead-lettered",
		zap.String("command_id", commandID),
		zap.Int64("offset", msg.Offset),
		zap.Error(cause))
	return nil
}
