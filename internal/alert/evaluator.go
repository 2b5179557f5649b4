// Package alert turns health signals into alert events and delivers them to
// the notification collaborator.
package alert

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/nautilux/reef-data-ingest/internal/domain"
	"github.com/nautilux/reef-data-ingest/internal/observability"
)

// Dispatcher delivers alert events to the notification collaborator.
type Dispatcher interface {
	Dispatch(ctx context.Context, event domain.AlertEvent) error
}

// Evaluator computes alert severity for a health signal and dispatches
// CRITICAL and HIGH outcomes. Evaluation itself is pure and total; the only
// side effect is the final dispatch call.
type Evaluator struct {
	dispatcher  Dispatcher
	logger      *slog.Logger
	metrics     *observability.Metrics
	clock       clockwork.Clock
	maxAttempts int
	baseDelay   time.Duration
}

// NewEvaluator creates an Evaluator. maxAttempts and baseDelay bound the
// dispatch redelivery loop; they mirror the pipeline's retry policy.
func NewEvaluator(dispatcher Dispatcher, logger *slog.Logger, metrics *observability.Metrics, clock clockwork.Clock, maxAttempts int, baseDelay time.Duration) *Evaluator {
	return &Evaluator{
		dispatcher:  dispatcher,
		logger:      logger,
		metrics:     metrics,
		clock:       clock,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
	}
}

// Evaluate computes the severity for a subject's health signal, records it,
// and dispatches an alert event when the severity warrants one. MEDIUM and
// LOW results are recorded but never dispatched. Dispatch runs with bounded
// redelivery in the calling goroutine's context; a persistent dispatch
// failure is logged and dropped; the triggering reading is already durable,
// so losing the notification must not stall the pipeline.
func (e *Evaluator) Evaluate(ctx context.Context, subjectID int64, status domain.HealthStatus, risk int, ref domain.StoredReadingRef, reason string) domain.Severity {
	severity := domain.SeverityFor(status, risk)
	e.metrics.AlertsEvaluated.WithLabelValues(string(severity)).Inc()

	if !severity.Dispatchable() {
		e.logger.Debug("alert below dispatch threshold",
			"subject_id", subjectID, "severity", severity, "status", status, "risk", risk)
		return severity
	}

	event := domain.AlertEvent{
		ID:         uuid.NewString(),
		SubjectID:  subjectID,
		Severity:   severity,
		Reason:     reason,
		ReadingRef: ref,
		Timestamp:  e.clock.Now().UTC(),
	}
	e.dispatch(ctx, event)
	return severity
}

// dispatch attempts delivery with exponential backoff. Redeliveries are
// capped; exhaustion drops the event.
func (e *Evaluator) dispatch(ctx context.Context, event domain.AlertEvent) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		err := e.dispatcher.Dispatch(ctx, event)
		if err == nil {
			e.metrics.AlertsDispatched.Inc()
			e.logger.Info("alert dispatched",
				"alert_id", event.ID, "subject_id", event.SubjectID, "severity", event.Severity)
			return
		}
		lastErr = err

		if attempt >= e.maxAttempts {
			break
		}
		delay := e.baseDelay << attempt
		e.logger.Warn("alert dispatch failed, redelivering",
			"alert_id", event.ID, "attempt", attempt+1, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			e.metrics.AlertsDropped.Inc()
			e.logger.Error("alert dropped: context cancelled during redelivery",
				"alert_id", event.ID, "error", ctx.Err())
			return
		case <-e.clock.After(delay):
		}
	}

	e.metrics.AlertsDropped.Inc()
	e.logger.Error("alert dropped after exhausting dispatch redeliveries",
		"alert_id", event.ID, "subject_id", event.SubjectID, "severity", event.Severity, "error", lastErr)
}
