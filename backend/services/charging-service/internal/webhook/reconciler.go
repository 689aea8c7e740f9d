// Package webhook reconciles session state with signed payment gateway notifications.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"evconnect/backend/services/charging-service/internal/metrics"
	"evconnect/backend/services/charging-service/internal/models"
	"evconnect/backend/services/charging-service/internal/payment"
	"evconnect/backend/services/charging-service/internal/repository"
	"evconnect/backend/services/charging-service/internal/session"
)

// Result describes what a notification did.
type Result string

const (
	ResultApplied   Result = "applied"
	ResultDuplicate Result = "duplicate"
	ResultNoop      Result = "noop"
	ResultIgnored   Result = "ignored"
	ResultUnknown   Result = "unknown_session"
)

// Reconciler applies verified notifications to sessions.
type Reconciler struct {
	verifier payment.NotificationVerifier
	repo     repository.SessionRepository
	dedupe   Deduper
	logger   *zap.Logger
	metrics  *metrics.Collector
	now      func() time.Time
}

// NewReconciler wires a reconciler. A nil deduper falls back to the in-process one.
func NewReconciler(verifier payment.NotificationVerifier, repo repository.SessionRepository, dedupe Deduper, logger *zap.Logger, m *metrics.Collector) *Reconciler {
	if dedupe == nil {
		dedupe = NewMemoryDeduper(0)
	}
	return &Reconciler{
		verifier: verifier,
		repo:     repo,
		dedupe:   dedupe,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
	}
}

// Handle verifies the payload signature and applies the event.
// Signature failures wrap payment.ErrInvalidSignature and change nothing.
func (r *Reconciler) Handle(ctx context.Context, payload []byte, signature string) (Result, error) {
	n, err := r.verifier.VerifyNotification(payload, signature)
	if err != nil {
		r.metrics.WebhookNotification("unverified", "rejected")
		return "", err
	}
	log := r.logger.With(
		zap.String("event_id", n.EventID),
		zap.String("event_type", n.EventType),
		zap.String("external_ref", n.ExternalRef),
	)

	if n.Kind == payment.NotificationIgnored || n.ExternalRef == "" {
		r.metrics.WebhookNotification(string(n.Kind), string(ResultIgnored))
		log.Debug("gateway notification ignored")
		return ResultIgnored, nil
	}

	if n.EventID != "" {
		first, err := r.dedupe.Claim(ctx, n.EventID)
		if err != nil {
			// Fall through: the state guards below keep redelivery harmless.
			log.Warn("webhook dedupe unavailable", zap.Error(err))
		} else if !first {
			r.metrics.WebhookNotification(string(n.Kind), string(ResultDuplicate))
			log.Info("duplicate gateway notification")
			return ResultDuplicate, nil
		}
	}

	result, err := r.apply(ctx, n, log)
	if err != nil {
		if n.EventID != "" {
			if rerr := r.dedupe.Release(ctx, n.EventID); rerr != nil {
				log.Warn("failed to release webhook event", zap.Error(rerr))
			}
		}
		r.metrics.WebhookNotification(string(n.Kind), "error")
		return "", err
	}
	r.metrics.WebhookNotification(string(n.Kind), string(result))
	return result, nil
}

func (r *Reconciler) apply(ctx context.Context, n payment.Notification, log *zap.Logger) (Result, error) {
	current, err := r.repo.FindSessionByExternalRef(ctx, n.ExternalRef)
	if errors.Is(err, repository.ErrNotFound) {
		log.Warn("gateway notification for unknown session")
		return ResultUnknown, nil
	}
	if err != nil {
		return "", fmt.Errorf("find session: %w", err)
	}
	log = log.With(zap.String("session_id", current.ID), zap.String("state", string(current.State)))

	to, patch, ok := r.plan(n, current)
	if !ok {
		log.Info("gateway notification does not change session")
		return ResultNoop, nil
	}

	// Guard on the state just read so a concurrent stop or a redelivery cannot apply twice.
	updated, err := r.repo.TransitionSession(ctx, current.ID, []models.SessionState{current.State}, to, patch)
	switch {
	case errors.Is(err, repository.ErrStateConflict), errors.Is(err, repository.ErrNotFound):
		log.Info("session changed concurrently, notification skipped")
		return ResultNoop, nil
	case err != nil:
		return "", fmt.Errorf("transition session: %w", err)
	}

	fields := []zap.Field{zap.String("new_state", string(updated.State))}
	if updated.FinalAmount != nil {
		fields = append(fields, zap.Stringer("final_amount", *updated.FinalAmount))
	}
	if to == models.SessionDisputed {
		log.Warn("session disputed, flagged for review", append(fields, zap.String("reason", n.Reason))...)
	} else {
		log.Info("session reconciled from gateway notification", fields...)
	}
	return ResultApplied, nil
}

// plan picks the target state and patch for n given the session's current state.
func (r *Reconciler) plan(n payment.Notification, current *models.Session) (models.SessionState, models.SessionPatch, bool) {
	var (
		to    models.SessionState
		patch models.SessionPatch
	)
	switch n.Kind {
	case payment.NotificationCaptureSucceeded:
		to = models.SessionCompleted
		// The gateway amount is authoritative, including partial captures.
		amount := n.Amount
		if amount <= 0 {
			amount = current.HoldAmount
		}
		patch.FinalAmount = &amount
	case payment.NotificationPaymentFailed:
		to = models.SessionPaymentFailed
	case payment.NotificationHoldCancelled:
		to = models.SessionCancelled
	case payment.NotificationDisputeOpened:
		to = models.SessionDisputed
		patch.NeedsReview = true
	default:
		return "", patch, false
	}
	if !session.CanTransition(current.State, to) {
		return "", patch, false
	}

	if current.State == models.SessionActive {
		ended := r.now().UTC()
		patch.EndedAt = &ended
		patch.FreeCharger = true
	}
	return to, patch, true
}
