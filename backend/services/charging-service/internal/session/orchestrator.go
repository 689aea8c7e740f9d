// Package session drives the charging session lifecycle: preconditions, the
// payment hold, persistence, device commands and settlement.
package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"evconnect/backend/services/charging-service/internal/apperrors"
	"evconnect/backend/services/charging-service/internal/lock"
	"evconnect/backend/services/charging-service/internal/metrics"
	"evconnect/backend/services/charging-service/internal/models"
	"evconnect/backend/services/charging-service/internal/payment"
	"evconnect/backend/services/charging-service/internal/relay"
	"evconnect/backend/services/charging-service/internal/repository"
)

const (
	defaultMaxDuration  = 120
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
	defaultLockWait     = 5 * time.Second
)

// Payments is the subset of the payment client the orchestrator uses.
type Payments interface {
	Hold(ctx context.Context, req payment.HoldRequest) (payment.HoldResult, error)
	Capture(ctx context.Context, externalRef string, amount models.Money, idempotencyKey string) (payment.CaptureResult, error)
	Cancel(ctx context.Context, externalRef string, idempotencyKey string) (payment.HoldStatus, error)
}

// Devices sends acknowledged commands to chargers.
type Devices interface {
	Send(ctx context.Context, chargerID int64, action, sessionID string) error
}

// Config tunes the orchestrator.
type Config struct {
	MaxDurationMinutes int
	// RequireDeviceAck rolls a start back when the charger does not ack the start command.
	RequireDeviceAck bool
	LockWait         time.Duration
}

// Orchestrator implements start, stop and the read-only session queries.
type Orchestrator struct {
	repo     repository.SessionRepository
	payments Payments
	devices  Devices
	locker   lock.Locker
	cfg      Config
	logger   *zap.Logger
	metrics  *metrics.Collector

	now   func() time.Time
	newID func() string
}

// NewOrchestrator wires an orchestrator.
func NewOrchestrator(
	repo repository.SessionRepository,
	payments Payments,
	devices Devices,
	locker lock.Locker,
	cfg Config,
	logger *zap.Logger,
	m *metrics.Collector,
) *Orchestrator {
	if cfg.MaxDurationMinutes <= 0 {
		cfg.MaxDurationMinutes = defaultMaxDuration
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = defaultLockWait
	}
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	return &Orchestrator{
		repo:     repo,
		payments: payments,
		devices:  devices,
		locker:   locker,
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// StartRequest asks to begin a fixed-duration session.
type StartRequest struct {
	UserID          int64
	ChargerID       int64
	ChargeType      string
	DurationMinutes int
}

// StartResult is returned by a successful start.
type StartResult struct {
	SessionID       string       `json:"sessionId"`
	ChargerID       int64        `json:"chargerId"`
	HoldAmount      models.Money `json:"holdAmount"`
	DurationMinutes int          `json:"durationMinutes"`
	StartedAt       time.Time    `json:"startedAt"`
}

// StopResult is returned by a successful stop.
type StopResult struct {
	SessionID      string       `json:"sessionId"`
	ChargerID      int64        `json:"chargerId"`
	DurationActual float64      `json:"durationActual"`
	FinalAmount    models.Money `json:"finalAmount"`
	GatewayStatus  string       `json:"gatewayStatus"`
}

// ActiveSession is the polling view of a user's open session.
type ActiveSession struct {
	*models.Session
	ElapsedMinutes float64 `json:"elapsedMinutes"`
	ChargeType     string  `json:"chargeType,omitempty"`
	CapacityKW     float64 `json:"capacityKw,omitempty"`
}

// Start validates the request, holds the cost on the user's default payment
// method, creates the active session and tells the charger to start.
// Every step after the hold is undone in reverse if a later step fails.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (res *StartResult, err error) {
	defer func() { o.metrics.SessionOutcome("start", outcome(err)) }()

	if req.DurationMinutes <= 0 || req.DurationMinutes > o.cfg.MaxDurationMinutes {
		return nil, apperrors.Validation("durationMinutes must be between 1 and %d", o.cfg.MaxDurationMinutes)
	}
	if req.ChargerID <= 0 {
		return nil, apperrors.Validation("chargerId is required")
	}
	if req.ChargeType == "" {
		return nil, apperrors.Validation("chargeType is required")
	}

	lockCtx, cancel := context.WithTimeout(ctx, o.cfg.LockWait)
	release, err := lock.AcquireAll(lockCtx, o.locker, userKey(req.UserID), chargerKey(req.ChargerID))
	cancel()
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			return nil, apperrors.Conflict("another session start is in progress")
		}
		return nil, apperrors.Internal(err)
	}
	defer release()

	if _, err := o.repo.FindOpenSessionByUser(ctx, req.UserID); err == nil {
		return nil, apperrors.Conflict("user already has an active session")
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.Internal(err)
	}

	charger, err := o.repo.GetCharger(ctx, req.ChargerID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.NotFound("charger %d not found", req.ChargerID)
	}
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	if charger.State != models.ChargerAvailable {
		return nil, apperrors.Conflict("charger is %s", charger.State)
	}

	now := o.now().UTC()
	rate, err := o.repo.FindValidRate(ctx, charger.StationID, req.ChargeType, now)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.Validation("no valid rate for charge type %q", req.ChargeType)
	}
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	holdAmount := rate.HoldAmount(req.DurationMinutes)
	if holdAmount <= 0 {
		return nil, apperrors.Validation("computed hold amount must be positive")
	}

	method, err := o.repo.DefaultPaymentMethod(ctx, req.UserID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.Validation("no default payment method")
	}
	if err != nil {
		return nil, apperrors.Internal(err)
	}

	session := &models.Session{
		ID:               o.newID(),
		UserID:           req.UserID,
		ChargerID:        req.ChargerID,
		RateID:           rate.ID,
		PaymentMethodRef: method.Ref,
		State:            models.SessionPending,
		DurationMinutes:  req.DurationMinutes,
		HoldAmount:       holdAmount,
	}
	log := o.logger.With(
		zap.String("session_id", session.ID),
		zap.Int64("user_id", req.UserID),
		zap.Int64("charger_id", req.ChargerID),
	)

	hold, err := o.payments.Hold(ctx, payment.HoldRequest{
		PaymentMethodRef: method.Ref,
		CustomerRef:      method.CustomerRef,
		Amount:           holdAmount,
		Description:      fmt.Sprintf("Charging session %d min on charger %d", req.DurationMinutes, req.ChargerID),
		Metadata: map[string]string{
			"session_id":       session.ID,
			"user_id":          strconv.FormatInt(req.UserID, 10),
			"charger_id":       strconv.FormatInt(req.ChargerID, 10),
			"duration_minutes": strconv.Itoa(req.DurationMinutes),
		},
		IdempotencyKey: "hold-" + session.ID,
	})
	if err != nil {
		if errors.Is(err, payment.ErrRejected) {
			return nil, apperrors.PaymentDeclined(string(payment.StatusDeclined))
		}
		log.Error("payment hold failed; intent may exist",
			zap.String("idempotency_key", "hold-"+session.ID),
			zap.Error(err),
		)
		return nil, apperrors.Internal(fmt.Errorf("payment hold: %w", err))
	}
	if hold.Status != payment.StatusAuthorized {
		log.Info("payment hold not authorized", zap.String("status", string(hold.Status)))
		o.releaseUnusedHold(ctx, hold, session.ID)
		return nil, apperrors.PaymentDeclined(string(hold.Status))
	}

	if err := o.advance(session, models.SessionHoldAuthorized); err != nil {
		return nil, apperrors.Internal(err)
	}
	session.ExternalPaymentRef = hold.ExternalRef

	tx := newSaga("start_session", log)
	tx.onFailure("cancel payment hold", func(ctx context.Context) error {
		_, err := o.payments.Cancel(ctx, hold.ExternalRef, "cancel-"+session.ID)
		return err
	})

	if err := o.advance(session, models.SessionActive); err != nil {
		if cerr := tx.compensate(ctx); cerr != nil {
			err = errors.Join(err, cerr)
		}
		return nil, apperrors.Internal(err)
	}
	session.StartedAt = now
	if err := o.repo.CreateActiveSession(ctx, session); err != nil {
		if cerr := tx.compensate(ctx); cerr != nil {
			return nil, apperrors.Internal(errors.Join(fmt.Errorf("persist session: %w", err), cerr))
		}
		switch {
		case errors.Is(err, repository.ErrChargerUnavailable):
			return nil, apperrors.Conflict("charger is not available")
		case errors.Is(err, repository.ErrOpenSessionExists):
			return nil, apperrors.Conflict("an active session already exists for this user or charger")
		case errors.Is(err, repository.ErrNotFound):
			return nil, apperrors.NotFound("charger %d not found", req.ChargerID)
		default:
			return nil, apperrors.Internal(fmt.Errorf("persist session: %w", err))
		}
	}
	tx.onFailure("fail session and free charger", func(ctx context.Context) error {
		ended := o.now().UTC()
		_, err := o.repo.TransitionSession(ctx, session.ID, SourcesOf(models.SessionFailed), models.SessionFailed,
			models.SessionPatch{EndedAt: &ended, FreeCharger: true})
		return err
	})

	if err := o.devices.Send(ctx, req.ChargerID, relay.TypeStart, session.ID); err != nil {
		if o.cfg.RequireDeviceAck {
			log.Warn("start command not acknowledged, rolling back", zap.Error(err))
			if errors.Is(err, relay.ErrCommandTimeout) {
				// The device may have started anyway.
				o.stopQuietly(ctx, req.ChargerID, session.ID, log)
			}
			if cerr := tx.compensate(ctx); cerr != nil {
				return nil, apperrors.Internal(errors.Join(err, cerr))
			}
			return nil, apperrors.DeviceUnreachable(err)
		}
		log.Warn("start command not acknowledged", zap.Error(err))
	}

	log.Info("charging session started",
		zap.Stringer("hold_amount", holdAmount),
		zap.Int("duration_minutes", req.DurationMinutes),
	)
	return &StartResult{
		SessionID:       session.ID,
		ChargerID:       session.ChargerID,
		HoldAmount:      session.HoldAmount,
		DurationMinutes: session.DurationMinutes,
		StartedAt:       session.StartedAt,
	}, nil
}

// Stop ends the user's active session and captures the held amount.
// A failed capture leaves the session in payment_failed for reconciliation.
func (o *Orchestrator) Stop(ctx context.Context, sessionID string, userID int64) (res *StopResult, err error) {
	defer func() { o.metrics.SessionOutcome("stop", outcome(err)) }()

	lockCtx, cancel := context.WithTimeout(ctx, o.cfg.LockWait)
	release, err := o.locker.Acquire(lockCtx, sessionKey(sessionID))
	cancel()
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			return nil, apperrors.Conflict("session stop already in progress")
		}
		return nil, apperrors.Internal(err)
	}
	defer release()

	session, err := o.repo.GetSession(ctx, sessionID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.NotFound("active session not found")
	}
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	if session.UserID != userID || session.State != models.SessionActive {
		return nil, apperrors.NotFound("active session not found")
	}
	log := o.logger.With(
		zap.String("session_id", session.ID),
		zap.Int64("user_id", userID),
		zap.Int64("charger_id", session.ChargerID),
	)

	if err := o.devices.Send(ctx, session.ChargerID, relay.TypeStop, session.ID); err != nil {
		log.Warn("stop command not acknowledged", zap.Error(err))
	}

	capture, err := o.payments.Capture(ctx, session.ExternalPaymentRef, session.HoldAmount, "capture-"+session.ID)
	if err == nil && capture.Status != payment.StatusCaptured && capture.Status != payment.StatusProcessing {
		err = fmt.Errorf("capture ended with status %s", capture.Status)
	}
	if err != nil {
		log.Error("payment capture failed", zap.Error(err))
		ended := o.now().UTC()
		_, terr := o.repo.TransitionSession(ctx, session.ID, []models.SessionState{models.SessionActive},
			models.SessionPaymentFailed, models.SessionPatch{EndedAt: &ended, FreeCharger: true})
		if terr != nil && !errors.Is(terr, repository.ErrStateConflict) {
			log.Error("failed to mark session payment_failed", zap.Error(terr))
		}
		return nil, apperrors.PaymentCaptureFailed(err)
	}

	ended := o.now().UTC()
	final := session.HoldAmount
	updated, err := o.repo.TransitionSession(ctx, session.ID, []models.SessionState{models.SessionActive},
		models.SessionCompleted, models.SessionPatch{FinalAmount: &final, EndedAt: &ended, FreeCharger: true})
	if errors.Is(err, repository.ErrStateConflict) {
		// Reconciliation settled the session between capture and this update.
		updated, err = o.repo.GetSession(ctx, session.ID)
	}
	if err != nil {
		return nil, apperrors.Internal(fmt.Errorf("complete session: %w", err))
	}

	result := &StopResult{
		SessionID:     updated.ID,
		ChargerID:     updated.ChargerID,
		FinalAmount:   final,
		GatewayStatus: string(capture.Status),
	}
	if updated.FinalAmount != nil {
		result.FinalAmount = *updated.FinalAmount
	}
	if updated.EndedAt != nil {
		ended = *updated.EndedAt
	}
	result.DurationActual = minutesBetween(updated.StartedAt, ended)

	log.Info("charging session stopped",
		zap.Stringer("final_amount", result.FinalAmount),
		zap.String("state", string(updated.State)),
	)
	return result, nil
}

// GetActive returns the user's open session, or nil when there is none.
func (o *Orchestrator) GetActive(ctx context.Context, userID int64) (*ActiveSession, error) {
	session, err := o.repo.FindOpenSessionByUser(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Internal(err)
	}

	view := &ActiveSession{
		Session:        session,
		ElapsedMinutes: minutesBetween(session.StartedAt, o.now()),
	}
	charger, err := o.repo.GetCharger(ctx, session.ChargerID)
	if err != nil {
		o.logger.Warn("charger lookup for active session failed", zap.Int64("charger_id", session.ChargerID), zap.Error(err))
		return view, nil
	}
	view.ChargeType = charger.ChargeType
	view.CapacityKW = charger.CapacityKW
	return view, nil
}

// History returns the user's most recent sessions, newest first.
func (o *Orchestrator) History(ctx context.Context, userID int64, limit int) ([]models.Session, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	sessions, err := o.repo.ListSessionsByUser(ctx, userID, limit)
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	return sessions, nil
}

// advance moves an in-memory session through the transition table.
func (o *Orchestrator) advance(session *models.Session, to models.SessionState) error {
	if err := Transition(session.State, to); err != nil {
		return err
	}
	session.State = to
	return nil
}

// stopQuietly sends a stop command and only logs a failure.
func (o *Orchestrator) stopQuietly(ctx context.Context, chargerID int64, sessionID string, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()
	if err := o.devices.Send(ctx, chargerID, relay.TypeStop, sessionID); err != nil {
		log.Warn("stop after unacknowledged start failed", zap.Error(err))
	}
}

// releaseUnusedHold cancels an intent left open by a non-authorized hold.
func (o *Orchestrator) releaseUnusedHold(ctx context.Context, hold payment.HoldResult, sessionID string) {
	if hold.ExternalRef == "" {
		return
	}
	switch hold.Status {
	case payment.StatusRequiresAuthentication, payment.StatusProcessing:
	default:
		return
	}
	if _, err := o.payments.Cancel(ctx, hold.ExternalRef, "cancel-"+sessionID); err != nil {
		o.logger.Warn("failed to cancel unauthorized hold", zap.String("external_ref", hold.ExternalRef), zap.Error(err))
	}
}

func minutesBetween(from, to time.Time) float64 {
	if from.IsZero() || to.Before(from) {
		return 0
	}
	return math.Round(to.Sub(from).Minutes()*100) / 100
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return apperrors.KindOf(err).String()
}

func userKey(id int64) string     { return "user:" + strconv.FormatInt(id, 10) }
func chargerKey(id int64) string  { return "charger:" + strconv.FormatInt(id, 10) }
func sessionKey(id string) string { return "session:" + id }
