// Package repository declares the persistence contract used by the session
// orchestrator, the webhook reconciler and the relay's telemetry sink.
package repository

import (
	"context"
	"errors"
	"time"

	"evconnect/backend/services/charging-service/internal/models"
)

var (
	// ErrNotFound indicates a missing row.
	ErrNotFound = errors.New("repository: not found")
	// ErrChargerUnavailable indicates the charger is not in the available state.
	ErrChargerUnavailable = errors.New("repository: charger unavailable")
	// ErrOpenSessionExists indicates the user or the charger already holds an open session.
	ErrOpenSessionExists = errors.New("repository: open session exists")
	// ErrStateConflict indicates the session is no longer in any of the expected states.
	ErrStateConflict = errors.New("repository: session state changed")
)

// SessionRepository is the transactional store for sessions, chargers, rates and payment methods.
type SessionRepository interface {
	GetCharger(ctx context.Context, chargerID int64) (*models.Charger, error)
	FindValidRate(ctx context.Context, stationID int64, chargeType string, at time.Time) (*models.Rate, error)
	DefaultPaymentMethod(ctx context.Context, userID int64) (*models.PaymentMethod, error)

	// CreateActiveSession marks the charger occupied and inserts the session atomically.
	// It fails with ErrChargerUnavailable or ErrOpenSessionExists without side effects.
	CreateActiveSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
	FindOpenSessionByUser(ctx context.Context, userID int64) (*models.Session, error)
	FindSessionByExternalRef(ctx context.Context, externalRef string) (*models.Session, error)
	ListSessionsByUser(ctx context.Context, userID int64, limit int) ([]models.Session, error)

	// TransitionSession moves the session to `to` only if its current state is one of `from`.
	// It returns ErrStateConflict when the guard fails and ErrNotFound for unknown ids.
	TransitionSession(ctx context.Context, sessionID string, from []models.SessionState, to models.SessionState, patch models.SessionPatch) (*models.Session, error)
}

// TelemetryRepository persists device readings and alerts.
type TelemetryRepository interface {
	SaveReading(ctx context.Context, reading models.TelemetryReading) error
	SaveAlert(ctx context.Context, alert models.AlertEvent) error
	UpdateSessionEnergy(ctx context.Context, sessionID string, chargerID int64, energyWh float64) error
}
