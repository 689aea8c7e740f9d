// Package telemetry persists charger readings and alerts received over the relay.
package telemetry

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"evconnect/backend/services/charging-service/internal/models"
	"evconnect/backend/services/charging-service/internal/repository"
)

// ChargerLookup resolves a charger's station.
type ChargerLookup interface {
	GetCharger(ctx context.Context, chargerID int64) (*models.Charger, error)
}

// Recorder stores readings and alerts and keeps the session energy current.
type Recorder struct {
	repo     repository.TelemetryRepository
	chargers ChargerLookup
	logger   *zap.Logger
}

// NewRecorder returns a recorder.
func NewRecorder(repo repository.TelemetryRepository, chargers ChargerLookup, logger *zap.Logger) *Recorder {
	return &Recorder{repo: repo, chargers: chargers, logger: logger}
}

// RecordReading persists a reading and, when it belongs to a session on the
// reporting charger, updates the session's delivered energy.
func (r *Recorder) RecordReading(ctx context.Context, reading models.TelemetryReading) error {
	if reading.EnergyWh < 0 {
		return fmt.Errorf("telemetry: negative energy %.2f", reading.EnergyWh)
	}
	if err := r.repo.SaveReading(ctx, reading); err != nil {
		return fmt.Errorf("telemetry: save reading: %w", err)
	}
	if reading.SessionID == "" {
		return nil
	}
	if err := r.repo.UpdateSessionEnergy(ctx, reading.SessionID, reading.ChargerID, reading.EnergyWh); err != nil {
		return fmt.Errorf("telemetry: update session energy: %w", err)
	}
	return nil
}

// RecordAlert persists an alert tagged with the charger's station.
func (r *Recorder) RecordAlert(ctx context.Context, alert models.AlertEvent) error {
	if alert.StationID == 0 && r.chargers != nil {
		charger, err := r.chargers.GetCharger(ctx, alert.ChargerID)
		switch {
		case err == nil:
			alert.StationID = charger.StationID
		case errors.Is(err, repository.ErrNotFound):
			r.logger.Warn("alert for unknown charger", zap.Int64("charger_id", alert.ChargerID))
		default:
			return fmt.Errorf("telemetry: lookup charger: %w", err)
		}
	}
	if err := r.repo.SaveAlert(ctx, alert); err != nil {
		return fmt.Errorf("telemetry: save alert: %w", err)
	}
	r.logger.Info("charger alert",
		zap.Int64("charger_id", alert.ChargerID),
		zap.String("code", alert.Code),
		zap.String("severity", alert.Severity),
	)
	return nil
}
