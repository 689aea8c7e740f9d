// Package postgres implements the repository contracts on top of a pgx pool.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"evconnect/backend/services/charging-service/internal/models"
	"evconnect/backend/services/charging-service/internal/repository"
)

//go:embed schema.sql
var schema string

const uniqueViolation = "23505"

const sessionColumns = `
	id, user_id, charger_id, rate_id, payment_method_ref, state, duration_minutes,
	hold_amount, final_amount, energy_wh, started_at, ended_at, external_payment_ref,
	needs_review, updated_at`

// Store persists sessions, chargers, rates, payment methods and telemetry in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore returns a Postgres-backed store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

// GetCharger loads a charger by id.
func (s *Store) GetCharger(ctx context.Context, chargerID int64) (*models.Charger, error) {
	const query = `
		SELECT id, station_id, charge_type, capacity_kw::float8, state, firmware_version, installed_at
		FROM chargers
		WHERE id = $1
	`
	var (
		c     models.Charger
		state string
	)
	err := s.pool.QueryRow(ctx, query, chargerID).Scan(
		&c.ID, &c.StationID, &c.ChargeType, &c.CapacityKW, &state, &c.Firmware, &c.InstalledAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.State = models.ChargerState(state)
	return &c, nil
}

// FindValidRate returns the most recent rate valid at `at` for the station and charge type.
func (s *Store) FindValidRate(ctx context.Context, stationID int64, chargeType string, at time.Time) (*models.Rate, error) {
	const query = `
		SELECT id, station_id, charge_type, (cost_per_minute * 1000)::bigint, valid_from, valid_to
		FROM rates
		WHERE station_id = $1
		  AND charge_type = $2
		  AND valid_from <= $3
		  AND (valid_to IS NULL OR valid_to >= $3)
		ORDER BY valid_from DESC
		LIMIT 1
	`
	var r models.Rate
	err := s.pool.QueryRow(ctx, query, stationID, chargeType, at).Scan(
		&r.ID, &r.StationID, &r.ChargeType, &r.PerMinuteMilli, &r.ValidFrom, &r.ValidTo,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// DefaultPaymentMethod returns the user's active default payment method.
func (s *Store) DefaultPaymentMethod(ctx context.Context, userID int64) (*models.PaymentMethod, error) {
	const query = `
		SELECT id, user_id, token_ref, customer_ref, is_default
		FROM payment_methods
		WHERE user_id = $1 AND active AND is_default
		ORDER BY created_at DESC
		LIMIT 1
	`
	var pm models.PaymentMethod
	err := s.pool.QueryRow(ctx, query, userID).Scan(&pm.ID, &pm.UserID, &pm.Ref, &pm.CustomerRef, &pm.IsDefault)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &pm, nil
}

// CreateActiveSession locks the charger row, checks availability, inserts the session
// and marks the charger occupied in one transaction.
func (s *Store) CreateActiveSession(ctx context.Context, session *models.Session) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var state string
	err = tx.QueryRow(ctx, `SELECT state FROM chargers WHERE id = $1 FOR UPDATE`, session.ChargerID).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return repository.ErrNotFound
	}
	if err != nil {
		return err
	}
	if models.ChargerState(state) != models.ChargerAvailable {
		return repository.ErrChargerUnavailable
	}

	const insert = `
		INSERT INTO charging_sessions (
			id, user_id, charger_id, rate_id, payment_method_ref, state, duration_minutes,
			hold_amount, started_at, external_payment_ref, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		RETURNING updated_at
	`
	err = tx.QueryRow(ctx, insert,
		session.ID,
		session.UserID,
		session.ChargerID,
		session.RateID,
		session.PaymentMethodRef,
		string(session.State),
		session.DurationMinutes,
		int64(session.HoldAmount),
		session.StartedAt,
		session.ExternalPaymentRef,
	).Scan(&session.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return repository.ErrOpenSessionExists
		}
		return err
	}

	if _, err := tx.Exec(ctx, `UPDATE chargers SET state = $2 WHERE id = $1`, session.ChargerID, string(models.ChargerOccupied)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// GetSession loads a session by id.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	return s.querySession(ctx, s.pool, `SELECT`+sessionColumns+` FROM charging_sessions WHERE id = $1`, sessionID)
}

// FindOpenSessionByUser returns the user's pending, hold_authorized or active session.
func (s *Store) FindOpenSessionByUser(ctx context.Context, userID int64) (*models.Session, error) {
	query := `SELECT` + sessionColumns + ` FROM charging_sessions WHERE user_id = $1 AND state = ANY($2) LIMIT 1`
	return s.querySession(ctx, s.pool, query, userID, stateNames(models.OpenSessionStates))
}

// FindSessionByExternalRef returns the session owning the gateway payment reference.
func (s *Store) FindSessionByExternalRef(ctx context.Context, externalRef string) (*models.Session, error) {
	return s.querySession(ctx, s.pool, `SELECT`+sessionColumns+` FROM charging_sessions WHERE external_payment_ref = $1`, externalRef)
}

// ListSessionsByUser returns the last N sessions for the user, newest first.
func (s *Store) ListSessionsByUser(ctx context.Context, userID int64, limit int) ([]models.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT` + sessionColumns + ` FROM charging_sessions WHERE user_id = $1 ORDER BY started_at DESC LIMIT $2`
	rows, err := s.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}

// TransitionSession applies a guarded state change and, when requested, frees the charger.
func (s *Store) TransitionSession(ctx context.Context, sessionID string, from []models.SessionState, to models.SessionState, patch models.SessionPatch) (*models.Session, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var finalAmount *int64
	if patch.FinalAmount != nil {
		v := int64(*patch.FinalAmount)
		finalAmount = &v
	}

	update := `
		UPDATE charging_sessions
		SET state = $2,
		    final_amount = COALESCE($3, final_amount),
		    ended_at = COALESCE($4, ended_at),
		    needs_review = needs_review OR $5,
		    updated_at = NOW()
		WHERE id = $1 AND state = ANY($6)
		RETURNING` + sessionColumns
	session, err := s.querySession(ctx, tx, update,
		sessionID, string(to), finalAmount, patch.EndedAt, patch.NeedsReview, stateNames(from))
	if errors.Is(err, repository.ErrNotFound) {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM charging_sessions WHERE id = $1)`, sessionID).Scan(&exists); err != nil {
			return nil, err
		}
		if exists {
			return nil, repository.ErrStateConflict
		}
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if patch.FreeCharger {
		const free = `UPDATE chargers SET state = $2 WHERE id = $1 AND state = $3`
		if _, err := tx.Exec(ctx, free, session.ChargerID, string(models.ChargerAvailable), string(models.ChargerOccupied)); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return session, nil
}

// SaveReading stores one telemetry sample.
func (s *Store) SaveReading(ctx context.Context, r models.TelemetryReading) error {
	const query = `
		INSERT INTO telemetry_readings (charger_id, session_id, recorded_at, voltage_v, current_a, power_w, energy_wh, temp_c, relay_on)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := s.pool.Exec(ctx, query, r.ChargerID, r.SessionID, r.RecordedAt, r.VoltageV, r.CurrentA, r.PowerW, r.EnergyWh, r.TempC, r.RelayOn)
	return err
}

// SaveAlert stores a device alert.
func (s *Store) SaveAlert(ctx context.Context, a models.AlertEvent) error {
	const query = `
		INSERT INTO alert_events (charger_id, station_id, code, description, severity, raised_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.pool.Exec(ctx, query, a.ChargerID, a.StationID, a.Code, a.Description, a.Severity, a.RaisedAt)
	return err
}

// UpdateSessionEnergy records the energy delivered so far for an active session
// on the given charger. The stored value never decreases.
func (s *Store) UpdateSessionEnergy(ctx context.Context, sessionID string, chargerID int64, energyWh float64) error {
	const query = `
		UPDATE charging_sessions
		SET energy_wh = GREATEST(energy_wh, $2), updated_at = NOW()
		WHERE id = $1 AND state = $3 AND charger_id = $4
	`
	_, err := s.pool.Exec(ctx, query, sessionID, energyWh, string(models.SessionActive), chargerID)
	return err
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) querySession(ctx context.Context, q querier, query string, args ...any) (*models.Session, error) {
	session, err := scanSession(q.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	return session, err
}

func scanSession(row pgx.Row) (*models.Session, error) {
	var (
		s           models.Session
		state       string
		holdAmount  int64
		finalAmount *int64
	)
	err := row.Scan(
		&s.ID,
		&s.UserID,
		&s.ChargerID,
		&s.RateID,
		&s.PaymentMethodRef,
		&state,
		&s.DurationMinutes,
		&holdAmount,
		&finalAmount,
		&s.EnergyWh,
		&s.StartedAt,
		&s.EndedAt,
		&s.ExternalPaymentRef,
		&s.NeedsReview,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.State = models.SessionState(state)
	s.HoldAmount = models.Money(holdAmount)
	if finalAmount != nil {
		m := models.Money(*finalAmount)
		s.FinalAmount = &m
	}
	return &s, nil
}

func stateNames(states []models.SessionState) []string {
	out := make([]string, len(states))
	for i, st := range states {
		out[i] = string(st)
	}
	return out
}

var (
	_ repository.SessionRepository   = (*Store)(nil)
	_ repository.TelemetryRepository = (*Store)(nil)
)
