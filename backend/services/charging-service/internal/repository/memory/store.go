// Package memory is an in-process implementation of the repository contracts,
// used by tests and local runs without Postgres.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"evconnect/backend/services/charging-service/internal/models"
	"evconnect/backend/services/charging-service/internal/repository"
)

// Store keeps all rows in maps guarded by a single mutex.
type Store struct {
	mu             sync.Mutex
	chargers       map[int64]models.Charger
	rates          []models.Rate
	paymentMethods map[int64]models.PaymentMethod
	sessions       map[string]models.Session
	readings       []models.TelemetryReading
	alerts         []models.AlertEvent
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		chargers:       make(map[int64]models.Charger),
		paymentMethods: make(map[int64]models.PaymentMethod),
		sessions:       make(map[string]models.Session),
	}
}

// PutCharger inserts or replaces a charger.
func (s *Store) PutCharger(c models.Charger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chargers[c.ID] = c
}

// PutRate appends a rate.
func (s *Store) PutRate(r models.Rate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rates = append(s.rates, r)
}

// PutPaymentMethod sets the user's default payment method.
func (s *Store) PutPaymentMethod(pm models.PaymentMethod) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paymentMethods[pm.UserID] = pm
}

// Readings returns a copy of stored telemetry.
func (s *Store) Readings() []models.TelemetryReading {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.TelemetryReading(nil), s.readings...)
}

// Alerts returns a copy of stored alerts.
func (s *Store) Alerts() []models.AlertEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.AlertEvent(nil), s.alerts...)
}

// Sessions returns a copy of every stored session.
func (s *Store) Sessions() []models.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, session)
	}
	return out
}

func (s *Store) GetCharger(_ context.Context, chargerID int64) (*models.Charger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chargers[chargerID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &c, nil
}

func (s *Store) FindValidRate(_ context.Context, stationID int64, chargeType string, at time.Time) (*models.Rate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *models.Rate
	for i := range s.rates {
		r := s.rates[i]
		if r.StationID != stationID || r.ChargeType != chargeType || !r.ValidAt(at) {
			continue
		}
		if best == nil || r.ValidFrom.After(best.ValidFrom) {
			best = &r
		}
	}
	if best == nil {
		return nil, repository.ErrNotFound
	}
	return best, nil
}

func (s *Store) DefaultPaymentMethod(_ context.Context, userID int64) (*models.PaymentMethod, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pm, ok := s.paymentMethods[userID]
	if !ok || !pm.IsDefault {
		return nil, repository.ErrNotFound
	}
	return &pm, nil
}

func (s *Store) CreateActiveSession(_ context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chargers[session.ChargerID]
	if !ok {
		return repository.ErrNotFound
	}
	if c.State != models.ChargerAvailable {
		return repository.ErrChargerUnavailable
	}
	for _, existing := range s.sessions {
		if !existing.State.IsOpen() {
			continue
		}
		if existing.UserID == session.UserID || existing.ChargerID == session.ChargerID {
			return repository.ErrOpenSessionExists
		}
	}

	session.UpdatedAt = time.Now().UTC()
	s.sessions[session.ID] = *session
	c.State = models.ChargerOccupied
	s.chargers[c.ID] = c
	return nil
}

func (s *Store) GetSession(_ context.Context, sessionID string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &session, nil
}

func (s *Store) FindOpenSessionByUser(_ context.Context, userID int64) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, session := range s.sessions {
		if session.UserID == userID && session.State.IsOpen() {
			return &session, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *Store) FindSessionByExternalRef(_ context.Context, externalRef string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, session := range s.sessions {
		if session.ExternalPaymentRef == externalRef {
			return &session, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *Store) ListSessionsByUser(_ context.Context, userID int64, limit int) ([]models.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Session
	for _, session := range s.sessions {
		if session.UserID == userID {
			out = append(out, session)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) TransitionSession(_ context.Context, sessionID string, from []models.SessionState, to models.SessionState, patch models.SessionPatch) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	allowed := false
	for _, st := range from {
		if session.State == st {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, repository.ErrStateConflict
	}

	session.State = to
	if patch.FinalAmount != nil {
		v := *patch.FinalAmount
		session.FinalAmount = &v
	}
	if patch.EndedAt != nil {
		v := *patch.EndedAt
		session.EndedAt = &v
	}
	session.NeedsReview = session.NeedsReview || patch.NeedsReview
	session.UpdatedAt = time.Now().UTC()
	s.sessions[sessionID] = session

	if patch.FreeCharger {
		if c, ok := s.chargers[session.ChargerID]; ok && c.State == models.ChargerOccupied {
			c.State = models.ChargerAvailable
			s.chargers[c.ID] = c
		}
	}
	return &session, nil
}

func (s *Store) SaveReading(_ context.Context, reading models.TelemetryReading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readings = append(s.readings, reading)
	return nil
}

func (s *Store) SaveAlert(_ context.Context, alert models.AlertEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, alert)
	return nil
}

func (s *Store) UpdateSessionEnergy(_ context.Context, sessionID string, chargerID int64, energyWh float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok || session.State != models.SessionActive || session.ChargerID != chargerID {
		return nil
	}
	// Meter counters only grow; a lower value is a device reset or a reordered sample.
	if energyWh > session.EnergyWh {
		session.EnergyWh = energyWh
		s.sessions[sessionID] = session
	}
	return nil
}

var (
	_ repository.SessionRepository   = (*Store)(nil)
	_ repository.TelemetryRepository = (*Store)(nil)
)
