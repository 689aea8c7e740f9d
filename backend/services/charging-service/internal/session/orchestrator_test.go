package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"evconnect/backend/services/charging-service/internal/apperrors"
	"evconnect/backend/services/charging-service/internal/models"
	"evconnect/backend/services/charging-service/internal/payment"
	"evconnect/backend/services/charging-service/internal/relay"
	"evconnect/backend/services/charging-service/internal/repository"
	"evconnect/backend/services/charging-service/internal/repository/memory"
)

type fakePayments struct {
	mu sync.Mutex

	holdStatus payment.HoldStatus
	holdDelay  time.Duration
	holdErr    error
	captureErr error
	cancelErr  error
	// onCapture runs before Capture returns, like a webhook landing mid-call.
	onCapture func()

	holds    []payment.HoldRequest
	captures []models.Money
	cancels  []string
	keys     []string
}

func (f *fakePayments) Hold(ctx context.Context, req payment.HoldRequest) (payment.HoldResult, error) {
	if f.holdDelay > 0 {
		time.Sleep(f.holdDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.holds = append(f.holds, req)
	if f.holdErr != nil {
		return payment.HoldResult{}, f.holdErr
	}
	status := f.holdStatus
	if status == "" {
		status = payment.StatusAuthorized
	}
	return payment.HoldResult{ExternalRef: "pi_" + req.Metadata["session_id"], Status: status}, nil
}

func (f *fakePayments) Capture(ctx context.Context, externalRef string, amount models.Money, key string) (payment.CaptureResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	if f.captureErr != nil {
		return payment.CaptureResult{}, f.captureErr
	}
	f.captures = append(f.captures, amount)
	if f.onCapture != nil {
		f.onCapture()
	}
	return payment.CaptureResult{Status: payment.StatusCaptured, Captured: amount}, nil
}

func (f *fakePayments) Cancel(ctx context.Context, externalRef string, key string) (payment.HoldStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, externalRef)
	if f.cancelErr != nil {
		return "", f.cancelErr
	}
	return payment.StatusCancelled, nil
}

type fakeDevices struct {
	mu       sync.Mutex
	err      error
	commands []string
}

func (f *fakeDevices) Send(ctx context.Context, chargerID int64, action, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, action)
	return f.err
}

// hookedStore wraps the memory store to fail session creation and count
// transitions that free a charger.
type hookedStore struct {
	*memory.Store
	createErr error

	mu    sync.Mutex
	frees int
}

func (h *hookedStore) CreateActiveSession(ctx context.Context, session *models.Session) error {
	if h.createErr != nil {
		return h.createErr
	}
	return h.Store.CreateActiveSession(ctx, session)
}

func (h *hookedStore) TransitionSession(ctx context.Context, sessionID string, from []models.SessionState, to models.SessionState, patch models.SessionPatch) (*models.Session, error) {
	updated, err := h.Store.TransitionSession(ctx, sessionID, from, to, patch)
	if err == nil && patch.FreeCharger {
		h.mu.Lock()
		h.frees++
		h.mu.Unlock()
	}
	return updated, err
}

func (h *hookedStore) freeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.frees
}

type fixture struct {
	store    *memory.Store
	payments *fakePayments
	devices  *fakeDevices
	orch     *Orchestrator
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	store := memory.NewStore()
	now := time.Now()
	store.PutCharger(models.Charger{ID: 1, StationID: 10, ChargeType: "rapida", CapacityKW: 50, State: models.ChargerAvailable})
	store.PutCharger(models.Charger{ID: 2, StationID: 10, ChargeType: "rapida", CapacityKW: 50, State: models.ChargerAvailable})
	store.PutCharger(models.Charger{ID: 3, StationID: 10, State: models.ChargerMaintenance})
	store.PutRate(models.Rate{ID: 1, StationID: 10, ChargeType: "rapida", PerMinuteMilli: 100, ValidFrom: now.Add(-time.Hour)})
	for _, userID := range []int64{7, 8, 9} {
		store.PutPaymentMethod(models.PaymentMethod{ID: userID, UserID: userID, Ref: "pm_card", CustomerRef: "cus_1", IsDefault: true})
	}

	payments := &fakePayments{}
	devices := &fakeDevices{}
	orch := NewOrchestrator(store, payments, devices, nil, cfg, zap.NewNop(), nil)
	return &fixture{store: store, payments: payments, devices: devices, orch: orch}
}

// hook rebuilds the orchestrator on top of a hookedStore.
func (f *fixture) hook(cfg Config, logger *zap.Logger) *hookedStore {
	h := &hookedStore{Store: f.store}
	f.orch = NewOrchestrator(h, f.payments, f.devices, nil, cfg, logger, nil)
	return h
}

func (f *fixture) chargerState(t *testing.T, id int64) models.ChargerState {
	t.Helper()
	c, err := f.store.GetCharger(context.Background(), id)
	require.NoError(t, err)
	return c.State
}

func TestStartStopRoundTrip(t *testing.T) {
	f := newFixture(t, Config{RequireDeviceAck: true})
	ctx := context.Background()

	started, err := f.orch.Start(ctx, StartRequest{UserID: 7, ChargerID: 1, ChargeType: "rapida", DurationMinutes: 30})
	require.NoError(t, err)
	assert.Equal(t, models.Money(300), started.HoldAmount)
	assert.Equal(t, "3.00", started.HoldAmount.String())
	assert.Equal(t, models.ChargerOccupied, f.chargerState(t, 1))
	require.Len(t, f.payments.holds, 1)
	assert.Equal(t, "pm_card", f.payments.holds[0].PaymentMethodRef)
	assert.Equal(t, "hold-"+started.SessionID, f.payments.holds[0].IdempotencyKey)

	active, err := f.orch.GetActive(ctx, 7)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, started.SessionID, active.ID)
	assert.Equal(t, "rapida", active.ChargeType)

	stopped, err := f.orch.Stop(ctx, started.SessionID, 7)
	require.NoError(t, err)
	assert.Equal(t, models.Money(300), stopped.FinalAmount)
	assert.Equal(t, string(payment.StatusCaptured), stopped.GatewayStatus)
	assert.Equal(t, []models.Money{300}, f.payments.captures)
	assert.Equal(t, []string{"capture-" + started.SessionID}, f.payments.keys)
	assert.Equal(t, []string{relay.TypeStart, relay.TypeStop}, f.devices.commands)

	session, err := f.store.GetSession(ctx, started.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, session.State)
	require.NotNil(t, session.FinalAmount)
	assert.Equal(t, models.Money(300), *session.FinalAmount)
	assert.Equal(t, models.ChargerAvailable, f.chargerState(t, 1))

	active, err = f.orch.GetActive(ctx, 7)
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestStartDurationBoundaries(t *testing.T) {
	cases := []struct {
		minutes int
		ok      bool
	}{
		{minutes: 0, ok: false},
		{minutes: -5, ok: false},
		{minutes: 121, ok: false},
		{minutes: 120, ok: true},
		{minutes: 1, ok: true},
	}
	for _, tc := range cases {
		f := newFixture(t, Config{})
		_, err := f.orch.Start(context.Background(), StartRequest{UserID: 7, ChargerID: 1, ChargeType: "rapida", DurationMinutes: tc.minutes})
		if tc.ok {
			assert.NoError(t, err, "duration %d", tc.minutes)
			continue
		}
		assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err), "duration %d", tc.minutes)
		assert.Equal(t, 422, apperrors.HTTPStatus(apperrors.KindOf(err)))
		assert.Empty(t, f.payments.holds)
	}
}

func TestConcurrentStartsOnSameCharger(t *testing.T) {
	f := newFixture(t, Config{})
	f.payments.holdDelay = 20 * time.Millisecond

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, userID := range []int64{7, 8} {
		wg.Add(1)
		go func(i int, userID int64) {
			defer wg.Done()
			_, errs[i] = f.orch.Start(context.Background(), StartRequest{UserID: userID, ChargerID: 1, ChargeType: "rapida", DurationMinutes: 10})
		}(i, userID)
	}
	wg.Wait()

	var ok, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case apperrors.KindOf(err) == apperrors.KindConflict:
			conflicts++
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, conflicts)
	assert.Len(t, f.payments.holds, 1)
}

func TestStartRejectsSecondSessionForUser(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	_, err := f.orch.Start(ctx, StartRequest{UserID: 7, ChargerID: 1, ChargeType: "rapida", DurationMinutes: 10})
	require.NoError(t, err)

	_, err = f.orch.Start(ctx, StartRequest{UserID: 7, ChargerID: 2, ChargeType: "rapida", DurationMinutes: 10})
	assert.Equal(t, apperrors.KindConflict, apperrors.KindOf(err))
	assert.Equal(t, models.ChargerAvailable, f.chargerState(t, 2))
}

func TestStartPreconditions(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	_, err := f.orch.Start(ctx, StartRequest{UserID: 7, ChargerID: 99, ChargeType: "rapida", DurationMinutes: 10})
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))

	_, err = f.orch.Start(ctx, StartRequest{UserID: 7, ChargerID: 3, ChargeType: "rapida", DurationMinutes: 10})
	assert.Equal(t, apperrors.KindConflict, apperrors.KindOf(err))

	_, err = f.orch.Start(ctx, StartRequest{UserID: 7, ChargerID: 1, ChargeType: "lenta", DurationMinutes: 10})
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))

	_, err = f.orch.Start(ctx, StartRequest{UserID: 42, ChargerID: 1, ChargeType: "rapida", DurationMinutes: 10})
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))

	assert.Empty(t, f.payments.holds)
	assert.Empty(t, f.store.Sessions())
}

func TestStartHoldRequiresAuthentication(t *testing.T) {
	f := newFixture(t, Config{})
	f.payments.holdStatus = payment.StatusRequiresAuthentication

	_, err := f.orch.Start(context.Background(), StartRequest{UserID: 7, ChargerID: 1, ChargeType: "rapida", DurationMinutes: 30})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindPaymentDeclined, apperrors.KindOf(err))
	assert.Equal(t, 402, apperrors.HTTPStatus(apperrors.KindOf(err)))
	assert.Empty(t, f.store.Sessions())
	assert.Equal(t, models.ChargerAvailable, f.chargerState(t, 1))
	assert.Empty(t, f.devices.commands)
}

func TestStartRollsBackWhenDeviceUnreachable(t *testing.T) {
	f := newFixture(t, Config{RequireDeviceAck: true})
	f.devices.err = relay.ErrDeviceUnreachable

	_, err := f.orch.Start(context.Background(), StartRequest{UserID: 7, ChargerID: 1, ChargeType: "rapida", DurationMinutes: 30})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindDeviceUnreachable, apperrors.KindOf(err))
	assert.True(t, errors.Is(err, relay.ErrDeviceUnreachable))

	sessions := f.store.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, models.SessionFailed, sessions[0].State)
	assert.Equal(t, models.ChargerAvailable, f.chargerState(t, 1))
	assert.Equal(t, []string{"pi_" + sessions[0].ID}, f.payments.cancels)

	// The user is free to start again.
	f.devices.err = nil
	_, err = f.orch.Start(context.Background(), StartRequest{UserID: 7, ChargerID: 1, ChargeType: "rapida", DurationMinutes: 30})
	require.NoError(t, err)
}

func TestStartStopsDeviceAfterAckTimeout(t *testing.T) {
	f := newFixture(t, Config{RequireDeviceAck: true})
	f.devices.err = relay.ErrCommandTimeout

	_, err := f.orch.Start(context.Background(), StartRequest{UserID: 7, ChargerID: 1, ChargeType: "rapida", DurationMinutes: 30})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindDeviceUnreachable, apperrors.KindOf(err))
	assert.Equal(t, []string{relay.TypeStart, relay.TypeStop}, f.devices.commands)

	sessions := f.store.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, models.SessionFailed, sessions[0].State)
	assert.Equal(t, models.ChargerAvailable, f.chargerState(t, 1))
	assert.Len(t, f.payments.cancels, 1)
}

func TestStartUnreachableDeviceGetsNoStop(t *testing.T) {
	f := newFixture(t, Config{RequireDeviceAck: true})
	f.devices.err = relay.ErrDeviceUnreachable

	_, err := f.orch.Start(context.Background(), StartRequest{UserID: 7, ChargerID: 1, ChargeType: "rapida", DurationMinutes: 30})
	require.Error(t, err)
	assert.Equal(t, []string{relay.TypeStart}, f.devices.commands)
}

func TestStartHoldErrorLogsIdempotencyKey(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	f := newFixture(t, Config{})
	f.hook(Config{}, zap.New(core))
	f.orch.newID = func() string { return "s-hold" }
	f.payments.holdErr = errors.New("gateway timeout")

	_, err := f.orch.Start(context.Background(), StartRequest{UserID: 7, ChargerID: 1, ChargeType: "rapida", DurationMinutes: 30})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindInternal, apperrors.KindOf(err))

	entries := logs.FilterMessage("payment hold failed; intent may exist").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	fields := entries[0].ContextMap()
	assert.Equal(t, "hold-s-hold", fields["idempotency_key"])
	assert.Equal(t, "s-hold", fields["session_id"])
	assert.Empty(t, f.store.Sessions())
}

func TestStartPersistFailureReportsCompensationError(t *testing.T) {
	f := newFixture(t, Config{})
	h := f.hook(Config{}, zap.NewNop())
	h.createErr = repository.ErrChargerUnavailable

	// A clean rollback keeps the domain error.
	_, err := f.orch.Start(context.Background(), StartRequest{UserID: 7, ChargerID: 1, ChargeType: "rapida", DurationMinutes: 30})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindConflict, apperrors.KindOf(err))
	require.Len(t, f.payments.cancels, 1)

	// A failed cancel surfaces as an internal error carrying both causes.
	cancelErr := errors.New("gateway unavailable")
	f.payments.cancelErr = cancelErr
	_, err = f.orch.Start(context.Background(), StartRequest{UserID: 7, ChargerID: 1, ChargeType: "rapida", DurationMinutes: 30})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindInternal, apperrors.KindOf(err))
	assert.ErrorIs(t, err, cancelErr)
	assert.ErrorIs(t, err, repository.ErrChargerUnavailable)
	assert.Len(t, f.payments.cancels, 2)
	assert.Empty(t, f.store.Sessions())
}

func TestStartToleratesDeviceWithoutAck(t *testing.T) {
	f := newFixture(t, Config{RequireDeviceAck: false})
	f.devices.err = relay.ErrCommandTimeout

	res, err := f.orch.Start(context.Background(), StartRequest{UserID: 7, ChargerID: 1, ChargeType: "rapida", DurationMinutes: 30})
	require.NoError(t, err)
	assert.NotEmpty(t, res.SessionID)
	assert.Empty(t, f.payments.cancels)
}

func TestStopOwnershipAndState(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	started, err := f.orch.Start(ctx, StartRequest{UserID: 7, ChargerID: 1, ChargeType: "rapida", DurationMinutes: 10})
	require.NoError(t, err)

	_, err = f.orch.Stop(ctx, started.SessionID, 8)
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))
	_, err = f.orch.Stop(ctx, "missing", 7)
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))

	_, err = f.orch.Stop(ctx, started.SessionID, 7)
	require.NoError(t, err)
	_, err = f.orch.Stop(ctx, started.SessionID, 7)
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))
	assert.Len(t, f.payments.captures, 1)
}

func TestStopCaptureFailureMarksPaymentFailed(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	started, err := f.orch.Start(ctx, StartRequest{UserID: 7, ChargerID: 1, ChargeType: "rapida", DurationMinutes: 10})
	require.NoError(t, err)

	f.payments.captureErr = errors.New("gateway unavailable")
	_, err = f.orch.Stop(ctx, started.SessionID, 7)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindPaymentCaptureFailed, apperrors.KindOf(err))

	session, err := f.store.GetSession(ctx, started.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionPaymentFailed, session.State)
	assert.Nil(t, session.FinalAmount)
	assert.Equal(t, models.ChargerAvailable, f.chargerState(t, 1))
}

func TestStopToleratesUnreachableDevice(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	started, err := f.orch.Start(ctx, StartRequest{UserID: 7, ChargerID: 1, ChargeType: "rapida", DurationMinutes: 10})
	require.NoError(t, err)

	f.devices.err = relay.ErrDeviceUnreachable
	res, err := f.orch.Stop(ctx, started.SessionID, 7)
	require.NoError(t, err)
	assert.Equal(t, models.Money(100), res.FinalAmount)
}

func TestStopAfterReconciliationSettledDuringCapture(t *testing.T) {
	f := newFixture(t, Config{})
	h := f.hook(Config{}, zap.NewNop())
	ctx := context.Background()
	started, err := f.orch.Start(ctx, StartRequest{UserID: 7, ChargerID: 1, ChargeType: "rapida", DurationMinutes: 10})
	require.NoError(t, err)

	settled := models.Money(250)
	f.payments.onCapture = func() {
		ended := time.Now().UTC()
		_, err := h.TransitionSession(ctx, started.SessionID, []models.SessionState{models.SessionActive},
			models.SessionCompleted, models.SessionPatch{FinalAmount: &settled, EndedAt: &ended, FreeCharger: true})
		require.NoError(t, err)
	}

	res, err := f.orch.Stop(ctx, started.SessionID, 7)
	require.NoError(t, err)
	assert.Equal(t, settled, res.FinalAmount)
	assert.Equal(t, string(payment.StatusCaptured), res.GatewayStatus)
	assert.Len(t, f.payments.captures, 1)
	assert.Equal(t, 1, h.freeCount())
	assert.Equal(t, models.ChargerAvailable, f.chargerState(t, 1))

	session, err := f.store.GetSession(ctx, started.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, session.State)
	require.NotNil(t, session.FinalAmount)
	assert.Equal(t, settled, *session.FinalAmount)
}

func TestHistoryNewestFirst(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	clock := time.Now()
	f.orch.now = func() time.Time { return clock }

	first, err := f.orch.Start(ctx, StartRequest{UserID: 7, ChargerID: 1, ChargeType: "rapida", DurationMinutes: 10})
	require.NoError(t, err)
	clock = clock.Add(20 * time.Minute)
	_, err = f.orch.Stop(ctx, first.SessionID, 7)
	require.NoError(t, err)
	second, err := f.orch.Start(ctx, StartRequest{UserID: 7, ChargerID: 2, ChargeType: "rapida", DurationMinutes: 5})
	require.NoError(t, err)

	history, err := f.orch.History(ctx, 7, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, second.SessionID, history[0].ID)
	assert.Equal(t, first.SessionID, history[1].ID)
}
