package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"evconnect/backend/services/charging-service/internal/models"
	"evconnect/backend/services/charging-service/internal/repository/memory"
)

func TestRecordReadingUpdatesSessionEnergy(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	store.PutCharger(models.Charger{ID: 1, StationID: 10, State: models.ChargerAvailable})
	require.NoError(t, store.CreateActiveSession(ctx, &models.Session{ID: "s1", UserID: 5, ChargerID: 1, State: models.SessionActive}))

	rec := NewRecorder(store, store, zap.NewNop())
	require.NoError(t, rec.RecordReading(ctx, models.TelemetryReading{
		ChargerID: 1, SessionID: "s1", RecordedAt: time.Now(), EnergyWh: 420,
	}))

	assert.Len(t, store.Readings(), 1)
	session, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 420.0, session.EnergyWh)

	// A regressing meter value is stored as a reading but does not lower the session total.
	require.NoError(t, rec.RecordReading(ctx, models.TelemetryReading{
		ChargerID: 1, SessionID: "s1", RecordedAt: time.Now(), EnergyWh: 10,
	}))
	assert.Len(t, store.Readings(), 2)
	session, err = store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 420.0, session.EnergyWh)
}

func TestRecordReadingIgnoresSessionOnOtherCharger(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	store.PutCharger(models.Charger{ID: 1, StationID: 10, State: models.ChargerAvailable})
	store.PutCharger(models.Charger{ID: 2, StationID: 10, State: models.ChargerAvailable})
	require.NoError(t, store.CreateActiveSession(ctx, &models.Session{ID: "s1", UserID: 5, ChargerID: 1, State: models.SessionActive}))

	rec := NewRecorder(store, store, zap.NewNop())
	require.NoError(t, rec.RecordReading(ctx, models.TelemetryReading{
		ChargerID: 2, SessionID: "s1", RecordedAt: time.Now(), EnergyWh: 900,
	}))

	assert.Len(t, store.Readings(), 1)
	session, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 0.0, session.EnergyWh)
}

func TestRecordReadingWithoutSession(t *testing.T) {
	store := memory.NewStore()
	rec := NewRecorder(store, store, zap.NewNop())

	require.NoError(t, rec.RecordReading(context.Background(), models.TelemetryReading{ChargerID: 3, EnergyWh: 1}))
	assert.Len(t, store.Readings(), 1)

	require.Error(t, rec.RecordReading(context.Background(), models.TelemetryReading{ChargerID: 3, EnergyWh: -1}))
	assert.Len(t, store.Readings(), 1)
}

func TestRecordAlertResolvesStation(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	store.PutCharger(models.Charger{ID: 4, StationID: 77})
	rec := NewRecorder(store, store, zap.NewNop())

	require.NoError(t, rec.RecordAlert(ctx, models.AlertEvent{ChargerID: 4, Code: "GFCI", Severity: "critical"}))
	require.NoError(t, rec.RecordAlert(ctx, models.AlertEvent{ChargerID: 99, Code: "OFFLINE"}))

	alerts := store.Alerts()
	require.Len(t, alerts, 2)
	assert.Equal(t, int64(77), alerts[0].StationID)
	assert.Equal(t, int64(0), alerts[1].StationID)
}
