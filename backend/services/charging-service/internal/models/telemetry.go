package models

import "time"

// TelemetryReading is one meter sample reported by a charger.
type TelemetryReading struct {
	ChargerID  int64     `db:"charger_id"`
	SessionID  string    `db:"session_id"`
	RecordedAt time.Time `db:"recorded_at"`
	VoltageV   float64   `db:"voltage_v"`
	CurrentA   float64   `db:"current_a"`
	PowerW     float64   `db:"power_w"`
	EnergyWh   float64   `db:"energy_wh"`
	TempC      float64   `db:"temp_c"`
	RelayOn    bool      `db:"relay_on"`
}

// AlertEvent is a fault or warning raised by a charger.
type AlertEvent struct {
	ChargerID   int64     `db:"charger_id"`
	StationID   int64     `db:"station_id"`
	Code        string    `db:"code"`
	Description string    `db:"description"`
	Severity    string    `db:"severity"`
	RaisedAt    time.Time `db:"raised_at"`
}
