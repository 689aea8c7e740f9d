package models

import "time"

// ChargerState is the operational state of a charger.
type ChargerState string

const (
	ChargerAvailable    ChargerState = "available"
	ChargerOccupied     ChargerState = "occupied"
	ChargerMaintenance  ChargerState = "maintenance"
	ChargerResetting    ChargerState = "resetting"
	ChargerOutOfService ChargerState = "out_of_service"
)

// Charger is a single charging point at a station.
type Charger struct {
	ID          int64        `db:"id" json:"id"`
	StationID   int64        `db:"station_id" json:"stationId"`
	ChargeType  string       `db:"charge_type" json:"chargeType"`
	CapacityKW  float64      `db:"capacity_kw" json:"capacityKw"`
	State       ChargerState `db:"state" json:"state"`
	Firmware    string       `db:"firmware_version" json:"firmwareVersion,omitempty"`
	InstalledAt time.Time    `db:"installed_at" json:"installedAt"`
}

// Rate is a per-minute tariff for a charge type at a station.
type Rate struct {
	ID         int64  `db:"id"`
	StationID  int64  `db:"station_id"`
	ChargeType string `db:"charge_type"`
	// PerMinuteMilli is the per-minute cost in thousandths of the major unit.
	PerMinuteMilli int64      `db:"per_minute_milli"`
	ValidFrom      time.Time  `db:"valid_from"`
	ValidTo        *time.Time `db:"valid_to"`
}

// ValidAt reports whether the rate applies at t.
func (r Rate) ValidAt(t time.Time) bool {
	if r.ValidFrom.After(t) {
		return false
	}
	return r.ValidTo == nil || !r.ValidTo.Before(t)
}

// HoldAmount returns PerMinuteCost × minutes rounded to cents.
func (r Rate) HoldAmount(minutes int) Money {
	milli := r.PerMinuteMilli * int64(minutes)
	cents := milli / 10
	if milli%10 >= 5 {
		cents++
	}
	return Money(cents)
}

// PaymentMethod is a stored gateway payment method belonging to a user.
type PaymentMethod struct {
	ID          int64  `db:"id"`
	UserID      int64  `db:"user_id"`
	Ref         string `db:"token_ref"`
	CustomerRef string `db:"customer_ref"`
	IsDefault   bool   `db:"is_default"`
}
