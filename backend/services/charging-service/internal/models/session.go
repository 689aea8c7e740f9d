package models

import "time"

// SessionState is the lifecycle state of a charging session.
type SessionState string

const (
	SessionPending        SessionState = "pending"
	SessionHoldAuthorized SessionState = "hold_authorized"
	SessionActive         SessionState = "active"
	SessionCompleted      SessionState = "completed"
	SessionPaymentFailed  SessionState = "payment_failed"
	SessionCancelled      SessionState = "cancelled"
	SessionDisputed       SessionState = "disputed"
	SessionFailed         SessionState = "failed"
)

// OpenSessionStates are the states that reserve a user and a charger.
var OpenSessionStates = []SessionState{SessionPending, SessionHoldAuthorized, SessionActive}

// IsOpen reports whether the state reserves the user and the charger.
func (s SessionState) IsOpen() bool {
	switch s {
	case SessionPending, SessionHoldAuthorized, SessionActive:
		return true
	}
	return false
}

// Session represents one charge-delivery transaction from authorization through settlement.
type Session struct {
	ID                 string       `db:"id" json:"sessionId"`
	UserID             int64        `db:"user_id" json:"userId"`
	ChargerID          int64        `db:"charger_id" json:"chargerId"`
	RateID             int64        `db:"rate_id" json:"rateId"`
	PaymentMethodRef   string       `db:"payment_method_ref" json:"-"`
	State              SessionState `db:"state" json:"state"`
	DurationMinutes    int          `db:"duration_minutes" json:"durationMinutes"`
	HoldAmount         Money        `db:"hold_amount" json:"holdAmount"`
	FinalAmount        *Money       `db:"final_amount" json:"finalAmount,omitempty"`
	EnergyWh           float64      `db:"energy_wh" json:"energyWh"`
	StartedAt          time.Time    `db:"started_at" json:"startedAt"`
	EndedAt            *time.Time   `db:"ended_at" json:"endedAt,omitempty"`
	ExternalPaymentRef string       `db:"external_payment_ref" json:"-"`
	NeedsReview        bool         `db:"needs_review" json:"needsReview,omitempty"`
	UpdatedAt          time.Time    `db:"updated_at" json:"updatedAt"`
}

// SessionPatch carries the fields a state transition may set alongside the new state.
type SessionPatch struct {
	FinalAmount *Money
	EndedAt     *time.Time
	NeedsReview bool
	// FreeCharger returns the session's charger to available in the same transaction.
	FreeCharger bool
}
