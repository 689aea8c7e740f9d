package session

import (
	"fmt"

	"evconnect/backend/services/charging-service/internal/apperrors"
	"evconnect/backend/services/charging-service/internal/models"
)

// transitions lists every allowed session state change.
var transitions = map[models.SessionState][]models.SessionState{
	models.SessionPending:        {models.SessionHoldAuthorized, models.SessionFailed},
	models.SessionHoldAuthorized: {models.SessionActive, models.SessionFailed},
	models.SessionActive: {
		models.SessionCompleted,
		models.SessionPaymentFailed,
		models.SessionCancelled,
		models.SessionDisputed,
		models.SessionFailed,
	},
	// A capture confirmed by the gateway after a local capture failure settles the session.
	models.SessionPaymentFailed: {models.SessionCompleted},
	models.SessionCompleted:     {models.SessionDisputed},
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to models.SessionState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates from -> to.
func Transition(from, to models.SessionState) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", apperrors.ErrInvalidTransition, from, to)
	}
	return nil
}

// SourcesOf returns every state that may move to `to`, in table order.
// It is the guard passed to the repository's conditional update.
func SourcesOf(to models.SessionState) []models.SessionState {
	var out []models.SessionState
	for _, from := range stateOrder {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

var stateOrder = []models.SessionState{
	models.SessionPending,
	models.SessionHoldAuthorized,
	models.SessionActive,
	models.SessionCompleted,
	models.SessionPaymentFailed,
	models.SessionCancelled,
	models.SessionDisputed,
	models.SessionFailed,
}
