package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"evconnect/backend/services/charging-service/internal/payment"
	"evconnect/backend/services/charging-service/internal/webhook"
)

const (
	signatureHeader     = "Stripe-Signature"
	maxWebhookBodyBytes = 64 << 10
)

// NotificationHandler applies signed gateway notifications.
type NotificationHandler interface {
	Handle(ctx context.Context, payload []byte, signature string) (webhook.Result, error)
}

// NewPaymentWebhookHandler returns POST /webhooks/payments handler.
func NewPaymentWebhookHandler(reconciler NotificationHandler, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid body")
			return
		}

		result, err := reconciler.Handle(r.Context(), payload, r.Header.Get(signatureHeader))
		if errors.Is(err, payment.ErrInvalidSignature) {
			logger.Warn("payment webhook rejected", zap.Error(err))
			writeError(w, http.StatusBadRequest, "invalid signature")
			return
		}
		if err != nil {
			// A 5xx makes the gateway redeliver.
			logger.Error("payment webhook failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"received": true, "result": result})
	}
}
