// Package payment talks to the external payment processor: deferred-capture
// holds, captures, cancellations, refunds and signed webhook notifications.
package payment

import (
	"context"
	"errors"

	"evconnect/backend/services/charging-service/internal/models"
)

// HoldStatus is the gateway's view of a payment hold.
type HoldStatus string

const (
	StatusAuthorized             HoldStatus = "authorized"
	StatusRequiresAuthentication HoldStatus = "requires_authentication"
	StatusDeclined               HoldStatus = "declined"
	StatusProcessing             HoldStatus = "processing"
	StatusCaptured               HoldStatus = "captured"
	StatusCancelled              HoldStatus = "cancelled"
	StatusFailed                 HoldStatus = "failed"
)

var (
	// ErrRejected marks a request the gateway refused; retrying it cannot succeed.
	ErrRejected = errors.New("payment: request rejected by gateway")
	// ErrAmountExceedsHold is returned when a capture asks for more than is capturable.
	ErrAmountExceedsHold = errors.New("payment: capture amount exceeds held amount")
	// ErrInvalidSignature is returned for webhook payloads that fail verification.
	ErrInvalidSignature = errors.New("payment: invalid webhook signature")
)

// HoldRequest describes a deferred-capture authorization.
type HoldRequest struct {
	PaymentMethodRef string
	CustomerRef      string
	Amount           models.Money
	Description      string
	Metadata         map[string]string
	IdempotencyKey   string
}

// HoldResult is the outcome of a hold.
type HoldResult struct {
	ExternalRef string
	Status      HoldStatus
}

// CaptureResult is the outcome of a capture.
type CaptureResult struct {
	Status   HoldStatus
	Captured models.Money
}

// RefundResult is the outcome of a refund.
type RefundResult struct {
	RefundRef string
	Status    string
}

// Gateway is the processor-specific backend.
type Gateway interface {
	Hold(ctx context.Context, req HoldRequest) (HoldResult, error)
	Capture(ctx context.Context, externalRef string, amount models.Money, idempotencyKey string) (CaptureResult, error)
	Cancel(ctx context.Context, externalRef string, idempotencyKey string) (HoldStatus, error)
	// Refund reverses a captured amount; a nil amount refunds everything captured.
	Refund(ctx context.Context, externalRef string, amount *models.Money, idempotencyKey string) (RefundResult, error)
}

// NotificationKind classifies a verified gateway notification.
type NotificationKind string

const (
	NotificationCaptureSucceeded NotificationKind = "capture_succeeded"
	NotificationPaymentFailed    NotificationKind = "payment_failed"
	NotificationHoldCancelled    NotificationKind = "hold_cancelled"
	NotificationDisputeOpened    NotificationKind = "dispute_opened"
	NotificationIgnored          NotificationKind = "ignored"
)

// Notification is a signature-verified gateway event reduced to what reconciliation needs.
type Notification struct {
	EventID     string
	EventType   string
	Kind        NotificationKind
	ExternalRef string
	Amount      models.Money
	Reason      string
}

// NotificationVerifier checks a webhook signature and decodes the event.
type NotificationVerifier interface {
	VerifyNotification(payload []byte, signatureHeader string) (Notification, error)
}
