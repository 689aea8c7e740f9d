package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"github.com/stripe/stripe-go/v79/webhook"
	"go.uber.org/zap"

	"evconnect/backend/services/charging-service/internal/models"
)

const defaultCurrency = "mxn"

// StripeConfig configures the Stripe backend.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	Currency      string
	// APIURL overrides the Stripe API base URL (tests, stripe-mock).
	APIURL     string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// StripeGateway implements Gateway with PaymentIntents using manual capture.
type StripeGateway struct {
	api           *client.API
	currency      string
	webhookSecret string
}

// NewStripeGateway builds a Stripe client. Network retries are disabled here;
// the Client decides what may be retried.
func NewStripeGateway(cfg StripeConfig) (*StripeGateway, error) {
	if strings.TrimSpace(cfg.SecretKey) == "" {
		return nil, errors.New("payment: stripe secret key is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	currency := strings.ToLower(strings.TrimSpace(cfg.Currency))
	if currency == "" {
		currency = defaultCurrency
	}

	backendCfg := &stripe.BackendConfig{
		HTTPClient:        httpClient,
		MaxNetworkRetries: stripe.Int64(0),
	}
	if cfg.Logger != nil {
		backendCfg.LeveledLogger = cfg.Logger.Named("stripe").Sugar()
	} else {
		backendCfg.LeveledLogger = &stripe.LeveledLogger{Level: stripe.LevelError}
	}
	if cfg.APIURL != "" {
		backendCfg.URL = stripe.String(strings.TrimRight(cfg.APIURL, "/"))
	}
	backends := &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, backendCfg),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, backendCfg),
	}

	return &StripeGateway{
		api:           client.New(cfg.SecretKey, backends),
		currency:      currency,
		webhookSecret: cfg.WebhookSecret,
	}, nil
}

// Hold creates and confirms an off-session PaymentIntent with manual capture.
func (g *StripeGateway) Hold(ctx context.Context, req HoldRequest) (HoldResult, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(int64(req.Amount)),
		Currency:      stripe.String(g.currency),
		PaymentMethod: stripe.String(req.PaymentMethodRef),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
	}
	if req.CustomerRef != "" {
		params.Customer = stripe.String(req.CustomerRef)
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Type == stripe.ErrorTypeCard {
			status := StatusDeclined
			if string(stripeErr.Code) == "authentication_required" {
				status = StatusRequiresAuthentication
			}
			ref := ""
			if stripeErr.PaymentIntent != nil {
				ref = stripeErr.PaymentIntent.ID
			}
			return HoldResult{ExternalRef: ref, Status: status}, nil
		}
		return HoldResult{}, classify(err)
	}
	return HoldResult{ExternalRef: pi.ID, Status: intentStatus(pi.Status)}, nil
}

// Capture checks the capturable amount, then captures. An intent that already
// succeeded is reported as captured without a second capture call.
func (g *StripeGateway) Capture(ctx context.Context, externalRef string, amount models.Money, idempotencyKey string) (CaptureResult, error) {
	getParams := &stripe.PaymentIntentParams{}
	getParams.Context = ctx
	current, err := g.api.PaymentIntents.Get(externalRef, getParams)
	if err != nil {
		return CaptureResult{}, classify(err)
	}
	if current.Status == stripe.PaymentIntentStatusSucceeded {
		return CaptureResult{Status: StatusCaptured, Captured: models.Money(current.AmountReceived)}, nil
	}
	if current.Status != stripe.PaymentIntentStatusRequiresCapture {
		return CaptureResult{}, fmt.Errorf("%w: intent %s is %s", ErrRejected, externalRef, current.Status)
	}
	if int64(amount) > current.AmountCapturable {
		return CaptureResult{}, fmt.Errorf("%w: requested %s, capturable %s",
			ErrAmountExceedsHold, amount, models.Money(current.AmountCapturable))
	}

	params := &stripe.PaymentIntentCaptureParams{
		AmountToCapture: stripe.Int64(int64(amount)),
	}
	params.Context = ctx
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}
	pi, err := g.api.PaymentIntents.Capture(externalRef, params)
	if err != nil {
		return CaptureResult{}, classify(err)
	}
	return CaptureResult{Status: intentStatus(pi.Status), Captured: models.Money(pi.AmountReceived)}, nil
}

// Cancel releases an uncaptured PaymentIntent.
func (g *StripeGateway) Cancel(ctx context.Context, externalRef string, idempotencyKey string) (HoldStatus, error) {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}
	pi, err := g.api.PaymentIntents.Cancel(externalRef, params)
	if err != nil {
		return "", classify(err)
	}
	return intentStatus(pi.Status), nil
}

// Refund creates a refund against the PaymentIntent.
func (g *StripeGateway) Refund(ctx context.Context, externalRef string, amount *models.Money, idempotencyKey string) (RefundResult, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(externalRef),
	}
	if amount != nil {
		params.Amount = stripe.Int64(int64(*amount))
	}
	params.Context = ctx
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}
	refund, err := g.api.Refunds.New(params)
	if err != nil {
		return RefundResult{}, classify(err)
	}
	return RefundResult{RefundRef: refund.ID, Status: string(refund.Status)}, nil
}

type intentObject struct {
	ID               string `json:"id"`
	AmountReceived   int64  `json:"amount_received"`
	LastPaymentError *struct {
		Message string `json:"message"`
	} `json:"last_payment_error"`
	CancellationReason string `json:"cancellation_reason"`
}

type disputeObject struct {
	ID            string `json:"id"`
	PaymentIntent string `json:"payment_intent"`
	Amount        int64  `json:"amount"`
	Reason        string `json:"reason"`
}

// VerifyNotification checks the Stripe-Signature header and decodes the event.
// Nothing from the payload is read before the signature is verified.
func (g *StripeGateway) VerifyNotification(payload []byte, signatureHeader string) (Notification, error) {
	if g.webhookSecret == "" {
		return Notification{}, errors.New("payment: webhook secret not configured")
	}
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, g.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	n := Notification{EventID: event.ID, EventType: string(event.Type), Kind: NotificationIgnored}
	if event.Data == nil {
		return n, nil
	}

	switch event.Type {
	case "payment_intent.succeeded", "payment_intent.payment_failed", "payment_intent.canceled":
		var obj intentObject
		if err := json.Unmarshal(event.Data.Raw, &obj); err != nil {
			return Notification{}, fmt.Errorf("payment: decode payment intent: %w", err)
		}
		n.ExternalRef = obj.ID
		switch event.Type {
		case "payment_intent.succeeded":
			n.Kind = NotificationCaptureSucceeded
			n.Amount = models.Money(obj.AmountReceived)
		case "payment_intent.payment_failed":
			n.Kind = NotificationPaymentFailed
			if obj.LastPaymentError != nil {
				n.Reason = obj.LastPaymentError.Message
			}
		default:
			n.Kind = NotificationHoldCancelled
			n.Reason = obj.CancellationReason
		}
	case "charge.dispute.created":
		var obj disputeObject
		if err := json.Unmarshal(event.Data.Raw, &obj); err != nil {
			return Notification{}, fmt.Errorf("payment: decode dispute: %w", err)
		}
		n.Kind = NotificationDisputeOpened
		n.ExternalRef = obj.PaymentIntent
		n.Amount = models.Money(obj.Amount)
		n.Reason = obj.Reason
	}
	return n, nil
}

func intentStatus(status stripe.PaymentIntentStatus) HoldStatus {
	switch status {
	case stripe.PaymentIntentStatusRequiresCapture:
		return StatusAuthorized
	case stripe.PaymentIntentStatusRequiresAction, stripe.PaymentIntentStatusRequiresConfirmation:
		return StatusRequiresAuthentication
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		return StatusDeclined
	case stripe.PaymentIntentStatusProcessing:
		return StatusProcessing
	case stripe.PaymentIntentStatusSucceeded:
		return StatusCaptured
	case stripe.PaymentIntentStatusCanceled:
		return StatusCancelled
	default:
		return StatusFailed
	}
}

// classify marks client-side Stripe errors as non-retryable.
func classify(err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch stripeErr.Type {
		case stripe.ErrorTypeCard, stripe.ErrorTypeInvalidRequest, stripe.ErrorTypeIdempotency:
			return fmt.Errorf("%w: %s", ErrRejected, stripeErr.Msg)
		}
	}
	return err
}

var (
	_ Gateway              = (*StripeGateway)(nil)
	_ NotificationVerifier = (*StripeGateway)(nil)
)
