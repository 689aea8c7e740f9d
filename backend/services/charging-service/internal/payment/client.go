package payment

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"evconnect/backend/services/charging-service/internal/metrics"
	"evconnect/backend/services/charging-service/internal/models"
)

const (
	defaultCallTimeout    = 10 * time.Second
	defaultCaptureRetries = 2
)

// ClientConfig tunes call timeouts and capture retries.
type ClientConfig struct {
	Timeout        time.Duration
	CaptureRetries int
	// InitialBackoff is the first retry delay; tests shorten it.
	InitialBackoff time.Duration
}

// Client wraps a Gateway with bounded timeouts, capture retries and metrics.
// Hold is never retried: a retry after an ambiguous failure risks a double authorization.
type Client struct {
	gateway Gateway
	cfg     ClientConfig
	logger  *zap.Logger
	metrics *metrics.Collector
}

// NewClient builds a gateway client.
func NewClient(gateway Gateway, cfg ClientConfig, logger *zap.Logger, m *metrics.Collector) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultCallTimeout
	}
	if cfg.CaptureRetries < 0 {
		cfg.CaptureRetries = 0
	} else if cfg.CaptureRetries == 0 {
		cfg.CaptureRetries = defaultCaptureRetries
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 200 * time.Millisecond
	}
	return &Client{gateway: gateway, cfg: cfg, logger: logger, metrics: m}
}

// Hold creates a deferred-capture authorization.
func (c *Client) Hold(ctx context.Context, req HoldRequest) (HoldResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	res, err := c.gateway.Hold(ctx, req)
	if err != nil {
		c.metrics.GatewayCall("hold", "error")
		return HoldResult{}, err
	}
	c.metrics.GatewayCall("hold", string(res.Status))
	c.logger.Info("payment hold created",
		zap.String("external_ref", res.ExternalRef),
		zap.String("status", string(res.Status)),
		zap.Stringer("amount", req.Amount),
	)
	return res, nil
}

// Capture transfers up to the held amount, retrying transient failures.
func (c *Client) Capture(ctx context.Context, externalRef string, amount models.Money, idempotencyKey string) (CaptureResult, error) {
	var res CaptureResult
	attempt := 0
	op := func() error {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()

		var err error
		res, err = c.gateway.Capture(callCtx, externalRef, amount, idempotencyKey)
		if err == nil {
			return nil
		}
		if isPermanent(err) {
			return backoff.Permanent(err)
		}
		c.logger.Warn("payment capture attempt failed",
			zap.String("external_ref", externalRef),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.InitialBackoff
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.cfg.CaptureRetries)), ctx))
	if err != nil {
		c.metrics.GatewayCall("capture", "error")
		return CaptureResult{}, err
	}
	c.metrics.GatewayCall("capture", string(res.Status))
	return res, nil
}

// Cancel releases an uncaptured hold.
func (c *Client) Cancel(ctx context.Context, externalRef string, idempotencyKey string) (HoldStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	status, err := c.gateway.Cancel(ctx, externalRef, idempotencyKey)
	if err != nil {
		c.metrics.GatewayCall("cancel", "error")
		return "", err
	}
	c.metrics.GatewayCall("cancel", string(status))
	return status, nil
}

// Refund reverses a captured amount, fully when amount is nil.
func (c *Client) Refund(ctx context.Context, externalRef string, amount *models.Money, idempotencyKey string) (RefundResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	res, err := c.gateway.Refund(ctx, externalRef, amount, idempotencyKey)
	if err != nil {
		c.metrics.GatewayCall("refund", "error")
		return RefundResult{}, err
	}
	c.metrics.GatewayCall("refund", res.Status)
	return res, nil
}

func isPermanent(err error) bool {
	return errors.Is(err, ErrRejected) || errors.Is(err, ErrAmountExceedsHold) || errors.Is(err, context.Canceled)
}
