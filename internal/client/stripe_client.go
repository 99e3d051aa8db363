package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v76"
	stripeclient "github.com/stripe/stripe-go/v76/client"
	"golang.org/x/time/rate"

	"github.com/bazaar/api/internal/config"
)

var (
	// ErrNotConfigured is returned when no Stripe secret key is set.
	ErrNotConfigured = errors.New("stripe client not configured")
	// ErrPaymentRejected wraps processor rejections that a retry cannot fix.
	ErrPaymentRejected = errors.New("payment rejected")
)

// StripeClient moves money through Stripe
type StripeClient struct {
	api      *stripeclient.API
	currency string
	limiter  *rate.Limiter
}

// NewStripeClient creates a new Stripe client. limiter paces outgoing API
// calls; nil means unlimited.
func NewStripeClient(cfg *config.StripeConfig, limiter *rate.Limiter) *StripeClient {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}
	c := &StripeClient{currency: cfg.Currency, limiter: limiter}
	if cfg.SecretKey != "" {
		c.api = stripeclient.New(cfg.SecretKey, nil)
	}
	return c
}

// IsConfigured returns true if a secret key is set
func (c *StripeClient) IsConfigured() bool {
	return c.api != nil
}

// CreateRefund refunds amount minor units of chargeID back to the buyer and
// returns the refund reference. Replays with the same idempotency key return
// the original refund.
func (c *StripeClient) CreateRefund(ctx context.Context, chargeID string, amount int64, idempotencyKey string) (string, error) {
	if !c.IsConfigured() {
		return "", ErrNotConfigured
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit canceled: %w", err)
	}

	params := &stripe.RefundParams{
		Charge: stripe.String(chargeID),
		Amount: stripe.Int64(amount),
		Reason: stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)

	refund, err := c.api.Refunds.New(params)
	if err != nil {
		return "", classify("refund", err)
	}
	return refund.ID, nil
}

// CreateTransfer pays amount minor units out to the artist's connected account,
// funded by the buyer's charge.
func (c *StripeClient) CreateTransfer(ctx context.Context, destination string, amount int64, sourceCharge string, idempotencyKey string) (string, error) {
	if !c.IsConfigured() {
		return "", ErrNotConfigured
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit canceled: %w", err)
	}

	params := &stripe.TransferParams{
		Amount:            stripe.Int64(amount),
		Currency:          stripe.String(c.currency),
		Destination:       stripe.String(destination),
		SourceTransaction: stripe.String(sourceCharge),
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)

	transfer, err := c.api.Transfers.New(params)
	if err != nil {
		return "", classify("transfer", err)
	}
	return transfer.ID, nil
}

// classify separates permanent processor rejections from transient failures
func classify(op string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch stripeErr.Type {
		case stripe.ErrorTypeCard, stripe.ErrorTypeInvalidRequest, stripe.ErrorTypeIdempotency:
			return fmt.Errorf("%w: %s failed: %s (%s)", ErrPaymentRejected, op, stripeErr.Msg, stripeErr.Code)
		}
	}
	return fmt.Errorf("failed to create %s: %w", op, err)
}
