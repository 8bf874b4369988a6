package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
)

// StripeGateway captures PaymentIntents authorized at booking time and
// refunds them.
type StripeGateway struct {
	api *client.API
}

// NewStripeGateway creates a gateway bound to one secret key.
func NewStripeGateway(secretKey string) *StripeGateway {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeGateway{api: api}
}

// CaptureCharge captures the PaymentIntent named by req.Reference and returns
// the resulting charge id.
func (g *StripeGateway) CaptureCharge(ctx context.Context, req CaptureRequest) (string, error) {
	if req.Reference == "" {
		return "", ErrMissingChargeID
	}

	params := &stripe.PaymentIntentCaptureParams{
		AmountToCapture: stripe.Int64(req.AmountCents),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata("booking_id", req.BookingID)

	pi, err := g.api.PaymentIntents.Capture(req.Reference, params)
	if err != nil {
		return "", wrapStripeError("capture", err)
	}
	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		return "", fmt.Errorf("capture: payment intent %s is %s: %w", pi.ID, pi.Status, ErrDeclined)
	}
	if pi.LatestCharge != nil && pi.LatestCharge.ID != "" {
		return pi.LatestCharge.ID, nil
	}
	return pi.ID, nil
}

// CreateRefund refunds part or all of a captured charge.
func (g *StripeGateway) CreateRefund(ctx context.Context, req RefundRequest) (string, error) {
	if req.ChargeRef == "" {
		return "", ErrMissingChargeID
	}

	params := &stripe.RefundParams{
		Amount: stripe.Int64(req.AmountCents),
		Reason: stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	if strings.HasPrefix(req.ChargeRef, "pi_") {
		params.PaymentIntent = stripe.String(req.ChargeRef)
	} else {
		params.Charge = stripe.String(req.ChargeRef)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata("booking_id", req.BookingID)
	if req.Reason != "" {
		params.AddMetadata("reason", req.Reason)
	}

	r, err := g.api.Refunds.New(params)
	if err != nil {
		return "", wrapStripeError("refund", err)
	}
	if r.Status == stripe.RefundStatusFailed || r.Status == stripe.RefundStatusCanceled {
		return "", fmt.Errorf("refund %s is %s: %w", r.ID, r.Status, ErrDeclined)
	}
	return r.ID, nil
}

func wrapStripeError(op string, err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		if se.Type == stripe.ErrorTypeCard {
			return fmt.Errorf("%s: %s: %w", op, se.Code, ErrDeclined)
		}
		return fmt.Errorf("%s: stripe %s (status %d): %w", op, se.Type, se.HTTPStatusCode, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
