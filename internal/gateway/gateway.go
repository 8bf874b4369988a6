// Package gateway talks to the payment processor. Every call carries an
// idempotency key so a retried capture or refund never moves money twice.
package gateway

import (
	"context"
	"errors"
)

var (
	ErrDeclined        = errors.New("payment declined")
	ErrMissingChargeID = errors.New("charge reference is required")
)

// CaptureRequest captures an authorized charge.
type CaptureRequest struct {
	BookingID      string
	Reference      string
	AmountCents    int64
	IdempotencyKey string
}

// RefundRequest returns money for a captured charge.
type RefundRequest struct {
	BookingID      string
	ChargeRef      string
	AmountCents    int64
	Reason         string
	IdempotencyKey string
}

// Gateway is the payment processor capability.
type Gateway interface {
	CaptureCharge(ctx context.Context, req CaptureRequest) (string, error)
	CreateRefund(ctx context.Context, req RefundRequest) (string, error)
}
