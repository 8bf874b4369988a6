package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockGateway_CaptureIsIdempotent(t *testing.T) {
	g := NewMockGateway(0)
	req := CaptureRequest{BookingID: "b1", Reference: "pi_1", AmountCents: 11000, IdempotencyKey: "b1:capture:1"}

	first, err := g.CaptureCharge(context.Background(), req)
	require.NoError(t, err)
	second, err := g.CaptureCharge(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first, second)

	req.IdempotencyKey = "b1:capture:2"
	third, err := g.CaptureCharge(context.Background(), req)
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
}

func TestMockGateway_RefundNeverExceedsCapture(t *testing.T) {
	g := NewMockGateway(0)
	charge, err := g.CaptureCharge(context.Background(), CaptureRequest{BookingID: "b1", AmountCents: 1000, IdempotencyKey: "c"})
	require.NoError(t, err)

	_, err = g.CreateRefund(context.Background(), RefundRequest{BookingID: "b1", ChargeRef: charge, AmountCents: 750, IdempotencyKey: "r1"})
	require.NoError(t, err)
	_, err = g.CreateRefund(context.Background(), RefundRequest{BookingID: "b1", ChargeRef: charge, AmountCents: 750, IdempotencyKey: "r1"})
	require.NoError(t, err, "replayed key must not refund twice")
	assert.Equal(t, int64(750), g.Refunded(charge))

	_, err = g.CreateRefund(context.Background(), RefundRequest{BookingID: "b1", ChargeRef: charge, AmountCents: 500, IdempotencyKey: "r2"})
	assert.ErrorIs(t, err, ErrDeclined)
}

func TestMockGateway_FailuresAndTimeouts(t *testing.T) {
	g := NewMockGateway(0)
	boom := errors.New("connection reset")
	g.FailOn("b1", boom)

	_, err := g.CreateRefund(context.Background(), RefundRequest{BookingID: "b1", ChargeRef: "ch_1", AmountCents: 1, IdempotencyKey: "k"})
	assert.ErrorIs(t, err, boom)

	g.FailOn("b1", nil)
	_, err = g.CreateRefund(context.Background(), RefundRequest{BookingID: "b1", ChargeRef: "ch_1", AmountCents: 1, IdempotencyKey: "k"})
	assert.NoError(t, err)

	slow := NewMockGateway(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = slow.CaptureCharge(ctx, CaptureRequest{BookingID: "b2", IdempotencyKey: "k"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
