package service

import (
	"context"
	"errors"
	"time"

	"booking-service/internal/gateway"
	"booking-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// PaymentService bounds every gateway call with a timeout and instruments it.
// A timed-out call is reported as a failure even if the processor later
// completes it; the idempotency key makes the eventual retry safe.
type PaymentService struct {
	gateway gateway.Gateway
	timeout time.Duration
	logger  *zap.Logger
}

// NewPaymentService creates a new payment service
func NewPaymentService(gw gateway.Gateway, timeout time.Duration) *PaymentService {
	return &PaymentService{
		gateway: gw,
		timeout: timeout,
		logger:  util.GetLogger(),
	}
}

// CaptureCharge captures the booking's authorized payment.
func (ps *PaymentService) CaptureCharge(ctx context.Context, req gateway.CaptureRequest) (string, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.CaptureCharge",
		attribute.String("booking_id", req.BookingID),
		attribute.Int64("amount_cents", req.AmountCents))
	defer span.End()

	ref, err := ps.call(ctx, "capture", func(ctx context.Context) (string, error) {
		return ps.gateway.CaptureCharge(ctx, req)
	})
	if err != nil {
		util.RecordError(span, err)
		ps.logger.Warn("Capture failed",
			zap.String("booking_id", req.BookingID),
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.Error(err))
		return "", err
	}

	ps.logger.Info("Capture succeeded",
		zap.String("booking_id", req.BookingID),
		zap.String("charge_ref", ref),
		zap.Int64("amount_cents", req.AmountCents))
	return ref, nil
}

// CreateRefund refunds part or all of a captured charge.
func (ps *PaymentService) CreateRefund(ctx context.Context, req gateway.RefundRequest) (string, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.CreateRefund",
		attribute.String("booking_id", req.BookingID),
		attribute.Int64("amount_cents", req.AmountCents))
	defer span.End()

	ref, err := ps.call(ctx, "refund", func(ctx context.Context) (string, error) {
		return ps.gateway.CreateRefund(ctx, req)
	})
	if err != nil {
		util.RecordError(span, err)
		ps.logger.Warn("Refund failed",
			zap.String("booking_id", req.BookingID),
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.Error(err))
		return "", err
	}

	ps.logger.Info("Refund succeeded",
		zap.String("booking_id", req.BookingID),
		zap.String("refund_ref", ref),
		zap.Int64("amount_cents", req.AmountCents))
	return ref, nil
}

func (ps *PaymentService) call(ctx context.Context, op string, fn func(context.Context) (string, error)) (string, error) {
	if ps.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ps.timeout)
		defer cancel()
	}

	start := time.Now()
	ref, err := fn(ctx)
	util.GatewayLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())

	if err == nil && ctx.Err() != nil {
		// The gateway returned after the deadline; treat it as a failure.
		err = ctx.Err()
	}
	switch {
	case err == nil:
		util.GatewayCallsTotal.WithLabelValues(op, "success").Inc()
	case errors.Is(err, context.DeadlineExceeded):
		util.GatewayCallsTotal.WithLabelValues(op, "timeout").Inc()
	case errors.Is(err, gateway.ErrDeclined):
		util.GatewayCallsTotal.WithLabelValues(op, "declined").Inc()
	default:
		util.GatewayCallsTotal.WithLabelValues(op, "error").Inc()
	}
	if err != nil {
		return "", err
	}
	return ref, nil
}
