package service

import (
	"context"
	"fmt"

	"booking-service/internal/models"
	"booking-service/internal/util"

	"go.uber.org/zap"
)

// ReconciliationSource finds bookings carrying a reconciliation marker.
type ReconciliationSource interface {
	ListBookingsByReconciliation(ctx context.Context, marker models.Reconciliation, limit int) ([]models.Booking, error)
}

// Reconciler finishes money movements the gateway did not confirm in time.
type Reconciler struct {
	source  ReconciliationSource
	machine *BookingMachine
	actor   models.Actor
	logger  *zap.Logger
}

// NewReconciler creates a new reconciler
func NewReconciler(source ReconciliationSource, machine *BookingMachine) *Reconciler {
	return &Reconciler{
		source:  source,
		machine: machine,
		actor:   models.SystemActor("reconciler"),
		logger:  util.GetLogger(),
	}
}

// SettlePendingRefunds retries up to limit pending refunds. Failures are
// logged and left marked for the next run.
func (r *Reconciler) SettlePendingRefunds(ctx context.Context, limit int) (int, error) {
	ctx, span := util.StartSpan(ctx, "Reconciler.SettlePendingRefunds")
	defer span.End()

	pending, err := r.source.ListBookingsByReconciliation(ctx, models.ReconciliationRefundPending, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending refunds: %w", err)
	}

	settled := 0
	for _, b := range pending {
		if _, err := r.machine.SettleRefund(ctx, b.ID, r.actor); err != nil {
			r.logger.Warn("Refund still pending",
				zap.String("booking_id", b.ID),
				zap.Error(err))
			continue
		}
		settled++
	}

	if len(pending) > 0 {
		r.logger.Info("Refund reconciliation finished",
			zap.Int("pending", len(pending)),
			zap.Int("settled", settled))
	}
	return settled, nil
}

// ReportCaptureIssues logs bookings whose capture outcome needs an operator.
func (r *Reconciler) ReportCaptureIssues(ctx context.Context, limit int) (int, error) {
	total := 0
	for _, marker := range []models.Reconciliation{
		models.ReconciliationCapturePending,
		models.ReconciliationCaptureUnrecorded,
	} {
		bookings, err := r.source.ListBookingsByReconciliation(ctx, marker, limit)
		if err != nil {
			return total, fmt.Errorf("failed to list %s bookings: %w", marker, err)
		}
		for _, b := range bookings {
			r.logger.Warn("Booking needs capture reconciliation",
				zap.String("booking_id", b.ID),
				zap.String("marker", string(marker)),
				zap.String("status", string(b.Status)))
		}
		total += len(bookings)
	}
	return total, nil
}
