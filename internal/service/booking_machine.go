package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"booking-service/internal/cancellation"
	"booking-service/internal/errs"
	"booking-service/internal/fees"
	"booking-service/internal/gateway"
	"booking-service/internal/lifecycle"
	"booking-service/internal/models"
	"booking-service/internal/store"
	"booking-service/internal/util"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	MinRejectReasonLength = 10
	MaxRejectReasonLength = 500

	defaultNotifyTimeout = 3 * time.Second
)

// Operation names, used in idempotency keys, metrics and logs.
const (
	opAccept         = "accept"
	opReject         = "reject"
	opCancel         = "cancel"
	opRequestPayment = "request_payment"
	opCapture        = "capture"
	opStart          = "start"
	opComplete       = "complete"
	opNoShow         = "no_show"
	opRefund         = "refund"
	opTransition     = "transition"
	opReconcile      = "reconcile"
)

// settlementActor is recorded on transitions the service takes on its own.
var settlementActor = models.SystemActor("refund-settlement")

// BookingStore is the persistence the state machine needs.
type BookingStore interface {
	GetBookingByID(ctx context.Context, id string) (*models.Booking, error)
	ApplyTransition(ctx context.Context, expectedStatus models.BookingStatus, expectedVersion int64, next *models.Booking, entry *models.AuditEntry) error
}

// PaymentGateway moves money. Implementations must honour idempotency keys.
type PaymentGateway interface {
	CaptureCharge(ctx context.Context, req gateway.CaptureRequest) (string, error)
	CreateRefund(ctx context.Context, req gateway.RefundRequest) (string, error)
}

// Notifier queues a booking notification for asynchronous delivery.
type Notifier interface {
	PublishBookingEvent(ctx context.Context, event *models.BookingEvent) error
}

// NotificationOutbox keeps notifications the Notifier could not take.
type NotificationOutbox interface {
	EnqueueNotification(ctx context.Context, n *models.OutboxNotification) error
}

// BookingMachine validates and executes booking transitions. Every write is a
// conditional update on the status and version that were read, so of two
// concurrent callers only one can win; the other gets InvalidStateTransition.
type BookingMachine struct {
	store         BookingStore
	payments      PaymentGateway
	notifier      Notifier
	outbox        NotificationOutbox
	clock         util.Clock
	notifyTimeout time.Duration
	logger        *zap.Logger
}

// NewBookingMachine creates a new booking state machine
func NewBookingMachine(
	store BookingStore,
	payments PaymentGateway,
	notifier Notifier,
	outbox NotificationOutbox,
	clock util.Clock,
) *BookingMachine {
	return &BookingMachine{
		store:         store,
		payments:      payments,
		notifier:      notifier,
		outbox:        outbox,
		clock:         clock,
		notifyTimeout: defaultNotifyTimeout,
		logger:        util.GetLogger(),
	}
}

// IdempotencyKey derives the gateway key for one money movement of a booking.
func IdempotencyKey(bookingID, transition string, attempt int) string {
	return fmt.Sprintf("%s:%s:%d", bookingID, transition, attempt)
}

// GetBooking loads a booking.
func (m *BookingMachine) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	ctx, span := util.StartSpan(ctx, "BookingMachine.GetBooking", attribute.String("booking_id", id))
	defer span.End()

	return m.load(ctx, id)
}

// AcceptBooking moves PENDING_PROVIDER to ACCEPTED. Only the booking's provider may accept.
func (m *BookingMachine) AcceptBooking(ctx context.Context, id string, actor models.Actor, notes string) (*models.Booking, error) {
	ctx, span := util.StartSpan(ctx, "BookingMachine.AcceptBooking", attribute.String("booking_id", id))
	defer span.End()

	b, party, err := m.prepare(ctx, id, actor, models.StatusAccepted, models.PartyProvider)
	if err != nil {
		return nil, m.fail(span, opAccept, err)
	}

	next := b.Clone()
	next.Status = models.StatusAccepted
	res, err := m.commit(ctx, b, next, actor, party, models.AcceptanceDetails{Notes: strings.TrimSpace(notes)})
	if err != nil {
		return nil, m.fail(span, opAccept, err)
	}
	return res, nil
}

// RejectBooking moves PENDING_PROVIDER to REJECTED. If money was already
// captured it is refunded in full and the booking settles to REFUNDED.
func (m *BookingMachine) RejectBooking(ctx context.Context, id string, actor models.Actor, reason string) (*models.Booking, error) {
	ctx, span := util.StartSpan(ctx, "BookingMachine.RejectBooking", attribute.String("booking_id", id))
	defer span.End()

	b, party, err := m.prepare(ctx, id, actor, models.StatusRejected, models.PartyProvider)
	if err != nil {
		return nil, m.fail(span, opReject, err)
	}
	res, err := m.reject(ctx, b, actor, party, reason)
	if err != nil {
		return nil, m.fail(span, opReject, err)
	}
	return res, nil
}

func (m *BookingMachine) reject(ctx context.Context, b *models.Booking, actor models.Actor, party models.Party, reason string) (*models.Booking, error) {
	reason = strings.TrimSpace(reason)
	if n := utf8.RuneCountInString(reason); n < MinRejectReasonLength || n > MaxRejectReasonLength {
		return nil, errs.Validation(fmt.Sprintf("rejection reason must be between %d and %d characters", MinRejectReasonLength, MaxRejectReasonLength))
	}

	next := b.Clone()
	next.Status = models.StatusRejected
	next.CancellationReason = &reason
	next.CancelledBy = &party
	if b.HasCapturedCharge() {
		m.markFullRefund(next)
	}

	res, err := m.commit(ctx, b, next, actor, party, models.RejectionDetails{Reason: reason})
	if err != nil {
		return nil, err
	}
	if res.Reconciliation == models.ReconciliationRefundPending {
		return m.settleRefund(ctx, res)
	}
	return res, nil
}

// CancelBooking moves any cancellable booking to CANCELLED. The refund comes
// from the cancellation policy unless a system caller supplies
// refundAmountCents; customers and providers cannot set their own amount.
// Provider cancellations always refund in full.
// When money was captured and the refund is non-zero the booking then settles
// to REFUNDED.
func (m *BookingMachine) CancelBooking(ctx context.Context, id string, actor models.Actor, reason string, refundAmountCents *int64) (*models.Booking, error) {
	ctx, span := util.StartSpan(ctx, "BookingMachine.CancelBooking", attribute.String("booking_id", id))
	defer span.End()

	b, party, err := m.prepare(ctx, id, actor, models.StatusCancelled,
		models.PartyCustomer, models.PartyProvider, models.PartySystem)
	if err != nil {
		return nil, m.fail(span, opCancel, err)
	}
	res, err := m.cancel(ctx, b, actor, party, reason, refundAmountCents)
	if err != nil {
		return nil, m.fail(span, opCancel, err)
	}
	return res, nil
}

func (m *BookingMachine) cancel(ctx context.Context, b *models.Booking, actor models.Actor, party models.Party, reason string, refundAmountCents *int64) (*models.Booking, error) {
	decision, supplied, err := m.refundDecision(b, actor, party, refundAmountCents)
	if err != nil {
		return nil, err
	}

	reason = strings.TrimSpace(reason)
	next := b.Clone()
	next.Status = models.StatusCancelled
	next.CancelledBy = &party
	if reason != "" {
		next.CancellationReason = &reason
	}

	details := models.CancellationDetails{
		Reason:            reason,
		InitiatedBy:       party,
		HoursUntilService: decision.HoursUntilService,
		RefundPercentage:  decision.Percentage,
		CallerSupplied:    supplied,
	}
	if b.HasCapturedCharge() {
		pct, amount := decision.Percentage, decision.AmountCents
		next.RefundPercentage = &pct
		next.RefundAmount = &amount
		details.RefundAmount = amount
		if amount > 0 {
			next.Reconciliation = models.ReconciliationRefundPending
		}
	}

	res, err := m.commit(ctx, b, next, actor, party, details)
	if err != nil {
		return nil, err
	}
	if res.Reconciliation == models.ReconciliationRefundPending {
		return m.settleRefund(ctx, res)
	}
	return res, nil
}

func (m *BookingMachine) refundDecision(b *models.Booking, actor models.Actor, party models.Party, supplied *int64) (cancellation.Decision, bool, error) {
	initiator := cancellation.Initiator(party)
	scheduledAt, err := b.ScheduledAt()
	if err != nil {
		return cancellation.Decision{}, false, errs.Validation("booking has an invalid schedule").WithCause(err)
	}
	now := m.clock.Now()

	if supplied != nil {
		if party != models.PartySystem {
			return cancellation.Decision{}, false, errs.Unauthorized(b.ID, actor.ID, "only the platform may set a refund amount")
		}
		pct, err := cancellation.PercentageOf(*supplied, b.TotalAmount)
		if err != nil {
			return cancellation.Decision{}, false, err
		}
		return cancellation.Decision{
			Percentage:        pct,
			AmountCents:       *supplied,
			HoursUntilService: cancellation.HoursUntilService(scheduledAt, now),
			InitiatedBy:       initiator,
		}, true, nil
	}

	d, err := cancellation.Decide(b.TotalAmount, scheduledAt, now, initiator)
	if err != nil {
		return cancellation.Decision{}, false, err
	}
	return d, false, nil
}

func (m *BookingMachine) markFullRefund(b *models.Booking) {
	pct, amount := 100, b.TotalAmount
	b.RefundPercentage = &pct
	b.RefundAmount = &amount
	b.Reconciliation = models.ReconciliationRefundPending
}

// RequestPayment moves INITIATED, ACCEPTED or PAYMENT_FAILED to
// PAYMENT_PENDING and fixes the fee breakdown for the charge. A retry after a
// failed payment starts a new payment attempt.
func (m *BookingMachine) RequestPayment(ctx context.Context, id string, actor models.Actor) (*models.Booking, error) {
	ctx, span := util.StartSpan(ctx, "BookingMachine.RequestPayment", attribute.String("booking_id", id))
	defer span.End()

	b, party, err := m.prepare(ctx, id, actor, models.StatusPaymentPending, models.PartyCustomer, models.PartySystem)
	if err != nil {
		return nil, m.fail(span, opRequestPayment, err)
	}
	res, err := m.requestPayment(ctx, b, actor, party)
	if err != nil {
		return nil, m.fail(span, opRequestPayment, err)
	}
	return res, nil
}

func (m *BookingMachine) requestPayment(ctx context.Context, b *models.Booking, actor models.Actor, party models.Party) (*models.Booking, error) {
	breakdown, err := fees.Calculate(b.BasePrice, b.IsGuest())
	if err != nil {
		return nil, err
	}

	next := b.Clone()
	next.Status = models.StatusPaymentPending
	next.GuestSurcharge = breakdown.GuestSurcharge
	next.PlatformFee = breakdown.PlatformFee
	next.ProviderPayout = breakdown.ProviderPayout
	next.TotalAmount = breakdown.CustomerTotal
	switch {
	case b.Status == models.StatusPaymentFailed:
		next.PaymentAttempt = b.PaymentAttempt + 1
	case next.PaymentAttempt == 0:
		next.PaymentAttempt = 1
	}

	return m.commit(ctx, b, next, actor, party, models.PaymentDetails{
		Attempt:     next.PaymentAttempt,
		AmountCents: next.TotalAmount,
	})
}

// CapturePayment captures the booking total and moves PAYMENT_PENDING to
// PAYMENT_SUCCEEDED. A gateway failure or timeout moves the booking to
// PAYMENT_FAILED with a capture-pending marker and returns GatewayFailure.
func (m *BookingMachine) CapturePayment(ctx context.Context, id string, actor models.Actor) (*models.Booking, error) {
	ctx, span := util.StartSpan(ctx, "BookingMachine.CapturePayment", attribute.String("booking_id", id))
	defer span.End()

	b, party, err := m.prepare(ctx, id, actor, models.StatusPaymentSucceeded, models.PartyCustomer, models.PartySystem)
	if err != nil {
		return nil, m.fail(span, opCapture, err)
	}
	res, err := m.capture(ctx, b, actor, party)
	if err != nil {
		return nil, m.fail(span, opCapture, err)
	}
	return res, nil
}

func (m *BookingMachine) capture(ctx context.Context, b *models.Booking, actor models.Actor, party models.Party) (*models.Booking, error) {
	if err := checkMoney(b); err != nil {
		return nil, err
	}

	reference := b.ID
	if b.ChargeRef != nil && *b.ChargeRef != "" {
		reference = *b.ChargeRef
	}
	key := IdempotencyKey(b.ID, opCapture, b.PaymentAttempt)

	chargeRef, gwErr := m.payments.CaptureCharge(ctx, gateway.CaptureRequest{
		BookingID:      b.ID,
		Reference:      reference,
		AmountCents:    b.TotalAmount,
		IdempotencyKey: key,
	})
	if gwErr != nil {
		next := b.Clone()
		next.Status = models.StatusPaymentFailed
		next.Reconciliation = models.ReconciliationCapturePending
		msg := gwErr.Error()
		next.LastGatewayError = &msg
		util.ReconciliationMarkersTotal.WithLabelValues(string(models.ReconciliationCapturePending)).Inc()

		if _, err := m.commit(ctx, b, next, actor, party, models.PaymentDetails{
			Attempt:        b.PaymentAttempt,
			AmountCents:    b.TotalAmount,
			IdempotencyKey: key,
			Failure:        "capture was not confirmed by the payment provider",
		}); err != nil {
			m.logger.Error("Failed to record capture failure",
				zap.String("booking_id", b.ID),
				zap.Error(err))
		}
		return nil, errs.GatewayFailure(b.ID, string(b.Status), b.TotalAmount, gwErr)
	}

	next := b.Clone()
	next.Status = models.StatusPaymentSucceeded
	next.ChargeRef = &chargeRef
	next.LastGatewayError = nil
	if next.Reconciliation == models.ReconciliationCapturePending {
		next.Reconciliation = models.ReconciliationNone
	}

	res, err := m.commit(ctx, b, next, actor, party, models.PaymentDetails{
		Attempt:        b.PaymentAttempt,
		AmountCents:    b.TotalAmount,
		ChargeRef:      chargeRef,
		IdempotencyKey: key,
	})
	if err != nil {
		if errs.Is(err, errs.ErrInvalidStateTransition) {
			m.flagUnrecordedCapture(ctx, b.ID, chargeRef)
		}
		return nil, err
	}
	return res, nil
}

// flagUnrecordedCapture marks a booking whose capture succeeded after it had
// already moved on. A concurrent capture that recorded the same charge needs no marker.
func (m *BookingMachine) flagUnrecordedCapture(ctx context.Context, id, chargeRef string) {
	fresh, err := m.load(ctx, id)
	if err != nil {
		m.logger.Error("Capture succeeded but booking could not be reloaded",
			zap.String("booking_id", id),
			zap.String("charge_ref", chargeRef),
			zap.Error(err))
		return
	}
	if fresh.ChargeRef != nil && *fresh.ChargeRef == chargeRef {
		return
	}
	util.ReconciliationMarkersTotal.WithLabelValues(string(models.ReconciliationCaptureUnrecorded)).Inc()
	m.recordMarker(ctx, fresh, models.ReconciliationCaptureUnrecorded,
		fmt.Sprintf("capture %s succeeded after the booking moved to %s", chargeRef, fresh.Status))
}

// StartService moves PAYMENT_SUCCEEDED to IN_PROGRESS.
func (m *BookingMachine) StartService(ctx context.Context, id string, actor models.Actor) (*models.Booking, error) {
	ctx, span := util.StartSpan(ctx, "BookingMachine.StartService", attribute.String("booking_id", id))
	defer span.End()

	b, party, err := m.prepare(ctx, id, actor, models.StatusInProgress, models.PartyProvider)
	if err != nil {
		return nil, m.fail(span, opStart, err)
	}

	next := b.Clone()
	next.Status = models.StatusInProgress
	res, err := m.commit(ctx, b, next, actor, party, models.StartDetails{})
	if err != nil {
		return nil, m.fail(span, opStart, err)
	}
	return res, nil
}

// CompleteBooking finishes a paid booking. The captured payment is released
// to the provider; no money moves here.
func (m *BookingMachine) CompleteBooking(ctx context.Context, id string, actor models.Actor, notes string) (*models.Booking, error) {
	ctx, span := util.StartSpan(ctx, "BookingMachine.CompleteBooking", attribute.String("booking_id", id))
	defer span.End()

	res, err := m.complete(ctx, id, actor, notes, false)
	if err != nil {
		return nil, m.fail(span, opComplete, err)
	}
	return res, nil
}

// MarkNoShow completes a booking whose customer did not turn up.
func (m *BookingMachine) MarkNoShow(ctx context.Context, id string, actor models.Actor, notes string) (*models.Booking, error) {
	ctx, span := util.StartSpan(ctx, "BookingMachine.MarkNoShow", attribute.String("booking_id", id))
	defer span.End()

	res, err := m.complete(ctx, id, actor, notes, true)
	if err != nil {
		return nil, m.fail(span, opNoShow, err)
	}
	return res, nil
}

func (m *BookingMachine) complete(ctx context.Context, id string, actor models.Actor, notes string, noShow bool) (*models.Booking, error) {
	allowed := []models.Party{models.PartyProvider, models.PartySystem}
	if noShow {
		allowed = []models.Party{models.PartyProvider}
	}
	b, party, err := m.prepare(ctx, id, actor, models.StatusCompleted, allowed...)
	if err != nil {
		return nil, err
	}

	next := b.Clone()
	next.Status = models.StatusCompleted
	next.NoShow = noShow
	return m.commit(ctx, b, next, actor, party, models.CompletionDetails{
		Notes:  strings.TrimSpace(notes),
		NoShow: noShow,
	})
}

// SettleRefund retries a refund that a cancellation or rejection committed
// but the gateway did not confirm. The idempotency key is the one the first
// attempt used, so a refund that did go through is not repeated.
func (m *BookingMachine) SettleRefund(ctx context.Context, id string, actor models.Actor) (*models.Booking, error) {
	ctx, span := util.StartSpan(ctx, "BookingMachine.SettleRefund", attribute.String("booking_id", id))
	defer span.End()

	b, err := m.load(ctx, id)
	if err != nil {
		return nil, m.fail(span, opRefund, err)
	}
	if _, err := authorize(b, actor, models.PartySystem); err != nil {
		return nil, m.fail(span, opRefund, err)
	}
	if b.Reconciliation != models.ReconciliationRefundPending || !lifecycle.CanSettle(b.Status, models.StatusRefunded) {
		return nil, m.fail(span, opRefund, errs.InvalidTransition(b.ID, actor.ID, string(b.Status), string(models.StatusRefunded)))
	}
	res, err := m.settleRefund(ctx, b)
	if err != nil {
		return nil, m.fail(span, opRefund, err)
	}
	return res, nil
}

func (m *BookingMachine) settleRefund(ctx context.Context, b *models.Booking) (*models.Booking, error) {
	if b.ChargeRef == nil || *b.ChargeRef == "" || b.RefundAmount == nil {
		return nil, errs.InvalidAmount(0, "refund pending without a captured charge").
			WithCause(fmt.Errorf("booking %s has no charge or refund amount", b.ID))
	}

	amount := *b.RefundAmount
	key := IdempotencyKey(b.ID, opRefund, b.PaymentAttempt)
	reason := ""
	if b.CancellationReason != nil {
		reason = *b.CancellationReason
	}

	refundRef, gwErr := m.payments.CreateRefund(ctx, gateway.RefundRequest{
		BookingID:      b.ID,
		ChargeRef:      *b.ChargeRef,
		AmountCents:    amount,
		Reason:         reason,
		IdempotencyKey: key,
	})
	if gwErr != nil {
		util.ReconciliationMarkersTotal.WithLabelValues(string(models.ReconciliationRefundPending)).Inc()
		m.recordMarker(ctx, b, models.ReconciliationRefundPending, gwErr.Error())
		return nil, errs.GatewayFailure(b.ID, string(b.Status), amount, gwErr)
	}

	res, err := m.recordRefund(ctx, b, settlementActor, models.PartySystem, models.RefundDetails{
		AmountCents:    amount,
		RefundRef:      refundRef,
		IdempotencyKey: key,
	})
	if err != nil {
		// The marker is still set, so a retry replays the same key and records it.
		m.logger.Error("Refund succeeded but was not recorded",
			zap.String("booking_id", b.ID),
			zap.String("refund_ref", refundRef),
			zap.Error(err))
		return nil, err
	}
	return res, nil
}

func (m *BookingMachine) recordRefund(ctx context.Context, b *models.Booking, actor models.Actor, party models.Party, details models.RefundDetails) (*models.Booking, error) {
	if b.Reconciliation != models.ReconciliationRefundPending || !lifecycle.CanSettle(b.Status, models.StatusRefunded) {
		return nil, errs.InvalidTransition(b.ID, actor.ID, string(b.Status), string(models.StatusRefunded))
	}
	if details.RefundRef == "" {
		return nil, errs.Validation("refund reference is required")
	}

	next := b.Clone()
	next.Status = models.StatusRefunded
	next.RefundRef = &details.RefundRef
	next.Reconciliation = models.ReconciliationNone
	next.LastGatewayError = nil

	res, err := m.commit(ctx, b, next, actor, party, details)
	if err != nil {
		return nil, err
	}

	initiator := "unknown"
	if b.CancelledBy != nil {
		initiator = string(*b.CancelledBy)
	}
	util.RefundsTotal.WithLabelValues(initiator).Inc()
	if b.RefundAmount != nil {
		util.RefundedCentsTotal.Add(float64(*b.RefundAmount))
	}
	return res, nil
}

// Transition is the generic, table-checked entry point for internal callers.
// Targets that carry money movement are routed through their dedicated
// operation so no path skips a refund or a capture.
func (m *BookingMachine) Transition(ctx context.Context, id string, target models.BookingStatus, actor models.Actor, details models.TransitionDetails) (*models.Booking, error) {
	ctx, span := util.StartSpan(ctx, "BookingMachine.Transition",
		attribute.String("booking_id", id),
		attribute.String("target", string(target)))
	defer span.End()

	res, err := m.transition(ctx, id, target, actor, details)
	if err != nil {
		return nil, m.fail(span, opTransition, err)
	}
	return res, nil
}

func (m *BookingMachine) transition(ctx context.Context, id string, target models.BookingStatus, actor models.Actor, details models.TransitionDetails) (*models.Booking, error) {
	if !lifecycle.IsValid(target) {
		return nil, errs.Validation(fmt.Sprintf("unknown target status %q", target))
	}

	b, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	party, err := authorize(b, actor, models.PartySystem)
	if err != nil {
		return nil, err
	}

	if target == models.StatusRefunded {
		rd, ok := details.(models.RefundDetails)
		if !ok {
			return nil, errs.Validation("a refund transition needs refund details")
		}
		if b.RefundAmount != nil {
			if rd.AmountCents != 0 && rd.AmountCents != *b.RefundAmount {
				return nil, errs.InvalidAmount(rd.AmountCents, fmt.Sprintf("refund amount must equal the decided %d cents", *b.RefundAmount))
			}
			rd.AmountCents = *b.RefundAmount
		}
		return m.recordRefund(ctx, b, actor, party, rd)
	}

	if !lifecycle.CanTransition(b.Status, target) {
		return nil, invalidTransition(b, actor, target)
	}

	switch target {
	case models.StatusCancelled:
		var supplied *int64
		if cd, ok := details.(models.CancellationDetails); ok && cd.CallerSupplied {
			amount := cd.RefundAmount
			supplied = &amount
		}
		return m.cancel(ctx, b, actor, party, models.Reason(details), supplied)
	case models.StatusRejected:
		return m.reject(ctx, b, actor, party, models.Reason(details))
	case models.StatusPaymentPending:
		return m.requestPayment(ctx, b, actor, party)
	case models.StatusPaymentSucceeded:
		return m.capture(ctx, b, actor, party)
	}

	if details == nil {
		details = defaultDetails(target, b)
	}
	next := b.Clone()
	next.Status = target
	if target == models.StatusCompleted {
		if cd, ok := details.(models.CompletionDetails); ok {
			next.NoShow = cd.NoShow
		}
	}
	return m.commit(ctx, b, next, actor, party, details)
}

func defaultDetails(target models.BookingStatus, b *models.Booking) models.TransitionDetails {
	switch target {
	case models.StatusAccepted:
		return models.AcceptanceDetails{}
	case models.StatusInProgress:
		return models.StartDetails{}
	case models.StatusCompleted:
		return models.CompletionDetails{}
	case models.StatusPaymentFailed:
		return models.PaymentDetails{Attempt: b.PaymentAttempt, AmountCents: b.TotalAmount}
	}
	return models.ReconciliationDetails{Marker: b.Reconciliation}
}

// prepare loads the booking, checks the caller may act on it and that the
// edge to target exists. Authorization is checked before the state.
func (m *BookingMachine) prepare(ctx context.Context, id string, actor models.Actor, target models.BookingStatus, allowed ...models.Party) (*models.Booking, models.Party, error) {
	b, err := m.load(ctx, id)
	if err != nil {
		return nil, "", err
	}
	party, err := authorize(b, actor, allowed...)
	if err != nil {
		return nil, "", err
	}
	if !lifecycle.CanTransition(b.Status, target) {
		return nil, "", invalidTransition(b, actor, target)
	}
	return b, party, nil
}

// invalidTransition reports a refused move together with the moves the
// booking still allows, or that it is final.
func invalidTransition(b *models.Booking, actor models.Actor, target models.BookingStatus) *errs.Error {
	e := errs.InvalidTransition(b.ID, actor.ID, string(b.Status), string(target))
	if lifecycle.IsTerminal(b.Status) {
		e.Message = fmt.Sprintf("booking is %s, which is final", b.Status)
		return e
	}
	for _, s := range lifecycle.Next(b.Status) {
		e.AllowedStates = append(e.AllowedStates, string(s))
	}
	return e
}

func (m *BookingMachine) load(ctx context.Context, id string) (*models.Booking, error) {
	b, err := m.store.GetBookingByID(ctx, id)
	if errors.Is(err, store.ErrBookingNotFound) {
		return nil, errs.NotFound(id)
	}
	if err != nil {
		return nil, errs.Wrap(err, "load booking")
	}
	return b, nil
}

func authorize(b *models.Booking, actor models.Actor, allowed ...models.Party) (models.Party, error) {
	party, ok := b.ResolveParty(actor)
	if !ok {
		return "", errs.Unauthorized(b.ID, actor.ID, "actor is not a party to this booking")
	}
	for _, p := range allowed {
		if p == party {
			return party, nil
		}
	}
	return "", errs.Unauthorized(b.ID, actor.ID, fmt.Sprintf("a %s may not perform this operation", party))
}

// commit persists next in place of current together with its audit entry,
// then queues the notification. A lost race is reported as
// InvalidStateTransition carrying the state the winner produced.
func (m *BookingMachine) commit(ctx context.Context, current, next *models.Booking, actor models.Actor, party models.Party, details models.TransitionDetails) (*models.Booking, error) {
	now := m.clock.Now()
	next.Version = current.Version + 1
	next.UpdatedAt = now
	if next.Status != current.Status {
		stampTransition(next, now)
	}
	if err := checkMoney(next); err != nil {
		return nil, err
	}

	payload, err := models.MarshalDetails(details)
	if err != nil {
		return nil, errs.Wrap(err, "encode transition details")
	}
	entry := &models.AuditEntry{
		ID:         uuid.New().String(),
		BookingID:  current.ID,
		ActorID:    actor.ID,
		ActorParty: party,
		FromStatus: current.Status,
		ToStatus:   next.Status,
		Kind:       details.Kind(),
		Reason:     models.Reason(details),
		Details:    payload,
		CreatedAt:  now,
	}

	err = m.store.ApplyTransition(ctx, current.Status, current.Version, next, entry)
	if errors.Is(err, store.ErrConflict) {
		util.BookingConflictsTotal.Inc()
		fresh, lerr := m.load(ctx, current.ID)
		if lerr != nil {
			return nil, errs.InvalidTransition(current.ID, actor.ID, "unknown", string(next.Status))
		}
		m.logger.Info("Lost booking update race",
			zap.String("booking_id", current.ID),
			zap.String("expected", string(current.Status)),
			zap.String("current", string(fresh.Status)))
		return nil, invalidTransition(fresh, actor, next.Status)
	}
	if err != nil {
		return nil, errs.Wrap(err, "persist booking transition")
	}

	if next.Status != current.Status {
		util.BookingTransitionsTotal.WithLabelValues(string(current.Status), string(next.Status)).Inc()
		m.logger.Info("Booking transitioned",
			zap.String("booking_id", next.ID),
			zap.String("from", string(current.Status)),
			zap.String("to", string(next.Status)),
			zap.String("actor", actor.ID),
			zap.String("kind", details.Kind()))
		m.notify(ctx, current.Status, next, actor, party, details)
	}
	return next, nil
}

// recordMarker sets a reconciliation marker without changing the status.
// Failures are logged; the caller already holds the error it will return.
func (m *BookingMachine) recordMarker(ctx context.Context, b *models.Booking, marker models.Reconciliation, message string) {
	next := b.Clone()
	next.Reconciliation = marker
	next.LastGatewayError = &message

	if _, err := m.commit(ctx, b, next, settlementActor, models.PartySystem, models.ReconciliationDetails{
		Marker:  marker,
		Message: "payment provider did not confirm the operation",
	}); err != nil {
		m.logger.Error("Failed to record reconciliation marker",
			zap.String("booking_id", b.ID),
			zap.String("marker", string(marker)),
			zap.Error(err))
	}
}

func stampTransition(b *models.Booking, now time.Time) {
	at := now
	switch b.Status {
	case models.StatusAccepted:
		b.AcceptedAt = &at
	case models.StatusPaymentSucceeded:
		b.ConfirmedAt = &at
	case models.StatusInProgress:
		b.StartedAt = &at
	case models.StatusCompleted:
		b.CompletedAt = &at
	case models.StatusCancelled, models.StatusRejected:
		b.CancelledAt = &at
	case models.StatusRefunded:
		b.RefundedAt = &at
	}
}

// checkMoney enforces the booking's money identities at every write.
func checkMoney(b *models.Booking) error {
	if b.IsGuest() && (b.GuestEmail == nil || *b.GuestEmail == "") {
		return errs.Validation("booking needs a customer or a guest email")
	}
	breakdown, err := fees.Calculate(b.BasePrice, b.IsGuest())
	if err != nil {
		return err
	}
	if b.GuestSurcharge != breakdown.GuestSurcharge ||
		b.PlatformFee != breakdown.PlatformFee ||
		b.ProviderPayout != breakdown.ProviderPayout ||
		b.TotalAmount != breakdown.CustomerTotal {
		return errs.InvalidAmount(b.TotalAmount, "booking amounts do not match the fee breakdown")
	}
	if b.RefundAmount != nil && (*b.RefundAmount < 0 || *b.RefundAmount > b.TotalAmount) {
		return errs.InvalidAmount(*b.RefundAmount, "refund exceeds the amount charged")
	}
	return nil
}

func (m *BookingMachine) notify(ctx context.Context, from models.BookingStatus, b *models.Booking, actor models.Actor, party models.Party, details models.TransitionDetails) {
	event := &models.BookingEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeFor(b.Status),
			Timestamp: m.clock.Now(),
		},
		BookingID:    b.ID,
		FromStatus:   from,
		ToStatus:     b.Status,
		ActorID:      actor.ID,
		ActorParty:   party,
		Recipients:   recipients(b),
		TotalAmount:  b.TotalAmount,
		RefundAmount: b.RefundAmount,
		Reason:       models.Reason(details),
	}

	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.notifyTimeout)
	defer cancel()

	err := m.notifier.PublishBookingEvent(nctx, event)
	if err == nil {
		return
	}

	util.NotificationFailuresTotal.WithLabelValues("publish").Inc()
	m.logger.Warn("Failed to queue booking notification",
		zap.String("booking_id", b.ID),
		zap.String("event_type", event.EventType),
		zap.Error(err))

	if m.outbox == nil {
		return
	}
	payload, merr := json.Marshal(event)
	if merr != nil {
		m.logger.Error("Failed to encode notification for outbox", zap.Error(merr))
		return
	}
	if oerr := m.outbox.EnqueueNotification(nctx, &models.OutboxNotification{
		EventID:   event.EventID,
		BookingID: b.ID,
		Payload:   payload,
		LastError: err.Error(),
	}); oerr != nil {
		util.NotificationFailuresTotal.WithLabelValues("outbox").Inc()
		m.logger.Error("Failed to store notification in outbox",
			zap.String("booking_id", b.ID),
			zap.String("event_id", event.EventID),
			zap.Error(oerr))
	}
}

func recipients(b *models.Booking) []models.Recipient {
	out := []models.Recipient{{Party: models.PartyProvider, ID: b.ProviderID}}
	if r := b.CustomerRecipient(); r != "" {
		out = append(out, models.Recipient{Party: models.PartyCustomer, ID: r})
	}
	return out
}

// fail counts and traces a failed operation and hands err back.
func (m *BookingMachine) fail(span trace.Span, op string, err error) error {
	util.BookingTransitionFailuresTotal.WithLabelValues(op, errorKind(err)).Inc()
	util.RecordError(span, err)
	return err
}

func errorKind(err error) string {
	switch {
	case errs.Is(err, errs.ErrInvalidStateTransition):
		return "invalid_state_transition"
	case errs.Is(err, errs.ErrUnauthorized):
		return "unauthorized"
	case errs.Is(err, errs.ErrInvalidAmount):
		return "invalid_amount"
	case errs.Is(err, errs.ErrGatewayFailure):
		return "gateway_failure"
	case errs.Is(err, errs.ErrValidation):
		return "validation"
	case errs.Is(err, errs.ErrNotFound):
		return "not_found"
	}
	return "internal"
}
