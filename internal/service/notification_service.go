package service

import (
	"context"
	"fmt"

	"booking-service/internal/models"
	"booking-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// EventLedger remembers which events were already handled.
type EventLedger interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// Dispatcher delivers a notification to its recipients.
type Dispatcher interface {
	Dispatch(ctx context.Context, event *models.BookingEvent) error
}

// LogDispatcher only logs; channel delivery lives outside this service.
type LogDispatcher struct {
	logger *zap.Logger
}

func NewLogDispatcher() *LogDispatcher {
	return &LogDispatcher{logger: util.GetLogger()}
}

func (d *LogDispatcher) Dispatch(ctx context.Context, event *models.BookingEvent) error {
	for _, r := range event.Recipients {
		d.logger.Info("Notify",
			zap.String("event_type", event.EventType),
			zap.String("booking_id", event.BookingID),
			zap.String("recipient_party", string(r.Party)),
			zap.String("recipient", r.ID))
	}
	return nil
}

// NotificationService consumes booking events exactly once per event id.
type NotificationService struct {
	ledger     EventLedger
	dispatcher Dispatcher
	logger     *zap.Logger
}

// NewNotificationService creates a new notification service
func NewNotificationService(ledger EventLedger, dispatcher Dispatcher) *NotificationService {
	return &NotificationService{
		ledger:     ledger,
		dispatcher: dispatcher,
		logger:     util.GetLogger(),
	}
}

// HandleBookingEvent dispatches a booking event unless it was handled before.
func (ns *NotificationService) HandleBookingEvent(ctx context.Context, event *models.BookingEvent) error {
	ctx, span := util.StartSpan(ctx, "NotificationService.HandleBookingEvent",
		attribute.String("event_id", event.EventID),
		attribute.String("booking_id", event.BookingID))
	defer span.End()

	processed, err := ns.ledger.IsEventProcessed(ctx, event.EventID)
	if err != nil {
		return fmt.Errorf("failed to check event processed: %w", err)
	}
	if processed {
		ns.logger.Info("Event already processed", zap.String("event_id", event.EventID))
		return nil
	}

	if err := ns.dispatcher.Dispatch(ctx, event); err != nil {
		util.NotificationFailuresTotal.WithLabelValues("dispatch").Inc()
		util.RecordError(span, err)
		return fmt.Errorf("failed to dispatch %s: %w", event.EventType, err)
	}
	util.NotificationsDispatchedTotal.WithLabelValues(event.EventType).Inc()

	if err := ns.ledger.MarkEventProcessed(ctx, event.EventID, event.EventType); err != nil {
		ns.logger.Error("Failed to mark event processed", zap.Error(err))
	}
	return nil
}
