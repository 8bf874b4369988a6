package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"booking-service/internal/models"
	"booking-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher handles publishing booking events
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

func bookingKey(bookingID string) string {
	return fmt.Sprintf("booking-%s", bookingID)
}

// PublishBookingEvent publishes a booking transition. Events of one booking
// share a partition key and keep their order.
func (ep *EventPublisher) PublishBookingEvent(ctx context.Context, event *models.BookingEvent) error {
	return ep.producer.PublishEvent(ctx, bookingKey(event.BookingID), event)
}

// PublishRaw republishes an already encoded booking event
func (ep *EventPublisher) PublishRaw(ctx context.Context, bookingID string, payload []byte) error {
	return ep.producer.PublishBytes(ctx, bookingKey(bookingID), payload)
}

// ErrMalformedEvent marks a message that can never be decoded. Retrying it is pointless.
var ErrMalformedEvent = errors.New("malformed event")

// EventHandler handles incoming events
type EventHandler struct {
	onBookingEvent func(context.Context, *models.BookingEvent) error
	logger         *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnBookingEvent registers a handler for booking transition events
func (eh *EventHandler) OnBookingEvent(handler func(context.Context, *models.BookingEvent) error) {
	eh.onBookingEvent = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("%w: base event: %v", ErrMalformedEvent, err)
	}

	eh.logger.Debug("Handling event",
		zap.String("event_type", baseEvent.EventType),
		zap.String("event_id", baseEvent.EventID))

	if !isBookingEvent(baseEvent.EventType) {
		eh.logger.Warn("Unhandled event type", zap.String("event_type", baseEvent.EventType))
		return nil
	}
	if eh.onBookingEvent == nil {
		return nil
	}

	var event models.BookingEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return fmt.Errorf("%w: booking event: %v", ErrMalformedEvent, err)
	}
	return eh.onBookingEvent(ctx, &event)
}

func isBookingEvent(eventType string) bool {
	switch eventType {
	case models.EventTypeBookingAccepted,
		models.EventTypeBookingRejected,
		models.EventTypeBookingCancelled,
		models.EventTypeBookingPaymentRequested,
		models.EventTypeBookingConfirmed,
		models.EventTypeBookingPaymentFailed,
		models.EventTypeBookingStarted,
		models.EventTypeBookingCompleted,
		models.EventTypeBookingRefunded,
		models.EventTypeBookingStatusChanged:
		return true
	}
	return false
}
