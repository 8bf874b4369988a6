package models

import "time"

// Event types
const (
	EventTypeBookingAccepted         = "BOOKING_ACCEPTED"
	EventTypeBookingRejected         = "BOOKING_REJECTED"
	EventTypeBookingCancelled        = "BOOKING_CANCELLED"
	EventTypeBookingPaymentRequested = "BOOKING_PAYMENT_REQUESTED"
	EventTypeBookingConfirmed        = "BOOKING_CONFIRMED"
	EventTypeBookingPaymentFailed    = "BOOKING_PAYMENT_FAILED"
	EventTypeBookingStarted          = "BOOKING_STARTED"
	EventTypeBookingCompleted        = "BOOKING_COMPLETED"
	EventTypeBookingRefunded         = "BOOKING_REFUNDED"
	EventTypeBookingStatusChanged    = "BOOKING_STATUS_CHANGED"
)

// EventTypeFor maps the status a booking entered to the notification it triggers.
func EventTypeFor(to BookingStatus) string {
	switch to {
	case StatusAccepted:
		return EventTypeBookingAccepted
	case StatusRejected:
		return EventTypeBookingRejected
	case StatusCancelled:
		return EventTypeBookingCancelled
	case StatusPaymentPending:
		return EventTypeBookingPaymentRequested
	case StatusPaymentSucceeded:
		return EventTypeBookingConfirmed
	case StatusPaymentFailed:
		return EventTypeBookingPaymentFailed
	case StatusInProgress:
		return EventTypeBookingStarted
	case StatusCompleted:
		return EventTypeBookingCompleted
	case StatusRefunded:
		return EventTypeBookingRefunded
	}
	return EventTypeBookingStatusChanged
}

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// Recipient is one addressee of a booking notification.
type Recipient struct {
	Party Party  `json:"party"`
	ID    string `json:"id"`
}

// BookingEvent is published after every committed transition.
type BookingEvent struct {
	BaseEvent
	BookingID    string        `json:"booking_id"`
	FromStatus   BookingStatus `json:"from_status"`
	ToStatus     BookingStatus `json:"to_status"`
	ActorID      string        `json:"actor_id"`
	ActorParty   Party         `json:"actor_party"`
	Recipients   []Recipient   `json:"recipients"`
	TotalAmount  int64         `json:"total_amount"`
	RefundAmount *int64        `json:"refund_amount,omitempty"`
	Reason       string        `json:"reason,omitempty"`
}
