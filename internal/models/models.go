package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// BookingStatus is a lifecycle state of a booking.
type BookingStatus string

// Booking statuses
const (
	StatusInitiated        BookingStatus = "INITIATED"
	StatusPendingProvider  BookingStatus = "PENDING_PROVIDER"
	StatusAccepted         BookingStatus = "ACCEPTED"
	StatusPaymentPending   BookingStatus = "PAYMENT_PENDING"
	StatusPaymentSucceeded BookingStatus = "PAYMENT_SUCCEEDED"
	StatusPaymentFailed    BookingStatus = "PAYMENT_FAILED"
	StatusInProgress       BookingStatus = "IN_PROGRESS"
	StatusCompleted        BookingStatus = "COMPLETED"
	StatusRejected         BookingStatus = "REJECTED"
	StatusCancelled        BookingStatus = "CANCELLED"
	StatusRefunded         BookingStatus = "REFUNDED"
)

func (s BookingStatus) String() string {
	return string(s)
}

// Party is the role an actor plays on a particular booking.
type Party string

const (
	PartyCustomer Party = "customer"
	PartyProvider Party = "provider"
	PartySystem   Party = "system"
)

// Actor identifies the caller of a booking operation. System callers are
// trusted internal jobs and operators.
type Actor struct {
	ID     string `json:"id"`
	System bool   `json:"system"`
}

// SystemActor is used by internal jobs.
func SystemActor(id string) Actor {
	return Actor{ID: id, System: true}
}

// Reconciliation markers flag bookings whose money movement did not finish.
type Reconciliation string

const (
	ReconciliationNone Reconciliation = ""
	// A refund was decided and committed but the gateway has not confirmed it.
	ReconciliationRefundPending Reconciliation = "REFUND_PENDING"
	// A capture failed or timed out; the charge may or may not exist.
	ReconciliationCapturePending Reconciliation = "CAPTURE_PENDING"
	// A capture succeeded but the booking had moved on before it was recorded.
	ReconciliationCaptureUnrecorded Reconciliation = "CAPTURE_UNRECORDED"
)

// Booking is a scheduled service engagement and its money.
type Booking struct {
	ID         string  `db:"id" json:"id"`
	ProviderID string  `db:"provider_id" json:"provider_id"`
	CustomerID *string `db:"customer_id" json:"customer_id,omitempty"`
	GuestEmail *string `db:"guest_email" json:"guest_email,omitempty"`

	ServiceDate     time.Time `db:"service_date" json:"service_date"`
	StartTime       string    `db:"start_time" json:"start_time"`
	EndTime         string    `db:"end_time" json:"end_time"`
	DurationMinutes int       `db:"duration_minutes" json:"duration_minutes"`

	BasePrice        int64  `db:"base_price" json:"base_price"`
	GuestSurcharge   int64  `db:"guest_surcharge" json:"guest_surcharge"`
	PlatformFee      int64  `db:"platform_fee" json:"platform_fee"`
	ProviderPayout   int64  `db:"provider_payout" json:"provider_payout"`
	TotalAmount      int64  `db:"total_amount" json:"total_amount"`
	RefundAmount     *int64 `db:"refund_amount" json:"refund_amount,omitempty"`
	RefundPercentage *int   `db:"refund_percentage" json:"refund_percentage,omitempty"`

	Status             BookingStatus `db:"status" json:"status"`
	AcceptedAt         *time.Time    `db:"accepted_at" json:"accepted_at,omitempty"`
	ConfirmedAt        *time.Time    `db:"confirmed_at" json:"confirmed_at,omitempty"`
	StartedAt          *time.Time    `db:"started_at" json:"started_at,omitempty"`
	CancelledAt        *time.Time    `db:"cancelled_at" json:"cancelled_at,omitempty"`
	CompletedAt        *time.Time    `db:"completed_at" json:"completed_at,omitempty"`
	RefundedAt         *time.Time    `db:"refunded_at" json:"refunded_at,omitempty"`
	CancellationReason *string       `db:"cancellation_reason" json:"cancellation_reason,omitempty"`
	CancelledBy        *Party        `db:"cancelled_by" json:"cancelled_by,omitempty"`
	NoShow             bool          `db:"no_show" json:"no_show"`

	ChargeRef *string `db:"charge_ref" json:"charge_ref,omitempty"`
	RefundRef *string `db:"refund_ref" json:"refund_ref,omitempty"`

	Reconciliation   Reconciliation `db:"reconciliation" json:"reconciliation,omitempty"`
	LastGatewayError *string        `db:"last_gateway_error" json:"-"`
	PaymentAttempt   int            `db:"payment_attempt" json:"payment_attempt"`
	Version          int64          `db:"version" json:"version"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// IsGuest reports whether the booking was made without a customer account.
func (b *Booking) IsGuest() bool {
	return b.CustomerID == nil || *b.CustomerID == ""
}

// HasCapturedCharge reports whether money was actually taken from the customer.
func (b *Booking) HasCapturedCharge() bool {
	return b.ChargeRef != nil && *b.ChargeRef != "" && b.ConfirmedAt != nil
}

// ScheduledAt combines the service date and start time in the date's location.
func (b *Booking) ScheduledAt() (time.Time, error) {
	t, err := time.Parse("15:04", b.StartTime)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid start time %q: %w", b.StartTime, err)
	}
	d := b.ServiceDate
	return time.Date(d.Year(), d.Month(), d.Day(), t.Hour(), t.Minute(), 0, 0, d.Location()), nil
}

// ResolveParty returns the role an actor plays on this booking, if any.
func (b *Booking) ResolveParty(actor Actor) (Party, bool) {
	actorID := actor.ID
	switch {
	case actor.System:
		return PartySystem, true
	case actorID == "":
		return "", false
	case actorID == b.ProviderID:
		return PartyProvider, true
	case b.CustomerID != nil && actorID == *b.CustomerID:
		return PartyCustomer, true
	case b.GuestEmail != nil && strings.EqualFold(actorID, *b.GuestEmail):
		return PartyCustomer, true
	}
	return "", false
}

// CustomerRecipient is where customer notifications go.
func (b *Booking) CustomerRecipient() string {
	if b.CustomerID != nil && *b.CustomerID != "" {
		return *b.CustomerID
	}
	if b.GuestEmail != nil {
		return *b.GuestEmail
	}
	return ""
}

// Clone returns a deep copy so a candidate next state can be built without
// touching the loaded one.
func (b *Booking) Clone() *Booking {
	c := *b
	c.CustomerID = clonePtr(b.CustomerID)
	c.GuestEmail = clonePtr(b.GuestEmail)
	c.RefundAmount = clonePtr(b.RefundAmount)
	c.RefundPercentage = clonePtr(b.RefundPercentage)
	c.AcceptedAt = clonePtr(b.AcceptedAt)
	c.ConfirmedAt = clonePtr(b.ConfirmedAt)
	c.StartedAt = clonePtr(b.StartedAt)
	c.CancelledAt = clonePtr(b.CancelledAt)
	c.CompletedAt = clonePtr(b.CompletedAt)
	c.RefundedAt = clonePtr(b.RefundedAt)
	c.CancellationReason = clonePtr(b.CancellationReason)
	c.CancelledBy = clonePtr(b.CancelledBy)
	c.ChargeRef = clonePtr(b.ChargeRef)
	c.RefundRef = clonePtr(b.RefundRef)
	c.LastGatewayError = clonePtr(b.LastGatewayError)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// AuditEntry records one committed transition.
type AuditEntry struct {
	ID         string        `db:"id" json:"id"`
	BookingID  string        `db:"booking_id" json:"booking_id"`
	ActorID    string        `db:"actor_id" json:"actor_id"`
	ActorParty Party         `db:"actor_party" json:"actor_party"`
	FromStatus BookingStatus `db:"from_status" json:"from_status"`
	ToStatus   BookingStatus `db:"to_status" json:"to_status"`
	Kind       string        `db:"kind" json:"kind"`
	Reason     string        `db:"reason" json:"reason,omitempty"`
	Details    []byte        `db:"details" json:"details,omitempty"`
	CreatedAt  time.Time     `db:"created_at" json:"created_at"`
}

// Provider is the persisted provider profile used to build ranking input.
type Provider struct {
	ID                     string         `db:"id" json:"id"`
	Name                   string         `db:"name" json:"name"`
	Categories             pq.StringArray `db:"categories" json:"categories"`
	Latitude               *float64       `db:"latitude" json:"latitude,omitempty"`
	Longitude              *float64       `db:"longitude" json:"longitude,omitempty"`
	Rating                 float64        `db:"rating" json:"rating"`
	ReviewCount            int            `db:"review_count" json:"review_count"`
	RecentReviewCount      int            `db:"recent_review_count" json:"recent_review_count"`
	CompletedBookings      int            `db:"completed_bookings" json:"completed_bookings"`
	ViewCount              int            `db:"view_count" json:"view_count"`
	ConversionRate         *float64       `db:"conversion_rate" json:"conversion_rate,omitempty"`
	LastAvailabilityUpdate *time.Time     `db:"last_availability_update" json:"last_availability_update,omitempty"`
	IsVerified             bool           `db:"is_verified" json:"is_verified"`
	IsActive               bool           `db:"is_active" json:"is_active"`
}

// ProviderService is one priced offering of a provider.
type ProviderService struct {
	ID          string `db:"id" json:"id"`
	ProviderID  string `db:"provider_id" json:"provider_id"`
	Name        string `db:"name" json:"name"`
	Description string `db:"description" json:"description"`
	PriceCents  int64  `db:"price_cents" json:"price_cents"`
}

// OutboxNotification is a booking notification that could not be published.
type OutboxNotification struct {
	ID          int64      `db:"id" json:"id"`
	EventID     string     `db:"event_id" json:"event_id"`
	BookingID   string     `db:"booking_id" json:"booking_id"`
	Payload     []byte     `db:"payload" json:"payload"`
	Attempts    int        `db:"attempts" json:"attempts"`
	LastError   string     `db:"last_error" json:"last_error"`
	PublishedAt *time.Time `db:"published_at" json:"published_at,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
}

// ProcessedEvent for idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}
