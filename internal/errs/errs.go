package errs

import (
	"errors"
	"fmt"
	"strings"

	cr "github.com/cockroachdb/errors"
)

// Error kinds. Match them with errors.Is against any error returned by the
// booking core.
var (
	ErrInvalidStateTransition = cr.New("invalid state transition")
	ErrUnauthorized           = cr.New("unauthorized")
	ErrInvalidAmount          = cr.New("invalid amount")
	ErrGatewayFailure         = cr.New("payment gateway failure")
	ErrValidation             = cr.New("validation error")
	ErrNotFound               = cr.New("not found")
)

// Error carries the structured context a caller needs to render an
// actionable message. The wrapped cause is kept for logs only.
type Error struct {
	Kind           error
	Message        string
	BookingID      string
	Actor          string
	CurrentState   string
	RequestedState string
	AmountCents    *int64
	AllowedStates  []string
	cause          error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.BookingID != "" {
		fmt.Fprintf(&b, " (booking=%s", e.BookingID)
		if e.CurrentState != "" {
			fmt.Fprintf(&b, " current=%s", e.CurrentState)
		}
		if e.RequestedState != "" {
			fmt.Fprintf(&b, " requested=%s", e.RequestedState)
		}
		b.WriteString(")")
	}
	if e.cause != nil {
		fmt.Fprintf(&b, ": %v", e.cause)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.cause }

func (e *Error) Is(target error) bool { return target == e.Kind }

// PublicMessage is safe to show to end users. It never includes the cause.
func (e *Error) PublicMessage() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Kind.Error()
}

// WithCause attaches an underlying error.
func (e *Error) WithCause(cause error) *Error {
	e.cause = cause
	return e
}

func InvalidTransition(bookingID, actor, current, requested string) *Error {
	return &Error{
		Kind:           ErrInvalidStateTransition,
		Message:        fmt.Sprintf("cannot move booking from %s to %s", current, requested),
		BookingID:      bookingID,
		Actor:          actor,
		CurrentState:   current,
		RequestedState: requested,
	}
}

func Unauthorized(bookingID, actor, msg string) *Error {
	return &Error{Kind: ErrUnauthorized, Message: msg, BookingID: bookingID, Actor: actor}
}

func InvalidAmount(amountCents int64, msg string) *Error {
	amt := amountCents
	return &Error{Kind: ErrInvalidAmount, Message: msg, AmountCents: &amt}
}

func Validation(msg string) *Error {
	return &Error{Kind: ErrValidation, Message: msg}
}

func NotFound(bookingID string) *Error {
	return &Error{Kind: ErrNotFound, Message: "booking not found", BookingID: bookingID}
}

func GatewayFailure(bookingID, current string, amountCents int64, cause error) *Error {
	amt := amountCents
	return &Error{
		Kind:         ErrGatewayFailure,
		Message:      "payment provider did not confirm the operation; it will be reconciled",
		BookingID:    bookingID,
		CurrentState: current,
		AmountCents:  &amt,
		cause:        cause,
	}
}

// As extracts the structured error, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return cr.Wrap(err, msg)
}

func Is(err, target error) bool {
	return errors.Is(err, target) || cr.Is(err, target)
}
