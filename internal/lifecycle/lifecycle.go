// Package lifecycle holds the booking transition table.
package lifecycle

import (
	"fmt"

	"booking-service/internal/models"
)

// transitions is the table every lifecycle operation is checked against.
var transitions = map[models.BookingStatus][]models.BookingStatus{
	models.StatusInitiated:        {models.StatusPendingProvider, models.StatusPaymentPending, models.StatusCancelled},
	models.StatusPendingProvider:  {models.StatusAccepted, models.StatusRejected, models.StatusCancelled},
	models.StatusAccepted:         {models.StatusPaymentPending, models.StatusCancelled},
	models.StatusPaymentPending:   {models.StatusPaymentSucceeded, models.StatusPaymentFailed, models.StatusCancelled},
	models.StatusPaymentFailed:    {models.StatusPaymentPending},
	models.StatusPaymentSucceeded: {models.StatusInProgress, models.StatusCompleted, models.StatusCancelled},
	models.StatusInProgress:       {models.StatusCompleted, models.StatusCancelled},
	models.StatusCompleted:        {},
	models.StatusRejected:         {},
	models.StatusCancelled:        {},
	models.StatusRefunded:         {},
}

// settlements are the edges only the refund settlement step may take, and only
// while the booking carries a refund-pending marker.
var settlements = map[models.BookingStatus][]models.BookingStatus{
	models.StatusRejected:  {models.StatusRefunded},
	models.StatusCancelled: {models.StatusRefunded},
}

// IsValid reports whether s is a known status.
func IsValid(s models.BookingStatus) bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether a lifecycle operation may move a booking from one status to another.
func CanTransition(from, to models.BookingStatus) bool {
	return contains(transitions[from], to)
}

// CanSettle reports whether the refund settlement edge from -> to exists.
func CanSettle(from, to models.BookingStatus) bool {
	return contains(settlements[from], to)
}

// IsTerminal is true when no lifecycle operation leaves s.
func IsTerminal(s models.BookingStatus) bool {
	allowed, ok := transitions[s]
	return !ok || len(allowed) == 0
}

// Next returns the statuses reachable from s, in table order.
func Next(s models.BookingStatus) []models.BookingStatus {
	out := make([]models.BookingStatus, len(transitions[s]))
	copy(out, transitions[s])
	return out
}

// ParseStatus converts an API string into a status.
func ParseStatus(s string) (models.BookingStatus, error) {
	status := models.BookingStatus(s)
	if !IsValid(status) {
		return "", fmt.Errorf("invalid booking status: %s", s)
	}
	return status, nil
}

func contains(list []models.BookingStatus, s models.BookingStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
