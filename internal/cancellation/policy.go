// Package cancellation maps the time left before a service to a refund tier.
package cancellation

import (
	"fmt"
	"math"
	"time"

	"booking-service/internal/errs"

	"github.com/shopspring/decimal"
)

// Initiator is the party that asked for the cancellation.
type Initiator string

const (
	InitiatedByCustomer Initiator = "customer"
	InitiatedByProvider Initiator = "provider"
	InitiatedBySystem   Initiator = "system"
)

type tier struct {
	minHours   float64
	percentage int
}

// Customer tiers, checked in order.
var customerTiers = []tier{
	{minHours: 48, percentage: 100},
	{minHours: 24, percentage: 75},
	{minHours: 12, percentage: 50},
	{minHours: 6, percentage: 25},
}

var hundred = decimal.NewFromInt(100)

// Decision is the refund outcome for one cancellation.
type Decision struct {
	Percentage        int       `json:"percentage"`
	AmountCents       int64     `json:"amount_cents"`
	HoursUntilService float64   `json:"hours_until_service"`
	InitiatedBy       Initiator `json:"initiated_by"`
}

// HoursUntilService is never negative; a service already in the past is 0 hours away.
func HoursUntilService(scheduledAt, now time.Time) float64 {
	h := scheduledAt.Sub(now).Hours()
	if h < 0 {
		return 0
	}
	return h
}

// RefundPercentage returns one of 0, 25, 50, 75 or 100. Provider and system
// cancellations always refund in full.
func RefundPercentage(hoursUntilService float64, by Initiator) (int, error) {
	if math.IsNaN(hoursUntilService) || math.IsInf(hoursUntilService, -1) {
		return 0, errs.Validation("hours until service must be a number")
	}
	switch by {
	case InitiatedByProvider, InitiatedBySystem:
		return 100, nil
	case InitiatedByCustomer:
	default:
		return 0, errs.Validation(fmt.Sprintf("unknown cancellation initiator %q", by))
	}

	hours := math.Max(0, hoursUntilService)
	for _, t := range customerTiers {
		if hours >= t.minHours {
			return t.percentage, nil
		}
	}
	return 0, nil
}

// RefundAmount is round_half_up(total * pct / 100), capped at total.
func RefundAmount(totalCents int64, percentage int) (int64, error) {
	if totalCents < 0 {
		return 0, errs.InvalidAmount(totalCents, "total amount cannot be negative")
	}
	if percentage < 0 || percentage > 100 {
		return 0, errs.InvalidAmount(int64(percentage), "refund percentage must be between 0 and 100")
	}
	amount := decimal.NewFromInt(totalCents).
		Mul(decimal.NewFromInt(int64(percentage))).
		Div(hundred).
		Round(0).
		IntPart()
	if amount > totalCents {
		amount = totalCents
	}
	return amount, nil
}

// PercentageOf expresses a caller-supplied refund as a whole percentage of the total.
func PercentageOf(refundCents, totalCents int64) (int, error) {
	if totalCents <= 0 {
		return 0, errs.InvalidAmount(totalCents, "total amount must be positive")
	}
	if refundCents < 0 || refundCents > totalCents {
		return 0, errs.InvalidAmount(refundCents, "refund must be between zero and the amount charged")
	}
	pct := decimal.NewFromInt(refundCents).Mul(hundred).Div(decimal.NewFromInt(totalCents)).Round(0).IntPart()
	return int(pct), nil
}

// Decide combines the timing rule and the amount rule.
func Decide(totalCents int64, scheduledAt, now time.Time, by Initiator) (Decision, error) {
	hours := HoursUntilService(scheduledAt, now)
	pct, err := RefundPercentage(hours, by)
	if err != nil {
		return Decision{}, err
	}
	amount, err := RefundAmount(totalCents, pct)
	if err != nil {
		return Decision{}, err
	}
	return Decision{
		Percentage:        pct,
		AmountCents:       amount,
		HoursUntilService: hours,
		InitiatedBy:       by,
	}, nil
}
