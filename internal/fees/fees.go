// Package fees computes the cent-exact money breakdown of a booking.
//
// All amounts are integer cents. Rates are exact decimals and every product is
// rounded half-up to a whole cent before it is used, so identical inputs always
// produce identical breakdowns.
package fees

import (
	"fmt"

	"booking-service/internal/errs"

	"github.com/shopspring/decimal"
)

const (
	MinAmountCents int64 = 50
	MaxAmountCents int64 = 100_000_000 // $1,000,000.00
)

var (
	PlatformFeeRate    = decimal.RequireFromString("0.10")
	GuestSurchargeRate = decimal.RequireFromString("0.10")
)

// Breakdown is the full split of a booking's money.
type Breakdown struct {
	BaseAmount      int64 `json:"base_amount"`
	GuestSurcharge  int64 `json:"guest_surcharge"`
	PlatformFee     int64 `json:"platform_fee"`
	ProviderPayout  int64 `json:"provider_payout"`
	CustomerTotal   int64 `json:"customer_total"`
	PlatformRevenue int64 `json:"platform_revenue"`
}

// Calculate returns the breakdown for a base price. Guests pay a surcharge on
// top of the base; the platform fee is always carved out of the provider's share.
func Calculate(baseAmountCents int64, isGuest bool) (Breakdown, error) {
	if err := ValidateBaseAmount(baseAmountCents); err != nil {
		return Breakdown{}, err
	}

	platformFee := applyRate(baseAmountCents, PlatformFeeRate)
	var surcharge int64
	if isGuest {
		surcharge = applyRate(baseAmountCents, GuestSurchargeRate)
	}

	b := Breakdown{
		BaseAmount:      baseAmountCents,
		GuestSurcharge:  surcharge,
		PlatformFee:     platformFee,
		ProviderPayout:  baseAmountCents - platformFee,
		CustomerTotal:   baseAmountCents + surcharge,
		PlatformRevenue: platformFee + surcharge,
	}
	if err := b.Validate(); err != nil {
		return Breakdown{}, err
	}
	return b, nil
}

// ValidateBaseAmount enforces the transaction floor and ceiling.
func ValidateBaseAmount(baseAmountCents int64) error {
	switch {
	case baseAmountCents <= 0:
		return errs.InvalidAmount(baseAmountCents, "amount must be a positive number of cents")
	case baseAmountCents < MinAmountCents:
		return errs.InvalidAmount(baseAmountCents, fmt.Sprintf("amount is below the minimum of %d cents", MinAmountCents))
	case baseAmountCents > MaxAmountCents:
		return errs.InvalidAmount(baseAmountCents, fmt.Sprintf("amount exceeds the maximum of %d cents", MaxAmountCents))
	}
	return nil
}

// Validate checks the arithmetic identities of a breakdown.
func (b Breakdown) Validate() error {
	if b.BaseAmount <= 0 || b.PlatformFee < 0 || b.GuestSurcharge < 0 || b.ProviderPayout < 0 {
		return errs.InvalidAmount(b.BaseAmount, "breakdown contains a negative component")
	}
	if b.ProviderPayout+b.PlatformFee != b.BaseAmount {
		return errs.InvalidAmount(b.BaseAmount, "provider payout and platform fee do not add up to the base amount")
	}
	if b.CustomerTotal != b.BaseAmount+b.GuestSurcharge {
		return errs.InvalidAmount(b.CustomerTotal, "customer total does not equal base amount plus guest surcharge")
	}
	if b.PlatformRevenue != b.PlatformFee+b.GuestSurcharge {
		return errs.InvalidAmount(b.PlatformRevenue, "platform revenue does not equal fee plus surcharge")
	}
	return nil
}

// applyRate rounds half-up; amounts are positive so Round's
// half-away-from-zero is half-up here.
func applyRate(cents int64, rate decimal.Decimal) int64 {
	return decimal.NewFromInt(cents).Mul(rate).Round(0).IntPart()
}
