package fees

import (
	"errors"
	"testing"

	"booking-service/internal/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculate_AuthenticatedCustomer(t *testing.T) {
	b, err := Calculate(10000, false)
	require.NoError(t, err)

	assert.Equal(t, int64(1000), b.PlatformFee)
	assert.Equal(t, int64(9000), b.ProviderPayout)
	assert.Equal(t, int64(10000), b.CustomerTotal)
	assert.Equal(t, int64(0), b.GuestSurcharge)
	assert.Equal(t, int64(1000), b.PlatformRevenue)
}

func TestCalculate_Guest(t *testing.T) {
	b, err := Calculate(10000, true)
	require.NoError(t, err)

	assert.Equal(t, int64(1000), b.GuestSurcharge)
	assert.Equal(t, int64(11000), b.CustomerTotal)
	assert.Equal(t, int64(1000), b.PlatformFee)
	assert.Equal(t, int64(9000), b.ProviderPayout)
	assert.Equal(t, int64(2000), b.PlatformRevenue)
}

func TestCalculate_RoundsHalfUp(t *testing.T) {
	tests := []struct {
		name    string
		base    int64
		wantFee int64
	}{
		{"exact", 1000, 100},
		{"below half", 1234, 123},
		{"exactly half", 1235, 124},
		{"above half", 1237, 124},
		{"minimum", 50, 5},
		{"odd minimum plus", 55, 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := Calculate(tt.base, true)
			require.NoError(t, err)
			assert.Equal(t, tt.wantFee, b.PlatformFee)
			assert.Equal(t, tt.wantFee, b.GuestSurcharge)
		})
	}
}

func TestCalculate_Invariants(t *testing.T) {
	for base := MinAmountCents; base <= 5000; base += 7 {
		for _, guest := range []bool{false, true} {
			first, err := Calculate(base, guest)
			require.NoError(t, err)
			second, err := Calculate(base, guest)
			require.NoError(t, err)

			assert.Equal(t, first, second)
			assert.Equal(t, base, first.ProviderPayout+first.PlatformFee)
			assert.Equal(t, base+first.GuestSurcharge, first.CustomerTotal)
		}
	}
}

func TestCalculate_RejectsOutOfBounds(t *testing.T) {
	for _, base := range []int64{0, -1, MinAmountCents - 1, MaxAmountCents + 1} {
		_, err := Calculate(base, false)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errs.ErrInvalidAmount), "base=%d", base)

		e, ok := errs.As(err)
		require.True(t, ok)
		require.NotNil(t, e.AmountCents)
		assert.Equal(t, base, *e.AmountCents)
	}

	_, err := Calculate(MaxAmountCents, true)
	assert.NoError(t, err)
}

func TestBreakdown_Validate(t *testing.T) {
	b, err := Calculate(2500, false)
	require.NoError(t, err)

	b.ProviderPayout++
	assert.ErrorIs(t, b.Validate(), errs.ErrInvalidAmount)
}
