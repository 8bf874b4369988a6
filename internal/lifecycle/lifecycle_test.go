package lifecycle

import (
	"testing"

	"booking-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allStatuses = []models.BookingStatus{
	models.StatusInitiated,
	models.StatusPendingProvider,
	models.StatusAccepted,
	models.StatusPaymentPending,
	models.StatusPaymentSucceeded,
	models.StatusPaymentFailed,
	models.StatusInProgress,
	models.StatusCompleted,
	models.StatusRejected,
	models.StatusCancelled,
	models.StatusRefunded,
}

func TestCanTransition_ExactTable(t *testing.T) {
	legal := map[[2]models.BookingStatus]bool{
		{models.StatusInitiated, models.StatusPendingProvider}:        true,
		{models.StatusInitiated, models.StatusPaymentPending}:         true,
		{models.StatusInitiated, models.StatusCancelled}:              true,
		{models.StatusPendingProvider, models.StatusAccepted}:         true,
		{models.StatusPendingProvider, models.StatusRejected}:         true,
		{models.StatusPendingProvider, models.StatusCancelled}:        true,
		{models.StatusAccepted, models.StatusPaymentPending}:          true,
		{models.StatusAccepted, models.StatusCancelled}:               true,
		{models.StatusPaymentPending, models.StatusPaymentSucceeded}:  true,
		{models.StatusPaymentPending, models.StatusPaymentFailed}:     true,
		{models.StatusPaymentPending, models.StatusCancelled}:         true,
		{models.StatusPaymentFailed, models.StatusPaymentPending}:     true,
		{models.StatusPaymentSucceeded, models.StatusInProgress}:      true,
		{models.StatusPaymentSucceeded, models.StatusCompleted}:       true,
		{models.StatusPaymentSucceeded, models.StatusCancelled}:       true,
		{models.StatusInProgress, models.StatusCompleted}:             true,
		{models.StatusInProgress, models.StatusCancelled}:             true,
	}

	for _, from := range allStatuses {
		for _, to := range allStatuses {
			want := legal[[2]models.BookingStatus{from, to}]
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	terminal := map[models.BookingStatus]bool{
		models.StatusCompleted: true,
		models.StatusRejected:  true,
		models.StatusCancelled: true,
		models.StatusRefunded:  true,
	}
	for _, s := range allStatuses {
		assert.Equal(t, terminal[s], IsTerminal(s), "%s", s)
	}
	assert.True(t, IsTerminal(models.BookingStatus("UNKNOWN")))
}

func TestCanSettle_OnlyRefundFromRejectedOrCancelled(t *testing.T) {
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			want := to == models.StatusRefunded &&
				(from == models.StatusRejected || from == models.StatusCancelled)
			assert.Equal(t, want, CanSettle(from, to), "%s -> %s", from, to)
		}
	}
}

func TestNext_ReturnsCopy(t *testing.T) {
	next := Next(models.StatusPendingProvider)
	require.Len(t, next, 3)
	next[0] = models.StatusRefunded

	assert.True(t, CanTransition(models.StatusPendingProvider, models.StatusAccepted))
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus("CANCELLED")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, s)

	_, err = ParseStatus("cancelled")
	assert.Error(t, err)
}
