package store

import (
	"context"
	"time"

	"booking-service/internal/models"
)

// EnqueueNotification stores a notification that could not be published or
// delivered. Enqueueing an event that is already there queues it again.
func (s *Store) EnqueueNotification(ctx context.Context, n *models.OutboxNotification) error {
	query := `
		INSERT INTO notification_outbox (event_id, booking_id, payload, attempts, last_error)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (event_id) DO UPDATE SET
			published_at = NULL,
			last_error = EXCLUDED.last_error`

	_, err := s.db.ExecContext(ctx, query, n.EventID, n.BookingID, n.Payload, n.Attempts, n.LastError)
	return err
}

// ListPendingNotifications returns unpublished notifications, oldest first.
func (s *Store) ListPendingNotifications(ctx context.Context, limit int) ([]models.OutboxNotification, error) {
	var items []models.OutboxNotification
	err := s.db.SelectContext(ctx, &items, `
		SELECT * FROM notification_outbox
		WHERE published_at IS NULL
		ORDER BY created_at, id
		LIMIT $1`, limit)
	return items, err
}

// MarkNotificationPublished records a successful republish.
func (s *Store) MarkNotificationPublished(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE notification_outbox SET published_at = $1, attempts = attempts + 1 WHERE id = $2",
		at, id)
	return err
}

// RecordNotificationFailure bumps the attempt counter.
func (s *Store) RecordNotificationFailure(ctx context.Context, id int64, lastErr string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE notification_outbox SET attempts = attempts + 1, last_error = $1 WHERE id = $2",
		lastErr, id)
	return err
}
