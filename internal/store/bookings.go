package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"booking-service/internal/models"
)

const updateBookingQuery = `
	UPDATE bookings SET
		status = :status,
		guest_surcharge = :guest_surcharge,
		platform_fee = :platform_fee,
		provider_payout = :provider_payout,
		total_amount = :total_amount,
		refund_amount = :refund_amount,
		refund_percentage = :refund_percentage,
		accepted_at = :accepted_at,
		confirmed_at = :confirmed_at,
		started_at = :started_at,
		cancelled_at = :cancelled_at,
		completed_at = :completed_at,
		refunded_at = :refunded_at,
		cancellation_reason = :cancellation_reason,
		cancelled_by = :cancelled_by,
		no_show = :no_show,
		charge_ref = :charge_ref,
		refund_ref = :refund_ref,
		reconciliation = :reconciliation,
		last_gateway_error = :last_gateway_error,
		payment_attempt = :payment_attempt,
		version = :version,
		updated_at = :updated_at
	WHERE id = :id AND status = :expected_status AND version = :expected_version`

const insertAuditQuery = `
	INSERT INTO booking_audit
		(id, booking_id, actor_id, actor_party, from_status, to_status, kind, reason, details, created_at)
	VALUES
		(:id, :booking_id, :actor_id, :actor_party, :from_status, :to_status, :kind, :reason, :details, :created_at)`

type bookingUpdate struct {
	models.Booking
	ExpectedStatus  models.BookingStatus `db:"expected_status"`
	ExpectedVersion int64                `db:"expected_version"`
}

// GetBookingByID retrieves a booking by ID
func (s *Store) GetBookingByID(ctx context.Context, id string) (*models.Booking, error) {
	var booking models.Booking
	err := s.db.GetContext(ctx, &booking, "SELECT * FROM bookings WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBookingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get booking %s: %w", id, err)
	}
	return &booking, nil
}

// ApplyTransition writes next only if the stored row still has the expected
// status and version, and appends the audit entry in the same transaction.
// It returns ErrConflict when the guard matched nothing.
func (s *Store) ApplyTransition(ctx context.Context, expectedStatus models.BookingStatus, expectedVersion int64, next *models.Booking, entry *models.AuditEntry) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.NamedExecContext(ctx, updateBookingQuery, bookingUpdate{
		Booking:         *next,
		ExpectedStatus:  expectedStatus,
		ExpectedVersion: expectedVersion,
	})
	if err != nil {
		return fmt.Errorf("failed to update booking: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if rows == 0 {
		return ErrConflict
	}

	if entry != nil {
		if _, err := tx.NamedExecContext(ctx, insertAuditQuery, entry); err != nil {
			return fmt.Errorf("failed to insert audit entry: %w", err)
		}
	}

	return tx.Commit()
}

// ListAudit returns a booking's audit trail, oldest first.
func (s *Store) ListAudit(ctx context.Context, bookingID string) ([]models.AuditEntry, error) {
	var entries []models.AuditEntry
	err := s.db.SelectContext(ctx, &entries,
		"SELECT * FROM booking_audit WHERE booking_id = $1 ORDER BY created_at, id", bookingID)
	return entries, err
}

// ListBookingsByReconciliation returns bookings carrying a marker, oldest update first.
func (s *Store) ListBookingsByReconciliation(ctx context.Context, marker models.Reconciliation, limit int) ([]models.Booking, error) {
	var bookings []models.Booking
	err := s.db.SelectContext(ctx, &bookings,
		"SELECT * FROM bookings WHERE reconciliation = $1 ORDER BY updated_at LIMIT $2", marker, limit)
	return bookings, err
}

// IsEventProcessed checks if an event has been processed
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)", eventID)
	return exists, err
}

// MarkEventProcessed marks an event as processed
func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING",
		eventID, eventType)
	return err
}
