package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"booking-service/internal/broker"
	"booking-service/internal/models"
	"booking-service/internal/service"
	"booking-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// NotificationWorker consumes booking events and hands them to the notification service
type NotificationWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	parking      NotificationParking
	logger       *zap.Logger
}

// NotificationParking takes events whose delivery failed so the outbox
// republishes them later and the partition can move on.
type NotificationParking interface {
	EnqueueNotification(ctx context.Context, n *models.OutboxNotification) error
}

// NewNotificationWorker creates a new notification worker
func NewNotificationWorker(consumer *broker.Consumer, notifications *service.NotificationService, parking NotificationParking) *NotificationWorker {
	eventHandler := broker.NewEventHandler()
	eventHandler.OnBookingEvent(notifications.HandleBookingEvent)

	return &NotificationWorker{
		consumer:     consumer,
		eventHandler: eventHandler,
		parking:      parking,
		logger:       util.GetLogger(),
	}
}

// Start starts the worker
func (w *NotificationWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting notification worker")
	return w.consumer.StartConsuming(ctx, w.handleMessage)
}

// Stop stops the worker
func (w *NotificationWorker) Stop() error {
	w.logger.Info("Stopping notification worker")
	return w.consumer.Close()
}

// handleMessage returns nil once the event is delivered, dropped as
// undecodable, or parked in the outbox. An error means nothing holds the
// event yet and the consumer must retry it.
func (w *NotificationWorker) handleMessage(ctx context.Context, msg kafka.Message) error {
	err := w.eventHandler.HandleMessage(ctx, msg)
	if err == nil {
		return nil
	}
	if errors.Is(err, broker.ErrMalformedEvent) {
		w.logger.Error("Dropping undecodable message",
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return nil
	}

	var event models.BookingEvent
	if uerr := json.Unmarshal(msg.Value, &event); uerr != nil {
		return err
	}
	parked := &models.OutboxNotification{
		EventID:   event.EventID,
		BookingID: event.BookingID,
		Payload:   msg.Value,
		LastError: err.Error(),
	}
	if perr := w.parking.EnqueueNotification(ctx, parked); perr != nil {
		return fmt.Errorf("park event %s after delivery failure: %w", event.EventID, perr)
	}
	w.logger.Warn("Notification delivery failed, parked in outbox",
		zap.String("event_id", event.EventID),
		zap.String("booking_id", event.BookingID),
		zap.Error(err))
	return nil
}

// Locker guards a job so only one replica runs it at a time.
type Locker interface {
	AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (string, bool, error)
	ReleaseLock(ctx context.Context, lockKey, token string) error
}

// OutboxStore is the notification outbox.
type OutboxStore interface {
	ListPendingNotifications(ctx context.Context, limit int) ([]models.OutboxNotification, error)
	MarkNotificationPublished(ctx context.Context, id int64, at time.Time) error
	RecordNotificationFailure(ctx context.Context, id int64, lastErr string) error
}

// RawPublisher republishes encoded booking events.
type RawPublisher interface {
	PublishRaw(ctx context.Context, bookingID string, payload []byte) error
}

// runPeriodically calls fn every interval under a distributed lock until ctx is done.
func runPeriodically(ctx context.Context, logger *zap.Logger, locker Locker, lockKey string, interval time.Duration, fn func(context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			runLocked(ctx, logger, locker, lockKey, interval, fn)
		}
	}
}

func runLocked(ctx context.Context, logger *zap.Logger, locker Locker, lockKey string, ttl time.Duration, fn func(context.Context)) {
	if locker == nil {
		fn(ctx)
		return
	}

	token, ok, err := locker.AcquireLock(ctx, lockKey, ttl)
	if err != nil {
		logger.Warn("Failed to acquire lock", zap.String("lock", lockKey), zap.Error(err))
		return
	}
	if !ok {
		return
	}
	defer func() {
		if err := locker.ReleaseLock(context.WithoutCancel(ctx), lockKey, token); err != nil {
			logger.Warn("Failed to release lock", zap.String("lock", lockKey), zap.Error(err))
		}
	}()
	fn(ctx)
}

// OutboxWorker republishes notifications whose first publish failed
type OutboxWorker struct {
	store     OutboxStore
	publisher RawPublisher
	locker    Locker
	clock     util.Clock
	interval  time.Duration
	batchSize int
	logger    *zap.Logger
}

// NewOutboxWorker creates a new outbox worker
func NewOutboxWorker(store OutboxStore, publisher RawPublisher, locker Locker, clock util.Clock, interval time.Duration, batchSize int) *OutboxWorker {
	return &OutboxWorker{
		store:     store,
		publisher: publisher,
		locker:    locker,
		clock:     clock,
		interval:  interval,
		batchSize: batchSize,
		logger:    util.GetLogger(),
	}
}

// Start runs the worker until ctx is cancelled
func (w *OutboxWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting outbox worker", zap.Duration("interval", w.interval))
	return runPeriodically(ctx, w.logger, w.locker, "notification-outbox", w.interval, func(ctx context.Context) {
		if _, err := w.Flush(ctx); err != nil {
			w.logger.Error("Outbox flush failed", zap.Error(err))
		}
	})
}

// Flush republishes one batch and returns how many were published.
func (w *OutboxWorker) Flush(ctx context.Context) (int, error) {
	pending, err := w.store.ListPendingNotifications(ctx, w.batchSize)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, n := range pending {
		if err := w.publisher.PublishRaw(ctx, n.BookingID, n.Payload); err != nil {
			w.logger.Warn("Outbox republish failed",
				zap.String("event_id", n.EventID),
				zap.Int("attempts", n.Attempts+1),
				zap.Error(err))
			if rerr := w.store.RecordNotificationFailure(ctx, n.ID, err.Error()); rerr != nil {
				w.logger.Error("Failed to record outbox failure", zap.Error(rerr))
			}
			continue
		}
		if err := w.store.MarkNotificationPublished(ctx, n.ID, w.clock.Now()); err != nil {
			// Republished but not marked: the consumer dedupes the repeat by event id.
			w.logger.Error("Failed to mark outbox entry published",
				zap.String("event_id", n.EventID),
				zap.Error(err))
			continue
		}
		util.OutboxRepublishedTotal.Inc()
		published++
	}
	return published, nil
}

// ReconciliationWorker retries pending refunds and reports stuck captures
type ReconciliationWorker struct {
	reconciler *service.Reconciler
	locker     Locker
	interval   time.Duration
	batchSize  int
	logger     *zap.Logger
}

// NewReconciliationWorker creates a new reconciliation worker
func NewReconciliationWorker(reconciler *service.Reconciler, locker Locker, interval time.Duration, batchSize int) *ReconciliationWorker {
	return &ReconciliationWorker{
		reconciler: reconciler,
		locker:     locker,
		interval:   interval,
		batchSize:  batchSize,
		logger:     util.GetLogger(),
	}
}

// Start runs the worker until ctx is cancelled
func (w *ReconciliationWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting reconciliation worker", zap.Duration("interval", w.interval))
	return runPeriodically(ctx, w.logger, w.locker, "booking-reconciliation", w.interval, func(ctx context.Context) {
		if _, err := w.reconciler.SettlePendingRefunds(ctx, w.batchSize); err != nil {
			w.logger.Error("Refund reconciliation failed", zap.Error(err))
		}
		if _, err := w.reconciler.ReportCaptureIssues(ctx, w.batchSize); err != nil {
			w.logger.Error("Capture reconciliation report failed", zap.Error(err))
		}
	})
}
