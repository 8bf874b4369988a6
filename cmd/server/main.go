package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"booking-service/config"
	"booking-service/internal/api"
	"booking-service/internal/broker"
	"booking-service/internal/gateway"
	"booking-service/internal/redisclient"
	"booking-service/internal/service"
	"booking-service/internal/store"
	"booking-service/internal/util"
	"booking-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting booking service")

	tp, err := util.InitTracer("booking-service", cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Println("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicBooking)
	defer producer.Close()
	log.Println("Kafka producer initialized")

	eventPublisher := broker.NewEventPublisher(producer)
	clock := util.NewRealClock()

	paymentService := service.NewPaymentService(newGateway(cfg.Payment, logger), cfg.Payment.Timeout)
	machine := service.NewBookingMachine(db, paymentService, eventPublisher, db, clock)
	searchService := service.NewSearchService(db, redisClient, clock, service.SearchConfig{
		CacheTTL:    cfg.Search.CacheTTL,
		ResultLimit: cfg.Search.ResultLimit,
	})
	notificationService := service.NewNotificationService(db, service.NewLogDispatcher())
	reconciler := service.NewReconciler(db, machine)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	notificationConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicBooking, cfg.Kafka.ConsumerGroup)
	notificationWorker := worker.NewNotificationWorker(notificationConsumer, notificationService, db)
	go func() {
		if err := notificationWorker.Start(workerCtx); err != nil {
			log.Printf("Notification worker error: %v", err)
		}
	}()

	outboxWorker := worker.NewOutboxWorker(db, eventPublisher, redisClient, clock, cfg.Outbox.PollInterval, cfg.Outbox.BatchSize)
	go func() {
		if err := outboxWorker.Start(workerCtx); err != nil {
			log.Printf("Outbox worker error: %v", err)
		}
	}()

	reconciliationWorker := worker.NewReconciliationWorker(reconciler, redisClient, cfg.Outbox.ReconcileInterval, cfg.Outbox.BatchSize)
	go func() {
		if err := reconciliationWorker.Start(workerCtx); err != nil {
			log.Printf("Reconciliation worker error: %v", err)
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(api.NewCORSMiddleware(cfg.CORS), api.NewRateLimitMiddleware(cfg.Limits.PerMinute, cfg.Limits.Burst))
	handler := api.NewHandler(machine, db, searchService, redisClient, cfg.Server.IdempotencyTTL)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	workerCancel()
	if err := notificationWorker.Stop(); err != nil {
		log.Printf("Error stopping notification worker: %v", err)
	}

	log.Println("Server exited")
}

// newGateway picks Stripe when it is configured and the in-process mock otherwise.
func newGateway(cfg config.PaymentConfig, logger *zap.Logger) gateway.Gateway {
	if cfg.Gateway == "stripe" {
		if cfg.StripeSecretKey != "" {
			logger.Info("Using Stripe payment gateway")
			return gateway.NewStripeGateway(cfg.StripeSecretKey)
		}
		logger.Warn("PAYMENT_GATEWAY=stripe but STRIPE_SECRET_KEY is empty, falling back to mock gateway")
	}
	logger.Info("Using mock payment gateway")
	return gateway.NewMockGateway(0)
}
