package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"booking-service/internal/errs"
	"booking-service/internal/lifecycle"
	"booking-service/internal/models"
	"booking-service/internal/ranking"
	"booking-service/internal/redisclient"
	"booking-service/internal/service"
	"booking-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	headerActorID        = "X-Actor-ID"
	headerActorSystem    = "X-Actor-System"
	headerIdempotencyKey = "Idempotency-Key"
	headerReplayed       = "Idempotent-Replayed"
)

// BookingService is the booking lifecycle the API exposes.
type BookingService interface {
	GetBooking(ctx context.Context, id string) (*models.Booking, error)
	AcceptBooking(ctx context.Context, id string, actor models.Actor, notes string) (*models.Booking, error)
	RejectBooking(ctx context.Context, id string, actor models.Actor, reason string) (*models.Booking, error)
	CancelBooking(ctx context.Context, id string, actor models.Actor, reason string, refundAmountCents *int64) (*models.Booking, error)
	RequestPayment(ctx context.Context, id string, actor models.Actor) (*models.Booking, error)
	CapturePayment(ctx context.Context, id string, actor models.Actor) (*models.Booking, error)
	StartService(ctx context.Context, id string, actor models.Actor) (*models.Booking, error)
	CompleteBooking(ctx context.Context, id string, actor models.Actor, notes string) (*models.Booking, error)
	MarkNoShow(ctx context.Context, id string, actor models.Actor, notes string) (*models.Booking, error)
	SettleRefund(ctx context.Context, id string, actor models.Actor) (*models.Booking, error)
	Transition(ctx context.Context, id string, target models.BookingStatus, actor models.Actor, details models.TransitionDetails) (*models.Booking, error)
}

// AuditReader reads a booking's audit trail.
type AuditReader interface {
	ListAudit(ctx context.Context, bookingID string) ([]models.AuditEntry, error)
}

// Searcher ranks providers.
type Searcher interface {
	Search(ctx context.Context, query ranking.Query, opts service.SearchOptions) ([]ranking.Result, error)
}

// IdempotencyStore keeps the first response per idempotency key.
type IdempotencyStore interface {
	GetIdempotentResponse(ctx context.Context, key string) (*redisclient.StoredResponse, error)
	SetIdempotentResponse(ctx context.Context, key string, resp *redisclient.StoredResponse, ttl time.Duration) error
}

// Handler contains HTTP handlers
type Handler struct {
	bookings       BookingService
	audit          AuditReader
	search         Searcher
	idempotency    IdempotencyStore
	idempotencyTTL time.Duration
	logger         *zap.Logger
}

// NewHandler creates a new HTTP handler. idempotency may be nil.
func NewHandler(bookings BookingService, audit AuditReader, search Searcher, idempotency IdempotencyStore, idempotencyTTL time.Duration) *Handler {
	return &Handler{
		bookings:       bookings,
		audit:          audit,
		search:         search,
		idempotency:    idempotency,
		idempotencyTTL: idempotencyTTL,
		logger:         util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/search", h.searchProviders)

		bookings := v1.Group("/bookings")
		bookings.GET("/:id", h.getBooking)
		bookings.GET("/:id/audit", h.getAudit)
		bookings.POST("/:id/accept", h.action(h.accept))
		bookings.POST("/:id/reject", h.action(h.reject))
		bookings.POST("/:id/cancel", h.action(h.cancel))
		bookings.POST("/:id/request-payment", h.action(h.requestPayment))
		bookings.POST("/:id/capture", h.action(h.capture))
		bookings.POST("/:id/start", h.action(h.start))
		bookings.POST("/:id/complete", h.action(h.complete))
		bookings.POST("/:id/no-show", h.action(h.noShow))
		bookings.POST("/:id/settle-refund", h.action(h.settleRefund))
		bookings.POST("/:id/transition", h.action(h.transition))
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// actorFromRequest reads the caller identity set by the authenticating edge.
func actorFromRequest(c *gin.Context) (models.Actor, bool) {
	id := strings.TrimSpace(c.GetHeader(headerActorID))
	if id == "" {
		return models.Actor{}, false
	}
	system, _ := strconv.ParseBool(c.GetHeader(headerActorSystem))
	return models.Actor{ID: id, System: system}, true
}

func (h *Handler) getBooking(c *gin.Context) {
	b, ok := h.visibleBooking(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"booking": b})
}

func (h *Handler) getAudit(c *gin.Context) {
	b, ok := h.visibleBooking(c)
	if !ok {
		return
	}
	entries, err := h.audit.ListAudit(c.Request.Context(), b.ID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"audit": entries})
}

// visibleBooking loads the booking and checks the caller is one of its parties.
func (h *Handler) visibleBooking(c *gin.Context) (*models.Booking, bool) {
	actor, ok := actorFromRequest(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing actor"})
		return nil, false
	}
	b, err := h.bookings.GetBooking(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return nil, false
	}
	if _, ok := b.ResolveParty(actor); !ok {
		h.writeError(c, errs.Unauthorized(b.ID, actor.ID, "actor is not a party to this booking"))
		return nil, false
	}
	return b, true
}

type bookingAction func(c *gin.Context, id string, actor models.Actor) (*models.Booking, error)

// action runs a booking transition. With an Idempotency-Key header the first
// successful response is stored and replayed for repeats of the same request.
func (h *Handler) action(fn bookingAction) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := actorFromRequest(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing actor"})
			return
		}
		ctx := c.Request.Context()

		var scopedKey string
		if key := c.GetHeader(headerIdempotencyKey); key != "" && h.idempotency != nil {
			scopedKey = fmt.Sprintf("%s:%s:%s", actor.ID, c.Request.URL.Path, key)
			stored, err := h.idempotency.GetIdempotentResponse(ctx, scopedKey)
			if err != nil {
				h.logger.Warn("Idempotency lookup failed", zap.String("key", key), zap.Error(err))
			} else if stored != nil {
				c.Header(headerReplayed, "true")
				c.Data(stored.Status, "application/json; charset=utf-8", stored.Body)
				return
			}
		}

		b, err := fn(c, c.Param("id"), actor)
		if err != nil {
			h.writeError(c, err)
			return
		}

		body, err := json.Marshal(gin.H{"booking": b})
		if err != nil {
			h.writeError(c, err)
			return
		}
		if scopedKey != "" {
			resp := &redisclient.StoredResponse{Status: http.StatusOK, Body: body}
			if err := h.idempotency.SetIdempotentResponse(ctx, scopedKey, resp, h.idempotencyTTL); err != nil {
				h.logger.Warn("Failed to store idempotent response", zap.Error(err))
			}
		}
		c.Data(http.StatusOK, "application/json; charset=utf-8", body)
	}
}

// bindOptional binds a JSON body when one was sent.
func bindOptional(c *gin.Context, dst interface{}) error {
	if err := c.ShouldBindJSON(dst); err != nil && !errors.Is(err, io.EOF) {
		return errs.Validation("invalid request body").WithCause(err)
	}
	return nil
}

type notesRequest struct {
	Notes string `json:"notes"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type cancelRequest struct {
	Reason            string `json:"reason"`
	RefundAmountCents *int64 `json:"refund_amount_cents"`
}

type transitionRequest struct {
	TargetStatus      string `json:"target_status" binding:"required"`
	Reason            string `json:"reason"`
	Notes             string `json:"notes"`
	RefundAmountCents *int64 `json:"refund_amount_cents"`
	RefundRef         string `json:"refund_ref"`
	NoShow            bool   `json:"no_show"`
}

func (h *Handler) accept(c *gin.Context, id string, actor models.Actor) (*models.Booking, error) {
	var req notesRequest
	if err := bindOptional(c, &req); err != nil {
		return nil, err
	}
	return h.bookings.AcceptBooking(c.Request.Context(), id, actor, req.Notes)
}

func (h *Handler) reject(c *gin.Context, id string, actor models.Actor) (*models.Booking, error) {
	var req reasonRequest
	if err := bindOptional(c, &req); err != nil {
		return nil, err
	}
	return h.bookings.RejectBooking(c.Request.Context(), id, actor, req.Reason)
}

func (h *Handler) cancel(c *gin.Context, id string, actor models.Actor) (*models.Booking, error) {
	var req cancelRequest
	if err := bindOptional(c, &req); err != nil {
		return nil, err
	}
	return h.bookings.CancelBooking(c.Request.Context(), id, actor, req.Reason, req.RefundAmountCents)
}

func (h *Handler) requestPayment(c *gin.Context, id string, actor models.Actor) (*models.Booking, error) {
	return h.bookings.RequestPayment(c.Request.Context(), id, actor)
}

func (h *Handler) capture(c *gin.Context, id string, actor models.Actor) (*models.Booking, error) {
	return h.bookings.CapturePayment(c.Request.Context(), id, actor)
}

func (h *Handler) start(c *gin.Context, id string, actor models.Actor) (*models.Booking, error) {
	return h.bookings.StartService(c.Request.Context(), id, actor)
}

func (h *Handler) complete(c *gin.Context, id string, actor models.Actor) (*models.Booking, error) {
	var req notesRequest
	if err := bindOptional(c, &req); err != nil {
		return nil, err
	}
	return h.bookings.CompleteBooking(c.Request.Context(), id, actor, req.Notes)
}

func (h *Handler) noShow(c *gin.Context, id string, actor models.Actor) (*models.Booking, error) {
	var req notesRequest
	if err := bindOptional(c, &req); err != nil {
		return nil, err
	}
	return h.bookings.MarkNoShow(c.Request.Context(), id, actor, req.Notes)
}

func (h *Handler) settleRefund(c *gin.Context, id string, actor models.Actor) (*models.Booking, error) {
	return h.bookings.SettleRefund(c.Request.Context(), id, actor)
}

func (h *Handler) transition(c *gin.Context, id string, actor models.Actor) (*models.Booking, error) {
	var req transitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, errs.Validation("invalid request body").WithCause(err)
	}
	target, err := lifecycle.ParseStatus(strings.ToUpper(strings.TrimSpace(req.TargetStatus)))
	if err != nil {
		return nil, errs.Validation(err.Error())
	}
	return h.bookings.Transition(c.Request.Context(), id, target, actor, transitionDetails(target, req))
}

func transitionDetails(target models.BookingStatus, req transitionRequest) models.TransitionDetails {
	switch target {
	case models.StatusCancelled:
		d := models.CancellationDetails{Reason: req.Reason, CallerSupplied: req.RefundAmountCents != nil}
		if req.RefundAmountCents != nil {
			d.RefundAmount = *req.RefundAmountCents
		}
		return d
	case models.StatusRejected:
		return models.RejectionDetails{Reason: req.Reason}
	case models.StatusRefunded:
		d := models.RefundDetails{RefundRef: req.RefundRef}
		if req.RefundAmountCents != nil {
			d.AmountCents = *req.RefundAmountCents
		}
		return d
	case models.StatusCompleted:
		return models.CompletionDetails{Notes: req.Notes, NoShow: req.NoShow}
	case models.StatusAccepted:
		return models.AcceptanceDetails{Notes: req.Notes}
	case models.StatusInProgress:
		return models.StartDetails{Notes: req.Notes}
	}
	return nil
}

type searchRequest struct {
	ranking.Query
	Debug            bool `json:"debug"`
	BoostVerified    bool `json:"boost_verified"`
	PenalizeInactive bool `json:"penalize_inactive"`
}

func (h *Handler) searchProviders(c *gin.Context) {
	var req searchRequest
	if err := bindOptional(c, &req); err != nil {
		h.writeError(c, err)
		return
	}

	results, err := h.search.Search(c.Request.Context(), req.Query, service.SearchOptions{
		Debug:            req.Debug,
		BoostVerified:    req.BoostVerified,
		PenalizeInactive: req.PenalizeInactive,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results, "count": len(results)})
}

// writeError renders a domain error. Gateway and internal details stay in the logs.
func (h *Handler) writeError(c *gin.Context, err error) {
	e, ok := errs.As(err)
	if !ok {
		h.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal", "message": "internal error"})
		return
	}

	status, kind := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(e, errs.ErrInvalidStateTransition):
		status, kind = http.StatusConflict, "invalid_state_transition"
	case errors.Is(e, errs.ErrUnauthorized):
		status, kind = http.StatusForbidden, "unauthorized"
	case errors.Is(e, errs.ErrInvalidAmount):
		status, kind = http.StatusUnprocessableEntity, "invalid_amount"
	case errors.Is(e, errs.ErrValidation):
		status, kind = http.StatusBadRequest, "validation"
	case errors.Is(e, errs.ErrGatewayFailure):
		status, kind = http.StatusBadGateway, "gateway_failure"
		h.logger.Warn("Gateway failure", zap.String("booking_id", e.BookingID), zap.Error(err))
	case errors.Is(e, errs.ErrNotFound):
		status, kind = http.StatusNotFound, "not_found"
	}

	body := gin.H{"error": kind, "message": e.PublicMessage()}
	if e.BookingID != "" {
		body["booking_id"] = e.BookingID
	}
	if e.CurrentState != "" {
		body["current_state"] = e.CurrentState
	}
	if e.RequestedState != "" {
		body["requested_state"] = e.RequestedState
	}
	if e.AmountCents != nil {
		body["amount_cents"] = *e.AmountCents
	}
	if len(e.AllowedStates) > 0 {
		body["allowed_states"] = e.AllowedStates
	}
	c.JSON(status, body)
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
