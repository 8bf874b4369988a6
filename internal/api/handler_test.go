package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"booking-service/internal/errs"
	"booking-service/internal/models"
	"booking-service/internal/ranking"
	"booking-service/internal/redisclient"
	"booking-service/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockBookings struct {
	mock.Mock
}

func (m *mockBookings) result(args mock.Arguments) (*models.Booking, error) {
	b, _ := args.Get(0).(*models.Booking)
	return b, args.Error(1)
}

func (m *mockBookings) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	return m.result(m.Called(ctx, id))
}

func (m *mockBookings) AcceptBooking(ctx context.Context, id string, actor models.Actor, notes string) (*models.Booking, error) {
	return m.result(m.Called(ctx, id, actor, notes))
}

func (m *mockBookings) RejectBooking(ctx context.Context, id string, actor models.Actor, reason string) (*models.Booking, error) {
	return m.result(m.Called(ctx, id, actor, reason))
}

func (m *mockBookings) CancelBooking(ctx context.Context, id string, actor models.Actor, reason string, refundAmountCents *int64) (*models.Booking, error) {
	return m.result(m.Called(ctx, id, actor, reason, refundAmountCents))
}

func (m *mockBookings) RequestPayment(ctx context.Context, id string, actor models.Actor) (*models.Booking, error) {
	return m.result(m.Called(ctx, id, actor))
}

func (m *mockBookings) CapturePayment(ctx context.Context, id string, actor models.Actor) (*models.Booking, error) {
	return m.result(m.Called(ctx, id, actor))
}

func (m *mockBookings) StartService(ctx context.Context, id string, actor models.Actor) (*models.Booking, error) {
	return m.result(m.Called(ctx, id, actor))
}

func (m *mockBookings) CompleteBooking(ctx context.Context, id string, actor models.Actor, notes string) (*models.Booking, error) {
	return m.result(m.Called(ctx, id, actor, notes))
}

func (m *mockBookings) MarkNoShow(ctx context.Context, id string, actor models.Actor, notes string) (*models.Booking, error) {
	return m.result(m.Called(ctx, id, actor, notes))
}

func (m *mockBookings) SettleRefund(ctx context.Context, id string, actor models.Actor) (*models.Booking, error) {
	return m.result(m.Called(ctx, id, actor))
}

func (m *mockBookings) Transition(ctx context.Context, id string, target models.BookingStatus, actor models.Actor, details models.TransitionDetails) (*models.Booking, error) {
	return m.result(m.Called(ctx, id, target, actor, details))
}

type noAudit struct{}

func (noAudit) ListAudit(ctx context.Context, bookingID string) ([]models.AuditEntry, error) {
	return []models.AuditEntry{{ID: "a1", BookingID: bookingID, Kind: "acceptance"}}, nil
}

type stubSearcher struct {
	query ranking.Query
	opts  service.SearchOptions
}

func (s *stubSearcher) Search(ctx context.Context, query ranking.Query, opts service.SearchOptions) ([]ranking.Result, error) {
	s.query, s.opts = query, opts
	return []ranking.Result{{ProviderID: "p1", Score: 0.8}}, nil
}

type memoryIdempotency struct {
	mu      sync.Mutex
	entries map[string]*redisclient.StoredResponse
}

func (m *memoryIdempotency) GetIdempotentResponse(ctx context.Context, key string) (*redisclient.StoredResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[key], nil
}

func (m *memoryIdempotency) SetIdempotentResponse(ctx context.Context, key string, resp *redisclient.StoredResponse, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[key]; !ok {
		m.entries[key] = resp
	}
	return nil
}

func newTestRouter(bookings BookingService, searcher Searcher) (*gin.Engine, *memoryIdempotency) {
	gin.SetMode(gin.TestMode)
	idem := &memoryIdempotency{entries: make(map[string]*redisclient.StoredResponse)}
	router := gin.New()
	NewHandler(bookings, noAudit{}, searcher, idem, time.Hour).SetupRoutes(router)
	return router, idem
}

func doRequest(router *gin.Engine, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

var providerHeaders = map[string]string{headerActorID: "prov-1"}

func TestAccept(t *testing.T) {
	bookings := &mockBookings{}
	bookings.On("AcceptBooking", mock.Anything, "b1", models.Actor{ID: "prov-1"}, "see you").
		Return(&models.Booking{ID: "b1", Status: models.StatusAccepted}, nil)
	router, _ := newTestRouter(bookings, &stubSearcher{})

	w := doRequest(router, http.MethodPost, "/api/v1/bookings/b1/accept", `{"notes":"see you"}`, providerHeaders)

	assert.Equal(t, http.StatusOK, w.Code)
	booking := decode(t, w)["booking"].(map[string]interface{})
	assert.Equal(t, "ACCEPTED", booking["status"])
	bookings.AssertExpectations(t)
}

func TestAccept_EmptyBody(t *testing.T) {
	bookings := &mockBookings{}
	bookings.On("AcceptBooking", mock.Anything, "b1", mock.Anything, "").
		Return(&models.Booking{ID: "b1", Status: models.StatusAccepted}, nil)
	router, _ := newTestRouter(bookings, &stubSearcher{})

	w := doRequest(router, http.MethodPost, "/api/v1/bookings/b1/accept", "", providerHeaders)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMissingActor(t *testing.T) {
	router, _ := newTestRouter(&mockBookings{}, &stubSearcher{})

	w := doRequest(router, http.MethodPost, "/api/v1/bookings/b1/cancel", `{}`, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSystemActorHeader(t *testing.T) {
	bookings := &mockBookings{}
	bookings.On("SettleRefund", mock.Anything, "b1", models.Actor{ID: "ops", System: true}).
		Return(&models.Booking{ID: "b1", Status: models.StatusRefunded}, nil)
	router, _ := newTestRouter(bookings, &stubSearcher{})

	w := doRequest(router, http.MethodPost, "/api/v1/bookings/b1/settle-refund", "",
		map[string]string{headerActorID: "ops", headerActorSystem: "true"})
	assert.Equal(t, http.StatusOK, w.Code)
	bookings.AssertExpectations(t)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		kind   string
	}{
		{"invalid transition", errs.InvalidTransition("b1", "prov-1", "COMPLETED", "CANCELLED"), http.StatusConflict, "invalid_state_transition"},
		{"unauthorized", errs.Unauthorized("b1", "prov-1", "not yours"), http.StatusForbidden, "unauthorized"},
		{"invalid amount", errs.InvalidAmount(-5, "refund must be positive"), http.StatusUnprocessableEntity, "invalid_amount"},
		{"validation", errs.Validation("reason too short"), http.StatusBadRequest, "validation"},
		{"gateway", errs.GatewayFailure("b1", "CANCELLED", 10000, errors.New("card_declined: secret detail")), http.StatusBadGateway, "gateway_failure"},
		{"not found", errs.NotFound("b1"), http.StatusNotFound, "not_found"},
		{"internal", errors.New("connection reset"), http.StatusInternalServerError, "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bookings := &mockBookings{}
			bookings.On("CancelBooking", mock.Anything, "b1", mock.Anything, "", (*int64)(nil)).Return(nil, tt.err)
			router, _ := newTestRouter(bookings, &stubSearcher{})

			w := doRequest(router, http.MethodPost, "/api/v1/bookings/b1/cancel", `{}`, providerHeaders)

			assert.Equal(t, tt.status, w.Code)
			body := decode(t, w)
			assert.Equal(t, tt.kind, body["error"])
			assert.NotContains(t, w.Body.String(), "secret detail")
			assert.NotContains(t, w.Body.String(), "connection reset")
		})
	}
}

func TestErrorMapping_CarriesState(t *testing.T) {
	conflict := errs.InvalidTransition("b1", "prov-1", "CANCELLED", "IN_PROGRESS")
	conflict.AllowedStates = []string{"REFUNDED"}
	bookings := &mockBookings{}
	bookings.On("StartService", mock.Anything, "b1", mock.Anything).Return(nil, conflict)
	router, _ := newTestRouter(bookings, &stubSearcher{})

	w := doRequest(router, http.MethodPost, "/api/v1/bookings/b1/start", "", providerHeaders)

	body := decode(t, w)
	assert.Equal(t, "CANCELLED", body["current_state"])
	assert.Equal(t, "IN_PROGRESS", body["requested_state"])
	assert.Equal(t, []interface{}{"REFUNDED"}, body["allowed_states"])
	assert.Equal(t, "b1", body["booking_id"])
}

func TestCancel_PassesRefundAmount(t *testing.T) {
	bookings := &mockBookings{}
	bookings.On("CancelBooking", mock.Anything, "b1", mock.Anything, "goodwill",
		mock.MatchedBy(func(v *int64) bool { return v != nil && *v == 2500 })).
		Return(&models.Booking{ID: "b1", Status: models.StatusCancelled}, nil)
	router, _ := newTestRouter(bookings, &stubSearcher{})

	w := doRequest(router, http.MethodPost, "/api/v1/bookings/b1/cancel",
		`{"reason":"goodwill","refund_amount_cents":2500}`, map[string]string{headerActorID: "ops", headerActorSystem: "true"})
	assert.Equal(t, http.StatusOK, w.Code)
	bookings.AssertExpectations(t)
}

func TestIdempotentReplay(t *testing.T) {
	bookings := &mockBookings{}
	bookings.On("CapturePayment", mock.Anything, "b1", mock.Anything).
		Return(&models.Booking{ID: "b1", Status: models.StatusPaymentSucceeded}, nil).Once()
	router, idem := newTestRouter(bookings, &stubSearcher{})
	headers := map[string]string{headerActorID: "cust-1", headerIdempotencyKey: "k-1"}

	first := doRequest(router, http.MethodPost, "/api/v1/bookings/b1/capture", "", headers)
	second := doRequest(router, http.MethodPost, "/api/v1/bookings/b1/capture", "", headers)

	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "true", second.Header().Get(headerReplayed))
	assert.Len(t, idem.entries, 1)
	bookings.AssertNumberOfCalls(t, "CapturePayment", 1)
}

func TestIdempotency_FailuresAreNotStored(t *testing.T) {
	bookings := &mockBookings{}
	bookings.On("CapturePayment", mock.Anything, "b1", mock.Anything).
		Return(nil, errs.GatewayFailure("b1", "PAYMENT_PENDING", 10000, errors.New("timeout")))
	router, idem := newTestRouter(bookings, &stubSearcher{})
	headers := map[string]string{headerActorID: "cust-1", headerIdempotencyKey: "k-1"}

	w := doRequest(router, http.MethodPost, "/api/v1/bookings/b1/capture", "", headers)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Empty(t, idem.entries)
}

func TestTransition(t *testing.T) {
	bookings := &mockBookings{}
	bookings.On("Transition", mock.Anything, "b1", models.StatusRefunded, mock.Anything,
		models.RefundDetails{RefundRef: "re_1"}).
		Return(&models.Booking{ID: "b1", Status: models.StatusRefunded}, nil)
	router, _ := newTestRouter(bookings, &stubSearcher{})
	system := map[string]string{headerActorID: "ops", headerActorSystem: "true"}

	w := doRequest(router, http.MethodPost, "/api/v1/bookings/b1/transition",
		`{"target_status":"refunded","refund_ref":"re_1"}`, system)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(router, http.MethodPost, "/api/v1/bookings/b1/transition", `{"target_status":"LOST"}`, system)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(router, http.MethodPost, "/api/v1/bookings/b1/transition", `{}`, system)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetBooking_OnlyParties(t *testing.T) {
	customer := "cust-1"
	bookings := &mockBookings{}
	bookings.On("GetBooking", mock.Anything, "b1").
		Return(&models.Booking{ID: "b1", ProviderID: "prov-1", CustomerID: &customer, Status: models.StatusAccepted}, nil)
	router, _ := newTestRouter(bookings, &stubSearcher{})

	w := doRequest(router, http.MethodGet, "/api/v1/bookings/b1", "", map[string]string{headerActorID: "cust-1"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(router, http.MethodGet, "/api/v1/bookings/b1", "", map[string]string{headerActorID: "stranger"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doRequest(router, http.MethodGet, "/api/v1/bookings/b1/audit", "", providerHeaders)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["audit"], 1)
}

func TestSearch(t *testing.T) {
	searcher := &stubSearcher{}
	router, _ := newTestRouter(&mockBookings{}, searcher)

	w := doRequest(router, http.MethodPost, "/api/v1/search",
		`{"text":"deep clean","categories":["cleaning"],"debug":true,"location":{"latitude":1,"longitude":2}}`, nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "deep clean", searcher.query.Text)
	assert.Equal(t, []string{"cleaning"}, searcher.query.Categories)
	require.NotNil(t, searcher.query.Location)
	assert.True(t, searcher.opts.Debug)
	assert.EqualValues(t, 1, decode(t, w)["count"])
}
