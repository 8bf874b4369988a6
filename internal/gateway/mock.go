package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockGateway is an in-process gateway for local runs and tests. Replaying an
// idempotency key returns the first result without moving money again.
type MockGateway struct {
	mu       sync.Mutex
	latency  time.Duration
	results  map[string]string
	captured map[string]int64
	refunded map[string]int64
	failures map[string]error
	calls    int
}

func NewMockGateway(latency time.Duration) *MockGateway {
	return &MockGateway{
		latency:  latency,
		results:  make(map[string]string),
		captured: make(map[string]int64),
		refunded: make(map[string]int64),
		failures: make(map[string]error),
	}
}

// FailOn makes every call for bookingID fail with err until cleared with a nil err.
func (m *MockGateway) FailOn(bookingID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, bookingID)
		return
	}
	m.failures[bookingID] = err
}

func (m *MockGateway) CaptureCharge(ctx context.Context, req CaptureRequest) (string, error) {
	if err := m.wait(ctx); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++

	if err := m.failures[req.BookingID]; err != nil {
		return "", err
	}
	if ref, ok := m.results[req.IdempotencyKey]; ok {
		return ref, nil
	}
	ref := fmt.Sprintf("ch_mock_%s", uuid.New().String()[:8])
	m.results[req.IdempotencyKey] = ref
	m.captured[ref] = req.AmountCents
	return ref, nil
}

func (m *MockGateway) CreateRefund(ctx context.Context, req RefundRequest) (string, error) {
	if err := m.wait(ctx); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++

	if err := m.failures[req.BookingID]; err != nil {
		return "", err
	}
	if req.ChargeRef == "" {
		return "", ErrMissingChargeID
	}
	if ref, ok := m.results[req.IdempotencyKey]; ok {
		return ref, nil
	}
	if captured, ok := m.captured[req.ChargeRef]; ok && m.refunded[req.ChargeRef]+req.AmountCents > captured {
		return "", fmt.Errorf("refund of %d exceeds remaining captured amount: %w", req.AmountCents, ErrDeclined)
	}
	ref := fmt.Sprintf("re_mock_%s", uuid.New().String()[:8])
	m.results[req.IdempotencyKey] = ref
	m.refunded[req.ChargeRef] += req.AmountCents
	return ref, nil
}

// Refunded returns the total refunded against a charge.
func (m *MockGateway) Refunded(chargeRef string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refunded[chargeRef]
}

// Calls returns how many gateway calls reached the mock.
func (m *MockGateway) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockGateway) wait(ctx context.Context) error {
	if m.latency <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(m.latency)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
