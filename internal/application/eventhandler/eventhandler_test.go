package eventhandler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proficienthub/exam-credits/internal/domain/shared"
	"github.com/proficienthub/exam-credits/internal/infrastructure/messaging"
)

var t0 = time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)

type fakeInvalidator struct {
	mu       sync.Mutex
	calls    []string
	failures int
}

func (f *fakeInvalidator) InvalidatePool(_ context.Context, poolID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, poolID)
	if f.failures > 0 {
		f.failures--
		return errors.New("redis: i/o timeout")
	}
	return nil
}

func syncBus() *messaging.InMemoryEventBus {
	cfg := messaging.DefaultInMemoryEventBusConfig()
	cfg.AsyncMode = false
	return messaging.NewInMemoryEventBus(cfg)
}

func TestPoolIDOf(t *testing.T) {
	tests := []struct {
		name  string
		event shared.Event
	}{
		{"debited", shared.NewCreditDebitedEvent("p1", "i1", 100, t0)},
		{"refunded", shared.NewCreditRefundedEvent("p1", "i1", 100, t0)},
		{"charge_failed", shared.NewCreditChargeFailedEvent("p1", "i1", "reading", 25, "insufficient", t0)},
		{"created", shared.NewExamCreatedEvent("i1", "s1", "p1", "full_mock", 1, t0)},
		{"section_completed", shared.NewSectionCompletedEvent("i1", "s1", "p1", "reading", 6.5, t0)},
		{"completed", shared.NewExamCompletedEvent("i1", "s1", "p1", 7, 75.5, t0)},
		{"expired", shared.NewExamExpiredEvent("i1", "s1", "p1", false, t0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, "p1", PoolIDOf(tt.event))
		})
	}
}

func TestOnPlanChanged_InvalidatesEveryPlanEvent(t *testing.T) {
	bus := syncBus()
	cache := &fakeInvalidator{}
	require.NoError(t, Register(bus, cache, nil))

	require.NoError(t, bus.Publish(shared.NewCreditDebitedEvent("p1", "i1", 100, t0)))
	require.NoError(t, bus.Publish(shared.NewSectionCompletedEvent("i1", "s1", "p2", "listening", 6, t0)))
	require.NoError(t, bus.Publish(shared.NewExamExpiredEvent("i2", "s1", "p1", true, t0)))
	require.NoError(t, bus.Close())

	assert.Equal(t, []string{"p1", "p2", "p1"}, cache.calls)
}

func TestOnPlanChanged_RetriesTransientFailure(t *testing.T) {
	cache := &fakeInvalidator{failures: 1}
	h := NewOnPlanChangedHandler(cache, nil, PlanChangedConfig{Attempts: 3, Timeout: time.Second})

	require.NoError(t, h.Handle(shared.NewCreditRefundedEvent("p1", "i1", 100, t0)))
	assert.Equal(t, []string{"p1", "p1"}, cache.calls)
}

func TestOnPlanChanged_GivesUp(t *testing.T) {
	cache := &fakeInvalidator{failures: 10}
	h := NewOnPlanChangedHandler(cache, nil, PlanChangedConfig{Attempts: 2, Timeout: time.Second})

	err := h.Handle(shared.NewCreditRefundedEvent("p1", "i1", 100, t0))
	assert.Error(t, err)
	assert.Len(t, cache.calls, 2)
}

func TestOnChargeFailed_CountsByReason(t *testing.T) {
	h := NewOnChargeFailedHandler(nil)

	require.NoError(t, h.Handle(shared.NewCreditChargeFailedEvent("p1", "i1", "reading", 25, "insufficient", t0)))
	require.NoError(t, h.Handle(shared.NewCreditChargeFailedEvent("p1", "i1", "writing", 25, "insufficient", t0)))
	require.NoError(t, h.Handle(shared.NewCreditChargeFailedEvent("p1", "i2", "reading", 25, "expired_or_inactive", t0)))
	require.NoError(t, h.Handle(shared.NewCreditDebitedEvent("p1", "i1", 25, t0)))

	assert.Equal(t, map[string]int64{"insufficient": 2, "expired_or_inactive": 1}, h.Failures())
}

func TestRegister_WithoutCache(t *testing.T) {
	bus := syncBus()
	require.NoError(t, Register(bus, nil, nil))
	require.NoError(t, bus.Publish(shared.NewCreditDebitedEvent("p1", "i1", 100, t0)))
	require.NoError(t, bus.Close())
}
