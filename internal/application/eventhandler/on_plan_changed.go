// Package eventhandler содержит обработчики доменных событий.
// Обработчики запускают побочные эффекты после коммита: сброс кеша
// дашбордов и журнал неудачных списаний. Их ошибки не откатывают запись.
package eventhandler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/proficienthub/exam-credits/internal/domain/shared"
	"github.com/proficienthub/exam-credits/pkg/logger"
	"github.com/proficienthub/exam-credits/pkg/retry"
)

// ═══════════════════════════════════════════════════════════════════════════
// ON PLAN CHANGED
// Любое изменение кредитов или попыток плана сбрасывает все дашборды плана:
// остаток кредитов общий для всех студентов академии.
// ═══════════════════════════════════════════════════════════════════════════

// PoolInvalidator сбрасывает кешированные дашборды плана.
type PoolInvalidator interface {
	InvalidatePool(ctx context.Context, poolID string) error
}

// PlanChangedEvents - события, после которых дашборд плана устарел.
var PlanChangedEvents = []shared.EventType{
	shared.EventCreditDebited,
	shared.EventCreditRefunded,
	shared.EventCreditChargeFailed,
	shared.EventExamCreated,
	shared.EventSectionCompleted,
	shared.EventExamCompleted,
	shared.EventExamExpired,
}

// PlanChangedConfig содержит конфигурацию обработчика.
type PlanChangedConfig struct {
	// Attempts - сколько раз пробовать сбросить кеш.
	Attempts int

	// Timeout на одну попытку.
	Timeout time.Duration
}

// DefaultPlanChangedConfig возвращает конфигурацию по умолчанию.
func DefaultPlanChangedConfig() PlanChangedConfig {
	return PlanChangedConfig{Attempts: 3, Timeout: 2 * time.Second}
}

// OnPlanChangedHandler сбрасывает дашборды плана.
type OnPlanChangedHandler struct {
	cache   PoolInvalidator
	retrier *retry.Retrier
	config  PlanChangedConfig
	log     *logger.Logger
}

// NewOnPlanChangedHandler создаёт обработчик.
func NewOnPlanChangedHandler(cache PoolInvalidator, log *logger.Logger, config PlanChangedConfig) *OnPlanChangedHandler {
	if log == nil {
		log = logger.Nop()
	}
	if config.Attempts <= 0 {
		config = DefaultPlanChangedConfig()
	}
	return &OnPlanChangedHandler{
		cache: cache,
		retrier: retry.New(
			retry.WithMaxAttempts(config.Attempts),
			retry.WithInitialDelay(50*time.Millisecond),
			retry.WithMaxDelay(500*time.Millisecond),
		),
		config: config,
		log:    log.With(logger.Component("eventhandler"), logger.Operation("on_plan_changed")),
	}
}

// Handle реализует shared.EventHandler.
func (h *OnPlanChangedHandler) Handle(event shared.Event) error {
	poolID := PoolIDOf(event)
	if poolID == "" {
		h.log.Warn("event without plan", logger.String("event_type", string(event.EventType())))
		return nil
	}

	err := h.retrier.Do(context.Background(), func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, h.config.Timeout)
		defer cancel()
		return h.cache.InvalidatePool(ctx, poolID)
	})
	if err != nil {
		return fmt.Errorf("invalidate dashboards of plan %s: %w", poolID, err)
	}

	h.log.Debug("dashboards invalidated",
		logger.PoolID(poolID),
		logger.String("event_type", string(event.EventType())),
	)
	return nil
}

// PoolIDOf возвращает план, к которому относится событие.
func PoolIDOf(event shared.Event) string {
	switch e := event.(type) {
	case shared.CreditDebitedEvent:
		return e.PoolID
	case shared.CreditRefundedEvent:
		return e.PoolID
	case shared.CreditChargeFailedEvent:
		return e.PoolID
	case shared.ExamCreatedEvent:
		return e.PoolID
	case shared.SectionCompletedEvent:
		return e.PoolID
	case shared.ExamCompletedEvent:
		return e.PoolID
	case shared.ExamExpiredEvent:
		return e.PoolID
	}
	if id, ok := event.Payload()["pool_id"].(string); ok {
		return id
	}
	return ""
}

// Subscriber - шина событий со стороны подписки.
type Subscriber interface {
	Subscribe(eventType shared.EventType, handler shared.EventHandler) error
}

// Register подписывает обработчики на шину. cache может быть nil:
// тогда сбрасывать нечего.
func Register(bus Subscriber, cache PoolInvalidator, log *logger.Logger) error {
	var errs []error

	if cache != nil {
		onChanged := NewOnPlanChangedHandler(cache, log, DefaultPlanChangedConfig())
		for _, t := range PlanChangedEvents {
			errs = append(errs, bus.Subscribe(t, onChanged.Handle))
		}
	}

	onFailed := NewOnChargeFailedHandler(log)
	errs = append(errs, bus.Subscribe(shared.EventCreditChargeFailed, onFailed.Handle))

	return errors.Join(errs...)
}
