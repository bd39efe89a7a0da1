package eventhandler

import (
	"sync"

	"github.com/proficienthub/exam-credits/internal/domain/shared"
	"github.com/proficienthub/exam-credits/pkg/logger"
)

// ═══════════════════════════════════════════════════════════════════════════
// ON CHARGE FAILED
// Результат секции уже сохранён, а 0.25 списать не удалось. Автоматического
// повтора нет: попытка помечена charge_state=failed, событие пишется в журнал
// для разбора академией.
// ═══════════════════════════════════════════════════════════════════════════

// OnChargeFailedHandler журналирует несписанные секции.
type OnChargeFailedHandler struct {
	log *logger.Logger

	mu       sync.Mutex
	byReason map[string]int64
}

// NewOnChargeFailedHandler создаёт обработчик.
func NewOnChargeFailedHandler(log *logger.Logger) *OnChargeFailedHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &OnChargeFailedHandler{
		log:      log.With(logger.Component("eventhandler"), logger.Operation("on_charge_failed")),
		byReason: make(map[string]int64),
	}
}

// Handle реализует shared.EventHandler.
func (h *OnChargeFailedHandler) Handle(event shared.Event) error {
	e, ok := event.(shared.CreditChargeFailedEvent)
	if !ok {
		return nil
	}

	h.mu.Lock()
	h.byReason[e.Reason]++
	h.mu.Unlock()

	h.log.Warn("section result kept without charge",
		logger.PoolID(e.PoolID),
		logger.InstanceID(e.InstanceID),
		logger.SectionType(e.SectionType),
		logger.Credits(e.Amount),
		logger.String("reason", e.Reason),
	)
	return nil
}

// Failures возвращает число несписанных секций по причинам.
func (h *OnChargeFailedHandler) Failures() map[string]int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]int64, len(h.byReason))
	for k, v := range h.byReason {
		out[k] = v
	}
	return out
}
