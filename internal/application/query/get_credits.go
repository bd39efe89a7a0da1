package query

import (
	"context"

	"github.com/proficienthub/exam-credits/internal/domain/credit"
	"github.com/proficienthub/exam-credits/internal/domain/shared"
	"github.com/proficienthub/exam-credits/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET CREDITS QUERY
// Остаток кредитов плана: сколько ещё полных экзаменов и отдельных секций
// можно пройти.
// ══════════════════════════════════════════════════════════════════════════════

// GetCreditsQuery содержит параметры запроса.
type GetCreditsQuery struct {
	Actor  shared.Actor
	PoolID shared.PoolID
}

// Validate проверяет корректность параметров.
func (q GetCreditsQuery) Validate() error {
	if err := q.Actor.Validate(); err != nil {
		return err
	}
	if !q.PoolID.IsValid() {
		return shared.ErrPlanNotFound
	}
	return nil
}

// GetCreditsHandler обрабатывает запрос остатка кредитов.
type GetCreditsHandler struct {
	pools credit.Repository
	clock timeutil.Clock
}

// NewGetCreditsHandler создаёт новый обработчик.
func NewGetCreditsHandler(pools credit.Repository, clock timeutil.Clock) *GetCreditsHandler {
	if clock == nil {
		clock = timeutil.SystemClock{}
	}
	return &GetCreditsHandler{pools: pools, clock: clock}
}

// Handle выполняет запрос. План чужой академии - ErrAccessDenied.
func (h *GetCreditsHandler) Handle(ctx context.Context, q GetCreditsQuery) (*CreditsDTO, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	pool, err := loadAcademyPool(ctx, h.pools, q.Actor, q.PoolID)
	if err != nil {
		return nil, err
	}
	dto := toCreditsDTO(pool, h.clock.Now())
	return &dto, nil
}

// loadAcademyPool читает план и проверяет, что он принадлежит академии актора.
func loadAcademyPool(ctx context.Context, pools credit.Repository, actor shared.Actor, id shared.PoolID) (*credit.Pool, error) {
	pool, err := pools.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if pool.AcademyID != actor.AcademyID {
		return nil, shared.ErrAccessDenied
	}
	return pool, nil
}
