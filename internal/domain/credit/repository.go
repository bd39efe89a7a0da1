package credit

import (
	"context"
	"time"

	"github.com/proficienthub/exam-credits/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// REPOSITORY INTERFACES
// Реализации находятся в infrastructure/persistence.
// Все методы участвуют в транзакции, если она передана через контекст.
// ══════════════════════════════════════════════════════════════════════════════

// Repository определяет операции хранилища над кредитными пулами.
type Repository interface {
	// Create сохраняет новый пул.
	Create(ctx context.Context, pool *Pool) error

	// GetByID возвращает пул по ID.
	// Возвращает ErrPlanNotFound, если пул не найден.
	GetByID(ctx context.Context, id shared.PoolID) (*Pool, error)

	// Lock читает пул с блокировкой строки до конца транзакции.
	// Возвращает ErrPlanNotFound, если пул не найден.
	Lock(ctx context.Context, id shared.PoolID) (*Pool, error)

	// Debit - единственная условная запись: увеличивает Used на amount,
	// только если пул существует, активен, не истёк и остаток >= amount.
	// Если после списания Used == Total, статус становится exhausted.
	// Возвращает false, если условие не выполнено; частичного списания нет.
	Debit(ctx context.Context, id shared.PoolID, amount Amount, now time.Time) (bool, error)

	// Refund уменьшает Used на amount, но не ниже нуля.
	// Исчерпанный пул с появившимся остатком снова становится active.
	// Возвращает false, если пул не найден.
	Refund(ctx context.Context, id shared.PoolID, amount Amount, now time.Time) (bool, error)

	// MarkExpired переводит активный пул с истёкшим сроком в expired.
	// Идемпотентен.
	MarkExpired(ctx context.Context, id shared.PoolID, now time.Time) error

	// ListByAcademy возвращает пулы академии.
	ListByAcademy(ctx context.Context, academyID shared.AcademyID) ([]*Pool, error)
}
