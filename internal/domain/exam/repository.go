package exam

import (
	"context"
	"time"

	"github.com/proficienthub/exam-credits/internal/domain/credit"
	"github.com/proficienthub/exam-credits/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// REPOSITORY INTERFACES
// Реализации находятся в infrastructure/persistence.
// Все методы участвуют в транзакции, если она передана через контекст.
// ══════════════════════════════════════════════════════════════════════════════

// Repository определяет операции хранилища над попытками и их секциями.
type Repository interface {
	// Create сохраняет попытку вместе с секциями.
	// Нарушение уникальности (student, pool, exam_number) возвращает
	// ErrConcurrentProgress.
	Create(ctx context.Context, inst *Instance) error

	// GetByID возвращает попытку с секциями.
	// Возвращает ErrInstanceNotFound, если попытка не найдена.
	GetByID(ctx context.Context, id shared.InstanceID) (*Instance, error)

	// Save сохраняет изменённую попытку, если её версия в хранилище всё ещё
	// равна inst.Version, и увеличивает версию. Иначе ErrConcurrentProgress.
	Save(ctx context.Context, inst *Instance) error

	// RecordCharge атомарно увеличивает credits_charged и ставит состояние
	// оплаты секции без проверки версии (аудит, не прогресс).
	RecordCharge(ctx context.Context, id shared.InstanceID, section SectionType, amount credit.Amount, state ChargeState) error

	// ReleaseCharge обнуляет credits_charged и возвращает списанную сумму.
	// Save эти поля не пишет, поэтому отметки оплаты не теряются при гонке.
	ReleaseCharge(ctx context.Context, id shared.InstanceID) (credit.Amount, error)

	// NextExamNumber возвращает max(exam_number)+1 для пары (student, pool).
	NextExamNumber(ctx context.Context, student shared.StudentID, pool shared.PoolID) (int, error)

	// ListByStudentPool возвращает попытки студента по плану в порядке номеров.
	ListByStudentPool(ctx context.Context, student shared.StudentID, pool shared.PoolID) ([]*Instance, error)

	// ListPastDeadline возвращает незакрытые попытки с истёкшим сроком.
	ListPastDeadline(ctx context.Context, now time.Time, limit int) ([]*Instance, error)
}
