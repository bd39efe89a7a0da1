// Package credit содержит доменную модель кредитного пула академии:
// купленный план пробных экзаменов и атомарное списание кредитов из него.
package credit

import (
	"strings"
	"time"

	"github.com/proficienthub/exam-credits/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// ENUMS
// ══════════════════════════════════════════════════════════════════════════════

// Status - статус кредитного пула.
type Status string

const (
	// StatusActive - пул можно использовать.
	StatusActive Status = "active"
	// StatusExpired - срок действия плана истёк.
	StatusExpired Status = "expired"
	// StatusExhausted - все кредиты израсходованы.
	StatusExhausted Status = "exhausted"
	// StatusCancelled - план отменён академией.
	StatusCancelled Status = "cancelled"
)

// IsValid проверяет, что статус корректен.
func (s Status) IsValid() bool {
	switch s {
	case StatusActive, StatusExpired, StatusExhausted, StatusCancelled:
		return true
	default:
		return false
	}
}

// Reason - причина решения леджера по списанию.
type Reason string

const (
	ReasonGranted           Reason = "granted"
	ReasonNotFound          Reason = "not_found"
	ReasonExpiredOrInactive Reason = "expired_or_inactive"
	ReasonInsufficient      Reason = "insufficient"
)

// Err переводит причину отказа в доменную ошибку.
// Для ReasonGranted возвращает nil.
func (r Reason) Err() error {
	switch r {
	case ReasonGranted:
		return nil
	case ReasonNotFound:
		return shared.ErrPlanNotFound
	case ReasonExpiredOrInactive:
		return shared.ErrPlanExpired
	default:
		return shared.ErrInsufficientCredits
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// ENTITY
// ══════════════════════════════════════════════════════════════════════════════

// Pool - кредитный пул (план академии на конкретный тип экзамена).
// Инвариант: 0 <= Used <= Total. Пул никогда не удаляется, меняется только статус.
type Pool struct {
	ID        shared.PoolID
	AcademyID shared.AcademyID
	ExamType  string
	PlanName  string
	Total     Amount
	Used      Amount
	Status    Status
	ExpiresAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewPoolParams - параметры для создания пула.
type NewPoolParams struct {
	ID        shared.PoolID
	AcademyID shared.AcademyID
	ExamType  string
	PlanName  string
	Total     Amount
	ExpiresAt *time.Time
	Now       time.Time
}

// NewPool создаёт новый активный пул с валидацией.
func NewPool(p NewPoolParams) (*Pool, error) {
	if !p.ID.IsValid() {
		return nil, shared.NewDomainError("credit", "NewPool", shared.ErrInvalidID, "invalid plan ID")
	}
	if !p.AcademyID.IsValid() {
		return nil, shared.NewDomainError("credit", "NewPool", shared.ErrInvalidID, "invalid academy ID")
	}
	if strings.TrimSpace(p.ExamType) == "" {
		return nil, shared.ErrInvalidExamType
	}
	if !p.Total.IsPositive() {
		return nil, shared.ErrInvalidAmount
	}
	name := strings.TrimSpace(p.PlanName)
	if name == "" {
		name = p.ExamType
	}
	return &Pool{
		ID:        p.ID,
		AcademyID: p.AcademyID,
		ExamType:  p.ExamType,
		PlanName:  name,
		Total:     p.Total,
		Status:    StatusActive,
		ExpiresAt: p.ExpiresAt,
		CreatedAt: p.Now,
		UpdatedAt: p.Now,
	}, nil
}

// Remaining возвращает остаток кредитов.
func (p *Pool) Remaining() Amount {
	if p.Used >= p.Total {
		return 0
	}
	return p.Total - p.Used
}

// IsExpiredAt проверяет, истёк ли срок действия на момент now.
func (p *Pool) IsExpiredAt(now time.Time) bool {
	return p.ExpiresAt != nil && !p.ExpiresAt.After(now)
}

// IsUsableAt - пул активен и не истёк.
func (p *Pool) IsUsableAt(now time.Time) bool {
	return p.Status == StatusActive && !p.IsExpiredAt(now)
}

// CanCover - можно ли списать amount на момент now.
// Это та же проверка, что выполняет условное обновление в хранилище.
func (p *Pool) CanCover(amount Amount, now time.Time) bool {
	return p.IsUsableAt(now) && p.Remaining() >= amount
}

// Diagnose классифицирует причину отказа по свежему чтению.
// Используется только для сообщения пользователю, никогда для повтора записи.
func (p *Pool) Diagnose(now time.Time) Reason {
	if p.Status == StatusExpired || p.Status == StatusCancelled || p.IsExpiredAt(now) {
		return ReasonExpiredOrInactive
	}
	// Исчерпанный пул, нехватка остатка и баланс, изменившийся между
	// неудачной записью и чтением, сообщаются одинаково.
	return ReasonInsufficient
}
