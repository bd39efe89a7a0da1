package credit

import (
	"context"
	"errors"
	"fmt"

	"github.com/proficienthub/exam-credits/internal/domain/shared"
	"github.com/proficienthub/exam-credits/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// LEDGER
// ══════════════════════════════════════════════════════════════════════════════

// Decision - результат попытки списания.
type Decision struct {
	Granted bool
	Reason  Reason
}

// Err возвращает доменную ошибку для отказа или nil.
func (d Decision) Err() error {
	if d.Granted {
		return nil
	}
	return d.Reason.Err()
}

// Ledger - доменный сервис списания и возврата кредитов.
// Сериализация по пулу обеспечивается хранилищем: списание выражено
// одной условной записью, а не чтением с последующей записью.
// Списание никогда не повторяется автоматически.
type Ledger struct {
	repo        Repository
	clock       timeutil.Clock
	onExpireErr func(shared.PoolID, error)
}

// LedgerOption настраивает Ledger.
type LedgerOption func(*Ledger)

// WithExpireErrorHandler задаёт обработчик ошибок ленивой смены статуса
// пула на expired. По умолчанию ошибка отбрасывается.
func WithExpireErrorHandler(fn func(shared.PoolID, error)) LedgerOption {
	return func(l *Ledger) { l.onExpireErr = fn }
}

// NewLedger создаёт леджер поверх репозитория пулов.
func NewLedger(repo Repository, clock timeutil.Clock, opts ...LedgerOption) *Ledger {
	if clock == nil {
		clock = timeutil.SystemClock{}
	}
	l := &Ledger{repo: repo, clock: clock}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// TryDebit пытается списать amount из пула.
//
// При отказе выполняется диагностическое чтение, чтобы отличить
// "пул не найден", "план истёк или неактивен" и "недостаточно кредитов".
// Это чтение может увидеть уже изменённое состояние и влияет только
// на текст ошибки. Ошибка возвращается только при сбое хранилища
// или некорректной сумме.
func (l *Ledger) TryDebit(ctx context.Context, poolID shared.PoolID, amount Amount) (Decision, error) {
	if !amount.IsPositive() {
		return Decision{}, shared.ErrInvalidAmount
	}

	now := l.clock.Now()
	ok, err := l.repo.Debit(ctx, poolID, amount, now)
	if err != nil {
		return Decision{}, fmt.Errorf("credit: debit pool %s: %w", poolID, err)
	}
	if ok {
		return Decision{Granted: true, Reason: ReasonGranted}, nil
	}

	pool, err := l.repo.GetByID(ctx, poolID)
	if err != nil {
		if errors.Is(err, shared.ErrPlanNotFound) {
			return Decision{Reason: ReasonNotFound}, nil
		}
		return Decision{}, fmt.Errorf("credit: diagnose pool %s: %w", poolID, err)
	}

	reason := pool.Diagnose(now)
	if pool.Status == StatusActive && pool.IsExpiredAt(now) {
		// Ленивая смена статуса. Ошибка здесь не меняет решения;
		// хранилище обязано не ломать ею транзакцию вызывающего.
		if err := l.repo.MarkExpired(ctx, poolID, now); err != nil && l.onExpireErr != nil {
			l.onExpireErr(poolID, err)
		}
	}
	return Decision{Reason: reason}, nil
}

// Refund возвращает amount в пул. Used не опускается ниже нуля.
func (l *Ledger) Refund(ctx context.Context, poolID shared.PoolID, amount Amount) error {
	if !amount.IsPositive() {
		return shared.ErrInvalidAmount
	}
	ok, err := l.repo.Refund(ctx, poolID, amount, l.clock.Now())
	if err != nil {
		return fmt.Errorf("credit: refund pool %s: %w", poolID, err)
	}
	if !ok {
		return shared.ErrPlanNotFound
	}
	return nil
}

// Check - рекомендательная проверка без списания: хватит ли пула на amount.
// Не заменяет TryDebit и не резервирует кредиты.
func (l *Ledger) Check(ctx context.Context, poolID shared.PoolID, amount Amount) (*Pool, Decision, error) {
	pool, err := l.repo.GetByID(ctx, poolID)
	if err != nil {
		if errors.Is(err, shared.ErrPlanNotFound) {
			return nil, Decision{Reason: ReasonNotFound}, nil
		}
		return nil, Decision{}, fmt.Errorf("credit: read pool %s: %w", poolID, err)
	}
	now := l.clock.Now()
	if pool.CanCover(amount, now) {
		return pool, Decision{Granted: true, Reason: ReasonGranted}, nil
	}
	return pool, Decision{Reason: pool.Diagnose(now)}, nil
}
