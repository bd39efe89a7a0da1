// Package command contains write operations (CQRS - Commands).
//
// Every handler follows the same shape: validate the command, load and
// authorize the aggregate, apply the domain transition, persist it, and only
// after the write has committed publish the resulting domain events.
package command

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/proficienthub/exam-credits/internal/domain/credit"
	"github.com/proficienthub/exam-credits/internal/domain/exam"
	"github.com/proficienthub/exam-credits/internal/domain/shared"
	"github.com/proficienthub/exam-credits/pkg/logger"
	"github.com/proficienthub/exam-credits/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// PORTS
// ══════════════════════════════════════════════════════════════════════════════

// TxManager runs fn inside one storage transaction carried by ctx.
// A call made while a transaction is already in ctx joins it.
type TxManager interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Deps are the collaborators shared by the exam command handlers.
type Deps struct {
	Exams     exam.Repository
	Pools     credit.Repository
	Tx        TxManager
	Publisher shared.EventPublisher
	Clock     timeutil.Clock
	Logger    *logger.Logger

	// NewID generates instance and section IDs. Defaults to uuid.NewString.
	NewID func() string
}

func (d Deps) withDefaults() Deps {
	if d.Publisher == nil {
		d.Publisher = shared.NopPublisher{}
	}
	if d.Clock == nil {
		d.Clock = timeutil.SystemClock{}
	}
	if d.Logger == nil {
		d.Logger = logger.Nop()
	}
	if d.NewID == nil {
		d.NewID = uuid.NewString
	}
	return d
}

// ══════════════════════════════════════════════════════════════════════════════
// SHARED HANDLER PLUMBING
// ══════════════════════════════════════════════════════════════════════════════

type base struct {
	Deps
	ledger *credit.Ledger
	log    *logger.Logger
}

func newBase(d Deps, op string) base {
	d = d.withDefaults()
	log := d.Logger.With(logger.Component("command"), logger.Operation(op))
	return base{
		Deps: d,
		ledger: credit.NewLedger(d.Pools, d.Clock, credit.WithExpireErrorHandler(func(id shared.PoolID, err error) {
			log.Warn("failed to mark credit pool expired", logger.PoolID(id.String()), logger.Err(err))
		})),
		log: log,
	}
}

// loadOwned reads an instance, checks that the actor owns it and applies
// lazy expiry. An instance that just expired is persisted as expired and
// returned, so the caller's transition fails with ErrExamExpired.
func (b base) loadOwned(ctx context.Context, actor shared.Actor, id shared.InstanceID) (*exam.Instance, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}
	if !id.IsValid() {
		return nil, shared.ErrInstanceNotFound
	}

	inst, err := b.Exams.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !inst.IsOwnedBy(actor.StudentID) {
		return nil, shared.ErrAccessDenied
	}
	return b.expireIfDue(ctx, inst)
}

// expireIfDue persists a lazily detected expiry. When another writer got
// there first the fresh copy is returned instead.
func (b base) expireIfDue(ctx context.Context, inst *exam.Instance) (*exam.Instance, error) {
	now := b.Clock.Now()
	if !inst.ExpireIfDue(now) {
		return inst, nil
	}

	if err := b.Exams.Save(ctx, inst); err != nil {
		if errors.Is(err, shared.ErrConcurrentProgress) {
			return b.Exams.GetByID(ctx, inst.ID)
		}
		return nil, fmt.Errorf("failed to persist expiry: %w", err)
	}

	b.log.Info("exam instance expired lazily",
		logger.InstanceID(inst.ID.String()),
		logger.StudentID(inst.StudentID.String()),
	)
	b.publish(shared.NewExamExpiredEvent(inst.ID.String(), inst.StudentID.String(), inst.PoolID.String(), false, now))
	return inst, nil
}

// publish hands committed events to the bus. Delivery failures are logged,
// the write they describe already happened.
func (b base) publish(events ...shared.Event) {
	for _, e := range events {
		if err := b.Publisher.Publish(e); err != nil {
			b.log.Warn("failed to publish event",
				logger.String("event_type", string(e.EventType())),
				logger.String("aggregate_id", e.AggregateID()),
				logger.Err(err),
			)
		}
	}
}

// chargeOutcome is the result of a best-effort section charge.
type chargeOutcome struct {
	State  exam.ChargeState
	Amount credit.Amount
	Reason credit.Reason
}

// chargeSection debits one section-mode completion in its own transaction,
// after the result itself has been committed. A refusal or a storage error is
// recorded as a failed charge and never undoes the result.
func (b base) chargeSection(ctx context.Context, inst *exam.Instance, section exam.SectionType, amount credit.Amount) chargeOutcome {
	out := chargeOutcome{State: exam.ChargeFailed, Amount: amount}

	err := b.Tx.WithinTx(ctx, func(ctx context.Context) error {
		dec, err := b.ledger.TryDebit(ctx, inst.PoolID, amount)
		if err != nil {
			return err
		}
		out.Reason = dec.Reason
		if !dec.Granted {
			return b.Exams.RecordCharge(ctx, inst.ID, section, 0, exam.ChargeFailed)
		}
		out.State = exam.ChargeCharged
		return b.Exams.RecordCharge(ctx, inst.ID, section, amount, exam.ChargeCharged)
	})

	now := b.Clock.Now()
	fields := []logger.Field{
		logger.InstanceID(inst.ID.String()),
		logger.PoolID(inst.PoolID.String()),
		logger.SectionType(string(section)),
		logger.Credits(amount.Int64()),
	}

	if err != nil {
		out.State = exam.ChargeFailed
		out.Reason = ""
		b.log.Error("section charge failed", append(fields, logger.Err(err))...)
		inst.MarkChargeFailed(section)
		b.publish(shared.NewCreditChargeFailedEvent(inst.PoolID.String(), inst.ID.String(), string(section), amount.Int64(), err.Error(), now))
		return out
	}

	if out.State == exam.ChargeCharged {
		inst.MarkCharged(section, amount)
		b.log.Info("section charged", fields...)
		b.publish(shared.NewCreditDebitedEvent(inst.PoolID.String(), inst.ID.String(), amount.Int64(), now))
		return out
	}

	inst.MarkChargeFailed(section)
	b.log.Warn("section charge refused", append(fields, logger.String("reason", string(out.Reason)))...)
	b.publish(shared.NewCreditChargeFailedEvent(inst.PoolID.String(), inst.ID.String(), string(section), amount.Int64(), string(out.Reason), now))
	return out
}
