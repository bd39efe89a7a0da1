package command

import (
	"context"
	"errors"
	"fmt"

	"github.com/proficienthub/exam-credits/internal/domain/credit"
	"github.com/proficienthub/exam-credits/internal/domain/exam"
	"github.com/proficienthub/exam-credits/internal/domain/scoring"
	"github.com/proficienthub/exam-credits/internal/domain/shared"
	"github.com/proficienthub/exam-credits/pkg/logger"
)

// InstanceCommand addresses one attempt on behalf of its owner.
type InstanceCommand struct {
	Actor      shared.Actor
	InstanceID shared.InstanceID
}

// Validate validates the command.
func (c InstanceCommand) Validate() error {
	return c.Actor.Validate()
}

// InstanceResult carries the attempt after the transition.
type InstanceResult struct {
	Instance *exam.Instance
}

// ══════════════════════════════════════════════════════════════════════════════
// PAUSE / RESUME
// ══════════════════════════════════════════════════════════════════════════════

// PauseExamHandler pauses a running attempt and banks its elapsed time.
type PauseExamHandler struct {
	base
}

// NewPauseExamHandler creates a new PauseExamHandler.
func NewPauseExamHandler(deps Deps) *PauseExamHandler {
	return &PauseExamHandler{base: newBase(deps, "pause_exam")}
}

// Handle executes the pause command.
func (h *PauseExamHandler) Handle(ctx context.Context, cmd InstanceCommand) (*InstanceResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	inst, err := h.loadOwned(ctx, cmd.Actor, cmd.InstanceID)
	if err != nil {
		return nil, err
	}
	if err := inst.Pause(h.Clock.Now()); err != nil {
		return nil, err
	}
	if err := h.Exams.Save(ctx, inst); err != nil {
		return nil, err
	}

	h.log.Info("exam paused",
		logger.InstanceID(inst.ID.String()),
		logger.Duration("elapsed", inst.Elapsed),
	)
	return &InstanceResult{Instance: inst}, nil
}

// ResumeExamHandler resumes a paused attempt.
type ResumeExamHandler struct {
	base
}

// NewResumeExamHandler creates a new ResumeExamHandler.
func NewResumeExamHandler(deps Deps) *ResumeExamHandler {
	return &ResumeExamHandler{base: newBase(deps, "resume_exam")}
}

// Handle executes the resume command.
func (h *ResumeExamHandler) Handle(ctx context.Context, cmd InstanceCommand) (*InstanceResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	inst, err := h.loadOwned(ctx, cmd.Actor, cmd.InstanceID)
	if err != nil {
		return nil, err
	}
	if err := inst.Resume(h.Clock.Now()); err != nil {
		return nil, err
	}
	if err := h.Exams.Save(ctx, inst); err != nil {
		return nil, err
	}

	h.log.Info("exam resumed", logger.InstanceID(inst.ID.String()))
	return &InstanceResult{Instance: inst}, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// FINISH SESSION
// Closes a section-mode attempt with the sections completed so far.
// ══════════════════════════════════════════════════════════════════════════════

// FinishSessionResult contains the aggregate of the completed subset.
type FinishSessionResult struct {
	Instance *exam.Instance
	Overall  scoring.Overall
}

// FinishSessionHandler handles section-mode session completion.
type FinishSessionHandler struct {
	base
}

// NewFinishSessionHandler creates a new FinishSessionHandler.
func NewFinishSessionHandler(deps Deps) *FinishSessionHandler {
	return &FinishSessionHandler{base: newBase(deps, "finish_session")}
}

// Handle executes the finish command.
func (h *FinishSessionHandler) Handle(ctx context.Context, cmd InstanceCommand) (*FinishSessionResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	inst, err := h.loadOwned(ctx, cmd.Actor, cmd.InstanceID)
	if err != nil {
		return nil, err
	}

	now := h.Clock.Now()
	overall, err := inst.FinishSession(now)
	if err != nil {
		return nil, err
	}
	if err := h.Exams.Save(ctx, inst); err != nil {
		return nil, err
	}

	h.log.Info("section session finished",
		logger.InstanceID(inst.ID.String()),
		logger.Int("sections", overall.Sections),
		logger.Float64("band", overall.Band),
	)
	h.publish(shared.NewExamCompletedEvent(inst.ID.String(), inst.StudentID.String(), inst.PoolID.String(), overall.Band, overall.Percentage, now))

	return &FinishSessionResult{Instance: inst, Overall: overall}, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// ABANDON
// An attempt with no completed section can be abandoned; a full mock gets
// its upfront charge back in the same transaction.
// ══════════════════════════════════════════════════════════════════════════════

// AbandonExamResult contains the refunded amount.
type AbandonExamResult struct {
	Instance *exam.Instance
	Refunded credit.Amount
}

// AbandonExamHandler handles abandoning an attempt.
type AbandonExamHandler struct {
	base
}

// NewAbandonExamHandler creates a new AbandonExamHandler.
func NewAbandonExamHandler(deps Deps) *AbandonExamHandler {
	return &AbandonExamHandler{base: newBase(deps, "abandon_exam")}
}

// Handle executes the abandon command.
func (h *AbandonExamHandler) Handle(ctx context.Context, cmd InstanceCommand) (*AbandonExamResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	inst, err := h.loadOwned(ctx, cmd.Actor, cmd.InstanceID)
	if err != nil {
		return nil, err
	}

	now := h.Clock.Now()
	if _, err := inst.Abandon(now); err != nil {
		return nil, err
	}

	var refund credit.Amount
	err = h.Tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := h.Exams.Save(ctx, inst); err != nil {
			return err
		}
		held, err := h.Exams.ReleaseCharge(ctx, inst.ID)
		if err != nil {
			return err
		}
		refund = held
		if refund.IsPositive() {
			return h.ledger.Refund(ctx, inst.PoolID, refund)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	h.log.Info("exam abandoned",
		logger.InstanceID(inst.ID.String()),
		logger.PoolID(inst.PoolID.String()),
		logger.Credits(refund.Int64()),
	)
	h.publish(shared.NewExamExpiredEvent(inst.ID.String(), inst.StudentID.String(), inst.PoolID.String(), true, now))
	if refund.IsPositive() {
		h.publish(shared.NewCreditRefundedEvent(inst.PoolID.String(), inst.ID.String(), refund.Int64(), now))
	}

	return &AbandonExamResult{Instance: inst, Refunded: refund}, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// EXPIRE
// Used by the external timer and the sweeper. No owner check: the caller is
// the system, not a student.
// ══════════════════════════════════════════════════════════════════════════════

// ExpireExamCommand expires one attempt.
type ExpireExamCommand struct {
	InstanceID shared.InstanceID
}

// ExpireExamResult reports whether this call did the transition.
type ExpireExamResult struct {
	Instance *exam.Instance
	Expired  bool
}

// ExpireExamHandler handles explicit expiry.
type ExpireExamHandler struct {
	base
}

// NewExpireExamHandler creates a new ExpireExamHandler.
func NewExpireExamHandler(deps Deps) *ExpireExamHandler {
	return &ExpireExamHandler{base: newBase(deps, "expire_exam")}
}

// Handle executes the expire command. Expiring an expired attempt is a no-op;
// a completed attempt cannot expire.
func (h *ExpireExamHandler) Handle(ctx context.Context, cmd ExpireExamCommand) (*ExpireExamResult, error) {
	if !cmd.InstanceID.IsValid() {
		return nil, shared.ErrInstanceNotFound
	}
	inst, err := h.Exams.GetByID(ctx, cmd.InstanceID)
	if err != nil {
		return nil, err
	}
	return h.expire(ctx, inst)
}

func (h *ExpireExamHandler) expire(ctx context.Context, inst *exam.Instance) (*ExpireExamResult, error) {
	if inst.Status == exam.StatusExpired {
		return &ExpireExamResult{Instance: inst}, nil
	}

	now := h.Clock.Now()
	if err := inst.Expire(now); err != nil {
		return nil, err
	}
	if err := h.Exams.Save(ctx, inst); err != nil {
		return nil, err
	}

	h.log.Info("exam expired",
		logger.InstanceID(inst.ID.String()),
		logger.StudentID(inst.StudentID.String()),
	)
	h.publish(shared.NewExamExpiredEvent(inst.ID.String(), inst.StudentID.String(), inst.PoolID.String(), false, now))
	return &ExpireExamResult{Instance: inst, Expired: true}, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Sweep
// ─────────────────────────────────────────────────────────────────────────────

// SweepExpiredCommand expires attempts whose deadline has passed.
type SweepExpiredCommand struct {
	// BatchSize caps how many attempts one sweep touches. Zero means 100.
	BatchSize int
}

// SweepExpiredResult summarises one sweep.
type SweepExpiredResult struct {
	Scanned int
	Expired int
	Failed  int
}

// SweepExpiredHandler handles the periodic sweep.
type SweepExpiredHandler struct {
	expirer *ExpireExamHandler
}

// NewSweepExpiredHandler creates a new SweepExpiredHandler.
func NewSweepExpiredHandler(deps Deps) *SweepExpiredHandler {
	h := NewExpireExamHandler(deps)
	h.log = h.Logger.With(logger.Component("command"), logger.Operation("sweep_expired"))
	return &SweepExpiredHandler{expirer: h}
}

// Handle executes one sweep. Individual failures are counted and logged;
// a concurrent writer winning the race is not a failure.
func (h *SweepExpiredHandler) Handle(ctx context.Context, cmd SweepExpiredCommand) (*SweepExpiredResult, error) {
	limit := cmd.BatchSize
	if limit <= 0 {
		limit = 100
	}

	due, err := h.expirer.Exams.ListPastDeadline(ctx, h.expirer.Clock.Now(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired instances: %w", err)
	}

	res := &SweepExpiredResult{Scanned: len(due)}
	for _, inst := range due {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		out, err := h.expirer.expire(ctx, inst)
		switch {
		case err == nil:
			if out.Expired {
				res.Expired++
			}
		case errors.Is(err, shared.ErrConcurrentProgress), errors.Is(err, shared.ErrInvalidTransition):
		default:
			res.Failed++
			h.expirer.log.Warn("failed to expire instance",
				logger.InstanceID(inst.ID.String()),
				logger.Err(err),
			)
		}
	}

	if res.Scanned > 0 {
		h.expirer.log.Info("expiry sweep finished",
			logger.Int("scanned", res.Scanned),
			logger.Int("expired", res.Expired),
			logger.Int("failed", res.Failed),
		)
	}
	return res, nil
}
