package command

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/proficienthub/exam-credits/internal/domain/credit"
	"github.com/proficienthub/exam-credits/internal/domain/exam"
	"github.com/proficienthub/exam-credits/internal/domain/shared"
	"github.com/proficienthub/exam-credits/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// CREATE EXAM INSTANCE COMMAND
// Starts a new mock exam attempt against an academy plan. A full mock pays
// its whole charge here, in the same transaction that inserts the attempt.
// ══════════════════════════════════════════════════════════════════════════════

// CreateExamInstanceCommand contains the data to create an exam attempt.
type CreateExamInstanceCommand struct {
	Actor  shared.Actor
	PoolID shared.PoolID
	Mode   exam.Mode

	// ExamType is optional. Empty means the plan's exam type.
	ExamType string

	Topic string

	// SectionOrder overrides the exam type's section order.
	SectionOrder []exam.SectionType
}

// Validate validates the command.
func (c CreateExamInstanceCommand) Validate() error {
	if err := c.Actor.Validate(); err != nil {
		return err
	}
	if !c.PoolID.IsValid() {
		return shared.ErrPlanNotFound
	}
	if !c.Mode.IsValid() {
		return shared.ErrInvalidMode
	}
	return nil
}

// CreateExamInstanceResult contains the created attempt.
type CreateExamInstanceResult struct {
	Instance *exam.Instance

	// Charged is what was debited at creation (1.00 for a full mock).
	Charged credit.Amount
}

// CreateExamInstanceConfig contains configuration for the handler.
type CreateExamInstanceConfig struct {
	// InstanceTTL bounds the lifetime of an attempt. Zero means no deadline.
	InstanceTTL time.Duration

	// DefaultExamType is used when neither the command nor the plan names one.
	DefaultExamType string
}

// DefaultCreateExamInstanceConfig returns default configuration.
func DefaultCreateExamInstanceConfig() CreateExamInstanceConfig {
	return CreateExamInstanceConfig{
		InstanceTTL:     7 * 24 * time.Hour,
		DefaultExamType: exam.DefaultExamType,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// HANDLER
// ══════════════════════════════════════════════════════════════════════════════

// CreateExamInstanceHandler handles the CreateExamInstanceCommand.
type CreateExamInstanceHandler struct {
	base
	config CreateExamInstanceConfig
}

// NewCreateExamInstanceHandler creates a new CreateExamInstanceHandler.
func NewCreateExamInstanceHandler(deps Deps, config CreateExamInstanceConfig) *CreateExamInstanceHandler {
	if config.DefaultExamType == "" {
		config.DefaultExamType = exam.DefaultExamType
	}
	return &CreateExamInstanceHandler{base: newBase(deps, "create_exam_instance"), config: config}
}

// Handle executes the create command.
func (h *CreateExamInstanceHandler) Handle(ctx context.Context, cmd CreateExamInstanceCommand) (*CreateExamInstanceResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	pool, err := h.Pools.GetByID(ctx, cmd.PoolID)
	if err != nil {
		return nil, err
	}
	if pool.AcademyID != cmd.Actor.AcademyID {
		return nil, shared.ErrAccessDenied
	}

	examType, err := h.resolveExamType(cmd.ExamType, pool.ExamType)
	if err != nil {
		return nil, err
	}

	var (
		inst     *exam.Instance
		decision = credit.Decision{Granted: true, Reason: credit.ReasonGranted}
	)

	err = h.Tx.WithinTx(ctx, func(ctx context.Context) error {
		switch cmd.Mode {
		case exam.ModeFullMock:
			dec, err := h.ledger.TryDebit(ctx, pool.ID, exam.ModeFullMock.UpfrontCharge())
			if err != nil {
				return err
			}
			decision = dec
			if !dec.Granted {
				// Commit: lazy plan expiry found by the diagnosis must stick.
				return nil
			}
		case exam.ModeSection:
			locked, err := h.Pools.Lock(ctx, pool.ID)
			if err != nil {
				return err
			}
			now := h.Clock.Now()
			if !locked.CanCover(exam.ModeSection.CompletionCharge(), now) {
				decision = credit.Decision{Reason: locked.Diagnose(now)}
				return nil
			}
		}

		number, err := h.Exams.NextExamNumber(ctx, cmd.Actor.StudentID, pool.ID)
		if err != nil {
			return err
		}

		inst, err = exam.NewInstance(exam.CreateParams{
			ID:         shared.InstanceID(h.NewID()),
			StudentID:  cmd.Actor.StudentID,
			PoolID:     pool.ID,
			ExamType:   examType,
			Mode:       cmd.Mode,
			ExamNumber: number,
			Topic:      cmd.Topic,
			Order:      cmd.SectionOrder,
			TTL:        h.config.InstanceTTL,
			SectionID:  h.NewID,
			Now:        h.Clock.Now(),
		})
		if err != nil {
			return err
		}
		return h.Exams.Create(ctx, inst)
	})
	if err != nil {
		return nil, err
	}

	if !decision.Granted {
		h.log.Info("exam creation refused",
			logger.PoolID(pool.ID.String()),
			logger.StudentID(cmd.Actor.StudentID.String()),
			logger.String("mode", string(cmd.Mode)),
			logger.String("reason", string(decision.Reason)),
		)
		return nil, decision.Err()
	}

	charged := inst.Mode.UpfrontCharge()
	h.log.Info("exam instance created",
		logger.InstanceID(inst.ID.String()),
		logger.PoolID(pool.ID.String()),
		logger.StudentID(inst.StudentID.String()),
		logger.String("mode", string(inst.Mode)),
		logger.Int("exam_number", inst.ExamNumber),
		logger.Credits(charged.Int64()),
	)

	now := inst.CreatedAt
	if charged.IsPositive() {
		h.publish(shared.NewCreditDebitedEvent(pool.ID.String(), inst.ID.String(), charged.Int64(), now))
	}
	h.publish(shared.NewExamCreatedEvent(inst.ID.String(), inst.StudentID.String(), pool.ID.String(), string(inst.Mode), inst.ExamNumber, now))

	return &CreateExamInstanceResult{Instance: inst, Charged: charged}, nil
}

// resolveExamType picks the requested type, falling back to the plan's and
// then the configured default. A request that contradicts the plan is rejected.
func (h *CreateExamInstanceHandler) resolveExamType(requested, planType string) (string, error) {
	requested = strings.ToLower(strings.TrimSpace(requested))
	planType = strings.ToLower(strings.TrimSpace(planType))

	name := requested
	switch {
	case name == "":
		name = planType
	case planType != "" && name != planType:
		return "", shared.ErrInvalidExamType
	}
	if name == "" {
		name = h.config.DefaultExamType
	}

	cfg, err := exam.LookupType(name)
	if err != nil {
		if errors.Is(err, shared.ErrInvalidExamType) {
			return "", err
		}
		return "", fmt.Errorf("failed to resolve exam type: %w", err)
	}
	return cfg.Name, nil
}
