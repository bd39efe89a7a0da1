package command

import (
	"context"
	"errors"
	"time"

	"github.com/proficienthub/exam-credits/internal/domain/credit"
	"github.com/proficienthub/exam-credits/internal/domain/exam"
	"github.com/proficienthub/exam-credits/internal/domain/scoring"
	"github.com/proficienthub/exam-credits/internal/domain/shared"
	"github.com/proficienthub/exam-credits/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// START SECTION COMMAND
// ══════════════════════════════════════════════════════════════════════════════

// StartSectionCommand starts (or resumes) one section of an attempt.
type StartSectionCommand struct {
	Actor      shared.Actor
	InstanceID shared.InstanceID
	Section    exam.SectionType
}

// Validate validates the command.
func (c StartSectionCommand) Validate() error {
	if err := c.Actor.Validate(); err != nil {
		return err
	}
	if !c.Section.IsValid() {
		return shared.ErrSectionNotFound
	}
	return nil
}

// StartSectionResult contains the started section.
type StartSectionResult struct {
	Instance *exam.Instance
	Section  *exam.Section

	// Remaining is the time left on the section clock.
	Remaining time.Duration

	// Resumed is true when the section was already in progress.
	Resumed bool
}

// StartSectionHandler handles the StartSectionCommand.
type StartSectionHandler struct {
	base
}

// NewStartSectionHandler creates a new StartSectionHandler.
func NewStartSectionHandler(deps Deps) *StartSectionHandler {
	return &StartSectionHandler{base: newBase(deps, "start_section")}
}

// Handle executes the start section command.
func (h *StartSectionHandler) Handle(ctx context.Context, cmd StartSectionCommand) (*StartSectionResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	inst, err := h.loadOwned(ctx, cmd.Actor, cmd.InstanceID)
	if err != nil {
		return nil, err
	}

	resumed := false
	if s, err := inst.Section(cmd.Section); err == nil {
		resumed = s.Status == exam.SectionInProgress
	}

	now := h.Clock.Now()
	section, err := inst.StartSection(cmd.Section, now)
	if err != nil {
		return nil, err
	}
	if err := h.Exams.Save(ctx, inst); err != nil {
		return nil, err
	}

	h.log.Info("section started",
		logger.InstanceID(inst.ID.String()),
		logger.SectionType(string(section.Type)),
		logger.Bool("resumed", resumed),
	)

	return &StartSectionResult{
		Instance:  inst,
		Section:   section,
		Remaining: section.RemainingAt(now),
		Resumed:   resumed,
	}, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// COMPLETE SECTION COMMAND
// Records a section result. In section mode the 0.25 charge is taken after
// the result commits; a refused charge never undoes the result.
// ══════════════════════════════════════════════════════════════════════════════

// CompleteSectionCommand contains a section result.
type CompleteSectionCommand struct {
	Actor      shared.Actor
	InstanceID shared.InstanceID
	Section    exam.SectionType
	RawScore   float64

	// MaxScore is optional. Zero means the configured default.
	MaxScore float64
}

// Validate validates the command.
func (c CompleteSectionCommand) Validate() error {
	if err := c.Actor.Validate(); err != nil {
		return err
	}
	if !c.Section.IsValid() {
		return shared.ErrSectionNotFound
	}
	if c.MaxScore < 0 {
		return shared.ErrInvalidMaxScore
	}
	return nil
}

// CompleteSectionResult contains the recorded result.
type CompleteSectionResult struct {
	Instance     *exam.Instance
	Result       exam.Result
	NextUnlocked []exam.SectionType

	// Completed is true when this result closed the attempt.
	Completed bool
	Overall   *scoring.Overall

	// ChargeState is none for full mocks.
	ChargeState  exam.ChargeState
	ChargeAmount credit.Amount
	ChargeReason credit.Reason
}

// CompleteSectionConfig contains configuration for the handler.
type CompleteSectionConfig struct {
	DefaultMaxScore float64
}

// DefaultCompleteSectionConfig returns default configuration.
func DefaultCompleteSectionConfig() CompleteSectionConfig {
	return CompleteSectionConfig{DefaultMaxScore: 40}
}

// CompleteSectionHandler handles the CompleteSectionCommand.
type CompleteSectionHandler struct {
	base
	config CompleteSectionConfig
}

// NewCompleteSectionHandler creates a new CompleteSectionHandler.
func NewCompleteSectionHandler(deps Deps, config CompleteSectionConfig) *CompleteSectionHandler {
	if config.DefaultMaxScore <= 0 {
		config = DefaultCompleteSectionConfig()
	}
	return &CompleteSectionHandler{base: newBase(deps, "complete_section"), config: config}
}

// Handle executes the complete section command.
func (h *CompleteSectionHandler) Handle(ctx context.Context, cmd CompleteSectionCommand) (*CompleteSectionResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	maxScore := cmd.MaxScore
	if maxScore == 0 {
		maxScore = h.config.DefaultMaxScore
	}

	inst, err := h.loadOwned(ctx, cmd.Actor, cmd.InstanceID)
	if err != nil {
		return nil, err
	}

	now := h.Clock.Now()
	done, err := inst.CompleteSection(cmd.Section, cmd.RawScore, maxScore, now)
	if err != nil {
		return nil, err
	}

	if err := h.Exams.Save(ctx, inst); err != nil {
		if errors.Is(err, shared.ErrConcurrentProgress) {
			return nil, h.diagnoseConflict(ctx, inst.ID, cmd.Section, err)
		}
		return nil, err
	}

	result, _ := done.Section.Result()
	h.log.Info("section completed",
		logger.InstanceID(inst.ID.String()),
		logger.StudentID(inst.StudentID.String()),
		logger.SectionType(string(cmd.Section)),
		logger.Float64("band", result.Band),
		logger.Bool("exam_completed", done.Completed),
	)

	h.publish(shared.NewSectionCompletedEvent(inst.ID.String(), inst.StudentID.String(), inst.PoolID.String(), string(cmd.Section), result.Band, now))
	if done.Completed && done.Overall != nil {
		h.publish(shared.NewExamCompletedEvent(inst.ID.String(), inst.StudentID.String(), inst.PoolID.String(), done.Overall.Band, done.Overall.Percentage, now))
	}

	out := &CompleteSectionResult{
		Instance:     inst,
		Result:       result,
		NextUnlocked: done.NextUnlocked,
		Completed:    done.Completed,
		Overall:      done.Overall,
		ChargeState:  exam.ChargeNone,
	}

	if done.ChargeDue.IsPositive() {
		charge := h.chargeSection(ctx, inst, cmd.Section, done.ChargeDue)
		out.ChargeState = charge.State
		out.ChargeAmount = charge.Amount
		out.ChargeReason = charge.Reason
	}
	return out, nil
}

// diagnoseConflict turns a lost optimistic race into AlreadyCompleted when
// the winner completed the same section.
func (h *CompleteSectionHandler) diagnoseConflict(ctx context.Context, id shared.InstanceID, section exam.SectionType, conflict error) error {
	fresh, err := h.Exams.GetByID(ctx, id)
	if err != nil {
		return conflict
	}
	if s, err := fresh.Section(section); err == nil && s.IsCompleted() {
		return shared.ErrAlreadyCompleted
	}
	return conflict
}
