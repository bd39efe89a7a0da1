package query

import (
	"context"

	"github.com/proficienthub/exam-credits/internal/domain/exam"
	"github.com/proficienthub/exam-credits/internal/domain/shared"
	"github.com/proficienthub/exam-credits/pkg/timeutil"
)

// GetExamQuery - запрос одной попытки её владельцем.
type GetExamQuery struct {
	Actor      shared.Actor
	InstanceID shared.InstanceID
}

// GetExamHandler обрабатывает GetExamQuery.
type GetExamHandler struct {
	exams exam.Repository
	clock timeutil.Clock
}

// NewGetExamHandler создаёт новый обработчик.
func NewGetExamHandler(exams exam.Repository, clock timeutil.Clock) *GetExamHandler {
	if clock == nil {
		clock = timeutil.SystemClock{}
	}
	return &GetExamHandler{exams: exams, clock: clock}
}

// Handle возвращает попытку. Чужая попытка - ErrAccessDenied.
func (h *GetExamHandler) Handle(ctx context.Context, q GetExamQuery) (*ExamDTO, error) {
	if err := q.Actor.Validate(); err != nil {
		return nil, err
	}
	if !q.InstanceID.IsValid() {
		return nil, shared.ErrInstanceNotFound
	}

	inst, err := h.exams.GetByID(ctx, q.InstanceID)
	if err != nil {
		return nil, err
	}
	if !inst.IsOwnedBy(q.Actor.StudentID) {
		return nil, shared.ErrAccessDenied
	}

	dto := ToExamDTO(inst, h.clock.Now())
	return &dto, nil
}
