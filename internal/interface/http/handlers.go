package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/proficienthub/exam-credits/config"
	"github.com/proficienthub/exam-credits/internal/application/command"
	"github.com/proficienthub/exam-credits/internal/application/query"
	"github.com/proficienthub/exam-credits/internal/domain/credit"
	"github.com/proficienthub/exam-credits/internal/domain/exam"
	"github.com/proficienthub/exam-credits/internal/domain/scoring"
	"github.com/proficienthub/exam-credits/internal/domain/shared"
)

const maxBodyBytes = 64 << 10

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH & STATUS HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// handleRoot serves the root endpoint with basic API information.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"name":    "Exam Credits API",
		"version": s.config.Version,
		"endpoints": map[string]string{
			"health":    "/health",
			"credits":   "/api/v1/plans/{planID}/credits",
			"dashboard": "/api/v1/plans/{planID}/dashboard",
			"exams":     "/api/v1/plans/{planID}/exams",
			"exam":      "/api/v1/exams/{examID}",
		},
	})
}

// handleHealth handles the health check endpoint.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.HealthChecker == nil {
		writeJSON(w, r, http.StatusOK, map[string]interface{}{
			"status":  "healthy",
			"uptime":  s.Uptime().String(),
			"version": s.config.Version,
		})
		return
	}

	status := s.deps.HealthChecker.Check(r.Context())
	code := http.StatusOK
	if !status.Ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, r, code, status)
}

// handleReady handles the readiness probe endpoint.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.HealthChecker != nil {
		status := s.deps.HealthChecker.Check(r.Context())
		if !status.Ready {
			writeJSON(w, r, http.StatusServiceUnavailable, map[string]string{
				"status": "not_ready",
				"reason": status.Message,
			})
			return
		}
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ready"})
}

// handleLive handles the liveness probe endpoint.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "alive"})
}

// ══════════════════════════════════════════════════════════════════════════════
// PLAN HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// handleGetCredits returns the credit summary of a plan.
// GET /api/v1/plans/{planID}/credits
func (s *Server) handleGetCredits(w http.ResponseWriter, r *http.Request) {
	actor, poolID, ok := s.planRequest(w, r)
	if !ok {
		return
	}

	dto, err := s.deps.GetCredits.Handle(r.Context(), query.GetCreditsQuery{Actor: actor, PoolID: poolID})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, dto)
}

// handleGetDashboard returns the student's dashboard for a plan.
// GET /api/v1/plans/{planID}/dashboard?fresh=true
func (s *Server) handleGetDashboard(w http.ResponseWriter, r *http.Request) {
	actor, poolID, ok := s.planRequest(w, r)
	if !ok {
		return
	}

	skipCache := r.URL.Query().Get("fresh") == "true" ||
		!s.deps.Features.IsEnabled(config.FeatureDashboardCache, actor.AcademyID.String())

	dto, err := s.deps.GetDashboard.Handle(r.Context(), query.GetDashboardQuery{
		Actor:     actor,
		PoolID:    poolID,
		SkipCache: skipCache,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, dto)
}

// CreateExamRequest is the body of POST /plans/{planID}/exams.
type CreateExamRequest struct {
	Mode         string   `json:"mode" validate:"required"`
	ExamType     string   `json:"exam_type" validate:"omitempty,max=50"`
	Topic        string   `json:"topic" validate:"omitempty,max=200"`
	SectionOrder []string `json:"section_order" validate:"omitempty,len=4,dive,oneof=listening reading writing speaking"`
}

// CreateExamResponse is returned after an attempt is created.
type CreateExamResponse struct {
	Exam    query.ExamDTO `json:"exam"`
	Charged credit.Amount `json:"credits_charged"`
}

// handleCreateExam creates an exam attempt. A full mock is paid on creation.
// POST /api/v1/plans/{planID}/exams
func (s *Server) handleCreateExam(w http.ResponseWriter, r *http.Request) {
	actor, poolID, ok := s.planRequest(w, r)
	if !ok {
		return
	}

	var req CreateExamRequest
	if !s.decode(w, r, &req) {
		return
	}

	mode, err := exam.ParseMode(req.Mode)
	if err != nil {
		writeError(w, r, err)
		return
	}
	academy := actor.AcademyID.String()
	if mode == exam.ModeSection && !s.deps.Features.IsEnabled(config.FeatureExamSectionMode, academy) {
		writeError(w, r, shared.ErrInvalidMode)
		return
	}

	var order []exam.SectionType
	if len(req.SectionOrder) > 0 {
		if !s.deps.Features.IsEnabled(config.FeatureExamCustomOrder, academy) {
			writeAPIError(w, r, http.StatusBadRequest, &APIError{
				Code:    "invalid_request",
				Message: "custom section order is not enabled",
			})
			return
		}
		order = make([]exam.SectionType, len(req.SectionOrder))
		for i, name := range req.SectionOrder {
			order[i] = exam.SectionType(name)
		}
	}

	res, err := s.deps.CreateExam.Handle(r.Context(), command.CreateExamInstanceCommand{
		Actor:        actor,
		PoolID:       poolID,
		Mode:         mode,
		ExamType:     req.ExamType,
		Topic:        req.Topic,
		SectionOrder: order,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusCreated, CreateExamResponse{
		Exam:    query.ToExamDTO(res.Instance, s.now()),
		Charged: res.Charged,
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// EXAM HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// handleGetExam returns an attempt with its sections.
// GET /api/v1/exams/{examID}
func (s *Server) handleGetExam(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := s.examRequest(w, r)
	if !ok {
		return
	}

	dto, err := s.deps.GetExam.Handle(r.Context(), query.GetExamQuery{Actor: actor, InstanceID: id})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, dto)
}

// StartSectionResponse is returned when a section clock starts or resumes.
type StartSectionResponse struct {
	Exam             query.ExamDTO `json:"exam"`
	Section          string        `json:"section_type"`
	RemainingSeconds int64         `json:"remaining_seconds"`
	Resumed          bool          `json:"resumed"`
}

// handleStartSection starts (or re-enters) a section.
// POST /api/v1/exams/{examID}/sections/{section}/start
func (s *Server) handleStartSection(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := s.examRequest(w, r)
	if !ok {
		return
	}
	section, err := exam.ParseSectionType(chi.URLParam(r, "section"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, err := s.deps.StartSection.Handle(r.Context(), command.StartSectionCommand{
		Actor:      actor,
		InstanceID: id,
		Section:    section,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, StartSectionResponse{
		Exam:             query.ToExamDTO(res.Instance, s.now()),
		Section:          string(section),
		RemainingSeconds: int64(res.Remaining / time.Second),
		Resumed:          res.Resumed,
	})
}

// CompleteSectionRequest is the body of a section completion.
type CompleteSectionRequest struct {
	RawScore *float64 `json:"raw_score" validate:"required,gte=0"`
	MaxScore float64  `json:"max_score" validate:"omitempty,gt=0"`
}

// ChargeDTO describes the per-section charge taken after a result.
type ChargeDTO struct {
	State  exam.ChargeState `json:"state"`
	Amount credit.Amount    `json:"amount"`
	Reason credit.Reason    `json:"reason,omitempty"`
}

// OverallDTO is the aggregate score of a finished attempt.
type OverallDTO struct {
	Band       float64 `json:"band"`
	Percentage float64 `json:"percentage"`
	Sections   int     `json:"sections"`
}

// CompleteSectionResponse is returned after a section result is recorded.
type CompleteSectionResponse struct {
	Exam         query.ExamDTO `json:"exam"`
	Result       exam.Result   `json:"result"`
	NextUnlocked []string      `json:"next_unlocked"`
	Completed    bool          `json:"completed"`
	Overall      *OverallDTO   `json:"overall,omitempty"`
	Charge       *ChargeDTO    `json:"charge,omitempty"`
}

// handleCompleteSection records a section result.
// POST /api/v1/exams/{examID}/sections/{section}/complete
func (s *Server) handleCompleteSection(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := s.examRequest(w, r)
	if !ok {
		return
	}
	section, err := exam.ParseSectionType(chi.URLParam(r, "section"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req CompleteSectionRequest
	if !s.decode(w, r, &req) {
		return
	}

	res, err := s.deps.CompleteSection.Handle(r.Context(), command.CompleteSectionCommand{
		Actor:      actor,
		InstanceID: id,
		Section:    section,
		RawScore:   *req.RawScore,
		MaxScore:   req.MaxScore,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := CompleteSectionResponse{
		Exam:         query.ToExamDTO(res.Instance, s.now()),
		Result:       res.Result,
		NextUnlocked: make([]string, 0, len(res.NextUnlocked)),
		Completed:    res.Completed,
		Overall:      overallDTO(res.Overall),
	}
	for _, t := range res.NextUnlocked {
		resp.NextUnlocked = append(resp.NextUnlocked, string(t))
	}
	if res.ChargeState != "" && res.ChargeState != exam.ChargeNone {
		resp.Charge = &ChargeDTO{State: res.ChargeState, Amount: res.ChargeAmount, Reason: res.ChargeReason}
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// handlePause pauses the running section clock.
// POST /api/v1/exams/{examID}/pause
func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := s.examRequest(w, r)
	if !ok {
		return
	}
	res, err := s.deps.PauseExam.Handle(r.Context(), command.InstanceCommand{Actor: actor, InstanceID: id})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, query.ToExamDTO(res.Instance, s.now()))
}

// handleResume resumes a paused attempt.
// POST /api/v1/exams/{examID}/resume
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := s.examRequest(w, r)
	if !ok {
		return
	}
	res, err := s.deps.ResumeExam.Handle(r.Context(), command.InstanceCommand{Actor: actor, InstanceID: id})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, query.ToExamDTO(res.Instance, s.now()))
}

// FinishResponse is returned when a section-mode session is closed.
type FinishResponse struct {
	Exam    query.ExamDTO `json:"exam"`
	Overall *OverallDTO   `json:"overall,omitempty"`
}

// handleFinish closes a section-mode attempt with the sections done so far.
// POST /api/v1/exams/{examID}/finish
func (s *Server) handleFinish(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := s.examRequest(w, r)
	if !ok {
		return
	}
	res, err := s.deps.FinishSession.Handle(r.Context(), command.InstanceCommand{Actor: actor, InstanceID: id})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, FinishResponse{
		Exam:    query.ToExamDTO(res.Instance, s.now()),
		Overall: overallDTO(&res.Overall),
	})
}

// AbandonResponse is returned when an attempt is abandoned.
type AbandonResponse struct {
	Exam     query.ExamDTO `json:"exam"`
	Refunded credit.Amount `json:"credits_refunded"`
}

// handleAbandon abandons an untouched full mock and refunds its charge.
// POST /api/v1/exams/{examID}/abandon
func (s *Server) handleAbandon(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := s.examRequest(w, r)
	if !ok {
		return
	}
	if !s.deps.Features.IsEnabled(config.FeatureExamAbandonRefund, actor.AcademyID.String()) {
		writeAPIError(w, r, http.StatusNotFound, &APIError{Code: "not_found", Message: "abandon is not enabled"})
		return
	}
	res, err := s.deps.AbandonExam.Handle(r.Context(), command.InstanceCommand{Actor: actor, InstanceID: id})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, AbandonResponse{
		Exam:     query.ToExamDTO(res.Instance, s.now()),
		Refunded: res.Refunded,
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// REQUEST HELPERS
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) now() time.Time {
	return s.deps.Clock.Now()
}

// planRequest resolves the actor and the plan from the path. An unparsable
// plan ID is reported as not found.
func (s *Server) planRequest(w http.ResponseWriter, r *http.Request) (shared.Actor, shared.PoolID, bool) {
	actor, err := ActorFromContext(r.Context())
	if err != nil {
		writeError(w, r, err)
		return shared.Actor{}, "", false
	}
	id, err := shared.NewPoolID(chi.URLParam(r, "planID"))
	if err != nil {
		writeError(w, r, shared.ErrPlanNotFound)
		return shared.Actor{}, "", false
	}
	return actor, id, true
}

// examRequest resolves the actor and the attempt from the path.
func (s *Server) examRequest(w http.ResponseWriter, r *http.Request) (shared.Actor, shared.InstanceID, bool) {
	actor, err := ActorFromContext(r.Context())
	if err != nil {
		writeError(w, r, err)
		return shared.Actor{}, "", false
	}
	id, err := shared.NewInstanceID(chi.URLParam(r, "examID"))
	if err != nil {
		writeError(w, r, shared.ErrInstanceNotFound)
		return shared.Actor{}, "", false
	}
	return actor, id, true
}

// decode reads a JSON body into dst and validates it.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeAPIError(w, r, http.StatusBadRequest, &APIError{
			Code:    "invalid_json",
			Message: "request body is not valid JSON",
		})
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeError(w, r, err)
		return false
	}
	return true
}

func overallDTO(o *scoring.Overall) *OverallDTO {
	if o == nil {
		return nil
	}
	return &OverallDTO{Band: o.Band, Percentage: o.Percentage, Sections: o.Sections}
}
