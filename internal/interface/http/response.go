package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/proficienthub/exam-credits/internal/domain/shared"
	"github.com/proficienthub/exam-credits/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// RESPONSE HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// JSONResponse represents a standard JSON response.
type JSONResponse struct {
	Success   bool          `json:"success"`
	Data      interface{}   `json:"data,omitempty"`
	Error     *APIError     `json:"error,omitempty"`
	Meta      *ResponseMeta `json:"meta,omitempty"`
	RequestID string        `json:"request_id,omitempty"`
}

// APIError represents an API error.
type APIError struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// ResponseMeta contains response metadata.
type ResponseMeta struct {
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
}

// writeJSON writes a successful JSON response.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	write(w, r, status, JSONResponse{Success: status >= 200 && status < 300, Data: data})
}

// writeAPIError writes an error JSON response.
func writeAPIError(w http.ResponseWriter, r *http.Request, status int, apiErr *APIError) {
	write(w, r, status, JSONResponse{Success: false, Error: apiErr})
}

func write(w http.ResponseWriter, r *http.Request, status int, resp JSONResponse) {
	resp.Meta = &ResponseMeta{Timestamp: time.Now().UTC(), Version: "v1"}
	if r != nil {
		resp.RequestID = middleware.GetReqID(r.Context())
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// ══════════════════════════════════════════════════════════════════════════════
// ERROR MAPPING
// ══════════════════════════════════════════════════════════════════════════════

type errorMapping struct {
	err    error
	status int
	code   string
}

// errorTable maps caller-facing domain errors to responses. Order matters:
// specific sentinels first, then the generic kinds in statusFor.
var errorTable = []errorMapping{
	{shared.ErrUnauthenticated, http.StatusUnauthorized, "unauthenticated"},
	{shared.ErrAccessDenied, http.StatusForbidden, "access_denied"},

	{shared.ErrPlanNotFound, http.StatusNotFound, "plan_not_found"},
	{shared.ErrInstanceNotFound, http.StatusNotFound, "instance_not_found"},
	{shared.ErrSectionNotFound, http.StatusNotFound, "section_not_found"},

	{shared.ErrInsufficientCredits, http.StatusPaymentRequired, "insufficient_credits"},
	{shared.ErrPlanExpired, http.StatusConflict, "plan_expired"},

	{shared.ErrSectionLocked, http.StatusConflict, "section_locked"},
	{shared.ErrAlreadyCompleted, http.StatusConflict, "already_completed"},
	{shared.ErrExamExpired, http.StatusConflict, "exam_expired"},
	{shared.ErrExamClosed, http.StatusConflict, "exam_closed"},
	{shared.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{shared.ErrNothingToFinish, http.StatusConflict, "nothing_to_finish"},
	{shared.ErrChargeAlreadyUsed, http.StatusConflict, "charge_already_used"},
	{shared.ErrConcurrentProgress, http.StatusConflict, "concurrent_modification"},

	{shared.ErrInvalidExamType, http.StatusBadRequest, "invalid_exam_type"},
	{shared.ErrInvalidMode, http.StatusBadRequest, "invalid_mode"},
	{shared.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
	{shared.ErrInvalidScore, http.StatusUnprocessableEntity, "invalid_score"},
	{shared.ErrInvalidMaxScore, http.StatusUnprocessableEntity, "invalid_max_score"},
}

// errorResponse classifies err. Unknown errors are internal.
func errorResponse(err error) (int, *APIError) {
	for _, m := range errorTable {
		if errors.Is(err, m.err) {
			return m.status, &APIError{Code: m.code, Message: messageOf(m.err)}
		}
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			fields[fe.Field()] = fe.Tag()
		}
		return http.StatusBadRequest, &APIError{Code: "validation_failed", Message: "request validation failed", Fields: fields}
	}

	switch {
	case shared.IsNotFound(err):
		return http.StatusNotFound, &APIError{Code: "not_found", Message: messageOf(err)}
	case shared.IsForbidden(err):
		return http.StatusForbidden, &APIError{Code: "forbidden", Message: messageOf(err)}
	case shared.IsValidation(err):
		return http.StatusBadRequest, &APIError{Code: "invalid_request", Message: messageOf(err)}
	case shared.IsConflict(err):
		return http.StatusConflict, &APIError{Code: "conflict", Message: messageOf(err)}
	}
	return http.StatusInternalServerError, &APIError{Code: "internal_error", Message: "an unexpected error occurred"}
}

func messageOf(err error) string {
	var de *shared.DomainError
	if errors.As(err, &de) {
		return de.Message
	}
	return err.Error()
}

// writeError maps err and writes it. Internal errors are logged with the
// request logger; caller-facing errors are not.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, apiErr := errorResponse(err)
	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context()).Error("request failed", logger.Err(err))
	}
	writeAPIError(w, r, status, apiErr)
}
