package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/costline/costline/internal/domain"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

// writeError maps the domain error taxonomy onto HTTP statuses. Unrecognized
// errors are logged and reported as 500 without leaking internals.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		notFound      *domain.NotFoundError
		duplicate     *domain.DuplicateNameError
		conflict      *domain.ConflictError
		mergeConflict *domain.MergeConflictError
		invalidState  *domain.InvalidStateError
		invalidTrans  *domain.InvalidTransitionError
		mainProtected *domain.MainBranchProtectedError
		alreadyCap    *domain.AlreadyCapturedError
		validation    validator.ValidationErrors
	)
	switch {
	case errors.As(err, &notFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error(), Code: "not_found"})
	case errors.As(err, &duplicate):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), Code: "duplicate_name"})
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), Code: "revision_conflict"})
	case errors.As(err, &mergeConflict):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), Code: "merge_conflict"})
	case errors.As(err, &alreadyCap):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), Code: "already_captured"})
	case errors.As(err, &invalidState):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error(), Code: "invalid_state"})
	case errors.As(err, &invalidTrans):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error(), Code: "invalid_transition"})
	case errors.As(err, &mainProtected):
		writeJSON(w, http.StatusForbidden, errorResponse{Error: err.Error(), Code: "main_branch_protected"})
	case errors.As(err, &validation):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "validation"})
	default:
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
	}
}

func badRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: message, Code: "bad_request"})
}
