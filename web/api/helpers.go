package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hochfrequenz/task-orchestrator/internal/batch"
	"github.com/hochfrequenz/task-orchestrator/internal/domain"
	"github.com/hochfrequenz/task-orchestrator/internal/executor"
	"github.com/hochfrequenz/task-orchestrator/internal/metasync"
	"github.com/hochfrequenz/task-orchestrator/internal/tracker"
)

// Error codes returned alongside the message
const (
	codeInvalidJSON         = "INVALID_JSON"
	codeValidation          = metasync.CodeValidation
	codeNotFound            = "NOT_FOUND"
	codeConflict            = "CONFLICT"
	codeAlreadyRunning      = "ALREADY_RUNNING"
	codeParallelLimit       = "PARALLEL_LIMIT"
	codeSandboxUnavailable  = "SANDBOX_UNAVAILABLE"
	codeNotAwaitingApproval = "NOT_AWAITING_APPROVAL"
	codeBatchFinished       = "BATCH_FINISHED"
	codeStaleSync           = "STALE_SYNC"
	codeUnauthorized        = "UNAUTHORIZED"
	codeInternal            = "INTERNAL_ERROR"
)

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: message, Code: code})
}

// readJSON decodes a JSON request body with a size limit
func readJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, codeValidation, "request body too large")
		} else {
			writeError(w, http.StatusBadRequest, codeInvalidJSON, "invalid JSON payload")
		}
		return v, false
	}
	return v, true
}

// writeDomainError maps sentinel errors onto status codes
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, batch.ErrBatchNotFound):
		writeError(w, http.StatusNotFound, codeNotFound, err.Error())
	case errors.Is(err, domain.ErrValidation):
		msg := strings.TrimPrefix(err.Error(), domain.ErrValidation.Error()+": ")
		writeError(w, http.StatusBadRequest, codeValidation, msg)
	case errors.Is(err, executor.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, codeAlreadyRunning, err.Error())
	case errors.Is(err, executor.ErrParallelLimit):
		writeError(w, http.StatusTooManyRequests, codeParallelLimit, err.Error())
	case errors.Is(err, domain.ErrSandboxUnavailable):
		writeError(w, http.StatusServiceUnavailable, codeSandboxUnavailable, err.Error())
	case errors.Is(err, batch.ErrNotAwaitingApproval):
		writeError(w, http.StatusConflict, codeNotAwaitingApproval, err.Error())
	case errors.Is(err, batch.ErrBatchFinished):
		writeError(w, http.StatusConflict, codeBatchFinished, err.Error())
	case errors.Is(err, tracker.ErrStaleSync):
		writeError(w, http.StatusConflict, codeStaleSync, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "internal server error")
	}
}
