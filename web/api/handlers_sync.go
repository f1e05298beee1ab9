package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/hochfrequenz/task-orchestrator/internal/metasync"
)

// handleExecutionSync admits a metadata report. Rejections carry per-field
// details; the accepted record is never echoed back.
func (s *Server) handleExecutionSync(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, codeValidation, "request body too large")
		return
	}

	meta, err := metasync.Admit(body)
	if err != nil {
		var rej *metasync.Rejection
		if errors.As(err, &rej) {
			writeJSON(w, http.StatusBadRequest, rej)
			return
		}
		s.writeDomainError(w, err)
		return
	}

	run, err := s.runs.ApplySync(meta)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.logger.Debug("execution metadata admitted", "run_id", run.ID, "status", run.Status)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
