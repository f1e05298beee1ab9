package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hochfrequenz/task-orchestrator/internal/batch"
)

func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.batches.List())
}

func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[batch.CreateRequest](w, r)
	if !ok {
		return
	}
	snap, err := s.batches.Create(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	s.batchAction(w, r, s.batches.Get, http.StatusOK)
}

func (s *Server) handleCancelBatch(w http.ResponseWriter, r *http.Request) {
	s.batchAction(w, r, s.batches.Cancel, http.StatusAccepted)
}

func (s *Server) handleApproveBatch(w http.ResponseWriter, r *http.Request) {
	s.batchAction(w, r, s.batches.Approve, http.StatusOK)
}

func (s *Server) handleSkipBatch(w http.ResponseWriter, r *http.Request) {
	s.batchAction(w, r, s.batches.Skip, http.StatusOK)
}

func (s *Server) handleCancelBatchTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	s.batchAction(w, r, func(id string) (*batch.Snapshot, error) {
		return s.batches.CancelTask(id, taskID)
	}, http.StatusAccepted)
}

func (s *Server) batchAction(w http.ResponseWriter, r *http.Request, fn func(string) (*batch.Snapshot, error), status int) {
	snap, err := fn(chi.URLParam(r, "batchID"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, status, snap)
}
