package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hochfrequenz/task-orchestrator/internal/domain"
	"github.com/hochfrequenz/task-orchestrator/internal/events"
)

type createLabelRequest struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

func (s *Server) handleListLabels(w http.ResponseWriter, r *http.Request) {
	labels, err := s.store.ListLabels()
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if labels == nil {
		labels = []domain.Label{}
	}
	writeJSON(w, http.StatusOK, labels)
}

func (s *Server) handleCreateLabel(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[createLabelRequest](w, r)
	if !ok {
		return
	}
	label := &domain.Label{ID: uuid.NewString(), Name: strings.TrimSpace(req.Name), Color: req.Color}
	if label.Color == "" {
		label.Color = "#6b7280"
	}
	if err := s.store.CreateLabel(label); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.bus.Publish(events.LabelEvent{Action: events.Created, ID: label.ID, Label: label})
	writeJSON(w, http.StatusCreated, label)
}

func (s *Server) handleDeleteLabel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "labelID")
	if err := s.store.DeleteLabel(id); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.bus.Publish(events.LabelEvent{Action: events.Deleted, ID: id})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.store.GetSettings()
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// handleUpdateSettings merges the body onto the current settings, so a
// partial document only changes the fields it names
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.store.GetSettings()
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidJSON, "invalid JSON payload")
		return
	}
	if err := s.store.SaveSettings(settings); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.bus.Publish(events.SettingsUpdated{Settings: settings})
	writeJSON(w, http.StatusOK, settings)
}
