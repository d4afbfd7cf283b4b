package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"paylock/auth"
	"paylock/models"
)

// CreateProject registers a funding context. The authenticated caller becomes
// the project owner.
func (s *Server) CreateProject(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	var req struct {
		FreelancerID uuid.UUID       `json:"freelancer_id"`
		AgentID      *uuid.UUID      `json:"agent_id,omitempty"`
		Title        string          `json:"title"`
		Budget       decimal.Decimal `json:"budget"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if req.Budget.Sign() <= 0 {
		s.writeJSON(w, http.StatusBadRequest, apiError{Code: "validation_error", Message: "budget must be positive"})
		return
	}
	now := s.Now()
	project := models.Project{
		ID:           uuid.New(),
		OwnerID:      claims.Subject,
		FreelancerID: req.FreelancerID,
		AgentID:      req.AgentID,
		Title:        req.Title,
		Budget:       req.Budget,
		Status:       models.ProjectInProgress,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.DB.WithContext(r.Context()).Create(&project).Error; err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, project)
}

// GetProject returns a single project.
func (s *Server) GetProject(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid project id", http.StatusBadRequest)
		return
	}
	var project models.Project
	if err := s.DB.WithContext(r.Context()).First(&project, "id = ?", id).Error; err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, project)
}
