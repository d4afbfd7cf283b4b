package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"paylock/auth"
	"paylock/milestones"
)

// CreateMilestone adds a numbered milestone to a project.
func (s *Server) CreateMilestone(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	projectID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid project id", http.StatusBadRequest)
		return
	}
	var req struct {
		MilestoneNumber  int             `json:"milestone_number"`
		Title            string          `json:"title"`
		Description      string          `json:"description,omitempty"`
		BudgetPercentage decimal.Decimal `json:"budget_percentage"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	milestone, err := s.Milestones.Create(r.Context(), milestones.CreateInput{
		ProjectID:        projectID,
		MilestoneNumber:  req.MilestoneNumber,
		Title:            req.Title,
		Description:      req.Description,
		BudgetPercentage: req.BudgetPercentage,
	}, claims.Subject)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, milestone)
}

// ListMilestones returns a project's milestones ordered by number.
func (s *Server) ListMilestones(w http.ResponseWriter, r *http.Request) {
	projectID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid project id", http.StatusBadRequest)
		return
	}
	list, err := s.Milestones.ListByProject(r.Context(), projectID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

// GetMilestone returns a milestone with its linked proofs.
func (s *Server) GetMilestone(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid milestone id", http.StatusBadRequest)
		return
	}
	milestone, err := s.Milestones.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, milestone)
}

// UpdateMilestoneBudget changes the budget share and recomputes the amount.
func (s *Server) UpdateMilestoneBudget(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid milestone id", http.StatusBadRequest)
		return
	}
	var req struct {
		BudgetPercentage decimal.Decimal `json:"budget_percentage"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	milestone, err := s.Milestones.UpdateBudgetPercentage(r.Context(), id, req.BudgetPercentage, claims.Subject)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, milestone)
}

// SubmitMilestone links the freelancer's proofs and moves the milestone into
// review.
func (s *Server) SubmitMilestone(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid milestone id", http.StatusBadRequest)
		return
	}
	var req struct {
		ProofIDs []uuid.UUID `json:"proof_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	milestone, err := s.Milestones.SubmitForReview(r.Context(), id, req.ProofIDs, claims.Subject)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, milestone)
}

// ReviewMilestone applies the owner's approve or reject decision.
func (s *Server) ReviewMilestone(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid milestone id", http.StatusBadRequest)
		return
	}
	var req struct {
		Approved       bool   `json:"approved"`
		Feedback       string `json:"feedback,omitempty"`
		ReleasePayment bool   `json:"release_payment,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	milestone, err := s.Milestones.Review(r.Context(), id, milestones.ReviewInput{
		Approved:       req.Approved,
		Feedback:       req.Feedback,
		ReleasePayment: req.ReleasePayment,
	}, claims.Subject)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, milestone)
}

// LinkMilestoneEscrow attaches a held escrow to the milestone.
func (s *Server) LinkMilestoneEscrow(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid milestone id", http.StatusBadRequest)
		return
	}
	var req struct {
		EscrowID uuid.UUID `json:"escrow_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	milestone, err := s.Milestones.LinkEscrow(r.Context(), id, req.EscrowID, claims.Subject)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, milestone)
}

// DeleteMilestone removes a milestone unless it documents approved work.
func (s *Server) DeleteMilestone(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid milestone id", http.StatusBadRequest)
		return
	}
	if err := s.Milestones.Delete(r.Context(), id, claims.Subject); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
