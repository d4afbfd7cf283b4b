package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"paylock/auth"
	"paylock/milestones"
	"paylock/models"
	"paylock/proofs"
)

// CreateProof registers a signed proof-of-build record for the caller.
func (s *Server) CreateProof(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	var req struct {
		ProjectID uuid.UUID        `json:"project_id"`
		Type      models.ProofType `json:"type"`
		Reference string           `json:"reference"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	proof, err := s.Proofs.Create(r.Context(), proofs.CreateInput{
		ProjectID: req.ProjectID,
		Type:      req.Type,
		Reference: req.Reference,
	}, claims.Subject)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, proof)
}

// GetProof returns a single proof record.
func (s *Server) GetProof(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid proof id", http.StatusBadRequest)
		return
	}
	proof, err := s.Proofs.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, proof)
}

// VerifyProof settles a pending proof's verification outcome.
func (s *Server) VerifyProof(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid proof id", http.StatusBadRequest)
		return
	}
	var req struct {
		Verified bool `json:"verified"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	proof, err := s.Proofs.RecordVerification(r.Context(), id, req.Verified)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, proof)
}

// RecordApproval creates or updates the single approval record for a proof.
func (s *Server) RecordApproval(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	var req struct {
		ProofID  uuid.UUID             `json:"proof_id"`
		Status   models.ApprovalStatus `json:"status"`
		Feedback string                `json:"feedback,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	approval, err := s.Milestones.RecordApproval(r.Context(), milestones.ApprovalInput{
		ProofID:  req.ProofID,
		Status:   req.Status,
		Feedback: req.Feedback,
	}, claims.Subject)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, approval)
}

// GetApproval returns the approval record attached to a proof.
func (s *Server) GetApproval(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid proof id", http.StatusBadRequest)
		return
	}
	approval, err := s.Milestones.GetApproval(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, approval)
}

// IssueCertificate signs a completion certificate over the caller's verified
// proofs for the project.
func (s *Server) IssueCertificate(w http.ResponseWriter, r *http.Request) {
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
	cert, err := s.Proofs.IssueCertificate(r.Context(), projectID, claims.Subject)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, cert)
}
