package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"paylock/auth"
	"paylock/escrow"
)

func actorFrom(claims *auth.Claims) escrow.Actor {
	return escrow.Actor{ID: claims.Subject, Admin: claims.IsAdmin()}
}

// CreateEscrow moves a completed payment's funds into custody.
func (s *Server) CreateEscrow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PaymentID        uuid.UUID       `json:"payment_id"`
		ProjectID        uuid.UUID       `json:"project_id"`
		Amount           decimal.Decimal `json:"amount"`
		ReleaseCondition string          `json:"release_condition"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	created, err := s.Escrows.Create(r.Context(), escrow.CreateInput{
		PaymentID:        req.PaymentID,
		ProjectID:        req.ProjectID,
		Amount:           req.Amount,
		ReleaseCondition: req.ReleaseCondition,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

// GetEscrow returns a single escrow.
func (s *Server) GetEscrow(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid escrow id", http.StatusBadRequest)
		return
	}
	esc, err := s.Escrows.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, esc)
}

// ReleaseEscrow settles a held escrow to the freelancer and agent.
func (s *Server) ReleaseEscrow(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid escrow id", http.StatusBadRequest)
		return
	}
	var req struct {
		ProofID *uuid.UUID `json:"proof_id,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}
	}
	esc, err := s.Escrows.Release(r.Context(), id, req.ProofID, actorFrom(claims))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, esc)
}

// DisputeEscrow freezes a held escrow pending resolution.
func (s *Server) DisputeEscrow(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid escrow id", http.StatusBadRequest)
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	dispute, err := s.Escrows.Dispute(r.Context(), id, req.Reason, actorFrom(claims))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, dispute)
}

// RefundEscrow returns escrowed funds to the payer through the refund saga.
func (s *Server) RefundEscrow(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid escrow id", http.StatusBadRequest)
		return
	}
	var req struct {
		Reason string `json:"reason,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}
	}
	esc, err := s.Escrows.Refund(r.Context(), id, req.Reason, actorFrom(claims))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, esc)
}

// ResolveDispute force-refunds a disputed escrow. Administrators only; the
// route guard enforces the role, the service re-checks it.
func (s *Server) ResolveDispute(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid escrow id", http.StatusBadRequest)
		return
	}
	var req struct {
		Resolution string `json:"resolution,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}
	}
	esc, err := s.Escrows.ResolveDispute(r.Context(), id, req.Resolution, actorFrom(claims))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, esc)
}
