package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"paylock/auth"
	"paylock/models"
	"paylock/payments"
)

// CreatePaymentIntent registers a payment with the external processor and
// returns the pending record plus the client confirmation token.
func (s *Server) CreatePaymentIntent(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	var req struct {
		ProjectID uuid.UUID       `json:"project_id"`
		Amount    decimal.Decimal `json:"amount"`
		Metadata  string          `json:"metadata,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	payment, clientToken, err := s.Payments.CreateIntent(r.Context(), payments.CreateIntentInput{
		ProjectID: req.ProjectID,
		PayerID:   claims.Subject,
		Amount:    req.Amount,
		Metadata:  req.Metadata,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{
		"payment":      payment,
		"client_token": clientToken,
	})
}

// ConfirmPayment captures a pending payment through the processor.
func (s *Server) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid payment id", http.StatusBadRequest)
		return
	}
	var req struct {
		Method string `json:"method"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	payment, err := s.Payments.Confirm(r.Context(), id, req.Method, claims.Subject)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, payment)
}

// GetPayment returns a single payment.
func (s *Server) GetPayment(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid payment id", http.StatusBadRequest)
		return
	}
	var payment models.Payment
	if err := s.DB.WithContext(r.Context()).First(&payment, "id = ?", id).Error; err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, payment)
}
