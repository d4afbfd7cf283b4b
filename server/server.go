package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"gorm.io/gorm"

	"paylock/auth"
	"paylock/escrow"
	paylockmw "paylock/middleware"
	"paylock/milestones"
	"paylock/payments"
	"paylock/processor"
	"paylock/proofs"
)

// Config captures the dependencies required to construct the server.
type Config struct {
	DB            *gorm.DB
	Payments      *payments.Manager
	Escrows       *escrow.Manager
	Milestones    *milestones.Manager
	Proofs        *proofs.Service
	Verifier      *auth.Verifier
	WebhookSecret string
	Now           func() time.Time
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	DB            *gorm.DB
	Payments      *payments.Manager
	Escrows       *escrow.Manager
	Milestones    *milestones.Manager
	Proofs        *proofs.Service
	Verifier      *auth.Verifier
	WebhookSecret string
	Now           func() time.Time

	router http.Handler
}

// New constructs a configured HTTP router with authentication and
// idempotency support.
func New(cfg Config) *Server {
	srv := &Server{
		DB:            cfg.DB,
		Payments:      cfg.Payments,
		Escrows:       cfg.Escrows,
		Milestones:    cfg.Milestones,
		Proofs:        cfg.Proofs,
		Verifier:      cfg.Verifier,
		WebhookSecret: cfg.WebhookSecret,
		Now:           cfg.Now,
	}
	if srv.Now == nil {
		srv.Now = time.Now
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	// Processor callbacks authenticate with a shared-secret signature, not a
	// bearer token.
	r.Post("/webhooks/processor", s.ProcessorWebhook)

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(s.Verifier.Authenticate)
		api.Use(func(next http.Handler) http.Handler { return paylockmw.WithIdempotency(s.DB, next) })

		api.With(auth.RequireRole(auth.RoleClient, auth.RoleAdmin)).Post("/projects", s.CreateProject)
		api.Get("/projects/{id}", s.GetProject)

		api.With(auth.RequireRole(auth.RoleClient, auth.RoleAdmin)).Post("/payments", s.CreatePaymentIntent)
		api.With(auth.RequireRole(auth.RoleClient, auth.RoleAdmin)).Post("/payments/{id}/confirm", s.ConfirmPayment)
		api.Get("/payments/{id}", s.GetPayment)

		api.With(auth.RequireRole(auth.RoleClient, auth.RoleAdmin)).Post("/escrows", s.CreateEscrow)
		api.Get("/escrows/{id}", s.GetEscrow)
		api.With(auth.RequireRole(auth.RoleClient, auth.RoleAdmin)).Post("/escrows/{id}/release", s.ReleaseEscrow)
		api.With(auth.RequireRole(auth.RoleClient, auth.RoleFreelancer, auth.RoleAgent, auth.RoleAdmin)).Post("/escrows/{id}/dispute", s.DisputeEscrow)
		api.With(auth.RequireRole(auth.RoleClient, auth.RoleAdmin)).Post("/escrows/{id}/refund", s.RefundEscrow)
		api.With(auth.RequireRole(auth.RoleAdmin)).Post("/escrows/{id}/resolve", s.ResolveDispute)

		api.With(auth.RequireRole(auth.RoleClient, auth.RoleAdmin)).Post("/projects/{id}/milestones", s.CreateMilestone)
		api.Get("/projects/{id}/milestones", s.ListMilestones)
		api.Get("/milestones/{id}", s.GetMilestone)
		api.With(auth.RequireRole(auth.RoleClient, auth.RoleAdmin)).Patch("/milestones/{id}/budget", s.UpdateMilestoneBudget)
		api.With(auth.RequireRole(auth.RoleFreelancer)).Post("/milestones/{id}/submit", s.SubmitMilestone)
		api.With(auth.RequireRole(auth.RoleClient, auth.RoleAdmin)).Post("/milestones/{id}/review", s.ReviewMilestone)
		api.With(auth.RequireRole(auth.RoleClient, auth.RoleAdmin)).Post("/milestones/{id}/escrow", s.LinkMilestoneEscrow)
		api.With(auth.RequireRole(auth.RoleClient, auth.RoleAdmin)).Delete("/milestones/{id}", s.DeleteMilestone)

		api.With(auth.RequireRole(auth.RoleFreelancer, auth.RoleAgent)).Post("/proofs", s.CreateProof)
		api.Get("/proofs/{id}", s.GetProof)
		api.With(auth.RequireRole(auth.RoleAdmin)).Post("/proofs/{id}/verification", s.VerifyProof)
		api.Get("/proofs/{id}/approval", s.GetApproval)
		api.With(auth.RequireRole(auth.RoleClient, auth.RoleAdmin)).Post("/approvals", s.RecordApproval)
		api.With(auth.RequireRole(auth.RoleFreelancer)).Post("/projects/{id}/certificate", s.IssueCertificate)
	})

	return r
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps service errors onto the stable wire taxonomy.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	s.writeJSON(w, status, apiError{Code: code, Message: err.Error()})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, payments.ErrPaymentNotFound),
		errors.Is(err, escrow.ErrNotFound),
		errors.Is(err, milestones.ErrNotFound),
		errors.Is(err, proofs.ErrNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, payments.ErrPermissionDenied),
		errors.Is(err, escrow.ErrPermissionDenied),
		errors.Is(err, milestones.ErrPermissionDenied),
		errors.Is(err, proofs.ErrPermissionDenied):
		return http.StatusForbidden, "permission_denied"
	case errors.Is(err, payments.ErrInvalidTransition),
		errors.Is(err, escrow.ErrInvalidTransition),
		errors.Is(err, escrow.ErrEscrowExists),
		errors.Is(err, milestones.ErrInvalidTransition),
		errors.Is(err, proofs.ErrInvalidTransition):
		return http.StatusConflict, "invalid_state_transition"
	case errors.Is(err, payments.ErrValidation),
		errors.Is(err, escrow.ErrValidation),
		errors.Is(err, milestones.ErrValidation),
		errors.Is(err, proofs.ErrValidation),
		errors.Is(err, proofs.ErrBadSignature):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, processor.ErrUnavailable),
		errors.Is(err, processor.ErrRejected):
		return http.StatusBadGateway, "processor_error"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
