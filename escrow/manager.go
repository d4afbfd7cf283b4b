package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"paylock/distribution"
	"paylock/models"
	"paylock/notify"
	"paylock/observability"
	"paylock/processor"
)

var (
	// ErrNotFound indicates the referenced escrow, payment or project is unknown.
	ErrNotFound = errors.New("escrow: not found")
	// ErrInvalidTransition is returned when the escrow cannot move to the
	// requested state from its current one.
	ErrInvalidTransition = errors.New("escrow: invalid state transition")
	// ErrEscrowExists means an escrow already holds the payment's funds.
	ErrEscrowExists = errors.New("escrow: payment already escrowed")
	// ErrValidation marks malformed or out-of-policy input.
	ErrValidation = errors.New("escrow: validation failed")
	// ErrPermissionDenied is returned when the actor may not perform the
	// requested operation on this escrow.
	ErrPermissionDenied = errors.New("escrow: permission denied")
)

// unresolvedRefundStatuses are the refund intent states that still claim the
// escrowed funds: the intent either awaits the processor or awaits local
// finalization.
var unresolvedRefundStatuses = []models.RefundIntentStatus{
	models.RefundIntentPending,
	models.RefundIntentProcessorConfirmed,
}

// Actor identifies the authenticated caller of an escrow operation.
type Actor struct {
	ID    uuid.UUID
	Admin bool
}

// Manager owns escrow custody: creation from completed payments, atomic
// release, disputes, and the two-phase refund saga.
type Manager struct {
	db         *gorm.DB
	processor  processor.Client
	dispatcher *notify.Dispatcher
	now        func() time.Time
}

// NewManager constructs an escrow manager.
func NewManager(db *gorm.DB, client processor.Client, dispatcher *notify.Dispatcher, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{db: db, processor: client, dispatcher: dispatcher, now: now}
}

// CreateInput carries the parameters for escrow creation.
type CreateInput struct {
	PaymentID        uuid.UUID
	ProjectID        uuid.UUID
	Amount           decimal.Decimal
	ReleaseCondition string
}

// Create moves a completed payment's funds into custody. The distribution
// breakdown is fixed at creation time. A second escrow for the same payment
// is rejected, with the store's unique constraint as the backstop against
// concurrent creators.
func (m *Manager) Create(ctx context.Context, input CreateInput) (*models.Escrow, error) {
	var created models.Escrow
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var payment models.Payment
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&payment, "id = ?", input.PaymentID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: payment %s", ErrNotFound, input.PaymentID)
			}
			return err
		}
		if payment.Status != models.PaymentCompleted {
			return fmt.Errorf("%w: escrow requires a COMPLETED payment, got %s", ErrInvalidTransition, payment.Status)
		}
		var project models.Project
		if err := tx.First(&project, "id = ?", input.ProjectID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: project %s", ErrNotFound, input.ProjectID)
			}
			return err
		}
		if payment.ProjectID != project.ID {
			return fmt.Errorf("%w: payment belongs to a different project", ErrValidation)
		}

		amount := input.Amount
		if amount.IsZero() {
			amount = payment.Amount
		} else if !amount.Equal(payment.Amount) {
			return fmt.Errorf("%w: escrow amount %s does not match payment amount %s", ErrValidation, amount, payment.Amount)
		}
		breakdown, err := distribution.Compute(amount, project.AgentID != nil)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}

		var existing models.Escrow
		if err := tx.First(&existing, "payment_id = ?", payment.ID).Error; err == nil {
			return fmt.Errorf("%w: escrow %s", ErrEscrowExists, existing.ID)
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		now := m.now()
		created = models.Escrow{
			ID:               uuid.New(),
			PaymentID:        payment.ID,
			ProjectID:        project.ID,
			Amount:           breakdown.Amount,
			PlatformFee:      breakdown.PlatformFee,
			FreelancerAmount: breakdown.FreelancerShare,
			AgentAmount:      breakdown.AgentShare,
			Status:           models.EscrowHeld,
			ReleaseCondition: input.ReleaseCondition,
			HeldAt:           now,
		}
		if err := tx.Create(&created).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("%w: payment %s", ErrEscrowExists, payment.ID)
			}
			return err
		}
		if err := tx.Create(&models.Transaction{
			ID:        uuid.New(),
			EscrowID:  created.ID,
			ProjectID: project.ID,
			UserID:    payment.PayerID,
			Type:      models.TransactionEscrowHold,
			Amount:    breakdown.Amount,
			CreatedAt: now,
		}).Error; err != nil {
			return err
		}
		return appendAudit(tx, created.ID, payment.PayerID, "escrow.held",
			fmt.Sprintf("amount=%s freelancer=%s agent=%s fee=%s",
				breakdown.Amount, breakdown.FreelancerShare, breakdown.AgentShare, breakdown.PlatformFee), now)
	})
	if err != nil {
		return nil, err
	}
	observability.Custody().RecordTransition("held")
	return &created, nil
}

// Get loads a single escrow.
func (m *Manager) Get(ctx context.Context, escrowID uuid.UUID) (*models.Escrow, error) {
	var escrow models.Escrow
	if err := m.db.WithContext(ctx).First(&escrow, "id = ?", escrowID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: escrow %s", ErrNotFound, escrowID)
		}
		return nil, err
	}
	return &escrow, nil
}

// Release settles a held escrow: marks the payment processed, credits the
// freelancer and agent profiles, completes the project and writes the ledger
// rows, all in one transaction. Only the project owner or an administrator
// may release, and a disputed escrow cannot be released.
func (m *Manager) Release(ctx context.Context, escrowID uuid.UUID, proofID *uuid.UUID, actor Actor) (*models.Escrow, error) {
	var escrow models.Escrow
	var project models.Project
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&escrow, "id = ?", escrowID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: escrow %s", ErrNotFound, escrowID)
			}
			return err
		}
		if escrow.IsDisputed || escrow.Status == models.EscrowDisputed {
			return fmt.Errorf("%w: escrow is disputed", ErrInvalidTransition)
		}
		if err := ValidateTransition(escrow.Status, models.EscrowReleased); err != nil {
			return err
		}
		var inflight int64
		if err := tx.Model(&models.RefundIntent{}).
			Where("escrow_id = ? AND status IN ?", escrow.ID, unresolvedRefundStatuses).
			Count(&inflight).Error; err != nil {
			return err
		}
		if inflight > 0 {
			return fmt.Errorf("%w: a refund is in flight for this escrow", ErrInvalidTransition)
		}
		if err := tx.First(&project, "id = ?", escrow.ProjectID).Error; err != nil {
			return err
		}
		if !actor.Admin && actor.ID != project.OwnerID {
			return fmt.Errorf("%w: only the project owner may release", ErrPermissionDenied)
		}
		if proofID != nil {
			var proof models.ProofOfBuild
			if err := tx.First(&proof, "id = ?", *proofID).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return fmt.Errorf("%w: proof %s", ErrNotFound, *proofID)
				}
				return err
			}
			if proof.ProjectID != project.ID {
				return fmt.Errorf("%w: proof belongs to a different project", ErrValidation)
			}
			escrow.ProofID = proofID
		}

		now := m.now()
		var payment models.Payment
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&payment, "id = ?", escrow.PaymentID).Error; err != nil {
			return err
		}
		payment.Status = models.PaymentCompleted
		if payment.ProcessedAt == nil {
			payment.ProcessedAt = &now
		}
		payment.UpdatedAt = now
		if err := tx.Save(&payment).Error; err != nil {
			return err
		}

		if err := creditProfile(tx, project.FreelancerID, escrow.FreelancerAmount, 1, now); err != nil {
			return err
		}
		if escrow.AgentAmount.Sign() > 0 && project.AgentID != nil {
			if err := creditProfile(tx, *project.AgentID, escrow.AgentAmount, 0, now); err != nil {
				return err
			}
		}

		project.Status = models.ProjectCompleted
		project.UpdatedAt = now
		if err := tx.Save(&project).Error; err != nil {
			return err
		}

		escrow.Status = models.EscrowReleased
		escrow.ReleasedAt = &now
		if err := tx.Save(&escrow).Error; err != nil {
			return err
		}

		entries := []models.Transaction{
			{ID: uuid.New(), EscrowID: escrow.ID, ProjectID: project.ID, UserID: project.FreelancerID,
				Type: models.TransactionEscrowRelease, Amount: escrow.FreelancerAmount, CreatedAt: now},
			{ID: uuid.New(), EscrowID: escrow.ID, ProjectID: project.ID,
				Type: models.TransactionPlatformFee, Amount: escrow.PlatformFee, CreatedAt: now},
		}
		if escrow.AgentAmount.Sign() > 0 && project.AgentID != nil {
			entries = append(entries, models.Transaction{
				ID: uuid.New(), EscrowID: escrow.ID, ProjectID: project.ID, UserID: *project.AgentID,
				Type: models.TransactionEscrowRelease, Amount: escrow.AgentAmount, CreatedAt: now,
			})
		}
		if err := tx.Create(&entries).Error; err != nil {
			return err
		}
		return appendAudit(tx, escrow.ID, actor.ID, "escrow.released",
			fmt.Sprintf("freelancer=%s agent=%s fee=%s", escrow.FreelancerAmount, escrow.AgentAmount, escrow.PlatformFee), now)
	})
	if err != nil {
		return nil, err
	}
	observability.Custody().RecordTransition("released")
	if escrow.ReleasedAt != nil {
		observability.Custody().ObserveHoldDuration(escrow.ReleasedAt.Sub(escrow.HeldAt).Seconds())
	}
	m.dispatcher.EscrowReleased(escrow.ID, map[string]string{
		"projectId":  escrow.ProjectID.String(),
		"freelancer": escrow.FreelancerAmount.String(),
		"agent":      escrow.AgentAmount.String(),
		"fee":        escrow.PlatformFee.String(),
	})
	return &escrow, nil
}

// Dispute freezes a held escrow. Any project participant may open a dispute;
// a disputed escrow cannot be released until an administrator resolves it.
func (m *Manager) Dispute(ctx context.Context, escrowID uuid.UUID, reason string, actor Actor) (*models.Dispute, error) {
	if reason == "" {
		return nil, fmt.Errorf("%w: dispute reason is required", ErrValidation)
	}
	var dispute models.Dispute
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var escrow models.Escrow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&escrow, "id = ?", escrowID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: escrow %s", ErrNotFound, escrowID)
			}
			return err
		}
		if err := ValidateTransition(escrow.Status, models.EscrowDisputed); err != nil {
			return err
		}
		var project models.Project
		if err := tx.First(&project, "id = ?", escrow.ProjectID).Error; err != nil {
			return err
		}
		if !actor.Admin && !isParticipant(project, actor.ID) {
			return fmt.Errorf("%w: only project participants may dispute", ErrPermissionDenied)
		}

		now := m.now()
		escrow.Status = models.EscrowDisputed
		escrow.IsDisputed = true
		escrow.DisputeReason = reason
		if err := tx.Save(&escrow).Error; err != nil {
			return err
		}
		dispute = models.Dispute{
			ID:          uuid.New(),
			EscrowID:    escrow.ID,
			InitiatorID: actor.ID,
			Reason:      reason,
			Status:      models.DisputeOpen,
			CreatedAt:   now,
		}
		if err := tx.Create(&dispute).Error; err != nil {
			return err
		}
		return appendAudit(tx, escrow.ID, actor.ID, "escrow.disputed", reason, now)
	})
	if err != nil {
		return nil, err
	}
	observability.Custody().RecordTransition("disputed")
	m.dispatcher.EscrowDisputed(dispute.EscrowID, map[string]string{
		"disputeId": dispute.ID.String(),
		"reason":    reason,
	})
	return &dispute, nil
}

// Refund returns escrowed funds to the payer. Valid from HELD or DISPUTED,
// never from RELEASED. The refund runs as a saga: the intent row commits
// first, the processor is called outside any transaction, and local custody
// state is finalized afterwards. A crash between phases is repaired by the
// reconciler re-driving the persisted intent.
func (m *Manager) Refund(ctx context.Context, escrowID uuid.UUID, reason string, actor Actor) (*models.Escrow, error) {
	var intent models.RefundIntent
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var escrow models.Escrow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&escrow, "id = ?", escrowID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: escrow %s", ErrNotFound, escrowID)
			}
			return err
		}
		if err := ValidateTransition(escrow.Status, models.EscrowRefunded); err != nil {
			return err
		}
		var project models.Project
		if err := tx.First(&project, "id = ?", escrow.ProjectID).Error; err != nil {
			return err
		}
		if !actor.Admin && actor.ID != project.OwnerID {
			return fmt.Errorf("%w: only the project owner may refund", ErrPermissionDenied)
		}

		// Reuse an in-flight intent rather than issuing a second processor
		// refund under a fresh idempotency key.
		err := tx.Where("escrow_id = ? AND status IN ?", escrow.ID, unresolvedRefundStatuses).
			First(&intent).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		now := m.now()
		intent = models.RefundIntent{
			ID:        uuid.New(),
			EscrowID:  escrow.ID,
			PaymentID: escrow.PaymentID,
			Amount:    escrow.Amount,
			Reason:    reason,
			Status:    models.RefundIntentPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.Create(&intent).Error; err != nil {
			return err
		}
		return appendAudit(tx, escrow.ID, actor.ID, "escrow.refund_requested", reason, now)
	})
	if err != nil {
		return nil, err
	}
	if err := m.ProcessRefundIntent(ctx, &intent); err != nil {
		return nil, err
	}
	return m.Get(ctx, escrowID)
}

// ResolveDispute force-refunds a disputed escrow. Administrators only.
func (m *Manager) ResolveDispute(ctx context.Context, escrowID uuid.UUID, resolution string, actor Actor) (*models.Escrow, error) {
	if !actor.Admin {
		return nil, fmt.Errorf("%w: dispute resolution is restricted to administrators", ErrPermissionDenied)
	}
	escrow, err := m.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if escrow.Status != models.EscrowDisputed {
		return nil, fmt.Errorf("%w: escrow is not disputed", ErrInvalidTransition)
	}
	return m.Refund(ctx, escrowID, resolution, actor)
}

// ProcessRefundIntent drives a persisted refund intent to completion. It is
// safe to call repeatedly: the processor call carries the intent ID as its
// idempotency key, and the finalize step tolerates an escrow that a previous
// attempt already refunded. An intent whose escrow left the refundable states
// while the intent sat PENDING is abandoned before any money moves.
func (m *Manager) ProcessRefundIntent(ctx context.Context, intent *models.RefundIntent) error {
	if intent.Status == models.RefundIntentPending {
		var escrow models.Escrow
		if err := m.db.WithContext(ctx).First(&escrow, "id = ?", intent.EscrowID).Error; err != nil {
			return err
		}
		if err := ValidateTransition(escrow.Status, models.EscrowRefunded); err != nil {
			now := m.now()
			intent.Status = models.RefundIntentFailed
			intent.LastError = fmt.Sprintf("escrow is %s, refund abandoned", escrow.Status)
			intent.ResolvedAt = &now
			intent.UpdatedAt = now
			if saveErr := m.db.WithContext(ctx).Save(intent).Error; saveErr != nil {
				return saveErr
			}
			observability.Custody().RecordRefundAttempt("abandoned")
			return err
		}
		var payment models.Payment
		if err := m.db.WithContext(ctx).First(&payment, "id = ?", intent.PaymentID).Error; err != nil {
			return err
		}
		err := m.processor.RefundIntent(ctx, processor.RefundRequest{
			Reference:      payment.ExternalReference,
			Amount:         intent.Amount,
			Reason:         intent.Reason,
			IdempotencyKey: intent.ID.String(),
		})
		now := m.now()
		if err != nil {
			intent.Attempts++
			intent.LastError = err.Error()
			intent.UpdatedAt = now
			outcome := "retryable"
			if errors.Is(err, processor.ErrRejected) {
				intent.Status = models.RefundIntentFailed
				intent.ResolvedAt = &now
				outcome = "rejected"
			}
			observability.Custody().RecordRefundAttempt(outcome)
			if saveErr := m.db.WithContext(ctx).Save(intent).Error; saveErr != nil {
				return saveErr
			}
			return err
		}
		observability.Custody().RecordRefundAttempt("confirmed")
		intent.Status = models.RefundIntentProcessorConfirmed
		intent.Attempts++
		intent.LastError = ""
		intent.UpdatedAt = now
		if err := m.db.WithContext(ctx).Save(intent).Error; err != nil {
			return err
		}
	}
	if intent.Status != models.RefundIntentProcessorConfirmed {
		return nil
	}
	return m.finalizeRefund(ctx, intent)
}

// finalizeRefund applies the local side of a processor-confirmed refund.
func (m *Manager) finalizeRefund(ctx context.Context, intent *models.RefundIntent) error {
	var escrow models.Escrow
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&escrow, "id = ?", intent.EscrowID).Error; err != nil {
			return err
		}
		now := m.now()
		if escrow.Status != models.EscrowRefunded {
			if err := ValidateTransition(escrow.Status, models.EscrowRefunded); err != nil {
				return err
			}
			escrow.Status = models.EscrowRefunded
			if err := tx.Save(&escrow).Error; err != nil {
				return err
			}
			var payment models.Payment
			if err := tx.First(&payment, "id = ?", escrow.PaymentID).Error; err != nil {
				return err
			}
			if err := tx.Create(&models.Transaction{
				ID:        uuid.New(),
				EscrowID:  escrow.ID,
				ProjectID: escrow.ProjectID,
				UserID:    payment.PayerID,
				Type:      models.TransactionEscrowRefund,
				Amount:    intent.Amount,
				CreatedAt: now,
			}).Error; err != nil {
				return err
			}
			resolution := intent.Reason
			if resolution == "" {
				resolution = "refunded"
			}
			if err := tx.Model(&models.Dispute{}).
				Where("escrow_id = ? AND status = ?", escrow.ID, models.DisputeOpen).
				Updates(map[string]interface{}{
					"status":      models.DisputeResolvedRefund,
					"resolution":  resolution,
					"resolved_at": now,
				}).Error; err != nil {
				return err
			}
		}
		intent.Status = models.RefundIntentCompleted
		intent.ResolvedAt = &now
		intent.UpdatedAt = now
		if err := tx.Save(intent).Error; err != nil {
			return err
		}
		return appendAudit(tx, escrow.ID, uuid.Nil, "escrow.refunded",
			fmt.Sprintf("intent=%s amount=%s", intent.ID, intent.Amount), now)
	})
	if err != nil {
		return err
	}
	observability.Custody().RecordTransition("refunded")
	m.dispatcher.EscrowRefunded(escrow.ID, map[string]string{
		"intentId": intent.ID.String(),
		"amount":   intent.Amount.String(),
	})
	return nil
}

func isParticipant(project models.Project, userID uuid.UUID) bool {
	if userID == project.OwnerID || userID == project.FreelancerID {
		return true
	}
	return project.AgentID != nil && *project.AgentID == userID
}

func creditProfile(tx *gorm.DB, userID uuid.UUID, amount decimal.Decimal, completedDelta int, now time.Time) error {
	var profile models.Profile
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&profile, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		profile = models.Profile{
			UserID:            userID,
			TotalEarned:       amount,
			PendingEarnings:   decimal.Zero,
			CompletedProjects: completedDelta,
			UpdatedAt:         now,
		}
		return tx.Create(&profile).Error
	}
	if err != nil {
		return err
	}
	profile.TotalEarned = profile.TotalEarned.Add(amount)
	profile.CompletedProjects += completedDelta
	profile.UpdatedAt = now
	return tx.Save(&profile).Error
}

func appendAudit(tx *gorm.DB, entityID, actorID uuid.UUID, action, details string, now time.Time) error {
	event := models.AuditEvent{
		ID:        uuid.New(),
		EntityID:  &entityID,
		ActorID:   actorID,
		Action:    action,
		Details:   details,
		CreatedAt: now,
	}
	return tx.Create(&event).Error
}
