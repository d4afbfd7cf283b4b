package milestones

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"paylock/escrow"
	"paylock/models"
	"paylock/notify"
)

var (
	// ErrNotFound indicates the referenced milestone, project or proof is unknown.
	ErrNotFound = errors.New("milestones: not found")
	// ErrInvalidTransition is returned when the milestone cannot move to the
	// requested state from its current one.
	ErrInvalidTransition = errors.New("milestones: invalid state transition")
	// ErrValidation marks malformed or out-of-policy input.
	ErrValidation = errors.New("milestones: validation failed")
	// ErrPermissionDenied is returned when the actor may not perform the
	// requested operation on this milestone.
	ErrPermissionDenied = errors.New("milestones: permission denied")
)

var hundred = decimal.NewFromInt(100)

// allowedTransitions enumerates the review workflow. A rejected milestone may
// be resubmitted; an approved one can only complete.
var allowedTransitions = map[models.MilestoneStatus][]models.MilestoneStatus{
	models.MilestonePending:  {models.MilestoneInReview},
	models.MilestoneInReview: {models.MilestoneApproved, models.MilestoneRejected},
	models.MilestoneRejected: {models.MilestoneInReview},
	models.MilestoneApproved: {models.MilestoneCompleted},
}

// ValidateTransition ensures the transition follows the review workflow.
func ValidateTransition(current, next models.MilestoneStatus) error {
	for _, state := range allowedTransitions[current] {
		if state == next {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
}

// Releaser is the slice of the escrow manager the review flow needs.
type Releaser interface {
	Release(ctx context.Context, escrowID uuid.UUID, proofID *uuid.UUID, actor escrow.Actor) (*models.Escrow, error)
}

// Manager owns milestone budgeting, the submit/review workflow and the
// approval records attached to proofs.
type Manager struct {
	db         *gorm.DB
	escrows    Releaser
	dispatcher *notify.Dispatcher
	now        func() time.Time
}

// NewManager constructs a milestone manager.
func NewManager(db *gorm.DB, escrows Releaser, dispatcher *notify.Dispatcher, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{db: db, escrows: escrows, dispatcher: dispatcher, now: now}
}

// CreateInput carries the parameters for milestone creation.
type CreateInput struct {
	ProjectID        uuid.UUID
	MilestoneNumber  int
	Title            string
	Description      string
	BudgetPercentage decimal.Decimal
}

// Create adds a numbered milestone to a project. The budget amount is derived
// from the project budget and the percentage; numbers are unique per project.
func (m *Manager) Create(ctx context.Context, input CreateInput, actorID uuid.UUID) (*models.Milestone, error) {
	if input.MilestoneNumber <= 0 {
		return nil, fmt.Errorf("%w: milestone number must be positive", ErrValidation)
	}
	if err := validatePercentage(input.BudgetPercentage); err != nil {
		return nil, err
	}
	var milestone models.Milestone
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var project models.Project
		if err := tx.First(&project, "id = ?", input.ProjectID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: project %s", ErrNotFound, input.ProjectID)
			}
			return err
		}
		if project.OwnerID != actorID {
			return fmt.Errorf("%w: only the project owner may create milestones", ErrPermissionDenied)
		}
		var count int64
		if err := tx.Model(&models.Milestone{}).
			Where("project_id = ? AND milestone_number = ?", project.ID, input.MilestoneNumber).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("%w: milestone number %d already exists for project", ErrValidation, input.MilestoneNumber)
		}
		now := m.now()
		milestone = models.Milestone{
			ID:               uuid.New(),
			ProjectID:        project.ID,
			MilestoneNumber:  input.MilestoneNumber,
			Title:            input.Title,
			Description:      input.Description,
			BudgetPercentage: input.BudgetPercentage,
			BudgetAmount:     budgetAmount(project.Budget, input.BudgetPercentage),
			Status:           models.MilestonePending,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := tx.Create(&milestone).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("%w: milestone number %d already exists for project", ErrValidation, input.MilestoneNumber)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &milestone, nil
}

// Get loads a milestone with its linked proofs.
func (m *Manager) Get(ctx context.Context, milestoneID uuid.UUID) (*models.Milestone, error) {
	var milestone models.Milestone
	if err := m.db.WithContext(ctx).Preload("Proofs").First(&milestone, "id = ?", milestoneID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: milestone %s", ErrNotFound, milestoneID)
		}
		return nil, err
	}
	return &milestone, nil
}

// ListByProject returns a project's milestones ordered by number.
func (m *Manager) ListByProject(ctx context.Context, projectID uuid.UUID) ([]models.Milestone, error) {
	var milestones []models.Milestone
	err := m.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("milestone_number asc").
		Find(&milestones).Error
	return milestones, err
}

// UpdateBudgetPercentage changes the milestone's budget share and recomputes
// the derived amount. Approved or completed milestones cannot be rebudgeted.
func (m *Manager) UpdateBudgetPercentage(ctx context.Context, milestoneID uuid.UUID, pct decimal.Decimal, actorID uuid.UUID) (*models.Milestone, error) {
	if err := validatePercentage(pct); err != nil {
		return nil, err
	}
	var milestone models.Milestone
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&milestone, "id = ?", milestoneID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: milestone %s", ErrNotFound, milestoneID)
			}
			return err
		}
		var project models.Project
		if err := tx.First(&project, "id = ?", milestone.ProjectID).Error; err != nil {
			return err
		}
		if project.OwnerID != actorID {
			return fmt.Errorf("%w: only the project owner may rebudget", ErrPermissionDenied)
		}
		if milestone.Status == models.MilestoneApproved || milestone.Status == models.MilestoneCompleted {
			return fmt.Errorf("%w: cannot rebudget a %s milestone", ErrInvalidTransition, milestone.Status)
		}
		milestone.BudgetPercentage = pct
		milestone.BudgetAmount = budgetAmount(project.Budget, pct)
		milestone.UpdatedAt = m.now()
		return tx.Save(&milestone).Error
	})
	if err != nil {
		return nil, err
	}
	return &milestone, nil
}

// SubmitForReview links the freelancer's proofs to the milestone and moves it
// into review. Every proof must exist, belong to the caller and to the
// milestone's project; any failure leaves the milestone and proofs untouched.
func (m *Manager) SubmitForReview(ctx context.Context, milestoneID uuid.UUID, proofIDs []uuid.UUID, actorID uuid.UUID) (*models.Milestone, error) {
	if len(proofIDs) == 0 {
		return nil, fmt.Errorf("%w: at least one proof is required", ErrValidation)
	}
	var milestone models.Milestone
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&milestone, "id = ?", milestoneID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: milestone %s", ErrNotFound, milestoneID)
			}
			return err
		}
		var project models.Project
		if err := tx.First(&project, "id = ?", milestone.ProjectID).Error; err != nil {
			return err
		}
		if project.FreelancerID != actorID {
			return fmt.Errorf("%w: only the accepted freelancer may submit", ErrPermissionDenied)
		}
		if err := ValidateTransition(milestone.Status, models.MilestoneInReview); err != nil {
			return err
		}

		// Validate the whole batch before touching anything.
		proofs := make([]models.ProofOfBuild, 0, len(proofIDs))
		for _, proofID := range proofIDs {
			var proof models.ProofOfBuild
			if err := tx.First(&proof, "id = ?", proofID).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return fmt.Errorf("%w: proof %s does not exist", ErrValidation, proofID)
				}
				return err
			}
			if proof.OwnerID != actorID {
				return fmt.Errorf("%w: proof %s is not owned by the submitter", ErrValidation, proofID)
			}
			if proof.ProjectID != milestone.ProjectID {
				return fmt.Errorf("%w: proof %s belongs to a different project", ErrValidation, proofID)
			}
			proofs = append(proofs, proof)
		}

		now := m.now()
		for i := range proofs {
			proofs[i].MilestoneID = &milestone.ID
			proofs[i].UpdatedAt = now
			if err := tx.Save(&proofs[i]).Error; err != nil {
				return err
			}
		}
		milestone.Status = models.MilestoneInReview
		milestone.UpdatedAt = now
		if err := tx.Save(&milestone).Error; err != nil {
			return err
		}
		return appendAudit(tx, milestone.ID, actorID, "milestone.submitted",
			fmt.Sprintf("proofs=%d", len(proofs)), now)
	})
	if err != nil {
		return nil, err
	}
	return &milestone, nil
}

// ReviewInput carries a project owner's decision on an in-review milestone.
type ReviewInput struct {
	Approved       bool
	Feedback       string
	ReleasePayment bool
}

// Review applies the owner's decision. Approval stamps the completion date and
// upserts an APPROVED record for every linked proof; rejection records the
// feedback so the freelancer can resubmit. When release is requested and a
// held escrow is linked, the release orchestrator runs after the review
// transaction commits.
func (m *Manager) Review(ctx context.Context, milestoneID uuid.UUID, input ReviewInput, actorID uuid.UUID) (*models.Milestone, error) {
	var milestone models.Milestone
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&milestone, "id = ?", milestoneID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: milestone %s", ErrNotFound, milestoneID)
			}
			return err
		}
		var project models.Project
		if err := tx.First(&project, "id = ?", milestone.ProjectID).Error; err != nil {
			return err
		}
		if project.OwnerID != actorID {
			return fmt.Errorf("%w: only the project owner may review", ErrPermissionDenied)
		}
		next := models.MilestoneRejected
		if input.Approved {
			next = models.MilestoneApproved
		}
		if err := ValidateTransition(milestone.Status, next); err != nil {
			return err
		}

		now := m.now()
		milestone.Status = next
		milestone.UpdatedAt = now
		if input.Approved {
			milestone.CompletionDate = &now
		}
		if err := tx.Save(&milestone).Error; err != nil {
			return err
		}

		var proofs []models.ProofOfBuild
		if err := tx.Where("milestone_id = ?", milestone.ID).Find(&proofs).Error; err != nil {
			return err
		}
		status := models.ApprovalRejected
		if input.Approved {
			status = models.ApprovalApproved
		}
		for _, proof := range proofs {
			if err := upsertApproval(tx, proof.ID, actorID, status, input.Feedback, now); err != nil {
				return err
			}
		}
		return appendAudit(tx, milestone.ID, actorID, "milestone.reviewed",
			fmt.Sprintf("decision=%s", status), now)
	})
	if err != nil {
		return nil, err
	}

	m.dispatcher.MilestoneReviewed(milestone.ID, map[string]string{
		"projectId": milestone.ProjectID.String(),
		"status":    string(milestone.Status),
	})

	if input.Approved && input.ReleasePayment && milestone.EscrowID != nil && m.escrows != nil {
		if _, err := m.escrows.Release(ctx, *milestone.EscrowID, nil, escrow.Actor{ID: actorID}); err != nil {
			// The approval is already committed. Record the failed release so
			// the half-finished state is visible; the explicit escrow release
			// endpoint completes it.
			_ = appendAudit(m.db.WithContext(ctx), milestone.ID, actorID, "milestone.release_failed", err.Error(), m.now())
			return &milestone, err
		}
		now := m.now()
		if err := m.db.WithContext(ctx).Model(&models.Milestone{}).
			Where("id = ?", milestone.ID).
			Updates(map[string]interface{}{"payment_released": true, "updated_at": now}).Error; err != nil {
			return &milestone, err
		}
		milestone.PaymentReleased = true
	}
	return &milestone, nil
}

// LinkEscrow attaches a held escrow to the milestone so an approval can
// release it.
func (m *Manager) LinkEscrow(ctx context.Context, milestoneID, escrowID uuid.UUID, actorID uuid.UUID) (*models.Milestone, error) {
	var milestone models.Milestone
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&milestone, "id = ?", milestoneID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: milestone %s", ErrNotFound, milestoneID)
			}
			return err
		}
		var project models.Project
		if err := tx.First(&project, "id = ?", milestone.ProjectID).Error; err != nil {
			return err
		}
		if project.OwnerID != actorID {
			return fmt.Errorf("%w: only the project owner may link an escrow", ErrPermissionDenied)
		}
		var esc models.Escrow
		if err := tx.First(&esc, "id = ?", escrowID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: escrow %s", ErrNotFound, escrowID)
			}
			return err
		}
		if esc.ProjectID != milestone.ProjectID {
			return fmt.Errorf("%w: escrow belongs to a different project", ErrValidation)
		}
		milestone.EscrowID = &esc.ID
		milestone.UpdatedAt = m.now()
		return tx.Save(&milestone).Error
	})
	if err != nil {
		return nil, err
	}
	return &milestone, nil
}

// Delete removes a milestone and detaches its proofs. A milestone whose
// proofs carry an approved record documents paid work and cannot be deleted.
func (m *Manager) Delete(ctx context.Context, milestoneID uuid.UUID, actorID uuid.UUID) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var milestone models.Milestone
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&milestone, "id = ?", milestoneID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: milestone %s", ErrNotFound, milestoneID)
			}
			return err
		}
		var project models.Project
		if err := tx.First(&project, "id = ?", milestone.ProjectID).Error; err != nil {
			return err
		}
		if project.OwnerID != actorID {
			return fmt.Errorf("%w: only the project owner may delete", ErrPermissionDenied)
		}
		var approved int64
		if err := tx.Model(&models.ProofApproval{}).
			Joins("JOIN proof_of_builds ON proof_of_builds.id = proof_approvals.proof_id").
			Where("proof_of_builds.milestone_id = ? AND proof_approvals.status = ?", milestone.ID, models.ApprovalApproved).
			Count(&approved).Error; err != nil {
			return err
		}
		if approved > 0 {
			return fmt.Errorf("%w: milestone has approved proofs", ErrValidation)
		}
		now := m.now()
		if err := tx.Model(&models.ProofOfBuild{}).
			Where("milestone_id = ?", milestone.ID).
			Updates(map[string]interface{}{"milestone_id": nil, "updated_at": now}).Error; err != nil {
			return err
		}
		if err := tx.Delete(&milestone).Error; err != nil {
			return err
		}
		return appendAudit(tx, milestone.ID, actorID, "milestone.deleted", "", now)
	})
}

func budgetAmount(budget, pct decimal.Decimal) decimal.Decimal {
	return budget.Mul(pct).Div(hundred).Round(2)
}

func validatePercentage(pct decimal.Decimal) error {
	if pct.Sign() <= 0 || pct.GreaterThan(hundred) {
		return fmt.Errorf("%w: budget percentage must be in (0, 100]", ErrValidation)
	}
	return nil
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
