package milestones

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"paylock/models"
)

// ApprovalInput carries a reviewer decision for a single proof.
type ApprovalInput struct {
	ProofID  uuid.UUID
	Status   models.ApprovalStatus
	Feedback string
}

// RecordApproval creates or updates the approval record for a proof. Each
// proof carries exactly one approval; a repeated decision overwrites the
// previous one rather than accumulating rows. Only the owner of the proof's
// project may record a decision.
func (m *Manager) RecordApproval(ctx context.Context, input ApprovalInput, actorID uuid.UUID) (*models.ProofApproval, error) {
	switch input.Status {
	case models.ApprovalApproved, models.ApprovalRejected, models.ApprovalRevisionRequested:
	default:
		return nil, fmt.Errorf("%w: unsupported approval status %q", ErrValidation, input.Status)
	}
	var approval models.ProofApproval
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var proof models.ProofOfBuild
		if err := tx.First(&proof, "id = ?", input.ProofID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: proof %s", ErrNotFound, input.ProofID)
			}
			return err
		}
		var project models.Project
		if err := tx.First(&project, "id = ?", proof.ProjectID).Error; err != nil {
			return err
		}
		if project.OwnerID != actorID {
			return fmt.Errorf("%w: only the project owner may review proofs", ErrPermissionDenied)
		}
		now := m.now()
		if err := upsertApproval(tx, proof.ID, actorID, input.Status, input.Feedback, now); err != nil {
			return err
		}
		return tx.First(&approval, "proof_id = ?", proof.ID).Error
	})
	if err != nil {
		return nil, err
	}
	return &approval, nil
}

// GetApproval returns the approval record for a proof, if any.
func (m *Manager) GetApproval(ctx context.Context, proofID uuid.UUID) (*models.ProofApproval, error) {
	var approval models.ProofApproval
	if err := m.db.WithContext(ctx).First(&approval, "proof_id = ?", proofID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: approval for proof %s", ErrNotFound, proofID)
		}
		return nil, err
	}
	return &approval, nil
}

// upsertApproval enforces the one-approval-per-proof rule inside the caller's
// transaction. ApprovedAt and RejectedAt never coexist: flipping a decision
// clears the opposite timestamp.
func upsertApproval(tx *gorm.DB, proofID, reviewerID uuid.UUID, status models.ApprovalStatus, feedback string, now time.Time) error {
	var existing models.ProofApproval
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&existing, "proof_id = ?", proofID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		approval := models.ProofApproval{
			ID:         uuid.New(),
			ProofID:    proofID,
			ReviewerID: reviewerID,
			Status:     status,
			Feedback:   feedback,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		stampDecision(&approval, status, now)
		if err := tx.Create(&approval).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				// Lost a race with a concurrent reviewer; fall through to update.
				return updateApproval(tx, proofID, reviewerID, status, feedback, now)
			}
			return err
		}
		return nil
	}
	if err != nil {
		return err
	}
	return updateApproval(tx, proofID, reviewerID, status, feedback, now)
}

func updateApproval(tx *gorm.DB, proofID, reviewerID uuid.UUID, status models.ApprovalStatus, feedback string, now time.Time) error {
	var approval models.ProofApproval
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&approval, "proof_id = ?", proofID).Error; err != nil {
		return err
	}
	approval.ReviewerID = reviewerID
	approval.Status = status
	approval.Feedback = feedback
	approval.UpdatedAt = now
	approval.ApprovedAt = nil
	approval.RejectedAt = nil
	stampDecision(&approval, status, now)
	return tx.Save(&approval).Error
}

func stampDecision(approval *models.ProofApproval, status models.ApprovalStatus, now time.Time) {
	switch status {
	case models.ApprovalApproved:
		at := now
		approval.ApprovedAt = &at
	case models.ApprovalRejected:
		at := now
		approval.RejectedAt = &at
	}
}
