package proofs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"paylock/models"
)

var (
	// ErrNotFound indicates the referenced proof or project is unknown.
	ErrNotFound = errors.New("proofs: not found")
	// ErrValidation marks malformed or out-of-policy input.
	ErrValidation = errors.New("proofs: validation failed")
	// ErrPermissionDenied is returned when the actor does not own the proof.
	ErrPermissionDenied = errors.New("proofs: permission denied")
	// ErrInvalidTransition is returned when a proof cannot move to the
	// requested verification state.
	ErrInvalidTransition = errors.New("proofs: invalid state transition")
)

// Service manages proof-of-build records and their verification lifecycle.
type Service struct {
	db     *gorm.DB
	signer *Signer
	ttl    time.Duration
	now    func() time.Time
}

// NewService constructs a proof service. ttl bounds how long an unverified
// proof stays eligible for verification; zero disables expiry.
func NewService(db *gorm.DB, signer *Signer, ttl time.Duration, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{db: db, signer: signer, ttl: ttl, now: now}
}

// CreateInput carries the parameters for proof registration.
type CreateInput struct {
	ProjectID uuid.UUID
	Type      models.ProofType
	Reference string
}

// Create registers a signed proof record for the caller. The record starts
// PENDING; verification is a separate step.
func (s *Service) Create(ctx context.Context, input CreateInput, actorID uuid.UUID) (*models.ProofOfBuild, error) {
	switch input.Type {
	case models.ProofTypeCommit, models.ProofTypePullRequest, models.ProofTypeRepository,
		models.ProofTypeFile, models.ProofTypeScreenshot, models.ProofTypeModel:
	default:
		return nil, fmt.Errorf("%w: unsupported proof type %q", ErrValidation, input.Type)
	}
	if strings.TrimSpace(input.Reference) == "" {
		return nil, fmt.Errorf("%w: reference is required", ErrValidation)
	}
	var project models.Project
	if err := s.db.WithContext(ctx).First(&project, "id = ?", input.ProjectID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: project %s", ErrNotFound, input.ProjectID)
		}
		return nil, err
	}
	now := s.now()
	proof := models.ProofOfBuild{
		ID:        uuid.New(),
		OwnerID:   actorID,
		ProjectID: project.ID,
		Type:      input.Type,
		Reference: input.Reference,
		Status:    models.ProofPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.signer.SignProof(&proof); err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Create(&proof).Error; err != nil {
		return nil, err
	}
	return &proof, nil
}

// Get loads a proof record.
func (s *Service) Get(ctx context.Context, proofID uuid.UUID) (*models.ProofOfBuild, error) {
	var proof models.ProofOfBuild
	if err := s.db.WithContext(ctx).First(&proof, "id = ?", proofID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: proof %s", ErrNotFound, proofID)
		}
		return nil, err
	}
	return &proof, nil
}

// ListByOwner returns all proofs registered by a user for a project.
func (s *Service) ListByOwner(ctx context.Context, projectID, ownerID uuid.UUID) ([]models.ProofOfBuild, error) {
	var proofs []models.ProofOfBuild
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND owner_id = ?", projectID, ownerID).
		Order("created_at asc").
		Find(&proofs).Error
	return proofs, err
}

// RecordVerification settles a pending proof. The signature check runs first;
// a tampered record fails regardless of the reported outcome. Pending proofs
// older than the configured ttl expire instead of verifying.
func (s *Service) RecordVerification(ctx context.Context, proofID uuid.UUID, ok bool) (*models.ProofOfBuild, error) {
	var proof models.ProofOfBuild
	var sigErr error
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&proof, "id = ?", proofID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: proof %s", ErrNotFound, proofID)
			}
			return err
		}
		if proof.Status != models.ProofPending {
			return fmt.Errorf("%w: proof is %s", ErrInvalidTransition, proof.Status)
		}
		now := s.now()
		if s.ttl > 0 && now.Sub(proof.CreatedAt) > s.ttl {
			proof.Status = models.ProofExpired
			proof.UpdatedAt = now
			return tx.Save(&proof).Error
		}
		// A signature mismatch must still commit the FAILED status, so the
		// error is carried out of the callback instead of aborting it.
		if sigErr = s.signer.VerifyProof(&proof); sigErr != nil {
			proof.Status = models.ProofFailed
			proof.UpdatedAt = now
			return tx.Save(&proof).Error
		}
		if ok {
			proof.Status = models.ProofVerified
			proof.VerifiedAt = &now
		} else {
			proof.Status = models.ProofFailed
		}
		proof.UpdatedAt = now
		return tx.Save(&proof).Error
	})
	if err != nil {
		return nil, err
	}
	if sigErr != nil {
		return nil, sigErr
	}
	return &proof, nil
}

// IssueCertificate signs a completion certificate over the project's verified
// proofs owned by the caller.
func (s *Service) IssueCertificate(ctx context.Context, projectID, ownerID uuid.UUID) (Certificate, error) {
	var proofs []models.ProofOfBuild
	if err := s.db.WithContext(ctx).
		Where("project_id = ? AND owner_id = ? AND status = ?", projectID, ownerID, models.ProofVerified).
		Find(&proofs).Error; err != nil {
		return Certificate{}, err
	}
	if len(proofs) == 0 {
		return Certificate{}, fmt.Errorf("%w: no verified proofs for project", ErrValidation)
	}
	ids := make([]uuid.UUID, len(proofs))
	for i, proof := range proofs {
		ids[i] = proof.ID
	}
	return s.signer.SignCertificate(projectID, ids, s.now())
}
