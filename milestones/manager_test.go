package milestones

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"paylock/escrow"
	"paylock/models"
	"paylock/notify"
	"paylock/processor"
)

type stubProcessor struct{}

func (stubProcessor) CreateIntent(ctx context.Context, req processor.CreateIntentRequest) (*processor.Intent, error) {
	return &processor.Intent{Reference: "ext_" + req.Reference, ClientToken: "tok"}, nil
}

func (stubProcessor) ConfirmIntent(ctx context.Context, reference, methodRef string) (processor.IntentStatus, error) {
	return processor.StatusSucceeded, nil
}

func (stubProcessor) RefundIntent(ctx context.Context, req processor.RefundRequest) error {
	return nil
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	return db
}

type fixture struct {
	db      *gorm.DB
	mgr     *Manager
	escrows *escrow.Manager
	project models.Project
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := setupTestDB(t)
	dispatcher := notify.NewDispatcher(notify.NewQueue())
	escrows := escrow.NewManager(db, stubProcessor{}, dispatcher, nil)
	mgr := NewManager(db, escrows, dispatcher, nil)

	project := models.Project{
		ID:           uuid.New(),
		OwnerID:      uuid.New(),
		FreelancerID: uuid.New(),
		Title:        "mobile app",
		Budget:       decimal.RequireFromString("1000.00"),
		Status:       models.ProjectInProgress,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	require.NoError(t, db.Create(&project).Error)
	return &fixture{db: db, mgr: mgr, escrows: escrows, project: project}
}

func (f *fixture) milestone(t *testing.T, number int, pct string) *models.Milestone {
	t.Helper()
	m, err := f.mgr.Create(context.Background(), CreateInput{
		ProjectID:        f.project.ID,
		MilestoneNumber:  number,
		Title:            fmt.Sprintf("phase %d", number),
		BudgetPercentage: decimal.RequireFromString(pct),
	}, f.project.OwnerID)
	require.NoError(t, err)
	return m
}

func (f *fixture) proof(t *testing.T, owner uuid.UUID) *models.ProofOfBuild {
	t.Helper()
	proof := models.ProofOfBuild{
		ID:        uuid.New(),
		OwnerID:   owner,
		ProjectID: f.project.ID,
		Type:      models.ProofTypeCommit,
		Reference: "github.com/acme/app/commit/" + uuid.NewString()[:8],
		Status:    models.ProofVerified,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	require.NoError(t, f.db.Create(&proof).Error)
	return &proof
}

func TestCreateDerivesBudgetAmount(t *testing.T) {
	f := newFixture(t)
	m := f.milestone(t, 1, "33.33")
	require.True(t, m.BudgetAmount.Equal(decimal.RequireFromString("333.30")), "amount %s", m.BudgetAmount)
	require.Equal(t, models.MilestonePending, m.Status)
}

func TestCreateRejectsDuplicateNumber(t *testing.T) {
	f := newFixture(t)
	f.milestone(t, 1, "50")

	_, err := f.mgr.Create(context.Background(), CreateInput{
		ProjectID:        f.project.ID,
		MilestoneNumber:  1,
		Title:            "phase 1 again",
		BudgetPercentage: decimal.RequireFromString("25"),
	}, f.project.OwnerID)
	require.ErrorIs(t, err, ErrValidation)
}

func TestCreateRejectsNonOwner(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.Create(context.Background(), CreateInput{
		ProjectID:        f.project.ID,
		MilestoneNumber:  1,
		BudgetPercentage: decimal.RequireFromString("50"),
	}, f.project.FreelancerID)
	require.ErrorIs(t, err, ErrPermissionDenied)
}

func TestCreateRejectsBadPercentage(t *testing.T) {
	f := newFixture(t)
	for _, pct := range []string{"0", "-1", "100.01"} {
		_, err := f.mgr.Create(context.Background(), CreateInput{
			ProjectID:        f.project.ID,
			MilestoneNumber:  9,
			BudgetPercentage: decimal.RequireFromString(pct),
		}, f.project.OwnerID)
		require.ErrorIs(t, err, ErrValidation, "pct %s", pct)
	}
}

func TestUpdateBudgetPercentageRecomputes(t *testing.T) {
	f := newFixture(t)
	m := f.milestone(t, 1, "50")

	updated, err := f.mgr.UpdateBudgetPercentage(context.Background(), m.ID, decimal.RequireFromString("25"), f.project.OwnerID)
	require.NoError(t, err)
	require.True(t, updated.BudgetAmount.Equal(decimal.RequireFromString("250.00")), "amount %s", updated.BudgetAmount)
}

func TestSubmitForReviewLinksProofs(t *testing.T) {
	f := newFixture(t)
	m := f.milestone(t, 1, "50")
	p1 := f.proof(t, f.project.FreelancerID)
	p2 := f.proof(t, f.project.FreelancerID)

	submitted, err := f.mgr.SubmitForReview(context.Background(), m.ID, []uuid.UUID{p1.ID, p2.ID}, f.project.FreelancerID)
	require.NoError(t, err)
	require.Equal(t, models.MilestoneInReview, submitted.Status)

	var linked int64
	require.NoError(t, f.db.Model(&models.ProofOfBuild{}).Where("milestone_id = ?", m.ID).Count(&linked).Error)
	require.EqualValues(t, 2, linked)
}

func TestSubmitForReviewRejectsForeignProofWithoutPartialMutation(t *testing.T) {
	f := newFixture(t)
	m := f.milestone(t, 1, "50")
	mine := f.proof(t, f.project.FreelancerID)
	theirs := f.proof(t, uuid.New())

	_, err := f.mgr.SubmitForReview(context.Background(), m.ID, []uuid.UUID{mine.ID, theirs.ID}, f.project.FreelancerID)
	require.ErrorIs(t, err, ErrValidation)

	// Nothing was linked and the milestone did not move.
	var linked int64
	require.NoError(t, f.db.Model(&models.ProofOfBuild{}).Where("milestone_id = ?", m.ID).Count(&linked).Error)
	require.Zero(t, linked)
	var current models.Milestone
	require.NoError(t, f.db.First(&current, "id = ?", m.ID).Error)
	require.Equal(t, models.MilestonePending, current.Status)
}

func TestSubmitForReviewRejectsNonFreelancer(t *testing.T) {
	f := newFixture(t)
	m := f.milestone(t, 1, "50")
	p := f.proof(t, f.project.OwnerID)

	_, err := f.mgr.SubmitForReview(context.Background(), m.ID, []uuid.UUID{p.ID}, f.project.OwnerID)
	require.ErrorIs(t, err, ErrPermissionDenied)
}

func TestReviewRequiresInReview(t *testing.T) {
	f := newFixture(t)
	m := f.milestone(t, 1, "50")

	_, err := f.mgr.Review(context.Background(), m.ID, ReviewInput{Approved: true}, f.project.OwnerID)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestReviewApproveUpsertsOneApprovalPerProof(t *testing.T) {
	f := newFixture(t)
	m := f.milestone(t, 1, "50")
	p := f.proof(t, f.project.FreelancerID)
	_, err := f.mgr.SubmitForReview(context.Background(), m.ID, []uuid.UUID{p.ID}, f.project.FreelancerID)
	require.NoError(t, err)

	reviewed, err := f.mgr.Review(context.Background(), m.ID, ReviewInput{Approved: false, Feedback: "needs polish"}, f.project.OwnerID)
	require.NoError(t, err)
	require.Equal(t, models.MilestoneRejected, reviewed.Status)

	// Resubmit and flip the decision; the approval record is updated in place.
	_, err = f.mgr.SubmitForReview(context.Background(), m.ID, []uuid.UUID{p.ID}, f.project.FreelancerID)
	require.NoError(t, err)
	reviewed, err = f.mgr.Review(context.Background(), m.ID, ReviewInput{Approved: true}, f.project.OwnerID)
	require.NoError(t, err)
	require.Equal(t, models.MilestoneApproved, reviewed.Status)
	require.NotNil(t, reviewed.CompletionDate)

	var approvals []models.ProofApproval
	require.NoError(t, f.db.Where("proof_id = ?", p.ID).Find(&approvals).Error)
	require.Len(t, approvals, 1)
	require.Equal(t, models.ApprovalApproved, approvals[0].Status)
	require.NotNil(t, approvals[0].ApprovedAt)
	require.Nil(t, approvals[0].RejectedAt)
}

func TestReviewWithReleaseSettlesLinkedEscrow(t *testing.T) {
	f := newFixture(t)
	m := f.milestone(t, 1, "100")
	p := f.proof(t, f.project.FreelancerID)

	payment := models.Payment{
		ID:                uuid.New(),
		ProjectID:         f.project.ID,
		PayerID:           f.project.OwnerID,
		PayeeID:           f.project.FreelancerID,
		Amount:            decimal.RequireFromString("1000.00"),
		PlatformFee:       decimal.RequireFromString("1.00"),
		ExternalReference: "ext_" + uuid.NewString(),
		Status:            models.PaymentCompleted,
		CreatedAt:         time.Now(),
		UpdatedAt:         time.Now(),
	}
	require.NoError(t, f.db.Create(&payment).Error)
	esc, err := f.escrows.Create(context.Background(), escrow.CreateInput{
		PaymentID: payment.ID,
		ProjectID: f.project.ID,
		Amount:    payment.Amount,
	})
	require.NoError(t, err)

	_, err = f.mgr.LinkEscrow(context.Background(), m.ID, esc.ID, f.project.OwnerID)
	require.NoError(t, err)
	_, err = f.mgr.SubmitForReview(context.Background(), m.ID, []uuid.UUID{p.ID}, f.project.FreelancerID)
	require.NoError(t, err)

	reviewed, err := f.mgr.Review(context.Background(), m.ID, ReviewInput{Approved: true, ReleasePayment: true}, f.project.OwnerID)
	require.NoError(t, err)
	require.Equal(t, models.MilestoneApproved, reviewed.Status)
	require.True(t, reviewed.PaymentReleased)

	released, err := f.escrows.Get(context.Background(), esc.ID)
	require.NoError(t, err)
	require.Equal(t, models.EscrowReleased, released.Status)

	var profile models.Profile
	require.NoError(t, f.db.First(&profile, "user_id = ?", f.project.FreelancerID).Error)
	require.True(t, profile.TotalEarned.Equal(released.FreelancerAmount))
}

func TestReviewRecordsFailedReleaseAudit(t *testing.T) {
	f := newFixture(t)
	m := f.milestone(t, 1, "100")
	p := f.proof(t, f.project.FreelancerID)

	payment := models.Payment{
		ID:                uuid.New(),
		ProjectID:         f.project.ID,
		PayerID:           f.project.OwnerID,
		PayeeID:           f.project.FreelancerID,
		Amount:            decimal.RequireFromString("1000.00"),
		PlatformFee:       decimal.RequireFromString("1.00"),
		ExternalReference: "ext_" + uuid.NewString(),
		Status:            models.PaymentCompleted,
		CreatedAt:         time.Now(),
		UpdatedAt:         time.Now(),
	}
	require.NoError(t, f.db.Create(&payment).Error)
	esc, err := f.escrows.Create(context.Background(), escrow.CreateInput{
		PaymentID: payment.ID,
		ProjectID: f.project.ID,
		Amount:    payment.Amount,
	})
	require.NoError(t, err)

	_, err = f.mgr.LinkEscrow(context.Background(), m.ID, esc.ID, f.project.OwnerID)
	require.NoError(t, err)
	_, err = f.mgr.SubmitForReview(context.Background(), m.ID, []uuid.UUID{p.ID}, f.project.FreelancerID)
	require.NoError(t, err)

	// A dispute lands between submission and review, so the post-approval
	// release must fail while the approval itself stays committed.
	_, err = f.escrows.Dispute(context.Background(), esc.ID, "deliverable contested", escrow.Actor{ID: f.project.FreelancerID})
	require.NoError(t, err)

	reviewed, err := f.mgr.Review(context.Background(), m.ID, ReviewInput{Approved: true, ReleasePayment: true}, f.project.OwnerID)
	require.ErrorIs(t, err, escrow.ErrInvalidTransition)
	require.NotNil(t, reviewed)

	var stored models.Milestone
	require.NoError(t, f.db.First(&stored, "id = ?", m.ID).Error)
	require.Equal(t, models.MilestoneApproved, stored.Status)
	require.False(t, stored.PaymentReleased)

	var audits int64
	require.NoError(t, f.db.Model(&models.AuditEvent{}).
		Where("entity_id = ? AND action = ?", m.ID, "milestone.release_failed").
		Count(&audits).Error)
	require.EqualValues(t, 1, audits)
}

func TestDeleteForbiddenWithApprovedProof(t *testing.T) {
	f := newFixture(t)
	m := f.milestone(t, 1, "50")
	p := f.proof(t, f.project.FreelancerID)
	_, err := f.mgr.SubmitForReview(context.Background(), m.ID, []uuid.UUID{p.ID}, f.project.FreelancerID)
	require.NoError(t, err)
	_, err = f.mgr.Review(context.Background(), m.ID, ReviewInput{Approved: true}, f.project.OwnerID)
	require.NoError(t, err)

	err = f.mgr.Delete(context.Background(), m.ID, f.project.OwnerID)
	require.ErrorIs(t, err, ErrValidation)
}

func TestDeleteDetachesProofs(t *testing.T) {
	f := newFixture(t)
	m := f.milestone(t, 1, "50")
	p := f.proof(t, f.project.FreelancerID)
	_, err := f.mgr.SubmitForReview(context.Background(), m.ID, []uuid.UUID{p.ID}, f.project.FreelancerID)
	require.NoError(t, err)

	require.NoError(t, f.mgr.Delete(context.Background(), m.ID, f.project.OwnerID))

	var proof models.ProofOfBuild
	require.NoError(t, f.db.First(&proof, "id = ?", p.ID).Error)
	require.Nil(t, proof.MilestoneID)
	var count int64
	require.NoError(t, f.db.Model(&models.Milestone{}).Where("id = ?", m.ID).Count(&count).Error)
	require.Zero(t, count)
}

func TestRecordApprovalRejectsNonOwner(t *testing.T) {
	f := newFixture(t)
	p := f.proof(t, f.project.FreelancerID)

	_, err := f.mgr.RecordApproval(context.Background(), ApprovalInput{
		ProofID: p.ID,
		Status:  models.ApprovalApproved,
	}, f.project.FreelancerID)
	require.ErrorIs(t, err, ErrPermissionDenied)
}

func TestValidateTransitionTable(t *testing.T) {
	require.NoError(t, ValidateTransition(models.MilestonePending, models.MilestoneInReview))
	require.NoError(t, ValidateTransition(models.MilestoneRejected, models.MilestoneInReview))
	require.NoError(t, ValidateTransition(models.MilestoneApproved, models.MilestoneCompleted))
	require.ErrorIs(t, ValidateTransition(models.MilestonePending, models.MilestoneApproved), ErrInvalidTransition)
	require.ErrorIs(t, ValidateTransition(models.MilestoneApproved, models.MilestoneInReview), ErrInvalidTransition)
}
