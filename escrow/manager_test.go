package escrow

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

	"paylock/models"
	"paylock/notify"
	"paylock/processor"
)

type fakeProcessor struct {
	refundErr   error
	refundKeys  []string
	refundCalls int
}

func (f *fakeProcessor) CreateIntent(ctx context.Context, req processor.CreateIntentRequest) (*processor.Intent, error) {
	return &processor.Intent{Reference: "ext_" + req.Reference, ClientToken: "tok"}, nil
}

func (f *fakeProcessor) ConfirmIntent(ctx context.Context, reference, methodRef string) (processor.IntentStatus, error) {
	return processor.StatusSucceeded, nil
}

func (f *fakeProcessor) RefundIntent(ctx context.Context, req processor.RefundRequest) error {
	f.refundCalls++
	f.refundKeys = append(f.refundKeys, req.IdempotencyKey)
	return f.refundErr
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
	queue   *notify.Queue
	proc    *fakeProcessor
	project models.Project
	payment models.Payment
}

func newFixture(t *testing.T, withAgent bool) *fixture {
	t.Helper()
	db := setupTestDB(t)
	proc := &fakeProcessor{}
	queue := notify.NewQueue()
	mgr := NewManager(db, proc, notify.NewDispatcher(queue), nil)

	project := models.Project{
		ID:           uuid.New(),
		OwnerID:      uuid.New(),
		FreelancerID: uuid.New(),
		Title:        "storefront",
		Budget:       decimal.RequireFromString("1000.00"),
		Status:       models.ProjectInProgress,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	if withAgent {
		agent := uuid.New()
		project.AgentID = &agent
	}
	require.NoError(t, db.Create(&project).Error)

	payment := models.Payment{
		ID:                uuid.New(),
		ProjectID:         project.ID,
		PayerID:           project.OwnerID,
		PayeeID:           project.FreelancerID,
		Amount:            decimal.RequireFromString("1000.00"),
		PlatformFee:       decimal.RequireFromString("1.00"),
		ExternalReference: "ext_" + uuid.NewString(),
		Status:            models.PaymentCompleted,
		CreatedAt:         time.Now(),
		UpdatedAt:         time.Now(),
	}
	require.NoError(t, db.Create(&payment).Error)

	return &fixture{db: db, mgr: mgr, queue: queue, proc: proc, project: project, payment: payment}
}

func (f *fixture) hold(t *testing.T) *models.Escrow {
	t.Helper()
	esc, err := f.mgr.Create(context.Background(), CreateInput{
		PaymentID:        f.payment.ID,
		ProjectID:        f.project.ID,
		Amount:           f.payment.Amount,
		ReleaseCondition: "milestone approval",
	})
	require.NoError(t, err)
	return esc
}

func TestCreateFixesDistributionWithAgent(t *testing.T) {
	f := newFixture(t, true)
	esc := f.hold(t)

	require.Equal(t, models.EscrowHeld, esc.Status)
	require.True(t, esc.PlatformFee.Equal(decimal.RequireFromString("1.00")))
	require.True(t, esc.AgentAmount.Equal(decimal.RequireFromString("749.25")), "agent %s", esc.AgentAmount)
	require.True(t, esc.FreelancerAmount.Equal(decimal.RequireFromString("249.75")), "freelancer %s", esc.FreelancerAmount)
	sum := esc.FreelancerAmount.Add(esc.AgentAmount).Add(esc.PlatformFee)
	require.True(t, sum.Equal(esc.Amount), "shares %s do not conserve %s", sum, esc.Amount)
}

func TestCreateRejectsSecondEscrowForPayment(t *testing.T) {
	f := newFixture(t, false)
	f.hold(t)

	_, err := f.mgr.Create(context.Background(), CreateInput{
		PaymentID: f.payment.ID,
		ProjectID: f.project.ID,
		Amount:    f.payment.Amount,
	})
	require.ErrorIs(t, err, ErrEscrowExists)

	var count int64
	require.NoError(t, f.db.Model(&models.Escrow{}).Where("payment_id = ?", f.payment.ID).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestCreateRequiresCompletedPayment(t *testing.T) {
	f := newFixture(t, false)
	require.NoError(t, f.db.Model(&models.Payment{}).
		Where("id = ?", f.payment.ID).
		Update("status", models.PaymentPending).Error)

	_, err := f.mgr.Create(context.Background(), CreateInput{
		PaymentID: f.payment.ID,
		ProjectID: f.project.ID,
		Amount:    f.payment.Amount,
	})
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestReleaseSettlesEverythingAtomically(t *testing.T) {
	f := newFixture(t, true)
	esc := f.hold(t)

	released, err := f.mgr.Release(context.Background(), esc.ID, nil, Actor{ID: f.project.OwnerID})
	require.NoError(t, err)
	require.Equal(t, models.EscrowReleased, released.Status)
	require.NotNil(t, released.ReleasedAt)

	var payment models.Payment
	require.NoError(t, f.db.First(&payment, "id = ?", f.payment.ID).Error)
	require.NotNil(t, payment.ProcessedAt)

	var project models.Project
	require.NoError(t, f.db.First(&project, "id = ?", f.project.ID).Error)
	require.Equal(t, models.ProjectCompleted, project.Status)

	var freelancer models.Profile
	require.NoError(t, f.db.First(&freelancer, "user_id = ?", f.project.FreelancerID).Error)
	require.True(t, freelancer.TotalEarned.Equal(released.FreelancerAmount))
	require.Equal(t, 1, freelancer.CompletedProjects)

	var agent models.Profile
	require.NoError(t, f.db.First(&agent, "user_id = ?", *f.project.AgentID).Error)
	require.True(t, agent.TotalEarned.Equal(released.AgentAmount))
	require.Equal(t, 0, agent.CompletedProjects)

	var entries []models.Transaction
	require.NoError(t, f.db.Where("escrow_id = ?", esc.ID).Find(&entries).Error)
	total := decimal.Zero
	for _, entry := range entries {
		if entry.Type != models.TransactionEscrowHold {
			total = total.Add(entry.Amount)
		}
	}
	require.True(t, total.Equal(esc.Amount), "ledger rows sum to %s, escrow holds %s", total, esc.Amount)
}

func TestReleaseRejectsNonOwner(t *testing.T) {
	f := newFixture(t, false)
	esc := f.hold(t)

	_, err := f.mgr.Release(context.Background(), esc.ID, nil, Actor{ID: f.project.FreelancerID})
	require.ErrorIs(t, err, ErrPermissionDenied)
}

func TestReleaseTwiceFails(t *testing.T) {
	f := newFixture(t, false)
	esc := f.hold(t)

	_, err := f.mgr.Release(context.Background(), esc.ID, nil, Actor{ID: f.project.OwnerID})
	require.NoError(t, err)
	_, err = f.mgr.Release(context.Background(), esc.ID, nil, Actor{ID: f.project.OwnerID})
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestDisputeBlocksRelease(t *testing.T) {
	f := newFixture(t, false)
	esc := f.hold(t)

	dispute, err := f.mgr.Dispute(context.Background(), esc.ID, "deliverable missing", Actor{ID: f.project.FreelancerID})
	require.NoError(t, err)
	require.Equal(t, models.DisputeOpen, dispute.Status)

	_, err = f.mgr.Release(context.Background(), esc.ID, nil, Actor{ID: f.project.OwnerID})
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestDisputeRequiresParticipant(t *testing.T) {
	f := newFixture(t, false)
	esc := f.hold(t)

	_, err := f.mgr.Dispute(context.Background(), esc.ID, "nope", Actor{ID: uuid.New()})
	require.ErrorIs(t, err, ErrPermissionDenied)
}

func TestRefundSagaCompletes(t *testing.T) {
	f := newFixture(t, false)
	esc := f.hold(t)

	refunded, err := f.mgr.Refund(context.Background(), esc.ID, "client cancelled", Actor{ID: f.project.OwnerID})
	require.NoError(t, err)
	require.Equal(t, models.EscrowRefunded, refunded.Status)
	require.Equal(t, 1, f.proc.refundCalls)

	var intent models.RefundIntent
	require.NoError(t, f.db.First(&intent, "escrow_id = ?", esc.ID).Error)
	require.Equal(t, models.RefundIntentCompleted, intent.Status)
	require.Equal(t, intent.ID.String(), f.proc.refundKeys[0])
	require.NotNil(t, intent.ResolvedAt)
}

func TestRefundForbiddenAfterRelease(t *testing.T) {
	f := newFixture(t, false)
	esc := f.hold(t)

	_, err := f.mgr.Release(context.Background(), esc.ID, nil, Actor{ID: f.project.OwnerID})
	require.NoError(t, err)

	_, err = f.mgr.Refund(context.Background(), esc.ID, "too late", Actor{ID: f.project.OwnerID})
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRefundTransientFailureLeavesIntentPending(t *testing.T) {
	f := newFixture(t, false)
	esc := f.hold(t)
	f.proc.refundErr = processor.ErrUnavailable

	_, err := f.mgr.Refund(context.Background(), esc.ID, "flaky processor", Actor{ID: f.project.OwnerID})
	require.ErrorIs(t, err, processor.ErrUnavailable)

	var intent models.RefundIntent
	require.NoError(t, f.db.First(&intent, "escrow_id = ?", esc.ID).Error)
	require.Equal(t, models.RefundIntentPending, intent.Status)
	require.Equal(t, 1, intent.Attempts)

	// The escrow still holds the funds.
	current, err := f.mgr.Get(context.Background(), esc.ID)
	require.NoError(t, err)
	require.Equal(t, models.EscrowHeld, current.Status)

	// A retry reuses the same intent and idempotency key.
	f.proc.refundErr = nil
	refunded, err := f.mgr.Refund(context.Background(), esc.ID, "flaky processor", Actor{ID: f.project.OwnerID})
	require.NoError(t, err)
	require.Equal(t, models.EscrowRefunded, refunded.Status)
	require.Equal(t, []string{intent.ID.String(), intent.ID.String()}, f.proc.refundKeys)
}

func TestRefundRejectionMarksIntentFailed(t *testing.T) {
	f := newFixture(t, false)
	esc := f.hold(t)
	f.proc.refundErr = processor.ErrRejected

	_, err := f.mgr.Refund(context.Background(), esc.ID, "bad request", Actor{ID: f.project.OwnerID})
	require.ErrorIs(t, err, processor.ErrRejected)

	var intent models.RefundIntent
	require.NoError(t, f.db.First(&intent, "escrow_id = ?", esc.ID).Error)
	require.Equal(t, models.RefundIntentFailed, intent.Status)
}

func TestReleaseBlockedWhileRefundInFlight(t *testing.T) {
	f := newFixture(t, false)
	esc := f.hold(t)
	f.proc.refundErr = processor.ErrUnavailable

	_, err := f.mgr.Refund(context.Background(), esc.ID, "client cancelled", Actor{ID: f.project.OwnerID})
	require.ErrorIs(t, err, processor.ErrUnavailable)

	// The pending intent still claims the funds, so release is off the table
	// until the refund resolves.
	_, err = f.mgr.Release(context.Background(), esc.ID, nil, Actor{ID: f.project.OwnerID})
	require.ErrorIs(t, err, ErrInvalidTransition)

	current, err := f.mgr.Get(context.Background(), esc.ID)
	require.NoError(t, err)
	require.Equal(t, models.EscrowHeld, current.Status)
}

func TestRedriveAbandonsIntentWhenEscrowReleased(t *testing.T) {
	f := newFixture(t, false)
	esc := f.hold(t)
	f.proc.refundErr = processor.ErrUnavailable

	_, err := f.mgr.Refund(context.Background(), esc.ID, "client cancelled", Actor{ID: f.project.OwnerID})
	require.ErrorIs(t, err, processor.ErrUnavailable)
	require.Equal(t, 1, f.proc.refundCalls)

	// Simulate an escrow that left custody while the intent sat pending, as
	// pre-guard data could. The redrive must not touch the processor.
	require.NoError(t, f.db.Model(&models.Escrow{}).Where("id = ?", esc.ID).
		Update("status", models.EscrowReleased).Error)

	var intent models.RefundIntent
	require.NoError(t, f.db.First(&intent, "escrow_id = ?", esc.ID).Error)
	f.proc.refundErr = nil
	err = f.mgr.ProcessRefundIntent(context.Background(), &intent)
	require.ErrorIs(t, err, ErrInvalidTransition)
	require.Equal(t, 1, f.proc.refundCalls)

	require.NoError(t, f.db.First(&intent, "id = ?", intent.ID).Error)
	require.Equal(t, models.RefundIntentFailed, intent.Status)
	require.NotNil(t, intent.ResolvedAt)
	require.Contains(t, intent.LastError, "refund abandoned")
}

func TestCreateRejectsMismatchedAmount(t *testing.T) {
	f := newFixture(t, false)

	_, err := f.mgr.Create(context.Background(), CreateInput{
		PaymentID: f.payment.ID,
		ProjectID: f.project.ID,
		Amount:    decimal.RequireFromString("1500.00"),
	})
	require.ErrorIs(t, err, ErrValidation)

	var count int64
	require.NoError(t, f.db.Model(&models.Escrow{}).Count(&count).Error)
	require.EqualValues(t, 0, count)
}

func TestResolveDisputeForceRefunds(t *testing.T) {
	f := newFixture(t, false)
	esc := f.hold(t)

	_, err := f.mgr.Dispute(context.Background(), esc.ID, "scope disagreement", Actor{ID: f.project.FreelancerID})
	require.NoError(t, err)

	// Non-admins cannot resolve.
	_, err = f.mgr.ResolveDispute(context.Background(), esc.ID, "refund the client", Actor{ID: f.project.OwnerID})
	require.ErrorIs(t, err, ErrPermissionDenied)

	resolved, err := f.mgr.ResolveDispute(context.Background(), esc.ID, "refund the client", Actor{ID: uuid.New(), Admin: true})
	require.NoError(t, err)
	require.Equal(t, models.EscrowRefunded, resolved.Status)

	var dispute models.Dispute
	require.NoError(t, f.db.First(&dispute, "escrow_id = ?", esc.ID).Error)
	require.Equal(t, models.DisputeResolvedRefund, dispute.Status)
	require.NotNil(t, dispute.ResolvedAt)
}

func TestValidateTransitionTable(t *testing.T) {
	require.NoError(t, ValidateTransition(models.EscrowHeld, models.EscrowReleased))
	require.NoError(t, ValidateTransition(models.EscrowHeld, models.EscrowDisputed))
	require.NoError(t, ValidateTransition(models.EscrowDisputed, models.EscrowRefunded))
	require.ErrorIs(t, ValidateTransition(models.EscrowReleased, models.EscrowRefunded), ErrInvalidTransition)
	require.ErrorIs(t, ValidateTransition(models.EscrowRefunded, models.EscrowHeld), ErrInvalidTransition)
	require.ErrorIs(t, ValidateTransition(models.EscrowDisputed, models.EscrowReleased), ErrInvalidTransition)
}
