package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"paylock/distribution"
	"paylock/escrow"
	"paylock/models"
	"paylock/notify"
	"paylock/observability"
	"paylock/processor"
)

var (
	// ErrPaymentNotFound indicates the referenced payment or project is unknown.
	ErrPaymentNotFound = errors.New("payments: not found")
	// ErrInvalidTransition is returned when the payment cannot move to the
	// requested state from its current one.
	ErrInvalidTransition = errors.New("payments: invalid state transition")
	// ErrValidation marks malformed or out-of-policy input.
	ErrValidation = errors.New("payments: validation failed")
	// ErrPermissionDenied is returned when the actor is not the payment's
	// designated payer.
	ErrPermissionDenied = errors.New("payments: permission denied")
)

// allowedTransitions enumerates the legal payment state machine. COMPLETED
// and FAILED are terminal.
var allowedTransitions = map[models.PaymentStatus][]models.PaymentStatus{
	models.PaymentPending:    {models.PaymentProcessing, models.PaymentCompleted, models.PaymentFailed},
	models.PaymentProcessing: {models.PaymentCompleted, models.PaymentFailed},
}

// ValidateTransition ensures the transition follows the defined state machine.
func ValidateTransition(current, next models.PaymentStatus) error {
	if current == next {
		return nil
	}
	for _, state := range allowedTransitions[current] {
		if state == next {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
}

// EscrowCreator is the slice of the escrow manager the reconciler needs.
type EscrowCreator interface {
	Create(ctx context.Context, input escrow.CreateInput) (*models.Escrow, error)
}

// Manager owns the payment lifecycle: intent registration, confirmation and
// webhook reconciliation. Processor calls always happen outside open
// database transactions.
type Manager struct {
	db         *gorm.DB
	processor  processor.Client
	escrows    EscrowCreator
	dispatcher *notify.Dispatcher
	now        func() time.Time
}

// NewManager constructs a payment manager.
func NewManager(db *gorm.DB, client processor.Client, escrows EscrowCreator, dispatcher *notify.Dispatcher, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{db: db, processor: client, escrows: escrows, dispatcher: dispatcher, now: now}
}

// CreateIntentInput carries the parameters for intent registration.
type CreateIntentInput struct {
	ProjectID uuid.UUID
	PayerID   uuid.UUID
	Amount    decimal.Decimal
	Metadata  string
}

// CreateIntent validates the request, registers an intent with the external
// processor and persists the pending payment. A processor failure leaves no
// local state behind.
func (m *Manager) CreateIntent(ctx context.Context, input CreateIntentInput) (*models.Payment, string, error) {
	if input.Amount.Sign() <= 0 {
		return nil, "", fmt.Errorf("%w: amount must be positive", ErrValidation)
	}

	var project models.Project
	if err := m.db.WithContext(ctx).First(&project, "id = ?", input.ProjectID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, "", fmt.Errorf("%w: project %s", ErrPaymentNotFound, input.ProjectID)
		}
		return nil, "", err
	}
	if project.OwnerID != input.PayerID {
		return nil, "", fmt.Errorf("%w: payer is not the project owner", ErrPermissionDenied)
	}
	if project.FreelancerID == uuid.Nil {
		return nil, "", fmt.Errorf("%w: project has no accepted freelancer", ErrValidation)
	}

	breakdown, err := distribution.Compute(input.Amount, project.AgentID != nil)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrValidation, err)
	}

	paymentID := uuid.New()
	intent, err := m.processor.CreateIntent(ctx, processor.CreateIntentRequest{
		Reference: paymentID.String(),
		Amount:    input.Amount,
		Currency:  "USD",
		Metadata:  input.Metadata,
	})
	if err != nil {
		return nil, "", err
	}

	now := m.now()
	payment := models.Payment{
		ID:                paymentID,
		ProjectID:         project.ID,
		PayerID:           input.PayerID,
		PayeeID:           project.FreelancerID,
		Amount:            input.Amount,
		PlatformFee:       breakdown.PlatformFee,
		ExternalReference: intent.Reference,
		Status:            models.PaymentPending,
		Metadata:          input.Metadata,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&payment).Error; err != nil {
			return err
		}
		return appendAudit(tx, payment.ID, input.PayerID, "payment.intent_created",
			fmt.Sprintf("amount=%s fee=%s ref=%s", payment.Amount, payment.PlatformFee, payment.ExternalReference), now)
	}); err != nil {
		return nil, "", err
	}
	return &payment, intent.ClientToken, nil
}

// Confirm attempts to capture a pending payment through the processor and
// applies the reported outcome. Only the payer may confirm.
func (m *Manager) Confirm(ctx context.Context, paymentID uuid.UUID, methodRef string, actorID uuid.UUID) (*models.Payment, error) {
	var payment models.Payment
	if err := m.db.WithContext(ctx).First(&payment, "id = ?", paymentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: payment %s", ErrPaymentNotFound, paymentID)
		}
		return nil, err
	}
	if payment.PayerID != actorID {
		return nil, fmt.Errorf("%w: only the payer may confirm", ErrPermissionDenied)
	}
	if payment.Status != models.PaymentPending {
		return nil, fmt.Errorf("%w: confirm requires PENDING, payment is %s", ErrInvalidTransition, payment.Status)
	}

	status, err := m.processor.ConfirmIntent(ctx, payment.ExternalReference, methodRef)
	if err != nil {
		return nil, err
	}
	next := mapProcessorStatus(status)

	updated, transitioned, err := m.applyStatus(ctx, payment.ExternalReference, next, actorID)
	if err != nil {
		return nil, err
	}
	if transitioned && updated.Status == models.PaymentCompleted {
		m.dispatcher.PaymentCompleted(updated.ID, map[string]string{
			"projectId": updated.ProjectID.String(),
			"amount":    updated.Amount.String(),
		})
	}
	return updated, nil
}

// Event is a processor webhook notification. EventID is the processor's
// delivery identifier and is the idempotency anchor.
type Event struct {
	EventID           string
	EventType         string
	ExternalReference string
	ReportedStatus    string
}

// ReconcileFromEvent applies a processor-reported status change. It is
// idempotent under at-least-once delivery: replays of an already-journaled
// event return without side effects, and a status the payment already holds
// is a no-op.
func (m *Manager) ReconcileFromEvent(ctx context.Context, evt Event) error {
	if strings.TrimSpace(evt.EventID) == "" {
		return fmt.Errorf("%w: event id is required", ErrValidation)
	}
	reported := processor.IntentStatus(strings.ToLower(strings.TrimSpace(evt.ReportedStatus)))
	switch reported {
	case processor.StatusSucceeded, processor.StatusProcessing, processor.StatusFailed:
	default:
		return fmt.Errorf("%w: unknown processor status %q", ErrValidation, evt.ReportedStatus)
	}

	journal := models.ProcessorEvent{
		ID:                uuid.New(),
		EventID:           evt.EventID,
		ExternalReference: evt.ExternalReference,
		EventType:         evt.EventType,
		ReportedStatus:    string(reported),
		ReceivedAt:        m.now(),
	}
	next := mapProcessorStatus(reported)

	// The journal row and the transition commit together. A delivery that
	// fails mid-way leaves no journal entry, so the processor's retry of the
	// same event id can still apply.
	var updated *models.Payment
	var transitioned, replay bool
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&journal).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				replay = true
				return nil
			}
			return err
		}
		var err error
		updated, transitioned, err = m.applyStatusTx(tx, evt.ExternalReference, next, uuid.Nil)
		return err
	})
	if err != nil {
		return err
	}
	if replay || !transitioned {
		return nil
	}
	observability.Custody().RecordPayment(strings.ToLower(string(next)))
	if updated.Status == models.PaymentCompleted {
		if m.escrows != nil {
			_, err := m.escrows.Create(ctx, escrow.CreateInput{
				PaymentID:        updated.ID,
				ProjectID:        updated.ProjectID,
				Amount:           updated.Amount,
				ReleaseCondition: "milestone approval",
			})
			if err != nil && !errors.Is(err, escrow.ErrEscrowExists) {
				return err
			}
		}
		m.dispatcher.PaymentCompleted(updated.ID, map[string]string{
			"projectId": updated.ProjectID.String(),
			"amount":    updated.Amount.String(),
		})
	}
	return nil
}

// applyStatus transitions the payment under a row lock, re-validating the
// current state so concurrent confirmations and webhook replays cannot
// double-apply. Returns whether a transition actually happened.
func (m *Manager) applyStatus(ctx context.Context, externalRef string, next models.PaymentStatus, actorID uuid.UUID) (*models.Payment, bool, error) {
	var payment *models.Payment
	var transitioned bool
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		payment, transitioned, err = m.applyStatusTx(tx, externalRef, next, actorID)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	if transitioned {
		observability.Custody().RecordPayment(strings.ToLower(string(next)))
	}
	return payment, transitioned, nil
}

func (m *Manager) applyStatusTx(tx *gorm.DB, externalRef string, next models.PaymentStatus, actorID uuid.UUID) (*models.Payment, bool, error) {
	var payment models.Payment
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&payment, "external_reference = ?", externalRef).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, fmt.Errorf("%w: payment with reference %s", ErrPaymentNotFound, externalRef)
		}
		return nil, false, err
	}
	if payment.Status == next {
		return &payment, false, nil
	}
	if err := ValidateTransition(payment.Status, next); err != nil {
		return nil, false, err
	}
	now := m.now()
	payment.Status = next
	payment.UpdatedAt = now
	if next == models.PaymentCompleted {
		payment.ProcessedAt = &now
	}
	if err := tx.Save(&payment).Error; err != nil {
		return nil, false, err
	}
	if err := appendAudit(tx, payment.ID, actorID, fmt.Sprintf("payment.%s", strings.ToLower(string(next))), "", now); err != nil {
		return nil, false, err
	}
	return &payment, true, nil
}

func mapProcessorStatus(status processor.IntentStatus) models.PaymentStatus {
	switch status {
	case processor.StatusSucceeded:
		return models.PaymentCompleted
	case processor.StatusProcessing:
		return models.PaymentProcessing
	default:
		return models.PaymentFailed
	}
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
