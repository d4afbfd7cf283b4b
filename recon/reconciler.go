package recon

import (
	"context"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"paylock/escrow"
	"paylock/models"
)

// Reconciler repairs refund intents stranded by a crash between the
// processor call and the local state update. It re-drives anything still
// PENDING or PROCESSOR_CONFIRMED after a grace period; the intent-scoped
// idempotency key makes repeated processor calls safe.
type Reconciler struct {
	db      *gorm.DB
	escrows *escrow.Manager
	grace   time.Duration
	now     func() time.Time
}

// NewReconciler constructs a reconciler. grace is how long an intent may sit
// unfinished before it is considered stranded.
func NewReconciler(db *gorm.DB, escrows *escrow.Manager, grace time.Duration, now func() time.Time) *Reconciler {
	if grace <= 0 {
		grace = time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &Reconciler{db: db, escrows: escrows, grace: grace, now: now}
}

// Run processes every stranded intent once. Individual failures are logged
// and skipped so one stuck refund cannot starve the rest.
func (r *Reconciler) Run(ctx context.Context) error {
	cutoff := r.now().Add(-r.grace)
	var intents []models.RefundIntent
	err := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?",
			[]models.RefundIntentStatus{models.RefundIntentPending, models.RefundIntentProcessorConfirmed}, cutoff).
		Order("created_at asc").
		Find(&intents).Error
	if err != nil {
		return err
	}
	for i := range intents {
		intent := intents[i]
		if err := r.escrows.ProcessRefundIntent(ctx, &intent); err != nil {
			slog.Warn("refund intent reconciliation failed",
				"intent", intent.ID, "escrow", intent.EscrowID, "error", err)
			continue
		}
		slog.Info("refund intent reconciled", "intent", intent.ID, "status", intent.Status)
	}
	return nil
}
