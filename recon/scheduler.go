package recon

import (
	"context"
	"log/slog"
	"time"
)

// Scheduler runs the reconciler once at startup and then on a fixed
// interval until the context is cancelled.
type Scheduler struct {
	reconciler *Reconciler
	interval   time.Duration
}

// NewScheduler constructs a scheduler around the reconciler.
func NewScheduler(reconciler *Reconciler, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Scheduler{reconciler: reconciler, interval: interval}
}

// Run blocks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	if err := s.reconciler.Run(ctx); err != nil {
		slog.Error("refund reconciliation pass failed", "error", err)
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.reconciler.Run(ctx); err != nil {
				slog.Error("refund reconciliation pass failed", "error", err)
			}
		}
	}
}
