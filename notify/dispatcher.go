package notify

import (
	"time"

	"github.com/google/uuid"
)

// Dispatcher enqueues custody lifecycle events for best-effort delivery.
// Services call it after their transaction commits; nothing here can fail
// the originating operation.
type Dispatcher struct {
	queue *Queue
	nowFn func() time.Time
}

// NewDispatcher constructs a dispatcher over the shared queue.
func NewDispatcher(queue *Queue) *Dispatcher {
	return &Dispatcher{queue: queue, nowFn: time.Now}
}

// EscrowReleased announces a successful release with its share breakdown.
func (d *Dispatcher) EscrowReleased(escrowID uuid.UUID, attrs map[string]string) {
	d.emit(EventEscrowReleased, escrowID.String(), attrs)
}

// EscrowDisputed announces a newly opened dispute.
func (d *Dispatcher) EscrowDisputed(escrowID uuid.UUID, attrs map[string]string) {
	d.emit(EventEscrowDisputed, escrowID.String(), attrs)
}

// EscrowRefunded announces a completed refund.
func (d *Dispatcher) EscrowRefunded(escrowID uuid.UUID, attrs map[string]string) {
	d.emit(EventEscrowRefunded, escrowID.String(), attrs)
}

// PaymentCompleted announces a payment reaching its terminal success state.
func (d *Dispatcher) PaymentCompleted(paymentID uuid.UUID, attrs map[string]string) {
	d.emit(EventPaymentCompleted, paymentID.String(), attrs)
}

// MilestoneReviewed announces an owner decision on a milestone.
func (d *Dispatcher) MilestoneReviewed(milestoneID uuid.UUID, attrs map[string]string) {
	d.emit(EventMilestoneReviewed, milestoneID.String(), attrs)
}

func (d *Dispatcher) emit(eventType, entityID string, attrs map[string]string) {
	if d == nil || d.queue == nil {
		return
	}
	d.queue.Enqueue(Event{
		Type:       eventType,
		EntityID:   entityID,
		Attributes: attrs,
		CreatedAt:  d.nowFn(),
	})
}
