package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"gorm.io/gorm"

	"paylock/models"
)

// Notification event types emitted by the custody core.
const (
	EventEscrowReleased    = "escrow.released"
	EventEscrowDisputed    = "escrow.disputed"
	EventEscrowRefunded    = "escrow.refunded"
	EventPaymentCompleted  = "payment.completed"
	EventMilestoneReviewed = "milestone.reviewed"
)

// Subscription mirrors the persisted webhook endpoint configuration.
type Subscription struct {
	ID        int64
	EventType string
	URL       string
	Secret    string
	RateLimit int
	Active    bool
}

const maxDeliveryAttempts = 5

// Worker delivers queued events to subscribed endpoints. Delivery is
// best-effort: failures back off and retry up to the attempt budget, then
// the event is dropped.
type Worker struct {
	db     *gorm.DB
	queue  *Queue
	client *http.Client
	nowFn  func() time.Time

	rateMu sync.Mutex
	rate   map[int64]rateWindow
}

type rateWindow struct {
	windowStart time.Time
	count       int
}

// NewWorker constructs a delivery worker reading subscriptions from the store.
func NewWorker(db *gorm.DB, queue *Queue) *Worker {
	return &Worker{
		db:     db,
		queue:  queue,
		client: &http.Client{Timeout: 10 * time.Second},
		nowFn:  time.Now,
		rate:   make(map[int64]rateWindow),
	}
}

// Run processes tasks until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		task, ok := w.queue.Dequeue(ctx)
		if !ok {
			return
		}
		if task.Subscription == nil {
			w.expandTask(ctx, task)
			continue
		}
		w.handleDelivery(ctx, task)
	}
}

func (w *Worker) expandTask(ctx context.Context, task Task) {
	var rows []models.WebhookSubscription
	if err := w.db.WithContext(ctx).Where("event_type = ? AND active = ?", task.Event.Type, true).Find(&rows).Error; err != nil {
		return
	}
	for _, row := range rows {
		sub := Subscription{
			ID:        row.ID,
			EventType: row.EventType,
			URL:       row.URL,
			Secret:    row.Secret,
			RateLimit: row.RateLimit,
			Active:    row.Active,
		}
		w.queue.enqueueTask(Task{Event: task.Event, Subscription: &sub})
	}
}

func (w *Worker) handleDelivery(ctx context.Context, task Task) {
	sub := task.Subscription
	if sub == nil || !sub.Active {
		return
	}
	now := w.nowFn()
	if !w.allow(sub.ID, sub.RateLimit, now) {
		task.NotBefore = w.rateReset(sub.ID)
		w.queue.enqueueTask(task)
		return
	}
	body := map[string]interface{}{
		"type":       task.Event.Type,
		"entityId":   task.Event.EntityID,
		"attributes": task.Event.Attributes,
		"timestamp":  task.Event.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	payload, err := json.Marshal(body)
	if err != nil {
		metrics().recordDelivery("error")
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		metrics().recordDelivery("error")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Paylock-Signature", SignPayload(sub.Secret, payload))

	resp, err := w.client.Do(req)
	if err != nil {
		w.retryLater(task)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		w.retryLater(task)
		return
	}
	metrics().recordDelivery("success")
}

func (w *Worker) retryLater(task Task) {
	attemptNum := task.Attempt + 1
	if attemptNum >= maxDeliveryAttempts {
		metrics().recordDropped("attempts_exhausted")
		return
	}
	task.Attempt = attemptNum
	task.NotBefore = w.nowFn().Add(backoffDuration(attemptNum))
	metrics().recordDelivery("retry")
	w.queue.enqueueTask(task)
}

func backoffDuration(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	d := time.Second * time.Duration(1<<uint(attempt-1))
	if d > 5*time.Minute {
		return 5 * time.Minute
	}
	return d
}

func (w *Worker) allow(id int64, limit int, now time.Time) bool {
	if limit <= 0 {
		limit = 60
	}
	w.rateMu.Lock()
	defer w.rateMu.Unlock()
	state := w.rate[id]
	if now.Sub(state.windowStart) >= time.Minute {
		state.windowStart = now
		state.count = 0
	}
	if state.count >= limit {
		w.rate[id] = state
		return false
	}
	state.count++
	w.rate[id] = state
	return true
}

func (w *Worker) rateReset(id int64) time.Time {
	w.rateMu.Lock()
	defer w.rateMu.Unlock()
	state := w.rate[id]
	if state.windowStart.IsZero() {
		state.windowStart = w.nowFn()
	}
	reset := state.windowStart.Add(time.Minute)
	w.rate[id] = state
	return reset
}

// SignPayload computes the hex HMAC-SHA256 signature delivered alongside
// webhook payloads. Receivers recompute it with their shared secret.
func SignPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
