package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"paylock/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	return db
}

func subscribe(t *testing.T, db *gorm.DB, eventType, url, secret string) {
	t.Helper()
	require.NoError(t, db.Create(&models.WebhookSubscription{
		EventType: eventType,
		URL:       url,
		Secret:    secret,
		RateLimit: 60,
		Active:    true,
	}).Error)
}

func runWorker(t *testing.T, db *gorm.DB, queue *Queue) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	worker := NewWorker(db, queue)
	go worker.Run(ctx)
	return cancel
}

func TestWorkerDeliversSignedPayload(t *testing.T) {
	db := setupTestDB(t)
	received := make(chan struct {
		body []byte
		sig  string
	}, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- struct {
			body []byte
			sig  string
		}{body, r.Header.Get("X-Paylock-Signature")}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	subscribe(t, db, EventEscrowReleased, server.URL, "sub-secret")

	queue := NewQueue()
	cancel := runWorker(t, db, queue)
	defer cancel()

	dispatcher := NewDispatcher(queue)
	dispatcher.EscrowReleased(uuid.New(), map[string]string{"amount": "99.00"})

	select {
	case delivery := <-received:
		require.Equal(t, SignPayload("sub-secret", delivery.body), delivery.sig)
		require.Contains(t, string(delivery.body), EventEscrowReleased)
	case <-time.After(2 * time.Second):
		t.Fatal("delivery never arrived")
	}
}

func TestWorkerRetriesFailedDelivery(t *testing.T) {
	db := setupTestDB(t)
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	subscribe(t, db, EventEscrowRefunded, server.URL, "s")

	queue := NewQueue()
	cancel := runWorker(t, db, queue)
	defer cancel()

	NewDispatcher(queue).EscrowRefunded(uuid.New(), nil)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) >= 2
	}, 5*time.Second, 50*time.Millisecond)
}

func TestWorkerIgnoresInactiveSubscriptions(t *testing.T) {
	db := setupTestDB(t)
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	require.NoError(t, db.Create(&models.WebhookSubscription{
		EventType: EventEscrowDisputed,
		URL:       server.URL,
		Secret:    "s",
		RateLimit: 60,
		Active:    false,
	}).Error)

	queue := NewQueue()
	cancel := runWorker(t, db, queue)
	defer cancel()

	NewDispatcher(queue).EscrowDisputed(uuid.New(), nil)

	time.Sleep(300 * time.Millisecond)
	require.Zero(t, atomic.LoadInt32(&calls))
}

func TestQueueDropsOnOverflow(t *testing.T) {
	queue := NewQueue()
	for i := 0; i < defaultQueueCapacity+10; i++ {
		queue.Enqueue(Event{Type: EventPaymentCompleted, EntityID: fmt.Sprint(i)})
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	drained := 0
	for {
		if _, ok := queue.Dequeue(ctx); !ok {
			break
		}
		drained++
		if drained == defaultQueueCapacity {
			break
		}
	}
	require.Equal(t, defaultQueueCapacity, drained)
}

func TestSignPayloadIsDeterministic(t *testing.T) {
	payload := []byte(`{"type":"escrow.released"}`)
	require.Equal(t, SignPayload("k", payload), SignPayload("k", payload))
	require.NotEqual(t, SignPayload("k", payload), SignPayload("other", payload))
}
