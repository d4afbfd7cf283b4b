package middleware

import (
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"paylock/models"
)

// WithIdempotency replays the stored response for a previously seen
// Idempotency-Key instead of re-executing the handler. Only mutating methods
// participate; reads pass through untouched.
func WithIdempotency(db *gorm.DB, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Idempotency-Key")
		if key == "" || r.Method == http.MethodGet || r.Method == http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}

		var record models.IdempotencyKey
		if err := db.WithContext(r.Context()).First(&record, "key = ?", key).Error; err == nil {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotent-Replay", "true")
			w.WriteHeader(record.Status)
			_, _ = io.WriteString(w, record.Response)
			return
		}

		recorder := &responseRecorder{ResponseWriter: w}
		next.ServeHTTP(recorder, r)

		payload := models.IdempotencyKey{
			Key:       key,
			RequestID: uuid.NewString(),
			Method:    r.Method,
			Path:      r.URL.Path,
			Status:    recorder.status,
			Response:  recorder.buf,
			CreatedAt: time.Now(),
		}
		if payload.Status == 0 {
			payload.Status = http.StatusOK
		}
		_ = db.WithContext(r.Context()).Create(&payload).Error
	})
}

// responseRecorder captures the response so it can be replayed later.
type responseRecorder struct {
	http.ResponseWriter
	buf    string
	status int
}

func (rr *responseRecorder) WriteHeader(status int) {
	rr.status = status
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	rr.buf += string(b)
	return rr.ResponseWriter.Write(b)
}
