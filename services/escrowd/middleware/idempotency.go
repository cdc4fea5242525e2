package middleware

import (
	"bytes"
	"errors"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"tradeescrow/services/escrowd/models"
)

const maxIdempotencyKey = 80

// WithIdempotency replays the stored response for a repeated Idempotency-Key.
// Keys are scoped to the authenticated subject. Server errors are not stored
// so the client can retry them.
func WithIdempotency(db *gorm.DB) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("Idempotency-Key")
			if key == "" || r.Method == http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > maxIdempotencyKey {
				writeError(w, http.StatusBadRequest, "Idempotency-Key too long")
				return
			}
			scope := "anon"
			if claims, err := FromContext(r.Context()); err == nil {
				scope = claims.Subject.String()
			}
			stored := scope + ":" + key

			var record models.IdempotencyKey
			err := db.WithContext(r.Context()).First(&record, "key = ?", stored).Error
			switch {
			case err == nil:
				if record.Method != r.Method || record.Path != r.URL.Path {
					writeError(w, http.StatusConflict, "Idempotency-Key reused for a different request")
					return
				}
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Idempotent-Replay", "true")
				w.WriteHeader(record.Status)
				_, _ = w.Write([]byte(record.Response))
				return
			case !errors.Is(err, gorm.ErrRecordNotFound):
				writeError(w, http.StatusServiceUnavailable, "idempotency store unavailable")
				return
			}

			recorder := &responseRecorder{ResponseWriter: w}
			next.ServeHTTP(recorder, r)

			status := recorder.status
			if status == 0 {
				status = http.StatusOK
			}
			if status >= http.StatusInternalServerError {
				return
			}
			requestID := chimw.GetReqID(r.Context())
			if requestID == "" {
				requestID = uuid.NewString()
			}
			_ = db.WithContext(r.Context()).Create(&models.IdempotencyKey{
				Key:       stored,
				RequestID: requestID,
				Method:    r.Method,
				Path:      r.URL.Path,
				Status:    status,
				Response:  recorder.buf.String(),
				CreatedAt: time.Now(),
			}).Error
		})
	}
}

// responseRecorder captures the response for idempotent operations.
type responseRecorder struct {
	http.ResponseWriter
	buf    bytes.Buffer
	status int
}

func (rr *responseRecorder) WriteHeader(status int) {
	if rr.status == 0 {
		rr.status = status
	}
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if rr.status == 0 {
		rr.status = http.StatusOK
	}
	rr.buf.Write(b)
	return rr.ResponseWriter.Write(b)
}
