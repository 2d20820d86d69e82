package server

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"yieldfarm/observability/logging"
	"yieldfarm/services/farmingd/outbox"
)

const idempotencyHeader = "Idempotency-Key"

// withIdempotency replays the stored response when a caller repeats a
// mutating request with the same Idempotency-Key. Keys are scoped to the
// caller. The key is reserved before the handler runs, so a concurrent
// duplicate is rejected instead of executed twice. Server errors release
// the reservation so the request can be retried.
func withIdempotency(db *gorm.DB, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
			if db == nil || key == "" || r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}
			caller := callerKey(r)
			scoped := caller + "|" + key
			store := db.WithContext(context.WithoutCancel(r.Context()))

			reservation := outbox.IdempotencyKey{
				Key:       scoped,
				Caller:    caller,
				Method:    r.Method,
				Path:      r.URL.Path,
				CreatedAt: time.Now(),
			}
			res := store.Clauses(clause.OnConflict{DoNothing: true}).Create(&reservation)
			if res.Error != nil {
				logger.Warn("idempotency reservation failed",
					logging.MaskField("idempotency_key", key),
					slog.String("caller", caller),
					slog.Any("error", res.Error))
				next.ServeHTTP(w, r)
				return
			}
			if res.RowsAffected == 0 {
				replay(w, r, store, scoped, logger, key)
				return
			}

			finished := false
			defer func() {
				if finished {
					return
				}
				if err := store.Delete(&outbox.IdempotencyKey{}, "key = ?", scoped).Error; err != nil {
					logger.Warn("release idempotency key",
						logging.MaskField("idempotency_key", key),
						slog.String("caller", caller),
						slog.Any("error", err))
				}
			}()

			recorder := &responseRecorder{ResponseWriter: w}
			next.ServeHTTP(recorder, r)

			status := recorder.status
			if status == 0 {
				status = http.StatusOK
			}
			if status >= http.StatusInternalServerError {
				return
			}
			err := store.Model(&outbox.IdempotencyKey{}).Where("key = ?", scoped).Updates(map[string]any{
				"status":   status,
				"response": recorder.buf.String(),
			}).Error
			if err != nil {
				logger.Warn("store idempotent response",
					logging.MaskField("idempotency_key", key),
					slog.String("caller", caller),
					slog.Any("error", err))
				return
			}
			finished = true
		})
	}
}

// replay answers a request whose key is already reserved: with the stored
// response once the first request finished, otherwise with 409.
func replay(w http.ResponseWriter, r *http.Request, store *gorm.DB, scoped string, logger *slog.Logger, key string) {
	var record outbox.IdempotencyKey
	err := store.First(&record, "key = ?", scoped).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusConflict, "idempotency key released; retry the request")
		return
	case err != nil:
		logger.Warn("idempotency lookup failed",
			logging.MaskField("idempotency_key", key),
			slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if record.Method != r.Method || record.Path != r.URL.Path {
		writeError(w, http.StatusConflict, "idempotency key reused for a different request")
		return
	}
	if record.Status == 0 {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusConflict, "request with this idempotency key is still in progress")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Idempotent-Replay", "true")
	w.WriteHeader(record.Status)
	_, _ = w.Write([]byte(record.Response))
}

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
	rr.buf.Write(b)
	return rr.ResponseWriter.Write(b)
}
