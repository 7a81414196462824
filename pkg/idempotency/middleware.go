package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

const HeaderKey = "Idempotency-Key"

type cachedResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

// Middleware replays the stored response for a repeated Idempotency-Key on
// unsafe methods. Requests without the header pass through. A request that
// arrives while the first one is still running gets 409.
type Middleware struct {
	log   *slog.Logger
	rdb   redis.Cmdable
	ttl   time.Duration
	scope func(*http.Request) string
}

// NewMiddleware builds the middleware. scope partitions keys, typically by
// authenticated subject, so two callers cannot collide on the same key.
func NewMiddleware(log *slog.Logger, rdb redis.Cmdable, ttl time.Duration, scope func(*http.Request) string) *Middleware {
	if scope == nil {
		scope = func(*http.Request) string { return "" }
	}
	return &Middleware{log: log, rdb: rdb, ttl: ttl, scope: scope}
}

func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(HeaderKey)
		if key == "" || r.Method == http.MethodGet || r.Method == http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}
		ctx := r.Context()
		base := "idem:http:" + m.scope(r) + ":" + r.Method + ":" + r.URL.Path + ":" + key
		respKey, lockKey := base+":resp", base+":lock"

		raw, err := m.rdb.Get(ctx, respKey).Bytes()
		switch {
		case err == nil:
			var cached cachedResponse
			if err := json.Unmarshal(raw, &cached); err == nil {
				replay(w, cached)
				return
			}
		case !errors.Is(err, redis.Nil):
			m.log.Error("idempotency lookup failed", "err", err)
			next.ServeHTTP(w, r)
			return
		}

		ok, err := m.rdb.SetNX(ctx, lockKey, "1", m.ttl).Result()
		if err != nil {
			m.log.Error("idempotency lock failed", "err", err)
			next.ServeHTTP(w, r)
			return
		}
		if !ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"error":"request with this idempotency key is in progress"}`))
			return
		}

		// The lock is dropped unless a response gets cached, including when
		// next panics.
		release := true
		defer func() {
			if !release {
				return
			}
			if err := m.rdb.Del(context.WithoutCancel(ctx), lockKey).Err(); err != nil {
				m.log.Error("idempotency unlock failed", "err", err)
			}
		}()

		rec := &recorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		if rec.status >= http.StatusInternalServerError {
			return
		}
		release = false
		payload, _ := json.Marshal(cachedResponse{
			Status:      rec.status,
			ContentType: rec.Header().Get("Content-Type"),
			Body:        rec.body.Bytes(),
		})
		if err := m.rdb.Set(ctx, respKey, payload, m.ttl).Err(); err != nil {
			m.log.Error("idempotency store failed", "err", err)
		}
	})
}

func replay(w http.ResponseWriter, c cachedResponse) {
	if c.ContentType != "" {
		w.Header().Set("Content-Type", c.ContentType)
	}
	w.Header().Set("Idempotent-Replayed", "true")
	w.WriteHeader(c.Status)
	_, _ = w.Write(c.Body)
}

type recorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *recorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *recorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}
