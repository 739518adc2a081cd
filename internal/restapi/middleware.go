package restapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/binlens/binlens/internal/apierr"
	"github.com/binlens/binlens/internal/auth"
	"github.com/binlens/binlens/internal/ratelimit"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type contextKey string

const contextKeyCorrelationID contextKey = "correlation_id"

// CORS builds the cors.Handler middleware from configured allowed origins.
func CORS(origins []string) func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           3600,
	})
}

// responseWriter captures the status code written so the error-mapper and
// request logger can observe the outcome after the handler returns.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// CorrelationID assigns (or propagates) an X-Correlation-ID and attaches it
// to the request context and every log line for the request.
func CorrelationID(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Correlation-ID")
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set("X-Correlation-ID", id)
			ctx := context.WithValue(r.Context(), contextKeyCorrelationID, id)

			rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(rw, r.WithContext(ctx))

			log.Info("request",
				zap.String("correlation_id", id),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rw.status),
				zap.Duration("duration", time.Since(start)))
		})
	}
}

// CorrelationIDFromContext recovers the id attached by CorrelationID.
func CorrelationIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(contextKeyCorrelationID).(string)
	return id
}

// ErrorMapper runs inside the CORS and compression layers, keeping the
// envelope format centralized. Handlers call writeErr/writeAPIErr themselves; this
// middleware's job is recovering panics into the same envelope rather than
// an opaque 500.
func ErrorMapper(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
					writeAPIErr(w, apierr.Internal("internal error"))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// Auth resolves the request's principal via store.Authorize and attaches it
// to the context, or rejects the request with the error envelope.
func Auth(store *auth.Store, enabled bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !enabled {
				next.ServeHTTP(w, r)
				return
			}
			principal, err := store.Authorize(r)
			if err != nil {
				writeErr(w, err)
				return
			}
			ctx := auth.WithPrincipal(r.Context(), principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RateLimit checks the authenticated principal's tier against limiter,
// rejecting with 429 and Retry-After when the window is exhausted.
func RateLimit(limiter *ratelimit.Limiter, enabled bool, category ratelimit.Category) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !enabled {
				next.ServeHTTP(w, r)
				return
			}
			principal, _ := auth.FromContext(r.Context())
			identity := principal.UserID
			tier := string(principal.Tier)
			if principal.Anonymous || tier == "" {
				tier = "basic"
			}

			decision, err := limiter.Check(r.Context(), identity, tier, category)
			if err != nil {
				writeAPIErr(w, apierr.Internal("rate limit check failed"))
				return
			}
			if !decision.Allowed {
				w.Header().Set("Retry-After", formatSeconds(decision.RetryAfter))
				writeAPIErr(w, apierr.RateLimited("rate limit exceeded", int(decision.RetryAfter.Seconds())))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func formatSeconds(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// writeErr maps any error into the §4.7 envelope, wrapping non-apierr
// errors as internal errors so no raw error text leaks to clients.
func writeErr(w http.ResponseWriter, err error) {
	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) {
		apiErr = apierr.Internal("internal error")
	}
	writeAPIErr(w, apiErr)
}

func writeAPIErr(w http.ResponseWriter, e *apierr.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	_ = json.NewEncoder(w).Encode(e.ToEnvelope())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
