// Package middleware provides the HTTP middleware chain for the proxy:
// request-ID logging, CORS origin echo, panic recovery, and the admin
// Bearer-key auth guard. Grounded on the teacher's internal/middleware/middleware.go
// (Stack struct, Chain helper, RequestLogger/Recovery/CORS shape), with
// JWT-scope admin auth replaced by a single shared API key (this domain has
// no user accounts to carry scopes) and CORS changed from an allow-list to
// the spec's mandatory origin-echo (SPEC_FULL.md §4.5/§9).
package middleware

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	redis_rate "github.com/go-redis/redis_rate/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/streamguard/hls-auth-proxy/internal/config"
	"github.com/streamguard/hls-auth-proxy/internal/constants"
	"github.com/streamguard/hls-auth-proxy/internal/redisx"
)

const (
	httpClientError = 400
	httpServerError = 500
)

type contextKey string

const requestIDKey contextKey = "request_id"

// RequestIDFromContext returns the request ID set by RequestLogger, or ""
// if none is present (e.g. in a unit test that calls a handler directly).
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Stack holds shared middleware dependencies.
type Stack struct {
	cfg     *config.Config
	limiter *redis_rate.Limiter
	logger  *logrus.Logger
}

// NewStack builds a Stack. client may be nil (in-memory fallback mode), in
// which case the coarse per-IP rate limiter is disabled rather than erroring.
func NewStack(cfg *config.Config, client *redisx.Client, logger *logrus.Logger) *Stack {
	var limiter *redis_rate.Limiter
	if client != nil {
		limiter = redis_rate.NewLimiter(client.Raw())
	}
	return &Stack{cfg: cfg, limiter: limiter, logger: logger}
}

// Chain composes middleware in call order: Chain(h, A, B) runs A, then B,
// then h.
func (s *Stack) Chain(h http.Handler, mw ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// RequestLogger assigns a request ID, logs method/path/status/duration, and
// skips logging for /health to keep liveness probes quiet.
func (s *Stack) RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := uuid.NewString()
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey, requestID))

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		wrapped.Header().Set(constants.HeaderXRequestID, requestID)

		next.ServeHTTP(wrapped, r)

		if r.URL.Path == "/health" {
			return
		}

		duration := time.Since(start)
		fields := logrus.Fields{
			"request_id":  requestID,
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      wrapped.statusCode,
			"duration_ms": duration.Milliseconds(),
			"client_ip":   ClientIP(r),
			"user_agent":  r.UserAgent(),
		}

		level := logrus.InfoLevel
		if wrapped.statusCode >= httpClientError {
			level = logrus.WarnLevel
		}
		if wrapped.statusCode >= httpServerError {
			level = logrus.ErrorLevel
		}
		s.logger.WithFields(fields).Log(level, "request processed")
	})
}

// RateLimit applies a coarse per-client-IP token bucket as a defense-in-depth
// layer ahead of the authorization pipeline's own per-class m3u8 counter. It
// never blocks traffic when the limiter is unavailable or errors, since the
// precise per-class limiting is the authorization pipeline's job, not this
// middleware's.
func (s *Stack) RateLimit(requestsPerSecond int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.limiter == nil || requestsPerSecond <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			key := "ratelimit:client:" + ClientIP(r)
			result, err := s.limiter.Allow(r.Context(), key, redis_rate.PerSecond(requestsPerSecond))
			if err != nil {
				s.logger.WithError(err).Debug("rate limiter check failed, allowing request")
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit.Burst))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			if result.Allowed == 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(result.RetryAfter.Seconds())))
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CORS echoes the request Origin verbatim (never "*") and always sets
// Vary: Origin, per SPEC_FULL.md's mandatory-echo CORS contract. OPTIONS
// preflights are short-circuited with a 204 and no body (§12.2).
func (s *Stack) CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get(constants.HeaderOrigin)
		if origin != "" {
			w.Header().Set(constants.HeaderAccessControlAllowOrigin, origin)
			w.Header().Set(constants.HeaderVary, "Origin")
			w.Header().Set(constants.HeaderAccessControlExposeHeaders, constants.ExposedHeaders)
			if s.cfg.CORS.AllowCredentials {
				w.Header().Set(constants.HeaderAccessControlAllowCredentials, "true")
			}
		}

		if r.Method == http.MethodOptions {
			w.Header().Set(constants.HeaderAccessControlAllowMethods, "GET, HEAD, OPTIONS")
			w.Header().Set(constants.HeaderAccessControlAllowHeaders, "Range, Authorization, Content-Type")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Recovery recovers from a panic in a downstream handler, logs it, and
// returns a generic 500 instead of crashing the connection.
func (s *Stack) Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.WithFields(logrus.Fields{
					"method": r.Method,
					"path":   r.URL.Path,
					"panic":  rec,
				}).Error("panic recovered")
				w.Header().Set(constants.HeaderContentType, constants.ContentTypeJSON)
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(`{"error":"internal"}`))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// AdminAuth guards the admin API surface (/api/whitelist, /api/static-whitelist,
// /api/file/check, cache management) with the shared AuthConfig.APIKey.
// Both "Authorization: Bearer <key>" and a bare "Authorization: <key>" are
// accepted; the bare form logs a deprecation warning per request
// (SPEC_FULL.md §12.3) so operators can find and update any caller still
// using it.
func (s *Stack) AdminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get(constants.HeaderAuthorization)
		if header == "" {
			writeAuthError(w, http.StatusUnauthorized, "authorization header required")
			return
		}

		presented := header
		if strings.HasPrefix(header, "Bearer ") {
			presented = strings.TrimPrefix(header, "Bearer ")
		} else {
			s.logger.WithField("path", r.URL.Path).Warn("admin request used deprecated bare Authorization header; use 'Bearer <key>'")
		}

		if presented != s.cfg.Auth.APIKey || presented == "" {
			writeAuthError(w, http.StatusForbidden, "invalid admin key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set(constants.HeaderContentType, constants.ContentTypeJSON)
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + message + `"}`))
}

// ClientIP extracts the originating client address, preferring
// X-Forwarded-For (first hop) then X-Real-IP, falling back to RemoteAddr.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get(constants.HeaderXForwardedFor); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if xri := r.Header.Get(constants.HeaderXRealIP); xri != "" {
		return xri
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		return host[:idx]
	}
	return host
}
