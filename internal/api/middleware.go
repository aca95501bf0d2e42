/**
 * @description
 * This file contains custom middleware for the HTTP router: bearer authentication,
 * the admin gate, the internal API key check for the status webhook, per-IP rate
 * limiting of the public auth routes and Prometheus request metrics.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5/middleware: For the status-capturing response writer.
 * - internal/app: For token verification and rate limiting.
 * - pkg/metrics: For request counters and latency.
 */

package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/transfa/ledger-service/internal/app"
	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/pkg/metrics"
)

// PrincipalContextKey is a custom type for the context key to avoid collisions.
type PrincipalContextKey string

const principalKey PrincipalContextKey = "principal"

// TokenVerifier resolves bearer tokens to principals.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, raw string) (*domain.Principal, error)
}

// AuthMiddleware validates the bearer token and stores the principal in the request context.
func AuthMiddleware(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "Authorization header required")
				return
			}

			// Extract the token from "Bearer <token>"
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				writeError(w, http.StatusUnauthorized, "Invalid Authorization header format")
				return
			}

			principal, err := verifier.VerifyToken(r.Context(), tokenString)
			if err != nil {
				if !errors.Is(err, app.ErrInvalidToken) {
					log.Printf("level=error component=api msg=\"token verification failed\" err=%v", err)
					writeError(w, http.StatusInternalServerError, "Unable to verify token")
					return
				}
				writeError(w, http.StatusUnauthorized, "Invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), principalKey, *principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin rejects principals without the admin role.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := GetPrincipal(r.Context())
		if !ok || !principal.IsAdmin() {
			writeError(w, http.StatusForbidden, "Admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// InternalAPIKeyMiddleware checks the X-API-Key header. With no key configured every
// request is refused.
func InternalAPIKeyMiddleware(apiKey string) func(http.Handler) http.Handler {
	expected := []byte(strings.TrimSpace(apiKey))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := []byte(strings.TrimSpace(r.Header.Get("X-API-Key")))
			if len(expected) == 0 || subtle.ConstantTimeCompare(expected, provided) != 1 {
				log.Printf("level=warn component=api msg=\"internal api key rejected\" path=%s remote_ip=%s", r.URL.Path, getClientIP(r))
				writeError(w, http.StatusUnauthorized, "Invalid API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimitMiddleware allows limit requests per client IP and minute for scope.
// Limiter failures let the request through.
func RateLimitMiddleware(limiter app.RateLimiter, scope string, limit int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil || limit <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			clientIP := getClientIP(r)
			count, retryAfter, err := limiter.ConsumeRateLimit(r.Context(), scope, clientIP, limit, time.Minute)
			if err != nil {
				log.Printf("level=warn component=api msg=\"rate limiter unavailable; allowing request\" scope=%s err=%v", scope, err)
				next.ServeHTTP(w, r)
				return
			}
			if count > limit {
				log.Printf("level=warn component=api msg=\"rate limit exceeded\" scope=%s remote_ip=%s count=%d", scope, clientIP, count)
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeError(w, http.StatusTooManyRequests, "Too many requests. Please try again later.")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// MetricsMiddleware records request counts and latency by route pattern.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.ObserveRequest(route, r.Method, strconv.Itoa(status), time.Since(start).Seconds())
	})
}

// GetPrincipal retrieves the authenticated principal from the request context.
func GetPrincipal(ctx context.Context) (domain.Principal, bool) {
	principal, ok := ctx.Value(principalKey).(domain.Principal)
	return principal, ok
}

// getClientIP prefers the address set by the RealIP middleware.
func getClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}
