/**
 * @description
 * This file sets up the HTTP router for the ledger-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies the
 * middleware for authentication, admin access, rate limiting, CORS and metrics.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS handling for the browser front end.
 * - github.com/prometheus/client_golang: Serves the /metrics endpoint.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/transfa/ledger-service/internal/app"
	"github.com/transfa/ledger-service/internal/domain"
)

// RouterOptions carries the collaborators the middleware needs.
type RouterOptions struct {
	AllowedOrigins     []string
	InternalAPIKey     string
	RateLimiter        app.RateLimiter
	RateLimitPerMinute int
	Verifier           TokenVerifier
}

// NewRouter creates and returns the router for the ledger service.
func NewRouter(h *Handlers, opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	if len(opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   opts.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-API-Key"},
			ExposedHeaders:   []string{"Retry-After"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}
	r.Use(MetricsMiddleware)

	r.Get("/health", h.HealthHandler)
	r.Handle("/metrics", promhttp.Handler())

	// Public auth routes, rate limited per client IP.
	r.With(RateLimitMiddleware(opts.RateLimiter, "login", opts.RateLimitPerMinute)).Post("/login", h.LoginHandler)
	r.With(RateLimitMiddleware(opts.RateLimiter, "register", opts.RateLimitPerMinute)).Post("/register", h.RegisterHandler)

	r.Post("/webhooks/payment-gateway", h.PaymentGatewayWebhookHandler)
	r.With(InternalAPIKeyMiddleware(opts.InternalAPIKey)).Post("/webhooks/internal/status", h.InternalStatusWebhookHandler)

	// Group routes that require a bearer token.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(opts.Verifier))

		r.Post("/logout", h.LogoutHandler)
		r.Get("/verify", h.VerifyHandler)
		r.Get("/user/profile", h.ProfileHandler)
		r.Get("/user/balance", h.BalanceHandler)

		r.Route("/transactions", func(r chi.Router) {
			r.Get("/", h.ListTransactionsHandler)
			r.Post("/", h.CreateTransactionHandler)
			r.Post("/topup", h.CreateTypedTransactionHandler(domain.TransactionTypeTopup))
			r.Post("/payment", h.CreateTypedTransactionHandler(domain.TransactionTypePayment))
			r.Post("/transfer", h.CreateTypedTransactionHandler(domain.TransactionTypeTransfer))
			r.Post("/withdrawal", h.CreateTypedTransactionHandler(domain.TransactionTypeWithdrawal))
			r.Get("/reference/{reference}", h.GetTransactionByReferenceHandler)
			r.Get("/{id}", h.GetTransactionHandler)
			r.Post("/{id}/cancel", h.CancelTransactionHandler)

			r.With(RequireAdmin).Post("/{id}/approve", h.ApproveTransactionHandler)
			r.With(RequireAdmin).Post("/{id}/reject", h.RejectTransactionHandler)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(RequireAdmin)
			r.Get("/callbacks", h.ListCallbacksHandler)
			r.Post("/callbacks/{id}/replay", h.ReplayCallbackHandler)
			r.Get("/accounts/{id}/entries", h.ListLedgerEntriesHandler)
			r.Post("/accounts/{id}/adjustments", h.AdjustBalanceHandler)
		})
	})

	return r
}
