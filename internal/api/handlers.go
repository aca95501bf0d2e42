/**
 * @description
 * This file contains the HTTP handlers for the ledger-service's auth, profile and health
 * endpoints, plus the shared JSON helpers and the mapping from service errors to HTTP
 * status codes. Handlers parse the request, call the app layer and write the response.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/transfa/ledger-service/internal/app"
	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/internal/store"
)

// HealthCheck tests one dependency. A failing critical check turns /health into a 503.
type HealthCheck struct {
	Name     string
	Critical bool
	Check    func(ctx context.Context) error
}

// Handlers holds the application services that handlers will use.
type Handlers struct {
	engine  *app.Engine
	auth    *app.AuthService
	adapter *app.GatewayAdapter
	checks  []HealthCheck
}

// NewHandlers creates a new instance of Handlers.
func NewHandlers(engine *app.Engine, auth *app.AuthService, adapter *app.GatewayAdapter, checks ...HealthCheck) *Handlers {
	return &Handlers{engine: engine, auth: auth, adapter: adapter, checks: checks}
}

// writeJSON is a helper for writing JSON responses.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func mapServiceError(err error) (int, string) {
	switch {
	case errors.Is(err, app.ErrValidation), errors.Is(err, store.ErrAccountInactive), errors.Is(err, store.ErrBalanceOverflow):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, store.ErrInsufficientFunds):
		return http.StatusPaymentRequired, "Insufficient funds."
	case errors.Is(err, store.ErrTransactionNotFound):
		return http.StatusNotFound, "Transaction not found."
	case errors.Is(err, store.ErrAccountNotFound):
		return http.StatusNotFound, "Account not found."
	case errors.Is(err, store.ErrUserNotFound):
		return http.StatusNotFound, "User not found."
	case errors.Is(err, store.ErrCallbackNotFound):
		return http.StatusNotFound, "Payment callback not found."
	case errors.Is(err, store.ErrDuplicateEmail):
		return http.StatusConflict, "Email is already registered."
	case errors.Is(err, app.ErrIdempotencyMismatch), errors.Is(err, store.ErrDuplicateIdempotencyKey):
		return http.StatusConflict, err.Error()
	case errors.Is(err, app.ErrInvalidCredentials):
		return http.StatusUnauthorized, "Invalid email or password."
	case errors.Is(err, app.ErrInvalidToken):
		return http.StatusUnauthorized, "Invalid or expired token."
	case errors.Is(err, app.ErrForbidden):
		return http.StatusForbidden, err.Error()
	case errors.Is(err, app.ErrInvalidSignature), errors.Is(err, app.ErrInvalidPayload), errors.Is(err, app.ErrAmountMismatch):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, app.ErrMaintenanceMode):
		return http.StatusServiceUnavailable, "Service is under maintenance. Please try again later."
	}
	return http.StatusInternalServerError, "Internal server error"
}

// writeServiceError maps err to a status and logs anything unexpected.
func writeServiceError(w http.ResponseWriter, endpoint string, err error) {
	status, message := mapServiceError(err)
	if status == http.StatusInternalServerError {
		log.Printf("level=error component=api endpoint=%s outcome=failed err=%v", endpoint, err)
	}
	writeError(w, status, message)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	return json.NewDecoder(r.Body).Decode(dst)
}

// HealthHandler reports the reachability of the store and the optional dependencies.
func (h *Handlers) HealthHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := "healthy"
	code := http.StatusOK
	data := make(map[string]string, len(h.checks))
	for _, check := range h.checks {
		if check.Check == nil {
			data[check.Name] = "disabled"
			continue
		}
		if err := check.Check(ctx); err != nil {
			data[check.Name] = "unavailable"
			log.Printf("level=warn component=api endpoint=health dependency=%s err=%v", check.Name, err)
			if check.Critical {
				status = "unhealthy"
				code = http.StatusServiceUnavailable
			} else if status == "healthy" {
				status = "degraded"
			}
			continue
		}
		data[check.Name] = "ok"
	}

	writeJSON(w, code, map[string]interface{}{
		"status":        status,
		"response_time": time.Since(start).String(),
		"data":          data,
	})
}

// RegisterHandler creates a user with an account and returns a bearer token.
func (h *Handlers) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.RegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	resp, err := h.auth.Register(r.Context(), req)
	if err != nil {
		writeServiceError(w, "register", err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// LoginHandler exchanges credentials for a bearer token.
func (h *Handlers) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	resp, err := h.auth.Login(r.Context(), req)
	if err != nil {
		writeServiceError(w, "login", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// LogoutHandler revokes the caller's token.
func (h *Handlers) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := GetPrincipal(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	if err := h.auth.Logout(r.Context(), principal); err != nil {
		writeServiceError(w, "logout", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Logged out"})
}

// VerifyHandler returns the principal behind the bearer token.
func (h *Handlers) VerifyHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := GetPrincipal(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"valid": true, "principal": principal})
}

// ProfileHandler returns the caller's user record.
func (h *Handlers) ProfileHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := GetPrincipal(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	user, err := h.auth.Profile(r.Context(), principal)
	if err != nil {
		writeServiceError(w, "profile", err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// BalanceHandler returns ledger, held and available balances of the caller's accounts.
func (h *Handlers) BalanceHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := GetPrincipal(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	balances, err := h.engine.GetBalances(r.Context(), principal.UserID)
	if err != nil {
		writeServiceError(w, "balance", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": balances})
}
