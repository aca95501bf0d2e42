package api

import (
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/transfa/ledger-service/internal/domain"
)

// CreateTransactionHandler creates a transaction of the type named in the body.
func (h *Handlers) CreateTransactionHandler(w http.ResponseWriter, r *http.Request) {
	h.createTransaction(w, r, "")
}

// CreateTypedTransactionHandler returns a handler that forces the transaction type.
func (h *Handlers) CreateTypedTransactionHandler(txType domain.TransactionType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.createTransaction(w, r, txType)
	}
}

func (h *Handlers) createTransaction(w http.ResponseWriter, r *http.Request, txType domain.TransactionType) {
	principal, ok := GetPrincipal(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req domain.CreateTransactionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		log.Printf("level=warn component=api endpoint=create_transaction outcome=reject reason=invalid_json user_id=%s err=%v", principal.UserID, err)
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if txType != "" {
		req.Type = txType
	} else {
		req.Type, _ = domain.ParseTransactionType(string(req.Type))
	}
	req.IdempotencyKey = strings.TrimSpace(r.Header.Get("Idempotency-Key"))

	tx, created, err := h.engine.CreateTransaction(r.Context(), principal, req)
	if err != nil {
		log.Printf("level=warn component=api endpoint=create_transaction outcome=failed user_id=%s type=%s err=%v", principal.UserID, req.Type, err)
		writeServiceError(w, "create_transaction", err)
		return
	}

	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	writeJSON(w, status, tx)
}

// ListTransactionsHandler lists transactions visible to the caller.
func (h *Handlers) ListTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := GetPrincipal(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	filter, err := parseTransactionFilter(r)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	page, err := h.engine.ListTransactions(r.Context(), principal, filter)
	if err != nil {
		writeServiceError(w, "list_transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func parseTransactionFilter(r *http.Request) (domain.TransactionFilter, error) {
	q := r.URL.Query()
	var filter domain.TransactionFilter

	if raw := strings.TrimSpace(q.Get("type")); raw != "" {
		txType, ok := domain.ParseTransactionType(raw)
		if !ok {
			return filter, fmt.Errorf("invalid type %q", raw)
		}
		filter.Type = &txType
	}
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		status, ok := domain.ParseTransactionStatus(raw)
		if !ok {
			return filter, fmt.Errorf("invalid status %q", raw)
		}
		filter.Status = &status
	}

	from, err := parseDateParam(q.Get("date_from"), false)
	if err != nil {
		return filter, fmt.Errorf("invalid date_from: %w", err)
	}
	to, err := parseDateParam(q.Get("date_to"), true)
	if err != nil {
		return filter, fmt.Errorf("invalid date_to: %w", err)
	}
	filter.DateFrom, filter.DateTo = from, to

	if filter.Limit, err = parseOptionalPositiveInt(q.Get("limit"), 10); err != nil {
		return filter, fmt.Errorf("invalid limit")
	}
	if filter.Offset, err = parseOptionalPositiveInt(q.Get("offset"), 0); err != nil {
		return filter, fmt.Errorf("invalid offset")
	}
	return filter, nil
}

// parseDateParam accepts RFC 3339 timestamps or plain dates. A plain date used as an
// upper bound covers the whole day.
func parseDateParam(raw string, endOfDay bool) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return nil, fmt.Errorf("expected YYYY-MM-DD or RFC 3339")
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}

func parseOptionalPositiveInt(raw string, fallback int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("invalid integer %q", raw)
	}
	return value, nil
}

// GetTransactionHandler returns one transaction by id.
func (h *Handlers) GetTransactionHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := GetPrincipal(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	txID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid transaction ID")
		return
	}

	tx, err := h.engine.GetTransaction(r.Context(), principal, txID)
	if err != nil {
		writeServiceError(w, "get_transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// GetTransactionByReferenceHandler returns one transaction by its TXN- reference.
func (h *Handlers) GetTransactionByReferenceHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := GetPrincipal(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	tx, err := h.engine.GetTransactionByReference(r.Context(), principal, chi.URLParam(r, "reference"))
	if err != nil {
		writeServiceError(w, "get_transaction_by_reference", err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// CancelTransactionHandler cancels a pending transaction owned by the caller.
func (h *Handlers) CancelTransactionHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := GetPrincipal(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	txID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid transaction ID")
		return
	}
	review, ok := decodeReview(w, r)
	if !ok {
		return
	}

	tx, changed, err := h.engine.Cancel(r.Context(), principal, txID, review.Reason)
	h.writeReviewResult(w, "cancel_transaction", tx, changed, err)
}

// ApproveTransactionHandler completes a pending transaction.
func (h *Handlers) ApproveTransactionHandler(w http.ResponseWriter, r *http.Request) {
	principal, _ := GetPrincipal(r.Context())
	txID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid transaction ID")
		return
	}

	tx, changed, err := h.engine.Approve(r.Context(), txID, principal.UserID.String())
	h.writeReviewResult(w, "approve_transaction", tx, changed, err)
}

// RejectTransactionHandler fails a pending transaction and releases its hold.
func (h *Handlers) RejectTransactionHandler(w http.ResponseWriter, r *http.Request) {
	principal, _ := GetPrincipal(r.Context())
	txID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid transaction ID")
		return
	}
	review, ok := decodeReview(w, r)
	if !ok {
		return
	}

	tx, changed, err := h.engine.Reject(r.Context(), txID, principal.UserID.String(), review.Reason)
	h.writeReviewResult(w, "reject_transaction", tx, changed, err)
}

// decodeReview reads an optional {reason} body.
func decodeReview(w http.ResponseWriter, r *http.Request) (domain.ReviewRequest, bool) {
	var review domain.ReviewRequest
	if r.ContentLength == 0 {
		return review, true
	}
	if err := decodeJSON(w, r, &review); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return review, false
	}
	return review, true
}

// writeReviewResult answers 200 with the updated transaction, or 409 with the current
// one when the transaction was no longer pending.
func (h *Handlers) writeReviewResult(w http.ResponseWriter, endpoint string, tx *domain.Transaction, changed bool, err error) {
	if err != nil {
		writeServiceError(w, endpoint, err)
		return
	}
	if !changed {
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error":       fmt.Sprintf("Transaction is %s, not pending.", tx.Status),
			"transaction": tx,
		})
		return
	}
	writeJSON(w, http.StatusOK, tx)
}
