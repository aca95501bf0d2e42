package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/transfa/ledger-service/internal/domain"
)

// ListCallbacksHandler lists stored gateway callbacks, optionally for one order.
func (h *Handlers) ListCallbacksHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseOptionalPositiveInt(q.Get("limit"), 50)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid limit")
		return
	}
	offset, err := parseOptionalPositiveInt(q.Get("offset"), 0)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid offset")
		return
	}

	callbacks, err := h.adapter.ListCallbacks(r.Context(), domain.CallbackFilter{
		OrderID: strings.TrimSpace(q.Get("reference")),
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		writeServiceError(w, "list_callbacks", err)
		return
	}
	if callbacks == nil {
		callbacks = []domain.PaymentCallback{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": callbacks})
}

// ReplayCallbackHandler re-applies a stored, verified callback.
func (h *Handlers) ReplayCallbackHandler(w http.ResponseWriter, r *http.Request) {
	callbackID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid callback ID")
		return
	}

	result, err := h.adapter.ReplayCallback(r.Context(), callbackID)
	if err != nil {
		writeServiceError(w, "replay_callback", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ListLedgerEntriesHandler returns the journal lines of one account.
func (h *Handlers) ListLedgerEntriesHandler(w http.ResponseWriter, r *http.Request) {
	accountID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid account ID")
		return
	}
	q := r.URL.Query()
	limit, err := parseOptionalPositiveInt(q.Get("limit"), 50)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid limit")
		return
	}
	offset, err := parseOptionalPositiveInt(q.Get("offset"), 0)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid offset")
		return
	}

	entries, err := h.engine.ListLedgerEntries(r.Context(), accountID, limit, offset)
	if err != nil {
		writeServiceError(w, "list_ledger_entries", err)
		return
	}
	if entries == nil {
		entries = []domain.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": entries})
}

// AdjustBalanceHandler applies a manual balance correction with a mandatory reason.
func (h *Handlers) AdjustBalanceHandler(w http.ResponseWriter, r *http.Request) {
	principal, _ := GetPrincipal(r.Context())
	accountID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid account ID")
		return
	}
	var req domain.BalanceAdjustmentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	account, err := h.engine.AdjustBalance(r.Context(), accountID, req, principal.UserID.String())
	if err != nil {
		writeServiceError(w, "adjust_balance", err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}
