package api

import (
	"io"
	"net/http"

	"github.com/transfa/ledger-service/internal/domain"
)

// PaymentGatewayWebhookHandler receives gateway payment notifications. Every payload is
// stored before it is verified and applied, so an unknown order still leaves its
// callback row behind when it is answered with 404.
func (h *Handlers) PaymentGatewayWebhookHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Unable to read request body")
		return
	}

	result, err := h.adapter.HandleNotification(r.Context(), body)
	if err != nil {
		writeServiceError(w, "payment_webhook", err)
		return
	}

	resp := map[string]interface{}{"status": "ok", "changed": result.Changed}
	if result.Transaction != nil {
		resp["transaction_status"] = result.Transaction.Status
	}
	writeJSON(w, http.StatusOK, resp)
}

// InternalStatusWebhookHandler lets internal systems move a transaction to a final status.
func (h *Handlers) InternalStatusWebhookHandler(w http.ResponseWriter, r *http.Request) {
	var update domain.InternalStatusUpdate
	if err := decodeJSON(w, r, &update); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	tx, changed, err := h.engine.ApplyStatusUpdate(r.Context(), update.Reference, update.Status, update.Reason)
	if err != nil {
		writeServiceError(w, "internal_status_webhook", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":             "ok",
		"changed":            changed,
		"transaction_status": tx.Status,
	})
}
