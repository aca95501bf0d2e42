package domain

import (
	"time"

	"github.com/google/uuid"
)

// TransactionEvent is published to the event exchange whenever a transaction is
// created or changes status.
type TransactionEvent struct {
	EventID       uuid.UUID         `json:"event_id"`
	TransactionID uuid.UUID         `json:"transaction_id"`
	Reference     string            `json:"reference"`
	UserID        uuid.UUID         `json:"user_id"`
	Type          TransactionType   `json:"type"`
	Status        TransactionStatus `json:"status"`
	Amount        int64             `json:"amount"`
	Fee           int64             `json:"fee"`
	Currency      string            `json:"currency"`
	FailureReason *string           `json:"failure_reason,omitempty"`
	OccurredAt    time.Time         `json:"occurred_at"`
}

// NewTransactionEvent snapshots a transaction into an event payload.
func NewTransactionEvent(tx *Transaction, at time.Time) TransactionEvent {
	return TransactionEvent{
		EventID:       uuid.New(),
		TransactionID: tx.ID,
		Reference:     tx.Reference,
		UserID:        tx.UserID,
		Type:          tx.Type,
		Status:        tx.Status,
		Amount:        tx.Amount,
		Fee:           tx.Fee,
		Currency:      tx.Currency,
		FailureReason: tx.FailureReason,
		OccurredAt:    at,
	}
}

// RoutingKey is the topic routing key for the event.
func (e TransactionEvent) RoutingKey() string {
	return "transaction." + string(e.Status)
}

// GatewayStatusEvent is a status update relayed over the broker, either a raw
// gateway status (Source "gateway") or the internal vocabulary.
type GatewayStatusEvent struct {
	EventID          string    `json:"event_id"`
	Source           string    `json:"source"`
	Reference        string    `json:"reference"`
	Status           string    `json:"status"`
	FraudStatus      string    `json:"fraud_status"`
	GatewayReference string    `json:"gateway_reference"`
	Reason           string    `json:"reason"`
	OccurredAt       time.Time `json:"occurred_at"`
}

// InternalStatusUpdate is the body accepted by the internal status webhook.
type InternalStatusUpdate struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
	Reason    string `json:"reason"`
}
