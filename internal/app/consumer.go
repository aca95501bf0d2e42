package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/internal/store"
)

// StatusApplier is the subset of the engine the status consumer drives.
type StatusApplier interface {
	ApplyGatewayStatus(ctx context.Context, reference, gatewayStatus, fraudStatus, gatewayReference string) (*domain.Transaction, bool, error)
	ApplyStatusUpdate(ctx context.Context, reference, status, reason string) (*domain.Transaction, bool, error)
}

// GatewayStatusConsumer applies gateway statuses relayed over the broker.
type GatewayStatusConsumer struct {
	engine StatusApplier
}

func NewGatewayStatusConsumer(engine StatusApplier) *GatewayStatusConsumer {
	return &GatewayStatusConsumer{engine: engine}
}

// HandleMessage returns false only for failures worth redelivering.
func (c *GatewayStatusConsumer) HandleMessage(body []byte) bool {
	var event domain.GatewayStatusEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=warn component=status_consumer msg=\"failed to unmarshal payload\" err=%v", err)
		return true
	}

	if strings.TrimSpace(event.Reference) == "" {
		log.Printf("level=warn component=status_consumer msg=\"missing reference\" event_id=%s", event.EventID)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := c.processEvent(ctx, event); err != nil {
		log.Printf("level=warn component=status_consumer reference=%s msg=\"processing error\" err=%v", event.Reference, err)
		return false
	}

	return true
}

func (c *GatewayStatusConsumer) processEvent(ctx context.Context, event domain.GatewayStatusEvent) error {
	var (
		tx      *domain.Transaction
		changed bool
		err     error
	)
	if strings.EqualFold(event.Source, "gateway") {
		tx, changed, err = c.engine.ApplyGatewayStatus(ctx, event.Reference, event.Status, event.FraudStatus, event.GatewayReference)
	} else {
		tx, changed, err = c.engine.ApplyStatusUpdate(ctx, event.Reference, event.Status, event.Reason)
	}

	switch {
	case errors.Is(err, store.ErrTransactionNotFound):
		log.Printf("level=info component=status_consumer reference=%s msg=\"no transaction found; acknowledging\"", event.Reference)
		return nil
	case errors.Is(err, ErrValidation), errors.Is(err, store.ErrInsufficientFunds), errors.Is(err, store.ErrAccountInactive):
		log.Printf("level=warn component=status_consumer reference=%s status=%s msg=\"status rejected; acknowledging\" err=%v", event.Reference, event.Status, err)
		return nil
	case err != nil:
		return fmt.Errorf("apply status: %w", err)
	}

	if !changed && tx != nil {
		log.Printf("level=info component=status_consumer reference=%s status=%s current=%s outcome=noop", event.Reference, event.Status, tx.Status)
	}
	return nil
}
