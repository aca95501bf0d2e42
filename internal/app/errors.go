package app

import (
	"context"
	"errors"
	"log"

	"github.com/transfa/ledger-service/internal/store"
)

var (
	ErrValidation          = errors.New("validation failed")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrInvalidToken        = errors.New("invalid or expired token")
	ErrForbidden           = errors.New("forbidden")
	ErrInvalidSignature    = errors.New("invalid signature")
	ErrInvalidPayload      = errors.New("invalid webhook payload")
	ErrAmountMismatch      = errors.New("gross amount does not match transaction")
	ErrIdempotencyMismatch = errors.New("idempotency key reused with a different request")
	ErrMaintenanceMode     = errors.New("service is under maintenance")
)

// withStoreRetry runs op and retries it once when the store reports a transient failure.
func withStoreRetry(ctx context.Context, operation string, op func() error) error {
	err := op()
	if err == nil || !store.IsTransient(err) || ctx.Err() != nil {
		return err
	}
	log.Printf("level=warn component=store operation=%s outcome=retry err=%v", operation, err)
	return op()
}
