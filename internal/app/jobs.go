/**
 * @description
 * Scheduled job implementations: transaction expiry, gateway reconciliation and
 * auth session cleanup.
 */
package app

import (
	"context"
	"log/slog"
	"time"
)

const jobTimeout = 2 * time.Minute

// LifecycleRunner is the engine surface used by the scheduled jobs.
type LifecycleRunner interface {
	ExpireStale(ctx context.Context) (int, error)
	ReconcileGatewayTopups(ctx context.Context, olderThan time.Duration) (int, error)
}

// TokenPurger removes dead auth sessions.
type TokenPurger interface {
	PurgeExpiredTokens(ctx context.Context) (int64, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	engine         LifecycleRunner
	auth           TokenPurger
	logger         *slog.Logger
	reconcileAfter time.Duration
}

// NewJobs creates a new Jobs runner.
func NewJobs(engine LifecycleRunner, auth TokenPurger, logger *slog.Logger, reconcileAfter time.Duration) *Jobs {
	if reconcileAfter <= 0 {
		reconcileAfter = 5 * time.Minute
	}
	return &Jobs{
		engine:         engine,
		auth:           auth,
		logger:         logger,
		reconcileAfter: reconcileAfter,
	}
}

// ExpireStaleTransactions cancels or fails transactions that outlived the expiry window.
func (j *Jobs) ExpireStaleTransactions() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	expired, err := j.engine.ExpireStale(ctx)
	if err != nil {
		j.logger.Error("failed to expire stale transactions", "error", err)
		return
	}
	if expired > 0 {
		j.logger.Info("expired stale transactions", "count", expired)
	}
}

// ReconcileGatewayTopups pulls gateway statuses for topups still in processing.
func (j *Jobs) ReconcileGatewayTopups() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	applied, err := j.engine.ReconcileGatewayTopups(ctx, j.reconcileAfter)
	if err != nil {
		j.logger.Error("failed to reconcile gateway topups", "error", err)
		return
	}
	if applied > 0 {
		j.logger.Info("reconciled gateway topups", "count", applied)
	}
}

// PurgeExpiredTokens deletes expired and revoked auth sessions.
func (j *Jobs) PurgeExpiredTokens() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	removed, err := j.auth.PurgeExpiredTokens(ctx)
	if err != nil {
		j.logger.Error("failed to purge expired auth tokens", "error", err)
		return
	}
	j.logger.Info("purged expired auth tokens", "count", removed)
}
