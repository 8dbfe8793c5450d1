/**
 * @description
 * Scheduled job implementations for the withdrawal-service: the monthly
 * subscription rollover and the stale-token sweep.
 *
 * The token sweep is hygiene, not correctness: verify, redeem, and cancel all
 * treat an overdue PENDING token as expired on read, so a token that the sweep
 * has not reached yet can still never pay out.
 */
package jobs

import (
	"context"
	"log/slog"
	"time"
)

// Maintenance defines the service operations the jobs trigger.
type Maintenance interface {
	RenewDueSubscriptions(ctx context.Context, now time.Time) (int64, error)
	ExpireStaleTokens(ctx context.Context, now time.Time) (int64, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	svc    Maintenance
	logger *slog.Logger
}

// NewJobs creates a new Jobs runner.
func NewJobs(svc Maintenance, logger *slog.Logger) *Jobs {
	return &Jobs{
		svc:    svc,
		logger: logger,
	}
}

// RenewDueSubscriptions rolls expired billing periods into the next month and
// resets the free-withdrawal counters.
func (j *Jobs) RenewDueSubscriptions() {
	j.logger.Info("starting subscription renewal job")
	ctx := context.Background()

	count, err := j.svc.RenewDueSubscriptions(ctx, time.Now())
	if err != nil {
		j.logger.Error("failed to roll over due subscriptions", "error", err)
		return
	}

	j.logger.Info("subscription renewal job finished", "rolled_over", count)
}

// ExpireStaleTokens bulk-expires PENDING withdrawal tokens past their
// deadline.
func (j *Jobs) ExpireStaleTokens() {
	j.logger.Info("starting token expiry job")
	ctx := context.Background()

	count, err := j.svc.ExpireStaleTokens(ctx, time.Now())
	if err != nil {
		j.logger.Error("failed to expire stale tokens", "error", err)
		return
	}

	j.logger.Info("token expiry job finished", "expired", count)
}
