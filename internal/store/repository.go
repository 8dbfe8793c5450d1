/**
 * @description
 * This file defines the `Repository` interface, the contract for all data
 * access the withdrawal-service needs. The interface decouples business logic
 * from PostgreSQL and lets the service layer be tested against stubs.
 *
 * The multi-row operations (withdrawal commit, token redemption, token
 * cancellation) are exposed as single atomic methods: the store's transaction
 * is the only concurrency-correctness mechanism in the system, so partial
 * updates must never be observable through this interface.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/cashflowconnect/withdrawal-service/internal/domain"
)

var (
	ErrUserNotFound         = errors.New("user not found")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrTransactionNotFound  = errors.New("transaction not found")
	ErrTokenNotFound        = errors.New("withdrawal token not found")
	ErrTokenCodeConflict    = errors.New("withdrawal token code already exists")
	ErrTokenNotPending      = errors.New("withdrawal token is not pending")
	ErrTokenNotCancellable  = errors.New("withdrawal token cannot be cancelled")
	ErrAgentNotFound        = errors.New("agent not found")
	ErrAgentInactive        = errors.New("agent is not active")
	ErrPaymentNotFound      = errors.New("subscription payment not found")
)

// RedeemTokenParams carries everything the atomic redemption needs. Commission
// is computed by the caller so the store stays free of fee policy.
type RedeemTokenParams struct {
	TokenID       uuid.UUID
	TransactionID *uuid.UUID
	AgentID       uuid.UUID
	Amount        int64
	Commission    int64
	Location      *string
	RedeemedAt    time.Time
}

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Subscription ledger
	FindSubscriptionByUserID(ctx context.Context, userID uuid.UUID) (*domain.Subscription, error)
	UpsertSubscription(ctx context.Context, sub *domain.Subscription) (*domain.Subscription, error)
	// RollOverDueSubscriptions resets transactions_used and advances the
	// billing period for every active subscription whose next_billing_date has
	// passed. This is the only code path that decreases the usage counter.
	RollOverDueSubscriptions(ctx context.Context, now time.Time) (int64, error)

	// Withdrawal pipeline. CreateWithdrawalAtomic inserts the PENDING
	// transaction, increments the subscription usage counter when consumeQuota
	// is set, and writes the audit row, all in one database transaction.
	CreateWithdrawalAtomic(ctx context.Context, tx *domain.Transaction, consumeQuota bool, audit domain.AuditEntry) error
	FindTransactionByID(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error)

	// Token lifecycle. CreateWithdrawalToken returns ErrTokenCodeConflict on a
	// unique violation of the token code so the caller can regenerate.
	CreateWithdrawalToken(ctx context.Context, token *domain.WithdrawalToken) error
	FindTokenByCode(ctx context.Context, code string) (*domain.TokenDetail, error)
	FindTokenByID(ctx context.Context, tokenID uuid.UUID) (*domain.WithdrawalToken, error)
	MarkTokenExpired(ctx context.Context, tokenID uuid.UUID) error
	ExpireStaleTokens(ctx context.Context, now time.Time) (int64, error)
	// RedeemTokenAtomic performs, in one transaction: the status-guarded
	// PENDING→REDEEMED token update, completion of the linked transaction, and
	// the agent total increments. A token that is no longer PENDING yields
	// ErrTokenNotPending; an agent that is not ACTIVE yields ErrAgentInactive.
	RedeemTokenAtomic(ctx context.Context, params RedeemTokenParams) error
	// CancelTokenAtomic cancels an owned, PENDING, unexpired token together
	// with its linked transaction. An expired-but-stored-PENDING token has its
	// EXPIRED status persisted and the cancellation rejected.
	CancelTokenAtomic(ctx context.Context, tokenID, userID uuid.UUID, now time.Time) (*domain.WithdrawalToken, error)
	ListTokensByUserID(ctx context.Context, userID uuid.UUID, limit int) ([]domain.WithdrawalToken, error)
	ListTokensByAgentID(ctx context.Context, agentID uuid.UUID, limit int) ([]domain.WithdrawalToken, error)

	// Agents and users
	FindAgentByID(ctx context.Context, agentID uuid.UUID) (*domain.Agent, error)
	FindAgentByUserID(ctx context.Context, userID uuid.UUID) (*domain.Agent, error)
	FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error)

	// Subscription billing
	CreateSubscriptionPayment(ctx context.Context, payment *domain.SubscriptionPayment) error
	UpdateSubscriptionPaymentStatus(ctx context.Context, paymentID uuid.UUID, status string, gatewayReference *string) error
	FindSubscriptionPaymentByReference(ctx context.Context, gatewayReference string) (*domain.SubscriptionPayment, error)

	// In-app notifications
	CreateNotification(ctx context.Context, notification domain.Notification) error
}
