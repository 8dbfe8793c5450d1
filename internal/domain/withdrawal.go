/**
 * @description
 * This file defines the core withdrawal models: the transaction ledger record,
 * the single-use withdrawal token with its QR payload, the fee calculation
 * result, and the request/response DTOs used by the API layer.
 *
 * @notes
 * - A withdrawal transaction is created PENDING and only ever completes via a
 *   successful token redemption. Cancellation of the token cancels the
 *   transaction; an expired token leaves the transaction PENDING.
 * - The QR payload is a versioned JSON contract; rendering it into a scannable
 *   image happens outside this service.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Transaction statuses.
const (
	TransactionStatusPending   = "PENDING"
	TransactionStatusCompleted = "COMPLETED"
	TransactionStatusFailed    = "FAILED"
	TransactionStatusCancelled = "CANCELLED"
)

// Transaction types.
const (
	TransactionTypeWithdrawal          = "WITHDRAWAL"
	TransactionTypeSubscriptionPayment = "SUBSCRIPTION_PAYMENT"
)

// Transaction represents a monetary movement record. For withdrawals the
// total_amount is amount plus any over-limit fee.
type Transaction struct {
	ID            uuid.UUID  `json:"id"`
	UserID        uuid.UUID  `json:"user_id"`
	Type          string     `json:"type"`
	Amount        int64      `json:"amount"`
	Fee           int64      `json:"fee"`
	TotalAmount   int64      `json:"total_amount"`
	Status        string     `json:"status"`
	Reference     string     `json:"reference"`
	AgentID       *uuid.UUID `json:"agent_id,omitempty"`
	AgentLocation *string    `json:"agent_location,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Token statuses. A token leaves PENDING exactly once; all other states are
// terminal.
type TokenStatus string

const (
	TokenStatusPending   TokenStatus = "PENDING"
	TokenStatusRedeemed  TokenStatus = "REDEEMED"
	TokenStatusExpired   TokenStatus = "EXPIRED"
	TokenStatusCancelled TokenStatus = "CANCELLED"
)

// QRPayload is the structured content embedded in a withdrawal token's QR
// code. The type tag and version allow scanners to evolve without breaking
// older tokens.
type QRPayload struct {
	Token     string `json:"token"`
	Amount    int64  `json:"amount"`
	UserID    string `json:"userId"`
	ExpiresAt string `json:"expiresAt"` // ISO-8601
	Type      string `json:"type"`     // always "withdrawal_token"
	Version   string `json:"version"`  // always "1.0"
}

// QRPayloadType and QRPayloadVersion pin the current QR contract.
const (
	QRPayloadType    = "withdrawal_token"
	QRPayloadVersion = "1.0"
)

// WithdrawalToken is the single-use credential tying a user to a pending cash
// payout at a field agent.
type WithdrawalToken struct {
	ID               uuid.UUID   `json:"id"`
	UserID           uuid.UUID   `json:"user_id"`
	TransactionID    *uuid.UUID  `json:"transaction_id,omitempty"`
	Token            string      `json:"token"`
	QRPayload        QRPayload   `json:"qr_payload"`
	Amount           int64       `json:"amount"`
	Status           TokenStatus `json:"status"`
	ExpiresAt        time.Time   `json:"expires_at"`
	AgentID          *uuid.UUID  `json:"agent_id,omitempty"`
	RedeemedAt       *time.Time  `json:"redeemed_at,omitempty"`
	RedeemedLocation *string     `json:"redeemed_location,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
}

// EffectiveStatus reports the status a reader should act on at the given
// instant: a stored-PENDING token past its expiry reads as EXPIRED. Persisting
// that transition is the caller's job (verify/redeem/cancel write it back; the
// expiry sweep catches the rest).
func (t *WithdrawalToken) EffectiveStatus(now time.Time) TokenStatus {
	if t.Status == TokenStatusPending && !now.Before(t.ExpiresAt) {
		return TokenStatusExpired
	}
	return t.Status
}

// TokenDetail pairs a token with its owner's display name for agent-facing
// confirmation screens.
type TokenDetail struct {
	Token     WithdrawalToken `json:"token"`
	OwnerName string          `json:"owner_name"`
}

// CalculationReason is the machine-distinguishable category attached to every
// fee calculation result so callers can branch without parsing messages.
type CalculationReason string

const (
	ReasonOK             CalculationReason = "ok"
	ReasonNoSubscription CalculationReason = "no_subscription"
	ReasonInvalidTier    CalculationReason = "invalid_tier"
	ReasonOverMaxAmount  CalculationReason = "over_max_amount"
	ReasonBelowMinimum   CalculationReason = "below_minimum"
)

// WithdrawalCalculation is the side-effect-free result of asking "what would
// this withdrawal cost". RemainingFreeWithdrawals is reported pre-decrement,
// before this withdrawal consumes a slot.
type WithdrawalCalculation struct {
	CanWithdraw              bool              `json:"can_withdraw"`
	Reason                   CalculationReason `json:"reason"`
	Amount                   int64             `json:"amount"`
	FeeAmount                int64             `json:"fee_amount"`
	IsFeeFree                bool              `json:"is_fee_free"`
	RemainingFreeWithdrawals int               `json:"remaining_free_withdrawals"`
	MaxAmountPerWithdrawal   int64             `json:"max_amount_per_withdrawal"`
	Message                  string            `json:"message"`
}

// WithdrawalRequest is the DTO for initiating (or previewing) a withdrawal.
type WithdrawalRequest struct {
	Amount int64 `json:"amount"`
}

// WithdrawalResult is returned from a committed withdrawal. Token may be nil
// when issuance failed after the transaction committed; TokenIssued lets
// callers distinguish that recoverable state without probing for null.
type WithdrawalResult struct {
	Calculation WithdrawalCalculation `json:"calculation"`
	Transaction *Transaction          `json:"transaction,omitempty"`
	Token       *WithdrawalToken      `json:"token,omitempty"`
	TokenIssued bool                  `json:"token_issued"`
	Message     string                `json:"message"`
}

// RedemptionResult summarizes a completed cash payout for the agent.
type RedemptionResult struct {
	Token       WithdrawalToken `json:"token"`
	Transaction *Transaction    `json:"transaction,omitempty"`
	Commission  int64           `json:"commission"`
	Message     string          `json:"message"`
}

// AuditEntry captures one audited action for the audit_logs table.
type AuditEntry struct {
	UserID  uuid.UUID      `json:"user_id"`
	Action  string         `json:"action"`
	Details map[string]any `json:"details"`
}

// User is the minimal view of a user this service needs (display name for
// agent confirmation; identity is otherwise the auth provider's concern).
type User struct {
	ID    uuid.UUID `json:"id"`
	Name  string    `json:"name"`
	Phone string    `json:"phone"`
}

// Notification is the in-app notification row persisted alongside the
// fire-and-forget event emission.
type Notification struct {
	ID        uuid.UUID      `json:"id"`
	UserID    uuid.UUID      `json:"user_id"`
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Notification types.
const (
	NotificationTokenGenerated        = "TOKEN_GENERATED"
	NotificationTokenRedeemed         = "TOKEN_REDEEMED"
	NotificationSubscriptionActivated = "SUBSCRIPTION_ACTIVATED"
)
