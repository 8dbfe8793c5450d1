/**
 * @description
 * This file defines the subscription ledger models for the withdrawal-service:
 * the subscription record tied to each user and the fixed tier limit table that
 * drives fee calculation.
 *
 * @notes
 * - Amounts are stored as `int64` in the smallest currency unit (UGX has no
 *   fractional sub-units), which avoids floating-point inaccuracies with
 *   financial data.
 * - The tier table is a fixed package-level mapping. Tiers are closed; an
 *   unrecognized tier is a hard rejection in the fee calculator, never a
 *   fallback to defaults.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// SubscriptionTier identifies a named subscription plan.
type SubscriptionTier string

const (
	TierLiteUser   SubscriptionTier = "LITE_USER"
	TierBasic      SubscriptionTier = "BASIC_TIER"
	TierStandard   SubscriptionTier = "STANDARD_TIER"
	TierPremium    SubscriptionTier = "PREMIUM_TIER"
	TierBusiness   SubscriptionTier = "BUSINESS_TIER"
	TierEnterprise SubscriptionTier = "ENTERPRISE_TIER"
)

// Subscription statuses.
const (
	SubscriptionStatusActive   = "active"
	SubscriptionStatusInactive = "inactive"
)

// TierLimits bundles the quota and pricing parameters of one subscription tier.
type TierLimits struct {
	MonthlyFee             int64
	IncludedWithdrawals    int
	MaxAmountPerWithdrawal int64
	OverLimitFeePercent    float64
}

// subscriptionLimits is the closed tier table. ENTERPRISE_TIER pricing is
// negotiated per customer; the zero monthly fee here is a placeholder the
// billing flow treats as "contact sales".
var subscriptionLimits = map[SubscriptionTier]TierLimits{
	TierLiteUser:   {MonthlyFee: 0, IncludedWithdrawals: 5, MaxAmountPerWithdrawal: 50_000, OverLimitFeePercent: 2.0},
	TierBasic:      {MonthlyFee: 5_000, IncludedWithdrawals: 15, MaxAmountPerWithdrawal: 300_000, OverLimitFeePercent: 1.8},
	TierStandard:   {MonthlyFee: 15_000, IncludedWithdrawals: 25, MaxAmountPerWithdrawal: 500_000, OverLimitFeePercent: 1.5},
	TierPremium:    {MonthlyFee: 60_000, IncludedWithdrawals: 100, MaxAmountPerWithdrawal: 1_500_000, OverLimitFeePercent: 1.0},
	TierBusiness:   {MonthlyFee: 200_000, IncludedWithdrawals: 500, MaxAmountPerWithdrawal: 5_000_000, OverLimitFeePercent: 0.5},
	TierEnterprise: {MonthlyFee: 0, IncludedWithdrawals: 999_999, MaxAmountPerWithdrawal: 999_999_999, OverLimitFeePercent: 0.25},
}

// LimitsForTier returns the limits of a tier; ok is false for unknown tiers.
func LimitsForTier(tier SubscriptionTier) (TierLimits, bool) {
	limits, ok := subscriptionLimits[tier]
	return limits, ok
}

// Tiers returns every known tier, for validation and listing.
func Tiers() []SubscriptionTier {
	return []SubscriptionTier{
		TierLiteUser, TierBasic, TierStandard,
		TierPremium, TierBusiness, TierEnterprise,
	}
}

// Subscription represents a user's subscription row. Exactly one per user.
// TransactionsUsed is monotonically non-decreasing within a billing period;
// only the billing rollover job resets it to zero.
type Subscription struct {
	ID                     uuid.UUID        `json:"id"`
	UserID                 uuid.UUID        `json:"user_id"`
	Tier                   SubscriptionTier `json:"tier"`
	MonthlyFee             int64            `json:"monthly_fee"`
	TransactionLimit       int              `json:"transaction_limit"`
	TransactionsUsed       int              `json:"transactions_used"`
	MaxAmountPerWithdrawal int64            `json:"max_amount_per_withdrawal"`
	OverLimitFeePercent    float64          `json:"over_limit_fee_percent"`
	CurrentPeriodStart     time.Time        `json:"current_period_start"`
	CurrentPeriodEnd       time.Time        `json:"current_period_end"`
	NextBillingDate        time.Time        `json:"next_billing_date"`
	Status                 string           `json:"status"`
	CreatedAt              time.Time        `json:"created_at"`
	UpdatedAt              time.Time        `json:"updated_at"`
}

// RemainingFreeWithdrawals reports how many fee-free withdrawals are left in
// the current billing period, floored at zero.
func (s *Subscription) RemainingFreeWithdrawals() int {
	remaining := s.TransactionLimit - s.TransactionsUsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// SubscriptionPayment records one billing attempt against a subscription. Tier
// is the plan being purchased, applied to the subscription only when the
// gateway confirms the payment.
type SubscriptionPayment struct {
	ID               uuid.UUID        `json:"id"`
	SubscriptionID   uuid.UUID        `json:"subscription_id"`
	UserID           uuid.UUID        `json:"user_id"`
	Tier             SubscriptionTier `json:"tier"`
	Amount           int64            `json:"amount"`
	Status           string           `json:"status"` // PENDING, COMPLETED, FAILED
	PaymentMethod    string           `json:"payment_method"`
	GatewayReference *string          `json:"gateway_reference,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// Subscription payment statuses.
const (
	PaymentStatusPending   = "PENDING"
	PaymentStatusCompleted = "COMPLETED"
	PaymentStatusFailed    = "FAILED"
)
