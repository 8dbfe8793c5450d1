/**
 * @description
 * This file contains the withdrawal fee calculation engine. The calculation is
 * a pure function of the subscription state and the requested amount; it never
 * touches storage, so a preview and the commit path share one code path and
 * cannot disagree.
 *
 * Validation order is fixed: missing subscription, unknown tier, amount above
 * the tier cap, amount below the platform minimum. The first failing check
 * decides the rejection reason.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/cashflowconnect/withdrawal-service/internal/domain"
	"github.com/cashflowconnect/withdrawal-service/internal/store"
)

// roundHalfUpPercent computes amount * percent / 100, rounded half-up to the
// nearest whole currency unit.
func roundHalfUpPercent(amount int64, percent float64) int64 {
	return int64(math.Floor(float64(amount)*percent/100.0 + 0.5))
}

// calculateWithdrawal is the pure fee engine. The subscription may be nil
// (no active subscription). RemainingFreeWithdrawals in the result is reported
// before this withdrawal would consume a slot.
func calculateWithdrawal(sub *domain.Subscription, amount, minAmount, minFee int64) domain.WithdrawalCalculation {
	calc := domain.WithdrawalCalculation{Amount: amount}

	if sub == nil || sub.Status != domain.SubscriptionStatusActive {
		calc.Reason = domain.ReasonNoSubscription
		calc.Message = "No active subscription found. Subscribe to a plan to withdraw."
		return calc
	}

	limits, ok := domain.LimitsForTier(sub.Tier)
	if !ok {
		calc.Reason = domain.ReasonInvalidTier
		calc.Message = fmt.Sprintf("Invalid subscription tier: %s", sub.Tier)
		return calc
	}

	calc.MaxAmountPerWithdrawal = limits.MaxAmountPerWithdrawal
	calc.RemainingFreeWithdrawals = sub.RemainingFreeWithdrawals()

	if amount > limits.MaxAmountPerWithdrawal {
		calc.Reason = domain.ReasonOverMaxAmount
		calc.Message = fmt.Sprintf("Amount exceeds the maximum of %d per withdrawal for your tier.", limits.MaxAmountPerWithdrawal)
		return calc
	}

	if amount < minAmount {
		calc.Reason = domain.ReasonBelowMinimum
		calc.Message = fmt.Sprintf("Minimum withdrawal amount is %d.", minAmount)
		return calc
	}

	calc.CanWithdraw = true
	calc.Reason = domain.ReasonOK

	if calc.RemainingFreeWithdrawals > 0 {
		calc.IsFeeFree = true
		calc.Message = "Free withdrawal available."
		return calc
	}

	fee := roundHalfUpPercent(amount, limits.OverLimitFeePercent)
	if fee < minFee {
		fee = minFee
	}
	calc.FeeAmount = fee
	calc.Message = fmt.Sprintf("Withdrawal fee of %d applies (free withdrawals exhausted).", fee)
	return calc
}

// CalculateWithdrawal previews what a withdrawal of the given amount would
// cost the user right now. It is side-effect free.
func (s *Service) CalculateWithdrawal(ctx context.Context, userID uuid.UUID, amount int64) (*domain.WithdrawalCalculation, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	sub, err := s.repo.FindSubscriptionByUserID(ctx, userID)
	if err != nil && !errors.Is(err, store.ErrSubscriptionNotFound) {
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}

	calc := calculateWithdrawal(sub, amount, s.cfg.MinWithdrawalAmount, s.cfg.MinOverLimitFee)
	return &calc, nil
}
