/**
 * @description
 * This file implements subscription purchase and billing. Paid tiers are
 * charged through the mobile money collections API: a PENDING payment row is
 * created alongside a request-to-pay, and the subscription is activated only
 * once the gateway confirms the charge. The free tier activates immediately.
 */

package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cashflowconnect/withdrawal-service/internal/domain"
	"github.com/cashflowconnect/withdrawal-service/internal/store"
	"github.com/cashflowconnect/withdrawal-service/pkg/rabbitmq"
)

// subscriptionActivatedEvent is the payload published on subscription.activated.
type subscriptionActivatedEvent struct {
	UserID    uuid.UUID               `json:"user_id"`
	Tier      domain.SubscriptionTier `json:"tier"`
	Timestamp time.Time               `json:"timestamp"`
}

// GetSubscription returns the caller's subscription row.
func (s *Service) GetSubscription(ctx context.Context, userID uuid.UUID) (*domain.Subscription, error) {
	return s.repo.FindSubscriptionByUserID(ctx, userID)
}

// newSubscriptionForTier builds a fresh one-month subscription row from the
// tier table.
func newSubscriptionForTier(userID uuid.UUID, tier domain.SubscriptionTier, limits domain.TierLimits, now time.Time) *domain.Subscription {
	return &domain.Subscription{
		ID:                     uuid.New(),
		UserID:                 userID,
		Tier:                   tier,
		MonthlyFee:             limits.MonthlyFee,
		TransactionLimit:       limits.IncludedWithdrawals,
		TransactionsUsed:       0,
		MaxAmountPerWithdrawal: limits.MaxAmountPerWithdrawal,
		OverLimitFeePercent:    limits.OverLimitFeePercent,
		CurrentPeriodStart:     now,
		CurrentPeriodEnd:       now.AddDate(0, 1, 0),
		NextBillingDate:        now.AddDate(0, 1, 0),
		Status:                 domain.SubscriptionStatusActive,
	}
}

// PurchaseSubscription starts a subscription purchase. The free tier is
// activated immediately and the returned payment is nil. Paid tiers return a
// PENDING payment whose gateway reference the client polls via
// ConfirmSubscriptionPayment; the subscription is untouched until then.
func (s *Service) PurchaseSubscription(ctx context.Context, userID uuid.UUID, tier domain.SubscriptionTier, msisdn string) (*domain.Subscription, *domain.SubscriptionPayment, error) {
	limits, ok := domain.LimitsForTier(tier)
	if !ok {
		return nil, nil, ErrUnknownTier
	}
	if tier == domain.TierEnterprise {
		// Enterprise pricing is negotiated, not self-service.
		return nil, nil, ErrTierNotPurchasable
	}

	now := time.Now()

	if limits.MonthlyFee == 0 {
		sub, err := s.repo.UpsertSubscription(ctx, newSubscriptionForTier(userID, tier, limits, now))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to activate free subscription: %w", err)
		}
		s.notifySubscriptionActivated(ctx, userID, tier, now)
		return sub, nil, nil
	}

	// Paid tier: the payment row references the existing subscription when one
	// exists, otherwise the id the subscription will be created under.
	subscriptionID := uuid.New()
	if existing, err := s.repo.FindSubscriptionByUserID(ctx, userID); err == nil {
		subscriptionID = existing.ID
	}

	gatewayReference := uuid.New().String()
	payment := &domain.SubscriptionPayment{
		ID:               uuid.New(),
		SubscriptionID:   subscriptionID,
		UserID:           userID,
		Tier:             tier,
		Amount:           limits.MonthlyFee,
		Status:           domain.PaymentStatusPending,
		PaymentMethod:    "MOBILE_MONEY",
		GatewayReference: &gatewayReference,
	}
	if err := s.repo.CreateSubscriptionPayment(ctx, payment); err != nil {
		return nil, nil, fmt.Errorf("failed to record subscription payment: %w", err)
	}

	note := fmt.Sprintf("%s subscription", tier)
	if err := s.momoClient.RequestToPay(ctx, gatewayReference, msisdn, s.cfg.Currency, limits.MonthlyFee, note); err != nil {
		if updErr := s.repo.UpdateSubscriptionPaymentStatus(ctx, payment.ID, domain.PaymentStatusFailed, nil); updErr != nil {
			return nil, nil, fmt.Errorf("failed to mark payment failed after gateway error: %v (gateway error: %w)", updErr, err)
		}
		return nil, nil, fmt.Errorf("failed to initiate mobile money charge: %w", err)
	}

	return nil, payment, nil
}

// ConfirmSubscriptionPayment polls the gateway for a pending payment and, on a
// successful charge, activates the purchased tier with a fresh billing period.
func (s *Service) ConfirmSubscriptionPayment(ctx context.Context, userID uuid.UUID, gatewayReference string) (*domain.Subscription, error) {
	payment, err := s.repo.FindSubscriptionPaymentByReference(ctx, gatewayReference)
	if err != nil {
		return nil, err
	}
	if payment.UserID != userID {
		return nil, store.ErrPaymentNotFound
	}
	if payment.Status == domain.PaymentStatusCompleted {
		return s.repo.FindSubscriptionByUserID(ctx, userID)
	}

	status, err := s.momoClient.GetPaymentStatus(ctx, gatewayReference)
	if err != nil {
		return nil, fmt.Errorf("failed to query payment status: %w", err)
	}

	switch status.Status {
	case "SUCCESSFUL":
		// fall through to activation below
	case "FAILED":
		if err := s.repo.UpdateSubscriptionPaymentStatus(ctx, payment.ID, domain.PaymentStatusFailed, nil); err != nil {
			return nil, fmt.Errorf("failed to mark payment failed: %w", err)
		}
		return nil, ErrPaymentNotConfirmed
	default:
		return nil, ErrPaymentNotConfirmed
	}

	limits, ok := domain.LimitsForTier(payment.Tier)
	if !ok {
		return nil, ErrUnknownTier
	}

	now := time.Now()
	sub := newSubscriptionForTier(userID, payment.Tier, limits, now)
	sub.ID = payment.SubscriptionID
	activated, err := s.repo.UpsertSubscription(ctx, sub)
	if err != nil {
		return nil, fmt.Errorf("failed to activate subscription: %w", err)
	}
	if err := s.repo.UpdateSubscriptionPaymentStatus(ctx, payment.ID, domain.PaymentStatusCompleted, nil); err != nil {
		return nil, fmt.Errorf("failed to mark payment completed: %w", err)
	}

	s.notifySubscriptionActivated(ctx, userID, payment.Tier, now)
	return activated, nil
}

func (s *Service) notifySubscriptionActivated(ctx context.Context, userID uuid.UUID, tier domain.SubscriptionTier, now time.Time) {
	s.notify(ctx, domain.Notification{
		UserID:  userID,
		Type:    domain.NotificationSubscriptionActivated,
		Title:   "Subscription activated",
		Message: fmt.Sprintf("Your %s subscription is now active.", tier),
		Data:    map[string]any{"tier": string(tier)},
	}, rabbitmq.RoutingKeySubscriptionActivated, subscriptionActivatedEvent{
		UserID:    userID,
		Tier:      tier,
		Timestamp: now,
	})
}

// RenewDueSubscriptions rolls every subscription whose billing date has passed
// into a new period, resetting the usage counter. Returns how many rows moved.
func (s *Service) RenewDueSubscriptions(ctx context.Context, now time.Time) (int64, error) {
	return s.repo.RollOverDueSubscriptions(ctx, now)
}

// ExpireStaleTokens bulk-expires overdue PENDING tokens. Returns how many rows
// moved.
func (s *Service) ExpireStaleTokens(ctx context.Context, now time.Time) (int64, error) {
	return s.repo.ExpireStaleTokens(ctx, now)
}
