/**
 * @description
 * This file contains the core business logic wiring for the withdrawal-service.
 * The `Service` struct orchestrates fee calculation, withdrawal initiation,
 * token lifecycle, and subscription billing, coordinating between the database
 * repository, the mobile money collections client, and the message broker.
 *
 * @dependencies
 * - context, errors, log, time: Standard Go libraries.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/rabbitmq: For event publication.
 */

package app

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/cashflowconnect/withdrawal-service/internal/domain"
	"github.com/cashflowconnect/withdrawal-service/internal/store"
	"github.com/cashflowconnect/withdrawal-service/pkg/momoclient"
	"github.com/cashflowconnect/withdrawal-service/pkg/rabbitmq"
)

// Defaults for the policy knobs. Config may override them at startup.
const (
	DefaultTokenValidity          = 24 * time.Hour
	DefaultMinWithdrawalAmount    = 1_000 // UGX
	DefaultMinOverLimitFee        = 500   // UGX
	DefaultAgentCommissionPercent = 1.0
)

var (
	ErrInvalidAmount        = errors.New("amount must be greater than zero")
	ErrUnknownTier          = errors.New("unknown subscription tier")
	ErrTierNotPurchasable   = errors.New("tier is not self-service purchasable")
	ErrTokenExpired         = errors.New("withdrawal token has expired")
	ErrTokenAlreadyRedeemed = errors.New("withdrawal token has already been redeemed")
	ErrTokenCancelled       = errors.New("withdrawal token has been cancelled")
	ErrPaymentNotConfirmed  = errors.New("subscription payment is not confirmed")
)

// MomoAPI is the slice of the mobile money client the service uses. The
// concrete *momoclient.Client satisfies it; tests substitute stubs.
type MomoAPI interface {
	RequestToPay(ctx context.Context, referenceID, msisdn, currency string, amount int64, note string) error
	GetPaymentStatus(ctx context.Context, referenceID string) (*momoclient.PaymentStatusResponse, error)
}

// ServiceConfig carries the tunable policy knobs.
type ServiceConfig struct {
	TokenValidity          time.Duration
	MinWithdrawalAmount    int64
	MinOverLimitFee        int64
	AgentCommissionPercent float64
	Currency               string
}

func (c ServiceConfig) withDefaults() ServiceConfig {
	if c.TokenValidity <= 0 {
		c.TokenValidity = DefaultTokenValidity
	}
	if c.MinWithdrawalAmount <= 0 {
		c.MinWithdrawalAmount = DefaultMinWithdrawalAmount
	}
	if c.MinOverLimitFee <= 0 {
		c.MinOverLimitFee = DefaultMinOverLimitFee
	}
	if c.AgentCommissionPercent <= 0 {
		c.AgentCommissionPercent = DefaultAgentCommissionPercent
	}
	if c.Currency == "" {
		c.Currency = "UGX"
	}
	return c
}

// Service provides the core business logic for withdrawals.
type Service struct {
	repo          store.Repository
	eventProducer rabbitmq.Publisher
	momoClient    MomoAPI
	cfg           ServiceConfig
}

// NewService creates a new withdrawal service instance.
func NewService(repo store.Repository, producer rabbitmq.Publisher, momo MomoAPI, cfg ServiceConfig) *Service {
	return &Service{
		repo:          repo,
		eventProducer: producer,
		momoClient:    momo,
		cfg:           cfg.withDefaults(),
	}
}

// notify persists an in-app notification and publishes the matching broker
// event. Both are best-effort: failures are logged and never surfaced to the
// caller, because the money movement has already been committed.
func (s *Service) notify(ctx context.Context, notification domain.Notification, routingKey string, event interface{}) {
	if err := s.repo.CreateNotification(ctx, notification); err != nil {
		log.Printf("level=warn component=service msg=\"notification persist failed\" user_id=%s type=%s err=%v",
			notification.UserID, notification.Type, err)
	}
	if err := s.eventProducer.Publish(ctx, rabbitmq.EventsExchange, routingKey, event); err != nil {
		log.Printf("level=warn component=service msg=\"event publish failed\" routing_key=%s err=%v", routingKey, err)
	}
}
