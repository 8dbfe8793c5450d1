/**
 * @description
 * This file implements the withdrawal token lifecycle: issuance with a
 * collision-retried random code and QR payload, verification, redemption by a
 * field agent, cancellation by the owner, and the token listings.
 *
 * Concurrency note: verification is advisory only. The status-guarded update
 * inside the store's RedeemTokenAtomic is what guarantees a token pays out at
 * most once; everything before it exists to give callers good error messages.
 */

package app

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/cashflowconnect/withdrawal-service/internal/domain"
	"github.com/cashflowconnect/withdrawal-service/internal/store"
	"github.com/cashflowconnect/withdrawal-service/pkg/rabbitmq"
)

const (
	tokenAlphabet     = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	tokenCodeLength   = 12
	referenceLength   = 8
	tokenIssueRetries = 3
	defaultListLimit  = 50
	maxListLimit      = 200
)

// randomCode returns a length-n string over the token alphabet using the
// crypto/rand source.
func randomCode(n int) (string, error) {
	max := big.NewInt(int64(len(tokenAlphabet)))
	code := make([]byte, n)
	for i := range code {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to draw random index: %w", err)
		}
		code[i] = tokenAlphabet[idx.Int64()]
	}
	return string(code), nil
}

// IssueToken creates and persists a PENDING withdrawal token for a committed
// withdrawal transaction. Code collisions are retried with a fresh code.
func (s *Service) IssueToken(ctx context.Context, userID uuid.UUID, transactionID *uuid.UUID, amount int64) (*domain.WithdrawalToken, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.TokenValidity)

	var token *domain.WithdrawalToken
	for attempt := 0; attempt < tokenIssueRetries; attempt++ {
		code, err := randomCode(tokenCodeLength)
		if err != nil {
			return nil, err
		}

		candidate := &domain.WithdrawalToken{
			ID:            uuid.New(),
			UserID:        userID,
			TransactionID: transactionID,
			Token:         code,
			QRPayload: domain.QRPayload{
				Token:     code,
				Amount:    amount,
				UserID:    userID.String(),
				ExpiresAt: expiresAt.UTC().Format(time.RFC3339),
				Type:      domain.QRPayloadType,
				Version:   domain.QRPayloadVersion,
			},
			Amount:    amount,
			Status:    domain.TokenStatusPending,
			ExpiresAt: expiresAt,
			CreatedAt: now,
		}

		err = s.repo.CreateWithdrawalToken(ctx, candidate)
		if err == nil {
			token = candidate
			break
		}
		if errors.Is(err, store.ErrTokenCodeConflict) {
			log.Printf("level=warn component=service msg=\"token code collision; retrying\" attempt=%d", attempt+1)
			continue
		}
		return nil, fmt.Errorf("failed to persist withdrawal token: %w", err)
	}
	if token == nil {
		return nil, fmt.Errorf("failed to issue withdrawal token after %d attempts: %w", tokenIssueRetries, store.ErrTokenCodeConflict)
	}

	s.notify(ctx, domain.Notification{
		UserID:  userID,
		Type:    domain.NotificationTokenGenerated,
		Title:   "Withdrawal token generated",
		Message: fmt.Sprintf("Your withdrawal token %s is valid until %s.", token.Token, token.ExpiresAt.UTC().Format(time.RFC3339)),
		Data:    map[string]any{"token_id": token.ID.String(), "amount": amount},
	}, rabbitmq.RoutingKeyTokenGenerated, rabbitmq.TokenEvent{
		TokenID:   token.ID,
		UserID:    userID,
		Amount:    amount,
		Status:    string(token.Status),
		Timestamp: now,
	})

	return token, nil
}

// resolveTokenState maps a stored token's effective status to the caller-facing
// error, persisting the lazy PENDING→EXPIRED transition when needed. A nil
// return means the token is live.
func (s *Service) resolveTokenState(ctx context.Context, token *domain.WithdrawalToken, now time.Time) error {
	switch token.EffectiveStatus(now) {
	case domain.TokenStatusPending:
		return nil
	case domain.TokenStatusExpired:
		if token.Status == domain.TokenStatusPending {
			if err := s.repo.MarkTokenExpired(ctx, token.ID); err != nil {
				log.Printf("level=warn component=service msg=\"failed to persist token expiry\" token_id=%s err=%v", token.ID, err)
			}
			token.Status = domain.TokenStatusExpired
		}
		return ErrTokenExpired
	case domain.TokenStatusRedeemed:
		return ErrTokenAlreadyRedeemed
	case domain.TokenStatusCancelled:
		return ErrTokenCancelled
	default:
		return fmt.Errorf("token %s is in unexpected status %s", token.ID, token.Status)
	}
}

// VerifyToken looks up a token by code on behalf of an agent and reports
// whether it can be paid out, with the owner's name for the confirmation
// screen.
func (s *Service) VerifyToken(ctx context.Context, code string) (*domain.TokenDetail, error) {
	detail, err := s.repo.FindTokenByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := s.resolveTokenState(ctx, &detail.Token, time.Now()); err != nil {
		return nil, err
	}
	return detail, nil
}

// RedeemToken performs the cash payout: the agent user presents a token code,
// and on success the token is REDEEMED, the linked withdrawal transaction is
// COMPLETED, and the agent's running totals (count, amount, commission) are
// incremented, all atomically.
func (s *Service) RedeemToken(ctx context.Context, agentUserID uuid.UUID, code string, location *string) (*domain.RedemptionResult, error) {
	agent, err := s.repo.FindAgentByUserID(ctx, agentUserID)
	if err != nil {
		return nil, err
	}
	if agent.Status != domain.AgentStatusActive {
		return nil, store.ErrAgentInactive
	}

	detail, err := s.repo.FindTokenByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if err := s.resolveTokenState(ctx, &detail.Token, now); err != nil {
		return nil, err
	}

	token := detail.Token
	redeemLocation := location
	if redeemLocation == nil && agent.Location != "" {
		loc := agent.Location
		redeemLocation = &loc
	}
	commission := roundHalfUpPercent(token.Amount, s.cfg.AgentCommissionPercent)

	err = s.repo.RedeemTokenAtomic(ctx, store.RedeemTokenParams{
		TokenID:       token.ID,
		TransactionID: token.TransactionID,
		AgentID:       agent.ID,
		Amount:        token.Amount,
		Commission:    commission,
		Location:      redeemLocation,
		RedeemedAt:    now,
	})
	if err != nil {
		// A concurrent redeem or cancel won the race between our read and the
		// guarded update.
		if errors.Is(err, store.ErrTokenNotPending) {
			return nil, ErrTokenAlreadyRedeemed
		}
		return nil, err
	}

	token.Status = domain.TokenStatusRedeemed
	token.AgentID = &agent.ID
	token.RedeemedAt = &now
	token.RedeemedLocation = redeemLocation

	var transaction *domain.Transaction
	if token.TransactionID != nil {
		transaction, err = s.repo.FindTransactionByID(ctx, *token.TransactionID)
		if err != nil {
			log.Printf("level=warn component=service msg=\"failed to reload completed transaction\" transaction_id=%s err=%v", *token.TransactionID, err)
			transaction = nil
		}
	}

	s.notify(ctx, domain.Notification{
		UserID:  token.UserID,
		Type:    domain.NotificationTokenRedeemed,
		Title:   "Cash withdrawal completed",
		Message: fmt.Sprintf("Your withdrawal of %d was paid out by agent %s.", token.Amount, agent.AgentCode),
		Data:    map[string]any{"token_id": token.ID.String(), "agent_code": agent.AgentCode},
	}, rabbitmq.RoutingKeyTokenRedeemed, rabbitmq.TokenEvent{
		TokenID:   token.ID,
		UserID:    token.UserID,
		Amount:    token.Amount,
		Status:    string(token.Status),
		Timestamp: now,
	})

	return &domain.RedemptionResult{
		Token:       token,
		Transaction: transaction,
		Commission:  commission,
		Message:     "Token redeemed successfully.",
	}, nil
}

// CancelToken cancels the caller's own PENDING token and its linked
// transaction.
func (s *Service) CancelToken(ctx context.Context, userID, tokenID uuid.UUID) (*domain.WithdrawalToken, error) {
	return s.repo.CancelTokenAtomic(ctx, tokenID, userID, time.Now())
}

// clampListLimit maps an absent or out-of-range limit onto the default.
func clampListLimit(limit int) int {
	if limit <= 0 || limit > maxListLimit {
		return defaultListLimit
	}
	return limit
}

// ListUserTokens returns the caller's tokens, newest first. Stored-PENDING
// tokens past expiry are reported as EXPIRED without a write.
func (s *Service) ListUserTokens(ctx context.Context, userID uuid.UUID, limit int) ([]domain.WithdrawalToken, error) {
	tokens, err := s.repo.ListTokensByUserID(ctx, userID, clampListLimit(limit))
	if err != nil {
		return nil, err
	}
	now := time.Now()
	for i := range tokens {
		tokens[i].Status = tokens[i].EffectiveStatus(now)
	}
	return tokens, nil
}

// ListAgentTokens returns the redemption history of the calling agent user.
func (s *Service) ListAgentTokens(ctx context.Context, agentUserID uuid.UUID, limit int) ([]domain.WithdrawalToken, error) {
	agent, err := s.repo.FindAgentByUserID(ctx, agentUserID)
	if err != nil {
		return nil, err
	}
	return s.repo.ListTokensByAgentID(ctx, agent.ID, clampListLimit(limit))
}
