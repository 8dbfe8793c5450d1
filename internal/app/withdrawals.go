/**
 * @description
 * This file implements the withdrawal orchestration: running the fee
 * calculation, committing the PENDING transaction together with the quota
 * consumption and audit entry, and issuing the withdrawal token.
 *
 * Token issuance failure after the transaction has committed is deliberately
 * non-fatal: the money record exists, so the result reports TokenIssued=false
 * and support can re-issue instead of the user losing the withdrawal.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/cashflowconnect/withdrawal-service/internal/domain"
	"github.com/cashflowconnect/withdrawal-service/internal/store"
	"github.com/cashflowconnect/withdrawal-service/pkg/rabbitmq"
)

// withdrawalInitiatedEvent is the payload published on withdrawal.initiated.
type withdrawalInitiatedEvent struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	UserID        uuid.UUID `json:"user_id"`
	Amount        int64     `json:"amount"`
	Fee           int64     `json:"fee"`
	Reference     string    `json:"reference"`
	Timestamp     time.Time `json:"timestamp"`
}

// ProcessWithdrawal runs the full withdrawal initiation: calculation, atomic
// commit of the PENDING transaction (with quota consumption for fee-free
// withdrawals and an audit entry), and token issuance.
//
// A calculation rejection is not an error: the result carries the rejection
// reason and nothing is written.
func (s *Service) ProcessWithdrawal(ctx context.Context, userID uuid.UUID, req domain.WithdrawalRequest) (*domain.WithdrawalResult, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	sub, err := s.repo.FindSubscriptionByUserID(ctx, userID)
	if err != nil && !errors.Is(err, store.ErrSubscriptionNotFound) {
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}

	calc := calculateWithdrawal(sub, req.Amount, s.cfg.MinWithdrawalAmount, s.cfg.MinOverLimitFee)
	if !calc.CanWithdraw {
		return &domain.WithdrawalResult{Calculation: calc, Message: calc.Message}, nil
	}

	reference, err := randomCode(referenceLength)
	if err != nil {
		return nil, err
	}

	txRecord := &domain.Transaction{
		ID:          uuid.New(),
		UserID:      userID,
		Type:        domain.TransactionTypeWithdrawal,
		Amount:      calc.Amount,
		Fee:         calc.FeeAmount,
		TotalAmount: calc.Amount + calc.FeeAmount,
		Status:      domain.TransactionStatusPending,
		Reference:   reference,
	}

	audit := domain.AuditEntry{
		UserID: userID,
		Action: "WITHDRAWAL_INITIATED",
		Details: map[string]any{
			"transaction_id": txRecord.ID.String(),
			"amount":         calc.Amount,
			"fee":            calc.FeeAmount,
			"fee_free":       calc.IsFeeFree,
			"reference":      reference,
		},
	}

	// Fee-free withdrawals consume one slot of the subscription quota; paid
	// ones leave the counter alone.
	if err := s.repo.CreateWithdrawalAtomic(ctx, txRecord, calc.IsFeeFree, audit); err != nil {
		return nil, fmt.Errorf("failed to commit withdrawal: %w", err)
	}

	if err := s.eventProducer.Publish(ctx, rabbitmq.EventsExchange, rabbitmq.RoutingKeyWithdrawalInitiated, withdrawalInitiatedEvent{
		TransactionID: txRecord.ID,
		UserID:        userID,
		Amount:        txRecord.Amount,
		Fee:           txRecord.Fee,
		Reference:     reference,
		Timestamp:     time.Now(),
	}); err != nil {
		log.Printf("level=warn component=service msg=\"withdrawal event publish failed\" transaction_id=%s err=%v", txRecord.ID, err)
	}

	result := &domain.WithdrawalResult{
		Calculation: calc,
		Transaction: txRecord,
	}

	token, err := s.IssueToken(ctx, userID, &txRecord.ID, calc.Amount)
	if err != nil {
		log.Printf("level=error component=service msg=\"token issuance failed after withdrawal commit\" transaction_id=%s err=%v", txRecord.ID, err)
		result.TokenIssued = false
		result.Message = "Withdrawal recorded, but token generation failed. Contact support to have a token issued."
		return result, nil
	}

	result.Token = token
	result.TokenIssued = true
	result.Message = "Withdrawal initiated. Present the token to an agent to collect your cash."
	return result, nil
}

// GetTransaction returns one of the caller's transactions.
func (s *Service) GetTransaction(ctx context.Context, userID, transactionID uuid.UUID) (*domain.Transaction, error) {
	txRecord, err := s.repo.FindTransactionByID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if txRecord.UserID != userID {
		return nil, store.ErrTransactionNotFound
	}
	return txRecord, nil
}
