package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v3"

	"github.com/cashflowconnect/withdrawal-service/internal/domain"
)

func newMockRepo(t *testing.T) (pgxmock.PgxPoolIface, *PostgresRepository) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create mock pool: %v", err)
	}
	t.Cleanup(mock.Close)
	return mock, NewPostgresRepository(mock)
}

func TestFindSubscriptionByUserID_NotFound(t *testing.T) {
	mock, repo := newMockRepo(t)
	userID := uuid.New()

	mock.ExpectQuery("SELECT (.+) FROM subscriptions WHERE user_id").
		WithArgs(userID).
		WillReturnError(pgx.ErrNoRows)

	_, err := repo.FindSubscriptionByUserID(context.Background(), userID)
	if !errors.Is(err, ErrSubscriptionNotFound) {
		t.Fatalf("expected ErrSubscriptionNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestFindSubscriptionByUserID_Found(t *testing.T) {
	mock, repo := newMockRepo(t)
	userID := uuid.New()
	now := time.Now()

	rows := pgxmock.NewRows([]string{
		"id", "user_id", "tier", "monthly_fee", "transaction_limit", "transactions_used",
		"max_amount_per_withdrawal", "over_limit_fee_percent", "current_period_start",
		"current_period_end", "next_billing_date", "status", "created_at", "updated_at",
	}).AddRow(
		uuid.New(), userID, domain.TierBasic, int64(5000), 15, 3,
		int64(300000), 1.8, now, now.AddDate(0, 1, 0), now.AddDate(0, 1, 0),
		domain.SubscriptionStatusActive, now, now,
	)

	mock.ExpectQuery("SELECT (.+) FROM subscriptions WHERE user_id").
		WithArgs(userID).
		WillReturnRows(rows)

	sub, err := repo.FindSubscriptionByUserID(context.Background(), userID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sub.Tier != domain.TierBasic {
		t.Errorf("expected tier %s, got %s", domain.TierBasic, sub.Tier)
	}
	if sub.RemainingFreeWithdrawals() != 12 {
		t.Errorf("expected 12 remaining free withdrawals, got %d", sub.RemainingFreeWithdrawals())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestCreateWithdrawalAtomic_ConsumesQuota(t *testing.T) {
	mock, repo := newMockRepo(t)
	userID := uuid.New()
	txRecord := &domain.Transaction{
		ID:          uuid.New(),
		UserID:      userID,
		Type:        domain.TransactionTypeWithdrawal,
		Amount:      20000,
		Fee:         0,
		TotalAmount: 20000,
		Status:      domain.TransactionStatusPending,
		Reference:   "A1B2C3D4",
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO transactions").
		WithArgs(txRecord.ID, userID, txRecord.Type, txRecord.Amount, txRecord.Fee,
			txRecord.TotalAmount, txRecord.Status, txRecord.Reference).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE subscriptions SET transactions_used = transactions_used \\+ 1").
		WithArgs(userID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO audit_logs").
		WithArgs(pgxmock.AnyArg(), userID, "WITHDRAWAL_INITIATED", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	audit := domain.AuditEntry{UserID: userID, Action: "WITHDRAWAL_INITIATED", Details: map[string]any{"amount": 20000}}
	if err := repo.CreateWithdrawalAtomic(context.Background(), txRecord, true, audit); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestCreateWithdrawalAtomic_MissingSubscriptionRollsBack(t *testing.T) {
	mock, repo := newMockRepo(t)
	userID := uuid.New()
	txRecord := &domain.Transaction{
		ID: uuid.New(), UserID: userID, Type: domain.TransactionTypeWithdrawal,
		Amount: 20000, TotalAmount: 20000, Status: domain.TransactionStatusPending, Reference: "A1B2C3D4",
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO transactions").
		WithArgs(txRecord.ID, userID, txRecord.Type, txRecord.Amount, txRecord.Fee,
			txRecord.TotalAmount, txRecord.Status, txRecord.Reference).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE subscriptions SET transactions_used = transactions_used \\+ 1").
		WithArgs(userID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	audit := domain.AuditEntry{UserID: userID, Action: "WITHDRAWAL_INITIATED"}
	err := repo.CreateWithdrawalAtomic(context.Background(), txRecord, true, audit)
	if !errors.Is(err, ErrSubscriptionNotFound) {
		t.Fatalf("expected ErrSubscriptionNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestCreateWithdrawalToken_CodeConflict(t *testing.T) {
	mock, repo := newMockRepo(t)
	token := &domain.WithdrawalToken{
		ID:     uuid.New(),
		UserID: uuid.New(),
		Token:  "ABC123DEF456",
		Status: domain.TokenStatusPending,
	}

	mock.ExpectExec("INSERT INTO withdrawal_tokens").
		WithArgs(token.ID, token.UserID, token.TransactionID, token.Token,
			pgxmock.AnyArg(), token.Amount, token.Status, token.ExpiresAt).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	err := repo.CreateWithdrawalToken(context.Background(), token)
	if !errors.Is(err, ErrTokenCodeConflict) {
		t.Fatalf("expected ErrTokenCodeConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRedeemTokenAtomic_Success(t *testing.T) {
	mock, repo := newMockRepo(t)
	transactionID := uuid.New()
	location := "Kampala Road"
	params := RedeemTokenParams{
		TokenID:       uuid.New(),
		TransactionID: &transactionID,
		AgentID:       uuid.New(),
		Amount:        30000,
		Commission:    300,
		Location:      &location,
		RedeemedAt:    time.Now(),
	}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM agents WHERE id = \\$1 FOR UPDATE").
		WithArgs(params.AgentID).
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow(domain.AgentStatusActive))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE withdrawal_tokens")).
		WithArgs(params.TokenID, params.AgentID, params.RedeemedAt, params.Location).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE transactions")).
		WithArgs(transactionID, params.RedeemedAt, params.AgentID, params.Location).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE agents")).
		WithArgs(params.AgentID, params.Amount, params.Commission).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	if err := repo.RedeemTokenAtomic(context.Background(), params); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRedeemTokenAtomic_TokenNotPending(t *testing.T) {
	mock, repo := newMockRepo(t)
	params := RedeemTokenParams{
		TokenID:    uuid.New(),
		AgentID:    uuid.New(),
		Amount:     30000,
		Commission: 300,
		RedeemedAt: time.Now(),
	}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM agents WHERE id = \\$1 FOR UPDATE").
		WithArgs(params.AgentID).
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow(domain.AgentStatusActive))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE withdrawal_tokens")).
		WithArgs(params.TokenID, params.AgentID, params.RedeemedAt, params.Location).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	err := repo.RedeemTokenAtomic(context.Background(), params)
	if !errors.Is(err, ErrTokenNotPending) {
		t.Fatalf("expected ErrTokenNotPending, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRedeemTokenAtomic_InactiveAgent(t *testing.T) {
	mock, repo := newMockRepo(t)
	params := RedeemTokenParams{
		TokenID:    uuid.New(),
		AgentID:    uuid.New(),
		RedeemedAt: time.Now(),
	}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM agents WHERE id = \\$1 FOR UPDATE").
		WithArgs(params.AgentID).
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow(domain.AgentStatusSuspended))
	mock.ExpectRollback()

	err := repo.RedeemTokenAtomic(context.Background(), params)
	if !errors.Is(err, ErrAgentInactive) {
		t.Fatalf("expected ErrAgentInactive, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func tokenRow(tokenID, userID uuid.UUID, status domain.TokenStatus, expiresAt time.Time) *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "user_id", "transaction_id", "token", "qr_payload", "amount", "status",
		"expires_at", "agent_id", "redeemed_at", "redeemed_location", "created_at",
	}).AddRow(
		tokenID, userID, nil, "ABC123DEF456", []byte(`{"token":"ABC123DEF456","version":"1.0"}`),
		int64(20000), status, expiresAt, nil, nil, nil, time.Now(),
	)
}

func TestCancelTokenAtomic_Success(t *testing.T) {
	mock, repo := newMockRepo(t)
	tokenID := uuid.New()
	userID := uuid.New()
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM withdrawal_tokens WHERE id = \\$1 FOR UPDATE").
		WithArgs(tokenID).
		WillReturnRows(tokenRow(tokenID, userID, domain.TokenStatusPending, now.Add(time.Hour)))
	mock.ExpectExec("UPDATE withdrawal_tokens SET status = 'CANCELLED'").
		WithArgs(tokenID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	token, err := repo.CancelTokenAtomic(context.Background(), tokenID, userID, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token.Status != domain.TokenStatusCancelled {
		t.Errorf("expected CANCELLED status, got %s", token.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestCancelTokenAtomic_ExpiredPersistsAndRejects(t *testing.T) {
	mock, repo := newMockRepo(t)
	tokenID := uuid.New()
	userID := uuid.New()
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM withdrawal_tokens WHERE id = \\$1 FOR UPDATE").
		WithArgs(tokenID).
		WillReturnRows(tokenRow(tokenID, userID, domain.TokenStatusPending, now.Add(-time.Minute)))
	mock.ExpectExec("UPDATE withdrawal_tokens SET status = 'EXPIRED'").
		WithArgs(tokenID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	_, err := repo.CancelTokenAtomic(context.Background(), tokenID, userID, now)
	if !errors.Is(err, ErrTokenNotCancellable) {
		t.Fatalf("expected ErrTokenNotCancellable, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestCancelTokenAtomic_WrongOwner(t *testing.T) {
	mock, repo := newMockRepo(t)
	tokenID := uuid.New()
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM withdrawal_tokens WHERE id = \\$1 FOR UPDATE").
		WithArgs(tokenID).
		WillReturnRows(tokenRow(tokenID, uuid.New(), domain.TokenStatusPending, now.Add(time.Hour)))
	mock.ExpectRollback()

	_, err := repo.CancelTokenAtomic(context.Background(), tokenID, uuid.New(), now)
	if !errors.Is(err, ErrTokenNotCancellable) {
		t.Fatalf("expected ErrTokenNotCancellable, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestExpireStaleTokens_ReportsCount(t *testing.T) {
	mock, repo := newMockRepo(t)
	now := time.Now()

	mock.ExpectExec("UPDATE withdrawal_tokens SET status = 'EXPIRED'").
		WithArgs(now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))

	count, err := repo.ExpireStaleTokens(context.Background(), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 3 {
		t.Errorf("expected 3 expired tokens, got %d", count)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
