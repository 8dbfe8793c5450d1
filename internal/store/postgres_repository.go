/**
 * @description
 * PostgreSQL implementation of the Repository interface. All multi-row
 * invariants (withdrawal commit, token redemption, token cancellation) are
 * enforced here with database transactions, row locks, and status-guarded
 * updates; callers never see partial state.
 *
 * @dependencies
 * - context, encoding/json, errors, fmt, time: Standard Go libraries.
 * - github.com/google/uuid: UUID handling.
 * - github.com/jackc/pgx/v5: PostgreSQL driver and transaction primitives.
 * - internal/domain: Domain models.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/cashflowconnect/withdrawal-service/internal/domain"
)

// DBPool is the subset of pgxpool.Pool the repository uses. Tests substitute a
// pgxmock pool for it.
type DBPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresRepository is a concrete implementation of the Repository interface.
type PostgresRepository struct {
	db DBPool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db DBPool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const subscriptionColumns = `id, user_id, tier, monthly_fee, transaction_limit, transactions_used,
	max_amount_per_withdrawal, over_limit_fee_percent, current_period_start, current_period_end,
	next_billing_date, status, created_at, updated_at`

func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := row.Scan(
		&sub.ID, &sub.UserID, &sub.Tier, &sub.MonthlyFee, &sub.TransactionLimit, &sub.TransactionsUsed,
		&sub.MaxAmountPerWithdrawal, &sub.OverLimitFeePercent, &sub.CurrentPeriodStart, &sub.CurrentPeriodEnd,
		&sub.NextBillingDate, &sub.Status, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// FindSubscriptionByUserID fetches the subscription row owned by a user.
func (r *PostgresRepository) FindSubscriptionByUserID(ctx context.Context, userID uuid.UUID) (*domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE user_id = $1`
	sub, err := scanSubscription(r.db.QueryRow(ctx, query, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	return sub, nil
}

// UpsertSubscription creates or replaces the user's subscription row. Used by
// the billing flow on purchase/tier change; the usage counter is carried over
// only when the billing period is unchanged.
func (r *PostgresRepository) UpsertSubscription(ctx context.Context, sub *domain.Subscription) (*domain.Subscription, error) {
	query := `
		INSERT INTO subscriptions (
			id, user_id, tier, monthly_fee, transaction_limit, transactions_used,
			max_amount_per_withdrawal, over_limit_fee_percent, current_period_start,
			current_period_end, next_billing_date, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			tier = EXCLUDED.tier,
			monthly_fee = EXCLUDED.monthly_fee,
			transaction_limit = EXCLUDED.transaction_limit,
			transactions_used = EXCLUDED.transactions_used,
			max_amount_per_withdrawal = EXCLUDED.max_amount_per_withdrawal,
			over_limit_fee_percent = EXCLUDED.over_limit_fee_percent,
			current_period_start = EXCLUDED.current_period_start,
			current_period_end = EXCLUDED.current_period_end,
			next_billing_date = EXCLUDED.next_billing_date,
			status = EXCLUDED.status,
			updated_at = NOW()
		RETURNING ` + subscriptionColumns
	return scanSubscription(r.db.QueryRow(ctx, query,
		sub.ID, sub.UserID, sub.Tier, sub.MonthlyFee, sub.TransactionLimit, sub.TransactionsUsed,
		sub.MaxAmountPerWithdrawal, sub.OverLimitFeePercent, sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd, sub.NextBillingDate, sub.Status,
	))
}

// RollOverDueSubscriptions advances billing periods that have elapsed and
// resets the usage counter for the new period.
func (r *PostgresRepository) RollOverDueSubscriptions(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE subscriptions
		SET transactions_used = 0,
			current_period_start = next_billing_date,
			current_period_end = next_billing_date + INTERVAL '1 month',
			next_billing_date = next_billing_date + INTERVAL '1 month',
			updated_at = NOW()
		WHERE status = 'active' AND next_billing_date <= $1`
	tag, err := r.db.Exec(ctx, query, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// CreateWithdrawalAtomic commits the withdrawal record, the conditional quota
// increment, and the audit entry in one database transaction.
func (r *PostgresRepository) CreateWithdrawalAtomic(ctx context.Context, txRecord *domain.Transaction, consumeQuota bool, audit domain.AuditEntry) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	insertTx := `
		INSERT INTO transactions (id, user_id, type, amount, fee, total_amount, status, reference, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())`
	if _, err := tx.Exec(ctx, insertTx,
		txRecord.ID, txRecord.UserID, txRecord.Type, txRecord.Amount, txRecord.Fee,
		txRecord.TotalAmount, txRecord.Status, txRecord.Reference,
	); err != nil {
		return fmt.Errorf("failed to insert withdrawal transaction: %w", err)
	}

	if consumeQuota {
		tag, err := tx.Exec(ctx,
			`UPDATE subscriptions SET transactions_used = transactions_used + 1, updated_at = NOW() WHERE user_id = $1`,
			txRecord.UserID,
		)
		if err != nil {
			return fmt.Errorf("failed to increment subscription usage: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrSubscriptionNotFound
		}
	}

	details, err := json.Marshal(audit.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal audit details: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO audit_logs (id, user_id, action, details, created_at) VALUES ($1, $2, $3, $4, NOW())`,
		uuid.New(), audit.UserID, audit.Action, details,
	); err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}

	return tx.Commit(ctx)
}

const transactionColumns = `id, user_id, type, amount, fee, total_amount, status, reference,
	agent_id, agent_location, completed_at, created_at, updated_at`

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var t domain.Transaction
	err := row.Scan(
		&t.ID, &t.UserID, &t.Type, &t.Amount, &t.Fee, &t.TotalAmount, &t.Status, &t.Reference,
		&t.AgentID, &t.AgentLocation, &t.CompletedAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// FindTransactionByID fetches a transaction record.
func (r *PostgresRepository) FindTransactionByID(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`
	t, err := scanTransaction(r.db.QueryRow(ctx, query, transactionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return t, nil
}

// CreateWithdrawalToken persists a freshly issued token. The token code column
// carries a unique constraint; a violation maps to ErrTokenCodeConflict so the
// issuer can retry with a new code.
func (r *PostgresRepository) CreateWithdrawalToken(ctx context.Context, token *domain.WithdrawalToken) error {
	payload, err := json.Marshal(token.QRPayload)
	if err != nil {
		return fmt.Errorf("failed to marshal qr payload: %w", err)
	}
	query := `
		INSERT INTO withdrawal_tokens (id, user_id, transaction_id, token, qr_payload, amount, status, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())`
	_, err = r.db.Exec(ctx, query,
		token.ID, token.UserID, token.TransactionID, token.Token, payload,
		token.Amount, token.Status, token.ExpiresAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrTokenCodeConflict
		}
		return err
	}
	return nil
}

const tokenColumns = `id, user_id, transaction_id, token, qr_payload, amount, status,
	expires_at, agent_id, redeemed_at, redeemed_location, created_at`

func scanToken(row pgx.Row) (*domain.WithdrawalToken, error) {
	var t domain.WithdrawalToken
	var payload []byte
	err := row.Scan(
		&t.ID, &t.UserID, &t.TransactionID, &t.Token, &payload, &t.Amount, &t.Status,
		&t.ExpiresAt, &t.AgentID, &t.RedeemedAt, &t.RedeemedLocation, &t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &t.QRPayload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal qr payload: %w", err)
		}
	}
	return &t, nil
}

// FindTokenByCode looks a token up by its code together with the owner's
// display name for agent confirmation.
func (r *PostgresRepository) FindTokenByCode(ctx context.Context, code string) (*domain.TokenDetail, error) {
	query := `
		SELECT t.id, t.user_id, t.transaction_id, t.token, t.qr_payload, t.amount, t.status,
			t.expires_at, t.agent_id, t.redeemed_at, t.redeemed_location, t.created_at, u.name
		FROM withdrawal_tokens t
		JOIN users u ON u.id = t.user_id
		WHERE t.token = $1`
	var detail domain.TokenDetail
	var payload []byte
	err := r.db.QueryRow(ctx, query, code).Scan(
		&detail.Token.ID, &detail.Token.UserID, &detail.Token.TransactionID, &detail.Token.Token,
		&payload, &detail.Token.Amount, &detail.Token.Status, &detail.Token.ExpiresAt,
		&detail.Token.AgentID, &detail.Token.RedeemedAt, &detail.Token.RedeemedLocation,
		&detail.Token.CreatedAt, &detail.OwnerName,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTokenNotFound
		}
		return nil, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &detail.Token.QRPayload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal qr payload: %w", err)
		}
	}
	return &detail, nil
}

// FindTokenByID fetches a token by its id.
func (r *PostgresRepository) FindTokenByID(ctx context.Context, tokenID uuid.UUID) (*domain.WithdrawalToken, error) {
	query := `SELECT ` + tokenColumns + ` FROM withdrawal_tokens WHERE id = $1`
	t, err := scanToken(r.db.QueryRow(ctx, query, tokenID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTokenNotFound
		}
		return nil, err
	}
	return t, nil
}

// MarkTokenExpired persists the lazy PENDING→EXPIRED transition. The status
// guard keeps the single-transition invariant even when two readers race.
func (r *PostgresRepository) MarkTokenExpired(ctx context.Context, tokenID uuid.UUID) error {
	_, err := r.db.Exec(ctx,
		`UPDATE withdrawal_tokens SET status = 'EXPIRED' WHERE id = $1 AND status = 'PENDING'`,
		tokenID,
	)
	return err
}

// ExpireStaleTokens bulk-expires PENDING tokens whose deadline has passed.
// Used by the scheduled sweep; correctness does not depend on it.
func (r *PostgresRepository) ExpireStaleTokens(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE withdrawal_tokens SET status = 'EXPIRED' WHERE status = 'PENDING' AND expires_at <= $1`,
		now,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// RedeemTokenAtomic performs the redemption as one database transaction:
// agent row lock and ACTIVE check, status-guarded token update, linked
// transaction completion, agent total increments. The token-status guard is
// the compare-and-swap that makes concurrent redeems settle as exactly one
// success.
func (r *PostgresRepository) RedeemTokenAtomic(ctx context.Context, params RedeemTokenParams) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var agentStatus string
	err = tx.QueryRow(ctx, `SELECT status FROM agents WHERE id = $1 FOR UPDATE`, params.AgentID).Scan(&agentStatus)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrAgentNotFound
		}
		return fmt.Errorf("failed to lock agent row: %w", err)
	}
	if agentStatus != domain.AgentStatusActive {
		return ErrAgentInactive
	}

	tag, err := tx.Exec(ctx, `
		UPDATE withdrawal_tokens
		SET status = 'REDEEMED', agent_id = $2, redeemed_at = $3, redeemed_location = $4
		WHERE id = $1 AND status = 'PENDING'`,
		params.TokenID, params.AgentID, params.RedeemedAt, params.Location,
	)
	if err != nil {
		return fmt.Errorf("failed to redeem token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTokenNotPending
	}

	if params.TransactionID != nil {
		if _, err := tx.Exec(ctx, `
			UPDATE transactions
			SET status = 'COMPLETED', completed_at = $2, agent_id = $3, agent_location = $4, updated_at = NOW()
			WHERE id = $1`,
			*params.TransactionID, params.RedeemedAt, params.AgentID, params.Location,
		); err != nil {
			return fmt.Errorf("failed to complete transaction: %w", err)
		}
	}

	if _, err := tx.Exec(ctx, `
		UPDATE agents
		SET total_transactions = total_transactions + 1,
			total_amount = total_amount + $2,
			commission_earned = commission_earned + $3,
			updated_at = NOW()
		WHERE id = $1`,
		params.AgentID, params.Amount, params.Commission,
	); err != nil {
		return fmt.Errorf("failed to update agent totals: %w", err)
	}

	return tx.Commit(ctx)
}

// CancelTokenAtomic cancels a token and its linked transaction. Cancellation
// requires ownership and a live PENDING token; an expired token has EXPIRED
// persisted before the rejection is returned so later reads stay consistent.
func (r *PostgresRepository) CancelTokenAtomic(ctx context.Context, tokenID, userID uuid.UUID, now time.Time) (*domain.WithdrawalToken, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `SELECT ` + tokenColumns + ` FROM withdrawal_tokens WHERE id = $1 FOR UPDATE`
	token, err := scanToken(tx.QueryRow(ctx, query, tokenID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTokenNotFound
		}
		return nil, err
	}

	if token.UserID != userID || token.Status != domain.TokenStatusPending {
		return nil, ErrTokenNotCancellable
	}

	if !now.Before(token.ExpiresAt) {
		// Persist the lazy expiry so the rejection and later reads agree.
		if _, err := tx.Exec(ctx,
			`UPDATE withdrawal_tokens SET status = 'EXPIRED' WHERE id = $1 AND status = 'PENDING'`,
			tokenID,
		); err != nil {
			return nil, fmt.Errorf("failed to expire token: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}
		return nil, ErrTokenNotCancellable
	}

	if _, err := tx.Exec(ctx,
		`UPDATE withdrawal_tokens SET status = 'CANCELLED' WHERE id = $1`,
		tokenID,
	); err != nil {
		return nil, fmt.Errorf("failed to cancel token: %w", err)
	}

	if token.TransactionID != nil {
		if _, err := tx.Exec(ctx,
			`UPDATE transactions SET status = 'CANCELLED', updated_at = NOW() WHERE id = $1`,
			*token.TransactionID,
		); err != nil {
			return nil, fmt.Errorf("failed to cancel transaction: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	token.Status = domain.TokenStatusCancelled
	return token, nil
}

func scanTokenRows(rows pgx.Rows) ([]domain.WithdrawalToken, error) {
	defer rows.Close()
	var tokens []domain.WithdrawalToken
	for rows.Next() {
		token, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, *token)
	}
	return tokens, rows.Err()
}

// ListTokensByUserID returns a user's tokens, newest first.
func (r *PostgresRepository) ListTokensByUserID(ctx context.Context, userID uuid.UUID, limit int) ([]domain.WithdrawalToken, error) {
	query := `SELECT ` + tokenColumns + ` FROM withdrawal_tokens WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := r.db.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	return scanTokenRows(rows)
}

// ListTokensByAgentID returns tokens redeemed by an agent, newest first.
func (r *PostgresRepository) ListTokensByAgentID(ctx context.Context, agentID uuid.UUID, limit int) ([]domain.WithdrawalToken, error) {
	query := `SELECT ` + tokenColumns + ` FROM withdrawal_tokens WHERE agent_id = $1 AND status = 'REDEEMED' ORDER BY redeemed_at DESC LIMIT $2`
	rows, err := r.db.Query(ctx, query, agentID, limit)
	if err != nil {
		return nil, err
	}
	return scanTokenRows(rows)
}

const agentColumns = `id, user_id, agent_code, status, location, total_transactions, total_amount, commission_earned, created_at, updated_at`

func scanAgent(row pgx.Row) (*domain.Agent, error) {
	var a domain.Agent
	err := row.Scan(
		&a.ID, &a.UserID, &a.AgentCode, &a.Status, &a.Location,
		&a.TotalTransactions, &a.TotalAmount, &a.CommissionEarned, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// FindAgentByID fetches an agent row.
func (r *PostgresRepository) FindAgentByID(ctx context.Context, agentID uuid.UUID) (*domain.Agent, error) {
	a, err := scanAgent(r.db.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, agentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAgentNotFound
		}
		return nil, err
	}
	return a, nil
}

// FindAgentByUserID resolves the agent row for an authenticated agent user.
func (r *PostgresRepository) FindAgentByUserID(ctx context.Context, userID uuid.UUID) (*domain.Agent, error) {
	a, err := scanAgent(r.db.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE user_id = $1`, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAgentNotFound
		}
		return nil, err
	}
	return a, nil
}

// FindUserByID fetches the minimal user view (display name, phone).
func (r *PostgresRepository) FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	var u domain.User
	err := r.db.QueryRow(ctx, `SELECT id, name, phone FROM users WHERE id = $1`, userID).
		Scan(&u.ID, &u.Name, &u.Phone)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &u, nil
}

// CreateSubscriptionPayment records a billing attempt.
func (r *PostgresRepository) CreateSubscriptionPayment(ctx context.Context, payment *domain.SubscriptionPayment) error {
	query := `
		INSERT INTO subscription_payments (id, subscription_id, user_id, tier, amount, status, payment_method, gateway_reference, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())`
	_, err := r.db.Exec(ctx, query,
		payment.ID, payment.SubscriptionID, payment.UserID, payment.Tier, payment.Amount,
		payment.Status, payment.PaymentMethod, payment.GatewayReference,
	)
	return err
}

// UpdateSubscriptionPaymentStatus moves a billing attempt to its next state.
func (r *PostgresRepository) UpdateSubscriptionPaymentStatus(ctx context.Context, paymentID uuid.UUID, status string, gatewayReference *string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE subscription_payments SET status = $2, gateway_reference = COALESCE($3, gateway_reference), updated_at = NOW() WHERE id = $1`,
		paymentID, status, gatewayReference,
	)
	return err
}

// FindSubscriptionPaymentByReference resolves a billing attempt from the
// gateway's reference, used when confirming payment status.
func (r *PostgresRepository) FindSubscriptionPaymentByReference(ctx context.Context, gatewayReference string) (*domain.SubscriptionPayment, error) {
	var p domain.SubscriptionPayment
	query := `
		SELECT id, subscription_id, user_id, tier, amount, status, payment_method, gateway_reference, created_at, updated_at
		FROM subscription_payments WHERE gateway_reference = $1`
	err := r.db.QueryRow(ctx, query, gatewayReference).Scan(
		&p.ID, &p.SubscriptionID, &p.UserID, &p.Tier, &p.Amount, &p.Status, &p.PaymentMethod,
		&p.GatewayReference, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return &p, nil
}

// CreateNotification persists an in-app notification row.
func (r *PostgresRepository) CreateNotification(ctx context.Context, notification domain.Notification) error {
	data, err := json.Marshal(notification.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal notification data: %w", err)
	}
	id := notification.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	_, err = r.db.Exec(ctx,
		`INSERT INTO notifications (id, user_id, type, title, message, data, created_at) VALUES ($1, $2, $3, $4, $5, $6, NOW())`,
		id, notification.UserID, notification.Type, notification.Title, notification.Message, data,
	)
	return err
}
