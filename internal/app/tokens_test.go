package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/cashflowconnect/withdrawal-service/internal/domain"
	"github.com/cashflowconnect/withdrawal-service/internal/store"
	"github.com/cashflowconnect/withdrawal-service/pkg/rabbitmq"
)

// stubPublisher records routing keys without touching a broker.
type stubPublisher struct {
	published []string
}

func (p *stubPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.published = append(p.published, routingKey)
	return nil
}

func (p *stubPublisher) PublishTokenEvent(ctx context.Context, routingKey string, event rabbitmq.TokenEvent) error {
	p.published = append(p.published, routingKey)
	return nil
}

func (p *stubPublisher) Close() {}

type tokenRepoStub struct {
	store.Repository

	createErrs    []error // consumed one per CreateWithdrawalToken call
	createdTokens []*domain.WithdrawalToken

	tokenDetail *domain.TokenDetail
	agent       *domain.Agent
	transaction *domain.Transaction

	redeemParams      *store.RedeemTokenParams
	redeemErr         error
	markExpiredCalled bool
	notifications     []domain.Notification
}

func (s *tokenRepoStub) CreateWithdrawalToken(ctx context.Context, token *domain.WithdrawalToken) error {
	if len(s.createErrs) > 0 {
		err := s.createErrs[0]
		s.createErrs = s.createErrs[1:]
		if err != nil {
			return err
		}
	}
	copied := *token
	s.createdTokens = append(s.createdTokens, &copied)
	return nil
}

func (s *tokenRepoStub) FindTokenByCode(ctx context.Context, code string) (*domain.TokenDetail, error) {
	if s.tokenDetail == nil {
		return nil, store.ErrTokenNotFound
	}
	detail := *s.tokenDetail
	return &detail, nil
}

func (s *tokenRepoStub) FindAgentByUserID(ctx context.Context, userID uuid.UUID) (*domain.Agent, error) {
	if s.agent == nil {
		return nil, store.ErrAgentNotFound
	}
	return s.agent, nil
}

func (s *tokenRepoStub) FindTransactionByID(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error) {
	if s.transaction == nil {
		return nil, store.ErrTransactionNotFound
	}
	return s.transaction, nil
}

func (s *tokenRepoStub) RedeemTokenAtomic(ctx context.Context, params store.RedeemTokenParams) error {
	s.redeemParams = &params
	return s.redeemErr
}

func (s *tokenRepoStub) MarkTokenExpired(ctx context.Context, tokenID uuid.UUID) error {
	s.markExpiredCalled = true
	return nil
}

func (s *tokenRepoStub) CreateNotification(ctx context.Context, notification domain.Notification) error {
	s.notifications = append(s.notifications, notification)
	return nil
}

func newTokenService(repo store.Repository) (*Service, *stubPublisher) {
	publisher := &stubPublisher{}
	return NewService(repo, publisher, nil, ServiceConfig{}), publisher
}

func pendingTokenDetail(amount int64, expiresIn time.Duration) *domain.TokenDetail {
	transactionID := uuid.New()
	return &domain.TokenDetail{
		Token: domain.WithdrawalToken{
			ID:            uuid.New(),
			UserID:        uuid.New(),
			TransactionID: &transactionID,
			Token:         "ABC123DEF456",
			Amount:        amount,
			Status:        domain.TokenStatusPending,
			ExpiresAt:     time.Now().Add(expiresIn),
			CreatedAt:     time.Now(),
		},
		OwnerName: "Okello James",
	}
}

func TestRandomCode(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		code, err := randomCode(tokenCodeLength)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(code) != tokenCodeLength {
			t.Fatalf("expected %d characters, got %d", tokenCodeLength, len(code))
		}
		for _, c := range code {
			if !strings.ContainsRune(tokenAlphabet, c) {
				t.Fatalf("code %q contains character outside alphabet", code)
			}
		}
		seen[code] = true
	}
	if len(seen) < 2 {
		t.Errorf("expected distinct codes across draws")
	}
}

func TestIssueToken(t *testing.T) {
	repo := &tokenRepoStub{}
	svc, publisher := newTokenService(repo)
	userID := uuid.New()
	transactionID := uuid.New()

	before := time.Now()
	token, err := svc.IssueToken(context.Background(), userID, &transactionID, 20_000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(token.Token) != tokenCodeLength {
		t.Errorf("expected %d-character code, got %q", tokenCodeLength, token.Token)
	}
	if token.Status != domain.TokenStatusPending {
		t.Errorf("expected PENDING token, got %s", token.Status)
	}

	wantExpiry := before.Add(DefaultTokenValidity)
	if diff := token.ExpiresAt.Sub(wantExpiry); diff < -time.Minute || diff > time.Minute {
		t.Errorf("expected expiry around %v, got %v", wantExpiry, token.ExpiresAt)
	}

	qr := token.QRPayload
	if qr.Token != token.Token || qr.Amount != 20_000 || qr.UserID != userID.String() {
		t.Errorf("qr payload does not match token: %+v", qr)
	}
	if qr.Type != domain.QRPayloadType || qr.Version != domain.QRPayloadVersion {
		t.Errorf("expected qr type/version %s/%s, got %s/%s", domain.QRPayloadType, domain.QRPayloadVersion, qr.Type, qr.Version)
	}
	if _, err := time.Parse(time.RFC3339, qr.ExpiresAt); err != nil {
		t.Errorf("qr expiresAt is not RFC3339: %q", qr.ExpiresAt)
	}

	if len(repo.notifications) != 1 || repo.notifications[0].Type != domain.NotificationTokenGenerated {
		t.Errorf("expected one TOKEN_GENERATED notification, got %+v", repo.notifications)
	}
	if len(publisher.published) != 1 || publisher.published[0] != "token.generated" {
		t.Errorf("expected token.generated event, got %v", publisher.published)
	}
}

func TestIssueToken_RetriesOnCodeConflict(t *testing.T) {
	repo := &tokenRepoStub{createErrs: []error{store.ErrTokenCodeConflict, nil}}
	svc, _ := newTokenService(repo)

	token, err := svc.IssueToken(context.Background(), uuid.New(), nil, 20_000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(repo.createdTokens) != 1 {
		t.Fatalf("expected exactly one persisted token, got %d", len(repo.createdTokens))
	}
	if repo.createdTokens[0].Token != token.Token {
		t.Errorf("persisted token code does not match returned token")
	}
}

func TestIssueToken_GivesUpAfterRepeatedConflicts(t *testing.T) {
	repo := &tokenRepoStub{createErrs: []error{
		store.ErrTokenCodeConflict, store.ErrTokenCodeConflict, store.ErrTokenCodeConflict,
	}}
	svc, _ := newTokenService(repo)

	_, err := svc.IssueToken(context.Background(), uuid.New(), nil, 20_000)
	if !errors.Is(err, store.ErrTokenCodeConflict) {
		t.Fatalf("expected ErrTokenCodeConflict after exhausted retries, got %v", err)
	}
}

func TestVerifyToken_Pending(t *testing.T) {
	repo := &tokenRepoStub{tokenDetail: pendingTokenDetail(20_000, time.Hour)}
	svc, _ := newTokenService(repo)

	detail, err := svc.VerifyToken(context.Background(), "ABC123DEF456")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if detail.OwnerName != "Okello James" {
		t.Errorf("expected owner name for the confirmation screen, got %q", detail.OwnerName)
	}
	if repo.markExpiredCalled {
		t.Errorf("live token must not be marked expired")
	}
}

func TestVerifyToken_ExpiredPendingIsPersisted(t *testing.T) {
	repo := &tokenRepoStub{tokenDetail: pendingTokenDetail(20_000, -time.Minute)}
	svc, _ := newTokenService(repo)

	_, err := svc.VerifyToken(context.Background(), "ABC123DEF456")
	if !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
	if !repo.markExpiredCalled {
		t.Errorf("expected the expiry to be written back")
	}
}

func TestVerifyToken_TerminalStates(t *testing.T) {
	tests := []struct {
		status  domain.TokenStatus
		wantErr error
	}{
		{domain.TokenStatusRedeemed, ErrTokenAlreadyRedeemed},
		{domain.TokenStatusCancelled, ErrTokenCancelled},
		{domain.TokenStatusExpired, ErrTokenExpired},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			detail := pendingTokenDetail(20_000, time.Hour)
			detail.Token.Status = tt.status
			repo := &tokenRepoStub{tokenDetail: detail}
			svc, _ := newTokenService(repo)

			_, err := svc.VerifyToken(context.Background(), "ABC123DEF456")
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if repo.markExpiredCalled {
				t.Errorf("terminal stored status must not trigger a write-back")
			}
		})
	}
}

func TestRedeemToken(t *testing.T) {
	detail := pendingTokenDetail(30_000, time.Hour)
	agentID := uuid.New()
	repo := &tokenRepoStub{
		tokenDetail: detail,
		agent: &domain.Agent{
			ID:        agentID,
			UserID:    uuid.New(),
			AgentCode: "AGT-0042",
			Status:    domain.AgentStatusActive,
			Location:  "Kampala Road",
		},
		transaction: &domain.Transaction{
			ID:     *detail.Token.TransactionID,
			Status: domain.TransactionStatusCompleted,
		},
	}
	svc, publisher := newTokenService(repo)

	result, err := svc.RedeemToken(context.Background(), repo.agent.UserID, "ABC123DEF456", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if repo.redeemParams == nil {
		t.Fatal("expected RedeemTokenAtomic to be called")
	}
	if repo.redeemParams.AgentID != agentID {
		t.Errorf("expected agent id %s, got %s", agentID, repo.redeemParams.AgentID)
	}
	if repo.redeemParams.Amount != 30_000 {
		t.Errorf("expected amount 30000, got %d", repo.redeemParams.Amount)
	}
	// 1% default commission.
	if repo.redeemParams.Commission != 300 || result.Commission != 300 {
		t.Errorf("expected commission 300, got params=%d result=%d", repo.redeemParams.Commission, result.Commission)
	}
	// No explicit location falls back to the agent's registered one.
	if repo.redeemParams.Location == nil || *repo.redeemParams.Location != "Kampala Road" {
		t.Errorf("expected agent location fallback, got %v", repo.redeemParams.Location)
	}

	if result.Token.Status != domain.TokenStatusRedeemed {
		t.Errorf("expected REDEEMED token in result, got %s", result.Token.Status)
	}
	if result.Transaction == nil || result.Transaction.Status != domain.TransactionStatusCompleted {
		t.Errorf("expected the completed transaction in the result")
	}

	if len(repo.notifications) != 1 || repo.notifications[0].Type != domain.NotificationTokenRedeemed {
		t.Errorf("expected one TOKEN_REDEEMED notification, got %+v", repo.notifications)
	}
	if len(publisher.published) != 1 || publisher.published[0] != "token.redeemed" {
		t.Errorf("expected token.redeemed event, got %v", publisher.published)
	}
}

func TestRedeemToken_LostRaceReportsAlreadyRedeemed(t *testing.T) {
	repo := &tokenRepoStub{
		tokenDetail: pendingTokenDetail(30_000, time.Hour),
		agent:       &domain.Agent{ID: uuid.New(), UserID: uuid.New(), Status: domain.AgentStatusActive},
		redeemErr:   store.ErrTokenNotPending,
	}
	svc, _ := newTokenService(repo)

	_, err := svc.RedeemToken(context.Background(), repo.agent.UserID, "ABC123DEF456", nil)
	if !errors.Is(err, ErrTokenAlreadyRedeemed) {
		t.Fatalf("expected ErrTokenAlreadyRedeemed, got %v", err)
	}
}

func TestRedeemToken_InactiveAgent(t *testing.T) {
	repo := &tokenRepoStub{
		tokenDetail: pendingTokenDetail(30_000, time.Hour),
		agent:       &domain.Agent{ID: uuid.New(), UserID: uuid.New(), Status: domain.AgentStatusSuspended},
	}
	svc, _ := newTokenService(repo)

	_, err := svc.RedeemToken(context.Background(), repo.agent.UserID, "ABC123DEF456", nil)
	if !errors.Is(err, store.ErrAgentInactive) {
		t.Fatalf("expected ErrAgentInactive, got %v", err)
	}
	if repo.redeemParams != nil {
		t.Errorf("inactive agent must not reach the atomic redeem")
	}
}

func TestRedeemToken_ExpiredToken(t *testing.T) {
	repo := &tokenRepoStub{
		tokenDetail: pendingTokenDetail(30_000, -time.Minute),
		agent:       &domain.Agent{ID: uuid.New(), UserID: uuid.New(), Status: domain.AgentStatusActive},
	}
	svc, _ := newTokenService(repo)

	_, err := svc.RedeemToken(context.Background(), repo.agent.UserID, "ABC123DEF456", nil)
	if !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
	if !repo.markExpiredCalled {
		t.Errorf("expected the expiry to be written back")
	}
	if repo.redeemParams != nil {
		t.Errorf("expired token must not reach the atomic redeem")
	}
}
