/**
 * @description
 * This file contains the HTTP handlers for the withdrawal-service's API
 * endpoints. Handlers parse incoming requests, call the application service,
 * and write the HTTP response with a consistent error envelope of
 * {"error": message, "code": machine_code}.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - github.com/go-chi/chi/v5: URL parameter extraction.
 * - internal/app, internal/domain, internal/store: Service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/cashflowconnect/withdrawal-service/internal/app"
	"github.com/cashflowconnect/withdrawal-service/internal/domain"
	"github.com/cashflowconnect/withdrawal-service/internal/store"
	"github.com/cashflowconnect/withdrawal-service/pkg/momoclient"
)

// Machine-readable error codes in the error envelope.
const (
	codeValidation    = "validation_error"
	codeNotFound      = "not_found"
	codeConflict      = "state_conflict"
	codeLimitExceeded = "limit_exceeded"
	codeDependency    = "dependency_error"
	codeInternal      = "internal_error"
)

// WithdrawalHandlers holds the application service that handlers will use.
type WithdrawalHandlers struct {
	service *app.Service
}

// NewWithdrawalHandlers creates a new instance of WithdrawalHandlers.
func NewWithdrawalHandlers(service *app.Service) *WithdrawalHandlers {
	return &WithdrawalHandlers{service: service}
}

func (h *WithdrawalHandlers) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("level=error component=api msg=\"failed to encode response\" err=%v", err)
	}
}

func (h *WithdrawalHandlers) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, map[string]string{"error": message, "code": code})
}

// handleServiceError maps service and store errors onto HTTP statuses and
// machine codes.
func (h *WithdrawalHandlers) handleServiceError(w http.ResponseWriter, err error) {
	var momoErr *momoclient.ErrorResponse

	switch {
	case errors.Is(err, app.ErrInvalidAmount),
		errors.Is(err, app.ErrUnknownTier),
		errors.Is(err, app.ErrTierNotPurchasable):
		h.writeError(w, http.StatusBadRequest, codeValidation, err.Error())
	case errors.Is(err, store.ErrTokenNotFound),
		errors.Is(err, store.ErrSubscriptionNotFound),
		errors.Is(err, store.ErrTransactionNotFound),
		errors.Is(err, store.ErrAgentNotFound),
		errors.Is(err, store.ErrPaymentNotFound),
		errors.Is(err, store.ErrUserNotFound):
		h.writeError(w, http.StatusNotFound, codeNotFound, err.Error())
	case errors.Is(err, app.ErrTokenExpired):
		h.writeError(w, http.StatusGone, codeConflict, err.Error())
	case errors.Is(err, app.ErrTokenAlreadyRedeemed),
		errors.Is(err, app.ErrTokenCancelled),
		errors.Is(err, app.ErrPaymentNotConfirmed),
		errors.Is(err, store.ErrTokenNotPending),
		errors.Is(err, store.ErrTokenNotCancellable):
		h.writeError(w, http.StatusConflict, codeConflict, err.Error())
	case errors.Is(err, store.ErrAgentInactive):
		h.writeError(w, http.StatusForbidden, codeConflict, err.Error())
	case errors.As(err, &momoErr):
		h.writeError(w, http.StatusBadGateway, codeDependency, "Payment gateway request failed")
	default:
		log.Printf("level=error component=api msg=\"unhandled service error\" err=%v", err)
		h.writeError(w, http.StatusInternalServerError, codeInternal, "Internal server error")
	}
}

func (h *WithdrawalHandlers) userIDFromContext(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, codeInternal, "Could not get user ID from context")
		return uuid.Nil, false
	}
	return userID, true
}

// CalculateWithdrawalHandler previews what a withdrawal would cost without
// committing anything.
func (h *WithdrawalHandlers) CalculateWithdrawalHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userIDFromContext(w, r)
	if !ok {
		return
	}

	var req domain.WithdrawalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, codeValidation, "Invalid request body")
		return
	}

	calc, err := h.service.CalculateWithdrawal(r.Context(), userID, req.Amount)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, calc)
}

// CreateWithdrawalHandler initiates a withdrawal: fee calculation, PENDING
// transaction, and withdrawal token. A calculation rejection returns 200 with
// can_withdraw=false rather than an error status.
func (h *WithdrawalHandlers) CreateWithdrawalHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userIDFromContext(w, r)
	if !ok {
		return
	}

	var req domain.WithdrawalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, codeValidation, "Invalid request body")
		return
	}

	result, err := h.service.ProcessWithdrawal(r.Context(), userID, req)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	if !result.Calculation.CanWithdraw {
		h.writeJSON(w, http.StatusOK, result)
		return
	}
	h.writeJSON(w, http.StatusCreated, result)
}

// listLimitFromQuery parses the optional ?limit= query parameter; the service
// clamps out-of-range values.
func listLimitFromQuery(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0
	}
	limit, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return limit
}

// ListTokensHandler returns the caller's withdrawal tokens, newest first.
func (h *WithdrawalHandlers) ListTokensHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userIDFromContext(w, r)
	if !ok {
		return
	}

	tokens, err := h.service.ListUserTokens(r.Context(), userID, listLimitFromQuery(r))
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	if tokens == nil {
		tokens = []domain.WithdrawalToken{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"tokens": tokens})
}

// CancelTokenHandler cancels one of the caller's PENDING tokens.
func (h *WithdrawalHandlers) CancelTokenHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userIDFromContext(w, r)
	if !ok {
		return
	}

	tokenID, err := uuid.Parse(chi.URLParam(r, "tokenID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, codeValidation, "Invalid token ID")
		return
	}

	token, err := h.service.CancelToken(r.Context(), userID, tokenID)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, token)
}

// GetTransactionHandler returns one of the caller's transactions by id.
func (h *WithdrawalHandlers) GetTransactionHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userIDFromContext(w, r)
	if !ok {
		return
	}

	transactionID, err := uuid.Parse(chi.URLParam(r, "transactionID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, codeValidation, "Invalid transaction ID")
		return
	}

	txRecord, err := h.service.GetTransaction(r.Context(), userID, transactionID)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, txRecord)
}

type tokenCodeRequest struct {
	Token    string  `json:"token"`
	Location *string `json:"location,omitempty"`
}

// VerifyTokenHandler lets an agent check a token before paying out cash.
func (h *WithdrawalHandlers) VerifyTokenHandler(w http.ResponseWriter, r *http.Request) {
	var req tokenCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		h.writeError(w, http.StatusBadRequest, codeValidation, "Token code is required")
		return
	}

	detail, err := h.service.VerifyToken(r.Context(), req.Token)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, detail)
}

// RedeemTokenHandler performs the cash payout for a verified token.
func (h *WithdrawalHandlers) RedeemTokenHandler(w http.ResponseWriter, r *http.Request) {
	agentUserID, ok := h.userIDFromContext(w, r)
	if !ok {
		return
	}

	var req tokenCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		h.writeError(w, http.StatusBadRequest, codeValidation, "Token code is required")
		return
	}

	result, err := h.service.RedeemToken(r.Context(), agentUserID, req.Token, req.Location)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// AgentTokensHandler returns the calling agent's redemption history.
func (h *WithdrawalHandlers) AgentTokensHandler(w http.ResponseWriter, r *http.Request) {
	agentUserID, ok := h.userIDFromContext(w, r)
	if !ok {
		return
	}

	tokens, err := h.service.ListAgentTokens(r.Context(), agentUserID, listLimitFromQuery(r))
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	if tokens == nil {
		tokens = []domain.WithdrawalToken{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"tokens": tokens})
}

type purchaseSubscriptionRequest struct {
	Tier  domain.SubscriptionTier `json:"tier"`
	Phone string                  `json:"phone_number"`
}

// PurchaseSubscriptionHandler starts a subscription purchase. Free tiers
// return the activated subscription; paid tiers return the pending payment to
// poll.
func (h *WithdrawalHandlers) PurchaseSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userIDFromContext(w, r)
	if !ok {
		return
	}

	var req purchaseSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Tier == "" {
		h.writeError(w, http.StatusBadRequest, codeValidation, "Subscription tier is required")
		return
	}

	sub, payment, err := h.service.PurchaseSubscription(r.Context(), userID, req.Tier, req.Phone)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	if sub != nil {
		h.writeJSON(w, http.StatusCreated, map[string]interface{}{"subscription": sub})
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]interface{}{"payment": payment})
}

type confirmPaymentRequest struct {
	GatewayReference string `json:"gateway_reference"`
}

// ConfirmSubscriptionPaymentHandler polls a pending payment and activates the
// purchased tier once the gateway reports success.
func (h *WithdrawalHandlers) ConfirmSubscriptionPaymentHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userIDFromContext(w, r)
	if !ok {
		return
	}

	var req confirmPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.GatewayReference == "" {
		h.writeError(w, http.StatusBadRequest, codeValidation, "Gateway reference is required")
		return
	}

	sub, err := h.service.ConfirmSubscriptionPayment(r.Context(), userID, req.GatewayReference)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"subscription": sub})
}

// GetSubscriptionHandler returns the caller's subscription.
func (h *WithdrawalHandlers) GetSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userIDFromContext(w, r)
	if !ok {
		return
	}

	sub, err := h.service.GetSubscription(r.Context(), userID)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, sub)
}
