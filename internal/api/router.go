/**
 * @description
 * This file sets up the HTTP router for the withdrawal-service. It defines the
 * API endpoints, associates them with their corresponding handlers, and applies
 * middleware for logging, panic recovery, CORS, authentication, and the
 * agent-endpoint rate limits.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS middleware.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig carries the router's middleware knobs.
type RouterConfig struct {
	JWTSecret            string
	Limiter              RateLimiter
	VerifyLimitPerMinute int
	RedeemLimitPerMinute int
}

// WithdrawalRoutes creates and returns the router for the withdrawal service.
func WithdrawalRoutes(h *WithdrawalHandlers, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.JWTSecret))

		// Subscriber endpoints.
		r.Post("/withdrawals/calculate", h.CalculateWithdrawalHandler)
		r.Post("/withdrawals", h.CreateWithdrawalHandler)
		r.Get("/tokens", h.ListTokensHandler)
		r.Get("/transactions/{transactionID}", h.GetTransactionHandler)
		r.Post("/tokens/{tokenID}/cancel", h.CancelTokenHandler)
		r.Post("/subscriptions", h.PurchaseSubscriptionHandler)
		r.Post("/subscriptions/confirm", h.ConfirmSubscriptionPaymentHandler)
		r.Get("/subscriptions/me", h.GetSubscriptionHandler)

		// Agent endpoints. Verify and redeem are rate limited per agent to
		// slow token code guessing.
		r.Route("/agent", func(r chi.Router) {
			r.Use(RequireRole(RoleAgent))

			r.With(RateLimitMiddleware(cfg.Limiter, "token_verify", cfg.VerifyLimitPerMinute, time.Minute)).
				Post("/tokens/verify", h.VerifyTokenHandler)
			r.With(RateLimitMiddleware(cfg.Limiter, "token_redeem", cfg.RedeemLimitPerMinute, time.Minute)).
				Post("/tokens/redeem", h.RedeemTokenHandler)
			r.Get("/tokens", h.AgentTokensHandler)
		})
	})

	return r
}
