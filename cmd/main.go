/**
 * @description
 * This is the main entry point for the withdrawal-service. It is responsible for
 * initializing all components of the service, including configuration, database
 * connection, the mobile money client, the message broker, repositories, the
 * core application service, the cron scheduler, and the HTTP server.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/joho/godotenv: Optional .env loading for local development.
 * - internal/api, internal/app, internal/config, internal/jobs, internal/store: Internal packages.
 * - pkg/momoclient, pkg/rabbitmq: External service clients.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/cashflowconnect/withdrawal-service/internal/api"
	"github.com/cashflowconnect/withdrawal-service/internal/app"
	"github.com/cashflowconnect/withdrawal-service/internal/config"
	"github.com/cashflowconnect/withdrawal-service/internal/jobs"
	"github.com/cashflowconnect/withdrawal-service/internal/store"
	"github.com/cashflowconnect/withdrawal-service/pkg/momoclient"
	"github.com/cashflowconnect/withdrawal-service/pkg/rabbitmq"
)

func main() {
	// Load a local .env if present, then the application configuration.
	_ = godotenv.Load()
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.AuthJWTSecret) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"jwt secret must be configured\" env=AUTH_JWT_SECRET")
	}

	log.Printf("level=info component=bootstrap msg=\"starting withdrawal-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Initialize the RabbitMQ producer to publish events. The service only
	// publishes; a missing broker degrades to the no-op fallback.
	var eventProducer rabbitmq.Publisher
	rabbitProducer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		eventProducer = &rabbitmq.EventProducerFallback{}
	} else {
		defer rabbitProducer.Close()
		eventProducer = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Initialize the mobile money collections client for subscription billing.
	momoClient := momoclient.NewClient(cfg.MomoAPIBaseURL, cfg.MomoAPIKey, cfg.MomoSubscriptionKey)

	// Redis is only used for the agent endpoint rate limits; a missing or
	// unreachable Redis disables them rather than blocking startup.
	var redisClient *redis.Client
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; token rate limiting disabled\" env=REDIS_URL")
	} else {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; token rate limiting disabled\" err=%v", parseErr)
		} else {
			redisClient = redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelPing()
			if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; token rate limiting disabled\" err=%v", pingErr)
				redisClient.Close()
				redisClient = nil
			} else {
				defer redisClient.Close()
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
			}
		}
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Initialize the core application service with its dependencies.
	withdrawalService := app.NewService(repository, eventProducer, momoClient, app.ServiceConfig{
		TokenValidity:          time.Duration(cfg.TokenValidityHours) * time.Hour,
		MinWithdrawalAmount:    cfg.MinWithdrawalAmount,
		MinOverLimitFee:        cfg.MinOverLimitFee,
		AgentCommissionPercent: cfg.AgentCommissionPercent,
		Currency:               cfg.Currency,
	})

	// Start the cron scheduler for subscription renewal and the token sweep.
	slogger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	scheduler := jobs.NewScheduler(jobs.NewJobs(withdrawalService, slogger), slogger, jobs.Schedules{
		SubscriptionRenewal: cfg.SubscriptionRenewalJobCron,
		TokenExpiry:         cfg.TokenExpiryJobCron,
	})
	scheduler.Start()
	defer scheduler.Stop()

	// Set up the API handlers and router.
	var limiter api.RateLimiter
	if redisClient != nil {
		limiter = app.NewRedisTokenRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
	}
	handlers := api.NewWithdrawalHandlers(withdrawalService)
	router := api.WithdrawalRoutes(handlers, api.RouterConfig{
		JWTSecret:            cfg.AuthJWTSecret,
		Limiter:              limiter,
		VerifyLimitPerMinute: cfg.TokenVerifyLimitPerMinute,
		RedeemLimitPerMinute: cfg.TokenRedeemLimitPerMinute,
	})

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
