/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the withdrawal-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                 string  `mapstructure:"SERVER_PORT"`
	DatabaseURL                string  `mapstructure:"DATABASE_URL"`
	RedisURL                   string  `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix       string  `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL                string  `mapstructure:"RABBITMQ_URL"`
	AuthJWTSecret              string  `mapstructure:"AUTH_JWT_SECRET"`
	MomoAPIBaseURL             string  `mapstructure:"MOMO_API_BASE_URL"`
	MomoAPIKey                 string  `mapstructure:"MOMO_API_KEY"`
	MomoSubscriptionKey        string  `mapstructure:"MOMO_SUBSCRIPTION_KEY"`
	Currency                   string  `mapstructure:"CURRENCY"`
	TokenValidityHours         int     `mapstructure:"TOKEN_VALIDITY_HOURS"`
	MinWithdrawalAmount        int64   `mapstructure:"MIN_WITHDRAWAL_AMOUNT"`
	MinOverLimitFee            int64   `mapstructure:"MIN_OVER_LIMIT_FEE"`
	AgentCommissionPercent     float64 `mapstructure:"AGENT_COMMISSION_PERCENT"`
	TokenVerifyLimitPerMinute  int     `mapstructure:"TOKEN_VERIFY_RATE_LIMIT_PER_MINUTE"`
	TokenRedeemLimitPerMinute  int     `mapstructure:"TOKEN_REDEEM_RATE_LIMIT_PER_MINUTE"`
	SubscriptionRenewalJobCron string  `mapstructure:"SUBSCRIPTION_RENEWAL_JOB_SCHEDULE"`
	TokenExpiryJobCron         string  `mapstructure:"TOKEN_EXPIRY_JOB_SCHEDULE"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "cashflow:rate_limit")
	viper.SetDefault("CURRENCY", "UGX")
	viper.SetDefault("TOKEN_VALIDITY_HOURS", 24)
	viper.SetDefault("MIN_WITHDRAWAL_AMOUNT", 1000)
	viper.SetDefault("MIN_OVER_LIMIT_FEE", 500)
	viper.SetDefault("AGENT_COMMISSION_PERCENT", 1.0)
	viper.SetDefault("TOKEN_VERIFY_RATE_LIMIT_PER_MINUTE", 30)
	viper.SetDefault("TOKEN_REDEEM_RATE_LIMIT_PER_MINUTE", 10)
	// Renewal shortly after midnight; token sweep every ten minutes.
	viper.SetDefault("SUBSCRIPTION_RENEWAL_JOB_SCHEDULE", "15 0 * * *")
	viper.SetDefault("TOKEN_EXPIRY_JOB_SCHEDULE", "*/10 * * * *")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "WITHDRAWAL_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("AUTH_JWT_SECRET")
	_ = viper.BindEnv("MOMO_API_BASE_URL")
	_ = viper.BindEnv("MOMO_API_KEY")
	_ = viper.BindEnv("MOMO_SUBSCRIPTION_KEY")
	_ = viper.BindEnv("CURRENCY")
	_ = viper.BindEnv("TOKEN_VALIDITY_HOURS")
	_ = viper.BindEnv("MIN_WITHDRAWAL_AMOUNT")
	_ = viper.BindEnv("MIN_OVER_LIMIT_FEE")
	_ = viper.BindEnv("AGENT_COMMISSION_PERCENT")
	_ = viper.BindEnv("TOKEN_VERIFY_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("TOKEN_REDEEM_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("SUBSCRIPTION_RENEWAL_JOB_SCHEDULE")
	_ = viper.BindEnv("TOKEN_EXPIRY_JOB_SCHEDULE")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "cashflow:rate_limit"
	}

	if config.TokenValidityHours <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive token validity configured; using default\" hours=%d", config.TokenValidityHours)
		config.TokenValidityHours = 24
	}
	if config.MinWithdrawalAmount <= 0 {
		config.MinWithdrawalAmount = 1000
	}
	if config.MinOverLimitFee < 0 {
		log.Printf("level=warn component=config msg=\"negative minimum fee configured; coercing to zero\" fee=%d", config.MinOverLimitFee)
		config.MinOverLimitFee = 0
	}
	if config.AgentCommissionPercent < 0 {
		log.Printf("level=warn component=config msg=\"negative agent commission configured; coercing to zero\" percent=%f", config.AgentCommissionPercent)
		config.AgentCommissionPercent = 0
	}
	if config.AgentCommissionPercent > 100 {
		log.Printf("level=warn component=config msg=\"agent commission too high; capping at 100\" percent=%f", config.AgentCommissionPercent)
		config.AgentCommissionPercent = 100
	}
	if config.TokenVerifyLimitPerMinute <= 0 {
		config.TokenVerifyLimitPerMinute = 30
	}
	if config.TokenRedeemLimitPerMinute <= 0 {
		config.TokenRedeemLimitPerMinute = 10
	}

	return
}
