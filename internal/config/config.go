/**
 * @description
 * This package handles the configuration management for the ledger-service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

const maxFeeBPS = 10000

// Config holds all the configuration variables for the ledger-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort            string `mapstructure:"SERVER_PORT"`
	DatabaseURL           string `mapstructure:"DATABASE_URL"`
	StoreDriver           string `mapstructure:"STORE_DRIVER"`
	AutoMigrate           bool   `mapstructure:"AUTO_MIGRATE"`
	RedisURL              string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix  string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RateLimitPerMinute    int    `mapstructure:"RATE_LIMIT_PER_MINUTE"`
	RabbitMQURL           string `mapstructure:"RABBITMQ_URL"`
	EventExchange         string `mapstructure:"EVENT_EXCHANGE"`
	GatewayStatusQueue    string `mapstructure:"GATEWAY_STATUS_QUEUE"`
	JWTSecret             string `mapstructure:"JWT_SECRET"`
	TokenTTLMinutes       int    `mapstructure:"TOKEN_TTL_MINUTES"`
	InternalAPIKey        string `mapstructure:"INTERNAL_API_KEY"`
	GatewayServerKey      string `mapstructure:"GATEWAY_SERVER_KEY"`
	GatewayBaseURL        string `mapstructure:"GATEWAY_BASE_URL"`
	GatewaySnapURL        string `mapstructure:"GATEWAY_SNAP_URL"`
	DefaultCurrency       string `mapstructure:"DEFAULT_CURRENCY"`
	MinTransactionAmount  int64  `mapstructure:"MIN_TRANSACTION_AMOUNT"`
	MaxTransactionAmount  int64  `mapstructure:"MAX_TRANSACTION_AMOUNT"`
	AutoApproveThreshold  int64  `mapstructure:"AUTO_APPROVE_THRESHOLD"`
	TransactionFeeBPS     int64  `mapstructure:"TRANSACTION_FEE_BPS"`
	AllowOverdraft        bool   `mapstructure:"ALLOW_OVERDRAFT"`
	MaintenanceMode       bool   `mapstructure:"MAINTENANCE_MODE"`
	PendingExpiryMinutes  int    `mapstructure:"PENDING_EXPIRY_MINUTES"`
	ExpiryJobSchedule     string `mapstructure:"EXPIRY_JOB_SCHEDULE"`
	ReconcileJobSchedule  string `mapstructure:"RECONCILE_JOB_SCHEDULE"`
	ReconcileAfterMinutes int    `mapstructure:"RECONCILE_AFTER_MINUTES"`
	TokenCleanupSchedule  string `mapstructure:"TOKEN_CLEANUP_SCHEDULE"`
	CORSAllowedOrigins    string `mapstructure:"CORS_ALLOWED_ORIGINS"`
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

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("STORE_DRIVER", "postgres")
	viper.SetDefault("AUTO_MIGRATE", true)
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "ledger:rate_limit")
	viper.SetDefault("RATE_LIMIT_PER_MINUTE", 60)
	viper.SetDefault("EVENT_EXCHANGE", "ledger.events")
	viper.SetDefault("GATEWAY_STATUS_QUEUE", "ledger_service.gateway_status")
	viper.SetDefault("TOKEN_TTL_MINUTES", 1440)
	viper.SetDefault("GATEWAY_BASE_URL", "https://api.sandbox.midtrans.com")
	viper.SetDefault("GATEWAY_SNAP_URL", "https://app.sandbox.midtrans.com/snap/v1")
	viper.SetDefault("DEFAULT_CURRENCY", "IDR")
	viper.SetDefault("MIN_TRANSACTION_AMOUNT", 10000)
	viper.SetDefault("MAX_TRANSACTION_AMOUNT", 10000000)
	viper.SetDefault("AUTO_APPROVE_THRESHOLD", 100000)
	viper.SetDefault("TRANSACTION_FEE_BPS", 250)
	viper.SetDefault("ALLOW_OVERDRAFT", false)
	viper.SetDefault("MAINTENANCE_MODE", false)
	viper.SetDefault("PENDING_EXPIRY_MINUTES", 1440)
	viper.SetDefault("EXPIRY_JOB_SCHEDULE", "@every 5m")
	viper.SetDefault("RECONCILE_JOB_SCHEDULE", "@every 10m")
	viper.SetDefault("RECONCILE_AFTER_MINUTES", 5)
	viper.SetDefault("TOKEN_CLEANUP_SCHEDULE", "@hourly")
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "https://*,http://*")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("STORE_DRIVER")
	_ = viper.BindEnv("AUTO_MIGRATE")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "LEDGER_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENT_EXCHANGE")
	_ = viper.BindEnv("GATEWAY_STATUS_QUEUE")
	_ = viper.BindEnv("JWT_SECRET")
	_ = viper.BindEnv("TOKEN_TTL_MINUTES")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "LEDGER_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("GATEWAY_SERVER_KEY", "GATEWAY_SERVER_KEY", "MIDTRANS_SERVER_KEY")
	_ = viper.BindEnv("GATEWAY_BASE_URL")
	_ = viper.BindEnv("GATEWAY_SNAP_URL")
	_ = viper.BindEnv("DEFAULT_CURRENCY")
	_ = viper.BindEnv("MIN_TRANSACTION_AMOUNT")
	_ = viper.BindEnv("MAX_TRANSACTION_AMOUNT")
	_ = viper.BindEnv("AUTO_APPROVE_THRESHOLD")
	_ = viper.BindEnv("TRANSACTION_FEE_BPS")
	_ = viper.BindEnv("TRANSACTION_FEE_PERCENTAGE")
	_ = viper.BindEnv("ALLOW_OVERDRAFT")
	_ = viper.BindEnv("MAINTENANCE_MODE")
	_ = viper.BindEnv("PENDING_EXPIRY_MINUTES")
	_ = viper.BindEnv("EXPIRY_JOB_SCHEDULE")
	_ = viper.BindEnv("RECONCILE_JOB_SCHEDULE")
	_ = viper.BindEnv("RECONCILE_AFTER_MINUTES")
	_ = viper.BindEnv("TOKEN_CLEANUP_SCHEDULE")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
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
	config.StoreDriver = strings.ToLower(strings.TrimSpace(config.StoreDriver))
	if config.StoreDriver != "memory" {
		config.StoreDriver = "postgres"
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "ledger:rate_limit"
	}
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	config.GatewayServerKey = strings.TrimSpace(config.GatewayServerKey)
	config.DefaultCurrency = strings.ToUpper(strings.TrimSpace(config.DefaultCurrency))
	if config.DefaultCurrency == "" {
		config.DefaultCurrency = "IDR"
	}

	// TRANSACTION_FEE_PERCENTAGE is accepted in percent (2.5 => 250 bps) when no bps value is given.
	bpsGiven := strings.TrimSpace(os.Getenv("TRANSACTION_FEE_BPS")) != "" || viper.InConfig("TRANSACTION_FEE_BPS")
	if percentStr := strings.TrimSpace(viper.GetString("TRANSACTION_FEE_PERCENTAGE")); percentStr != "" && !bpsGiven {
		percent, parseErr := strconv.ParseFloat(percentStr, 64)
		if parseErr != nil {
			log.Printf("level=warn component=config msg=\"invalid TRANSACTION_FEE_PERCENTAGE\" value=%q err=%v", percentStr, parseErr)
		} else {
			config.TransactionFeeBPS = int64(math.Round(percent * 100))
		}
	}
	if config.TransactionFeeBPS < 0 {
		log.Printf("level=warn component=config msg=\"negative transaction fee configured; coercing to zero\" fee_bps=%d", config.TransactionFeeBPS)
		config.TransactionFeeBPS = 0
	}
	if config.TransactionFeeBPS > maxFeeBPS {
		log.Printf("level=warn component=config msg=\"transaction fee too high; capping at 100 percent\" fee_bps=%d", config.TransactionFeeBPS)
		config.TransactionFeeBPS = maxFeeBPS
	}

	if config.MinTransactionAmount <= 0 {
		config.MinTransactionAmount = 1
	}
	if config.MaxTransactionAmount < config.MinTransactionAmount {
		log.Printf("level=warn component=config msg=\"max transaction amount below min; raising to min\" min=%d max=%d", config.MinTransactionAmount, config.MaxTransactionAmount)
		config.MaxTransactionAmount = config.MinTransactionAmount
	}
	if config.AutoApproveThreshold < 0 {
		config.AutoApproveThreshold = 0
	}

	if config.TokenTTLMinutes <= 0 {
		config.TokenTTLMinutes = 1440
	}
	if config.PendingExpiryMinutes <= 0 {
		config.PendingExpiryMinutes = 1440
	}
	if config.ReconcileAfterMinutes <= 0 {
		config.ReconcileAfterMinutes = 5
	}
	if config.RateLimitPerMinute <= 0 {
		config.RateLimitPerMinute = 60
	}

	return
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS into its entries.
func (c Config) AllowedOrigins() []string {
	var origins []string
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	return origins
}
