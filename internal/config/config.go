/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * Money-valued settings are written in naira (e.g. "500,000" or "2500.50") and
 * converted to kobo here, so the rest of the service only ever sees int64 kobo.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 * - internal/domain: Exact naira parsing.
 */

package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/transfa/transfer-authorization-service/internal/domain"
)

const (
	defaultServerPort         = "8090"
	defaultRateLimitPrefix    = "transfa:pin_rate_limit"
	defaultPinEventQueue      = "transfer_authorization.pin_events"
	defaultEventsExchange     = "transfa.events"
	defaultMaxSingleNaira     = "500000"
	defaultMaxDailyNaira      = "1000000"
	defaultLedgerTimezone     = "Africa/Lagos"
	defaultSweepSchedule      = "@every 1m"
	defaultCORSAllowedOrigins = "https://*,http://*"
	defaultPaymentTimeoutSecs = 30
	defaultPinMaxAttempts     = 3
	defaultPinLockoutSeconds  = 900
	defaultSessionTTLSeconds  = 300
	defaultEventRatePerMinute = 120
	defaultSubmitPerMinute    = 10
	defaultMaxDailyTransfers  = 20
	defaultPinEventPrefetch   = 10
)

// Config holds all the configuration variables for the transfer-authorization-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                   string `mapstructure:"SERVER_PORT"`
	DatabaseURL                  string `mapstructure:"DATABASE_URL"`
	RedisURL                     string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix         string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	PinEventRateLimitPerMinute   int    `mapstructure:"PIN_EVENT_RATE_LIMIT_PER_MINUTE"`
	PinSubmitRateLimitPerMinute  int    `mapstructure:"PIN_SUBMIT_RATE_LIMIT_PER_MINUTE"`
	RabbitMQURL                  string `mapstructure:"RABBITMQ_URL"`
	PinEventQueue                string `mapstructure:"PIN_EVENT_QUEUE"`
	PinEventPrefetch             int    `mapstructure:"PIN_EVENT_PREFETCH"`
	EventsExchange               string `mapstructure:"EVENTS_EXCHANGE"`
	AnchorAPIBaseURL             string `mapstructure:"ANCHOR_API_BASE_URL"`
	AnchorAPIKey                 string `mapstructure:"ANCHOR_API_KEY"`
	AnchorSourceAccountID        string `mapstructure:"ANCHOR_SOURCE_ACCOUNT_ID"`
	PaymentAPITimeoutSeconds     int    `mapstructure:"PAYMENT_API_TIMEOUT_SECONDS"`
	AdapterJWTSecret             string `mapstructure:"ADAPTER_JWT_SECRET"`
	CORSAllowedOrigins           string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	AccountServiceURL            string `mapstructure:"ACCOUNT_SERVICE_URL"`
	AccountServiceInternalAPIKey string `mapstructure:"ACCOUNT_SERVICE_INTERNAL_API_KEY"`
	InternalAPIKey               string `mapstructure:"INTERNAL_API_KEY"`
	PinMaxAttempts               int    `mapstructure:"PIN_MAX_ATTEMPTS"`
	PinLockoutSeconds            int    `mapstructure:"PIN_LOCKOUT_SECONDS"`
	PinSessionTTLSeconds         int    `mapstructure:"PIN_SESSION_TTL_SECONDS"`
	SessionSweepSchedule         string `mapstructure:"SESSION_SWEEP_SCHEDULE"`
	MaxSingleTransaction         string `mapstructure:"MAX_SINGLE_TRANSACTION"`
	MaxDailyTransactions         int    `mapstructure:"MAX_DAILY_TRANSACTIONS"`
	MaxDailyAmount               string `mapstructure:"MAX_DAILY_AMOUNT"`
	LedgerTimezone               string `mapstructure:"LEDGER_TIMEZONE"`

	// Derived values, filled in after unmarshalling.
	MaxSingleTransactionKobo int64          `mapstructure:"-"`
	MaxDailyAmountKobo       int64          `mapstructure:"-"`
	LedgerLocation           *time.Location `mapstructure:"-"`
}

// PaymentAPITimeout returns the explicit timeout for payment API calls.
func (c Config) PaymentAPITimeout() time.Duration {
	return time.Duration(c.PaymentAPITimeoutSeconds) * time.Second
}

// CORSOrigins splits the comma separated origin list.
func (c Config) CORSOrigins() []string {
	var origins []string
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	return origins
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
	viper.SetDefault("SERVER_PORT", defaultServerPort)
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", defaultRateLimitPrefix)
	viper.SetDefault("PIN_EVENT_RATE_LIMIT_PER_MINUTE", defaultEventRatePerMinute)
	viper.SetDefault("PIN_SUBMIT_RATE_LIMIT_PER_MINUTE", defaultSubmitPerMinute)
	viper.SetDefault("PIN_EVENT_QUEUE", defaultPinEventQueue)
	viper.SetDefault("PIN_EVENT_PREFETCH", defaultPinEventPrefetch)
	viper.SetDefault("EVENTS_EXCHANGE", defaultEventsExchange)
	viper.SetDefault("PAYMENT_API_TIMEOUT_SECONDS", defaultPaymentTimeoutSecs)
	viper.SetDefault("CORS_ALLOWED_ORIGINS", defaultCORSAllowedOrigins)
	viper.SetDefault("PIN_MAX_ATTEMPTS", defaultPinMaxAttempts)
	viper.SetDefault("PIN_LOCKOUT_SECONDS", defaultPinLockoutSeconds)
	viper.SetDefault("PIN_SESSION_TTL_SECONDS", defaultSessionTTLSeconds)
	viper.SetDefault("SESSION_SWEEP_SCHEDULE", defaultSweepSchedule)
	viper.SetDefault("MAX_SINGLE_TRANSACTION", defaultMaxSingleNaira)
	viper.SetDefault("MAX_DAILY_TRANSACTIONS", defaultMaxDailyTransfers)
	viper.SetDefault("MAX_DAILY_AMOUNT", defaultMaxDailyNaira)
	viper.SetDefault("LEDGER_TIMEZONE", defaultLedgerTimezone)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "TRANSFER_AUTH_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("PIN_EVENT_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("PIN_SUBMIT_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("PIN_EVENT_QUEUE")
	_ = viper.BindEnv("PIN_EVENT_PREFETCH")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("ANCHOR_API_BASE_URL")
	_ = viper.BindEnv("ANCHOR_API_KEY")
	_ = viper.BindEnv("ANCHOR_SOURCE_ACCOUNT_ID")
	_ = viper.BindEnv("PAYMENT_API_TIMEOUT_SECONDS")
	_ = viper.BindEnv("ADAPTER_JWT_SECRET")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")
	_ = viper.BindEnv("ACCOUNT_SERVICE_URL")
	_ = viper.BindEnv("ACCOUNT_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("INTERNAL_API_KEY")
	_ = viper.BindEnv("PIN_MAX_ATTEMPTS")
	_ = viper.BindEnv("PIN_LOCKOUT_SECONDS")
	_ = viper.BindEnv("PIN_SESSION_TTL_SECONDS")
	_ = viper.BindEnv("SESSION_SWEEP_SCHEDULE")
	_ = viper.BindEnv("MAX_SINGLE_TRANSACTION")
	_ = viper.BindEnv("MAX_DAILY_TRANSACTIONS")
	_ = viper.BindEnv("MAX_DAILY_AMOUNT")
	_ = viper.BindEnv("LEDGER_TIMEZONE")

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
	config.AccountServiceInternalAPIKey = strings.TrimSpace(config.AccountServiceInternalAPIKey)
	if config.AccountServiceInternalAPIKey == "" {
		config.AccountServiceInternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = defaultRateLimitPrefix
	}
	config.EventsExchange = strings.TrimSpace(config.EventsExchange)
	if config.EventsExchange == "" {
		config.EventsExchange = defaultEventsExchange
	}
	if strings.TrimSpace(config.SessionSweepSchedule) == "" {
		config.SessionSweepSchedule = defaultSweepSchedule
	}

	if config.PaymentAPITimeoutSeconds <= 0 {
		log.Printf("level=warn component=config msg=\"invalid PAYMENT_API_TIMEOUT_SECONDS; using default\" value=%d", config.PaymentAPITimeoutSeconds)
		config.PaymentAPITimeoutSeconds = defaultPaymentTimeoutSecs
	}
	if config.PinMaxAttempts <= 0 {
		config.PinMaxAttempts = defaultPinMaxAttempts
	}
	if config.PinLockoutSeconds <= 0 {
		config.PinLockoutSeconds = defaultPinLockoutSeconds
	}
	if config.PinSessionTTLSeconds <= 0 {
		config.PinSessionTTLSeconds = defaultSessionTTLSeconds
	}
	if config.PinEventPrefetch <= 0 {
		config.PinEventPrefetch = defaultPinEventPrefetch
	}
	if config.PinEventRateLimitPerMinute < 0 {
		config.PinEventRateLimitPerMinute = 0
	}
	if config.PinSubmitRateLimitPerMinute < 0 {
		config.PinSubmitRateLimitPerMinute = 0
	}
	if config.MaxDailyTransactions < 0 {
		log.Printf("level=warn component=config msg=\"negative MAX_DAILY_TRANSACTIONS; disabling the count limit\" value=%d", config.MaxDailyTransactions)
		config.MaxDailyTransactions = 0
	}

	config.MaxSingleTransactionKobo = parseNairaSetting("MAX_SINGLE_TRANSACTION", config.MaxSingleTransaction, defaultMaxSingleNaira)
	config.MaxDailyAmountKobo = parseNairaSetting("MAX_DAILY_AMOUNT", config.MaxDailyAmount, defaultMaxDailyNaira)

	location, locErr := time.LoadLocation(strings.TrimSpace(config.LedgerTimezone))
	if locErr != nil {
		log.Printf("level=warn component=config msg=\"invalid LEDGER_TIMEZONE; using UTC\" value=%q err=%v", config.LedgerTimezone, locErr)
		location = time.UTC
	}
	config.LedgerLocation = location

	return
}

// parseNairaSetting falls back to the default on malformed input. "0" disables the limit.
func parseNairaSetting(key, raw, fallback string) int64 {
	kobo, err := domain.ParseNaira(raw)
	if err == nil {
		return kobo
	}
	log.Printf("level=warn component=config msg=\"invalid naira amount; using default\" key=%s value=%q err=%v", key, raw, err)
	kobo, _ = domain.ParseNaira(fallback)
	return kobo
}
