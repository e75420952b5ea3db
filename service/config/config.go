package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr string
	LogLevel   string

	// Bearer token required on /api/v1 routes
	APIAuthToken string

	// Database configuration
	DatabaseURL string

	// Redis configuration (cache store and trade lock store)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Cache / dedup configuration
	CacheTTL     time.Duration
	TradeLockTTL time.Duration

	// Bittensor chain gateway
	ChainRPCURL      string
	WalletName       string
	WalletHotkey     string
	DefaultNetuid    int64
	DefaultHotkey    string
	ChainCallTimeout time.Duration

	// Sentiment collaborators
	DaturaAPIKey string
	ChutesAPIKey string
	ChutesModel  string

	// Trade sizing policy: amount = |score| * TradeUnitRao, capped at MaxTradeRao.
	// Amounts are in rao (1 TAO = 1e9 rao).
	TradeUnitRao int64
	MaxTradeRao  int64

	// Temporal configuration
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string

	// NATS configuration
	NATSURL string
}

// Load reads configuration from environment variables and validates all required fields.
// Returns an error if any required configuration is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	// Server configuration
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.APIAuthToken = os.Getenv("API_AUTH_TOKEN")
	if cfg.APIAuthToken == "" {
		errs = append(errs, fmt.Errorf("API_AUTH_TOKEN is required"))
	}

	// Database configuration
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DATABASE_URL is required"))
	}

	// Redis configuration
	cfg.RedisAddr = getEnvOrDefault("REDIS_ADDR", "localhost:6379")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	redisDB, err := parseInt("REDIS_DB", 0)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.RedisDB = redisDB
	}

	// Cache / dedup configuration
	cacheTTL, err := parseDuration("CACHE_TTL", "120s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.CacheTTL = cacheTTL
	}

	lockTTL, err := parseDuration("TRADE_LOCK_TTL", "10m")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.TradeLockTTL = lockTTL
	}

	// Chain gateway configuration
	cfg.ChainRPCURL = os.Getenv("CHAIN_RPC_URL")
	if cfg.ChainRPCURL == "" {
		errs = append(errs, fmt.Errorf("CHAIN_RPC_URL is required"))
	}
	cfg.WalletName = getEnvOrDefault("BT_WALLET_NAME", "default")
	cfg.WalletHotkey = getEnvOrDefault("BT_WALLET_HOTKEY", "default")

	defaultNetuid, err := parseInt64("DEFAULT_NETUID", 18)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.DefaultNetuid = defaultNetuid
	}
	cfg.DefaultHotkey = os.Getenv("DEFAULT_HOTKEY")
	if cfg.DefaultHotkey == "" {
		errs = append(errs, fmt.Errorf("DEFAULT_HOTKEY is required"))
	}

	chainTimeout, err := parseDuration("CHAIN_CALL_TIMEOUT", "30s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.ChainCallTimeout = chainTimeout
	}

	// Sentiment collaborators
	cfg.DaturaAPIKey = os.Getenv("DATURA_API_KEY")
	if cfg.DaturaAPIKey == "" {
		errs = append(errs, fmt.Errorf("DATURA_API_KEY is required"))
	}
	cfg.ChutesAPIKey = os.Getenv("CHUTES_API_KEY")
	if cfg.ChutesAPIKey == "" {
		errs = append(errs, fmt.Errorf("CHUTES_API_KEY is required"))
	}
	cfg.ChutesModel = getEnvOrDefault("CHUTES_MODEL", "unsloth/Llama-3.2-3B-Instruct")

	// Trade sizing policy
	tradeUnit, err := parseInt64("TRADE_UNIT_RAO", 10_000_000) // 0.01 TAO per sentiment point
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.TradeUnitRao = tradeUnit
	}
	maxTrade, err := parseInt64("MAX_TRADE_RAO", 1_000_000_000) // 1 TAO
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.MaxTradeRao = maxTrade
	}

	// Temporal configuration
	cfg.TemporalHost = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "taoflow-trades")

	// NATS configuration
	cfg.NATSURL = getEnvOrDefault("NATS_URL", "nats://localhost:4222")

	// Cross-field validation
	if cfg.TradeLockTTL <= cfg.CacheTTL {
		errs = append(errs, fmt.Errorf("TRADE_LOCK_TTL (%v) must exceed CACHE_TTL (%v)",
			cfg.TradeLockTTL, cfg.CacheTTL))
	}
	if cfg.TradeUnitRao <= 0 {
		errs = append(errs, fmt.Errorf("TRADE_UNIT_RAO must be positive"))
	}
	if cfg.MaxTradeRao < cfg.TradeUnitRao {
		errs = append(errs, fmt.Errorf("MAX_TRADE_RAO (%d) cannot be less than TRADE_UNIT_RAO (%d)",
			cfg.MaxTradeRao, cfg.TradeUnitRao))
	}

	// Return all validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for server initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.APIAuthToken == "" {
		errs = append(errs, fmt.Errorf("APIAuthToken is required"))
	}

	if c.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DatabaseURL is required"))
	}

	if c.ChainRPCURL == "" {
		errs = append(errs, fmt.Errorf("ChainRPCURL is required"))
	}

	if c.DefaultHotkey == "" {
		errs = append(errs, fmt.Errorf("DefaultHotkey is required"))
	}

	if c.TemporalHost == "" {
		errs = append(errs, fmt.Errorf("TemporalHost is required"))
	}

	if c.TemporalNamespace == "" {
		errs = append(errs, fmt.Errorf("TemporalNamespace is required"))
	}

	if c.TemporalTaskQueue == "" {
		errs = append(errs, fmt.Errorf("TemporalTaskQueue is required"))
	}

	if c.CacheTTL < time.Second {
		errs = append(errs, fmt.Errorf("CacheTTL must be at least 1 second"))
	}

	if c.TradeLockTTL <= c.CacheTTL {
		errs = append(errs, fmt.Errorf("TradeLockTTL must exceed CacheTTL"))
	}

	if c.TradeUnitRao <= 0 {
		errs = append(errs, fmt.Errorf("TradeUnitRao must be positive"))
	}

	if c.MaxTradeRao < c.TradeUnitRao {
		errs = append(errs, fmt.Errorf("MaxTradeRao cannot be less than TradeUnitRao"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}

// parseInt64 parses a 64-bit integer from an environment variable or uses a default.
func parseInt64(key string, defaultValue int64) (int64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}
