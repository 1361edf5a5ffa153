// Package config handles application configuration from environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// ChainConfig describes one monitored EVM chain.
type ChainConfig struct {
	ChainID               int64    `json:"chain_id"`
	RPCURL                string   `json:"rpc_url"`
	TreasuryAddress       string   `json:"treasury_address"`
	TrackedTokenAddresses []string `json:"tracked_token_addresses"`
}

// Config holds all sentinel configuration.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // Postgres connection string (optional, uses in-memory if not set)

	// Settlement wallet (signs outbound USDC payments for the 402 pipeline)
	PrivateKey    string `json:"-"` // hex, with or without 0x prefix — excluded from serialization
	WalletAddress string

	// Chain monitoring
	Chains            []ChainConfig
	USDCBaseAddress   string
	ConfirmationBlocks int

	// Gateway / payment pipeline settings
	GatewayRecipientAddress  string
	MarketDataBaseURL        string
	InvoiceTTLSeconds        int
	SettlementPollIntervalMs int

	// Budget
	BudgetLimitUSDC         string // decimal USDC string, e.g. "10"
	MinimumOperationalUSDC  string // decimal USDC string, e.g. "0.05"

	// Scheduler
	CronExpression     string
	RunTimeoutMs       int
	CooldownMinutes    int
	ShutdownGraceMs    int

	// Liquidity assumptions feeding the metric engine. The sentinel reads
	// HQLA directly off-chain every tick; projected flows and venue
	// liquidity are operator-supplied assumptions no on-chain read can
	// produce.
	MarketDataPair          string // instrument queried at L3+, e.g. "ETH-USD"
	ProjectedOutflowsUSD24h string // decimal USD string
	ProjectedInflowsUSD24h  string // decimal USD string
	AvgDailyVolumeUSD       string // decimal USD string, used for exit half-life

	// Security
	ReceiptHMACSecret string // optional HMAC secret for signed receipts
	AdminSecret       string // admin API secret

	// Database pool settings
	DBMaxOpenConns     int
	DBMaxIdleConns     int
	DBConnMaxLifetime  time.Duration
	DBConnMaxIdleTime  time.Duration
	DBConnectTimeout   int // seconds; loaded only, not added to the Postgres DSN
	DBStatementTimeout int // milliseconds; validated only, not added to the Postgres DSN

	// HTTP server timeouts (admin server)
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RequestTimeout   time.Duration

	// Observability
	OTLPEndpoint string // OpenTelemetry collector endpoint, empty = disabled
}

// Default configuration values, used when the corresponding environment
// variable is unset.
const (
	DefaultPort         = "8080"
	DefaultEnv          = "development"
	DefaultLogLevel     = "info"
	DefaultUSDCBase     = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
	DefaultConfirmation = 3
	DefaultInvoiceTTL   = 900  // seconds
	DefaultPollInterval = 5000 // ms
	DefaultBudgetLimit  = "10"
	DefaultMinOperation = "0.05"
	DefaultCron         = "*/15 * * * *"
	DefaultRunTimeoutMs      = 300_000
	DefaultCooldownMin       = 5
	DefaultShutdownGraceMs   = 30_000
	DefaultMarketDataBaseURL = "https://data.example.com"
	DefaultMarketDataPair    = "ETH-USD"
	DefaultProjectedOutflows = "0"
	DefaultProjectedInflows  = "0"
	DefaultAvgDailyVolume    = "0"

	// Database pool defaults
	DefaultDBMaxOpenConns     = 25
	DefaultDBMaxIdleConns     = 5
	DefaultDBConnMaxLifetime  = 5 * time.Minute
	DefaultDBConnMaxIdleTime  = 3 * time.Minute
	DefaultDBConnectTimeout   = 5
	DefaultDBStatementTimeout = 30000

	// HTTP server timeout defaults
	DefaultHTTPReadTimeout  = 10 * time.Second
	DefaultHTTPWriteTimeout = 30 * time.Second
	DefaultHTTPIdleTimeout  = 60 * time.Second
	DefaultRequestTimeout   = 30 * time.Second
)

// Load reads configuration from environment variables. It loads a .env
// file if present, for local development.
func Load() (*Config, error) {
	_ = godotenv.Load()

	chains, err := parseChains(os.Getenv("SENTINEL_CHAINS"))
	if err != nil {
		return nil, fmt.Errorf("SENTINEL_CHAINS: %w", err)
	}

	cfg := &Config{
		Port:          getEnv("PORT", DefaultPort),
		Env:           getEnv("ENV", DefaultEnv),
		LogLevel:      getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		PrivateKey:    os.Getenv("PRIVATE_KEY"),
		WalletAddress: os.Getenv("WALLET_ADDRESS"),

		Chains:             chains,
		USDCBaseAddress:    getEnv("USDC_BASE_ADDRESS", DefaultUSDCBase),
		ConfirmationBlocks: int(getEnvInt64("CONFIRMATION_BLOCKS", DefaultConfirmation)),

		GatewayRecipientAddress:  os.Getenv("GATEWAY_RECIPIENT_ADDRESS"),
		MarketDataBaseURL:        getEnv("MARKET_DATA_BASE_URL", DefaultMarketDataBaseURL),
		InvoiceTTLSeconds:        int(getEnvInt64("INVOICE_TTL_SECONDS", DefaultInvoiceTTL)),
		SettlementPollIntervalMs: int(getEnvInt64("SETTLEMENT_POLL_INTERVAL_MS", DefaultPollInterval)),

		BudgetLimitUSDC:        getEnv("BUDGET_LIMIT_USDC", DefaultBudgetLimit),
		MinimumOperationalUSDC: getEnv("MINIMUM_OPERATIONAL_USDC", DefaultMinOperation),

		CronExpression:  getEnv("CRON_EXPRESSION", DefaultCron),
		RunTimeoutMs:    int(getEnvInt64("RUN_TIMEOUT_MS", DefaultRunTimeoutMs)),
		CooldownMinutes: int(getEnvInt64("COOLDOWN_MINUTES", DefaultCooldownMin)),
		ShutdownGraceMs: int(getEnvInt64("SHUTDOWN_GRACE_MS", DefaultShutdownGraceMs)),

		MarketDataPair:          getEnv("MARKET_DATA_PAIR", DefaultMarketDataPair),
		ProjectedOutflowsUSD24h: getEnv("PROJECTED_OUTFLOWS_USD_24H", DefaultProjectedOutflows),
		ProjectedInflowsUSD24h:  getEnv("PROJECTED_INFLOWS_USD_24H", DefaultProjectedInflows),
		AvgDailyVolumeUSD:       getEnv("AVG_DAILY_VOLUME_USD", DefaultAvgDailyVolume),

		ReceiptHMACSecret: os.Getenv("RECEIPT_HMAC_SECRET"),
		AdminSecret:       os.Getenv("ADMIN_SECRET"),

		DBMaxOpenConns:     int(getEnvInt64("POSTGRES_MAX_OPEN_CONNS", int64(DefaultDBMaxOpenConns))),
		DBMaxIdleConns:     int(getEnvInt64("POSTGRES_MAX_IDLE_CONNS", int64(DefaultDBMaxIdleConns))),
		DBConnMaxLifetime:  getEnvDuration("POSTGRES_CONN_MAX_LIFETIME", DefaultDBConnMaxLifetime),
		DBConnMaxIdleTime:  getEnvDuration("POSTGRES_CONN_MAX_IDLE_TIME", DefaultDBConnMaxIdleTime),
		DBConnectTimeout:   int(getEnvInt64("POSTGRES_CONNECT_TIMEOUT", int64(DefaultDBConnectTimeout))),
		DBStatementTimeout: int(getEnvInt64("POSTGRES_STATEMENT_TIMEOUT", int64(DefaultDBStatementTimeout))),

		HTTPReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT", DefaultHTTPReadTimeout),
		HTTPWriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", DefaultHTTPWriteTimeout),
		HTTPIdleTimeout:  getEnvDuration("HTTP_IDLE_TIMEOUT", DefaultHTTPIdleTimeout),
		RequestTimeout:   getEnvDuration("REQUEST_TIMEOUT", DefaultRequestTimeout),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func parseChains(raw string) ([]ChainConfig, error) {
	if raw == "" {
		return nil, nil
	}
	var chains []ChainConfig
	if err := json.Unmarshal([]byte(raw), &chains); err != nil {
		return nil, err
	}
	return chains, nil
}

// Validate checks that all required configuration is present.
func (c *Config) Validate() error {
	if c.PrivateKey == "" {
		return fmt.Errorf("PRIVATE_KEY is required")
	}

	key := c.PrivateKey
	if len(key) == 66 && key[:2] == "0x" {
		key = key[2:]
	}
	if len(key) != 64 {
		return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
	}

	if len(c.Chains) == 0 {
		return fmt.Errorf("SENTINEL_CHAINS must configure at least one chain")
	}
	for _, ch := range c.Chains {
		if ch.RPCURL == "" || ch.TreasuryAddress == "" {
			return fmt.Errorf("chain %d: rpc_url and treasury_address are required", ch.ChainID)
		}
	}

	if c.GatewayRecipientAddress == "" {
		return fmt.Errorf("GATEWAY_RECIPIENT_ADDRESS is required")
	}

	port, err := strconv.Atoi(c.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("PORT must be a number between 1 and 65535, got %q", c.Port)
	}

	if c.ConfirmationBlocks < 1 {
		return fmt.Errorf("CONFIRMATION_BLOCKS must be at least 1, got %d", c.ConfirmationBlocks)
	}

	if c.DBStatementTimeout < 1000 {
		return fmt.Errorf("POSTGRES_STATEMENT_TIMEOUT must be at least 1000ms, got %d", c.DBStatementTimeout)
	}

	if c.HTTPWriteTimeout > 0 && c.RequestTimeout > 0 && c.HTTPWriteTimeout < c.RequestTimeout {
		return fmt.Errorf("HTTP_WRITE_TIMEOUT (%v) must be >= REQUEST_TIMEOUT (%v)", c.HTTPWriteTimeout, c.RequestTimeout)
	}

	if c.IsProduction() && c.AdminSecret == "" {
		slog.Warn("ADMIN_SECRET not set — admin endpoints accept any authenticated request")
	}
	if c.ReceiptHMACSecret == "" {
		slog.Warn("RECEIPT_HMAC_SECRET not set — receipts will be issued unsigned")
	}

	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
