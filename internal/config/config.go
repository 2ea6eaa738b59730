// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"

	"github.com/mbd888/taskescrow/internal/events"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Ledger
	RPCURL              string
	ChainID             int64 // 0 asks the node
	EscrowAddress       string
	OperatorKey         string // hex, with or without 0x
	VerifierKey         string
	KeyDerivationDomain string
	Offline             bool
	TxWaitTimeout       time.Duration
	GasBufferPercent    int

	// Escrow defaults
	MarketplaceTreasury string
	DefaultVerifiers    []string
	DefaultApprovals    int
	MarketplaceFeeBps   int
	VerifierFeeBps      int

	// Agents
	PayerAccountID  string
	VerifierAgentID string

	// Event delivery
	WebhookURLs   []string
	WebhookSecret string
	AMQPURL       string
	AMQPExchange  string
	EventBuffer   int

	// Operations
	OTLPEndpoint      string
	APIKey            string
	ReconcileInterval time.Duration
	AsyncWorkers      int
	RateLimitRPM      int // 0 disables
	RateLimitBurst    int
}

// Hedera testnet defaults
const (
	DefaultRPCURL              = "https://testnet.hashio.io/api"
	DefaultChainID             = 296
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "text"
	DefaultKeyDerivationDomain = "taskescrow"
	DefaultTxWaitTimeout       = 120 * time.Second
	DefaultGasBufferPercent    = 20
	DefaultApprovals           = 1
	DefaultVerifierAgentID     = "verifier-agent"
	DefaultReconcileInterval   = 30 * time.Second
	DefaultAsyncWorkers        = 16
	DefaultEventBuffer         = 1024
	DefaultRateLimitRPM        = 120
	DefaultRateLimitBurst      = 20
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RPCURL:              getEnv("RPC_URL", DefaultRPCURL),
		ChainID:             int64(getEnvInt("CHAIN_ID", DefaultChainID)),
		EscrowAddress:       os.Getenv("TASK_ESCROW_ADDRESS"),
		OperatorKey:         os.Getenv("TASK_ESCROW_OPERATOR_PRIVATE_KEY"),
		VerifierKey:         os.Getenv("VERIFIER_PRIVATE_KEY"),
		KeyDerivationDomain: getEnv("KEY_DERIVATION_DOMAIN", DefaultKeyDerivationDomain),
		Offline:             strings.TrimSpace(os.Getenv("X402_OFFLINE")) != "",
		TxWaitTimeout:       getEnvDuration("TX_WAIT_TIMEOUT", DefaultTxWaitTimeout),
		GasBufferPercent:    getEnvInt("GAS_BUFFER_PERCENT", DefaultGasBufferPercent),
		MarketplaceTreasury: os.Getenv("TASK_ESCROW_MARKETPLACE_TREASURY"),
		DefaultVerifiers:    splitList(os.Getenv("TASK_ESCROW_DEFAULT_VERIFIERS")),
		DefaultApprovals:    getEnvInt("TASK_ESCROW_DEFAULT_APPROVALS", DefaultApprovals),
		MarketplaceFeeBps:   getEnvInt("TASK_ESCROW_MARKETPLACE_FEE_BPS", 0),
		VerifierFeeBps:      getEnvInt("TASK_ESCROW_VERIFIER_FEE_BPS", 0),
		PayerAccountID:      os.Getenv("PAYER_ACCOUNT_ID"),
		VerifierAgentID:     getEnv("VERIFIER_AGENT_ID", DefaultVerifierAgentID),
		WebhookURLs:         events.ParseURLs(os.Getenv("A2A_EVENT_WEBHOOK_URL")),
		WebhookSecret:       os.Getenv("WEBHOOK_SECRET"),
		AMQPURL:             os.Getenv("AMQP_URL"),
		AMQPExchange:        getEnv("AMQP_EXCHANGE", events.DefaultExchange),
		EventBuffer:         getEnvInt("EVENT_BUFFER", DefaultEventBuffer),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		APIKey:              os.Getenv("API_KEY"),
		ReconcileInterval:   getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		AsyncWorkers:        getEnvInt("ASYNC_WORKERS", DefaultAsyncWorkers),
		RateLimitRPM:        getEnvInt("RATE_LIMIT_RPM", DefaultRateLimitRPM),
		RateLimitBurst:      getEnvInt("RATE_LIMIT_BURST", DefaultRateLimitBurst),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if !c.Offline {
		if c.EscrowAddress == "" {
			return fmt.Errorf("TASK_ESCROW_ADDRESS is required unless X402_OFFLINE is set")
		}
		if c.OperatorKey == "" {
			return fmt.Errorf("TASK_ESCROW_OPERATOR_PRIVATE_KEY is required unless X402_OFFLINE is set")
		}
		if c.RPCURL == "" {
			return fmt.Errorf("RPC_URL is required")
		}
	}

	for name, key := range map[string]string{
		"TASK_ESCROW_OPERATOR_PRIVATE_KEY": c.OperatorKey,
		"VERIFIER_PRIVATE_KEY":             c.VerifierKey,
	} {
		if key != "" && len(strings.TrimPrefix(key, "0x")) != 64 {
			return fmt.Errorf("%s must be 64 hex characters (with or without 0x prefix)", name)
		}
	}

	if c.MarketplaceFeeBps < 0 || c.VerifierFeeBps < 0 || c.MarketplaceFeeBps+c.VerifierFeeBps > 10_000 {
		return fmt.Errorf("default fees must be non-negative and sum to at most 10000 bps, got %d + %d",
			c.MarketplaceFeeBps, c.VerifierFeeBps)
	}

	if c.IsProduction() && c.APIKey == "" {
		return fmt.Errorf("API_KEY is required in production")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := cast.ToIntE(strings.TrimSpace(value)); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := cast.ToDurationE(strings.TrimSpace(value)); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
