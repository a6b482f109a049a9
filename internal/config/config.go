// Package config handles application configuration from environment
// variables for the wardex shield process. The shield never loads or
// derives signing key material — that lives only in the isolated signer
// process (cmd/signer), configured separately.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds the shield process's configuration.
type Config struct {
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	DatabaseURL string // PostgreSQL connection string; in-memory stores are used if unset

	ChainID int64

	// SignerSocketPath is where the isolated signer's unix socket lives.
	SignerSocketPath string
	// ApprovalTokenSecret is the pre-shared HMAC secret used to mint and
	// verify approval tokens between the shield and the signer.
	ApprovalTokenSecret string

	PolicyPath string // path to the SecurityPolicy JSON file loaded at startup

	AdminSecret  string
	RateLimitRPS int

	OTLPEndpoint string

	// ReputationProviderURL and ContractAnalysisProviderURL point at
	// external intelligence services consulted during evaluation; left
	// empty, those stages degrade to policy-list-only checks.
	ReputationProviderURL       string
	ReputationProviderAPIKey    string
	ContractAnalysisProviderURL string
	ContractAnalysisProviderAPIKey string
}

const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultChainID          = 8453 // Base mainnet
	DefaultSignerSocketPath = "/var/run/wardex/signer.sock"
	DefaultRateLimit        = 100
)

// Load reads configuration from environment variables, loading a local
// .env file first if one is present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		ChainID:             getEnvInt64("CHAIN_ID", DefaultChainID),
		SignerSocketPath:    getEnv("SIGNER_SOCKET_PATH", DefaultSignerSocketPath),
		ApprovalTokenSecret: os.Getenv("APPROVAL_TOKEN_SECRET"),
		PolicyPath:          os.Getenv("POLICY_PATH"),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		RateLimitRPS:        int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		OTLPEndpoint:        os.Getenv("OTLP_ENDPOINT"),

		ReputationProviderURL:           os.Getenv("REPUTATION_PROVIDER_URL"),
		ReputationProviderAPIKey:        os.Getenv("REPUTATION_PROVIDER_API_KEY"),
		ContractAnalysisProviderURL:     os.Getenv("CONTRACT_ANALYSIS_PROVIDER_URL"),
		ContractAnalysisProviderAPIKey:  os.Getenv("CONTRACT_ANALYSIS_PROVIDER_API_KEY"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that all required configuration is present.
func (c *Config) Validate() error {
	if c.ApprovalTokenSecret == "" {
		return fmt.Errorf("APPROVAL_TOKEN_SECRET is required")
	}
	if c.SignerSocketPath == "" {
		return fmt.Errorf("SIGNER_SOCKET_PATH is required")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool { return c.Env == "development" }

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool { return c.Env == "production" }

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
