// Package config loads service configuration from YAML files and the
// environment. Secrets never live in YAML; ${VAR} references are expanded
// from the environment at load time.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig configures one agent's HTTP listener
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns the host:port listen address
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DiscoveryConfig configures the discovery service and its clients
type DiscoveryConfig struct {
	URL            string `yaml:"url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxRetries     int    `yaml:"max_retries"`
}

// Timeout returns the discovery request timeout
func (d DiscoveryConfig) Timeout() time.Duration {
	return time.Duration(d.TimeoutSeconds) * time.Second
}

// StripeConfig configures the card payment rail
type StripeConfig struct {
	SecretKey     string `yaml:"secret_key"`
	WebhookSecret string `yaml:"webhook_secret"`
}

// LedgerConfig configures the on-chain settlement rail
type LedgerConfig struct {
	RPCEndpoint        string `yaml:"rpc_endpoint"`
	PrivateKey         string `yaml:"private_key"`
	ChainID            int64  `yaml:"chain_id"`
	ConfirmTimeoutSecs int    `yaml:"confirm_timeout_seconds"`
}

// ConfirmTimeout returns how long to wait for a transaction receipt
func (l LedgerConfig) ConfirmTimeout() time.Duration {
	return time.Duration(l.ConfirmTimeoutSecs) * time.Second
}

// EscrowConfig configures the escrow rail
type EscrowConfig struct {
	HoldDays int `yaml:"hold_days"`
}

// SettlementConfig configures the payment rails
type SettlementConfig struct {
	Stripe StripeConfig `yaml:"stripe"`
	Ledger LedgerConfig `yaml:"ledger"`
	Escrow EscrowConfig `yaml:"escrow"`
}

// TrustConfig configures the reputation engine
type TrustConfig struct {
	TokenSecret     string `yaml:"token_secret"`
	CacheTTLSeconds int    `yaml:"cache_ttl_seconds"`
	// MinReputation gates counterparties by score. Zero selects the default
	// of 50; -1 disables the gate.
	MinReputation int `yaml:"min_reputation"`
}

// CacheTTL returns the reputation cache entry lifetime
func (t TrustConfig) CacheTTL() time.Duration {
	return time.Duration(t.CacheTTLSeconds) * time.Second
}

// LLMConfig configures the optional language model used for message phrasing
type LLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
}

// LoggingConfig configures structured logging
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AppConfig is the root configuration for a commerce service
type AppConfig struct {
	Server     ServerConfig     `yaml:"server"`
	Discovery  DiscoveryConfig  `yaml:"discovery"`
	Settlement SettlementConfig `yaml:"settlement"`
	Trust      TrustConfig      `yaml:"trust"`
	LLM        LLMConfig        `yaml:"llm"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// Load reads configuration from the given YAML file, expanding ${VAR}
// references and applying environment overrides for secrets. A missing path
// loads defaults plus environment only.
func Load(configPath string) (*AppConfig, error) {
	// Try to load .env file, ignore error if it doesn't exist
	_ = godotenv.Load()

	cfg := defaults()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
		expanded := os.Expand(string(data), os.Getenv)
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8000,
		},
		Discovery: DiscoveryConfig{
			URL:            "http://localhost:8090",
			TimeoutSeconds: 10,
			MaxRetries:     3,
		},
		Settlement: SettlementConfig{
			Ledger: LedgerConfig{
				ChainID:            31337,
				ConfirmTimeoutSecs: 60,
			},
			Escrow: EscrowConfig{
				HoldDays: 7,
			},
		},
		Trust: TrustConfig{
			CacheTTLSeconds: 1800,
			MinReputation:   50,
		},
		LLM: LLMConfig{
			Provider: "googleai",
			Model:    "gemini-2.0-flash",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// applyEnvOverrides lets secrets come from the environment without touching
// the YAML file
func applyEnvOverrides(cfg *AppConfig) {
	cfg.Settlement.Stripe.SecretKey = getEnv("STRIPE_SECRET_KEY", cfg.Settlement.Stripe.SecretKey)
	cfg.Settlement.Stripe.WebhookSecret = getEnv("STRIPE_WEBHOOK_SECRET", cfg.Settlement.Stripe.WebhookSecret)
	cfg.Settlement.Ledger.RPCEndpoint = getEnv("LEDGER_RPC_ENDPOINT", cfg.Settlement.Ledger.RPCEndpoint)
	cfg.Settlement.Ledger.PrivateKey = getEnv("LEDGER_PRIVATE_KEY", cfg.Settlement.Ledger.PrivateKey)
	cfg.Trust.TokenSecret = getEnv("TRUST_TOKEN_SECRET", cfg.Trust.TokenSecret)
	cfg.LLM.APIKey = getEnv("GOOGLE_API_KEY", cfg.LLM.APIKey)
	cfg.Discovery.URL = getEnv("DISCOVERY_URL", cfg.Discovery.URL)
}

// Validate checks that the loaded configuration is internally consistent
func (c *AppConfig) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Trust.CacheTTLSeconds <= 0 {
		return fmt.Errorf("trust cache TTL must be positive, got %d", c.Trust.CacheTTLSeconds)
	}
	if c.Trust.MinReputation < -1 || c.Trust.MinReputation > 100 {
		return fmt.Errorf("min reputation must be in [-1,100], got %d", c.Trust.MinReputation)
	}
	if c.Settlement.Escrow.HoldDays <= 0 {
		return fmt.Errorf("escrow hold days must be positive, got %d", c.Settlement.Escrow.HoldDays)
	}
	return nil
}

// StripeConfigured reports whether the card rail has credentials
func (c *AppConfig) StripeConfigured() bool {
	return c.Settlement.Stripe.SecretKey != ""
}

// LedgerConfigured reports whether the on-chain rail can sign and send
func (c *AppConfig) LedgerConfigured() bool {
	return c.Settlement.Ledger.RPCEndpoint != "" && c.Settlement.Ledger.PrivateKey != ""
}

// LLMConfigured reports whether message phrasing can use a language model
func (c *AppConfig) LLMConfigured() bool {
	return c.LLM.APIKey != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
