// Package config loads and validates all runtime configuration for the
// gateway.
//
// Configuration is read from environment variables (preferred for
// containers) or from a config.yaml file in the working directory.
// Environment variables take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// CredentialSecret is the base64-encoded 32-byte AES key used to decrypt
	// stored provider credentials. Required. Passed explicitly to the
	// credential resolver — never read from the environment at use sites.
	CredentialSecret []byte

	// Store holds the document backend connection (users, credentials, files).
	Store StoreConfig

	// Identity holds the identity provider's token verification endpoint.
	Identity IdentityConfig

	// Search configures the optional web-search enrichment service. Leave
	// BaseURL empty to disable enrichment for providers without native
	// grounding.
	Search SearchConfig

	// Providers holds per-family base URL overrides (useful for mocks).
	Providers ProvidersConfig

	// ProviderTimeout bounds one upstream streaming call. Default: 120s.
	ProviderTimeout time.Duration

	// Redis holds the connection URL for the send-rate limiter. Leave empty
	// to disable rate limiting.
	Redis RedisConfig

	// SendRPM is the per-user messages-per-minute cap. 0 disables limiting.
	SendRPM int

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default).
	CORSOrigins []string
}

// StoreConfig holds the document backend connection.
type StoreConfig struct {
	// BaseURL is the backend's HTTP API root, e.g. "https://acme.convex.site".
	BaseURL string
	// DeployKey authenticates the gateway to the backend.
	DeployKey string
}

// IdentityConfig holds the identity provider settings.
type IdentityConfig struct {
	// VerifyURL is the token verification endpoint.
	VerifyURL string
}

// SearchConfig holds the web-search enrichment service settings.
type SearchConfig struct {
	BaseURL string
	APIKey  string
}

// ProvidersConfig holds per-family base URL overrides. Empty values use
// each adapter's production default.
type ProvidersConfig struct {
	AnthropicBaseURL  string
	OpenAIBaseURL     string
	GeminiBaseURL     string
	OpenRouterBaseURL string
	XAIBaseURL        string
	DeepSeekBaseURL   string
	GroqBaseURL       string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("PROVIDER_TIMEOUT", "120s")
	v.SetDefault("SEND_RPM", 0)
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	secret, err := decodeSecret(v.GetString("CREDENTIAL_SECRET"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:             v.GetInt("PORT"),
		LogLevel:         strings.ToLower(v.GetString("LOG_LEVEL")),
		CredentialSecret: secret,

		Store: StoreConfig{
			BaseURL:   strings.TrimRight(v.GetString("STORE_BASE_URL"), "/"),
			DeployKey: v.GetString("STORE_DEPLOY_KEY"),
		},

		Identity: IdentityConfig{
			VerifyURL: v.GetString("IDENTITY_VERIFY_URL"),
		},

		Search: SearchConfig{
			BaseURL: strings.TrimRight(v.GetString("SEARCH_BASE_URL"), "/"),
			APIKey:  v.GetString("SEARCH_API_KEY"),
		},

		Providers: ProvidersConfig{
			AnthropicBaseURL:  v.GetString("ANTHROPIC_BASE_URL"),
			OpenAIBaseURL:     v.GetString("OPENAI_BASE_URL"),
			GeminiBaseURL:     v.GetString("GEMINI_BASE_URL"),
			OpenRouterBaseURL: v.GetString("OPENROUTER_BASE_URL"),
			XAIBaseURL:        v.GetString("XAI_BASE_URL"),
			DeepSeekBaseURL:   v.GetString("DEEPSEEK_BASE_URL"),
			GroqBaseURL:       v.GetString("GROQ_BASE_URL"),
		},

		ProviderTimeout: v.GetDuration("PROVIDER_TIMEOUT"),

		Redis:   RedisConfig{URL: v.GetString("REDIS_URL")},
		SendRPM: v.GetInt("SEND_RPM"),

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// decodeSecret parses the base64 AES key and enforces its length up front so
// a misconfigured secret fails at startup, not on the first chat turn.
func decodeSecret(raw string) ([]byte, error) {
	if raw == "" {
		return nil, errors.New("config: CREDENTIAL_SECRET is required (base64-encoded 32-byte key)")
	}
	secret, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("config: CREDENTIAL_SECRET is not valid base64: %w", err)
	}
	if len(secret) != 32 {
		return nil, fmt.Errorf("config: CREDENTIAL_SECRET must decode to 32 bytes, got %d", len(secret))
	}
	return secret, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.Store.BaseURL == "" {
		return errors.New("config: STORE_BASE_URL is required")
	}
	if c.Identity.VerifyURL == "" {
		return errors.New("config: IDENTITY_VERIFY_URL is required")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.ProviderTimeout <= 0 {
		return errors.New("config: PROVIDER_TIMEOUT must be a positive duration")
	}

	if c.SendRPM > 0 && c.Redis.URL == "" {
		return errors.New("config: REDIS_URL is required when SEND_RPM > 0")
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
