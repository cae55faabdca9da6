// Package config loads and validates all runtime configuration for the
// review service.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file. A .env file in the working directory is
// loaded first without overriding variables that are already set.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example OPENAI_API_KEY becomes
// openai_api_key in YAML.
//
// A missing provider key is not a startup error: the service starts, reports
// itself degraded and answers review requests with 503.
package config

import (
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

	// Env is "production" (default) or "development". Development mode adds
	// raw diagnostics to error responses.
	Env string

	Provider       ProviderConfig
	Stream         StreamConfig
	RateLimit      RateLimitConfig
	Redis          RedisConfig
	Input          InputConfig
	CircuitBreaker CircuitBreakerConfig

	// TrustProxy makes the first X-Forwarded-For hop the client key.
	TrustProxy bool

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string
}

// ProviderConfig selects and tunes the completion provider.
type ProviderConfig struct {
	// Name is one of: openai, anthropic, gemini. Default: openai.
	Name string

	// Model overrides the provider's default model.
	Model string

	// BaseURL overrides the provider's default API endpoint.
	// Useful for OpenAI-compatible hosts and local mocks.
	BaseURL string

	// APIKey is the key of the selected provider, resolved from
	// OPENAI_API_KEY, ANTHROPIC_API_KEY or GEMINI_API_KEY (GOOGLE_API_KEY).
	APIKey string

	MaxTokens   int
	Temperature float64

	// Timeout bounds a blocking completion. Default: 30s.
	Timeout time.Duration
}

// StreamConfig bounds streamed completions.
type StreamConfig struct {
	// IdleTimeout is the longest gap between two chunks. Default: 20s.
	IdleTimeout time.Duration
	// TotalTimeout bounds the whole stream. Default: 120s.
	TotalTimeout time.Duration
}

// RateLimitConfig controls the per-client fixed window.
type RateLimitConfig struct {
	// Max is the number of accepted requests per window. Default: 10.
	Max int
	// Window is the window length. Default: 60s.
	Window time.Duration
	// Sweep is how often expired in-memory records are evicted. Default: 1m.
	Sweep time.Duration
	// Store is "memory" (default) or "redis".
	Store string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// InputConfig bounds and shapes request input.
type InputConfig struct {
	// MaxBodyBytes is the request body ceiling. Default: 102400.
	MaxBodyBytes int
	// MaxDiffChars caps diff text embedded in a narrate prompt. Default: 48000.
	MaxDiffChars int
	// RedactSecrets masks credentials in submitted code. Default: true.
	RedactSecrets bool
	// PersonasFile is an optional YAML file overriding persona instructions.
	PersonasFile string
}

// CircuitBreakerConfig controls the provider circuit breaker.
type CircuitBreakerConfig struct {
	// Threshold is the number of consecutive failures that trip the breaker.
	// Default: 5.
	Threshold int
	// Cooldown is how long the breaker stays open before admitting a probe.
	// Default: 30s.
	Cooldown time.Duration
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
	v.SetDefault("APP_ENV", "production")
	v.SetDefault("CORS_ORIGINS", []string{"*"})
	v.SetDefault("TRUST_PROXY", false)

	// Provider defaults.
	v.SetDefault("LLM_PROVIDER", "openai")
	v.SetDefault("LLM_MAX_TOKENS", 2048)
	v.SetDefault("LLM_TEMPERATURE", 0.7)
	v.SetDefault("PROVIDER_TIMEOUT", "30s")
	v.SetDefault("STREAM_IDLE_TIMEOUT", "20s")
	v.SetDefault("STREAM_TOTAL_TIMEOUT", "120s")

	// Rate limit defaults.
	v.SetDefault("RATE_LIMIT_MAX", 10)
	v.SetDefault("RATE_LIMIT_WINDOW", "60s")
	v.SetDefault("RATE_LIMIT_SWEEP", "1m")
	v.SetDefault("RATE_LIMIT_STORE", "memory")
	v.SetDefault("REDIS_URL", "redis://localhost:6379")

	// Input defaults.
	v.SetDefault("MAX_BODY_BYTES", 100*1024)
	v.SetDefault("MAX_DIFF_CHARS", 48000)
	v.SetDefault("REDACT_SECRETS", true)

	// Circuit breaker defaults.
	v.SetDefault("BREAKER_THRESHOLD", 5)
	v.SetDefault("BREAKER_COOLDOWN", "30s")

	// ── Build config ──────────────────────────────────────────────────────────
	provider := strings.ToLower(strings.TrimSpace(v.GetString("LLM_PROVIDER")))

	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),
		Env:      strings.ToLower(v.GetString("APP_ENV")),

		Provider: ProviderConfig{
			Name:        provider,
			Model:       v.GetString("LLM_MODEL"),
			BaseURL:     v.GetString("LLM_BASE_URL"),
			APIKey:      providerKey(v, provider),
			MaxTokens:   v.GetInt("LLM_MAX_TOKENS"),
			Temperature: v.GetFloat64("LLM_TEMPERATURE"),
			Timeout:     v.GetDuration("PROVIDER_TIMEOUT"),
		},

		Stream: StreamConfig{
			IdleTimeout:  v.GetDuration("STREAM_IDLE_TIMEOUT"),
			TotalTimeout: v.GetDuration("STREAM_TOTAL_TIMEOUT"),
		},

		RateLimit: RateLimitConfig{
			Max:    v.GetInt("RATE_LIMIT_MAX"),
			Window: v.GetDuration("RATE_LIMIT_WINDOW"),
			Sweep:  v.GetDuration("RATE_LIMIT_SWEEP"),
			Store:  strings.ToLower(v.GetString("RATE_LIMIT_STORE")),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Input: InputConfig{
			MaxBodyBytes:  v.GetInt("MAX_BODY_BYTES"),
			MaxDiffChars:  v.GetInt("MAX_DIFF_CHARS"),
			RedactSecrets: v.GetBool("REDACT_SECRETS"),
			PersonasFile:  v.GetString("PERSONAS_FILE"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			Threshold: v.GetInt("BREAKER_THRESHOLD"),
			Cooldown:  v.GetDuration("BREAKER_COOLDOWN"),
		},

		TrustProxy:  v.GetBool("TRUST_PROXY"),
		CORSOrigins: splitList(v.GetStringSlice("CORS_ORIGINS")),
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	switch c.Provider.Name {
	case "openai", "anthropic", "gemini":
	default:
		return fmt.Errorf(
			"config: invalid LLM_PROVIDER %q; must be one of: openai, anthropic, gemini",
			c.Provider.Name,
		)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	switch c.Env {
	case "production", "development":
	default:
		return fmt.Errorf("config: invalid APP_ENV %q; must be one of: production, development", c.Env)
	}

	switch c.RateLimit.Store {
	case "memory":
	case "redis":
		if c.Redis.URL == "" {
			return fmt.Errorf("config: REDIS_URL is required when RATE_LIMIT_STORE=redis")
		}
	default:
		return fmt.Errorf(
			"config: invalid RATE_LIMIT_STORE %q; must be one of: memory, redis",
			c.RateLimit.Store,
		)
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.RateLimit.Max < 1 {
		return fmt.Errorf("config: RATE_LIMIT_MAX must be ≥ 1, got %d", c.RateLimit.Max)
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("config: RATE_LIMIT_WINDOW must be a positive duration")
	}
	if c.RateLimit.Sweep <= 0 {
		return fmt.Errorf("config: RATE_LIMIT_SWEEP must be a positive duration")
	}
	if c.Provider.Timeout <= 0 {
		return fmt.Errorf("config: PROVIDER_TIMEOUT must be a positive duration")
	}
	if c.Stream.IdleTimeout <= 0 || c.Stream.TotalTimeout <= 0 {
		return fmt.Errorf("config: STREAM_IDLE_TIMEOUT and STREAM_TOTAL_TIMEOUT must be positive durations")
	}
	if c.Provider.MaxTokens < 1 {
		return fmt.Errorf("config: LLM_MAX_TOKENS must be ≥ 1, got %d", c.Provider.MaxTokens)
	}
	if c.Provider.Temperature < 0 || c.Provider.Temperature > 2 {
		return fmt.Errorf("config: LLM_TEMPERATURE must be between 0 and 2, got %g", c.Provider.Temperature)
	}
	if c.Input.MaxBodyBytes < 1024 {
		return fmt.Errorf("config: MAX_BODY_BYTES must be ≥ 1024, got %d", c.Input.MaxBodyBytes)
	}
	if c.Input.MaxDiffChars < 1 {
		return fmt.Errorf("config: MAX_DIFF_CHARS must be ≥ 1, got %d", c.Input.MaxDiffChars)
	}
	if c.CircuitBreaker.Threshold < 1 {
		return fmt.Errorf("config: BREAKER_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.Threshold)
	}
	if c.CircuitBreaker.Cooldown <= 0 {
		return fmt.Errorf("config: BREAKER_COOLDOWN must be a positive duration")
	}

	return nil
}

// Development reports whether APP_ENV=development.
func (c *Config) Development() bool { return c.Env == "development" }

// HasProviderKey reports whether the selected provider has a credential.
func (c *Config) HasProviderKey() bool { return c.Provider.APIKey != "" }

func providerKey(v *viper.Viper, provider string) string {
	switch provider {
	case "openai":
		return v.GetString("OPENAI_API_KEY")
	case "anthropic":
		return v.GetString("ANTHROPIC_API_KEY")
	case "gemini":
		if k := v.GetString("GEMINI_API_KEY"); k != "" {
			return k
		}
		return v.GetString("GOOGLE_API_KEY")
	}
	return ""
}

// splitList accepts both YAML lists and comma-separated env values.
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
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
