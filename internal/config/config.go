package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rcm/rcm/internal/domain/claim"
	"github.com/rcm/rcm/internal/platform/payer"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	AuthMode    string `mapstructure:"AUTH_MODE"`
	StoreDriver string `mapstructure:"STORE_DRIVER"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	RedisURL     string `mapstructure:"REDIS_URL"`
	AMQPURL      string `mapstructure:"AMQP_URL"`
	AMQPExchange string `mapstructure:"AMQP_EXCHANGE"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	BreakerFailureThreshold int           `mapstructure:"BREAKER_FAILURE_THRESHOLD"`
	BreakerResetTimeout     time.Duration `mapstructure:"BREAKER_RESET_TIMEOUT"`
	AdapterCallTimeout      time.Duration `mapstructure:"ADAPTER_CALL_TIMEOUT"`

	RetryMaxAttempts int           `mapstructure:"RETRY_MAX_ATTEMPTS"`
	RetryBaseDelay   time.Duration `mapstructure:"RETRY_BASE_DELAY"`
	RetryMultiplier  float64       `mapstructure:"RETRY_MULTIPLIER"`
	RetryMaxDelay    time.Duration `mapstructure:"RETRY_MAX_DELAY"`
	RetryJitter      float64       `mapstructure:"RETRY_JITTER"`

	BatchConcurrency int `mapstructure:"BATCH_CONCURRENCY"`

	MatchConfidenceThreshold float64 `mapstructure:"MATCH_CONFIDENCE_THRESHOLD"`
	MatchAmountTolerance     float64 `mapstructure:"MATCH_AMOUNT_TOLERANCE"`
	MatchDateWindowDays      int     `mapstructure:"MATCH_DATE_WINDOW_DAYS"`

	BodyLimit       string `mapstructure:"BODY_LIMIT"`
	UploadBodyLimit string `mapstructure:"UPLOAD_BODY_LIMIT"`

	PayersFile string `mapstructure:"PAYERS_FILE"`

	Payers []PayerConfig `mapstructure:"-"`
}

// PayerConfig is one entry of the payers file: the payer's billing rules and
// the integration that carries its claims.
type PayerConfig struct {
	ID               string                  `mapstructure:"id"`
	Name             string                  `mapstructure:"name"`
	TimelyFilingDays int                     `mapstructure:"timely_filing_days"`
	Integration      payer.IntegrationConfig `mapstructure:"integration"`
	Rules            claim.RuleSettings      `mapstructure:"rules"`
}

// Profile converts the entry into the claim domain's payer profile.
func (p PayerConfig) Profile() claim.PayerProfile {
	integrationID := p.Integration.ID
	if integrationID == "" {
		integrationID = p.ID
	}
	return claim.PayerProfile{
		ID:               p.ID,
		Name:             p.Name,
		IntegrationID:    integrationID,
		TimelyFilingDays: p.TimelyFilingDays,
		Rules:            p.Rules,
	}
}

var keys = []string{
	"PORT", "ENV", "AUTH_MODE", "STORE_DRIVER", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "AMQP_URL", "AMQP_EXCHANGE",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"BREAKER_FAILURE_THRESHOLD", "BREAKER_RESET_TIMEOUT", "ADAPTER_CALL_TIMEOUT",
	"RETRY_MAX_ATTEMPTS", "RETRY_BASE_DELAY", "RETRY_MULTIPLIER", "RETRY_MAX_DELAY", "RETRY_JITTER",
	"BATCH_CONCURRENCY",
	"MATCH_CONFIDENCE_THRESHOLD", "MATCH_AMOUNT_TOLERANCE", "MATCH_DATE_WINDOW_DAYS",
	"BODY_LIMIT", "UPLOAD_BODY_LIMIT",
	"PAYERS_FILE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // "" -> inferred from ENV
	v.SetDefault("STORE_DRIVER", DriverPostgres)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("AMQP_EXCHANGE", "rcm.events")
	v.SetDefault("BREAKER_FAILURE_THRESHOLD", 5)
	v.SetDefault("BREAKER_RESET_TIMEOUT", "60s")
	v.SetDefault("ADAPTER_CALL_TIMEOUT", "30s")
	v.SetDefault("RETRY_MAX_ATTEMPTS", 3)
	v.SetDefault("RETRY_BASE_DELAY", "500ms")
	v.SetDefault("RETRY_MULTIPLIER", 2.0)
	v.SetDefault("RETRY_MAX_DELAY", "10s")
	v.SetDefault("RETRY_JITTER", 0.2)
	v.SetDefault("BATCH_CONCURRENCY", 4)
	v.SetDefault("MATCH_CONFIDENCE_THRESHOLD", 0.8)
	v.SetDefault("MATCH_AMOUNT_TOLERANCE", 5.0)
	v.SetDefault("MATCH_DATE_WINDOW_DAYS", 14)
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("UPLOAD_BODY_LIMIT", "20M")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.StoreDriver = strings.ToLower(cfg.StoreDriver)

	if cfg.StoreDriver == DriverPostgres && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.PayersFile != "" {
		payers, err := LoadPayers(cfg.PayersFile)
		if err != nil {
			return nil, err
		}
		cfg.Payers = payers
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active: all requests get admin access.")
		log.Println("WARNING: Set ENV=production and configure AUTH_ISSUER for production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

// LoadPayers reads the payer profiles file (YAML, JSON or TOML, by extension).
func LoadPayers(path string) ([]PayerConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read payers file %s: %w", path, err)
	}
	var payers []PayerConfig
	if err := v.UnmarshalKey("payers", &payers); err != nil {
		return nil, fmt.Errorf("unmarshal payers file %s: %w", path, err)
	}
	return payers, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns AUTH_MODE when set, otherwise "development" for
// ENV=development and "jwt" for everything else.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "jwt"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch mode := c.ResolvedAuthMode(); mode {
	case "development":
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE=development is not allowed in production")
		}
	case "jwt":
		if c.AuthIssuer == "" && c.AuthSigningKey == "" {
			return fmt.Errorf("AUTH_ISSUER or AUTH_SIGNING_KEY must be set when AUTH_MODE is \"jwt\" (current ENV=%q)", c.Env)
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"jwt\", got %q", mode)
	}

	switch c.StoreDriver {
	case DriverPostgres, DriverMemory:
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverMemory, c.StoreDriver)
	}
	if c.IsProduction() && c.StoreDriver == DriverMemory {
		return fmt.Errorf("STORE_DRIVER=memory is not allowed in production")
	}

	if c.BreakerFailureThreshold < 1 {
		return fmt.Errorf("BREAKER_FAILURE_THRESHOLD must be at least 1, got %d", c.BreakerFailureThreshold)
	}
	if c.BreakerResetTimeout <= 0 || c.AdapterCallTimeout <= 0 {
		return fmt.Errorf("BREAKER_RESET_TIMEOUT and ADAPTER_CALL_TIMEOUT must be positive")
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1, got %d", c.RetryMaxAttempts)
	}
	if c.RetryMultiplier < 1 {
		return fmt.Errorf("RETRY_MULTIPLIER must be at least 1, got %v", c.RetryMultiplier)
	}
	if c.RetryJitter < 0 || c.RetryJitter > 1 {
		return fmt.Errorf("RETRY_JITTER must be between 0 and 1, got %v", c.RetryJitter)
	}
	if c.BatchConcurrency < 1 {
		return fmt.Errorf("BATCH_CONCURRENCY must be at least 1, got %d", c.BatchConcurrency)
	}
	if c.MatchConfidenceThreshold <= 0 || c.MatchConfidenceThreshold > 1 {
		return fmt.Errorf("MATCH_CONFIDENCE_THRESHOLD must be in (0, 1], got %v", c.MatchConfidenceThreshold)
	}
	if c.MatchAmountTolerance < 0 || c.MatchDateWindowDays < 0 {
		return fmt.Errorf("MATCH_AMOUNT_TOLERANCE and MATCH_DATE_WINDOW_DAYS must not be negative")
	}

	return c.validatePayers()
}

func (c *Config) validatePayers() error {
	seen := make(map[string]bool, len(c.Payers))
	for i, p := range c.Payers {
		if p.ID == "" {
			return fmt.Errorf("payers[%d]: id is required", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("payers[%d]: duplicate payer id %q", i, p.ID)
		}
		seen[p.ID] = true
		if p.TimelyFilingDays < 0 {
			return fmt.Errorf("payer %s: timely_filing_days must not be negative", p.ID)
		}
		switch p.Integration.Kind {
		case "", payer.KindSandbox:
		case payer.KindHTTP:
			if p.Integration.BaseURL == "" {
				return fmt.Errorf("payer %s: integration.base_url is required for kind %q", p.ID, payer.KindHTTP)
			}
		default:
			return fmt.Errorf("payer %s: unknown integration kind %q", p.ID, p.Integration.Kind)
		}
	}
	return nil
}
