package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port                 string        `mapstructure:"PORT"`
	Env                  string        `mapstructure:"ENV"`
	LogLevel             string        `mapstructure:"LOG_LEVEL"`
	DatabaseURL          string        `mapstructure:"DATABASE_URL"`
	DBMaxConns           int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns           int32         `mapstructure:"DB_MIN_CONNS"`
	DBStatementTimeout   time.Duration `mapstructure:"DB_STATEMENT_TIMEOUT"`
	DefaultTenant        string        `mapstructure:"DEFAULT_TENANT"`
	AuthIssuer           string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience         string        `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL          string        `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey       string        `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins          []string      `mapstructure:"CORS_ORIGINS"`
	RequestTimeout       time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	FormatRegistryPath   string        `mapstructure:"FORMAT_REGISTRY_PATH"`
	RuleScopePolicy      string        `mapstructure:"RULE_SCOPE_POLICY"`
	CELFallbackEnabled   bool          `mapstructure:"CEL_FALLBACK_ENABLED"`
	QueryCreationDefault bool          `mapstructure:"QUERY_CREATION_DEFAULT"`
	QueryNotifyEnabled   bool          `mapstructure:"QUERY_NOTIFY_ENABLED"`
	MetricsEnabled       bool          `mapstructure:"METRICS_ENABLED"`
	MigrationsDir        string        `mapstructure:"MIGRATIONS_DIR"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_STATEMENT_TIMEOUT",
	"DEFAULT_TENANT", "AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY", "CORS_ORIGINS",
	"REQUEST_TIMEOUT", "FORMAT_REGISTRY_PATH", "RULE_SCOPE_POLICY", "CEL_FALLBACK_ENABLED",
	"QUERY_CREATION_DEFAULT", "QUERY_NOTIFY_ENABLED", "METRICS_ENABLED", "MIGRATIONS_DIR",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DB_STATEMENT_TIMEOUT", "30s")
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("RULE_SCOPE_POLICY", "hide")
	v.SetDefault("CEL_FALLBACK_ENABLED", true)
	v.SetDefault("QUERY_CREATION_DEFAULT", true)
	v.SetDefault("QUERY_NOTIFY_ENABLED", true)
	v.SetDefault("METRICS_ENABLED", true)

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

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	for i, o := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(o)
	}
	cfg.RuleScopePolicy = strings.ToLower(strings.TrimSpace(cfg.RuleScopePolicy))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() && cfg.AuthIssuer == "" && cfg.AuthSigningKey == "" {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active and every request gets admin access.")
		log.Println("WARNING: Set ENV=production and configure AUTH_ISSUER for production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// DevAuth reports whether requests are authenticated as the development
// identity instead of by bearer token.
func (c *Config) DevAuth() bool {
	return c.IsDev() && c.AuthIssuer == "" && c.AuthSigningKey == ""
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if !c.DevAuth() && c.AuthSigningKey == "" && c.AuthJWKSURL == "" {
		return fmt.Errorf("AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set outside development (current ENV=%q)", c.Env)
	}
	if c.IsProduction() && c.AuthSigningKey != "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is for development and tests only; use AUTH_JWKS_URL in production")
	}
	if c.IsProduction() && c.AuthIssuer == "" {
		return fmt.Errorf("AUTH_ISSUER is required in production")
	}
	switch c.RuleScopePolicy {
	case "hide", "deny":
	default:
		return fmt.Errorf("RULE_SCOPE_POLICY must be \"hide\" or \"deny\", got %q", c.RuleScopePolicy)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.DBStatementTimeout < 0 {
		return fmt.Errorf("DB_STATEMENT_TIMEOUT must not be negative")
	}
	return nil
}
