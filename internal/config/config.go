package config

import (
	"fmt"
	"log"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	Issuer     string `mapstructure:"AUTH_ISSUER"`
	SigningKey string `mapstructure:"JWT_SIGNING_KEY"`

	AdminTokenTTL  time.Duration `mapstructure:"ADMIN_TOKEN_TTL"`
	APITokenTTL    time.Duration `mapstructure:"API_TOKEN_TTL"`
	AccessTokenTTL time.Duration `mapstructure:"ACCESS_TOKEN_TTL"`

	AdminEmail        string `mapstructure:"ADMIN_EMAIL"`
	AdminPassword     string `mapstructure:"ADMIN_PASSWORD"`
	AdminPasswordHash string `mapstructure:"ADMIN_PASSWORD_HASH"`

	CircuitFailureThreshold int           `mapstructure:"CIRCUIT_FAILURE_THRESHOLD"`
	CircuitProbeTimeout     time.Duration `mapstructure:"CIRCUIT_PROBE_TIMEOUT"`

	DefaultClientsEnabled bool `mapstructure:"DEFAULT_CLIENTS_ENABLED"`

	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("ADMIN_TOKEN_TTL", "24h")
	v.SetDefault("API_TOKEN_TTL", "2160h") // 90 days
	v.SetDefault("ACCESS_TOKEN_TTL", "1h")
	v.SetDefault("CIRCUIT_FAILURE_THRESHOLD", 3)
	v.SetDefault("CIRCUIT_PROBE_TIMEOUT", "5s")
	v.SetDefault("DEFAULT_CLIENTS_ENABLED", false)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("AUTH_ISSUER")
	v.BindEnv("JWT_SIGNING_KEY")
	v.BindEnv("ADMIN_TOKEN_TTL")
	v.BindEnv("API_TOKEN_TTL")
	v.BindEnv("ACCESS_TOKEN_TTL")
	v.BindEnv("ADMIN_EMAIL")
	v.BindEnv("ADMIN_PASSWORD")
	v.BindEnv("ADMIN_PASSWORD_HASH")
	v.BindEnv("CIRCUIT_FAILURE_THRESHOLD")
	v.BindEnv("CIRCUIT_PROBE_TIMEOUT")
	v.BindEnv("DEFAULT_CLIENTS_ENABLED")
	v.BindEnv("CORS_ORIGINS")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Issuer == "" {
		cfg.Issuer = "http://localhost:" + cfg.Port
	}

	if cfg.DatabaseURL == "" {
		log.Println("WARNING: DATABASE_URL is not set; running with in-memory stores.")
		log.Println("WARNING: Tokens and OAuth clients will not survive a restart.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks that the configuration is safe to run. A signing key must
// exist before the first token is issued, so its absence is fatal at startup
// rather than a per-request error.
func (c *Config) Validate() error {
	if c.SigningKey == "" {
		return fmt.Errorf("JWT_SIGNING_KEY is required; refusing to start without signing-key material")
	}
	if len(c.SigningKey) < 32 {
		return fmt.Errorf("JWT_SIGNING_KEY must be at least 32 bytes, got %d", len(c.SigningKey))
	}

	if c.AdminTokenTTL <= 0 || c.APITokenTTL <= 0 || c.AccessTokenTTL <= 0 {
		return fmt.Errorf("token TTLs must be positive (admin=%s api=%s access=%s)",
			c.AdminTokenTTL, c.APITokenTTL, c.AccessTokenTTL)
	}

	if c.CircuitFailureThreshold < 1 {
		return fmt.Errorf("CIRCUIT_FAILURE_THRESHOLD must be >= 1, got %d", c.CircuitFailureThreshold)
	}
	if c.CircuitProbeTimeout <= 0 {
		return fmt.Errorf("CIRCUIT_PROBE_TIMEOUT must be positive, got %s", c.CircuitProbeTimeout)
	}

	// The static admin credential is the login fallback when the backing
	// store is unreachable; without a database it is the only credential.
	if c.DatabaseURL == "" && c.AdminEmail == "" {
		return fmt.Errorf("ADMIN_EMAIL is required when DATABASE_URL is not set")
	}
	if c.AdminEmail != "" && c.AdminPassword == "" && c.AdminPasswordHash == "" {
		return fmt.Errorf("ADMIN_PASSWORD or ADMIN_PASSWORD_HASH is required when ADMIN_EMAIL is set")
	}

	return nil
}
