package config

import (
	"fmt"
	"log"
	"strings"

	"github.com/spf13/viper"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	Port            string   `mapstructure:"PORT"`
	Env             string   `mapstructure:"ENV"`
	AuthMode        string   `mapstructure:"AUTH_MODE"`
	StoreDriver     string   `mapstructure:"STORE_DRIVER"`
	DatabaseURL     string   `mapstructure:"DATABASE_URL"`
	DatabaseSchema  string   `mapstructure:"DATABASE_SCHEMA"`
	SQLitePath      string   `mapstructure:"SQLITE_PATH"`
	DBMaxConns      int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns      int32    `mapstructure:"DB_MIN_CONNS"`
	AuthIssuer      string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL     string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience    string   `mapstructure:"AUTH_AUDIENCE"`
	CORSOrigins     []string `mapstructure:"CORS_ORIGINS"`
	MaxWriteRetries int      `mapstructure:"MAX_WRITE_RETRIES"`
	TracingEnabled  bool     `mapstructure:"TRACING_ENABLED"`
	RulesDir        string   `mapstructure:"RULES_DIR"`
	BodyLimit       string   `mapstructure:"BODY_LIMIT"`
}

var keys = []string{
	"PORT", "ENV", "AUTH_MODE", "STORE_DRIVER", "DATABASE_URL", "DATABASE_SCHEMA",
	"SQLITE_PATH", "DB_MAX_CONNS", "DB_MIN_CONNS", "AUTH_ISSUER", "AUTH_JWKS_URL",
	"AUTH_AUDIENCE", "CORS_ORIGINS", "MAX_WRITE_RETRIES", "TRACING_ENABLED",
	"RULES_DIR", "BODY_LIMIT",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // inferred from ENV when empty
	v.SetDefault("STORE_DRIVER", DriverSQLite)
	v.SetDefault("DATABASE_SCHEMA", "public")
	v.SetDefault("SQLITE_PATH", "cdss.db")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("MAX_WRITE_RETRIES", 3)
	v.SetDefault("TRACING_ENABLED", false)
	v.SetDefault("BODY_LIMIT", "64K")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(strings.Join(cfg.CORSOrigins, ","))
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.IsDev() && cfg.ResolvedAuthMode() == "development" {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active; X-Dev-User/X-Dev-Roles are trusted.")
		log.Println("WARNING: Set ENV=production and configure AUTH_ISSUER for production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns AUTH_MODE when set. Otherwise development runs
// without auth and everything else expects an external issuer.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "external"
}

// Validate checks the store and auth combinations before anything opens a
// connection.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is %q", DriverPostgres)
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when STORE_DRIVER is %q", DriverSQLite)
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverSQLite, c.StoreDriver)
	}

	mode := c.ResolvedAuthMode()
	switch mode {
	case "development":
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE=development is not allowed in production")
		}
	case "external":
		if c.AuthIssuer == "" && c.AuthJWKSURL == "" {
			return fmt.Errorf(
				"AUTH_ISSUER or AUTH_JWKS_URL must be set when AUTH_MODE is \"external\" (current ENV=%q). "+
					"Refusing to start without authentication configuration", c.Env)
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"external\", got %q", mode)
	}

	if c.MaxWriteRetries < 0 || c.MaxWriteRetries > 20 {
		return fmt.Errorf("MAX_WRITE_RETRIES must be between 0 and 20, got %d", c.MaxWriteRetries)
	}
	return nil
}
