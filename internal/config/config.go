package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	ConflictExact   = "exact"
	ConflictOverlap = "overlap"

	LockPostgres = "postgres"
	LockRedis    = "redis"
)

type Config struct {
	Port            string        `mapstructure:"PORT"`
	Env             string        `mapstructure:"ENV"`
	DatabaseURL     string        `mapstructure:"DATABASE_URL"`
	DBMaxConns      int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns      int32         `mapstructure:"DB_MIN_CONNS"`
	DBSchema        string        `mapstructure:"DB_SCHEMA"`
	RedisURL        string        `mapstructure:"REDIS_URL"`
	AMQPURL         string        `mapstructure:"AMQP_URL"`
	MailQueue       string        `mapstructure:"MAIL_QUEUE"`
	SMTPHost        string        `mapstructure:"SMTP_HOST"`
	SMTPPort        int           `mapstructure:"SMTP_PORT"`
	SMTPUsername    string        `mapstructure:"SMTP_USERNAME"`
	SMTPPassword    string        `mapstructure:"SMTP_PASSWORD"`
	SMTPFrom        string        `mapstructure:"SMTP_FROM"`
	JWTSecret       string        `mapstructure:"JWT_SECRET"`
	JWTIssuer       string        `mapstructure:"JWT_ISSUER"`
	JWTTTL          time.Duration `mapstructure:"JWT_TTL"`
	CORSOrigins     []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS    float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst  int           `mapstructure:"RATE_LIMIT_BURST"`
	ClinicTimezone  string        `mapstructure:"CLINIC_TIMEZONE"`
	SlotMinutes     int           `mapstructure:"SLOT_MINUTES"`
	ConflictMode    string        `mapstructure:"CONFLICT_MODE"`
	LockBackend     string        `mapstructure:"LOCK_BACKEND"`
	AdminEmail      string        `mapstructure:"ADMIN_EMAIL"`
	AdminPassword   string        `mapstructure:"ADMIN_PASSWORD"`
	VerificationTTL time.Duration `mapstructure:"VERIFICATION_TTL"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_SCHEMA",
	"REDIS_URL", "AMQP_URL", "MAIL_QUEUE",
	"SMTP_HOST", "SMTP_PORT", "SMTP_USERNAME", "SMTP_PASSWORD", "SMTP_FROM",
	"JWT_SECRET", "JWT_ISSUER", "JWT_TTL", "CORS_ORIGINS",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"CLINIC_TIMEZONE", "SLOT_MINUTES", "CONFLICT_MODE", "LOCK_BACKEND",
	"ADMIN_EMAIL", "ADMIN_PASSWORD", "VERIFICATION_TTL",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DB_SCHEMA", "public")
	v.SetDefault("MAIL_QUEUE", "clinic.email")
	v.SetDefault("SMTP_PORT", 587)
	v.SetDefault("SMTP_FROM", "no-reply@clinic.local")
	v.SetDefault("JWT_ISSUER", "clinic-api")
	v.SetDefault("JWT_TTL", "24h")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("CLINIC_TIMEZONE", "UTC")
	v.SetDefault("SLOT_MINUTES", 30)
	v.SetDefault("CONFLICT_MODE", ConflictExact)
	v.SetDefault("LOCK_BACKEND", LockPostgres)
	v.SetDefault("ADMIN_EMAIL", "admin@example.com")
	v.SetDefault("VERIFICATION_TTL", "15m")

	for _, k := range keys {
		v.BindEnv(k)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	cfg.ConflictMode = strings.ToLower(cfg.ConflictMode)
	cfg.LockBackend = strings.ToLower(cfg.LockBackend)

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		if cfg.JWTSecret == "" {
			cfg.JWTSecret = "development-only-secret-change-me-now"
		}
		if cfg.AdminPassword == "" {
			cfg.AdminPassword = "admin123"
		}
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Location returns the clinic time zone used to interpret appointment dates
// and availability windows.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.ClinicTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// SlotLength returns the configured slot length.
func (c *Config) SlotLength() time.Duration {
	if c.SlotMinutes <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(c.SlotMinutes) * time.Minute
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if !c.IsDev() && len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 bytes outside development")
	}
	if c.JWTTTL <= 0 {
		return fmt.Errorf("JWT_TTL must be positive, got %s", c.JWTTTL)
	}

	switch c.ConflictMode {
	case ConflictExact, ConflictOverlap:
	default:
		return fmt.Errorf("CONFLICT_MODE must be %q or %q, got %q", ConflictExact, ConflictOverlap, c.ConflictMode)
	}

	switch c.LockBackend {
	case LockPostgres:
	case LockRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when LOCK_BACKEND is %q", LockRedis)
		}
	default:
		return fmt.Errorf("LOCK_BACKEND must be %q or %q, got %q", LockPostgres, LockRedis, c.LockBackend)
	}

	if _, err := time.LoadLocation(c.ClinicTimezone); err != nil {
		return fmt.Errorf("CLINIC_TIMEZONE is not a valid location: %w", err)
	}
	if c.SlotMinutes < 5 || c.SlotMinutes > 240 {
		return fmt.Errorf("SLOT_MINUTES must be between 5 and 240, got %d", c.SlotMinutes)
	}
	if c.SMTPHost != "" && c.SMTPPort <= 0 {
		return fmt.Errorf("SMTP_PORT is required when SMTP_HOST is set")
	}

	return nil
}
