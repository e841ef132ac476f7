package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port               string   `mapstructure:"PORT"`
	Env                string   `mapstructure:"ENV"`
	Storage            string   `mapstructure:"STORAGE"`
	DatabaseURL        string   `mapstructure:"DATABASE_URL"`
	DBMaxConns         int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns         int32    `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir      string   `mapstructure:"MIGRATIONS_DIR"`
	RedisURL           string   `mapstructure:"REDIS_URL"`
	AuthIssuer         string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL        string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience       string   `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey     string   `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins        []string `mapstructure:"CORS_ORIGINS"`
	HIPAAEncryptionKey string   `mapstructure:"HIPAA_ENCRYPTION_KEY"`

	SMTPHost     string `mapstructure:"SMTP_HOST"`
	SMTPPort     int    `mapstructure:"SMTP_PORT"`
	SMTPUsername string `mapstructure:"SMTP_USERNAME"`
	SMTPPassword string `mapstructure:"SMTP_PASSWORD"`
	SMTPFrom     string `mapstructure:"SMTP_FROM"`

	NotifyWebhookURL    string `mapstructure:"NOTIFY_WEBHOOK_URL"`
	NotifyWebhookSecret string `mapstructure:"NOTIFY_WEBHOOK_SECRET"`

	NotifyMaxAttempts     int           `mapstructure:"NOTIFY_MAX_ATTEMPTS"`
	NotifyDeliveryTimeout time.Duration `mapstructure:"NOTIFY_DELIVERY_TIMEOUT"`
	NotifyConcurrency     int           `mapstructure:"NOTIFY_CONCURRENCY"`
	NotifyProcessingLease time.Duration `mapstructure:"NOTIFY_PROCESSING_LEASE"`
	QueuePollInterval     time.Duration `mapstructure:"QUEUE_POLL_INTERVAL"`
	QueueBatchSize        int           `mapstructure:"QUEUE_BATCH_SIZE"`
	PendingRequestTTL     time.Duration `mapstructure:"PENDING_REQUEST_TTL"`
	MaxTimeWindowHours    int           `mapstructure:"MAX_TIME_WINDOW_HOURS"`
	NodeID                int64         `mapstructure:"NODE_ID"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORAGE", "postgres")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("MIGRATIONS_DIR", "migrations")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("SMTP_PORT", 587)
	v.SetDefault("SMTP_FROM", "no-reply@consent.local")
	v.SetDefault("NOTIFY_MAX_ATTEMPTS", 3)
	v.SetDefault("NOTIFY_DELIVERY_TIMEOUT", "10s")
	v.SetDefault("NOTIFY_CONCURRENCY", 4)
	v.SetDefault("NOTIFY_PROCESSING_LEASE", "10m")
	v.SetDefault("QUEUE_POLL_INTERVAL", "0s")
	v.SetDefault("QUEUE_BATCH_SIZE", 25)
	v.SetDefault("PENDING_REQUEST_TTL", "24h")
	v.SetDefault("MAX_TIME_WINDOW_HOURS", 720)
	v.SetDefault("NODE_ID", 1)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "STORAGE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "MIGRATIONS_DIR",
		"REDIS_URL", "AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
		"CORS_ORIGINS", "HIPAA_ENCRYPTION_KEY",
		"SMTP_HOST", "SMTP_PORT", "SMTP_USERNAME", "SMTP_PASSWORD", "SMTP_FROM",
		"NOTIFY_WEBHOOK_URL", "NOTIFY_WEBHOOK_SECRET",
		"NOTIFY_MAX_ATTEMPTS", "NOTIFY_DELIVERY_TIMEOUT", "NOTIFY_CONCURRENCY",
		"NOTIFY_PROCESSING_LEASE",
		"QUEUE_POLL_INTERVAL", "QUEUE_BATCH_SIZE", "PENDING_REQUEST_TTL",
		"MAX_TIME_WINDOW_HOURS", "NODE_ID",
	} {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" && !cfg.InMemory() {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: Requests without a bearer token are treated as admin.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// InMemory reports whether grants, tokens and jobs live in process memory
// instead of PostgreSQL.
func (c *Config) InMemory() bool {
	return c.Storage == "memory"
}

// SMTPEnabled reports whether email delivery of notification jobs is configured.
func (c *Config) SMTPEnabled() bool {
	return c.SMTPHost != ""
}

// WebhookEnabled reports whether organization notices go to a webhook.
func (c *Config) WebhookEnabled() bool {
	return c.NotifyWebhookURL != ""
}

// Validate checks that the configuration is safe to run. Outside development
// either AUTH_ISSUER or AUTH_SIGNING_KEY must be set so bearer tokens are
// verified. In production HIPAA_ENCRYPTION_KEY is required and must be a
// 64-character hex string.
func (c *Config) Validate() error {
	if c.Storage != "postgres" && c.Storage != "memory" {
		return fmt.Errorf("STORAGE must be \"postgres\" or \"memory\", got %q", c.Storage)
	}
	if !c.IsDev() && c.AuthIssuer == "" && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_ISSUER or AUTH_SIGNING_KEY must be set when ENV=%q", c.Env)
	}
	if c.IsProduction() && c.InMemory() {
		return fmt.Errorf("STORAGE=memory is not allowed in production")
	}

	if c.IsProduction() && c.HIPAAEncryptionKey == "" {
		return fmt.Errorf("HIPAA_ENCRYPTION_KEY is required in production")
	}
	if c.HIPAAEncryptionKey != "" {
		keyBytes, err := hex.DecodeString(c.HIPAAEncryptionKey)
		if err != nil {
			return fmt.Errorf("HIPAA_ENCRYPTION_KEY is not valid hex: %w", err)
		}
		if len(keyBytes) != 32 {
			return fmt.Errorf("HIPAA_ENCRYPTION_KEY must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
		}
	}

	if c.WebhookEnabled() && c.NotifyWebhookSecret == "" {
		return fmt.Errorf("NOTIFY_WEBHOOK_SECRET is required when NOTIFY_WEBHOOK_URL is set")
	}
	if c.NotifyMaxAttempts < 1 {
		return fmt.Errorf("NOTIFY_MAX_ATTEMPTS must be at least 1, got %d", c.NotifyMaxAttempts)
	}
	if c.NotifyConcurrency < 1 {
		return fmt.Errorf("NOTIFY_CONCURRENCY must be at least 1, got %d", c.NotifyConcurrency)
	}
	if c.NotifyDeliveryTimeout <= 0 {
		return fmt.Errorf("NOTIFY_DELIVERY_TIMEOUT must be positive")
	}
	if c.NotifyProcessingLease > 0 && c.NotifyProcessingLease <= c.NotifyDeliveryTimeout {
		return fmt.Errorf("NOTIFY_PROCESSING_LEASE must be longer than NOTIFY_DELIVERY_TIMEOUT")
	}
	if c.QueueBatchSize < 1 || c.QueueBatchSize > 100 {
		return fmt.Errorf("QUEUE_BATCH_SIZE must be between 1 and 100, got %d", c.QueueBatchSize)
	}
	if c.MaxTimeWindowHours < 1 {
		return fmt.Errorf("MAX_TIME_WINDOW_HOURS must be at least 1, got %d", c.MaxTimeWindowHours)
	}
	if c.NodeID < 0 || c.NodeID > 1023 {
		return fmt.Errorf("NODE_ID must be between 0 and 1023, got %d", c.NodeID)
	}

	return nil
}
