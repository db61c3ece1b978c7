package config

import (
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store drivers.
const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreMemory   = "memory"
)

// Auth modes.
const (
	AuthDevelopment = "development"
	AuthJWT         = "jwt"
)

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	AuthMode string `mapstructure:"AUTH_MODE"`

	StoreDriver string `mapstructure:"STORE_DRIVER"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBSchema    string `mapstructure:"DB_SCHEMA"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	// DBConnectTimeout bounds how long startup waits for Postgres.
	DBConnectTimeout time.Duration `mapstructure:"DB_CONNECT_TIMEOUT"`
	SQLitePath  string `mapstructure:"SQLITE_PATH"`

	RedisURL string        `mapstructure:"REDIS_URL"`
	LockTTL  time.Duration `mapstructure:"LOCK_TTL"`

	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string   `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string   `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`
	TLSEnabled     bool     `mapstructure:"TLS_ENABLED"`
	TLSCertFile    string   `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile     string   `mapstructure:"TLS_KEY_FILE"`

	DispatchPacing           time.Duration `mapstructure:"DISPATCH_PACING"`
	DispatchBatchSize        int           `mapstructure:"DISPATCH_BATCH_SIZE"`
	DispatchErrorBackoff     time.Duration `mapstructure:"DISPATCH_ERROR_BACKOFF"`
	SchedulerInterval        time.Duration `mapstructure:"SCHEDULER_INTERVAL"`
	EscalationDefaultDelay   time.Duration `mapstructure:"ESCALATION_DEFAULT_DELAY"`
	EscalationDefaultChannel string        `mapstructure:"ESCALATION_DEFAULT_CHANNEL"`
	EscalationLookback       time.Duration `mapstructure:"ESCALATION_LOOKBACK"`
	EscalationRetryAfter     time.Duration `mapstructure:"ESCALATION_RETRY_AFTER"`
	DefaultTimezone          string        `mapstructure:"DEFAULT_TIMEZONE"`

	DefaultCountryCode   string        `mapstructure:"DEFAULT_COUNTRY_CODE"`
	TwilioAccountSID     string        `mapstructure:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken      string        `mapstructure:"TWILIO_AUTH_TOKEN"`
	TwilioPhoneNumber    string        `mapstructure:"TWILIO_PHONE_NUMBER"`
	TwilioWhatsAppNumber string        `mapstructure:"TWILIO_WHATSAPP_NUMBER"`
	ResendAPIKey         string        `mapstructure:"RESEND_API_KEY"`
	EmailFrom            string        `mapstructure:"EMAIL_FROM"`
	PushoverToken        string        `mapstructure:"PUSHOVER_TOKEN"`
	TelegramBotToken     string        `mapstructure:"TELEGRAM_BOT_TOKEN"`
	WebhookURL           string        `mapstructure:"WEBHOOK_URL"`
	WebhookSecret        string        `mapstructure:"WEBHOOK_SECRET"`
	SenderTimeout        time.Duration `mapstructure:"SENDER_TIMEOUT"`
	DeliveryLogOnly      bool          `mapstructure:"DELIVERY_LOG_ONLY"`
}

var envKeys = []string{
	"PORT", "ENV", "AUTH_MODE",
	"STORE_DRIVER", "DATABASE_URL", "DB_SCHEMA", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_CONNECT_TIMEOUT", "SQLITE_PATH",
	"REDIS_URL", "LOCK_TTL",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
	"DISPATCH_PACING", "DISPATCH_BATCH_SIZE", "DISPATCH_ERROR_BACKOFF", "SCHEDULER_INTERVAL",
	"ESCALATION_DEFAULT_DELAY", "ESCALATION_DEFAULT_CHANNEL", "ESCALATION_LOOKBACK",
	"ESCALATION_RETRY_AFTER",
	"DEFAULT_TIMEZONE", "DEFAULT_COUNTRY_CODE",
	"TWILIO_ACCOUNT_SID", "TWILIO_AUTH_TOKEN", "TWILIO_PHONE_NUMBER", "TWILIO_WHATSAPP_NUMBER",
	"RESEND_API_KEY", "EMAIL_FROM", "PUSHOVER_TOKEN", "TELEGRAM_BOT_TOKEN",
	"WEBHOOK_URL", "WEBHOOK_SECRET",
	"SENDER_TIMEOUT", "DELIVERY_LOG_ONLY",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // auto-detect: "" -> inferred from ENV
	v.SetDefault("STORE_DRIVER", StorePostgres)
	v.SetDefault("DB_SCHEMA", "public")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DB_CONNECT_TIMEOUT", "30s")
	v.SetDefault("SQLITE_PATH", "reminders.db")
	v.SetDefault("LOCK_TTL", "2m")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("DISPATCH_PACING", "1s")
	v.SetDefault("DISPATCH_BATCH_SIZE", 100)
	v.SetDefault("DISPATCH_ERROR_BACKOFF", "5m")
	v.SetDefault("SCHEDULER_INTERVAL", "1m")
	v.SetDefault("ESCALATION_DEFAULT_DELAY", "2h")
	v.SetDefault("ESCALATION_DEFAULT_CHANNEL", "sms")
	v.SetDefault("ESCALATION_LOOKBACK", "72h")
	v.SetDefault("ESCALATION_RETRY_AFTER", "15m")
	v.SetDefault("DEFAULT_TIMEZONE", "Asia/Kolkata")
	v.SetDefault("DEFAULT_COUNTRY_CODE", "91")
	v.SetDefault("EMAIL_FROM", "Health Portal <reminders@healthportal.local>")
	v.SetDefault("SENDER_TIMEOUT", "10s")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
		_ = v.BindEnv(key)
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
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))

	if cfg.StoreDriver == StorePostgres && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is %q", StorePostgres)
	}

	if cfg.ResolvedAuthMode() == AuthDevelopment {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running with development auth.")
		log.Println("WARNING: DevAuthMiddleware is active; unauthenticated requests get admin access.")
		log.Println("WARNING: Do NOT use this configuration in production.")
		log.Println("WARNING: Set ENV=production and AUTH_ISSUER or AUTH_SIGNING_KEY.")
		log.Println("WARNING: ============================================================")
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

// ResolvedAuthMode returns the effective auth mode. If AUTH_MODE is explicitly
// set, it is returned. Otherwise ENV=development means development auth and
// anything else means JWT.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return AuthDevelopment
	}
	return AuthJWT
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch mode := c.ResolvedAuthMode(); mode {
	case AuthDevelopment:
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE %q is not allowed when ENV=production", mode)
		}
	case AuthJWT:
		if c.AuthIssuer == "" && c.AuthSigningKey == "" {
			return fmt.Errorf(
				"AUTH_ISSUER or AUTH_SIGNING_KEY must be set when AUTH_MODE is %q (current ENV=%q). "+
					"Refusing to start without authentication configuration", mode, c.Env)
		}
	default:
		return fmt.Errorf("AUTH_MODE must be %q or %q, got %q", AuthDevelopment, AuthJWT, mode)
	}

	switch c.StoreDriver {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is %q", StorePostgres)
		}
	case StoreSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when STORE_DRIVER is %q", StoreSQLite)
		}
	case StoreMemory:
		if c.IsProduction() {
			return fmt.Errorf("STORE_DRIVER %q is not allowed in production", StoreMemory)
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be %q, %q or %q, got %q", StorePostgres, StoreSQLite, StoreMemory, c.StoreDriver)
	}

	if c.DispatchPacing < 0 {
		return fmt.Errorf("DISPATCH_PACING must not be negative, got %s", c.DispatchPacing)
	}
	if c.DispatchBatchSize <= 0 {
		return fmt.Errorf("DISPATCH_BATCH_SIZE must be positive, got %d", c.DispatchBatchSize)
	}
	if c.DispatchErrorBackoff <= 0 {
		return fmt.Errorf("DISPATCH_ERROR_BACKOFF must be positive, got %s", c.DispatchErrorBackoff)
	}
	if c.EscalationRetryAfter <= 0 {
		return fmt.Errorf("ESCALATION_RETRY_AFTER must be positive, got %s", c.EscalationRetryAfter)
	}
	if c.SchedulerInterval < 0 {
		return fmt.Errorf("SCHEDULER_INTERVAL must not be negative, got %s", c.SchedulerInterval)
	}
	if c.EscalationDefaultDelay <= 0 {
		return fmt.Errorf("ESCALATION_DEFAULT_DELAY must be positive, got %s", c.EscalationDefaultDelay)
	}
	if c.EscalationLookback < c.EscalationDefaultDelay {
		return fmt.Errorf("ESCALATION_LOOKBACK (%s) must be at least ESCALATION_DEFAULT_DELAY (%s)",
			c.EscalationLookback, c.EscalationDefaultDelay)
	}
	if _, err := time.LoadLocation(c.DefaultTimezone); err != nil {
		return fmt.Errorf("DEFAULT_TIMEZONE %q: %w", c.DefaultTimezone, err)
	}

	if c.TwilioAccountSID != "" && (c.TwilioAuthToken == "" || c.TwilioPhoneNumber == "") {
		return fmt.Errorf("TWILIO_AUTH_TOKEN and TWILIO_PHONE_NUMBER are required when TWILIO_ACCOUNT_SID is set")
	}
	if c.ResendAPIKey != "" && c.EmailFrom == "" {
		return fmt.Errorf("EMAIL_FROM is required when RESEND_API_KEY is set")
	}
	if c.WebhookURL != "" {
		u, err := url.Parse(c.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("WEBHOOK_URL must be an absolute http or https URL, got %q", c.WebhookURL)
		}
		if c.IsProduction() && c.WebhookSecret == "" {
			return fmt.Errorf("WEBHOOK_SECRET is required when WEBHOOK_URL is set in production")
		}
	}

	// TLS validation: when TLS is enabled, cert and key files must be specified.
	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}

	return nil
}
