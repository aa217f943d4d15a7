package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL       string        `mapstructure:"REDIS_URL"`
	AMQPURL        string        `mapstructure:"AMQP_URL"`
	NotifyQueue    string        `mapstructure:"NOTIFY_QUEUE"`
	AuthSigningKey string        `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string        `mapstructure:"AUTH_AUDIENCE"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	TLSEnabled     bool          `mapstructure:"TLS_ENABLED"`
	TLSCertFile    string        `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile     string        `mapstructure:"TLS_KEY_FILE"`

	ClinicTimezone        string `mapstructure:"CLINIC_TIMEZONE"`
	ConsultationFee       int64  `mapstructure:"CONSULTATION_FEE"`
	CancellationDeduction int64  `mapstructure:"CANCELLATION_DEDUCTION"`
	MinAdvanceDays        int    `mapstructure:"MIN_ADVANCE_DAYS"`
	MaxAdvanceDays        int    `mapstructure:"MAX_ADVANCE_DAYS"`

	PaymentWebhookURL    string `mapstructure:"PAYMENT_WEBHOOK_URL"`
	PaymentWebhookSecret string `mapstructure:"PAYMENT_WEBHOOK_SECRET"`

	SchedulerEnabled  bool   `mapstructure:"SCHEDULER_ENABLED"`
	SweepExpireSpec   string `mapstructure:"SWEEP_EXPIRE_SPEC"`
	SweepUnpaidSpec   string `mapstructure:"SWEEP_UNPAID_SPEC"`
	SweepPastSpec     string `mapstructure:"SWEEP_PAST_SPEC"`
	SweepReminderSpec string `mapstructure:"SWEEP_REMINDER_SPEC"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "AMQP_URL", "NOTIFY_QUEUE",
	"AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE", "CORS_ORIGINS",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT",
	"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
	"CLINIC_TIMEZONE", "CONSULTATION_FEE", "CANCELLATION_DEDUCTION",
	"MIN_ADVANCE_DAYS", "MAX_ADVANCE_DAYS",
	"PAYMENT_WEBHOOK_URL", "PAYMENT_WEBHOOK_SECRET",
	"SCHEDULER_ENABLED", "SWEEP_EXPIRE_SPEC", "SWEEP_UNPAID_SPEC",
	"SWEEP_PAST_SPEC", "SWEEP_REMINDER_SPEC",
}

// Load reads configuration from an optional .env file and the environment.
// It does not call Validate.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("NOTIFY_QUEUE", "consultation.notifications")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("CLINIC_TIMEZONE", "UTC")
	v.SetDefault("CONSULTATION_FEE", 1000)
	v.SetDefault("CANCELLATION_DEDUCTION", 250)
	v.SetDefault("MIN_ADVANCE_DAYS", 3)
	v.SetDefault("MAX_ADVANCE_DAYS", 30)
	v.SetDefault("SCHEDULER_ENABLED", true)
	v.SetDefault("SWEEP_EXPIRE_SPEC", "@hourly")
	v.SetDefault("SWEEP_UNPAID_SPEC", "@every 6h")
	v.SetDefault("SWEEP_PAST_SPEC", "@every 15m")
	v.SetDefault("SWEEP_REMINDER_SPEC", "0 9 * * *")

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

	if cfg.CORSOrigins == nil || (len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",")) {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
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

// Location returns the clinic time zone; Validate guarantees it loads.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.ClinicTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// SweepSpecs maps sweep task names to their cron schedules.
func (c *Config) SweepSpecs() map[string]string {
	return map[string]string{
		"expire-requests": c.SweepExpireSpec,
		"cancel-unpaid":   c.SweepUnpaidSpec,
		"mark-past":       c.SweepPastSpec,
		"reminders":       c.SweepReminderSpec,
	}
}

// Validate checks that the configuration is safe to run. Outside development
// AUTH_SIGNING_KEY must be set so that real JWT authentication is enforced.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is required when ENV=%q", c.Env)
	}
	if c.AuthSigningKey != "" && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes, got %d", len(c.AuthSigningKey))
	}

	if c.ConsultationFee <= 0 {
		return fmt.Errorf("CONSULTATION_FEE must be positive, got %d", c.ConsultationFee)
	}
	if c.CancellationDeduction < 0 || c.CancellationDeduction > c.ConsultationFee {
		return fmt.Errorf("CANCELLATION_DEDUCTION must be between 0 and CONSULTATION_FEE (%d), got %d",
			c.ConsultationFee, c.CancellationDeduction)
	}
	if c.MinAdvanceDays < 0 || c.MinAdvanceDays > c.MaxAdvanceDays {
		return fmt.Errorf("MIN_ADVANCE_DAYS (%d) must be between 0 and MAX_ADVANCE_DAYS (%d)",
			c.MinAdvanceDays, c.MaxAdvanceDays)
	}
	if _, err := time.LoadLocation(c.ClinicTimezone); err != nil {
		return fmt.Errorf("CLINIC_TIMEZONE %q: %w", c.ClinicTimezone, err)
	}

	if c.PaymentWebhookURL != "" && c.PaymentWebhookSecret == "" {
		return fmt.Errorf("PAYMENT_WEBHOOK_SECRET is required when PAYMENT_WEBHOOK_URL is set")
	}

	for name, spec := range c.SweepSpecs() {
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("sweep %s schedule %q: %w", name, spec, err)
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
