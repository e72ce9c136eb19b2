/*
Package config loads the server configuration.

PRECEDENCE (later wins):
  1. Built-in defaults (Default)
  2. YAML file, when a path is given and the file exists
  3. .env file in the working directory (missing file ignored)
  4. COMMISSION_* environment variables
  5. Command-line flags (applied by cmd/server)

EXAMPLE FILE:
  server:
    port: 8080
  database:
    driver: postgres
    dsn: postgres://commission@localhost/commission?sslmode=disable
  commission:
    currency: USD
    default_rate: "0.05"
  settlement:
    run_day: 1
    check_interval: 1h
    payout_timeout: 30s
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const envPrefix = "COMMISSION_"

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	SMTP       SMTPConfig       `yaml:"smtp"`
	Auth       AuthConfig       `yaml:"auth"`
	Commission CommissionConfig `yaml:"commission"`
	Settlement SettlementConfig `yaml:"settlement"`
	Payout     PayoutConfig     `yaml:"payout"`
	Tracking   TrackingConfig   `yaml:"tracking"`
	DevMode    bool             `yaml:"dev_mode"`
	LogLevel   string           `yaml:"log_level"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	// TrustProxy takes the client address from X-Forwarded-For / X-Real-IP.
	// Enable only behind a proxy that overwrites those headers.
	TrustProxy bool `yaml:"trust_proxy"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite3 | postgres
	DSN    string `yaml:"dsn"`
}

// RedisConfig selects the attribution store. Empty Addr = in-memory.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// KafkaConfig enables event publishing. No brokers = events dropped.
type KafkaConfig struct {
	Brokers     []string `yaml:"brokers"`
	TopicPrefix string   `yaml:"topic_prefix"`
}

// SMTPConfig enables settlement e-mails. Empty Host = disabled.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

type CommissionConfig struct {
	Currency       string          `yaml:"currency"`
	DefaultRate    decimal.Decimal `yaml:"default_rate"`
	AttributionTTL time.Duration   `yaml:"attribution_ttl"`
	AutoApprove    bool            `yaml:"auto_approve"`
}

type SettlementConfig struct {
	RunDay          int             `yaml:"run_day"`
	CheckInterval   time.Duration   `yaml:"check_interval"`
	MinPayout       decimal.Decimal `yaml:"min_payout"`
	MaxAttempts     int             `yaml:"max_attempts"`
	PayoutTimeout   time.Duration   `yaml:"payout_timeout"`
	StaleProcessing time.Duration   `yaml:"stale_processing"`
}

// PayoutConfig points at the payout API. Empty BaseURL = stub provider,
// allowed only in dev mode.
type PayoutConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

type TrackingConfig struct {
	RatePerMinute int `yaml:"rate_per_minute"`
	Burst         int `yaml:"burst"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			AllowedOrigins:  []string{"http://localhost:5173", "http://localhost:8080"},
		},
		Database: DatabaseConfig{Driver: "sqlite3", DSN: "commission.db"},
		Kafka:    KafkaConfig{TopicPrefix: "commission"},
		SMTP:     SMTPConfig{Port: 2525},
		Commission: CommissionConfig{
			Currency:       "USD",
			DefaultRate:    decimal.RequireFromString("0.05"),
			AttributionTTL: 30 * 24 * time.Hour,
		},
		Settlement: SettlementConfig{
			RunDay:          1,
			CheckInterval:   time.Hour,
			MinPayout:       decimal.Zero,
			MaxAttempts:     3,
			PayoutTimeout:   30 * time.Second,
			StaleProcessing: time.Hour,
		},
		Tracking: TrackingConfig{RatePerMinute: 30, Burst: 10},
		LogLevel: "info",
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path, .env and the environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(raw, cfg); err != nil {
				return nil, fmt.Errorf("parse config file: %w", err)
			}
		case !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	// godotenv never overrides variables already set in the environment.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Server.Port = envInt("PORT", c.Server.Port)
	c.Server.AllowedOrigins = envCSV("ALLOWED_ORIGINS", c.Server.AllowedOrigins)
	c.Server.TrustProxy = envBool("TRUST_PROXY", c.Server.TrustProxy)
	c.Database.Driver = envOrDefault("DB_DRIVER", c.Database.Driver)
	c.Database.DSN = envOrDefault("DB_DSN", c.Database.DSN)
	c.Redis.Addr = envOrDefault("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = envOrDefault("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = envInt("REDIS_DB", c.Redis.DB)
	c.Kafka.Brokers = envCSV("KAFKA_BROKERS", c.Kafka.Brokers)
	c.Kafka.TopicPrefix = envOrDefault("KAFKA_TOPIC_PREFIX", c.Kafka.TopicPrefix)
	c.SMTP.Host = envOrDefault("SMTP_HOST", c.SMTP.Host)
	c.SMTP.Port = envInt("SMTP_PORT", c.SMTP.Port)
	c.SMTP.Username = envOrDefault("SMTP_USER", c.SMTP.Username)
	c.SMTP.Password = envOrDefault("SMTP_PASS", c.SMTP.Password)
	c.SMTP.From = envOrDefault("SMTP_FROM", c.SMTP.From)
	c.Auth.JWTSecret = envOrDefault("JWT_SECRET", c.Auth.JWTSecret)
	c.Commission.Currency = envOrDefault("CURRENCY", c.Commission.Currency)
	c.Commission.AutoApprove = envBool("AUTO_APPROVE", c.Commission.AutoApprove)
	c.Settlement.RunDay = envInt("SETTLEMENT_RUN_DAY", c.Settlement.RunDay)
	c.Settlement.MaxAttempts = envInt("SETTLEMENT_MAX_ATTEMPTS", c.Settlement.MaxAttempts)
	c.Payout.BaseURL = envOrDefault("PAYOUT_BASE_URL", c.Payout.BaseURL)
	c.Payout.APIKey = envOrDefault("PAYOUT_API_KEY", c.Payout.APIKey)
	c.Tracking.RatePerMinute = envInt("TRACKING_RATE_PER_MINUTE", c.Tracking.RatePerMinute)
	c.DevMode = envBool("DEV_MODE", c.DevMode)
	c.LogLevel = envOrDefault("LOG_LEVEL", c.LogLevel)

	var err error
	if c.Commission.DefaultRate, err = envDecimal("DEFAULT_RATE", c.Commission.DefaultRate); err != nil {
		return err
	}
	if c.Settlement.MinPayout, err = envDecimal("MIN_PAYOUT", c.Settlement.MinPayout); err != nil {
		return err
	}
	if c.Settlement.PayoutTimeout, err = envDuration("PAYOUT_TIMEOUT", c.Settlement.PayoutTimeout); err != nil {
		return err
	}
	if c.Settlement.CheckInterval, err = envDuration("SETTLEMENT_CHECK_INTERVAL", c.Settlement.CheckInterval); err != nil {
		return err
	}
	if c.Commission.AttributionTTL, err = envDuration("ATTRIBUTION_TTL", c.Commission.AttributionTTL); err != nil {
		return err
	}
	return nil
}

// Validate rejects values the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.Database.Driver {
	case "sqlite3", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q: want sqlite3 or postgres", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if len(c.Commission.Currency) != 3 {
		errs = append(errs, fmt.Errorf("commission.currency %q is not an ISO 4217 code", c.Commission.Currency))
	}
	if c.Commission.DefaultRate.IsNegative() || c.Commission.DefaultRate.GreaterThan(decimal.NewFromInt(1)) {
		errs = append(errs, fmt.Errorf("commission.default_rate %s outside [0, 1]", c.Commission.DefaultRate))
	}
	if c.Commission.AttributionTTL <= 0 {
		errs = append(errs, errors.New("commission.attribution_ttl must be positive"))
	}
	if c.Settlement.RunDay < 1 || c.Settlement.RunDay > 28 {
		errs = append(errs, fmt.Errorf("settlement.run_day %d outside 1..28", c.Settlement.RunDay))
	}
	if c.Settlement.CheckInterval <= 0 || c.Settlement.PayoutTimeout <= 0 || c.Settlement.StaleProcessing <= 0 {
		errs = append(errs, errors.New("settlement intervals and timeouts must be positive"))
	}
	if c.Settlement.MaxAttempts < 1 {
		errs = append(errs, errors.New("settlement.max_attempts must be at least 1"))
	}
	if c.Settlement.MinPayout.IsNegative() {
		errs = append(errs, errors.New("settlement.min_payout must not be negative"))
	}
	if !c.DevMode {
		if c.Auth.JWTSecret == "" {
			errs = append(errs, errors.New("auth.jwt_secret is required outside dev mode"))
		}
		if c.Payout.BaseURL == "" {
			errs = append(errs, errors.New("payout.base_url is required outside dev mode"))
		}
	}
	return errors.Join(errs...)
}

// =============================================================================
// ENV HELPERS
// =============================================================================

func envOrDefault(name, fallback string) string {
	if value := os.Getenv(envPrefix + name); value != "" {
		return value
	}
	return fallback
}

func envInt(name string, fallback int) int {
	raw := os.Getenv(envPrefix + name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envBool(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(envPrefix + name))
	switch strings.ToLower(raw) {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	default:
		return fallback
	}
}

func envCSV(name string, fallback []string) []string {
	raw := strings.TrimSpace(os.Getenv(envPrefix + name))
	if raw == "" {
		return fallback
	}
	out := make([]string, 0)
	for _, item := range strings.Split(raw, ",") {
		if v := strings.TrimSpace(item); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func envDecimal(name string, fallback decimal.Decimal) (decimal.Decimal, error) {
	raw := strings.TrimSpace(os.Getenv(envPrefix + name))
	if raw == "" {
		return fallback, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return fallback, fmt.Errorf("%s%s: %w", envPrefix, name, err)
	}
	return d, nil
}

func envDuration(name string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(envPrefix + name))
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback, fmt.Errorf("%s%s: %w", envPrefix, name, err)
	}
	return d, nil
}
