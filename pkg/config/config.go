package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/pario-ai/switchboard/pkg/alert"
	"github.com/pario-ai/switchboard/pkg/audit"
	"github.com/pario-ai/switchboard/pkg/dispatch"
	"github.com/pario-ai/switchboard/pkg/events"
	"github.com/pario-ai/switchboard/pkg/health"
	"github.com/pario-ai/switchboard/pkg/models"
	"github.com/pario-ai/switchboard/pkg/provider"
	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// EnvPrefix prefixes every environment override, e.g. SWITCHBOARD_LISTEN.
const EnvPrefix = "switchboard"

// Config holds all switchboard configuration.
type Config struct {
	Listen      string             `yaml:"listen"`
	DBPath      string             `yaml:"db_path"`
	Environment string             `yaml:"environment"`
	Log         LogConfig          `yaml:"log"`
	Providers   []provider.Config  `yaml:"providers"`
	Pricing     PricingConfig      `yaml:"pricing"`
	Health      health.Config      `yaml:"health"`
	Budget      BudgetConfig       `yaml:"budget"`
	Dispatch    dispatch.Config    `yaml:"dispatch"`
	Pending     PendingConfig      `yaml:"pending"`
	Audit       audit.Config       `yaml:"audit"`
	Events      events.KafkaConfig `yaml:"events"`
	Sentry      alert.SentryConfig `yaml:"sentry"`
	Metrics     MetricsConfig      `yaml:"metrics"`
}

// LogConfig selects the logrus level and formatter.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// PricingConfig points at an optional pricing override file.
type PricingConfig struct {
	Path  string `yaml:"path"`
	Watch bool   `yaml:"watch"`
}

// BudgetConfig lists the configured scopes. Owners without a scope are
// unlimited.
type BudgetConfig struct {
	Scopes []models.BudgetPolicy `yaml:"scopes"`
}

// PendingConfig selects the pending-commit queue backend.
type PendingConfig struct {
	Backend  string `yaml:"backend"` // sqlite or redis
	DBPath   string `yaml:"db_path"`
	RedisURL string `yaml:"redis_url"`
	Prefix   string `yaml:"prefix"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen:      ":8080",
		DBPath:      "switchboard.db",
		Environment: "development",
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Health:   health.DefaultConfig(),
		Dispatch: dispatch.DefaultConfig(),
		Pending: PendingConfig{
			Backend: "sqlite",
			DBPath:  "switchboard-pending.db",
			Prefix:  "switchboard",
		},
		Audit: audit.Config{
			Enabled:       true,
			DBPath:        "switchboard-audit.db",
			RetentionDays: 30,
			MaxErrorSize:  2048,
		},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// overrides are read from SWITCHBOARD_* variables after the file.
type overrides struct {
	Listen       string        `envconfig:"LISTEN"`
	DBPath       string        `envconfig:"DB_PATH"`
	Environment  string        `envconfig:"ENV"`
	LogLevel     string        `envconfig:"LOG_LEVEL"`
	LogFormat    string        `envconfig:"LOG_FORMAT"`
	PricingPath  string        `envconfig:"PRICING_PATH"`
	RedisURL     string        `envconfig:"REDIS_URL"`
	KafkaBrokers []string      `envconfig:"KAFKA_BROKERS"`
	KafkaTopic   string        `envconfig:"KAFKA_TOPIC"`
	SentryDSN    string        `envconfig:"SENTRY_DSN"`
	Timeout      time.Duration `envconfig:"ATTEMPT_TIMEOUT"`
}

// LoadDotEnv loads .env style files into the process environment. Missing
// files are skipped; variables already set win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads a YAML config file, expands environment variables, applies
// SWITCHBOARD_* overrides and validates the result. An empty path yields
// the defaults plus overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}

		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var o overrides
	if err := envconfig.Process(EnvPrefix, &o); err != nil {
		return fmt.Errorf("read environment: %w", err)
	}
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&c.Listen, o.Listen)
	set(&c.DBPath, o.DBPath)
	set(&c.Environment, o.Environment)
	set(&c.Log.Level, o.LogLevel)
	set(&c.Log.Format, o.LogFormat)
	set(&c.Pricing.Path, o.PricingPath)
	set(&c.Events.Topic, o.KafkaTopic)
	set(&c.Sentry.DSN, o.SentryDSN)
	if o.RedisURL != "" {
		c.Pending.RedisURL = o.RedisURL
		c.Pending.Backend = "redis"
	}
	if len(o.KafkaBrokers) > 0 {
		c.Events.Brokers = o.KafkaBrokers
	}
	if o.Timeout > 0 {
		c.Dispatch.AttemptTimeout = o.Timeout
	}
	if c.Sentry.Environment == "" {
		c.Sentry.Environment = c.Environment
	}
	return nil
}

// Validate checks the provider, budget and backend sections.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	seen := make(map[string]bool)
	for i, p := range c.Providers {
		switch {
		case p.Name == "":
			bad("providers[%d]: missing name", i)
		case seen[p.Name]:
			bad("providers[%d]: duplicate name %q", i, p.Name)
		}
		seen[p.Name] = true
		if p.URL == "" {
			bad("provider %s: missing url", p.Name)
		}
		switch strings.ToLower(p.Type) {
		case "", "openai", "anthropic":
		default:
			bad("provider %s: unknown type %q", p.Name, p.Type)
		}
		if p.RequestsPerMinute < 0 {
			bad("provider %s: requests_per_minute must not be negative", p.Name)
		}
	}

	for i, s := range c.Budget.Scopes {
		kind, err := models.ParseOwnerKind(string(s.Kind))
		if err != nil {
			bad("budget.scopes[%d]: %v", i, err)
		} else {
			c.Budget.Scopes[i].Kind = kind
		}
		if kind != models.OwnerGlobal && s.Owner == "" {
			bad("budget.scopes[%d]: owner is required (use \"*\" for every owner)", i)
		}
		if period, err := models.ParsePeriod(string(s.Period)); err != nil {
			bad("budget.scopes[%d]: %v", i, err)
		} else {
			c.Budget.Scopes[i].Period = period
		}
		if s.Limit.IsNegative() {
			bad("budget.scopes[%d]: limit must not be negative", i)
		}
		if s.WarnAt < 0 || s.WarnAt > 1 {
			bad("budget.scopes[%d]: warn_at must be between 0 and 1", i)
		}
		switch s.Overflow {
		case models.OverflowDeny, models.OverflowAllowAndFlag:
		case "":
			c.Budget.Scopes[i].Overflow = models.OverflowDeny
		default:
			bad("budget.scopes[%d]: unknown overflow %q", i, s.Overflow)
		}
	}

	switch c.Pending.Backend {
	case "", "sqlite":
	case "redis":
		if c.Pending.RedisURL == "" {
			bad("pending: redis backend needs redis_url")
		}
	default:
		bad("pending: unknown backend %q", c.Pending.Backend)
	}

	if len(c.Events.Brokers) > 0 && c.Events.Topic == "" {
		bad("events: topic is required when brokers are set")
	}
	if c.Dispatch.MaxAttempts < 0 {
		bad("dispatch: max_attempts must not be negative")
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		bad("log: unknown format %q", c.Log.Format)
	}

	return errors.Join(errs...)
}
