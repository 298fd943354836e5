// Package config loads tiltguard configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/mbd888/tiltguard/internal/security"
)

// Config holds all process configuration.
type Config struct {
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage. DATABASE_URL selects Postgres; otherwise SQLITE_PATH selects
	// an embedded SQLite file; otherwise everything is in memory.
	DatabaseURL string
	SQLitePath  string

	PolicyFile    string
	PolicyProfile string

	LLMAPIURL  string
	LLMAPIKey  string
	LLMModel   string
	LLMTimeout time.Duration

	PatternCacheTTL   time.Duration
	HistoryFetchLimit int
	LearnerSchedule   string

	OTLPEndpoint string

	// CORSOrigins lists browser origins allowed to call the API; "*" allows any.
	CORSOrigins []string

	// parse failures found by Load, reported by Validate
	parseErrs []error
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
	DefaultPolicyProfile     = "moderate"
	DefaultLLMModel          = "gpt-4o-mini"
	DefaultLLMTimeout        = 8 * time.Second
	DefaultPatternCacheTTL   = 10 * time.Minute
	DefaultHistoryFetchLimit = 200
	DefaultLearnerSchedule   = "0 0 3 * * *" // daily 03:00, with seconds field
)

// CronParser accepts the six-field (seconds first) expressions the learner
// schedule uses, plus descriptors like "@hourly".
var CronParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Load reads configuration from the environment, loading .env first when
// present, and validates it.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:            getEnv("PORT", DefaultPort),
		Env:             getEnv("ENV", DefaultEnv),
		LogLevel:        getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:       getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		SQLitePath:      os.Getenv("SQLITE_PATH"),
		PolicyFile:      os.Getenv("POLICY_FILE"),
		PolicyProfile:   getEnv("POLICY_PROFILE", DefaultPolicyProfile),
		LLMAPIURL:       os.Getenv("LLM_API_URL"),
		LLMAPIKey:       os.Getenv("LLM_API_KEY"),
		LLMModel:        getEnv("LLM_MODEL", DefaultLLMModel),
		LearnerSchedule: getEnv("LEARNER_SCHEDULE", DefaultLearnerSchedule),
		OTLPEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		CORSOrigins:     splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),
	}
	cfg.LLMTimeout = cfg.durationEnv("LLM_TIMEOUT", DefaultLLMTimeout)
	cfg.PatternCacheTTL = cfg.durationEnv("PATTERN_CACHE_TTL", DefaultPatternCacheTTL)
	cfg.HistoryFetchLimit = cfg.intEnv("HISTORY_FETCH_LIMIT", DefaultHistoryFetchLimit)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	errs := append([]error(nil), c.parseErrs...)

	if p, err := strconv.Atoi(c.Port); err != nil || p <= 0 || p > 65535 {
		errs = append(errs, fmt.Errorf("PORT must be a port number, got %q", c.Port))
	}
	switch c.Env {
	case "development", "staging", "production", "test":
	default:
		errs = append(errs, fmt.Errorf("ENV must be development, staging, production or test, got %q", c.Env))
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat))
	}
	if c.PolicyProfile == "" {
		errs = append(errs, errors.New("POLICY_PROFILE must not be empty"))
	}
	if c.LLMAPIURL != "" {
		if !strings.HasPrefix(c.LLMAPIURL, "http://") && !strings.HasPrefix(c.LLMAPIURL, "https://") {
			errs = append(errs, fmt.Errorf("LLM_API_URL must be an http(s) URL, got %q", c.LLMAPIURL))
		}
		if c.LLMModel == "" {
			errs = append(errs, errors.New("LLM_MODEL is required when LLM_API_URL is set"))
		}
		if c.IsProduction() {
			if err := security.CheckOutboundURL(c.LLMAPIURL); err != nil {
				errs = append(errs, fmt.Errorf("LLM_API_URL: %w", err))
			}
		}
	}
	if c.LLMTimeout <= 0 {
		errs = append(errs, errors.New("LLM_TIMEOUT must be positive"))
	}
	if c.PatternCacheTTL <= 0 {
		errs = append(errs, errors.New("PATTERN_CACHE_TTL must be positive"))
	}
	if c.HistoryFetchLimit <= 0 {
		errs = append(errs, errors.New("HISTORY_FETCH_LIMIT must be positive"))
	}
	if c.LearnerSchedule != "" {
		if _, err := CronParser.Parse(c.LearnerSchedule); err != nil {
			errs = append(errs, fmt.Errorf("LEARNER_SCHEDULE: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (c *Config) IsDevelopment() bool { return c.Env == "development" }

func (c *Config) IsProduction() bool { return c.Env == "production" }

// LLMEnabled reports whether a hosted scorer is configured.
func (c *Config) LLMEnabled() bool { return c.LLMAPIURL != "" }

// StorageBackend names the store Load's settings select.
func (c *Config) StorageBackend() string {
	switch {
	case c.DatabaseURL != "":
		return "postgres"
	case c.SQLitePath != "":
		return "sqlite"
	}
	return "memory"
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func (c *Config) durationEnv(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		c.parseErrs = append(c.parseErrs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func (c *Config) intEnv(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		c.parseErrs = append(c.parseErrs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}
