// Package config handles application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid config")

// SMTP holds outgoing mail settings.
type SMTP struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Config holds the application configuration.
type Config struct {
	RegistryURL       string
	PollInterval      time.Duration
	DatabasePath      string
	RedisURL          string
	LogLevel          string
	HTTPAddr          string
	SubscriptionsFile string
	StrictConfig      bool
	InstanceID        string

	SMTP SMTP

	ChatRatePerMinute int
	DestRatePerMinute int

	RetryAttemptsChat    int
	RetryAttemptsWebhook int
	RetryAttemptsEmail   int
}

// Load reads configuration from environment variables. It fails only on
// values that cannot be parsed; use Validate for range checks.
func Load() (*Config, error) {
	cfg := &Config{
		RegistryURL:       envOr("REGISTRY_URL", "https://registry.modelcontextprotocol.io"),
		DatabasePath:      envOr("DATABASE_PATH", "./data/watch.db"),
		RedisURL:          os.Getenv("REDIS_URL"),
		LogLevel:          envOr("LOG_LEVEL", "info"),
		HTTPAddr:          envOr("HTTP_ADDR", ":8080"),
		SubscriptionsFile: os.Getenv("SUBSCRIPTIONS_FILE"),
		InstanceID:        os.Getenv("INSTANCE_ID"),
		SMTP: SMTP{
			Host:     os.Getenv("SMTP_HOST"),
			Username: os.Getenv("SMTP_USERNAME"),
			Password: os.Getenv("SMTP_PASSWORD"),
			From:     os.Getenv("SMTP_FROM"),
		},
	}
	if cfg.HTTPAddr == "off" {
		cfg.HTTPAddr = ""
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID, _ = os.Hostname()
	}

	var err error
	if cfg.PollInterval, err = durationEnv("POLL_INTERVAL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.StrictConfig, err = boolEnv("STRICT_CONFIG", false); err != nil {
		return nil, err
	}
	ints := []struct {
		key  string
		def  int
		dest *int
	}{
		{"SMTP_PORT", 587, &cfg.SMTP.Port},
		{"CHAT_RATE_PER_MINUTE", 30, &cfg.ChatRatePerMinute},
		{"DEST_RATE_PER_MINUTE", 60, &cfg.DestRatePerMinute},
		{"RETRY_ATTEMPTS_CHAT", 3, &cfg.RetryAttemptsChat},
		{"RETRY_ATTEMPTS_WEBHOOK", 3, &cfg.RetryAttemptsWebhook},
		{"RETRY_ATTEMPTS_EMAIL", 2, &cfg.RetryAttemptsEmail},
	}
	for _, i := range ints {
		if *i.dest, err = intEnv(i.key, i.def); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Validate reports every out-of-range setting.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if u, err := url.Parse(c.RegistryURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		add("REGISTRY_URL %q must be an absolute http(s) URL", c.RegistryURL)
	}
	if c.PollInterval < 10*time.Second {
		add("POLL_INTERVAL %s is below the 10s minimum", c.PollInterval)
	}
	if c.DatabasePath == "" {
		add("DATABASE_PATH is empty")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		add("LOG_LEVEL %q is not one of debug, info, warn, error", c.LogLevel)
	}
	if c.ChatRatePerMinute < 0 {
		add("CHAT_RATE_PER_MINUTE must not be negative")
	}
	if c.DestRatePerMinute < 0 {
		add("DEST_RATE_PER_MINUTE must not be negative")
	}
	for key, n := range map[string]int{
		"RETRY_ATTEMPTS_CHAT":    c.RetryAttemptsChat,
		"RETRY_ATTEMPTS_WEBHOOK": c.RetryAttemptsWebhook,
		"RETRY_ATTEMPTS_EMAIL":   c.RetryAttemptsEmail,
	} {
		if n < 1 || n > 10 {
			add("%s %d must be between 1 and 10", key, n)
		}
	}
	if c.SMTP.Host != "" {
		if c.SMTP.Port < 1 || c.SMTP.Port > 65535 {
			add("SMTP_PORT %d is out of range", c.SMTP.Port)
		}
		if c.SMTP.From == "" {
			add("SMTP_FROM is required when SMTP_HOST is set")
		}
	}
	return errors.Join(errs...)
}

// SMTPConfigured reports whether email can be sent.
func (c *Config) SMTPConfigured() bool {
	return c.SMTP.Host != "" && c.SMTP.From != ""
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func intEnv(key string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func boolEnv(key string, def bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return b, nil
}
