// Package config loads relay server settings from the environment. A .env file in
// the working directory is applied first.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/spf13/viper"
)

// DefaultAllowedOrigins are the client origins accepted when ALLOWED_ORIGINS is unset.
var DefaultAllowedOrigins = []string{
	"localhost",
	"localhost:8000",
	"localhost:9000",
	"hyperloop.vercel.app",
	"ewercard.vercel.app",
}

// TLSConfig holds PEM material for serving HTTPS in production.
type TLSConfig struct {
	Enabled bool
	CertPEM string
	KeyPEM  string
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string
	// Format is "json" or "console".
	Format string
}

// RateLimitConfig bounds inbound events per connection.
type RateLimitConfig struct {
	Events int
	Window time.Duration
}

// Config is the top-level server configuration.
type Config struct {
	Port           int
	AllowedOrigins []string
	JoinSyncDelay  time.Duration
	// IdleTimeout closes connections that sent nothing for this long. Zero disables it.
	IdleTimeout time.Duration
	SendBuffer  int
	// DatabaseURL enables the room history recorder when set.
	DatabaseURL string
	TLS         TLSConfig
	Logging     LoggingConfig
	RateLimit   RateLimitConfig
}

// Addr returns the listen address.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Load reads configuration from environment variables over built-in defaults.
func Load() (Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)
	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
func LoadFromViper(v *viper.Viper) (Config, error) {
	cfg := Config{
		Port:           v.GetInt("PORT"),
		AllowedOrigins: splitList(v.GetString("ALLOWED_ORIGINS")),
		JoinSyncDelay:  v.GetDuration("JOIN_SYNC_DELAY"),
		IdleTimeout:    v.GetDuration("IDLE_TIMEOUT"),
		SendBuffer:     v.GetInt("SEND_BUFFER"),
		DatabaseURL:    v.GetString("DATABASE_URL"),
		TLS: TLSConfig{
			Enabled: v.GetBool("PRODUCTION"),
			CertPEM: unescapePEM(v.GetString("HTTPS_SERVER_CRT")),
			KeyPEM:  unescapePEM(v.GetString("HTTPS_SERVER_KEY")),
		},
		Logging: LoggingConfig{
			Level:  v.GetString("LOG_LEVEL"),
			Format: v.GetString("LOG_FORMAT"),
		},
		RateLimit: RateLimitConfig{
			Events: v.GetInt("RATE_LIMIT_EVENTS"),
			Window: v.GetDuration("RATE_LIMIT_WINDOW"),
		},
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = append([]string(nil), DefaultAllowedOrigins...)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks all configuration invariants and reports every violation.
func (c Config) Validate() error {
	var errs []string

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Sprintf("PORT must be 1-65535, got %d", c.Port))
	}
	if c.JoinSyncDelay < 0 {
		errs = append(errs, "JOIN_SYNC_DELAY must not be negative")
	}
	if c.IdleTimeout < 0 {
		errs = append(errs, "IDLE_TIMEOUT must not be negative")
	}
	if c.SendBuffer < 1 {
		errs = append(errs, fmt.Sprintf("SEND_BUFFER must be >= 1, got %d", c.SendBuffer))
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}
	if c.RateLimit.Events < 1 {
		errs = append(errs, fmt.Sprintf("RATE_LIMIT_EVENTS must be >= 1, got %d", c.RateLimit.Events))
	}
	if c.RateLimit.Window <= 0 {
		errs = append(errs, "RATE_LIMIT_WINDOW must be positive")
	}
	if c.TLS.Enabled && (c.TLS.CertPEM == "" || c.TLS.KeyPEM == "") {
		errs = append(errs, "PRODUCTION requires HTTPS_SERVER_CRT and HTTPS_SERVER_KEY")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("LOG_LEVEL must be one of [debug, info, warn, error], got %q", l.Level)
	}
	if l.Format != "json" && l.Format != "console" {
		return errors.New("LOG_FORMAT must be json or console")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", 3001)
	v.SetDefault("JOIN_SYNC_DELAY", "1s")
	v.SetDefault("IDLE_TIMEOUT", "0s")
	v.SetDefault("SEND_BUFFER", 64)
	v.SetDefault("PRODUCTION", false)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("RATE_LIMIT_EVENTS", 60)
	v.SetDefault("RATE_LIMIT_WINDOW", "1s")
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

// unescapePEM turns literal "\n" sequences from single-line env values into newlines.
func unescapePEM(s string) string {
	return strings.ReplaceAll(s, `\n`, "\n")
}
