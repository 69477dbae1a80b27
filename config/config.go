/*
config.go - Checkout client configuration

SOURCES (later wins):
  1. Defaults (Default)
  2. .env file in the working directory, if present
  3. Process environment (CHECKOUT_*)
  4. Command-line flags (applied by the caller)

VARIABLES:
  CHECKOUT_BASE_URL          Storefront base URL
  CHECKOUT_DB                SQLite file for durable state (":memory:" allowed)
  CHECKOUT_ACTOR             Actor id mixed into idempotency keys
  CHECKOUT_HTTP_TIMEOUT      Per-request timeout (Go duration)
  CHECKOUT_RETRY_DELAY       Pause before the single transient retry
  CHECKOUT_SWEEP_INTERVAL    Expiry sweep cadence
  CHECKOUT_INTENT_MAX_AGE    Force-expiry age for active intents
  CHECKOUT_HISTORY_MAX       History entry cap
  CHECKOUT_HISTORY_MAX_AGE   History age cap
  CHECKOUT_LOCKOUT_THRESHOLD Consecutive rejections before local lockout
  CHECKOUT_LOG_LEVEL         debug | info | warn | error
*/
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/warp/checkout-guard/idempotency"
	"github.com/warp/checkout-guard/payment"
)

type Config struct {
	BaseURL     string
	DBPath      string
	Actor       string
	HTTPTimeout time.Duration
	LogLevel    slog.Level

	Policy        idempotency.Policy
	Payment       payment.Config
	SweepInterval time.Duration
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		BaseURL:       "http://localhost:8080",
		DBPath:        "checkout.db",
		Actor:         "default",
		HTTPTimeout:   15 * time.Second,
		LogLevel:      slog.LevelInfo,
		Policy:        idempotency.DefaultPolicy(),
		Payment:       payment.DefaultConfig(),
		SweepInterval: payment.DefaultSweepInterval,
	}
}

// Load reads .env (when present) and the environment on top of Default.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv applies variables found by lookup on top of Default.
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	var errs []error

	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := lookup(name); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil || d < 0 {
				errs = append(errs, fmt.Errorf("%s: invalid duration %q", name, v))
				return
			}
			*dst = d
		}
	}
	num := func(name string, dst *int) {
		if v, ok := lookup(name); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				errs = append(errs, fmt.Errorf("%s: invalid number %q", name, v))
				return
			}
			*dst = n
		}
	}

	str("CHECKOUT_BASE_URL", &cfg.BaseURL)
	str("CHECKOUT_DB", &cfg.DBPath)
	str("CHECKOUT_ACTOR", &cfg.Actor)
	dur("CHECKOUT_HTTP_TIMEOUT", &cfg.HTTPTimeout)
	dur("CHECKOUT_RETRY_DELAY", &cfg.Policy.RetryDelay)
	dur("CHECKOUT_SWEEP_INTERVAL", &cfg.SweepInterval)
	dur("CHECKOUT_INTENT_MAX_AGE", &cfg.Payment.MaxAge)
	num("CHECKOUT_HISTORY_MAX", &cfg.Payment.History.MaxEntries)
	dur("CHECKOUT_HISTORY_MAX_AGE", &cfg.Payment.History.MaxAge)
	num("CHECKOUT_LOCKOUT_THRESHOLD", &cfg.Payment.LockoutThreshold)

	if v, ok := lookup("CHECKOUT_LOG_LEVEL"); ok && v != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(strings.ToUpper(v))); err != nil {
			errs = append(errs, fmt.Errorf("CHECKOUT_LOG_LEVEL: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// Validate checks values that would make the client misbehave.
func (c Config) Validate() error {
	switch {
	case c.BaseURL == "":
		return errors.New("base URL is required")
	case c.DBPath == "":
		return errors.New("database path is required")
	case c.SweepInterval <= 0:
		return errors.New("sweep interval must be positive")
	case c.Payment.LockoutThreshold <= 0:
		return errors.New("lockout threshold must be positive")
	}
	return nil
}

// Logger builds the process logger at the configured level.
func (c Config) Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: c.LogLevel}))
}
