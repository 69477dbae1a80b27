package config_test

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/checkout-guard/config"
)

func env(vars map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

func TestFromEnv_Defaults(t *testing.T) {
	cfg, err := config.FromEnv(env(nil))
	require.NoError(t, err)

	assert.Equal(t, config.Default(), cfg)
	assert.Equal(t, 24*time.Hour, cfg.Payment.MaxAge)
	assert.Equal(t, 100, cfg.Payment.History.MaxEntries)
	assert.Equal(t, 5, cfg.Payment.LockoutThreshold)
	assert.Equal(t, 10*time.Minute, cfg.SweepInterval)
}

func TestFromEnv_Overrides(t *testing.T) {
	cfg, err := config.FromEnv(env(map[string]string{
		"CHECKOUT_BASE_URL":          "https://shop.example",
		"CHECKOUT_DB":                ":memory:",
		"CHECKOUT_ACTOR":             "till-3",
		"CHECKOUT_RETRY_DELAY":       "1s",
		"CHECKOUT_LOCKOUT_THRESHOLD": "3",
		"CHECKOUT_HISTORY_MAX":       "10",
		"CHECKOUT_LOG_LEVEL":         "debug",
	}))
	require.NoError(t, err)

	assert.Equal(t, "https://shop.example", cfg.BaseURL)
	assert.Equal(t, ":memory:", cfg.DBPath)
	assert.Equal(t, "till-3", cfg.Actor)
	assert.Equal(t, time.Second, cfg.Policy.RetryDelay)
	assert.Equal(t, 3, cfg.Payment.LockoutThreshold)
	assert.Equal(t, 10, cfg.Payment.History.MaxEntries)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
}

func TestFromEnv_InvalidValues(t *testing.T) {
	_, err := config.FromEnv(env(map[string]string{
		"CHECKOUT_HTTP_TIMEOUT":      "soon",
		"CHECKOUT_LOCKOUT_THRESHOLD": "-1",
	}))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "CHECKOUT_HTTP_TIMEOUT")
	assert.Contains(t, err.Error(), "CHECKOUT_LOCKOUT_THRESHOLD")
}

func TestValidate(t *testing.T) {
	cfg := config.Default()
	cfg.Payment.LockoutThreshold = 0
	assert.Error(t, cfg.Validate())
}
