package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	for _, key := range []string{
		"PORT", "FORK_URL", "FORK_URLS", "ETHERSCAN_KEY", "API_KEY", "MAX_REQUEST_SIZE",
		"SIGNATURES_DB", "STATE_CACHE_DB", "SESSION_TTL", "FETCH_TIMEOUT",
		"LOG_LEVEL", "LOG_FORMAT", "LOG_FILE",
	} {
		t.Setenv(key, "")
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, uint16(8080), cfg.Port)
	assert.Equal(t, int64(16*1024), cfg.MaxRequestSize)
	assert.Equal(t, 15*time.Minute, cfg.SessionTTL)
	assert.Equal(t, 10*time.Second, cfg.FetchTimeout)
	assert.Empty(t, cfg.EtherscanKey)
	assert.Empty(t, cfg.APIKey)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Contains(t, cfg.SignaturesDB, "signatures.db")
	assert.Empty(t, cfg.ForkURLs)
}

func TestInvalidPort(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "not a number")

	_, err := FromEnv()
	assert.ErrorContains(t, err, "PORT must be a valid u16")

	t.Setenv("PORT", "70000")
	_, err = FromEnv()
	assert.Error(t, err)
}

func TestKeys(t *testing.T) {
	clearEnv(t)
	t.Setenv("ETHERSCAN_KEY", "a")
	t.Setenv("API_KEY", "b")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "a", cfg.EtherscanKey)
	assert.Equal(t, "b", cfg.APIKey)
}

func TestMaxRequestSize(t *testing.T) {
	clearEnv(t)
	t.Setenv("MAX_REQUEST_SIZE", "64")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, int64(64*1024), cfg.MaxRequestSize)

	t.Setenv("MAX_REQUEST_SIZE", "-1")
	_, err = FromEnv()
	assert.ErrorContains(t, err, "MAX_REQUEST_SIZE")
}

func TestDurations(t *testing.T) {
	clearEnv(t)
	t.Setenv("SESSION_TTL", "1h")
	t.Setenv("FETCH_TIMEOUT", "250ms")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, time.Hour, cfg.SessionTTL)
	assert.Equal(t, 250*time.Millisecond, cfg.FetchTimeout)

	t.Setenv("SESSION_TTL", "soon")
	_, err = FromEnv()
	assert.ErrorContains(t, err, "SESSION_TTL")
}

func TestForkURLs(t *testing.T) {
	clearEnv(t)
	t.Setenv("FORK_URL", "http://default")
	t.Setenv("FORK_URLS", "1=http://mainnet, 10=http://optimism")

	cfg, err := FromEnv()
	require.NoError(t, err)

	url, ok := cfg.ForkURLFor(10)
	assert.True(t, ok)
	assert.Equal(t, "http://optimism", url)

	url, ok = cfg.ForkURLFor(8453)
	assert.True(t, ok)
	assert.Equal(t, "http://default", url)

	t.Setenv("FORK_URL", "")
	cfg, err = FromEnv()
	require.NoError(t, err)
	_, ok = cfg.ForkURLFor(8453)
	assert.False(t, ok)

	t.Setenv("FORK_URLS", "mainnet")
	_, err = FromEnv()
	assert.Error(t, err)

	t.Setenv("FORK_URLS", "x=http://a")
	_, err = FromEnv()
	assert.Error(t, err)
}
