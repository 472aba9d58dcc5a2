// Package config reads process configuration from the environment, after
// loading a .env file when one is present.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port uint16
	// ForkURL serves chains that have no entry in ForkURLs.
	ForkURL  string
	ForkURLs map[uint64]string

	EtherscanKey string
	APIKey       string
	// MaxRequestSize is in bytes.
	MaxRequestSize int64

	SignaturesDB string
	StateCacheDB string
	SessionTTL   time.Duration
	FetchTimeout time.Duration

	LogLevel  string
	LogFormat string
	LogFile   string
}

// Load reads .env (a missing file is fine) and then the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv reads the configuration from the current environment only.
func FromEnv() (*Config, error) {
	cfg := &Config{
		ForkURL:      os.Getenv("FORK_URL"),
		EtherscanKey: os.Getenv("ETHERSCAN_KEY"),
		APIKey:       os.Getenv("API_KEY"),
		SignaturesDB: defaultSignaturesDB(),
		StateCacheDB: os.Getenv("STATE_CACHE_DB"),
		LogLevel:     getenv("LOG_LEVEL", "info"),
		LogFormat:    getenv("LOG_FORMAT", "terminal"),
		LogFile:      os.Getenv("LOG_FILE"),
	}
	if path := os.Getenv("SIGNATURES_DB"); path != "" {
		cfg.SignaturesDB = path
	}

	port, err := strconv.ParseUint(getenv("PORT", "8080"), 10, 16)
	if err != nil {
		return nil, fmt.Errorf("PORT must be a valid u16: %w", err)
	}
	cfg.Port = uint16(port)

	size, err := strconv.ParseUint(getenv("MAX_REQUEST_SIZE", "16"), 10, 32)
	if err != nil {
		return nil, fmt.Errorf("MAX_REQUEST_SIZE must be a valid u32: %w", err)
	}
	cfg.MaxRequestSize = int64(size) * 1024

	if cfg.SessionTTL, err = time.ParseDuration(getenv("SESSION_TTL", "15m")); err != nil {
		return nil, fmt.Errorf("SESSION_TTL must be a duration: %w", err)
	}
	if cfg.FetchTimeout, err = time.ParseDuration(getenv("FETCH_TIMEOUT", "10s")); err != nil {
		return nil, fmt.Errorf("FETCH_TIMEOUT must be a duration: %w", err)
	}

	if cfg.ForkURLs, err = parseForkURLs(os.Getenv("FORK_URLS")); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ForkURLFor returns the RPC endpoint to fork chainID from.
func (c *Config) ForkURLFor(chainID uint64) (string, bool) {
	if url, ok := c.ForkURLs[chainID]; ok {
		return url, true
	}
	return c.ForkURL, c.ForkURL != ""
}

// parseForkURLs parses "1=https://a,10=https://b".
func parseForkURLs(s string) (map[uint64]string, error) {
	urls := make(map[uint64]string)
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, url, ok := strings.Cut(entry, "=")
		if !ok || url == "" {
			return nil, fmt.Errorf("FORK_URLS entry %q must be chainId=url", entry)
		}
		chainID, err := strconv.ParseUint(strings.TrimSpace(id), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("FORK_URLS entry %q has an invalid chain id: %w", entry, err)
		}
		urls[chainID] = strings.TrimSpace(url)
	}
	return urls, nil
}

func defaultSignaturesDB() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "forksim", "signatures.db")
	}
	return filepath.Join(home, ".cache", "forksim", "signatures.db")
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
