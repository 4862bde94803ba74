package session

import (
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config controls how the relay talks to the authentication service.
type Config struct {
	// AuthURL is the base URL; the validator calls <AuthURL>/validate-session.
	AuthURL string

	// Timeout bounds one validation call end to end.
	Timeout time.Duration

	// MaxResponseBytes caps the response body read from the auth service.
	MaxResponseBytes int64

	// CacheTTL enables a short-lived positive cache when > 0.
	CacheTTL time.Duration

	// CacheSize bounds the number of cached sessions.
	CacheSize int
}

// DefaultConfig returns defaults suitable for development.
func DefaultConfig() Config {
	return Config{
		AuthURL:          "http://127.0.0.1:3000/api/auth",
		Timeout:          3 * time.Second,
		MaxResponseBytes: 16 << 10,
		CacheTTL:         0,
		CacheSize:        4096,
	}
}

// LoadConfigFromEnv loads validator configuration from environment variables.
//
// Optional:
//   - RELAY_AUTH_URL
//   - RELAY_AUTH_TIMEOUT
//   - RELAY_AUTH_CACHE_TTL (0 disables the cache)
//   - RELAY_AUTH_CACHE_SIZE
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := strings.TrimSpace(os.Getenv("RELAY_AUTH_URL")); v != "" {
		cfg.AuthURL = v
	}

	if v := os.Getenv("RELAY_AUTH_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.Timeout = d
	}

	if v := os.Getenv("RELAY_AUTH_CACHE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Config{}, ErrConfig
		}
		cfg.CacheTTL = d
	}

	if v := os.Getenv("RELAY_AUTH_CACHE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, ErrConfig
		}
		cfg.CacheSize = n
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks structural invariants.
func (c Config) Validate() error {
	u, err := url.Parse(c.AuthURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return ErrConfig
	}
	if c.Timeout <= 0 || c.MaxResponseBytes <= 0 {
		return ErrConfig
	}
	if c.CacheTTL > 0 && c.CacheSize <= 0 {
		return ErrConfig
	}
	return nil
}
