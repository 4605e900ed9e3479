// Package config loads server configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds everything the composition root needs to wire the server.
type Config struct {
	// ListenAddr is the admin API bind address.
	ListenAddr string

	// BrowserMode selects how the browser process is obtained:
	// "process" launches a local Chrome, "container" runs browserless/chrome
	// in Docker, "attach" connects to an already-running debugging endpoint.
	BrowserMode string

	// AttachURL is the http://host:port debugging endpoint for attach mode.
	AttachURL string

	// ExecutablePath overrides Chrome binary discovery in process mode.
	ExecutablePath string

	// UserDataDir, when set, is used unconditionally (explicit profile).
	UserDataDir string

	// Headless forces an ephemeral temp profile.
	Headless bool

	// PersistentProfileDir is where the private fallback profile lives.
	PersistentProfileDir string

	// CookieFreshness is how old a cookie sync may be before it is redone.
	CookieFreshness time.Duration

	// CommandTimeout bounds every CDP round-trip.
	CommandTimeout time.Duration

	// SessionConcurrency caps in-flight tool calls per session.
	SessionConcurrency int64

	// StaleThreshold is the workflow circuit-breaker trip count.
	StaleThreshold int

	// RequestsPerHour and Burst configure API rate limiting per session.
	RequestsPerHour int
	Burst           int
}

// Load reads .env if present, then the process environment.
func Load() (*Config, error) {
	// Missing .env just means plain environment variables.
	_ = godotenv.Load()

	cfg := &Config{
		ListenAddr:           getEnv("TABMUX_ADDR", ":8080"),
		BrowserMode:          getEnv("TABMUX_BROWSER_MODE", "process"),
		AttachURL:            os.Getenv("TABMUX_ATTACH_URL"),
		ExecutablePath:       os.Getenv("TABMUX_CHROME_PATH"),
		UserDataDir:          os.Getenv("TABMUX_USER_DATA_DIR"),
		Headless:             getBool("TABMUX_HEADLESS", false),
		PersistentProfileDir: getEnv("TABMUX_PROFILE_DIR", defaultProfileDir()),
		CookieFreshness:      getDuration("TABMUX_COOKIE_FRESHNESS", 30*time.Minute),
		CommandTimeout:       getDuration("TABMUX_COMMAND_TIMEOUT", 30*time.Second),
		SessionConcurrency:   int64(getInt("TABMUX_SESSION_CONCURRENCY", 10)),
		StaleThreshold:       getInt("TABMUX_STALE_THRESHOLD", 3),
		RequestsPerHour:      getInt("TABMUX_RATE_LIMIT", 3600),
		Burst:                getInt("TABMUX_RATE_BURST", 20),
	}

	switch cfg.BrowserMode {
	case "process", "container", "attach":
	default:
		return nil, fmt.Errorf("invalid TABMUX_BROWSER_MODE %q", cfg.BrowserMode)
	}
	if cfg.BrowserMode == "attach" && cfg.AttachURL == "" {
		return nil, fmt.Errorf("TABMUX_ATTACH_URL is required in attach mode")
	}
	if cfg.StaleThreshold < 1 {
		return nil, fmt.Errorf("TABMUX_STALE_THRESHOLD must be >= 1")
	}

	return cfg, nil
}

func defaultProfileDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tabmux/profile"
	}
	return home + "/.tabmux/profile"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
