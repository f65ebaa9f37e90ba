package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultBaseURL           = "https://live-camera.traysonkelii.com"
	DefaultStreamPath        = "cam"
	DefaultSTUNURL           = "stun:stun.l.google.com:19302"
	DefaultHeartbeatInterval = 2 * time.Second
	DefaultStatsInterval     = 2 * time.Second
	DefaultNegotiateTimeout  = 15 * time.Second
	DefaultControlAddr       = "127.0.0.1:8089"
)

// Config holds the application configuration.
type Config struct {
	BaseURL           string
	StreamPath        string
	STUNURL           string
	HeartbeatInterval time.Duration
	NegotiateTimeout  time.Duration
	AutoStart         bool
	LogLevel          string

	// StatsInterval of zero disables metadata polling.
	StatsInterval time.Duration

	// ControlAddr is empty when the control server is disabled.
	ControlAddr string
}

// Load reads configuration from a .env file (if present) and environment variables.
// Environment variables take precedence over .env values.
func Load() (*Config, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from the given lookup function.
func FromEnv(getenv func(string) string) (*Config, error) {
	get := func(key, fallback string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return fallback
	}

	cfg := &Config{
		BaseURL:     strings.TrimRight(get("LIVECAM_BASE_URL", DefaultBaseURL), "/"),
		StreamPath:  strings.Trim(get("LIVECAM_STREAM_PATH", DefaultStreamPath), "/"),
		STUNURL:     get("LIVECAM_STUN_URL", DefaultSTUNURL),
		ControlAddr: get("LIVECAM_CONTROL_ADDR", DefaultControlAddr),
		LogLevel:    get("LIVECAM_LOG_LEVEL", "info"),
	}
	if cfg.ControlAddr == "off" {
		cfg.ControlAddr = ""
	}

	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("LIVECAM_BASE_URL must be an absolute URL, got %q", cfg.BaseURL)
	}
	if cfg.StreamPath == "" {
		return nil, fmt.Errorf("LIVECAM_STREAM_PATH must not be empty")
	}

	if cfg.HeartbeatInterval, err = duration(get("LIVECAM_HEARTBEAT_INTERVAL", ""), DefaultHeartbeatInterval); err != nil {
		return nil, fmt.Errorf("LIVECAM_HEARTBEAT_INTERVAL: %w", err)
	}
	if cfg.HeartbeatInterval <= 0 {
		return nil, fmt.Errorf("LIVECAM_HEARTBEAT_INTERVAL must be positive")
	}
	if cfg.StatsInterval, err = duration(get("LIVECAM_STATS_INTERVAL", ""), DefaultStatsInterval); err != nil {
		return nil, fmt.Errorf("LIVECAM_STATS_INTERVAL: %w", err)
	}
	if cfg.StatsInterval < 0 {
		return nil, fmt.Errorf("LIVECAM_STATS_INTERVAL must not be negative")
	}
	if cfg.NegotiateTimeout, err = duration(get("LIVECAM_NEGOTIATE_TIMEOUT", ""), DefaultNegotiateTimeout); err != nil {
		return nil, fmt.Errorf("LIVECAM_NEGOTIATE_TIMEOUT: %w", err)
	}
	if cfg.NegotiateTimeout <= 0 {
		return nil, fmt.Errorf("LIVECAM_NEGOTIATE_TIMEOUT must be positive")
	}

	cfg.AutoStart = true
	if v := get("LIVECAM_AUTOSTART", ""); v != "" {
		if cfg.AutoStart, err = strconv.ParseBool(v); err != nil {
			return nil, fmt.Errorf("LIVECAM_AUTOSTART: %w", err)
		}
	}

	return cfg, nil
}

// HeartbeatURL is the liveness endpoint.
func (c *Config) HeartbeatURL() string {
	return c.BaseURL + "/ping"
}

// MetadataURL is the capture metadata document.
func (c *Config) MetadataURL() string {
	return c.BaseURL + "/camera.json"
}

// WHEPURL is the WHEP signaling endpoint for the configured stream.
func (c *Config) WHEPURL() string {
	return c.BaseURL + "/" + c.StreamPath + "/whep"
}

func duration(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	// Bare integers are seconds.
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}
