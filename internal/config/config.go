package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config contains all runtime settings for the voice bridge service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	SessionTTL       time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	// PublicWSBaseURL overrides the websocket address handed to clients
	// when the service sits behind a proxy. Empty means derive it from
	// the request host.
	PublicWSBaseURL string

	// EngineWSURL points at the remote voice engine. Empty selects the
	// built-in mock engine.
	EngineWSURL  string
	EngineAPIKey string

	// DatabaseURL enables the shared Postgres session store. Empty
	// keeps session records in process memory.
	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "voicebridge"),
		AllowAnyOrigin:   false,
		PublicWSBaseURL:  envTrimmed("APP_PUBLIC_WS_BASE_URL"),
		EngineWSURL:      envTrimmed("ENGINE_WS_URL"),
		EngineAPIKey:     envTrimmed("ENGINE_API_KEY"),
		DatabaseURL:      envTrimmed("DATABASE_URL"),
		ShutdownTimeout:  15 * time.Second,
		SessionTTL:       2 * time.Minute,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionTTL, err = durationFromEnv("APP_SESSION_TTL", cfg.SessionTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionTTL < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_TTL must be at least 5s")
	}
	if cfg.PublicWSBaseURL != "" &&
		!strings.HasPrefix(cfg.PublicWSBaseURL, "ws://") &&
		!strings.HasPrefix(cfg.PublicWSBaseURL, "wss://") {
		return Config{}, fmt.Errorf("APP_PUBLIC_WS_BASE_URL must start with ws:// or wss://")
	}
	if cfg.EngineWSURL != "" &&
		!strings.HasPrefix(cfg.EngineWSURL, "ws://") &&
		!strings.HasPrefix(cfg.EngineWSURL, "wss://") {
		return Config{}, fmt.Errorf("ENGINE_WS_URL must start with ws:// or wss://")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func envTrimmed(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(envTrimmed(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
