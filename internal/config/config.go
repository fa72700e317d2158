package config

import (
	"fmt"
	"os"
	"time"
)

type Config struct {
	DBFile            string
	ListenAddr        string
	ServerURL         string
	HeartbeatInterval time.Duration
	TypingIdle        time.Duration
	TypingStale       time.Duration
	WindowTTL         time.Duration
	PresenceTTL       time.Duration
}

func Load() (*Config, error) {
	heartbeat, err := time.ParseDuration(getEnv("HEARTBEAT_INTERVAL", "30s"))
	if err != nil {
		return nil, fmt.Errorf("HEARTBEAT_INTERVAL: %w", err)
	}
	typingIdle, err := time.ParseDuration(getEnv("TYPING_IDLE", "3s"))
	if err != nil {
		return nil, fmt.Errorf("TYPING_IDLE: %w", err)
	}
	typingStale, err := time.ParseDuration(getEnv("TYPING_STALE", "5s"))
	if err != nil {
		return nil, fmt.Errorf("TYPING_STALE: %w", err)
	}
	windowTTL, err := time.ParseDuration(getEnv("WINDOW_TTL", "60s"))
	if err != nil {
		return nil, fmt.Errorf("WINDOW_TTL: %w", err)
	}
	presenceTTL, err := time.ParseDuration(getEnv("PRESENCE_TTL", "300s"))
	if err != nil {
		return nil, fmt.Errorf("PRESENCE_TTL: %w", err)
	}

	cfg := &Config{
		DBFile:            getEnv("PALAVER_DB", "palaver.db"),
		ListenAddr:        getEnv("LISTEN_ADDR", ":8080"),
		ServerURL:         getEnv("SERVER_URL", "http://localhost:8080"),
		HeartbeatInterval: heartbeat,
		TypingIdle:        typingIdle,
		TypingStale:       typingStale,
		WindowTTL:         windowTTL,
		PresenceTTL:       presenceTTL,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be greater than 0")
	}
	if c.TypingIdle <= 0 || c.TypingStale < c.TypingIdle {
		return fmt.Errorf("TYPING_STALE must be at least TYPING_IDLE, both positive")
	}
	// Message windows go stale faster than presence records.
	if c.WindowTTL > c.PresenceTTL {
		return fmt.Errorf("WINDOW_TTL must not exceed PRESENCE_TTL")
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
