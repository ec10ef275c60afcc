// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds the application configuration.
type Config struct {
	TelegramBotToken string
	RSSHubBaseURL    string
	// RSSHubRefreshSeconds is passed to RSSHub as the `refresh` query
	// parameter. Zero means use RSSHub's default cache.
	RSSHubRefreshSeconds int
	SubscriptionsPath    string
	DatabasePath         string
	DefaultIntervalSec   int
	MinIntervalSec       int
	HealthAddr           string
	LogLevel             string
	AllowedUsers         []int64
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	token := os.Getenv("TELEGRAM_BOT_TOKEN")
	if token == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}

	cfg := &Config{
		TelegramBotToken:  token,
		RSSHubBaseURL:     envOrDefault("RSSHUB_BASE_URL", "http://localhost:1200"),
		SubscriptionsPath: envOrDefault("SUBSCRIPTIONS_PATH", "./data/subscriptions.json"),
		DatabasePath:      envOrDefault("DATABASE_PATH", "./data/ledger.db"),
		HealthAddr:        envOrDefault("HEALTH_ADDR", ":8080"),
		LogLevel:          envOrDefault("LOG_LEVEL", "info"),
	}
	cfg.RSSHubBaseURL = strings.TrimRight(cfg.RSSHubBaseURL, "/")

	var err error
	if cfg.RSSHubRefreshSeconds, err = envInt("RSSHUB_REFRESH_SECONDS", 0); err != nil {
		return nil, err
	}
	if cfg.DefaultIntervalSec, err = envInt("DEFAULT_POLL_INTERVAL_SECONDS", 60); err != nil {
		return nil, err
	}
	if cfg.MinIntervalSec, err = envInt("MIN_POLL_INTERVAL_SECONDS", 60); err != nil {
		return nil, err
	}

	if cfg.MinIntervalSec < 1 {
		return nil, fmt.Errorf("MIN_POLL_INTERVAL_SECONDS must be positive")
	}
	if cfg.DefaultIntervalSec < cfg.MinIntervalSec {
		return nil, fmt.Errorf("DEFAULT_POLL_INTERVAL_SECONDS must be >= MIN_POLL_INTERVAL_SECONDS")
	}

	if raw := os.Getenv("ALLOWED_USERS"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			uid, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid user ID %q in ALLOWED_USERS: %w", s, err)
			}
			cfg.AllowedUsers = append(cfg.AllowedUsers, uid)
		}
	}

	return cfg, nil
}

// IsUserAllowed checks whether a user ID is in the allow list.
// Returns true if the allow list is empty (all users permitted).
func (c *Config) IsUserAllowed(userID int64) bool {
	if len(c.AllowedUsers) == 0 {
		return true
	}
	for _, id := range c.AllowedUsers {
		if id == userID {
			return true
		}
	}
	return false
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}
