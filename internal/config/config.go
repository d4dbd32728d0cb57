package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// AppConfig holds the server settings. Values come from defaults, then an
// optional YAML file, then environment overrides, in that order.
type AppConfig struct {
	Addr string `yaml:"addr"`
	Path string `yaml:"ws_path"`

	GracePeriod      time.Duration `yaml:"grace_period"`
	RoomIdleTTL      time.Duration `yaml:"room_idle_ttl"`
	IdentityIdleTTL  time.Duration `yaml:"identity_idle_ttl"`
	SessionRetention time.Duration `yaml:"session_retention"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`

	ChatHistoryCap   int `yaml:"chat_history_cap"`
	ChatHistoryServe int `yaml:"chat_history_serve"`
	DefaultRating    int `yaml:"default_rating"`

	MaxConcurrentGames int `yaml:"max_concurrent_games"`
}

func defaults() *AppConfig {
	return &AppConfig{
		Addr:               ":8090",
		Path:               "/ws",
		GracePeriod:        30 * time.Second,
		RoomIdleTTL:        24 * time.Hour,
		IdentityIdleTTL:    24 * time.Hour,
		SessionRetention:   5 * time.Minute,
		SweepInterval:      time.Minute,
		ChatHistoryCap:     50,
		ChatHistoryServe:   20,
		DefaultRating:      1200,
		MaxConcurrentGames: 200,
	}
}

// Load builds the configuration. path may be empty.
func Load(path string) (*AppConfig, error) {
	cfg := defaults()

	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := strings.TrimSpace(os.Getenv("CASTLED_ADDR")); v != "" {
		cfg.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("CASTLED_WS_PATH")); v != "" {
		cfg.Path = v
	}
	if d, ok := envDuration("CASTLED_GRACE_PERIOD"); ok {
		cfg.GracePeriod = d
	}
	if d, ok := envDuration("CASTLED_ROOM_IDLE_TTL"); ok {
		cfg.RoomIdleTTL = d
	}
	if d, ok := envDuration("CASTLED_IDENTITY_IDLE_TTL"); ok {
		cfg.IdentityIdleTTL = d
	}
	if d, ok := envDuration("CASTLED_SESSION_RETENTION"); ok {
		cfg.SessionRetention = d
	}
	if d, ok := envDuration("CASTLED_SWEEP_INTERVAL"); ok {
		cfg.SweepInterval = d
	}
	if v := strings.TrimSpace(os.Getenv("CASTLED_MAX_CONCURRENT_GAMES")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxConcurrentGames = n
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) validate() error {
	if c.GracePeriod <= 0 {
		return fmt.Errorf("grace_period must be positive")
	}
	if c.SessionRetention <= 0 {
		return fmt.Errorf("session_retention must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be positive")
	}
	if c.ChatHistoryServe > c.ChatHistoryCap {
		return fmt.Errorf("chat_history_serve cannot exceed chat_history_cap")
	}
	return nil
}

func envDuration(key string) (time.Duration, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}
