package config

import (
	"fmt"
	"time"
)

// Config is the full bot configuration. Durations are Go duration strings
// (e.g. "20s", "2m").
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Queue    QueueConfig    `json:"queue,omitempty"`
	Notify   NotifyConfig   `json:"notify,omitempty"`
	Health   HealthConfig   `json:"health,omitempty"`
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	// PollTimeout is a Go duration string.
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingChat mirrors log lines at or above MinLevel into a chat channel.
type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	ChannelID  string `json:"channel_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

type StorageConfig struct {
	// Path of the sqlite file. Empty means an in-memory database.
	Path string `json:"path"`
	// BusyTimeout is a Go duration string (sqlite busy_timeout pragma).
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// QueueConfig tunes the job poller. Zero values take the built-in defaults.
type QueueConfig struct {
	PollInterval string `json:"poll_interval,omitempty"`
	BatchSize    int    `json:"batch_size,omitempty"`
	LeaseTimeout string `json:"lease_timeout,omitempty"`
	BackoffStep  string `json:"backoff_step,omitempty"`
	BackoffCap   string `json:"backoff_cap,omitempty"`
}

type NotifyConfig struct {
	QueueSize  int     `json:"queue_size,omitempty"`
	Workers    int     `json:"workers,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
}

type HealthConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8090"
}

// Validate rejects configs that cannot possibly run. Called before the
// initial commit and before every hot-reload publish.
func (c *Config) Validate() error {
	if c.Telegram.Enabled && c.Telegram.Token == "" {
		return fmt.Errorf("telegram.token: required when telegram.enabled")
	}
	if c.Logging.File.Enabled && c.Logging.File.Path == "" {
		return fmt.Errorf("logging.file.path: required when logging.file.enabled")
	}
	if c.Logging.Chat.Enabled && c.Logging.Chat.ChannelID == "" {
		return fmt.Errorf("logging.chat.channel_id: required when logging.chat.enabled")
	}
	for path, raw := range map[string]string{
		"telegram.poll_timeout": c.Telegram.PollTimeout,
		"storage.busy_timeout":  c.Storage.BusyTimeout,
		"queue.poll_interval":   c.Queue.PollInterval,
		"queue.lease_timeout":   c.Queue.LeaseTimeout,
		"queue.backoff_step":    c.Queue.BackoffStep,
		"queue.backoff_cap":     c.Queue.BackoffCap,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}
	return nil
}

// ParseDurationField parses an optional duration string; empty means zero.
func ParseDurationField(path, raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with a fallback for zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
