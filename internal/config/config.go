package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Backend       BackendConfig       `toml:"backend"`
	Polling       PollingConfig       `toml:"polling"`
	Notifications NotificationsConfig `toml:"notifications"`
	Web           WebConfig           `toml:"web"`
	Schedules     []ScheduleConfig    `toml:"schedules"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	RequirementsDir string `toml:"requirements_dir"`
	DatabasePath    string `toml:"database_path"`
}

// BackendConfig holds agent backend settings
type BackendConfig struct {
	URL     string `toml:"url"`
	APIKey  string `toml:"api_key"`
	Timeout int    `toml:"timeout_seconds"`
}

// PollingConfig holds status polling settings
type PollingConfig struct {
	IntervalSeconds int `toml:"interval_seconds"`
	MaxAttempts     int `toml:"max_attempts"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// WebConfig holds web UI settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// ScheduleConfig maps a batch slot to a cron expression for auto-start
type ScheduleConfig struct {
	BatchID string `toml:"batch_id"`
	Cron    string `toml:"cron"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			RequirementsDir: filepath.Join(home, ".agent-task-runner", "requirements"),
			DatabasePath:    filepath.Join(home, ".agent-task-runner", "runner.db"),
		},
		Backend: BackendConfig{
			URL:     "http://127.0.0.1:9300",
			Timeout: 30,
		},
		Polling: PollingConfig{
			IntervalSeconds: 10,
			MaxAttempts:     60,
		},
		Notifications: NotificationsConfig{
			Desktop: true,
		},
		Web: WebConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	// Expand paths
	cfg.General.RequirementsDir = ExpandPath(cfg.General.RequirementsDir)
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)

	return cfg, nil
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "agent-task-runner", "config.toml")
}
