// Package config loads CLI configuration with precedence: defaults,
// then YAML file, then environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zonekit/zonekit/logging"
)

// Config is the root configuration structure. It is read-only after
// Load() returns and thread-safe for concurrent reads.
type Config struct {
	Database Database       `yaml:"database"`
	Remote   Remote         `yaml:"remote"`
	Sync     Sync           `yaml:"sync"`
	Log      logging.Config `yaml:"log"`
}

// Database contains local store settings.
type Database struct {
	Path string `yaml:"path"`
}

// Remote contains transport settings.
type Remote struct {
	BaseURL string   `yaml:"base_url"`
	Timeout Duration `yaml:"timeout"`
}

// Sync contains engine settings.
type Sync struct {
	Policy     string `yaml:"policy"`
	QueueDepth int    `yaml:"queue_depth"`
}

// Duration is a wrapper around time.Duration that supports YAML
// string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func newDefaults() *Config {
	return &Config{
		Database: Database{Path: "zonekit.db"},
		Remote: Remote{
			BaseURL: "http://localhost:8600",
			Timeout: Duration(30 * time.Second),
		},
		Sync: Sync{
			Policy:     "keep_server",
			QueueDepth: 8,
		},
		Log: logging.DefaultConfig,
	}
}

// Load loads configuration from the given path. A missing file is not
// an error; environment variables override file values.
func Load(path string) (*Config, error) {
	cfg := newDefaults()

	if path == "" {
		path = getEnv("ZONEKIT_CONFIG_PATH", "zonekit.yaml")
	}

	if err := loadYAMLFile(cfg, path); err != nil {
		return nil, err
	}
	applyEnv(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Database.Path = getEnv("ZONEKIT_DB_PATH", cfg.Database.Path)
	cfg.Remote.BaseURL = getEnv("ZONEKIT_REMOTE_URL", cfg.Remote.BaseURL)
	cfg.Sync.Policy = getEnv("ZONEKIT_SYNC_POLICY", cfg.Sync.Policy)
	cfg.Log.Level = getEnv("ZONEKIT_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("ZONEKIT_LOG_FORMAT", cfg.Log.Format)

	if v := os.Getenv("ZONEKIT_REMOTE_TIMEOUT"); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			cfg.Remote.Timeout = Duration(parsed)
		}
	}
	if v := os.Getenv("ZONEKIT_SYNC_QUEUE_DEPTH"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Sync.QueueDepth = parsed
		}
	}
}

func (c *Config) validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Remote.BaseURL == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if time.Duration(c.Remote.Timeout) < 0 {
		return fmt.Errorf("remote.timeout must not be negative")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
