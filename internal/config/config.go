// Package config loads the server's runtime configuration. Values are
// layered: built-in defaults, then an optional YAML file, then
// STORYNEST_-prefixed environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds the server's runtime configuration.
type Config struct {
	Addr    string `koanf:"addr"`
	DataDir string `koanf:"data_dir"`

	Log       Log       `koanf:"log"`
	Queue     Queue     `koanf:"queue"`
	Pools     Pools     `koanf:"pools"`
	Generator Generator `koanf:"generator"`
	Push      Push      `koanf:"push"`
	Email     Email     `koanf:"email"`
	RateLimit RateLimit `koanf:"rate_limit"`
}

// Log configures the slog setup. Output format is chosen by the logging
// package (tint on TTYs, JSON otherwise).
type Log struct {
	Level string `koanf:"level"` // debug, info, warn, error
}

// Queue tunes the job queue. Times are in seconds.
type Queue struct {
	MaxAttempts     int `koanf:"max_attempts"`
	BackoffBaseSecs int `koanf:"backoff_base_secs"`
	BackoffFactor   int `koanf:"backoff_factor"`
	SucceededTTLMin int `koanf:"succeeded_ttl_min"`
	FailedTTLMin    int `koanf:"failed_ttl_min"`
	AvgJobSecs      int `koanf:"avg_job_secs"`
}

// Pools sizes the worker pools.
type Pools struct {
	Stories int `koanf:"stories"`
	Voices  int `koanf:"voices"`
}

// Generator points at the generation service hosting the AI pipelines.
type Generator struct {
	BaseURL     string `koanf:"base_url"`
	APIKey      string `koanf:"api_key"`
	TimeoutSecs int    `koanf:"timeout_secs"`
}

// Push configures the FCM push provider.
type Push struct {
	Enabled bool   `koanf:"enabled"`
	FCMKey  string `koanf:"fcm_key"`
}

// Email configures the SMTP fallback sender.
type Email struct {
	Enabled  bool   `koanf:"enabled"`
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	From     string `koanf:"from"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
}

// RateLimit bounds job submissions per owner.
type RateLimit struct {
	SubmitsPerMinute int `koanf:"submits_per_minute"`
}

func defaults() map[string]any {
	return map[string]any{
		"addr":     ":4380",
		"data_dir": defaultDataDir(),

		"log.level": "info",

		"queue.max_attempts":      3,
		"queue.backoff_base_secs": 60,
		"queue.backoff_factor":    2,
		"queue.succeeded_ttl_min": 120,
		"queue.failed_ttl_min":    1440,
		"queue.avg_job_secs":      35,

		"pools.stories": 2,
		"pools.voices":  1,

		"generator.base_url":     "http://localhost:4381",
		"generator.timeout_secs": 90,

		"push.enabled":  false,
		"email.enabled": false,
		"email.port":    587,

		"rate_limit.submits_per_minute": 10,
	}
}

// Load builds the configuration. path may be empty to skip the file
// layer; a named file that does not exist is an error.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	// STORYNEST_QUEUE__MAX_ATTEMPTS=5 maps to queue.max_attempts.
	// A double underscore separates sections so that single underscores
	// survive inside key names.
	err := k.Load(env.Provider(".", env.Opt{
		Prefix: "STORYNEST_",
		TransformFunc: func(key, value string) (string, any) {
			key = strings.TrimPrefix(key, "STORYNEST_")
			key = strings.ToLower(key)
			key = strings.ReplaceAll(key, "__", ".")
			return key, value
		},
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var c Config
	if err := k.Unmarshal("", &c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &c, nil
}

// Validate checks the configuration values and ensures the data
// directory exists.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if c.Pools.Stories < 1 || c.Pools.Voices < 1 {
		return fmt.Errorf("pool sizes must be at least 1")
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts must be at least 1")
	}
	if c.Generator.BaseURL == "" {
		return fmt.Errorf("generator.base_url is required")
	}
	if c.Push.Enabled && c.Push.FCMKey == "" {
		return fmt.Errorf("push.fcm_key is required when push is enabled")
	}
	if c.Email.Enabled && (c.Email.Host == "" || c.Email.From == "") {
		return fmt.Errorf("email.host and email.from are required when email is enabled")
	}

	if err := os.MkdirAll(c.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "storynest")
	}
	return filepath.Join(home, ".config", "storynest")
}

// DBPath returns the path to the SQLite database file.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "storynest.db")
}
