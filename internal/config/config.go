package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.mercury/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`
	Jobs           Jobs   `toml:"jobs"`
}

// Jobs tunes the background job queue.
type Jobs struct {
	Workers        int `toml:"workers"`
	MaxAttempts    int `toml:"max_attempts"`
	RetryBackoffMS int `toml:"retry_backoff_ms"`
}

// Default returns the config used when no file exists.
func Default() *Config {
	return &Config{
		Jobs: Jobs{
			Workers:        4,
			MaxAttempts:    5,
			RetryBackoffMS: 500,
		},
	}
}

// RetryBackoff returns the base backoff as a duration.
func (j Jobs) RetryBackoff() time.Duration {
	return time.Duration(j.RetryBackoffMS) * time.Millisecond
}

// Load reads config from the given path, filling unset job tuning with
// defaults. Returns an error if the file is missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	def := Default()
	if cfg.Jobs.Workers <= 0 {
		cfg.Jobs.Workers = def.Jobs.Workers
	}
	if cfg.Jobs.MaxAttempts <= 0 {
		cfg.Jobs.MaxAttempts = def.Jobs.MaxAttempts
	}
	if cfg.Jobs.RetryBackoffMS <= 0 {
		cfg.Jobs.RetryBackoffMS = def.Jobs.RetryBackoffMS
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
