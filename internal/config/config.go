package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/deployd/internal/logger"
)

// Config is the top-level TOML structure.
//
//	base_dir = "/var/lib/deployd"
//	stale_after = "1h"
//	poll_interval = "500ms"
//	retention_days = 7
//	history_dsn = "sqlite:///var/lib/deployd/history.db"
//	[log]
//	level = "info"
//	file = "/var/log/deployd/deployd.log"
type Config struct {
	BaseDir       string        `toml:"base_dir" mapstructure:"base_dir"`
	LockDir       string        `toml:"lock_dir" mapstructure:"lock_dir"`
	JobDir        string        `toml:"job_dir" mapstructure:"job_dir"`
	StaleAfter    time.Duration `toml:"stale_after" mapstructure:"stale_after"`
	PollInterval  time.Duration `toml:"poll_interval" mapstructure:"poll_interval"`
	RetentionDays int           `toml:"retention_days" mapstructure:"retention_days"`
	HistoryDSN    string        `toml:"history_dsn" mapstructure:"history_dsn"`
	Log           logger.Config `toml:"log" mapstructure:"log"`
}

// Default returns the configuration used when no file is given. The base
// directory lives under the user's home so concurrent CLI invocations of
// the same user share one lock and job namespace.
func Default() Config {
	base := ".deployd"
	if home, err := os.UserHomeDir(); err == nil {
		base = filepath.Join(home, ".deployd")
	}
	cfg := Config{
		BaseDir:       base,
		StaleAfter:    time.Hour,
		PollInterval:  500 * time.Millisecond,
		RetentionDays: 7,
		Log:           logger.Config{Level: "info"},
	}
	cfg.fillDirs()
	return cfg
}

// Load reads a TOML config file, applying defaults for omitted keys.
// An empty path yields Default().
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = time.Hour
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.RetentionDays < 0 {
		return cfg, fmt.Errorf("config %s: retention_days must be >= 0", path)
	}
	cfg.fillDirs()
	return cfg, nil
}

// fillDirs derives the lock and job directories from base_dir unless set
// explicitly.
func (c *Config) fillDirs() {
	if c.LockDir == "" {
		c.LockDir = filepath.Join(c.BaseDir, "locks")
	}
	if c.JobDir == "" {
		c.JobDir = filepath.Join(c.BaseDir, "jobs")
	}
}

// Retention converts retention_days to a duration.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}
