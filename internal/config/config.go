package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

const (
	StoreDriverFile   = "file"
	StoreDriverSQLite = "sqlite"
	StoreDriverNATS   = "nats"
)

type (
	Config struct {
		Logging LoggingConfig `yaml:"logging"`
		Cron    CronConfig    `yaml:"cron"`
		Gateway GatewayConfig `yaml:"gateway"`
		Agent   AgentConfig   `yaml:"agent"`
	}

	LoggingConfig struct {
		Level      string `yaml:"level"`  // debug, info, warn, error
		Format     string `yaml:"format"` // json, text
		Output     string `yaml:"output"` // stdout, file, both
		File       string `yaml:"file"`
		MaxSize    int    `yaml:"max_size"` // MB
		MaxBackups int    `yaml:"max_backups"`
		MaxAge     int    `yaml:"max_age"` // days
		Compress   bool   `yaml:"compress"`
	}

	CronConfig struct {
		// Enabled is the master switch for automatic ticking. Forced runs
		// work regardless.
		Enabled       *bool        `yaml:"enabled"`
		Store         StoreConfig  `yaml:"store"`
		TickInterval  string       `yaml:"tick_interval"`
		JobTimeoutSec int          `yaml:"job_timeout_sec"`
		Timezone      string       `yaml:"timezone"`
		RunLog        RunLogConfig `yaml:"run_log"`
		Watch         *bool        `yaml:"watch"`
	}

	StoreConfig struct {
		Driver     string `yaml:"driver"` // file, sqlite, nats
		Path       string `yaml:"path"`
		NATSURL    string `yaml:"nats_url"`
		NATSBucket string `yaml:"nats_bucket"`
	}

	RunLogConfig struct {
		Dir       string `yaml:"dir"`
		MaxBytes  int64  `yaml:"max_bytes"`
		KeepLines int    `yaml:"keep_lines"`
	}

	GatewayConfig struct {
		Bind         string  `yaml:"bind"`
		APIKey       string  `yaml:"api_key"`
		MetricsBind  string  `yaml:"metrics_bind"`
		ReadTimeout  int     `yaml:"read_timeout"`  // seconds
		WriteTimeout int     `yaml:"write_timeout"` // seconds
		RunRate      float64 `yaml:"run_rate"`      // manual runs per second
		RunBurst     int     `yaml:"run_burst"`
	}

	// AgentConfig points at the host agent gateway that receives system
	// events, heartbeat requests and isolated agent runs.
	AgentConfig struct {
		BaseURL string `yaml:"base_url"`
		APIKey  string `yaml:"api_key"`
		Timeout int    `yaml:"timeout"` // seconds
	}
)

func (c CronConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

func (c CronConfig) WatchEnabled() bool {
	return c.Watch == nil || *c.Watch
}

// Tick returns the parsed tick interval, falling back to 15s.
func (c CronConfig) Tick() time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(c.TickInterval))
	if err != nil || d <= 0 {
		return 15 * time.Second
	}
	return d
}

func (c CronConfig) JobTimeout() time.Duration {
	if c.JobTimeoutSec <= 0 {
		return 300 * time.Second
	}
	return time.Duration(c.JobTimeoutSec) * time.Second
}

// Location resolves Timezone, defaulting to UTC.
func (c CronConfig) Location() *time.Location {
	tz := strings.TrimSpace(c.Timezone)
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Clone .
func (c *Config) Clone() (*Config, error) {
	if c == nil {
		return nil, fmt.Errorf("config is nil")
	}

	raw, err := sonic.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}

	var cloned Config
	if err := sonic.Unmarshal(raw, &cloned); err != nil {
		return nil, fmt.Errorf("unmarshal config clone: %w", err)
	}

	return &cloned, nil
}

// Hash .
func (c *Config) Hash() string {
	json := sonic.Config{SortMapKeys: true, UseNumber: true}.Froze()
	raw, _ := json.Marshal(c)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
