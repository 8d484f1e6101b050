package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/tgifai/crond/internal/consts"
)

const (
	defaultTickInterval   = "15s"
	defaultJobTimeoutSec  = 300
	defaultRunLogMaxBytes = 2 << 20
	defaultRunLogKeep     = 2000
	defaultNATSBucket     = "crond"
	defaultGatewayBind    = "127.0.0.1:18790"
	defaultRunRate        = 1
	defaultRunBurst       = 5
	defaultAgentTimeout   = 600
)

// Validate fills defaults and rejects settings the daemon cannot run with.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config cannot be nil")
	}

	if err := c.Cron.validate(); err != nil {
		return fmt.Errorf("cron: %w", err)
	}
	if err := c.Gateway.validate(); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	if err := c.Agent.validate(); err != nil {
		return fmt.Errorf("agent: %w", err)
	}

	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	c.Logging.Output = strings.ToLower(strings.TrimSpace(c.Logging.Output))
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
	if c.Logging.Output != "stdout" && strings.TrimSpace(c.Logging.File) == "" {
		c.Logging.File = consts.DefaultLogFile()
	}
	return nil
}

func (c *CronConfig) validate() error {
	if c.Enabled == nil {
		enabled := true
		c.Enabled = &enabled
	}
	if c.Watch == nil {
		watch := true
		c.Watch = &watch
	}
	if c.JobTimeoutSec <= 0 {
		c.JobTimeoutSec = defaultJobTimeoutSec
	}

	c.TickInterval = strings.TrimSpace(c.TickInterval)
	if c.TickInterval == "" {
		c.TickInterval = defaultTickInterval
	}
	if d, err := time.ParseDuration(c.TickInterval); err != nil || d <= 0 {
		return fmt.Errorf("invalid tick_interval: %q", c.TickInterval)
	}

	c.Timezone = strings.TrimSpace(c.Timezone)
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
		}
	}

	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	if c.Store.Driver == "" {
		c.Store.Driver = StoreDriverFile
	}
	c.Store.Path = strings.TrimSpace(c.Store.Path)
	switch c.Store.Driver {
	case StoreDriverFile:
		if c.Store.Path == "" {
			c.Store.Path = consts.DefaultStorePath()
		}
	case StoreDriverSQLite:
		if c.Store.Path == "" {
			c.Store.Path = filepath.Join(consts.HomeDir(), consts.CronDirName, "jobs.db")
		}
	case StoreDriverNATS:
		if strings.TrimSpace(c.Store.NATSURL) == "" {
			return errors.New("store.nats_url is required when store.driver=nats")
		}
		if strings.TrimSpace(c.Store.NATSBucket) == "" {
			c.Store.NATSBucket = defaultNATSBucket
		}
	default:
		return fmt.Errorf("unsupported store.driver: %s", c.Store.Driver)
	}

	c.RunLog.Dir = strings.TrimSpace(c.RunLog.Dir)
	if c.RunLog.Dir == "" {
		if c.Store.Driver == StoreDriverNATS {
			c.RunLog.Dir = consts.DefaultRunLogDir()
		} else {
			c.RunLog.Dir = filepath.Join(filepath.Dir(c.Store.Path), consts.RunsDirName)
		}
	}
	if c.RunLog.MaxBytes <= 0 {
		c.RunLog.MaxBytes = defaultRunLogMaxBytes
	}
	if c.RunLog.KeepLines <= 0 {
		c.RunLog.KeepLines = defaultRunLogKeep
	}
	return nil
}

func (c *GatewayConfig) validate() error {
	c.Bind = strings.TrimSpace(c.Bind)
	if c.Bind == "" {
		c.Bind = defaultGatewayBind
	}
	c.MetricsBind = strings.TrimSpace(c.MetricsBind)
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 30
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 600
	}
	if c.RunRate <= 0 {
		c.RunRate = defaultRunRate
	}
	if c.RunBurst <= 0 {
		c.RunBurst = defaultRunBurst
	}
	return nil
}

func (c *AgentConfig) validate() error {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.BaseURL != "" {
		u, err := url.Parse(c.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid base_url: %q", c.BaseURL)
		}
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultAgentTimeout
	}
	return nil
}
