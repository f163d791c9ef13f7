// Package config loads the engine configuration from YAML, accepting
// human-friendly byte sizes ("50MB") and durations ("30m").
package config

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	str2duration "github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"
)

// Durable tier drivers.
const (
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
	DriverNone   = "none"
)

// Memory configures the memory tier.
type Memory struct {
	MaxItems  int
	MaxMemory int64
	TTL       time.Duration
}

// Quota bounds one durable-tier category.
type Quota struct {
	MaxItems int
	MaxBytes int64
}

// Durable configures the durable tier.
type Durable struct {
	Driver     string
	Path       string
	RedisURL   string
	DefaultTTL time.Duration
	Categories map[string]Quota
}

// Telemetry configures the hit/miss recorder.
type Telemetry struct {
	History       int
	TrendInterval time.Duration
}

// Config is the resolved engine configuration.
type Config struct {
	Memory    Memory
	Durable   Durable
	Telemetry Telemetry
}

// raw* mirror the YAML document before sizes and durations are resolved.
type rawMemory struct {
	MaxItems  int    `yaml:"max_items"`
	MaxMemory string `yaml:"max_memory"`
	TTL       string `yaml:"ttl"`
}

type rawQuota struct {
	MaxItems int    `yaml:"max_items"`
	MaxBytes string `yaml:"max_bytes"`
}

type rawDurable struct {
	Driver     string              `yaml:"driver"`
	Path       string              `yaml:"path"`
	RedisURL   string              `yaml:"redis_url"`
	DefaultTTL string              `yaml:"default_ttl"`
	Categories map[string]rawQuota `yaml:"categories"`
}

type rawTelemetry struct {
	History       int    `yaml:"history"`
	TrendInterval string `yaml:"trend_interval"`
}

type rawConfig struct {
	Memory    rawMemory    `yaml:"memory"`
	Durable   rawDurable   `yaml:"durable"`
	Telemetry rawTelemetry `yaml:"telemetry"`
}

// Default returns the configuration used when fields are omitted.
func Default() *Config {
	return &Config{
		Memory: Memory{
			MaxItems: 500,
		},
		Durable: Durable{
			Driver:     DriverNone,
			Categories: map[string]Quota{},
		},
		Telemetry: Telemetry{
			History:       100,
			TrendInterval: time.Minute,
		},
	}
}

// Load reads and validates the YAML file at path.
func Load(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config file %s", path)
	}
	return Parse(buf)
}

// Parse decodes and validates a YAML document.
func Parse(buf []byte) (*Config, error) {
	var raw rawConfig
	if err := yaml.Unmarshal(buf, &raw); err != nil {
		return nil, errors.Wrap(err, "parsing config")
	}

	cfg := Default()
	if raw.Memory.MaxItems != 0 {
		cfg.Memory.MaxItems = raw.Memory.MaxItems
	}
	if raw.Memory.MaxMemory != "" {
		n, err := humanize.ParseBytes(raw.Memory.MaxMemory)
		if err != nil {
			return nil, errors.Wrapf(err, "memory.max_memory %q", raw.Memory.MaxMemory)
		}
		cfg.Memory.MaxMemory = int64(n)
	}
	if raw.Memory.TTL != "" {
		d, err := str2duration.ParseDuration(raw.Memory.TTL)
		if err != nil {
			return nil, errors.Wrapf(err, "memory.ttl %q", raw.Memory.TTL)
		}
		cfg.Memory.TTL = d
	}

	if raw.Durable.Driver != "" {
		cfg.Durable.Driver = raw.Durable.Driver
	}
	cfg.Durable.Path = raw.Durable.Path
	cfg.Durable.RedisURL = raw.Durable.RedisURL
	if raw.Durable.DefaultTTL != "" {
		d, err := str2duration.ParseDuration(raw.Durable.DefaultTTL)
		if err != nil {
			return nil, errors.Wrapf(err, "durable.default_ttl %q", raw.Durable.DefaultTTL)
		}
		cfg.Durable.DefaultTTL = d
	}
	for name, rq := range raw.Durable.Categories {
		q := Quota{MaxItems: rq.MaxItems}
		if rq.MaxBytes != "" {
			n, err := humanize.ParseBytes(rq.MaxBytes)
			if err != nil {
				return nil, errors.Wrapf(err, "durable.categories.%s.max_bytes %q", name, rq.MaxBytes)
			}
			q.MaxBytes = int64(n)
		}
		cfg.Durable.Categories[name] = q
	}

	if raw.Telemetry.History != 0 {
		cfg.Telemetry.History = raw.Telemetry.History
	}
	if raw.Telemetry.TrendInterval != "" {
		d, err := str2duration.ParseDuration(raw.Telemetry.TrendInterval)
		if err != nil {
			return nil, errors.Wrapf(err, "telemetry.trend_interval %q", raw.Telemetry.TrendInterval)
		}
		cfg.Telemetry.TrendInterval = d
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks resolved values. It is called by Load/Parse and is
// available separately for configs constructed in code.
func (c *Config) Validate() error {
	if c.Memory.MaxItems < 0 {
		return errors.Newf("memory.max_items must not be negative, got %d", c.Memory.MaxItems)
	}
	if c.Memory.MaxMemory < 0 {
		return errors.Newf("memory.max_memory must not be negative, got %d", c.Memory.MaxMemory)
	}
	if c.Memory.TTL < 0 {
		return errors.Newf("memory.ttl must not be negative, got %s", c.Memory.TTL)
	}
	switch c.Durable.Driver {
	case DriverSQLite, DriverRedis, DriverNone:
	default:
		return errors.Newf("unknown durable.driver %q (want %s, %s or %s)",
			c.Durable.Driver, DriverSQLite, DriverRedis, DriverNone)
	}
	if c.Durable.Driver == DriverRedis && c.Durable.RedisURL == "" {
		return errors.New("durable.redis_url is required for the redis driver")
	}
	for name, q := range c.Durable.Categories {
		if q.MaxItems < 0 || q.MaxBytes < 0 {
			return errors.Newf("durable.categories.%s quota must not be negative", name)
		}
	}
	if c.Telemetry.History < 0 {
		return errors.Newf("telemetry.history must not be negative, got %d", c.Telemetry.History)
	}
	return nil
}
