// Package config loads the region controller's configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jjqq2013/maas/advertise"
	"github.com/jjqq2013/maas/codec"
	"github.com/jjqq2013/maas/registry"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for regiond.
type Config struct {
	// Name identifies this controller in the registry and must be unique
	// among running controllers. When empty, regiond uses
	// "<hostname>:pid=<pid>".
	Name string `yaml:"name"`

	// Database is where the shared registry lives.
	Database registry.Config `yaml:"database"`

	RPC       RPCConfig       `yaml:"rpc"`
	Advertise AdvertiseConfig `yaml:"advertise"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// RPCConfig configures the RPC listener.
type RPCConfig struct {
	// Listen is the bind address. Defaults to ":0", an OS-assigned port.
	Listen string `yaml:"listen"`

	// Codec is "json" (default) or "binary", used for calls this side
	// originates.
	Codec string `yaml:"codec"`

	// RequestTimeout bounds each inbound command. Zero disables it.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// RateLimit caps inbound commands per second, with bursts of
	// RateBurst. Zero disables limiting.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`

	// Heartbeat is the idle keepalive interval on every connection.
	Heartbeat time.Duration `yaml:"heartbeat"`
}

// AdvertiseConfig configures the advertising cycle.
type AdvertiseConfig struct {
	Interval     time.Duration `yaml:"interval"`
	TTL          time.Duration `yaml:"ttl"`
	CycleTimeout time.Duration `yaml:"cycle_timeout"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Address to serve /metrics on. Empty disables the endpoint.
	Address string `yaml:"address"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load reads a YAML configuration file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration and applies defaults. Unknown keys are
// rejected so that typos do not silently fall back to defaults.
func Parse(data []byte) (*Config, error) {
	var c Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	c.applyDefaults()
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "postgres"
	}
	if c.RPC.Listen == "" {
		c.RPC.Listen = ":0"
	}
	if c.RPC.Codec == "" {
		c.RPC.Codec = "json"
	}
	if c.RPC.Heartbeat == 0 {
		c.RPC.Heartbeat = 30 * time.Second
	}
	if c.Advertise.Interval == 0 {
		c.Advertise.Interval = advertise.DefaultInterval
	}
	if c.Advertise.TTL == 0 {
		c.Advertise.TTL = advertise.DefaultTTL
	}
	if c.Advertise.CycleTimeout == 0 {
		c.Advertise.CycleTimeout = c.Advertise.Interval
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if _, err := registry.DialectFor(c.Database.Driver); err != nil {
		return err
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if _, err := codec.ParseCodecType(c.RPC.Codec); err != nil {
		return err
	}
	if c.RPC.RequestTimeout < 0 || c.RPC.Heartbeat < 0 || c.RPC.RateLimit < 0 {
		return fmt.Errorf("rpc: timeouts and limits must not be negative")
	}
	if c.RPC.RateLimit > 0 && c.RPC.RateBurst < 1 {
		return fmt.Errorf("rpc.rate_burst must be at least 1 when rate_limit is set")
	}

	a := c.Advertise
	if a.Interval <= 0 || a.TTL <= 0 || a.CycleTimeout <= 0 {
		return fmt.Errorf("advertise: interval, ttl and cycle_timeout must be positive")
	}
	if a.TTL < advertise.MinTTLIntervals*a.Interval {
		return fmt.Errorf("advertise.ttl (%s) must be at least %d × advertise.interval (%s)",
			a.TTL, advertise.MinTTLIntervals, a.Interval)
	}
	return nil
}
