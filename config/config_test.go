package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
name: regiond-1
database:
  driver: postgres
  dsn: postgres://maas@localhost/maasdb?sslmode=disable
  max_open_conns: 8
rpc:
  codec: binary
  request_timeout: 30s
  rate_limit: 200
  rate_burst: 50
advertise:
  interval: 30s
  ttl: 5m
metrics:
  address: 127.0.0.1:9470
`

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "regiond.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, c.Validate())

	assert.Equal(t, "regiond-1", c.Name)
	assert.Equal(t, "postgres", c.Database.Driver)
	assert.Equal(t, 8, c.Database.MaxOpenConns)
	assert.Equal(t, "binary", c.RPC.Codec)
	assert.Equal(t, 30*time.Second, c.RPC.RequestTimeout)
	assert.Equal(t, 50, c.RPC.RateBurst)
	assert.Equal(t, ":0", c.RPC.Listen)
	assert.Equal(t, 30*time.Second, c.Advertise.Interval)
	assert.Equal(t, 30*time.Second, c.Advertise.CycleTimeout)
	assert.Equal(t, 5*time.Minute, c.Advertise.TTL)
	assert.Equal(t, "127.0.0.1:9470", c.Metrics.Address)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestDefaults(t *testing.T) {
	c, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
	assert.Equal(t, 60*time.Second, c.Advertise.Interval)
	assert.Equal(t, 5*time.Minute, c.Advertise.TTL)
	assert.Equal(t, "json", c.RPC.Codec)
	assert.Empty(t, c.Metrics.Address)

	// Defaults alone lack a name and a database.
	assert.Error(t, c.Validate())
}

func TestUnknownKeyRejected(t *testing.T) {
	_, err := Parse([]byte("name: x\nadvertize:\n  interval: 1s\n"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := Default()
		c.Name = "regiond-1"
		c.Database.DSN = "postgres://localhost/maasdb"
		return c
	}
	require.NoError(t, valid().Validate())

	for name, mutate := range map[string]func(*Config){
		"no name":            func(c *Config) { c.Name = "" },
		"unknown driver":     func(c *Config) { c.Database.Driver = "mysql" },
		"no dsn":             func(c *Config) { c.Database.DSN = "" },
		"unknown codec":      func(c *Config) { c.RPC.Codec = "xml" },
		"rate without burst": func(c *Config) { c.RPC.RateLimit = 10 },
		"ttl below 5 intervals": func(c *Config) {
			c.Advertise.Interval = time.Minute
			c.Advertise.TTL = 4 * time.Minute
		},
		"zero cycle timeout": func(c *Config) { c.Advertise.CycleTimeout = 0 },
	} {
		c := valid()
		mutate(c)
		assert.Error(t, c.Validate(), name)
	}
}
