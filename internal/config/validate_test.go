package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Store.DBPath = "/tmp/inventory.db"

	return cfg
}

func TestValidate_ValidDefaults(t *testing.T) {
	assert.NoError(t, Validate(validConfig()))
}

func TestValidate_Fields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"empty db path", func(c *Config) { c.Store.DBPath = "" }, "db_path"},
		{"bad busy timeout", func(c *Config) { c.Store.BusyTimeout = "soon" }, "busy_timeout"},
		{"negative busy timeout", func(c *Config) { c.Store.BusyTimeout = "-1s" }, "busy_timeout"},
		{"watch interval too small", func(c *Config) { c.Refresh.WatchInterval = "10ms" }, "watch_interval"},
		{"bad watch interval", func(c *Config) { c.Refresh.WatchInterval = "often" }, "watch_interval"},
		{"bad log level", func(c *Config) { c.Logging.LogLevel = "trace" }, "log_level"},
		{"bad log format", func(c *Config) { c.Logging.LogFormat = "xml" }, "log_format"},
		{"textfile suffix", func(c *Config) { c.Metrics.Textfile = "/tmp/metrics.txt" }, "textfile"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestValidate_ZeroBusyTimeoutAllowed(t *testing.T) {
	cfg := validConfig()
	cfg.Store.BusyTimeout = "0s"
	cfg.Metrics.Textfile = "/tmp/emsrefresh.prom"

	assert.NoError(t, Validate(cfg))
}

func TestValidate_MultipleErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Store.DBPath = ""
	cfg.Logging.LogLevel = "trace"
	cfg.Refresh.WatchInterval = "1ns"

	err := Validate(cfg)
	require.Error(t, err)
	assert.Len(t, strings.Split(err.Error(), "\n"), 3)
}
