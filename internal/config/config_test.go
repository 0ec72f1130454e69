package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_AllFieldsPopulated(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	assert.Equal(t, DefaultDBPath(), cfg.Store.DBPath)
	assert.Equal(t, "5s", cfg.Store.BusyTimeout)

	assert.True(t, cfg.Refresh.Disconnect)
	assert.False(t, cfg.Refresh.DebugFailures)
	assert.False(t, cfg.Refresh.DebugTrace)
	assert.Equal(t, "2s", cfg.Refresh.WatchInterval)

	assert.Equal(t, "warn", cfg.Logging.LogLevel)
	assert.Equal(t, "auto", cfg.Logging.LogFormat)

	assert.Empty(t, cfg.Metrics.Textfile)
}

func TestDurations(t *testing.T) {
	s := StoreConfig{BusyTimeout: "250ms"}
	assert.Equal(t, 250*time.Millisecond, s.BusyTimeoutDuration())

	s.BusyTimeout = "bogus"
	assert.Equal(t, 5*time.Second, s.BusyTimeoutDuration())

	r := RefreshConfig{WatchInterval: "1m"}
	assert.Equal(t, time.Minute, r.WatchIntervalDuration())

	r.WatchInterval = ""
	assert.Equal(t, 2*time.Second, r.WatchIntervalDuration())
}
