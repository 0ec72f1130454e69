package config

import "path/filepath"

// Default values for configuration options. These represent the "layer 0"
// of the four-layer override chain.
const (
	defaultDBName        = "inventory.db"
	defaultBusyTimeout   = "5s"
	defaultWatchInterval = "2s"
	defaultLogLevel      = "warn"
	defaultLogFormat     = "auto"
)

// DefaultConfig returns a Config populated with all default values.
// This is used both as the starting point for TOML decoding (so unset
// fields retain defaults) and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Store:   defaultStoreConfig(),
		Refresh: defaultRefreshConfig(),
		Logging: defaultLoggingConfig(),
	}
}

func defaultStoreConfig() StoreConfig {
	return StoreConfig{
		DBPath:      DefaultDBPath(),
		BusyTimeout: defaultBusyTimeout,
	}
}

func defaultRefreshConfig() RefreshConfig {
	return RefreshConfig{
		Disconnect:    true,
		WatchInterval: defaultWatchInterval,
	}
}

func defaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		LogLevel:  defaultLogLevel,
		LogFormat: defaultLogFormat,
	}
}

// DefaultDBPath returns the inventory database path under the data dir.
func DefaultDBPath() string {
	dir := DefaultDataDir()
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, defaultDBName)
}
