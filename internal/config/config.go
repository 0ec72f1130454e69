// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for emsrefresh. It supports a four-layer
// override chain (defaults -> config file -> environment -> CLI flags).
package config

import "time"

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	Store   StoreConfig   `toml:"store" json:"store"`
	Refresh RefreshConfig `toml:"refresh" json:"refresh"`
	Logging LoggingConfig `toml:"logging" json:"logging"`
	Metrics MetricsConfig `toml:"metrics" json:"metrics"`
}

// StoreConfig locates the inventory database.
type StoreConfig struct {
	DBPath      string `toml:"db_path" json:"db_path"`
	BusyTimeout string `toml:"busy_timeout" json:"busy_timeout"`
}

// RefreshConfig controls how snapshots are reconciled. Disconnect decides
// whether entities missing from a snapshot are released; turning it off
// makes every refresh purely additive.
type RefreshConfig struct {
	Disconnect    bool   `toml:"disconnect" json:"disconnect"`
	DebugFailures bool   `toml:"debug_failures" json:"debug_failures"`
	DebugTrace    bool   `toml:"debug_trace" json:"debug_trace"`
	WatchInterval string `toml:"watch_interval" json:"watch_interval"`
}

// LoggingConfig controls log output: level and format.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level" json:"log_level"`
	LogFormat string `toml:"log_format" json:"log_format"`
}

// MetricsConfig controls metrics export. An empty Textfile disables it.
type MetricsConfig struct {
	Textfile string `toml:"textfile" json:"textfile"`
}

// BusyTimeoutDuration returns busy_timeout as a duration. Values are
// validated on load; an unparsable value falls back to the default.
func (s *StoreConfig) BusyTimeoutDuration() time.Duration {
	return durationOr(s.BusyTimeout, defaultBusyTimeout)
}

// WatchIntervalDuration returns watch_interval as a duration.
func (r *RefreshConfig) WatchIntervalDuration() time.Duration {
	return durationOr(r.WatchInterval, defaultWatchInterval)
}

func durationOr(value, fallback string) time.Duration {
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}

	d, _ := time.ParseDuration(fallback)

	return d
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set to zero value": --no-disconnect=false is different
// from not passing --no-disconnect at all.
type CLIOverrides struct {
	ConfigPath string  // --config flag (empty = use default)
	DBPath     *string // --db flag
	LogLevel   *string // --verbose / --debug / --quiet
	Disconnect *bool   // --no-disconnect flag
}
