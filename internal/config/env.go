package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig   = "EMSREFRESH_CONFIG"
	EnvDB       = "EMSREFRESH_DB"
	EnvLogLevel = "EMSREFRESH_LOG_LEVEL"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath string // EMSREFRESH_CONFIG: override config file path
	DBPath     string // EMSREFRESH_DB: inventory database path
	LogLevel   string // EMSREFRESH_LOG_LEVEL: log level
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
// This does not modify the Config; Resolve applies the relevant fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		DBPath:     os.Getenv(EnvDB),
		LogLevel:   os.Getenv(EnvLogLevel),
	}
}
