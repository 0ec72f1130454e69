package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// appName names the per-user directories.
const appName = "emsrefresh"

const configFileName = "config.toml"

// userDir describes where one kind of per-user file lives: the XDG variable
// that overrides it on Linux and the fallback under $HOME elsewhere. macOS
// keeps config and the inventory database together under Application
// Support.
type userDir struct {
	xdgEnv   string
	fallback []string
}

var (
	configDir = userDir{xdgEnv: "XDG_CONFIG_HOME", fallback: []string{".config"}}
	dataDir   = userDir{xdgEnv: "XDG_DATA_HOME", fallback: []string{".local", "share"}}
)

// resolve returns the directory for goos and home, or "" without a home.
func (d userDir) resolve(goos, home string) string {
	if home == "" {
		return ""
	}

	if goos == "darwin" {
		return filepath.Join(home, "Library", "Application Support", appName)
	}

	if xdg := os.Getenv(d.xdgEnv); xdg != "" && goos == "linux" {
		return filepath.Join(xdg, appName)
	}

	return filepath.Join(append(append([]string{home}, d.fallback...), appName)...)
}

func userHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return home
}

// DefaultConfigDir returns the directory searched for config.toml.
func DefaultConfigDir() string {
	return configDir.resolve(runtime.GOOS, userHome())
}

// DefaultDataDir returns the directory holding the inventory database.
func DefaultDataDir() string {
	return dataDir.resolve(runtime.GOOS, userHome())
}

// DefaultConfigPath is the config file used when neither EMSREFRESH_CONFIG
// nor --config names one.
func DefaultConfigPath() string {
	dir := DefaultConfigDir()
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, configFileName)
}
