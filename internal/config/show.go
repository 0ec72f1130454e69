package config

import (
	"fmt"
	"io"
)

// RenderEffective writes the resolved configuration as TOML-like annotated
// text to w. This powers the "config show" command.
func RenderEffective(cfg *Config, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration\n\n")

	ew.printf("[store]\n")
	ew.printf("  db_path      = %q\n", cfg.Store.DBPath)
	ew.printf("  busy_timeout = %q\n", cfg.Store.BusyTimeout)
	ew.printf("\n")

	ew.printf("[refresh]\n")
	ew.printf("  disconnect     = %t\n", cfg.Refresh.Disconnect)
	ew.printf("  debug_failures = %t\n", cfg.Refresh.DebugFailures)
	ew.printf("  debug_trace    = %t\n", cfg.Refresh.DebugTrace)
	ew.printf("  watch_interval = %q\n", cfg.Refresh.WatchInterval)
	ew.printf("\n")

	ew.printf("[logging]\n")
	ew.printf("  log_level  = %q\n", cfg.Logging.LogLevel)
	ew.printf("  log_format = %q\n", cfg.Logging.LogFormat)

	if cfg.Metrics.Textfile != "" {
		ew.printf("\n[metrics]\n")
		ew.printf("  textfile = %q\n", cfg.Metrics.Textfile)
	}

	return ew.err
}

// errWriter wraps an io.Writer and captures the first write error.
// Subsequent writes after an error are no-ops.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}
