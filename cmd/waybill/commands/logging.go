package commands

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/MEKXH/waybill/internal/config"
)

// logSink owns the log file opened for the process, if any. It is reopened
// only when the configured path changes.
var logSink struct {
	mu   sync.Mutex
	file *os.File
}

// configureLogger installs the process-wide slog logger from cfg.Log.
// overrideLevel comes from --log-level and wins over the config file.
func configureLogger(cfg *config.Config, overrideLevel string) error {
	level, err := parseLogLevel(cfg.Log.Level, overrideLevel)
	if err != nil {
		return err
	}
	w, err := logWriter(cfg.Log.File)
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(newLogHandler(w, cfg.Log.Format, level)))
	return nil
}

func newLogHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func logWriter(path string) (io.Writer, error) {
	path = strings.TrimSpace(path)

	logSink.mu.Lock()
	defer logSink.mu.Unlock()

	if logSink.file != nil && logSink.file.Name() != path {
		_ = logSink.file.Close()
		logSink.file = nil
	}
	if path == "" {
		return os.Stderr, nil
	}
	if logSink.file != nil {
		return logSink.file, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	logSink.file = f
	return f, nil
}

func parseLogLevel(configLevel, override string) (slog.Level, error) {
	raw := configLevel
	if strings.TrimSpace(override) != "" {
		raw = override
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("invalid log level: %s", raw)
}
