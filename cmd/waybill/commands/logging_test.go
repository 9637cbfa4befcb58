package commands

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MEKXH/waybill/internal/config"
)

func TestParseLogLevel(t *testing.T) {
	cases := []struct {
		config, override string
		want             slog.Level
	}{
		{"", "", slog.LevelInfo},
		{"debug", "", slog.LevelDebug},
		{"info", "warning", slog.LevelWarn},
		{"warn", "error", slog.LevelError},
	}
	for _, tc := range cases {
		got, err := parseLogLevel(tc.config, tc.override)
		if err != nil {
			t.Fatalf("parseLogLevel(%q,%q) error: %v", tc.config, tc.override, err)
		}
		if got != tc.want {
			t.Fatalf("parseLogLevel(%q,%q) = %v, want %v", tc.config, tc.override, got, tc.want)
		}
	}

	if _, err := parseLogLevel("loud", ""); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestConfigureLogger_WritesToFile(t *testing.T) {
	defer slog.SetDefault(slog.Default())

	logPath := filepath.Join(t.TempDir(), "logs", "waybill.log")
	cfg := config.DefaultConfig()
	cfg.Log.File = logPath

	if err := configureLogger(cfg, "debug"); err != nil {
		t.Fatalf("configureLogger error: %v", err)
	}
	slog.Debug("lock acquired", "requester_id", "42")

	raw, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(raw), "requester_id=42") {
		t.Fatalf("expected debug line in log file, got: %s", raw)
	}

	cfg.Log.File = ""
	if err := configureLogger(cfg, ""); err != nil {
		t.Fatalf("configureLogger reset error: %v", err)
	}
}

func TestNewLogHandler_JSONFormat(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(newLogHandler(&buf, "JSON", slog.LevelInfo))
	logger.Info("request submitted", "receipt", "AB123")
	logger.Debug("hidden")

	out := buf.String()
	if !strings.Contains(out, `"receipt":"AB123"`) {
		t.Fatalf("expected JSON record, got: %s", out)
	}
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug record must be filtered at info level, got: %s", out)
	}
}
