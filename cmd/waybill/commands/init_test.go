package commands

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MEKXH/waybill/internal/config"
)

func TestInitCommand_CreatesConfigAndWorkspace(t *testing.T) {
	setHome(t)

	if err := runInit(nil, nil); err != nil {
		t.Fatalf("runInit error: %v", err)
	}

	configPath := config.ConfigPath()
	if _, err := os.Stat(configPath); err != nil {
		t.Fatalf("expected config file at %s: %v", configPath, err)
	}

	cfg := config.DefaultConfig()
	statePath := filepath.Join(cfg.WorkspacePath(), "state")
	if _, err := os.Stat(statePath); err != nil {
		t.Fatalf("expected state dir at %s: %v", statePath, err)
	}
}

func TestInitCommand_KeepsExistingConfig(t *testing.T) {
	setHome(t)

	configPath := config.ConfigPath()
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(configPath, []byte(`{"reviewers":["42"]}`), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	output := captureOutput(t, func() {
		if err := runInit(nil, nil); err != nil {
			t.Fatalf("runInit error: %v", err)
		}
	})
	if !strings.Contains(output, "already exists") {
		t.Fatalf("expected existing config notice, got: %s", output)
	}

	raw, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(raw) != `{"reviewers":["42"]}` {
		t.Fatalf("config was overwritten: %s", raw)
	}
}
