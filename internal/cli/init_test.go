package cli

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ppiankov/govgate/internal/catalog"
	"github.com/ppiankov/govgate/internal/config"
	"github.com/ppiankov/govgate/internal/policy"
)

func TestRunInit_UserMode(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)

	initMode = "user"
	initForce = false

	if err := runInit(nil, nil); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}

	configDir := filepath.Join(tmpDir, ".govgate")

	cfg, err := config.Load(filepath.Join(configDir, "config.yaml"))
	if err != nil {
		t.Fatalf("generated config does not load: %v", err)
	}
	if cfg.Storage.SQLitePath != filepath.Join(configDir, "govgate.db") {
		t.Errorf("sqlite path = %q", cfg.Storage.SQLitePath)
	}
	if cfg.PolicyPath != filepath.Join(configDir, "policies.yaml") {
		t.Errorf("policy path = %q", cfg.PolicyPath)
	}
	if l := cfg.RateLimits.For("any-workflow"); !l.Enabled() || l.MaxRequests != 600 {
		t.Errorf("expected wildcard rate limit, got %+v", l)
	}

	policies, _, err := policy.LoadFile(cfg.PolicyPath)
	if err != nil {
		t.Fatalf("generated policies invalid: %v", err)
	}
	if len(policies) != 2 {
		t.Errorf("expected 2 starter policies, got %d", len(policies))
	}

	data, _, err := catalog.LoadFile(cfg.CatalogPath)
	if err != nil {
		t.Fatalf("generated catalog invalid: %v", err)
	}
	if _, err := catalog.New(data); err != nil {
		t.Fatalf("generated catalog rejected: %v", err)
	}
}

func TestRunInit_NoOverwriteWithoutForce(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)

	configDir := filepath.Join(tmpDir, ".govgate")
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		t.Fatal(err)
	}

	sentinel := "# sentinel content\n"
	policyPath := filepath.Join(configDir, "policies.yaml")
	if err := os.WriteFile(policyPath, []byte(sentinel), 0o644); err != nil {
		t.Fatal(err)
	}

	initMode = "user"
	initForce = false

	if err := runInit(nil, nil); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}

	data, _ := os.ReadFile(policyPath)
	if string(data) != sentinel {
		t.Error("policies.yaml was overwritten without --force")
	}
	if _, err := os.Stat(filepath.Join(configDir, "config.yaml")); err != nil {
		t.Error("missing config.yaml was not created")
	}
}

func TestRunInit_ForceOverwrites(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)

	configDir := filepath.Join(tmpDir, ".govgate")
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		t.Fatal(err)
	}

	sentinel := "# sentinel content\n"
	policyPath := filepath.Join(configDir, "policies.yaml")
	if err := os.WriteFile(policyPath, []byte(sentinel), 0o644); err != nil {
		t.Fatal(err)
	}

	initMode = "user"
	initForce = true
	defer func() { initForce = false }()

	if err := runInit(nil, nil); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}

	data, _ := os.ReadFile(policyPath)
	if string(data) == sentinel {
		t.Error("policies.yaml was NOT overwritten with --force")
	}
}

func TestRunInit_InvalidMode(t *testing.T) {
	initMode = "invalid"
	initForce = false
	defer func() { initMode = "user" }()

	err := runInit(nil, nil)
	if err == nil {
		t.Fatal("expected error for invalid mode")
	}
	if !strings.Contains(err.Error(), "unknown mode") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestInitConfigDir(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	defer func() { initMode = "user" }()

	tests := []struct {
		mode    string
		want    string
		wantErr bool
	}{
		{"user", filepath.Join(tmpDir, ".govgate"), false},
		{"system", "/etc/govgate", false},
		{"invalid", "", true},
	}

	for _, tt := range tests {
		initMode = tt.mode
		got, err := initConfigDir()
		if tt.wantErr {
			if err == nil {
				t.Errorf("mode=%q: expected error", tt.mode)
			}
			continue
		}
		if err != nil {
			t.Errorf("mode=%q: unexpected error: %v", tt.mode, err)
			continue
		}
		if got != tt.want {
			t.Errorf("mode=%q: got %q, want %q", tt.mode, got, tt.want)
		}
	}
}

func TestWriteIfMissing(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "nested", "test.txt")

	initForce = false
	wrote, err := writeIfMissing(path, "hello")
	if err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	if !wrote {
		t.Error("first write should return true")
	}

	wrote, err = writeIfMissing(path, "world")
	if err != nil {
		t.Fatalf("second write failed: %v", err)
	}
	if wrote {
		t.Error("second write should return false without force")
	}

	data, _ := os.ReadFile(path)
	if string(data) != "hello" {
		t.Errorf("content = %q, want hello", data)
	}
}
