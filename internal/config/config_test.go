package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ppiankov/govgate/internal/model"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Storage.Driver != DriverSQLite {
		t.Errorf("expected sqlite default, got %q", cfg.Storage.Driver)
	}
	if cfg.BreakGlass.MaxDuration != time.Hour {
		t.Errorf("expected 1h break-glass ceiling, got %s", cfg.BreakGlass.MaxDuration)
	}
	if cfg.Change.ExecTimeout != 5*time.Minute {
		t.Errorf("expected 5m exec timeout, got %s", cfg.Change.ExecTimeout)
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
storage:
  driver: Memory
  ledger_path: /var/lib/govgate/ledger.jsonl
redis:
  addr: 127.0.0.1:6379
rate_limits:
  "*":
    max_requests: 100
    window: 1m
  wf-refunds:
    max_requests: 5
    window: 10s
break_glass:
  max_duration: 2h
review:
  approval_ttl: 15m
server:
  grpc_addr: 0.0.0.0:9000
authz:
  tiers:
    approver: HIGH
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Storage.Driver != DriverMemory {
		t.Errorf("driver should be normalised, got %q", cfg.Storage.Driver)
	}
	if cfg.Storage.LedgerPath != "/var/lib/govgate/ledger.jsonl" {
		t.Errorf("ledger path not loaded: %q", cfg.Storage.LedgerPath)
	}
	if l := cfg.RateLimits.For("wf-refunds"); l == nil || l.MaxRequests != 5 || l.Window != 10*time.Second {
		t.Errorf("unexpected workflow limit %+v", l)
	}
	if l := cfg.RateLimits.For("wf-other"); l == nil || l.MaxRequests != 100 {
		t.Errorf("wildcard limit not applied: %+v", l)
	}
	if cfg.BreakGlass.MaxDuration != 2*time.Hour || cfg.BreakGlass.DefaultDuration != 10*time.Minute {
		t.Errorf("break-glass overlay wrong: %+v", cfg.BreakGlass)
	}
	if cfg.Review.ApprovalTTL != 15*time.Minute {
		t.Errorf("approval ttl = %s", cfg.Review.ApprovalTTL)
	}
	if cfg.Server.GRPCAddr != "0.0.0.0:9000" || cfg.Server.OpsAddr != "127.0.0.1:7444" {
		t.Errorf("server overlay wrong: %+v", cfg.Server)
	}
	if cfg.Authz.Tiers[model.RoleApprover] != model.RiskHigh {
		t.Errorf("tier override not loaded: %v", cfg.Authz.Tiers)
	}
	if cfg.Redis.Prefix != "govgate:rl:" {
		t.Errorf("redis prefix default lost: %q", cfg.Redis.Prefix)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"driver":       "storage:\n  driver: postgres\n",
		"sqlite path":  "storage:\n  driver: sqlite\n  sqlite_path: \"\"\n",
		"window":       "rate_limits:\n  wf:\n    max_requests: 3\n",
		"break glass":  "break_glass:\n  default_duration: 3h\n  max_duration: 1h\n",
		"tier":         "authz:\n  tiers:\n    approver: EXTREME\n",
		"bad duration": "change:\n  exec_timeout: soon\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body)); err == nil {
				t.Fatal("expected error")
			} else if !strings.HasPrefix(err.Error(), "config:") {
				t.Errorf("error should carry package prefix: %v", err)
			}
		})
	}
}
