package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/govgate/internal/authz"
	"github.com/ppiankov/govgate/internal/breakglass"
	"github.com/ppiankov/govgate/internal/change"
	"github.com/ppiankov/govgate/internal/model"
	"github.com/ppiankov/govgate/internal/ratelimit"
)

// Storage drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// Config is the top-level application configuration.
type Config struct {
	Storage    StorageConfig    `yaml:"storage"`
	Redis      RedisConfig      `yaml:"redis"`
	RateLimits ratelimit.Limits `yaml:"rate_limits"`
	BreakGlass BreakGlassConfig `yaml:"break_glass"`
	Review     ReviewConfig     `yaml:"review"`
	Change     ChangeConfig     `yaml:"change"`
	// PolicyPath and CatalogPath are YAML files watched for changes.
	PolicyPath  string       `yaml:"policy_path"`
	CatalogPath string       `yaml:"catalog_path"`
	Server      ServerConfig `yaml:"server"`
	Log         LogConfig    `yaml:"log"`
	Authz       AuthzConfig  `yaml:"authz"`
}

// StorageConfig selects where records and the ledger live.
type StorageConfig struct {
	Driver     string `yaml:"driver"`
	SQLitePath string `yaml:"sqlite_path"`
	// LedgerPath, when set, keeps the ledger in an append-only JSONL file
	// instead of the record store.
	LedgerPath string `yaml:"ledger_path"`
}

// RedisConfig enables the shared rate-limit counter when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// BreakGlassConfig bounds grant windows.
type BreakGlassConfig struct {
	DefaultDuration time.Duration `yaml:"default_duration"`
	MaxDuration     time.Duration `yaml:"max_duration"`
}

// ReviewConfig controls REQUIRE_REVIEW approvals.
type ReviewConfig struct {
	// ApprovalTTL limits how long an approved review item stays usable.
	// Zero means until consumed.
	ApprovalTTL time.Duration `yaml:"approval_ttl"`
}

// ChangeConfig tunes the change-request state machine.
type ChangeConfig struct {
	ExecTimeout time.Duration   `yaml:"exec_timeout"`
	Weights     *change.Weights `yaml:"risk_weights"`
}

// ServerConfig holds listener addresses and request admission.
type ServerConfig struct {
	GRPCAddr          string  `yaml:"grpc_addr"`
	OpsAddr           string  `yaml:"ops_addr"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// LogConfig selects level and format.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AuthzConfig overrides the built-in role tables. Nil maps keep the defaults.
type AuthzConfig struct {
	Roles map[model.Role][]authz.Permission `yaml:"roles"`
	Tiers map[model.Role]model.RiskLevel    `yaml:"tiers"`
}

// DefaultDir returns the state directory (~/.govgate).
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".govgate"
	}
	return filepath.Join(home, ".govgate")
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return filepath.Join(DefaultDir(), "config.yaml")
}

// Default returns the built-in configuration: sqlite storage under the state
// directory, no rate limits and local-only listeners.
func Default() *Config {
	dir := DefaultDir()
	return &Config{
		Storage: StorageConfig{
			Driver:     DriverSQLite,
			SQLitePath: filepath.Join(dir, "govgate.db"),
		},
		Redis:      RedisConfig{Prefix: "govgate:rl:"},
		RateLimits: ratelimit.Limits{},
		BreakGlass: BreakGlassConfig{
			DefaultDuration: breakglass.DefaultDuration,
			MaxDuration:     breakglass.MaxDuration,
		},
		Change: ChangeConfig{
			ExecTimeout: change.DefaultExecTimeout,
		},
		PolicyPath:  filepath.Join(dir, "policies.yaml"),
		CatalogPath: filepath.Join(dir, "catalog.yaml"),
		Server: ServerConfig{
			GRPCAddr:          "127.0.0.1:7443",
			OpsAddr:           "127.0.0.1:7444",
			RequestsPerSecond: 200,
			Burst:             400,
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads a YAML config file over the defaults.
// If path is empty or the file does not exist, returns Default().
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the wiring cannot honour.
func (c *Config) Validate() error {
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("config: storage.sqlite_path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("config: unknown storage driver %q (want memory or sqlite)", c.Storage.Driver)
	}
	if c.BreakGlass.DefaultDuration < 0 || c.BreakGlass.MaxDuration < 0 {
		return fmt.Errorf("config: break_glass durations must not be negative")
	}
	if c.BreakGlass.MaxDuration > 0 && c.BreakGlass.DefaultDuration > c.BreakGlass.MaxDuration {
		return fmt.Errorf("config: break_glass.default_duration exceeds max_duration")
	}
	if c.Change.ExecTimeout < 0 {
		return fmt.Errorf("config: change.exec_timeout must not be negative")
	}
	for wf, l := range c.RateLimits {
		if l == nil {
			continue
		}
		if l.MaxRequests < 0 || l.Window < 0 {
			return fmt.Errorf("config: rate_limits[%s]: values must not be negative", wf)
		}
		if l.MaxRequests > 0 && l.Window == 0 {
			return fmt.Errorf("config: rate_limits[%s]: window is required", wf)
		}
	}
	for role, level := range c.Authz.Tiers {
		if _, err := model.ParseRiskLevel(string(level)); err != nil {
			return fmt.Errorf("config: authz.tiers[%s]: %w", role, err)
		}
	}
	return nil
}
