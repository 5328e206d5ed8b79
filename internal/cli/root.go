package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ppiankov/govgate/internal/app"
	"github.com/ppiankov/govgate/internal/client"
	"github.com/ppiankov/govgate/internal/config"
	"github.com/ppiankov/govgate/internal/logging"
	"github.com/ppiankov/govgate/internal/model"
	"github.com/ppiankov/govgate/internal/server"
)

var (
	configPath string
	serverAddr string
	actorID    string
	actorKind  string
	actorRoles string
	outputJSON bool
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "Path to config YAML (default ~/.govgate/config.yaml)")
	pf.StringVar(&serverAddr, "server", "", "Governance server address; empty runs against local state")
	pf.StringVar(&actorID, "actor", "", "Acting identity (default $USER)")
	pf.StringVar(&actorKind, "actor-kind", string(model.ActorUser), "Actor kind: USER, AGENT or SYSTEM")
	pf.StringVar(&actorRoles, "roles", "", "Comma-separated roles of the acting identity")
	pf.BoolVar(&outputJSON, "json", false, "Print results as JSON")
}

var rootCmd = &cobra.Command{
	Use:   "govgate",
	Short: "Governance enforcement core for automated workflows",
	Long: "Gates every automated action through kill switches, break-glass grants,\n" +
		"declarative policies, human review, rate limits and capability checks,\n" +
		"and records each decision in a tamper-evident hash-chained ledger.",
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads --config, falling back to the default location.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	return config.Load(path)
}

// openApp wires the local state described by the config. CLI runs log to
// stderr at warn level unless the config asks for more.
func openApp(ctx context.Context) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log, err := cliLogger(cfg)
	if err != nil {
		return nil, err
	}
	return appFromConfig(ctx, cfg, log)
}

func appFromConfig(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*app.App, error) {
	return app.New(ctx, cfg, log, app.Options{})
}

func cliLogger(cfg *config.Config) (zerolog.Logger, error) {
	level := cfg.Log.Level
	if level == "" || level == "info" {
		level = "warn"
	}
	return logging.New(os.Stderr, logging.Options{Level: level, Format: "console"})
}

// governance returns the backend for gRPC-surface operations: a remote
// client when --server is set, the local app otherwise.
func governance(ctx context.Context) (server.Governance, func(), error) {
	if serverAddr != "" {
		c, err := client.New(serverAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to %s: %w", serverAddr, err)
		}
		return c, func() { c.Close() }, nil
	}
	a, err := openApp(ctx)
	if err != nil {
		return nil, nil, err
	}
	return &server.Local{App: a}, func() { a.Close() }, nil
}

// localApp opens local state for commands outside the gRPC surface.
func localApp(ctx context.Context, cmd string) (*app.App, error) {
	if serverAddr != "" {
		return nil, fmt.Errorf("%s reads local state and does not support --server", cmd)
	}
	return openApp(ctx)
}

// currentActor builds the acting identity from the persistent flags.
func currentActor() (model.Actor, error) {
	id := strings.TrimSpace(actorID)
	if id == "" {
		id = os.Getenv("USER")
	}
	if id == "" {
		return model.Actor{}, fmt.Errorf("--actor is required")
	}
	kind := model.ActorKind(strings.ToUpper(strings.TrimSpace(actorKind)))
	if !kind.Valid() {
		return model.Actor{}, fmt.Errorf("unknown actor kind %q", actorKind)
	}
	return model.Actor{ID: id, Kind: kind, Roles: model.ParseRoles(actorRoles)}, nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func parseKV(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid key=value pair %q", p)
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}
