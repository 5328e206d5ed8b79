package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var (
	initMode  string
	initForce bool
)

func init() {
	initCmd.Flags().StringVar(&initMode, "mode", "user", "Config location: user (~/.govgate) or system (/etc/govgate)")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing config files")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Bootstrap govgate configuration",
	Long: `Creates the state directory with a config file, a starter policy file
and an empty workflow catalog.

User mode (default):  writes to ~/.govgate/
System mode:          writes to /etc/govgate/ (requires root)`,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	configDir, err := initConfigDir()
	if err != nil {
		return err
	}

	var created []string
	files := []struct {
		name    string
		content string
	}{
		{"config.yaml", defaultConfigYAML(configDir)},
		{"policies.yaml", defaultPoliciesYAML},
		{"catalog.yaml", defaultCatalogYAML},
	}
	for _, f := range files {
		path := filepath.Join(configDir, f.name)
		wrote, err := writeIfMissing(path, f.content)
		if err != nil {
			return err
		}
		if wrote {
			created = append(created, path)
		}
	}

	fmt.Println("govgate init complete.")
	fmt.Println()
	if len(created) > 0 {
		fmt.Println("Created:")
		for _, path := range created {
			fmt.Printf("  %s\n", path)
		}
		fmt.Println()
	} else {
		fmt.Println("All files already exist (use --force to overwrite).")
		fmt.Println()
	}

	fmt.Println("Register workflows and capabilities in catalog.yaml, then:")
	fmt.Printf("  govgate policy validate %s\n", filepath.Join(configDir, "policies.yaml"))
	fmt.Printf("  govgate serve --config %s\n", filepath.Join(configDir, "config.yaml"))
	return nil
}

// initConfigDir returns the configuration directory based on mode.
func initConfigDir() (string, error) {
	switch initMode {
	case "system":
		return "/etc/govgate", nil
	case "user", "":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		return filepath.Join(home, ".govgate"), nil
	default:
		return "", fmt.Errorf("unknown mode %q: use 'user' or 'system'", initMode)
	}
}

// writeIfMissing writes content to path if it doesn't exist or --force is set.
// Returns true if the file was written.
func writeIfMissing(path, content string) (bool, error) {
	if !initForce {
		if _, err := os.Stat(path); err == nil {
			return false, nil
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("create directory %s: %w", dir, err)
	}

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}

func defaultConfigYAML(dir string) string {
	return fmt.Sprintf(`# govgate configuration.
# Durations use Go syntax (10m, 1h). Omitted keys keep their defaults.

storage:
  driver: sqlite            # sqlite or memory
  sqlite_path: %[1]s
  # ledger_path: %[2]s     # keep the ledger in a JSONL file instead

# redis:
#   addr: 127.0.0.1:6379    # shared rate-limit counter across instances
#   prefix: "govgate:rl:"

rate_limits:
  "*":
    max_requests: 600
    window: 1m

break_glass:
  default_duration: 10m
  max_duration: 1h

review:
  approval_ttl: 30m

change:
  exec_timeout: 5m

policy_path: %[3]s
catalog_path: %[4]s

server:
  grpc_addr: 127.0.0.1:7443
  ops_addr: 127.0.0.1:7444
  requests_per_second: 200
  burst: 400

log:
  level: info
  format: json
`,
		filepath.Join(dir, "govgate.db"),
		filepath.Join(dir, "ledger.jsonl"),
		filepath.Join(dir, "policies.yaml"),
		filepath.Join(dir, "catalog.yaml"),
	)
}

const defaultPoliciesYAML = `# govgate policies. Evaluated in ascending priority; the first ALLOW or DENY match
# decides. A REQUIRE_REVIEW match adds an approval step but does not stop the scan.
# Outcomes: ALLOW, DENY, REQUIRE_REVIEW. Edits are hot-reloaded by 'govgate serve'.

policies:
  - id: deny-mass-impact
    name: Block actions affecting more than 10000 users
    rule:
      all:
        - field: affected_users
          op: range
          min: 10001
    outcome: DENY
    priority: 10

  - id: review-prod-sensitive
    name: Human review for production actions on sensitive data
    rule:
      all:
        - field: production
          op: eq
          value: "true"
        - field: sensitive_data
          op: eq
          value: "true"
        - field: read_only
          op: eq
          value: "false"
    outcome: REQUIRE_REVIEW
    priority: 20
`

const defaultCatalogYAML = `# Workflows, capabilities and connectors known to govgate.
# A workflow may only exercise the capabilities listed under it.

workflows: []
#  - id: wf-refunds
#    name: Customer refunds
#    risk_level: HIGH
#    capabilities: [cap-issue-refund]

capabilities: []
#  - id: cap-issue-refund
#    name: Issue refund

connectors: []
`
