package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ppiankov/govgate/internal/policy"
)

func init() {
	rootCmd.AddCommand(policyCmd)
	policyCmd.AddCommand(policyValidateCmd, policyListCmd)
}

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect governance policies",
}

var policyValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate a policy YAML file",
	Long: "Parses and validates a policy file without importing it.\n" +
		"Defaults to the policy path from the config.",
	Args: cobra.MaximumNArgs(1),
	RunE: runPolicyValidate,
}

var policyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored policies",
	RunE:  runPolicyList,
}

func runPolicyValidate(cmd *cobra.Command, args []string) error {
	var path string
	if len(args) == 1 {
		path = args[0]
	} else {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		path = cfg.PolicyPath
	}

	policies, hash, err := policy.LoadFile(path)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if outputJSON {
		return printJSON(map[string]any{"path": path, "hash": hash, "policies": policies})
	}
	fmt.Printf("%s: %d policies OK (%s)\n", path, len(policies), hash)
	return nil
}

func runPolicyList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := localApp(ctx, "policy list")
	if err != nil {
		return err
	}
	defer a.Close()

	policies, err := a.Policies.List(ctx)
	if err != nil {
		return err
	}
	if outputJSON {
		return printJSON(policies)
	}
	if len(policies) == 0 {
		fmt.Println("No policies.")
		return nil
	}

	fmt.Printf("%-24s %-8s %-15s %-7s %s\n", "ID", "PRIORITY", "OUTCOME", "ACTIVE", "NAME")
	for _, p := range policies {
		fmt.Printf("%-24s %-8d %-15s %-7t %s\n", p.ID, p.Priority, p.Outcome, p.Active, strings.TrimSpace(p.Name))
	}
	return nil
}
