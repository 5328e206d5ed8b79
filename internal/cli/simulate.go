package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/govgate/internal/policy"
	"github.com/ppiankov/govgate/internal/sim"
)

var (
	simTenant   string
	simWorkflow string
	simAfter    int64
	simLimit    int
	simFormat   string
)

func init() {
	policyCmd.AddCommand(simulateCmd)
	simulateCmd.Flags().StringVar(&simTenant, "tenant", "", "Only replay decisions for this tenant")
	simulateCmd.Flags().StringVar(&simWorkflow, "workflow", "", "Only replay decisions for this workflow")
	simulateCmd.Flags().Int64Var(&simAfter, "after", 0, "Start after this ledger sequence number")
	simulateCmd.Flags().IntVarP(&simLimit, "limit", "n", 0, "Maximum decisions to replay (0 = all)")
	simulateCmd.Flags().StringVarP(&simFormat, "format", "f", "text", "Output format (text|json)")
}

var simulateCmd = &cobra.Command{
	Use:   "simulate <candidate-policy-file>",
	Short: "Replay recorded gate decisions against a candidate policy file",
	Long: "Reads gate decisions from the ledger, rebuilds each recorded action,\n" +
		"and evaluates it against the stored policies and the candidate file.\n" +
		"Reports actions whose policy outcome would change. Only the policy\n" +
		"check is replayed. Nothing is written to the ledger.",
	Args: cobra.ExactArgs(1),
	RunE: runSimulate,
}

func runSimulate(cmd *cobra.Command, args []string) error {
	candidatePolicies, _, err := policy.LoadFile(args[0])
	if err != nil {
		return err
	}
	candidate := policy.NewEvaluator()
	candidate.Load(candidatePolicies)

	ctx := context.Background()
	a, err := localApp(ctx, "policy simulate")
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := sim.Simulate(ctx, a.Ledger, a.Policies.Evaluator(), candidate, sim.Options{
		TenantID:   simTenant,
		WorkflowID: simWorkflow,
		AfterSeq:   simAfter,
		Limit:      simLimit,
	})
	if err != nil {
		return err
	}
	result.PolicyPath = args[0]

	if simFormat == "json" || outputJSON {
		out, err := sim.FormatJSON(result)
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	}
	fmt.Print(sim.FormatText(result))
	return nil
}
