package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ppiankov/govgate/internal/enforce"
	"github.com/ppiankov/govgate/internal/model"
	"github.com/ppiankov/govgate/internal/server"
)

var (
	gateType       string
	gateTenant     string
	gateWorkflow   string
	gateCapability string
	gateConnector  string
	gateEnv        string
	gateProduction bool
	gateSensitive  bool
	gateReadOnly   bool
	gateAffected   int
	gateChange     string
	gateExtra      []string
)

func init() {
	rootCmd.AddCommand(gateCmd)
	gateCmd.AddCommand(gateCheckCmd)
	f := gateCheckCmd.Flags()
	f.StringVar(&gateType, "gate", string(model.GateAction), "Gate type: ACTION, CAPABILITY_REQUEST or DATA_ACCESS")
	f.StringVar(&gateTenant, "tenant", "", "Tenant id (required)")
	f.StringVar(&gateWorkflow, "workflow", "", "Workflow id (required)")
	f.StringVar(&gateCapability, "capability", "", "Capability id")
	f.StringVar(&gateConnector, "connector", "", "Connector id")
	f.StringVar(&gateEnv, "env", "", "Environment name")
	f.BoolVar(&gateProduction, "production", false, "Action touches production")
	f.BoolVar(&gateSensitive, "sensitive", false, "Action involves sensitive data")
	f.BoolVar(&gateReadOnly, "read-only", false, "Action only reads")
	f.IntVar(&gateAffected, "affected-users", 0, "Estimated affected users")
	f.StringVar(&gateChange, "change", "", "Change request id the action belongs to")
	f.StringArrayVar(&gateExtra, "extra", nil, "Extra context field as key=value (repeatable)")
}

var gateCmd = &cobra.Command{
	Use:   "gate",
	Short: "Evaluate governance gates",
}

var gateCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Evaluate one action against the enforcement pipeline",
	Long: "Runs the action through kill switch, break-glass, policy, approval,\n" +
		"rate limit and capability checks and prints the decision.\n\n" +
		"Exit code 0 if allowed, 1 if denied. The decision is recorded in the ledger.",
	RunE: runGateCheck,
}

func runGateCheck(cmd *cobra.Command, args []string) error {
	actor, err := currentActor()
	if err != nil {
		return err
	}
	extra, err := parseKV(gateExtra)
	if err != nil {
		return err
	}
	gate, err := model.ParseGateType(gateType)
	if err != nil {
		return err
	}
	if gate.IsChangeGate() {
		return fmt.Errorf("gate %s is evaluated by 'change approve' and 'change execute'", gate)
	}

	ctx := context.Background()
	gov, closeGov, err := governance(ctx)
	if err != nil {
		return err
	}
	d, err := gov.EvaluateGate(ctx, actor, server.EvaluateRequest{
		Gate: gate,
		Context: model.ActionContext{
			TenantID:        gateTenant,
			WorkflowID:      gateWorkflow,
			CapabilityID:    gateCapability,
			ConnectorID:     gateConnector,
			Environment:     gateEnv,
			Production:      gateProduction,
			SensitiveData:   gateSensitive,
			ReadOnly:        gateReadOnly,
			AffectedUsers:   gateAffected,
			ChangeRequestID: gateChange,
			Extra:           extra,
		},
	})
	closeGov()
	if err != nil {
		return err
	}

	if outputJSON {
		if err := printJSON(d); err != nil {
			return err
		}
	} else {
		printDecision(d)
	}
	if !d.Allowed {
		os.Exit(1)
	}
	return nil
}

func printDecision(d enforce.Decision) {
	verdict := "ALLOWED"
	if !d.Allowed {
		verdict = "DENIED"
	}
	fmt.Printf("%s  gate=%s  %.2fms\n", verdict, d.Gate, d.DurationMs)
	fmt.Printf("Reason:  %s\n", d.Reason)
	if d.Kind != "" {
		fmt.Printf("Kind:    %s\n", d.Kind)
	}
	fmt.Printf("Checks:  %s\n", strings.Join(d.ChecksEvaluated, " -> "))
	if d.PolicyID != "" {
		fmt.Printf("Policy:  %s\n", d.PolicyID)
	}
	if d.BreakGlass {
		fmt.Printf("Break-glass grant: %s\n", d.GrantID)
	}
	if d.ReviewKey != "" {
		fmt.Printf("Review:  %s (approve with: govgate review approve %s)\n", d.ReviewKey, d.ReviewKey)
	}
	if d.EventID != "" {
		fmt.Printf("Event:   %s\n", d.EventID)
	}
}
