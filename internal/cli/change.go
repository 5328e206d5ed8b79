package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/govgate/internal/change"
	"github.com/ppiankov/govgate/internal/server"
)

var (
	chgKind       string
	chgTitle      string
	chgDesc       string
	chgRationale  string
	chgTenant     string
	chgWorkflow   string
	chgCapability string
	chgConnector  string
	chgEnv        string
	chgProduction bool
	chgSensitive  bool
	chgAffected   int
	chgPayload    []string
	chgComment    string
	chgReason     string
	chgListStatus string
	chgListTenant string
	chgListLimit  int
)

func init() {
	rootCmd.AddCommand(changeCmd)
	changeCmd.AddCommand(changeCreateCmd, changeApproveCmd, changeRejectCmd, changeResubmitCmd, changeExecuteCmd, changeShowCmd, changeListCmd)

	f := changeCreateCmd.Flags()
	f.StringVar(&chgKind, "kind", "", "Change kind: "+kindNames()+" (required)")
	f.StringVar(&chgTitle, "title", "", "Short title (required)")
	f.StringVar(&chgDesc, "description", "", "Description")
	f.StringVar(&chgRationale, "rationale", "", "Why the change is needed")
	f.StringVar(&chgTenant, "tenant", "", "Tenant id (required)")
	f.StringVar(&chgWorkflow, "workflow", "", "Workflow id (required)")
	f.StringVar(&chgCapability, "capability", "", "Capability id")
	f.StringVar(&chgConnector, "connector", "", "Connector id")
	f.StringVar(&chgEnv, "env", "", "Target environment")
	f.BoolVar(&chgProduction, "production", false, "Change touches production")
	f.BoolVar(&chgSensitive, "sensitive", false, "Change involves sensitive data")
	f.IntVar(&chgAffected, "affected-users", 0, "Estimated affected users")
	f.StringArrayVar(&chgPayload, "payload", nil, "Executor payload as key=value (repeatable)")

	changeApproveCmd.Flags().StringVar(&chgComment, "comment", "", "Approval comment")
	changeRejectCmd.Flags().StringVar(&chgReason, "reason", "", "Mandatory rejection reason (required)")
	changeListCmd.Flags().StringVar(&chgListStatus, "status", "", "Filter by status")
	changeListCmd.Flags().StringVar(&chgListTenant, "tenant", "", "Filter by tenant")
	changeListCmd.Flags().IntVarP(&chgListLimit, "limit", "n", 50, "Maximum changes to show")
}

var changeCmd = &cobra.Command{
	Use:   "change",
	Short: "Manage change requests",
}

var changeCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Submit a change request",
	Long: "Scores the change, assigns its risk level and approval requirements,\n" +
		"and runs the pre-approval gate. LOW-risk changes are auto-approved.",
	RunE: runChangeCreate,
}

var changeApproveCmd = &cobra.Command{
	Use:   "approve <change>",
	Short: "Record an approval",
	Args:  cobra.ExactArgs(1),
	RunE:  runChangeApprove,
}

var changeRejectCmd = &cobra.Command{
	Use:   "reject <change>",
	Short: "Reject a change request",
	Args:  cobra.ExactArgs(1),
	RunE:  runChangeReject,
}

var changeResubmitCmd = &cobra.Command{
	Use:   "resubmit <change>",
	Short: "Rerun the pre-approval gate for a PENDING change",
	Args:  cobra.ExactArgs(1),
	RunE:  runChangeResubmit,
}

var changeExecuteCmd = &cobra.Command{
	Use:   "execute <change>",
	Short: "Execute an approved change",
	Long: "Runs the pre-execution gate and, if allowed, the configured executor.\n" +
		"Exit code 0 if executed, 1 if denied or failed.",
	Args: cobra.ExactArgs(1),
	RunE: runChangeExecute,
}

var changeShowCmd = &cobra.Command{
	Use:   "show <change>",
	Short: "Show a change request",
	Args:  cobra.ExactArgs(1),
	RunE:  runChangeShow,
}

var changeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List change requests",
	RunE:  runChangeList,
}

func kindNames() string {
	names := make([]string, len(change.Kinds))
	for i, k := range change.Kinds {
		names[i] = string(k)
	}
	return strings.Join(names, ", ")
}

func runChangeCreate(cmd *cobra.Command, args []string) error {
	actor, err := currentActor()
	if err != nil {
		return err
	}
	kind, err := change.ParseKind(chgKind)
	if err != nil {
		return err
	}
	payload, err := parseKV(chgPayload)
	if err != nil {
		return err
	}

	ctx := context.Background()
	gov, closeGov, err := governance(ctx)
	if err != nil {
		return err
	}
	defer closeGov()

	r, err := gov.CreateChange(ctx, actor, change.Draft{
		Kind:          kind,
		Title:         chgTitle,
		Description:   chgDesc,
		Rationale:     chgRationale,
		TenantID:      chgTenant,
		WorkflowID:    chgWorkflow,
		CapabilityID:  chgCapability,
		ConnectorID:   chgConnector,
		Environment:   chgEnv,
		Production:    chgProduction,
		SensitiveData: chgSensitive,
		AffectedUsers: chgAffected,
		Payload:       payload,
	})
	if err != nil {
		return err
	}
	return showChange(r)
}

func runChangeApprove(cmd *cobra.Command, args []string) error {
	actor, err := currentActor()
	if err != nil {
		return err
	}
	ctx := context.Background()
	gov, closeGov, err := governance(ctx)
	if err != nil {
		return err
	}
	defer closeGov()

	r, err := gov.ApproveChange(ctx, actor, server.ApproveRequest{Change: args[0], Comment: chgComment})
	if err != nil {
		return err
	}
	return showChange(r)
}

func runChangeReject(cmd *cobra.Command, args []string) error {
	if chgReason == "" {
		return fmt.Errorf("--reason is required")
	}
	actor, err := currentActor()
	if err != nil {
		return err
	}
	ctx := context.Background()
	gov, closeGov, err := governance(ctx)
	if err != nil {
		return err
	}
	defer closeGov()

	r, err := gov.RejectChange(ctx, actor, server.RejectRequest{Change: args[0], Reason: chgReason})
	if err != nil {
		return err
	}
	return showChange(r)
}

func runChangeResubmit(cmd *cobra.Command, args []string) error {
	actor, err := currentActor()
	if err != nil {
		return err
	}
	ctx := context.Background()
	gov, closeGov, err := governance(ctx)
	if err != nil {
		return err
	}
	defer closeGov()

	r, err := gov.ResubmitChange(ctx, actor, server.ChangeRef{Change: args[0]})
	if err != nil {
		return err
	}
	return showChange(r)
}

func runChangeExecute(cmd *cobra.Command, args []string) error {
	actor, err := currentActor()
	if err != nil {
		return err
	}
	ctx := context.Background()
	gov, closeGov, err := governance(ctx)
	if err != nil {
		return err
	}
	res, err := gov.ExecuteChange(ctx, actor, server.ChangeRef{Change: args[0]})
	closeGov()
	if err != nil {
		return err
	}

	if outputJSON {
		if err := printJSON(res); err != nil {
			return err
		}
	} else {
		switch {
		case res.Denied != nil:
			fmt.Println("Execution blocked by the pre-execution gate:")
			printDecision(*res.Denied)
		case res.Error != "":
			fmt.Printf("Execution FAILED: %s\n", res.Error)
		default:
			fmt.Printf("Executed %s\n", res.Change.Key)
		}
	}
	if !res.Executed() {
		os.Exit(1)
	}
	return nil
}

func runChangeShow(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	gov, closeGov, err := governance(ctx)
	if err != nil {
		return err
	}
	defer closeGov()

	actor, _ := currentActor()
	r, err := gov.GetChange(ctx, actor, server.ChangeRef{Change: args[0]})
	if err != nil {
		return err
	}
	return showChange(r)
}

func runChangeList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := localApp(ctx, "change list")
	if err != nil {
		return err
	}
	defer a.Close()

	f := change.Filter{TenantID: chgListTenant, Limit: chgListLimit}
	if chgListStatus != "" {
		f.Status = change.Status(strings.ToUpper(chgListStatus))
	}
	changes, err := a.Changes.List(ctx, f)
	if err != nil {
		return err
	}
	if outputJSON {
		return printJSON(changes)
	}
	if len(changes) == 0 {
		fmt.Println("No change requests.")
		return nil
	}

	fmt.Printf("%-14s %-22s %-17s %-9s %-10s %s\n", "KEY", "STATUS", "KIND", "RISK", "APPROVALS", "TITLE")
	for _, r := range changes {
		fmt.Printf("%-14s %-22s %-17s %-9s %-10s %s\n",
			r.Key, r.Status, r.Kind, r.Risk, fmt.Sprintf("%d/%d", len(r.Approvals), r.RequiredApprovals), r.Title)
	}
	return nil
}

func showChange(r *change.Request) error {
	if outputJSON {
		return printJSON(r)
	}
	fmt.Printf("%s  %s\n", r.Key, r.Title)
	fmt.Printf("ID:        %s\n", r.ID)
	fmt.Printf("Status:    %s\n", r.Status)
	fmt.Printf("Kind:      %s\n", r.Kind)
	fmt.Printf("Risk:      %s (score %d)\n", r.Risk, r.Score)
	fmt.Printf("Requester: %s\n", r.Requester.ID)
	fmt.Printf("Scope:     tenant=%s workflow=%s\n", r.TenantID, r.WorkflowID)
	approvals := fmt.Sprintf("%d/%d", len(r.Approvals), r.RequiredApprovals)
	if r.RequiresCompliance {
		approvals += " + compliance officer"
	}
	fmt.Printf("Approvals: %s\n", approvals)
	for _, ap := range r.Approvals {
		fmt.Printf("  %s  %s  %s\n", ap.At.Format(time.RFC3339), ap.ApproverID, ap.Comment)
	}
	if r.RejectionReason != "" {
		fmt.Printf("Rejected:  %s by %s\n", r.RejectionReason, r.RejectedBy)
	}
	if r.FailureReason != "" {
		fmt.Printf("Failure:   %s\n", r.FailureReason)
	}
	return nil
}
