package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/govgate/internal/model"
	"github.com/ppiankov/govgate/internal/server"
)

var (
	bgRequester string
	bgReason    string
	bgCategory  string
	bgIncident  string
	bgDuration  time.Duration
	bgNotes     string
)

func init() {
	rootCmd.AddCommand(breakGlassCmd)
	breakGlassCmd.AddCommand(breakGlassGrantCmd)
	breakGlassCmd.AddCommand(breakGlassListCmd)
	breakGlassCmd.AddCommand(breakGlassRevokeCmd)
	breakGlassCmd.AddCommand(breakGlassReviewCmd)
	breakGlassGrantCmd.Flags().StringVar(&bgRequester, "for", "", "Identity the grant is issued to (default: the acting identity)")
	breakGlassGrantCmd.Flags().StringVar(&bgReason, "reason", "", "Mandatory justification (required)")
	breakGlassGrantCmd.Flags().StringVar(&bgCategory, "category", "P0_INCIDENT", "Reason category: P0_INCIDENT, DATA_LOSS, SECURITY_RESPONSE, REGULATORY, CUSTOMER_IMPACT, SYSTEM_FAILURE")
	breakGlassGrantCmd.Flags().StringVar(&bgIncident, "incident", "", "Incident id")
	breakGlassGrantCmd.Flags().DurationVar(&bgDuration, "duration", 0, "Grant validity period (default from config, max 1h)")
	breakGlassReviewCmd.Flags().StringVar(&bgNotes, "notes", "", "Post-use review notes (required)")
}

var breakGlassCmd = &cobra.Command{
	Use:     "breakglass",
	Aliases: []string{"break-glass"},
	Short:   "Manage break-glass emergency access",
}

var breakGlassGrantCmd = &cobra.Command{
	Use:   "grant <scope> [target]",
	Short: "Issue a time-limited emergency override",
	Long: "Creates a time-limited grant that lets the requester bypass policy,\n" +
		"approval, rate-limit and capability checks within the scope.\n" +
		"Kill switches still apply. Every use requires a post-incident review.",
	Args: cobra.RangeArgs(1, 2),
	RunE: runBreakGlassGrant,
}

var breakGlassListCmd = &cobra.Command{
	Use:   "list",
	Short: "List break-glass grants",
	RunE:  runBreakGlassList,
}

var breakGlassRevokeCmd = &cobra.Command{
	Use:   "revoke <grant-id>",
	Short: "Revoke a break-glass grant",
	Args:  cobra.ExactArgs(1),
	RunE:  runBreakGlassRevoke,
}

var breakGlassReviewCmd = &cobra.Command{
	Use:   "review <grant-id>",
	Short: "Complete the post-use review of a grant",
	Args:  cobra.ExactArgs(1),
	RunE:  runBreakGlassReview,
}

func runBreakGlassGrant(cmd *cobra.Command, args []string) error {
	if bgReason == "" {
		return fmt.Errorf("--reason is required")
	}
	actor, err := currentActor()
	if err != nil {
		return err
	}
	scope, err := model.ParseScope(args[0])
	if err != nil {
		return err
	}
	var target string
	if len(args) == 2 {
		target = args[1]
	}
	requester := bgRequester
	if requester == "" {
		requester = actor.ID
	}
	var duration string
	if bgDuration > 0 {
		duration = bgDuration.String()
	}

	ctx := context.Background()
	gov, closeGov, err := governance(ctx)
	if err != nil {
		return err
	}
	defer closeGov()

	g, err := gov.GrantBreakGlass(ctx, actor, server.GrantBreakGlassRequest{
		Requester:      requester,
		Scope:          scope,
		Target:         target,
		Justification:  bgReason,
		ReasonCategory: bgCategory,
		IncidentID:     bgIncident,
		Duration:       duration,
	})
	if err != nil {
		return err
	}
	if outputJSON {
		return printJSON(g)
	}

	fmt.Printf("Break-glass grant issued: %s\n", g.ID)
	fmt.Printf("For:     %s\n", g.Requester)
	fmt.Printf("Scope:   %s %s\n", g.Scope, g.Target)
	fmt.Printf("Reason:  [%s] %s\n", g.ReasonCategory, g.Justification)
	fmt.Printf("Expires: %s\n", g.ExpiresAt.Format(time.RFC3339))
	fmt.Println()
	fmt.Println("Kill switches still apply. Every use opens a mandatory review.")
	return nil
}

func runBreakGlassList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := localApp(ctx, "breakglass list")
	if err != nil {
		return err
	}
	defer a.Close()

	grants, err := a.BreakGlass.List(ctx)
	if err != nil {
		return err
	}
	if outputJSON {
		return printJSON(grants)
	}
	if len(grants) == 0 {
		fmt.Println("No break-glass grants.")
		return nil
	}

	now := time.Now()
	fmt.Printf("%-40s %-10s %-14s %-24s %-5s %-9s %-25s\n", "ID", "STATUS", "FOR", "SCOPE", "USES", "REVIEW", "EXPIRES")
	for _, g := range grants {
		status := "active"
		if g.RevokedAt != nil {
			status = "revoked"
		} else if !g.ActiveAt(now) {
			status = "expired"
		}
		review := "-"
		switch {
		case g.ReviewPending:
			review = "pending"
		case g.ReviewCompleted:
			review = "done"
		}
		fmt.Printf("%-40s %-10s %-14s %-24s %-5d %-9s %-25s\n",
			g.ID, status, g.Requester, fmt.Sprintf("%s:%s", g.Scope, g.Target), g.UseCount, review, g.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

func runBreakGlassRevoke(cmd *cobra.Command, args []string) error {
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

	g, err := gov.RevokeBreakGlass(ctx, actor, server.RevokeBreakGlassRequest{ID: args[0]})
	if err != nil {
		return err
	}
	fmt.Printf("Revoked grant %s\n", g.ID)
	return nil
}

func runBreakGlassReview(cmd *cobra.Command, args []string) error {
	if bgNotes == "" {
		return fmt.Errorf("--notes is required")
	}
	actor, err := currentActor()
	if err != nil {
		return err
	}
	ctx := context.Background()
	a, err := localApp(ctx, "breakglass review")
	if err != nil {
		return err
	}
	defer a.Close()

	g, err := a.BreakGlass.CompleteReview(ctx, actor, args[0], bgNotes)
	if err != nil {
		return err
	}
	fmt.Printf("Review completed for grant %s (%d uses)\n", g.ID, g.UseCount)
	return nil
}
