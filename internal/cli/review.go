package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/govgate/internal/review"
)

var (
	reviewDuration time.Duration
	reviewNotes    string
	reviewStatus   string
)

func init() {
	rootCmd.AddCommand(reviewCmd)
	reviewCmd.AddCommand(reviewListCmd, reviewApproveCmd, reviewDenyCmd)
	reviewListCmd.Flags().StringVar(&reviewStatus, "status", string(review.StatusPending), "Filter by status (empty for all)")
	reviewApproveCmd.Flags().DurationVar(&reviewDuration, "duration", 0, "Approval validity period (default from config)")
	reviewApproveCmd.Flags().StringVar(&reviewNotes, "notes", "", "Reviewer notes")
	reviewDenyCmd.Flags().StringVar(&reviewNotes, "notes", "", "Reviewer notes")
}

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Work the human review queue",
}

var reviewListCmd = &cobra.Command{
	Use:   "list",
	Short: "List review items",
	RunE:  runReviewList,
}

var reviewApproveCmd = &cobra.Command{
	Use:   "approve <key>",
	Short: "Approve a pending review",
	Long: "Approves an action held by a REQUIRE_REVIEW policy. The approval is\n" +
		"consumed by the next matching evaluation.",
	Args: cobra.ExactArgs(1),
	RunE: runReviewApprove,
}

var reviewDenyCmd = &cobra.Command{
	Use:   "deny <key>",
	Short: "Deny a pending review",
	Args:  cobra.ExactArgs(1),
	RunE:  runReviewDeny,
}

func runReviewList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := localApp(ctx, "review list")
	if err != nil {
		return err
	}
	defer a.Close()

	items, err := a.Reviews.List(ctx, review.Status(strings.ToLower(reviewStatus)))
	if err != nil {
		return err
	}
	if outputJSON {
		return printJSON(items)
	}
	if len(items) == 0 {
		fmt.Println("No review items.")
		return nil
	}

	fmt.Printf("%-20s %-14s %-10s %-20s %s\n", "KEY", "KIND", "STATUS", "CREATED", "REASON")
	for _, it := range items {
		reason := it.Reason
		if len(reason) > 48 {
			reason = reason[:48] + ".."
		}
		fmt.Printf("%-20s %-14s %-10s %-20s %s\n",
			it.Key, it.Kind, it.Status, it.CreatedAt.Format(time.RFC3339), reason)
	}
	return nil
}

func runReviewApprove(cmd *cobra.Command, args []string) error {
	actor, err := currentActor()
	if err != nil {
		return err
	}
	ctx := context.Background()
	a, err := localApp(ctx, "review approve")
	if err != nil {
		return err
	}
	defer a.Close()

	ttl := reviewDuration
	if ttl <= 0 {
		ttl = a.Config.Review.ApprovalTTL
	}
	it, err := a.Reviews.Approve(ctx, actor, args[0], reviewNotes, ttl)
	if err != nil {
		return err
	}
	if it.ExpiresAt != nil {
		fmt.Printf("Approved %q until %s\n", it.Key, it.ExpiresAt.Format(time.RFC3339))
	} else {
		fmt.Printf("Approved %q (one-time use)\n", it.Key)
	}
	return nil
}

func runReviewDeny(cmd *cobra.Command, args []string) error {
	actor, err := currentActor()
	if err != nil {
		return err
	}
	ctx := context.Background()
	a, err := localApp(ctx, "review deny")
	if err != nil {
		return err
	}
	defer a.Close()

	it, err := a.Reviews.Deny(ctx, actor, args[0], reviewNotes)
	if err != nil {
		return err
	}
	fmt.Printf("Denied %q\n", it.Key)
	return nil
}
