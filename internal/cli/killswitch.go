package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/govgate/internal/killswitch"
	"github.com/ppiankov/govgate/internal/model"
	"github.com/ppiankov/govgate/internal/server"
)

var (
	ksEffect   string
	ksReason   string
	ksIncident string
	ksNotes    string
	ksAll      bool
)

func init() {
	rootCmd.AddCommand(killSwitchCmd)
	killSwitchCmd.AddCommand(killSwitchActivateCmd)
	killSwitchCmd.AddCommand(killSwitchDeactivateCmd)
	killSwitchCmd.AddCommand(killSwitchListCmd)
	killSwitchActivateCmd.Flags().StringVar(&ksEffect, "effect", string(killswitch.HardStop), "HARD_STOP blocks everything; DEGRADE lets read-only actions through")
	killSwitchActivateCmd.Flags().StringVar(&ksReason, "reason", "", "Mandatory reason (required)")
	killSwitchActivateCmd.Flags().StringVar(&ksIncident, "incident", "", "Incident id")
	killSwitchDeactivateCmd.Flags().StringVar(&ksNotes, "notes", "", "Deactivation notes")
	killSwitchListCmd.Flags().BoolVar(&ksAll, "all", false, "Include deactivated switches")
}

var killSwitchCmd = &cobra.Command{
	Use:     "killswitch",
	Aliases: []string{"kill-switch"},
	Short:   "Manage emergency kill switches",
}

var killSwitchActivateCmd = &cobra.Command{
	Use:   "activate <scope> [target]",
	Short: "Halt all matching actions",
	Long: "Activates a kill switch for GLOBAL, TENANT, WORKFLOW, CAPABILITY or\n" +
		"CONNECTOR scope. GLOBAL takes no target. Requires governance_admin or\n" +
		"incident_commander.",
	Args: cobra.RangeArgs(1, 2),
	RunE: runKillSwitchActivate,
}

var killSwitchDeactivateCmd = &cobra.Command{
	Use:   "deactivate <switch-id>",
	Short: "Lift a kill switch",
	Args:  cobra.ExactArgs(1),
	RunE:  runKillSwitchDeactivate,
}

var killSwitchListCmd = &cobra.Command{
	Use:   "list",
	Short: "List kill switches",
	RunE:  runKillSwitchList,
}

func runKillSwitchActivate(cmd *cobra.Command, args []string) error {
	if ksReason == "" {
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
	effect, err := killswitch.ParseEffect(ksEffect)
	if err != nil {
		return err
	}
	var target string
	if len(args) == 2 {
		target = args[1]
	}

	ctx := context.Background()
	gov, closeGov, err := governance(ctx)
	if err != nil {
		return err
	}
	defer closeGov()

	sw, err := gov.ActivateKillSwitch(ctx, actor, server.ActivateKillSwitchRequest{
		Scope:      scope,
		Target:     target,
		Effect:     effect,
		Reason:     ksReason,
		IncidentID: ksIncident,
	})
	if err != nil {
		return err
	}
	if outputJSON {
		return printJSON(sw)
	}
	fmt.Printf("Kill switch active: %s\n", sw.ID)
	fmt.Printf("Scope:  %s %s (%s)\n", sw.Scope, sw.Target, sw.Effect)
	fmt.Printf("Reason: %s\n", sw.Reason)
	return nil
}

func runKillSwitchDeactivate(cmd *cobra.Command, args []string) error {
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

	sw, err := gov.DeactivateKillSwitch(ctx, actor, server.DeactivateKillSwitchRequest{ID: args[0], Notes: ksNotes})
	if err != nil {
		return err
	}
	if outputJSON {
		return printJSON(sw)
	}
	fmt.Printf("Kill switch %s deactivated (%s %s)\n", sw.ID, sw.Scope, sw.Target)
	return nil
}

func runKillSwitchList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := localApp(ctx, "killswitch list")
	if err != nil {
		return err
	}
	defer a.Close()

	switches, err := a.KillSwitches.List(ctx, !ksAll)
	if err != nil {
		return err
	}
	if outputJSON {
		return printJSON(switches)
	}
	if len(switches) == 0 {
		fmt.Println("No kill switches.")
		return nil
	}

	fmt.Printf("%-40s %-10s %-20s %-9s %-8s %s\n", "ID", "SCOPE", "TARGET", "EFFECT", "STATE", "ACTIVATED")
	for _, sw := range switches {
		state := "active"
		if !sw.Active {
			state = "lifted"
		}
		fmt.Printf("%-40s %-10s %-20s %-9s %-8s %s by %s\n",
			sw.ID, sw.Scope, sw.Target, sw.Effect, state, sw.ActivatedAt.Format(time.RFC3339), sw.ActivatedBy)
	}
	return nil
}
