package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/govgate/internal/ledger"
	"github.com/ppiankov/govgate/internal/server"
)

var (
	ledgerFrom  string
	ledgerTo    string
	ledgerFile  string
	ledgerAfter int64
	ledgerLimit int
)

func init() {
	rootCmd.AddCommand(ledgerCmd)
	ledgerCmd.AddCommand(ledgerVerifyCmd)
	ledgerCmd.AddCommand(ledgerTailCmd)
	ledgerVerifyCmd.Flags().StringVar(&ledgerFrom, "from", "", "First event id (default: chain start)")
	ledgerVerifyCmd.Flags().StringVar(&ledgerTo, "to", "", "Last event id (default: chain end)")
	ledgerVerifyCmd.Flags().StringVar(&ledgerFile, "file", "", "Verify a JSONL ledger file offline instead of the configured store")
	ledgerTailCmd.Flags().Int64Var(&ledgerAfter, "after", 0, "Show events after this sequence number")
	ledgerTailCmd.Flags().IntVarP(&ledgerLimit, "limit", "n", 20, "Maximum events to show")
}

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect the governance ledger",
}

var ledgerVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the ledger hash chain",
	Long: "Recomputes every content hash and checks the prev_hash links.\n" +
		"Exit code 0 if the chain is intact, 1 if tampering is detected.",
	RunE: runLedgerVerify,
}

var ledgerTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show recent ledger events",
	RunE:  runLedgerTail,
}

func runLedgerVerify(cmd *cobra.Command, args []string) error {
	var res ledger.VerifyResult
	if ledgerFile != "" {
		res = ledger.VerifyFile(ledgerFile)
	} else {
		ctx := context.Background()
		gov, closeGov, err := governance(ctx)
		if err != nil {
			return err
		}
		actor, _ := currentActor()
		res, err = gov.VerifyLedger(ctx, actor, server.VerifyLedgerRequest{From: ledgerFrom, To: ledgerTo})
		closeGov()
		if err != nil {
			return err
		}
	}

	if outputJSON {
		if err := printJSON(res); err != nil {
			return err
		}
	} else if res.Valid {
		fmt.Printf("Ledger intact: %d events verified\n", res.Checked)
	} else {
		fmt.Printf("Ledger BROKEN after %d events\n", res.Checked)
		if res.BrokenAt != "" {
			fmt.Printf("  at event %s (seq %d)\n", res.BrokenAt, res.BrokenSeq)
		}
		fmt.Printf("  %s\n", res.Error)
	}
	if !res.Valid {
		os.Exit(1)
	}
	return nil
}

func runLedgerTail(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := localApp(ctx, "ledger tail")
	if err != nil {
		return err
	}
	defer a.Close()

	after := ledgerAfter
	if after == 0 && ledgerLimit > 0 {
		tail, err := a.Ledger.Tail(ctx)
		if err != nil {
			return err
		}
		if tail != nil && tail.Seq > int64(ledgerLimit) {
			after = tail.Seq - int64(ledgerLimit)
		}
	}
	events, err := a.Ledger.List(ctx, after, ledgerLimit)
	if err != nil {
		return err
	}
	if outputJSON {
		return printJSON(events)
	}
	if len(events) == 0 {
		fmt.Println("No ledger events.")
		return nil
	}
	for _, e := range events {
		fmt.Printf("%6d  %s  %-24s %-8s %-14s %s\n",
			e.Seq, e.CreatedAt.Format(time.RFC3339), e.Kind, e.Outcome, e.ActorID, e.Description)
	}
	return nil
}
