package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/govgate/internal/catalog"
	"github.com/ppiankov/govgate/internal/config"
	"github.com/ppiankov/govgate/internal/policy"
)

func init() {
	rootCmd.AddCommand(doctorCmd)
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check local governance state and diagnose configuration issues",
	RunE:  runDoctor,
}

type checkResult struct {
	label  string
	ok     bool
	detail string
	fix    string
}

func runDoctor(cmd *cobra.Command, args []string) error {
	checks := collectChecks(context.Background())

	hasFailures := false
	for _, c := range checks {
		mark := "✓"
		if !c.ok {
			mark = "✗"
			hasFailures = true
		}
		line := fmt.Sprintf("%s %-16s %s", mark, c.label+":", c.detail)
		if !c.ok && c.fix != "" {
			line += fmt.Sprintf("  ->  %s", c.fix)
		}
		fmt.Println(line)
	}

	if hasFailures {
		fmt.Println()
		fmt.Println("Some checks failed. Run the suggested commands to fix.")
		return fmt.Errorf("doctor found issues")
	}

	fmt.Println()
	fmt.Println("All checks passed.")
	return nil
}

// collectChecks stops early when a failure makes later checks meaningless.
func collectChecks(ctx context.Context) []checkResult {
	var checks []checkResult

	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := loadConfig()
	if err != nil {
		return append(checks, checkResult{label: "config", ok: false, detail: err.Error(), fix: "govgate init --force"})
	}
	if _, err := os.Stat(path); err != nil {
		checks = append(checks, checkResult{label: "config", ok: true, detail: path + " (absent, using defaults)"})
	} else {
		checks = append(checks, checkResult{label: "config", ok: true, detail: path})
	}

	if policies, hash, err := policy.LoadFile(cfg.PolicyPath); err != nil {
		checks = append(checks, checkResult{label: "policies", ok: false, detail: err.Error(), fix: "govgate policy validate " + cfg.PolicyPath})
	} else {
		checks = append(checks, checkResult{label: "policies", ok: true, detail: fmt.Sprintf("%d in %s (%.19s)", len(policies), cfg.PolicyPath, hash)})
	}

	if data, _, err := catalog.LoadFile(cfg.CatalogPath); err != nil {
		checks = append(checks, checkResult{label: "catalog", ok: false, detail: err.Error()})
	} else if _, err := catalog.New(data); err != nil {
		checks = append(checks, checkResult{label: "catalog", ok: false, detail: err.Error()})
	} else {
		checks = append(checks, checkResult{label: "catalog", ok: true, detail: fmt.Sprintf("%d workflows, %d capabilities", len(data.Workflows), len(data.Capabilities))})
	}

	log, err := cliLogger(cfg)
	if err != nil {
		return append(checks, checkResult{label: "logging", ok: false, detail: err.Error()})
	}
	a, err := appFromConfig(ctx, cfg, log)
	if err != nil {
		return append(checks, checkResult{label: "storage", ok: false, detail: err.Error()})
	}
	defer a.Close()
	detail := cfg.Storage.Driver
	if cfg.Storage.Driver == config.DriverSQLite {
		detail += " " + cfg.Storage.SQLitePath
	}
	checks = append(checks, checkResult{label: "storage", ok: true, detail: detail})

	res, err := a.Ledger.Verify(ctx, "", "")
	switch {
	case err != nil:
		checks = append(checks, checkResult{label: "ledger", ok: false, detail: err.Error()})
	case !res.Valid:
		checks = append(checks, checkResult{label: "ledger", ok: false,
			detail: fmt.Sprintf("chain broken at seq %d: %s", res.BrokenSeq, res.Error), fix: "investigate tampering; do not repair in place"})
	default:
		checks = append(checks, checkResult{label: "ledger", ok: true, detail: fmt.Sprintf("%d events, chain intact", res.Checked)})
	}

	active, err := a.KillSwitches.List(ctx, true)
	if err == nil && len(active) > 0 {
		checks = append(checks, checkResult{label: "kill switches", ok: true, detail: fmt.Sprintf("%d ACTIVE", len(active))})
	}
	return checks
}
