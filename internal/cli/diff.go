package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/govgate/internal/policydiff"
)

var diffFormat string

func init() {
	policyCmd.AddCommand(diffCmd)
	diffCmd.Flags().StringVarP(&diffFormat, "format", "f", "text", "Output format (text|json)")
}

var diffCmd = &cobra.Command{
	Use:   "diff <old> [new]",
	Short: "Compare two policy files",
	Long: "Shows policies added, removed, or changed between two policy files.\n" +
		"With one argument, compares it against the policy path from the config.\n" +
		"Outcome changes are marked stricter or looser.",
	Args: cobra.RangeArgs(1, 2),
	RunE: runDiff,
}

func runDiff(cmd *cobra.Command, args []string) error {
	oldPath := args[0]
	var newPath string
	if len(args) == 2 {
		newPath = args[1]
	} else {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		newPath = cfg.PolicyPath
	}

	result, err := policydiff.DiffFiles(oldPath, newPath)
	if err != nil {
		return err
	}

	if diffFormat == "json" || outputJSON {
		out, err := policydiff.FormatJSON(result)
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	}
	fmt.Print(policydiff.FormatText(result))
	return nil
}
