package scenario

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
)

// Summary totals a set of run results.
type Summary struct {
	Files       int          `json:"files"`
	FailedFiles int          `json:"failed_files"`
	Cases       int          `json:"cases"`
	Passed      int          `json:"passed"`
	Results     []*RunResult `json:"results"`
}

// Summarize totals results.
func Summarize(results []*RunResult) Summary {
	s := Summary{Files: len(results), Results: results}
	for _, r := range results {
		s.Cases += r.Total
		s.Passed += r.Passed
		if r.Failed > 0 {
			s.FailedFiles++
		}
	}
	return s
}

// FormatText renders one line per scenario and, under each failing one, a
// table of the failing cases with the gate and the policy that decided them.
func FormatText(results []*RunResult) string {
	sum := Summarize(results)
	var b strings.Builder

	for _, r := range results {
		verdict := "ok"
		if r.Failed > 0 {
			verdict = "FAILED"
		}
		fmt.Fprintf(&b, "%-6s %s [%d/%d]", verdict, r.Name, r.Passed, r.Total)
		if r.File != "" {
			fmt.Fprintf(&b, "  %s", r.File)
		}
		b.WriteString("\n")
		if r.Failed == 0 {
			continue
		}

		tw := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "  #\tGATE\tWORKFLOW\tWANT\tGOT\tDECIDED BY")
		for _, c := range r.Cases {
			if c.Passed {
				continue
			}
			decided := c.PolicyID
			if decided == "" {
				decided = "(default)"
			}
			fmt.Fprintf(tw, "  %d\t%s\t%s\t%s\t%s\t%s\n", c.Index, c.Gate, c.Workflow, c.Expected, c.Actual, decided)
		}
		tw.Flush()
	}

	fmt.Fprintf(&b, "\n%d/%d cases passed", sum.Passed, sum.Cases)
	if sum.FailedFiles > 0 {
		fmt.Fprintf(&b, ", %d/%d scenarios failing", sum.FailedFiles, sum.Files)
	}
	b.WriteString("\n")
	return b.String()
}

// FormatJSON renders the summary and per-scenario results as JSON.
func FormatJSON(results []*RunResult) (string, error) {
	data, err := json.MarshalIndent(Summarize(results), "", "  ")
	if err != nil {
		return "", fmt.Errorf("scenario: encode results: %w", err)
	}
	return string(data), nil
}
