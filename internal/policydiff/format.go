package policydiff

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FormatText renders the diff result as human-readable text.
func FormatText(r *DiffResult) string {
	if !r.HasChanges {
		return fmt.Sprintf("Policy diff: %s → %s\n\nNo changes detected.\n", r.OldPath, r.NewPath)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Policy diff: %s → %s\n\n", r.OldPath, r.NewPath)

	for _, pc := range r.Policies {
		switch pc.Type {
		case "added":
			fmt.Fprintf(&b, "  + %s (%s)\n", pc.ID, pc.Outcome)
		case "removed":
			fmt.Fprintf(&b, "  - %s (%s)\n", pc.ID, pc.Outcome)
		case "changed":
			fmt.Fprintf(&b, "  ~ %s\n", pc.ID)
			for _, c := range pc.Changes {
				fmt.Fprintf(&b, "      %-12s %s → %s", c.Field+":", c.Old, c.New)
				if c.Comment != "" {
					fmt.Fprintf(&b, "  (%s)", c.Comment)
				}
				b.WriteString("\n")
			}
		}
	}
	return b.String()
}

// FormatJSON renders the diff result as JSON.
func FormatJSON(r *DiffResult) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal diff result: %w", err)
	}
	return string(data), nil
}
