package sim

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ppiankov/govgate/internal/policy"
)

// DiffEntry represents one recorded action whose policy outcome changed.
type DiffEntry struct {
	Timestamp  string `json:"ts"`
	EventID    string `json:"event_id"`
	Seq        int64  `json:"seq"`
	Gate       string `json:"gate"`
	TenantID   string `json:"tenant_id"`
	WorkflowID string `json:"workflow_id"`
	ActorID    string `json:"actor_id"`
	Recorded   string `json:"recorded"`
	OldOutcome string `json:"old_outcome"`
	NewOutcome string `json:"new_outcome"`
	OldPolicy  string `json:"old_policy,omitempty"`
	NewPolicy  string `json:"new_policy,omitempty"`
	NewReason  string `json:"new_reason"`
}

// SimResult holds the complete simulation output.
type SimResult struct {
	PolicyPath     string      `json:"policy_path"`
	TotalActions   int         `json:"total_actions"`
	ChangedActions int         `json:"changed_actions"`
	NewlyBlocked   int         `json:"newly_blocked"`
	NewlyAllowed   int         `json:"newly_allowed"`
	Skipped        int         `json:"skipped,omitempty"`
	Changes        []DiffEntry `json:"changes"`
}

func isPermissive(o policy.Outcome) bool {
	return o == policy.Allow
}

func isRestrictive(o policy.Outcome) bool {
	return o == policy.Deny || o == policy.RequireReview
}

// FormatText renders the simulation result as human-readable text.
func FormatText(r *SimResult) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Simulating %s against %d recorded actions...\n", r.PolicyPath, r.TotalActions)

	if len(r.Changes) == 0 {
		b.WriteString("\nNo changes detected.\n")
		return b.String()
	}

	b.WriteString("\n")
	for _, d := range r.Changes {
		target := d.TenantID + "/" + d.WorkflowID
		if len(target) > 40 {
			target = target[:37] + "..."
		}
		fmt.Fprintf(&b, "  CHANGED  #%-6d %-18s %-40s %s → %s",
			d.Seq, d.Gate, target, withPolicy(d.OldOutcome, d.OldPolicy), withPolicy(d.NewOutcome, d.NewPolicy))
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "\n%d of %d actions changed.", r.ChangedActions, r.TotalActions)
	if r.NewlyBlocked > 0 || r.NewlyAllowed > 0 {
		fmt.Fprintf(&b, " %d newly blocked, %d newly allowed.", r.NewlyBlocked, r.NewlyAllowed)
	}
	if r.Skipped > 0 {
		fmt.Fprintf(&b, " %d unreadable events skipped.", r.Skipped)
	}
	b.WriteString("\n")

	return b.String()
}

func withPolicy(outcome, id string) string {
	if id == "" {
		return outcome
	}
	return outcome + " (" + id + ")"
}

// FormatJSON renders the simulation result as JSON.
func FormatJSON(r *SimResult) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal sim result: %w", err)
	}
	return string(data), nil
}
