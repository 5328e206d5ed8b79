package policydiff

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/ppiankov/govgate/internal/policy"
)

// Change represents a single field change within one policy.
type Change struct {
	Field   string `json:"field"`
	Old     string `json:"old"`
	New     string `json:"new"`
	Comment string `json:"comment,omitempty"`
}

// PolicyChange is a policy addition, removal, or modification.
type PolicyChange struct {
	Type    string   `json:"type"` // "added", "removed", "changed"
	ID      string   `json:"id"`
	Outcome string   `json:"outcome"`
	Changes []Change `json:"changes,omitempty"`
}

// DiffResult holds the comparison of two policy sets.
type DiffResult struct {
	OldPath    string         `json:"old_path"`
	NewPath    string         `json:"new_path"`
	OldHash    string         `json:"old_hash,omitempty"`
	NewHash    string         `json:"new_hash,omitempty"`
	Policies   []PolicyChange `json:"policies"`
	HasChanges bool           `json:"has_changes"`
}

// DiffFiles loads two policy files and compares them. A missing file is an
// empty policy set.
func DiffFiles(oldPath, newPath string) (*DiffResult, error) {
	oldPolicies, oldHash, err := policy.LoadFile(oldPath)
	if err != nil {
		return nil, fmt.Errorf("old policy: %w", err)
	}
	newPolicies, newHash, err := policy.LoadFile(newPath)
	if err != nil {
		return nil, fmt.Errorf("new policy: %w", err)
	}
	r := Diff(oldPolicies, newPolicies)
	r.OldPath, r.NewPath = oldPath, newPath
	r.OldHash, r.NewHash = oldHash, newHash
	return r, nil
}

// Diff compares two policy sets by id. Output is sorted by id.
func Diff(old, new []policy.Policy) *DiffResult {
	r := &DiffResult{}

	oldMap := make(map[string]policy.Policy, len(old))
	for _, p := range old {
		oldMap[p.ID] = p
	}
	newMap := make(map[string]policy.Policy, len(new))
	for _, p := range new {
		newMap[p.ID] = p
	}

	for _, p := range new {
		prev, exists := oldMap[p.ID]
		if !exists {
			r.Policies = append(r.Policies, PolicyChange{Type: "added", ID: p.ID, Outcome: string(p.Outcome)})
			continue
		}
		if changes := diffPolicy(prev, p); len(changes) > 0 {
			r.Policies = append(r.Policies, PolicyChange{Type: "changed", ID: p.ID, Outcome: string(p.Outcome), Changes: changes})
		}
	}
	for _, p := range old {
		if _, exists := newMap[p.ID]; !exists {
			r.Policies = append(r.Policies, PolicyChange{Type: "removed", ID: p.ID, Outcome: string(p.Outcome)})
		}
	}

	sort.Slice(r.Policies, func(i, j int) bool { return r.Policies[i].ID < r.Policies[j].ID })
	r.HasChanges = len(r.Policies) > 0
	return r
}

func diffPolicy(old, new policy.Policy) []Change {
	var out []Change
	if old.Outcome != new.Outcome {
		out = append(out, Change{
			Field:   "outcome",
			Old:     string(old.Outcome),
			New:     string(new.Outcome),
			Comment: strictness(outcomeRank(old.Outcome), outcomeRank(new.Outcome)),
		})
	}
	if old.Priority != new.Priority {
		c := Change{Field: "priority", Old: strconv.Itoa(old.Priority), New: strconv.Itoa(new.Priority)}
		if new.Priority < old.Priority {
			c.Comment = "evaluated earlier"
		} else {
			c.Comment = "evaluated later"
		}
		out = append(out, c)
	}
	if old.Active != new.Active {
		c := Change{Field: "active", Old: strconv.FormatBool(old.Active), New: strconv.FormatBool(new.Active)}
		if new.Active {
			c.Comment = "enabled"
		} else {
			c.Comment = "disabled"
		}
		out = append(out, c)
	}
	if !reflect.DeepEqual(old.Rule, new.Rule) {
		out = append(out, Change{Field: "rule", Old: RuleString(old.Rule), New: RuleString(new.Rule)})
	}
	if old.Name != new.Name {
		out = append(out, Change{Field: "name", Old: old.Name, New: new.Name})
	}
	if old.Description != new.Description {
		out = append(out, Change{Field: "description", Old: old.Description, New: new.Description})
	}
	return out
}

func outcomeRank(o policy.Outcome) int {
	switch o {
	case policy.Deny:
		return 2
	case policy.RequireReview:
		return 1
	}
	return 0
}

func strictness(old, new int) string {
	if new > old {
		return "stricter"
	}
	return "looser"
}

// RuleString renders a rule in a compact one-line form.
func RuleString(r policy.Rule) string {
	if len(r.All) == 0 && len(r.Any) == 0 {
		return "<always>"
	}
	var parts []string
	for _, c := range r.All {
		parts = append(parts, conditionString(c))
	}
	if len(r.Any) > 0 {
		anyParts := make([]string, len(r.Any))
		for i, c := range r.Any {
			anyParts[i] = conditionString(c)
		}
		parts = append(parts, "("+strings.Join(anyParts, " or ")+")")
	}
	return strings.Join(parts, " and ")
}

func conditionString(c policy.Condition) string {
	switch c.Op {
	case policy.OpExists:
		return c.Field + " exists"
	case policy.OpIn, policy.OpNotIn:
		return fmt.Sprintf("%s %s [%s]", c.Field, c.Op, strings.Join(c.Values, ","))
	case policy.OpRange:
		lo, hi := "-inf", "+inf"
		if c.Min != nil {
			lo = strconv.FormatFloat(*c.Min, 'f', -1, 64)
		}
		if c.Max != nil {
			hi = strconv.FormatFloat(*c.Max, 'f', -1, 64)
		}
		return fmt.Sprintf("%s in %s..%s", c.Field, lo, hi)
	}
	return fmt.Sprintf("%s %s %s", c.Field, c.Op, c.Value)
}
