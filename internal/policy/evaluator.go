package policy

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/ppiankov/govgate/internal/model"
)

// Result is the outcome of evaluating the active policy set.
type Result struct {
	Outcome Outcome
	Policy  *Policy // nil when no policy matched
	Reason  string
}

// Evaluator matches actions against an immutable snapshot of active
// policies. Loading a new set swaps the snapshot atomically, so concurrent
// evaluations always see one complete version.
type Evaluator struct {
	snap atomic.Pointer[[]Policy]
}

// NewEvaluator returns an Evaluator with no policies (default ALLOW).
func NewEvaluator() *Evaluator {
	e := &Evaluator{}
	empty := []Policy{}
	e.snap.Store(&empty)
	return e
}

// Load replaces the snapshot with the active members of policies ordered by
// (priority, id).
func (e *Evaluator) Load(policies []Policy) {
	active := make([]Policy, 0, len(policies))
	for _, p := range policies {
		if p.Active {
			active = append(active, p)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		if active[i].Priority != active[j].Priority {
			return active[i].Priority < active[j].Priority
		}
		return active[i].ID < active[j].ID
	})
	e.snap.Store(&active)
}

// Snapshot returns the active policies in evaluation order.
func (e *Evaluator) Snapshot() []Policy {
	return *e.snap.Load()
}

// Evaluate scans active policies in order. The first ALLOW or DENY match is
// terminal. A REQUIRE_REVIEW match does not stop the scan: a later DENY still
// wins, while a later ALLOW (or no terminal match) yields REQUIRE_REVIEW with
// the first review policy as Policy. With no match at all the outcome is
// ALLOW. It has no side effects.
func (e *Evaluator) Evaluate(ac model.ActionContext, gate model.GateType) Result {
	policies := *e.snap.Load()
	var review *Policy
	for i := range policies {
		p := &policies[i]
		if !p.Rule.Matches(ac, gate) {
			continue
		}
		switch {
		case p.Outcome == RequireReview:
			if review == nil {
				review = p
			}
		case p.Outcome == Deny || review == nil:
			return Result{Outcome: p.Outcome, Policy: p, Reason: reasonFor(p)}
		default:
			return Result{Outcome: RequireReview, Policy: review, Reason: reasonFor(review)}
		}
	}
	if review != nil {
		return Result{Outcome: RequireReview, Policy: review, Reason: reasonFor(review)}
	}
	return Result{Outcome: Allow, Reason: "no matching policy"}
}

func reasonFor(p *Policy) string {
	if p.Description != "" {
		return p.Description
	}
	return fmt.Sprintf("matched policy %s", p.ID)
}
