package sim

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/ppiankov/govgate/internal/ledger"
	"github.com/ppiankov/govgate/internal/model"
	"github.com/ppiankov/govgate/internal/policy"
)

const pageSize = 500

// EventSource pages through recorded ledger events in sequence order.
type EventSource interface {
	List(ctx context.Context, afterSeq int64, limit int) ([]ledger.Event, error)
}

// Options narrows the replay.
type Options struct {
	TenantID   string
	WorkflowID string
	AfterSeq   int64
	Limit      int // maximum gate decisions replayed; 0 means all
}

// Simulate replays recorded gate decisions against the current and the
// candidate policy sets and returns the actions whose policy outcome differs.
// Only the policy check is replayed; kill switches, approvals and limits are
// not consulted.
func Simulate(ctx context.Context, src EventSource, current, candidate *policy.Evaluator, opts Options) (*SimResult, error) {
	result := &SimResult{}
	after := opts.AfterSeq

	for {
		events, err := src.List(ctx, after, pageSize)
		if err != nil {
			return nil, fmt.Errorf("sim: read ledger: %w", err)
		}
		for _, e := range events {
			after = e.Seq
			if !isGateEvent(e.Kind) {
				continue
			}
			gate, ac, err := Replay(e)
			if err != nil {
				result.Skipped++
				continue
			}
			if opts.TenantID != "" && ac.TenantID != opts.TenantID {
				continue
			}
			if opts.WorkflowID != "" && ac.WorkflowID != opts.WorkflowID {
				continue
			}
			if opts.Limit > 0 && result.TotalActions >= opts.Limit {
				return result, nil
			}
			result.TotalActions++

			oldRes := current.Evaluate(ac, gate)
			newRes := candidate.Evaluate(ac, gate)
			if oldRes.Outcome == newRes.Outcome && policyID(oldRes) == policyID(newRes) {
				continue
			}

			result.Changes = append(result.Changes, DiffEntry{
				Timestamp:  e.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
				EventID:    e.ID,
				Seq:        e.Seq,
				Gate:       string(gate),
				TenantID:   ac.TenantID,
				WorkflowID: ac.WorkflowID,
				ActorID:    ac.Actor.ID,
				Recorded:   recorded(e.Kind),
				OldOutcome: string(oldRes.Outcome),
				NewOutcome: string(newRes.Outcome),
				OldPolicy:  policyID(oldRes),
				NewPolicy:  policyID(newRes),
				NewReason:  newRes.Reason,
			})
			result.ChangedActions++
			if oldRes.Outcome == newRes.Outcome {
				continue
			}
			if isPermissive(oldRes.Outcome) && isRestrictive(newRes.Outcome) {
				result.NewlyBlocked++
			}
			if isRestrictive(oldRes.Outcome) && isPermissive(newRes.Outcome) {
				result.NewlyAllowed++
			}
		}
		if len(events) < pageSize {
			return result, nil
		}
	}
}

// Replay reconstructs the gate and action context recorded by a gate
// decision event.
func Replay(e ledger.Event) (model.GateType, model.ActionContext, error) {
	c := e.Context
	gate, err := model.ParseGateType(c["gate"])
	if err != nil {
		return "", model.ActionContext{}, err
	}
	ac := model.ActionContext{
		TenantID:        c["tenant_id"],
		WorkflowID:      c["workflow_id"],
		CapabilityID:    c["capability_id"],
		ConnectorID:     c["connector_id"],
		Actor:           model.Actor{ID: e.ActorID, Kind: e.ActorKind},
		Environment:     c["environment"],
		Production:      c["production"] == "true",
		SensitiveData:   c["sensitive_data"] == "true",
		ReadOnly:        c["read_only"] == "true",
		ChangeRequestID: c["change_request_id"],
	}
	if v := c["affected_users"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return "", model.ActionContext{}, &model.ValidationError{Field: "affected_users", Msg: err.Error()}
		}
		ac.AffectedUsers = n
	}
	for k, v := range c {
		if key, ok := strings.CutPrefix(k, "extra."); ok {
			if ac.Extra == nil {
				ac.Extra = make(map[string]string)
			}
			ac.Extra[key] = v
		}
	}
	return gate, ac, nil
}

func isGateEvent(k ledger.Kind) bool {
	switch k {
	case ledger.KindActionAllowed, ledger.KindActionDenied, ledger.KindBreakGlassUsed:
		return true
	}
	return false
}

func recorded(k ledger.Kind) string {
	if k == ledger.KindActionDenied {
		return "denied"
	}
	return "allowed"
}

func policyID(r policy.Result) string {
	if r.Policy == nil {
		return ""
	}
	return r.Policy.ID
}
