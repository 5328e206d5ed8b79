package enforce

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ppiankov/govgate/internal/breakglass"
	"github.com/ppiankov/govgate/internal/catalog"
	"github.com/ppiankov/govgate/internal/killswitch"
	"github.com/ppiankov/govgate/internal/ledger"
	"github.com/ppiankov/govgate/internal/metrics"
	"github.com/ppiankov/govgate/internal/model"
	"github.com/ppiankov/govgate/internal/policy"
	"github.com/ppiankov/govgate/internal/ratelimit"
	"github.com/ppiankov/govgate/internal/review"
)

// Check names, in evaluation order.
const (
	CheckKillSwitch = "kill_switch"
	CheckBreakGlass = "break_glass"
	CheckPolicy     = "policy"
	CheckApproval   = "approval"
	CheckRateLimit  = "rate_limit"
	CheckCapability = "capability"
)

// Decision is the verdict for one gate evaluation.
type Decision struct {
	Allowed         bool           `json:"allowed"`
	Reason          string         `json:"reason"`
	Kind            model.DenyKind `json:"kind,omitempty"`
	Gate            model.GateType `json:"gate"`
	ChecksEvaluated []string       `json:"checks_evaluated"`
	DurationMs      float64        `json:"duration_ms"`
	BreakGlass      bool           `json:"break_glass,omitempty"`
	GrantID         string         `json:"grant_id,omitempty"`
	PolicyID        string         `json:"policy_id,omitempty"`
	ReviewKey       string         `json:"review_key,omitempty"`
	EventID         string         `json:"event_id,omitempty"`
}

// Err returns a *DenyError for denied decisions and nil otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &DenyError{Decision: d}
}

// DenyError is returned when a gate blocks execution.
type DenyError struct {
	Decision Decision
}

func (e *DenyError) Error() string {
	if e.Decision.ReviewKey != "" {
		return fmt.Sprintf("gate %s denied (%s): %s [review_key=%s]", e.Decision.Gate, e.Decision.Kind, e.Decision.Reason, e.Decision.ReviewKey)
	}
	return fmt.Sprintf("gate %s denied (%s): %s", e.Decision.Gate, e.Decision.Kind, e.Decision.Reason)
}

// ApprovalState is the approval progress of a change request.
type ApprovalState struct {
	Status    string
	Approved  bool
	Collected int
	Required  int
}

// ChangeApprovals reports approval progress for change-tied actions.
type ChangeApprovals interface {
	ApprovalState(ctx context.Context, changeID string) (ApprovalState, error)
}

// Deps are the pipeline collaborators. Ledger, KillSwitches, BreakGlass,
// Policies and Catalog are required.
type Deps struct {
	Ledger       *ledger.Ledger
	KillSwitches *killswitch.Registry
	BreakGlass   *breakglass.Registry
	Policies     *policy.Evaluator
	Reviews      *review.Queue
	Limiter      *ratelimit.Limiter
	Catalog      *catalog.Catalog
	Changes      ChangeApprovals
	Log          zerolog.Logger
}

// Pipeline evaluates gates in a fixed order and records every outcome.
type Pipeline struct {
	ledger   *ledger.Ledger
	kill     *killswitch.Registry
	glass    *breakglass.Registry
	policies *policy.Evaluator
	reviews  *review.Queue
	limiter  *ratelimit.Limiter
	catalog  *catalog.Catalog
	changes  ChangeApprovals
	log      zerolog.Logger
}

// New builds a Pipeline.
func New(d Deps) *Pipeline {
	return &Pipeline{
		ledger:   d.Ledger,
		kill:     d.KillSwitches,
		glass:    d.BreakGlass,
		policies: d.Policies,
		reviews:  d.Reviews,
		limiter:  d.Limiter,
		catalog:  d.Catalog,
		changes:  d.Changes,
		log:      d.Log,
	}
}

// SetChangeApprovals attaches the change service after construction.
func (p *Pipeline) SetChangeApprovals(c ChangeApprovals) { p.changes = c }

// Enforce evaluates the gate and returns a *DenyError when it denies.
func (p *Pipeline) Enforce(ctx context.Context, gate model.GateType, ac model.ActionContext) (Decision, error) {
	d := p.EvaluateGate(ctx, gate, ac)
	return d, d.Err()
}

// evaluation carries per-call state through the checks.
type evaluation struct {
	gate        model.GateType
	ac          model.ActionContext
	checks      []string
	grant       *breakglass.Grant
	policyID    string
	review      bool
	reviewKey   string
	consumeKey  string
	limitDetail *ratelimit.Decision
}

func (e *evaluation) ran(check string) { e.checks = append(e.checks, check) }

// verdict is a terminal outcome before it is recorded.
type verdict struct {
	allowed bool
	kind    model.DenyKind
	reason  string
}

func deny(kind model.DenyKind, format string, args ...any) *verdict {
	return &verdict{kind: kind, reason: fmt.Sprintf(format, args...)}
}

// EvaluateGate runs kill switch, break glass, policy, approval, rate limit
// and capability checks in that order. Every outcome except a validation
// failure is appended to the ledger before returning; an outcome that cannot
// be recorded is denied.
func (p *Pipeline) EvaluateGate(ctx context.Context, gate model.GateType, ac model.ActionContext) (dec Decision) {
	start := time.Now()
	ev := &evaluation{gate: gate, ac: ac}

	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Interface("panic", r).Str("gate", string(gate)).Msg("gate evaluation panicked")
			dec = p.record(ctx, ev, &verdict{kind: model.DenyInternal, reason: fmt.Sprintf("internal error: %v", r)}, start)
		}
	}()

	g, err := model.ParseGateType(string(gate))
	if err == nil {
		err = ac.Validate()
	}
	if err != nil {
		dec = Decision{Gate: gate, Kind: model.DenyValidation, Reason: err.Error(), ChecksEvaluated: []string{}}
		dec.DurationMs = elapsedMs(start)
		metrics.RecordGate(string(gate), false, string(dec.Kind), time.Since(start))
		return dec
	}
	ev.gate = g
	if ev.ac.RiskLevel == "" && p.catalog != nil {
		ev.ac.RiskLevel = p.catalog.WorkflowRisk(ac.WorkflowID)
	}

	v, err := p.run(ctx, ev)
	if err != nil {
		p.log.Error().Err(err).Str("gate", string(g)).Strs("checks", ev.checks).Msg("gate evaluation failed")
		v = deny(model.DenyInternal, "internal error during %s check: %v", ev.checks[len(ev.checks)-1], err)
	}
	return p.record(ctx, ev, v, start)
}

func (p *Pipeline) run(ctx context.Context, ev *evaluation) (*verdict, error) {
	targets := ev.ac.Targets()

	ev.ran(CheckKillSwitch)
	sw, err := p.kill.IsBlocked(ctx, targets, ev.ac.ReadOnly)
	if err != nil {
		return nil, err
	}
	if sw != nil {
		return deny(model.DenyKillSwitch, "blocked by kill switch %s (%s %s, %s): %s",
			sw.ID, sw.Scope, sw.Target, sw.Effect, sw.Reason), nil
	}

	ev.ran(CheckBreakGlass)
	if p.glass != nil {
		grant, err := p.glass.IsActive(ctx, targets, ev.ac.Actor.ID)
		if err != nil {
			return nil, err
		}
		if grant != nil {
			switch err := p.glass.Use(ctx, grant, describe(ev)); {
			case errors.Is(err, breakglass.ErrGrantInactive):
				// Revoked or expired since lookup; fall through to policy.
			case err != nil:
				return nil, err
			default:
				ev.grant = grant
				return &verdict{allowed: true, reason: fmt.Sprintf("break-glass grant %s (%s): %s",
					grant.ID, grant.ReasonCategory, grant.Justification)}, nil
			}
		}
	}

	ev.ran(CheckPolicy)
	res := p.policies.Evaluate(ev.ac, ev.gate)
	if res.Policy != nil {
		ev.policyID = res.Policy.ID
	}
	switch res.Outcome {
	case policy.Deny:
		return deny(model.DenyPolicy, "blocked by policy %s: %s", ev.policyID, res.Reason), nil
	case policy.RequireReview:
		ev.review = true
	}

	ev.ran(CheckApproval)
	if v, err := p.checkApproval(ctx, ev); v != nil || err != nil {
		return v, err
	}

	ev.ran(CheckRateLimit)
	if p.limiter != nil {
		rd, err := p.limiter.Check(ctx, ev.ac)
		if err != nil {
			return nil, err
		}
		ev.limitDetail = &rd
		if !rd.Allowed {
			return deny(model.DenyRateLimited, "%s", rd.Reason), nil
		}
	}

	ev.ran(CheckCapability)
	if v := p.checkCapability(ev); v != nil {
		return v, nil
	}

	if ev.consumeKey != "" {
		if err := p.reviews.Consume(ctx, ev.consumeKey); err != nil {
			ev.reviewKey = ev.consumeKey
			return deny(model.DenyPendingApproval, "review approval %s is no longer available", ev.consumeKey), nil
		}
	}
	return &verdict{allowed: true, reason: allowReason(ev)}, nil
}

func (p *Pipeline) checkApproval(ctx context.Context, ev *evaluation) (*verdict, error) {
	if ev.ac.ChangeRequestID != "" && ev.gate != model.GatePreApproval {
		if p.changes == nil {
			return nil, errors.New("no change service attached")
		}
		st, err := p.changes.ApprovalState(ctx, ev.ac.ChangeRequestID)
		if errors.Is(err, model.ErrNotFound) {
			return deny(model.DenyPendingApproval, "change request %s not found", ev.ac.ChangeRequestID), nil
		}
		if err != nil {
			return nil, err
		}
		if !st.Approved || st.Collected < st.Required {
			return deny(model.DenyPendingApproval, "pending approval: change request %s is %s with %d/%d approvals",
				ev.ac.ChangeRequestID, st.Status, st.Collected, st.Required), nil
		}
		if !ev.review || st.Collected > 0 {
			return nil, nil
		}
		// Auto-approved change held by a review policy falls through to
		// the review queue.
	}
	if !ev.review || ev.gate == model.GatePreApproval {
		return nil, nil
	}
	if p.reviews == nil {
		return deny(model.DenyPendingApproval, "policy %s requires review and no review queue is configured", ev.policyID), nil
	}

	key := review.PolicyKey(ev.policyID, ev.ac.Fingerprint(ev.gate))
	ok, err := p.reviews.Approved(ctx, key)
	if err != nil {
		return nil, err
	}
	if ok {
		ev.consumeKey = key
		return nil, nil
	}
	item, err := p.reviews.Request(ctx, review.Item{
		Key:         key,
		Kind:        review.KindPolicyReview,
		Subject:     describe(ev),
		Reason:      fmt.Sprintf("policy %s requires review", ev.policyID),
		PolicyID:    ev.policyID,
		RequestedBy: ev.ac.Actor.ID,
	})
	if err != nil {
		return nil, err
	}
	ev.reviewKey = key
	if item.Status == review.StatusDenied {
		return deny(model.DenyPendingApproval, "review %s was denied by %s", key, item.ResolvedBy), nil
	}
	return deny(model.DenyPendingApproval, "pending approval: policy %s requires review (%s)", ev.policyID, key), nil
}

func (p *Pipeline) checkCapability(ev *evaluation) *verdict {
	if ev.ac.ConnectorID != "" {
		cn, ok := p.catalog.Connector(ev.ac.ConnectorID)
		if !ok {
			return deny(model.DenyCapability, "connector %s is not registered", ev.ac.ConnectorID)
		}
		if !cn.IsActive() {
			return deny(model.DenyCapability, "connector %s is inactive", ev.ac.ConnectorID)
		}
	}
	if ev.ac.CapabilityID == "" {
		if ev.gate.IsChangeGate() {
			return nil
		}
		return deny(model.DenyCapability, "no capability declared for %s gate", ev.gate)
	}
	if ok, reason := p.catalog.Permit(ev.ac.WorkflowID, ev.ac.CapabilityID); !ok {
		return deny(model.DenyCapability, "%s", reason)
	}
	return nil
}

// record appends the single ledger event for the outcome and builds the
// Decision. A failed append turns the outcome into a ledger_write_failure
// denial, itself recorded best-effort.
func (p *Pipeline) record(ctx context.Context, ev *evaluation, v *verdict, start time.Time) Decision {
	d := Decision{
		Allowed:         v.allowed,
		Reason:          v.reason,
		Kind:            v.kind,
		Gate:            ev.gate,
		ChecksEvaluated: ev.checks,
		PolicyID:        ev.policyID,
		ReviewKey:       ev.reviewKey,
	}
	if d.ChecksEvaluated == nil {
		d.ChecksEvaluated = []string{}
	}
	if ev.grant != nil {
		d.BreakGlass = true
		d.GrantID = ev.grant.ID
	}

	e, err := p.ledger.Append(ctx, p.draft(ev, d))
	if err != nil {
		p.log.Error().Err(err).Str("gate", string(ev.gate)).Bool("allowed", d.Allowed).Msg("ledger append failed, denying")
		d.Allowed = false
		d.Kind = model.DenyLedgerWrite
		d.Reason = fmt.Sprintf("decision could not be recorded: %v", err)
		if e, err = p.ledger.Append(ctx, p.draft(ev, d)); err != nil {
			p.log.Error().Err(err).Str("gate", string(ev.gate)).Msg("ledger append of failure denial failed")
		}
	}
	if e != nil {
		d.EventID = e.ID
	}

	d.DurationMs = elapsedMs(start)
	metrics.RecordGate(string(ev.gate), d.Allowed, string(d.Kind), time.Since(start))
	p.log.Debug().
		Str("gate", string(d.Gate)).
		Str("tenant", ev.ac.TenantID).
		Str("workflow", ev.ac.WorkflowID).
		Str("actor", ev.ac.Actor.ID).
		Bool("allowed", d.Allowed).
		Str("kind", string(d.Kind)).
		Strs("checks", d.ChecksEvaluated).
		Float64("duration_ms", d.DurationMs).
		Msg(d.Reason)
	return d
}

func (p *Pipeline) draft(ev *evaluation, d Decision) ledger.Draft {
	kind := ledger.KindActionDenied
	outcome := ledger.OutcomeDenied
	switch {
	case d.Allowed && d.BreakGlass:
		kind, outcome = ledger.KindBreakGlassUsed, ledger.OutcomeSuccess
	case d.Allowed:
		kind, outcome = ledger.KindActionAllowed, ledger.OutcomeSuccess
	case d.Kind.IsInfrastructure():
		outcome = ledger.OutcomeFailure
	}

	ac := ev.ac
	c := map[string]string{
		"gate":           string(ev.gate),
		"tenant_id":      ac.TenantID,
		"workflow_id":    ac.WorkflowID,
		"checks":         strings.Join(d.ChecksEvaluated, ","),
		"reason":         d.Reason,
		"production":     strconv.FormatBool(ac.Production),
		"sensitive_data": strconv.FormatBool(ac.SensitiveData),
		"affected_users": strconv.Itoa(ac.AffectedUsers),
	}
	optional := map[string]string{
		"capability_id":     ac.CapabilityID,
		"connector_id":      ac.ConnectorID,
		"environment":       ac.Environment,
		"change_request_id": ac.ChangeRequestID,
		"deny_kind":         string(d.Kind),
		"policy_id":         d.PolicyID,
		"grant_id":          d.GrantID,
		"review_key":        d.ReviewKey,
	}
	for k, v := range optional {
		if v != "" {
			c[k] = v
		}
	}
	if ac.ReadOnly {
		c["read_only"] = "true"
	}
	if ev.limitDetail != nil && ev.limitDetail.Limit > 0 {
		c["rate_count"] = strconv.Itoa(ev.limitDetail.Count)
		c["rate_limit"] = strconv.Itoa(ev.limitDetail.Limit)
	}
	for k, v := range ac.Extra {
		c["extra."+k] = v
	}

	resType, resID := "workflow", ac.WorkflowID
	if ac.ChangeRequestID != "" {
		resType, resID = "change_request", ac.ChangeRequestID
	}
	verb := "denied"
	if d.Allowed {
		verb = "allowed"
	}
	return ledger.Draft{
		Kind:         kind,
		Description:  fmt.Sprintf("%s gate %s for %s: %s", ev.gate, verb, describe(ev), d.Reason),
		Actor:        ac.Actor,
		Outcome:      outcome,
		Context:      c,
		ResourceType: resType,
		ResourceID:   resID,
	}
}

func describe(ev *evaluation) string {
	s := ev.ac.TenantID + "/" + ev.ac.WorkflowID
	if ev.ac.CapabilityID != "" {
		s += "/" + ev.ac.CapabilityID
	}
	return s + " by " + ev.ac.Actor.ID
}

func allowReason(ev *evaluation) string {
	switch {
	case ev.consumeKey != "":
		return fmt.Sprintf("allowed after approved review %s", ev.consumeKey)
	case ev.ac.ChangeRequestID != "" && ev.gate == model.GatePreExecution:
		return fmt.Sprintf("change request %s cleared for execution", ev.ac.ChangeRequestID)
	case ev.policyID != "":
		return fmt.Sprintf("allowed by policy %s", ev.policyID)
	}
	return "all checks passed"
}

func elapsedMs(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}
