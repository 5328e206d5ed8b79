package enforce

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ppiankov/govgate/internal/authz"
	"github.com/ppiankov/govgate/internal/breakglass"
	"github.com/ppiankov/govgate/internal/catalog"
	"github.com/ppiankov/govgate/internal/killswitch"
	"github.com/ppiankov/govgate/internal/ledger"
	"github.com/ppiankov/govgate/internal/model"
	"github.com/ppiankov/govgate/internal/policy"
	"github.com/ppiankov/govgate/internal/ratelimit"
	"github.com/ppiankov/govgate/internal/review"
)

var (
	admin     = model.Actor{ID: "ops-admin", Kind: model.ActorUser, Roles: []model.Role{model.RoleGovernanceAdmin}}
	commander = model.Actor{ID: "ic-1", Kind: model.ActorUser, Roles: []model.Role{model.RoleIncidentCommander}}
	reviewer  = model.Actor{ID: "rita", Kind: model.ActorUser, Roles: []model.Role{model.RoleReviewer}}
	bot       = model.Actor{ID: "bot-7", Kind: model.ActorAgent}
)

type fakeChanges struct {
	state ApprovalState
	err   error
	panic bool
}

func (f *fakeChanges) ApprovalState(_ context.Context, id string) (ApprovalState, error) {
	if f.panic {
		panic("store exploded")
	}
	return f.state, f.err
}

type fixture struct {
	p        *Pipeline
	l        *ledger.Ledger
	ls       *ledger.MemoryStore
	kill     *killswitch.Registry
	glass    *breakglass.Registry
	policies *policy.Evaluator
	queue    *review.Queue
	limiter  *ratelimit.Limiter
	changes  *fakeChanges
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ls := ledger.NewMemoryStore()
	l := ledger.New(ls)
	az := authz.New(nil, nil)
	q := review.NewQueue(review.NewMemoryStore(), l, az)
	cat, err := catalog.New(&catalog.Data{
		Capabilities: []catalog.Capability{{ID: "cap-refund"}, {ID: "cap-export"}},
		Connectors:   []catalog.Connector{{ID: "conn-stripe"}},
		Workflows: []catalog.Workflow{
			{ID: "wf-refunds", RiskLevel: model.RiskHigh, Capabilities: []string{"cap-refund"}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		l:        l,
		ls:       ls,
		kill:     killswitch.NewRegistry(killswitch.NewMemoryStore(), l, az, zerolog.Nop()),
		glass:    breakglass.NewRegistry(breakglass.NewMemoryStore(), l, az, q, breakglass.Limits{}, zerolog.Nop()),
		policies: policy.NewEvaluator(),
		queue:    q,
		limiter:  ratelimit.NewLimiter(nil, nil),
		changes:  &fakeChanges{},
	}
	f.p = New(Deps{
		Ledger:       l,
		KillSwitches: f.kill,
		BreakGlass:   f.glass,
		Policies:     f.policies,
		Reviews:      q,
		Limiter:      f.limiter,
		Catalog:      cat,
		Changes:      f.changes,
		Log:          zerolog.Nop(),
	})
	return f
}

func (f *fixture) events(t *testing.T) []ledger.Event {
	t.Helper()
	evs, err := f.l.List(context.Background(), 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	return evs
}

func refund() model.ActionContext {
	return model.ActionContext{
		TenantID:     "acme",
		WorkflowID:   "wf-refunds",
		CapabilityID: "cap-refund",
		Actor:        bot,
		Production:   true,
	}
}

func denyWorkflow(id string) policy.Policy {
	return policy.Policy{
		ID:      id,
		Name:    "freeze refunds",
		Rule:    policy.Rule{All: []policy.Condition{{Field: "workflow_id", Op: policy.OpEq, Value: "wf-refunds"}}},
		Outcome: policy.Deny,
		Active:  true,
	}
}

func TestAllowRunsEveryCheckAndRecordsOneEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d := f.p.EvaluateGate(ctx, model.GateAction, refund())
	if !d.Allowed {
		t.Fatalf("expected allow, got %+v", d)
	}
	want := []string{CheckKillSwitch, CheckBreakGlass, CheckPolicy, CheckApproval, CheckRateLimit, CheckCapability}
	if !reflect.DeepEqual(d.ChecksEvaluated, want) {
		t.Errorf("checks = %v, want %v", d.ChecksEvaluated, want)
	}

	evs := f.events(t)
	if len(evs) != 1 {
		t.Fatalf("expected exactly 1 event, got %d", len(evs))
	}
	if evs[0].Kind != ledger.KindActionAllowed || evs[0].ID != d.EventID {
		t.Errorf("unexpected event %+v", evs[0])
	}
	if evs[0].Context["gate"] != "ACTION" || evs[0].ActorID != "bot-7" {
		t.Errorf("event context missing gate/actor: %+v", evs[0])
	}
	if d.Err() != nil {
		t.Errorf("allowed decision should not produce an error")
	}
}

func TestKillSwitchShortCircuits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.policies.Load([]policy.Policy{denyWorkflow("p-freeze")})

	sw, err := f.kill.Activate(ctx, admin, killswitch.ActivateRequest{
		Scope: model.ScopeWorkflow, Target: "wf-refunds", Reason: "duplicate refunds",
	})
	if err != nil {
		t.Fatal(err)
	}

	d := f.p.EvaluateGate(ctx, model.GateAction, refund())
	if d.Allowed || d.Kind != model.DenyKillSwitch {
		t.Fatalf("expected kill switch denial, got %+v", d)
	}
	if !reflect.DeepEqual(d.ChecksEvaluated, []string{CheckKillSwitch}) {
		t.Errorf("only kill_switch should run, got %v", d.ChecksEvaluated)
	}

	tail, _ := f.l.Tail(ctx)
	if tail.Kind != ledger.KindActionDenied || tail.Context["deny_kind"] != string(model.DenyKillSwitch) {
		t.Errorf("unexpected tail %+v", tail)
	}

	var de *DenyError
	if err := d.Err(); !errors.As(err, &de) || de.Decision.Kind != model.DenyKillSwitch {
		t.Errorf("expected DenyError, got %v", err)
	}

	// A read-only action passes a DEGRADE switch but still hits the policy.
	if _, err := f.kill.Deactivate(ctx, admin, sw.ID, "fixed"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.kill.Activate(ctx, admin, killswitch.ActivateRequest{
		Scope: model.ScopeTenant, Target: "acme", Reason: "audit", Effect: killswitch.Degrade,
	}); err != nil {
		t.Fatal(err)
	}
	ro := refund()
	ro.ReadOnly = true
	if d := f.p.EvaluateGate(ctx, model.GateAction, ro); d.Kind != model.DenyPolicy {
		t.Errorf("read-only action should reach policy, got %+v", d)
	}
	if d := f.p.EvaluateGate(ctx, model.GateAction, refund()); d.Kind != model.DenyKillSwitch {
		t.Errorf("write action should be degraded, got %+v", d)
	}
}

func TestLedgerFailureDenies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.ls.FailAppends(1)
	d := f.p.EvaluateGate(ctx, model.GateAction, refund())
	if d.Allowed || d.Kind != model.DenyLedgerWrite {
		t.Fatalf("expected ledger_write_failure, got %+v", d)
	}
	evs := f.events(t)
	if len(evs) != 1 || evs[0].Kind != ledger.KindActionDenied || evs[0].Outcome != ledger.OutcomeFailure {
		t.Fatalf("expected best-effort failure denial, got %+v", evs)
	}

	f.ls.FailAppends(2)
	d = f.p.EvaluateGate(ctx, model.GateAction, refund())
	if d.Allowed || d.Kind != model.DenyLedgerWrite || d.EventID != "" {
		t.Fatalf("expected unrecorded denial, got %+v", d)
	}
	if n := len(f.events(t)); n != 1 {
		t.Fatalf("no event should be added when the ledger is down, got %d", n)
	}
}

func TestBreakGlassBypassesPolicy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.policies.Load([]policy.Policy{denyWorkflow("p-freeze")})

	if d := f.p.EvaluateGate(ctx, model.GateAction, refund()); d.Kind != model.DenyPolicy || d.PolicyID != "p-freeze" {
		t.Fatalf("expected policy denial, got %+v", d)
	}

	g, err := f.glass.Grant(ctx, commander, breakglass.GrantRequest{
		Requester:     bot.ID,
		Scope:         model.ScopeWorkflow,
		Target:        "wf-refunds",
		Justification: "refund backlog during outage",
	})
	if err != nil {
		t.Fatal(err)
	}

	d := f.p.EvaluateGate(ctx, model.GateAction, refund())
	if !d.Allowed || !d.BreakGlass || d.GrantID != g.ID {
		t.Fatalf("expected break-glass allow, got %+v", d)
	}
	if !reflect.DeepEqual(d.ChecksEvaluated, []string{CheckKillSwitch, CheckBreakGlass}) {
		t.Errorf("break glass should end the evaluation, got %v", d.ChecksEvaluated)
	}
	tail, _ := f.l.Tail(ctx)
	if tail.Kind != ledger.KindBreakGlassUsed || tail.Context["grant_id"] != g.ID {
		t.Errorf("expected BREAK_GLASS_USED, got %+v", tail)
	}

	item, err := f.queue.Get(ctx, review.BreakGlassKey(g.ID))
	if err != nil || item.Status != review.StatusPending {
		t.Fatalf("expected pending review item, got %+v %v", item, err)
	}
	used, _ := f.glass.Get(ctx, g.ID)
	if used.UseCount != 1 || !used.ReviewPending {
		t.Errorf("grant should be marked used: %+v", used)
	}

	// Other actors are still bound by policy.
	other := refund()
	other.Actor = model.Actor{ID: "bot-8", Kind: model.ActorAgent}
	if d := f.p.EvaluateGate(ctx, model.GateAction, other); d.Kind != model.DenyPolicy {
		t.Errorf("grant must not cover other actors, got %+v", d)
	}
}

func TestBreakGlassDoesNotOverrideKillSwitch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.glass.Grant(ctx, commander, breakglass.GrantRequest{
		Requester: bot.ID, Scope: model.ScopeGlobal, Justification: "outage",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.kill.Activate(ctx, admin, killswitch.ActivateRequest{Scope: model.ScopeGlobal, Reason: "halt"}); err != nil {
		t.Fatal(err)
	}
	if d := f.p.EvaluateGate(ctx, model.GateAction, refund()); d.Kind != model.DenyKillSwitch {
		t.Fatalf("kill switch must win over break glass, got %+v", d)
	}
}

func TestRequireReviewFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.policies.Load([]policy.Policy{{
		ID:      "p-prod-review",
		Name:    "review production refunds",
		Rule:    policy.Rule{All: []policy.Condition{{Field: "production", Op: policy.OpEq, Value: "true"}}},
		Outcome: policy.RequireReview,
		Active:  true,
	}})

	d := f.p.EvaluateGate(ctx, model.GateAction, refund())
	if d.Allowed || d.Kind != model.DenyPendingApproval || d.ReviewKey == "" {
		t.Fatalf("expected pending approval with review key, got %+v", d)
	}
	if d.ChecksEvaluated[len(d.ChecksEvaluated)-1] != CheckApproval {
		t.Errorf("evaluation should stop at approval, got %v", d.ChecksEvaluated)
	}

	// Asking again does not open a second item.
	again := f.p.EvaluateGate(ctx, model.GateAction, refund())
	if again.ReviewKey != d.ReviewKey {
		t.Errorf("expected same review key, got %s vs %s", again.ReviewKey, d.ReviewKey)
	}
	pending, _ := f.queue.List(ctx, review.StatusPending)
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending item, got %d", len(pending))
	}

	if _, err := f.queue.Approve(ctx, reviewer, d.ReviewKey, "ok for today", 0); err != nil {
		t.Fatal(err)
	}
	allowed := f.p.EvaluateGate(ctx, model.GateAction, refund())
	if !allowed.Allowed || allowed.PolicyID != "p-prod-review" {
		t.Fatalf("approved review should allow once, got %+v", allowed)
	}

	// Single-use approval was consumed.
	if d := f.p.EvaluateGate(ctx, model.GateAction, refund()); d.Allowed || d.Kind != model.DenyPendingApproval {
		t.Fatalf("consumed approval should not allow again, got %+v", d)
	}
}

func TestReviewPolicyCannotMaskDeny(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reviewAll := policy.Policy{
		ID:       "p-review-all",
		Rule:     policy.Rule{All: []policy.Condition{{Field: "production", Op: policy.OpEq, Value: "true"}}},
		Outcome:  policy.RequireReview,
		Priority: 1,
		Active:   true,
	}
	freeze := denyWorkflow("p-freeze")
	freeze.Priority = 2
	f.policies.Load([]policy.Policy{reviewAll, freeze})

	d := f.p.EvaluateGate(ctx, model.GateAction, refund())
	if d.Allowed || d.Kind != model.DenyPolicy || d.PolicyID != "p-freeze" {
		t.Fatalf("expected policy deny from p-freeze, got %+v", d)
	}
	if pending, _ := f.queue.List(ctx, review.StatusPending); len(pending) != 0 {
		t.Fatalf("denied action must not open a review item, got %d", len(pending))
	}

	// An approval granted before the freeze does not unlock it.
	f.policies.Load([]policy.Policy{reviewAll})
	first := f.p.EvaluateGate(ctx, model.GateAction, refund())
	if _, err := f.queue.Approve(ctx, reviewer, first.ReviewKey, "ok", 0); err != nil {
		t.Fatal(err)
	}
	f.policies.Load([]policy.Policy{reviewAll, freeze})
	if d := f.p.EvaluateGate(ctx, model.GateAction, refund()); d.Allowed || d.Kind != model.DenyPolicy {
		t.Fatalf("approved review must not override deny, got %+v", d)
	}
}

func TestRateLimited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.limiter.SetLimits(ratelimit.Limits{"wf-refunds": {MaxRequests: 2, Window: time.Minute}})

	for i := 0; i < 2; i++ {
		if d := f.p.EvaluateGate(ctx, model.GateAction, refund()); !d.Allowed {
			t.Fatalf("hit %d should pass: %+v", i, d)
		}
	}
	d := f.p.EvaluateGate(ctx, model.GateAction, refund())
	if d.Allowed || d.Kind != model.DenyRateLimited {
		t.Fatalf("expected rate limit, got %+v", d)
	}
	tail, _ := f.l.Tail(ctx)
	if tail.Context["rate_limit"] != "2" {
		t.Errorf("expected rate detail in event context, got %v", tail.Context)
	}
}

func TestCapabilityDefaultDeny(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		gate  model.GateType
		edit  func(*model.ActionContext)
		allow bool
	}{
		{"not whitelisted", model.GateCapabilityRequest, func(ac *model.ActionContext) { ac.CapabilityID = "cap-export" }, false},
		{"unknown capability", model.GateAction, func(ac *model.ActionContext) { ac.CapabilityID = "cap-ghost" }, false},
		{"no capability on action gate", model.GateDataAccess, func(ac *model.ActionContext) { ac.CapabilityID = "" }, false},
		{"unknown connector", model.GateAction, func(ac *model.ActionContext) { ac.ConnectorID = "conn-ghost" }, false},
		{"known connector", model.GateAction, func(ac *model.ActionContext) { ac.ConnectorID = "conn-stripe" }, true},
		{"no capability on change gate", model.GatePreApproval, func(ac *model.ActionContext) { ac.CapabilityID = "" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ac := refund()
			tt.edit(&ac)
			d := f.p.EvaluateGate(ctx, tt.gate, ac)
			if d.Allowed != tt.allow {
				t.Fatalf("allowed = %v, want %v (%+v)", d.Allowed, tt.allow, d)
			}
			if !tt.allow && d.Kind != model.DenyCapability {
				t.Errorf("expected capability denial, got %s", d.Kind)
			}
		})
	}
}

func TestChangeTiedApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ac := refund()
	ac.ChangeRequestID = "chg-1"

	f.changes.state = ApprovalState{Status: "APPROVALS_COLLECTING", Collected: 1, Required: 2}
	d := f.p.EvaluateGate(ctx, model.GatePreExecution, ac)
	if d.Allowed || d.Kind != model.DenyPendingApproval {
		t.Fatalf("expected pending approval, got %+v", d)
	}
	tail, _ := f.l.Tail(ctx)
	if tail.ResourceType != "change_request" || tail.ResourceID != "chg-1" {
		t.Errorf("change-tied event should reference the change, got %+v", tail)
	}

	// The pre-approval gate runs before approvals exist.
	if d := f.p.EvaluateGate(ctx, model.GatePreApproval, ac); !d.Allowed {
		t.Fatalf("pre-approval gate should not require approvals, got %+v", d)
	}

	f.changes.state = ApprovalState{Status: "APPROVED", Approved: true, Collected: 2, Required: 2}
	if d := f.p.EvaluateGate(ctx, model.GatePreExecution, ac); !d.Allowed {
		t.Fatalf("approved change should pass, got %+v", d)
	}

	f.changes.err = model.ErrNotFound
	if d := f.p.EvaluateGate(ctx, model.GatePreExecution, ac); d.Kind != model.DenyPendingApproval {
		t.Fatalf("unknown change should be pending approval, got %+v", d)
	}
}

func TestInternalErrorsFailClosed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ac := refund()
	ac.ChangeRequestID = "chg-1"

	f.changes.err = errors.New("db gone")
	d := f.p.EvaluateGate(ctx, model.GatePreExecution, ac)
	if d.Allowed || d.Kind != model.DenyInternal {
		t.Fatalf("expected internal_error, got %+v", d)
	}
	tail, _ := f.l.Tail(ctx)
	if tail.Outcome != ledger.OutcomeFailure {
		t.Errorf("infrastructure denials are recorded as FAILURE, got %s", tail.Outcome)
	}

	f.changes.err = nil
	f.changes.panic = true
	d = f.p.EvaluateGate(ctx, model.GatePreExecution, ac)
	if d.Allowed || d.Kind != model.DenyInternal || d.EventID == "" {
		t.Fatalf("panic should be recorded as internal_error, got %+v", d)
	}

	res, err := f.l.Verify(ctx, "", "")
	if err != nil || !res.Valid {
		t.Fatalf("chain should stay valid: %+v %v", res, err)
	}
}

func TestValidationFailureIsNotRecorded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ac := refund()
	ac.TenantID = ""
	d := f.p.EvaluateGate(ctx, model.GateAction, ac)
	if d.Allowed || d.Kind != model.DenyValidation {
		t.Fatalf("expected validation failure, got %+v", d)
	}
	if d := f.p.EvaluateGate(ctx, "LAUNCH", refund()); d.Kind != model.DenyValidation {
		t.Fatalf("unknown gate should be a validation failure, got %+v", d)
	}
	if n := len(f.events(t)); n != 0 {
		t.Fatalf("validation failures are not security decisions, got %d events", n)
	}
}
