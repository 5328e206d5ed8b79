package breakglass

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ppiankov/govgate/internal/authz"
	"github.com/ppiankov/govgate/internal/ledger"
	"github.com/ppiankov/govgate/internal/model"
	"github.com/ppiankov/govgate/internal/review"
)

var (
	commander = model.Actor{ID: "ic-1", Kind: model.ActorUser, Roles: []model.Role{model.RoleIncidentCommander}}
	auditor   = model.Actor{ID: "aud-1", Kind: model.ActorUser, Roles: []model.Role{model.RoleReviewer}}
)

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time          { return c.t }
func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

type fixture struct {
	reg   *Registry
	l     *ledger.Ledger
	ls    *ledger.MemoryStore
	queue *review.Queue
	clock *testClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &testClock{t: time.Date(2026, 7, 4, 10, 0, 0, 0, time.UTC)}
	ls := ledger.NewMemoryStore()
	l := ledger.New(ls, ledger.WithClock(clock.now))
	az := authz.New(nil, nil)
	q := review.NewQueue(review.NewMemoryStore(), l, az)
	q.SetClock(clock.now)
	reg := NewRegistry(NewMemoryStore(), l, az, q, Limits{}, zerolog.Nop())
	reg.SetClock(clock.now)
	return &fixture{reg: reg, l: l, ls: ls, queue: q, clock: clock}
}

func (f *fixture) grant(t *testing.T, requester string, d time.Duration) *Grant {
	t.Helper()
	g, err := f.reg.Grant(context.Background(), commander, GrantRequest{
		Requester:     requester,
		Scope:         model.ScopeWorkflow,
		Target:        "wf-payments",
		Justification: "payments down, manual replay needed",
		IncidentID:    "INC-42",
		Duration:      d,
	})
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	return g
}

func targets() model.Targets {
	return model.Targets{TenantID: "acme", WorkflowID: "wf-payments"}
}

func TestGrantDefaults(t *testing.T) {
	f := newFixture(t)
	g := f.grant(t, "oncall", 0)

	if !strings.HasPrefix(g.ID, "bg-") {
		t.Errorf("expected bg- prefix, got %s", g.ID)
	}
	if got := g.ExpiresAt.Sub(g.GrantedAt); got != DefaultDuration {
		t.Errorf("expected default duration %s, got %s", DefaultDuration, got)
	}
	if !g.ReviewRequired || g.ReasonCategory != ReasonP0Incident {
		t.Errorf("unexpected grant: %+v", g)
	}
	tail, _ := f.l.Tail(context.Background())
	if tail.Kind != ledger.KindBreakGlassGranted || tail.ResourceID != g.ID {
		t.Fatalf("expected BREAK_GLASS_GRANTED, got %+v", tail)
	}
}

func TestGrantValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.reg.Grant(ctx, commander, GrantRequest{Scope: model.ScopeWorkflow, Target: "wf", Justification: "  "})
	if !model.IsValidation(err) {
		t.Errorf("missing justification: expected validation error, got %v", err)
	}
	_, err = f.reg.Grant(ctx, commander, GrantRequest{Scope: model.ScopeWorkflow, Target: "wf", Justification: "x", Duration: 2 * time.Hour})
	if !model.IsValidation(err) {
		t.Errorf("over ceiling: expected validation error, got %v", err)
	}
	_, err = f.reg.Grant(ctx, commander, GrantRequest{Scope: model.ScopeWorkflow, Justification: "x"})
	if !model.IsValidation(err) {
		t.Errorf("missing target: expected validation error, got %v", err)
	}
	_, err = f.reg.Grant(ctx, commander, GrantRequest{Scope: model.ScopeWorkflow, Target: "wf", Justification: "x", ReasonCategory: "BORED"})
	if !model.IsValidation(err) {
		t.Errorf("bad category: expected validation error, got %v", err)
	}
}

func TestGrantRequiresPermission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.reg.Grant(ctx, model.Actor{ID: "dev", Kind: model.ActorUser}, GrantRequest{
		Scope: model.ScopeGlobal, Justification: "please",
	})
	if !model.IsAuthorization(err) {
		t.Fatalf("expected AuthorizationError, got %v", err)
	}
	tail, _ := f.l.Tail(ctx)
	if tail.Kind != ledger.KindAdminDenied {
		t.Fatalf("expected ADMIN_DENIED, got %s", tail.Kind)
	}
}

func TestIsActiveOnlyForRequester(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := f.grant(t, "oncall", 30*time.Minute)

	hit, err := f.reg.IsActive(ctx, targets(), "oncall")
	if err != nil || hit == nil || hit.ID != g.ID {
		t.Fatalf("expected active grant, got %v %v", hit, err)
	}
	if hit, _ := f.reg.IsActive(ctx, targets(), "someone-else"); hit != nil {
		t.Fatal("grant must not apply to other actors")
	}
	other := targets()
	other.WorkflowID = "wf-other"
	if hit, _ := f.reg.IsActive(ctx, other, "oncall"); hit != nil {
		t.Fatal("grant must not apply to other workflows")
	}
}

func TestExpiryRecordedLazilyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := f.grant(t, "oncall", 10*time.Minute)

	f.clock.advance(9*time.Minute + 59*time.Second)
	if hit, _ := f.reg.IsActive(ctx, targets(), "oncall"); hit == nil {
		t.Fatal("grant should still be active just before expiry")
	}

	f.clock.advance(time.Second)
	hit, err := f.reg.IsActive(ctx, targets(), "oncall")
	if err != nil {
		t.Fatalf("IsActive: %v", err)
	}
	if hit != nil {
		t.Fatal("grant must be inactive at its expiry instant")
	}
	tail, _ := f.l.Tail(ctx)
	if tail.Kind != ledger.KindBreakGlassExpired || tail.ResourceID != g.ID {
		t.Fatalf("expected BREAK_GLASS_EXPIRED, got %+v", tail)
	}
	seq := tail.Seq

	f.reg.IsActive(ctx, targets(), "oncall")
	tail, _ = f.l.Tail(ctx)
	if tail.Seq != seq {
		t.Fatal("expiry must be recorded only once")
	}
}

func TestRevoke(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := f.grant(t, "oncall", 30*time.Minute)

	if _, err := f.reg.Revoke(ctx, commander, g.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if hit, _ := f.reg.IsActive(ctx, targets(), "oncall"); hit != nil {
		t.Fatal("revoked grant must not be active")
	}
	_, err := f.reg.Revoke(ctx, commander, g.ID)
	var te *model.TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransitionError on double revoke, got %v", err)
	}
}

func TestUseAfterRevokeIsInactive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	g := f.grant(t, "oncall", 30*time.Minute)
	seen, err := f.reg.IsActive(ctx, targets(), "oncall")
	if err != nil || seen == nil {
		t.Fatalf("expected active grant, got %v %v", seen, err)
	}
	// Revoke lands between lookup and use.
	if _, err := f.reg.Revoke(ctx, commander, g.ID); err != nil {
		t.Fatal(err)
	}
	if err := f.reg.Use(ctx, seen, "ACTION on wf-payments"); !errors.Is(err, ErrGrantInactive) {
		t.Fatalf("expected ErrGrantInactive, got %v", err)
	}
	got, _ := f.reg.Get(ctx, g.ID)
	if got.UseCount != 0 || got.ReviewPending {
		t.Fatalf("revoked grant must not record a use, got %+v", got)
	}
	if pending, _ := f.queue.List(ctx, review.StatusPending); len(pending) != 0 {
		t.Fatalf("revoked grant must not open a review, got %+v", pending)
	}

	short := f.grant(t, "oncall-2", time.Minute)
	seen, _ = f.reg.IsActive(ctx, targets(), "oncall-2")
	if seen == nil || seen.ID != short.ID {
		t.Fatalf("expected grant %s, got %v", short.ID, seen)
	}
	f.clock.advance(2 * time.Minute)
	if err := f.reg.Use(ctx, seen, "ACTION on wf-payments"); !errors.Is(err, ErrGrantInactive) {
		t.Fatalf("expired grant should be inactive, got %v", err)
	}
}

func TestUseOpensReviewAndReviewCloses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := f.grant(t, "oncall", 30*time.Minute)

	if err := f.reg.Use(ctx, g, "ACTION on wf-payments"); err != nil {
		t.Fatalf("use: %v", err)
	}
	if err := f.reg.Use(ctx, g, "ACTION on wf-payments"); err != nil {
		t.Fatalf("second use: %v", err)
	}
	got, _ := f.reg.Get(ctx, g.ID)
	if got.UseCount != 2 || !got.ReviewPending {
		t.Fatalf("expected 2 uses pending review, got %+v", got)
	}
	pending, _ := f.queue.List(ctx, review.StatusPending)
	if len(pending) != 1 || pending[0].GrantID != g.ID {
		t.Fatalf("expected one pending review item, got %+v", pending)
	}

	if _, err := f.reg.CompleteReview(ctx, auditor, g.ID, ""); !model.IsValidation(err) {
		t.Fatalf("empty notes: expected validation error, got %v", err)
	}
	self := model.Actor{ID: "oncall", Kind: model.ActorUser, Roles: []model.Role{model.RoleReviewer}}
	if _, err := f.reg.CompleteReview(ctx, self, g.ID, "all good"); !model.IsAuthorization(err) {
		t.Fatalf("requester review: expected AuthorizationError, got %v", err)
	}

	done, err := f.reg.CompleteReview(ctx, auditor, g.ID, "replay was necessary and scoped")
	if err != nil {
		t.Fatalf("complete review: %v", err)
	}
	if done.ReviewPending || !done.ReviewCompleted || done.ReviewedBy != auditor.ID {
		t.Fatalf("unexpected reviewed grant: %+v", done)
	}
	tail, _ := f.l.Tail(ctx)
	if tail.Kind != ledger.KindBreakGlassReviewed {
		t.Fatalf("expected BREAK_GLASS_REVIEWED, got %s", tail.Kind)
	}
	if pending, _ := f.queue.List(ctx, review.StatusPending); len(pending) != 0 {
		t.Fatalf("review item should be closed, got %d pending", len(pending))
	}

	var te *model.TransitionError
	if _, err := f.reg.CompleteReview(ctx, auditor, g.ID, "again"); !errors.As(err, &te) {
		t.Fatalf("double review: expected TransitionError, got %v", err)
	}
}

func TestGrantLedgerFailureLeavesGrantUnusable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ls.FailAppends(1)

	_, err := f.reg.Grant(ctx, commander, GrantRequest{
		Requester: "oncall", Scope: model.ScopeWorkflow, Target: "wf-payments", Justification: "x",
	})
	var lw *model.LedgerWriteError
	if !errors.As(err, &lw) {
		t.Fatalf("expected LedgerWriteError, got %v", err)
	}
	if hit, _ := f.reg.IsActive(ctx, targets(), "oncall"); hit != nil {
		t.Fatal("unrecorded grant must not be usable")
	}
}
