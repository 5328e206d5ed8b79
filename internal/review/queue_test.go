package review

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ppiankov/govgate/internal/authz"
	"github.com/ppiankov/govgate/internal/ledger"
	"github.com/ppiankov/govgate/internal/model"
)

var reviewer = model.Actor{ID: "rita", Kind: model.ActorUser, Roles: []model.Role{model.RoleReviewer}}

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time          { return c.t }
func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestQueue(t *testing.T) (*Queue, *ledger.Ledger, *testClock) {
	t.Helper()
	clock := &testClock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	l := ledger.New(ledger.NewMemoryStore())
	q := NewQueue(NewMemoryStore(), l, authz.New(nil, nil))
	q.SetClock(clock.now)
	return q, l, clock
}

func policyItem(key string) Item {
	return Item{Key: key, Kind: KindPolicyReview, Subject: "refund > 10k", Reason: "large refund", PolicyID: "pol-1", RequestedBy: "agent-7"}
}

func TestRequestIsIdempotent(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	first, err := q.Request(ctx, policyItem("policy:pol-1:fp"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if first.Status != StatusPending || first.ID == "" {
		t.Fatalf("unexpected item: %+v", first)
	}
	second, err := q.Request(ctx, policyItem("policy:pol-1:fp"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if second.ID != first.ID {
		t.Fatal("repeat request should return the existing item")
	}

	if _, err := q.Request(ctx, Item{}); !model.IsValidation(err) {
		t.Fatalf("expected validation error for empty key, got %v", err)
	}
}

func TestApproveThenConsume(t *testing.T) {
	q, l, _ := newTestQueue(t)
	ctx := context.Background()
	key := "policy:pol-1:fp"

	if _, err := q.Request(ctx, policyItem(key)); err != nil {
		t.Fatal(err)
	}
	if ok, _ := q.Approved(ctx, key); ok {
		t.Fatal("pending item should not be approved")
	}

	it, err := q.Approve(ctx, reviewer, key, "checked with finance", 0)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if it.Status != StatusApproved || it.ResolvedBy != "rita" {
		t.Fatalf("unexpected item: %+v", it)
	}
	tail, _ := l.Tail(ctx)
	if tail.Kind != ledger.KindReviewResolved || tail.Outcome != ledger.OutcomeSuccess {
		t.Fatalf("expected REVIEW_RESOLVED success event, got %+v", tail)
	}

	if ok, _ := q.Approved(ctx, key); !ok {
		t.Fatal("item should be approved")
	}
	if err := q.Consume(ctx, key); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if err := q.Consume(ctx, key); err == nil {
		t.Fatal("single-use approval consumed twice")
	}

	// A consumed key reopens as a new pending item.
	again, err := q.Request(ctx, policyItem(key))
	if err != nil {
		t.Fatal(err)
	}
	if again.ID == it.ID || again.Status != StatusPending {
		t.Fatalf("expected fresh pending item, got %+v", again)
	}
}

func TestTimeBoxedApprovalExpires(t *testing.T) {
	q, _, clock := newTestQueue(t)
	ctx := context.Background()
	key := "policy:pol-1:fp"

	q.Request(ctx, policyItem(key))
	if _, err := q.Approve(ctx, reviewer, key, "ok for an hour", time.Hour); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := q.Consume(ctx, key); err != nil {
			t.Fatalf("time-boxed approval should be reusable: %v", err)
		}
	}

	clock.advance(time.Hour)
	if ok, _ := q.Approved(ctx, key); ok {
		t.Fatal("approval should lapse at its deadline")
	}
	it, _ := q.Get(ctx, key)
	if it.Status != StatusExpired {
		t.Fatalf("expected expired, got %s", it.Status)
	}
}

func TestDenyStaysDenied(t *testing.T) {
	q, l, _ := newTestQueue(t)
	ctx := context.Background()
	key := "policy:pol-1:fp"

	q.Request(ctx, policyItem(key))
	if _, err := q.Deny(ctx, reviewer, key, "no"); err != nil {
		t.Fatal(err)
	}
	tail, _ := l.Tail(ctx)
	if tail.Outcome != ledger.OutcomeDenied {
		t.Fatalf("expected DENIED outcome, got %s", tail.Outcome)
	}
	it, _ := q.Request(ctx, policyItem(key))
	if it.Status != StatusDenied {
		t.Fatalf("denied item should not be reopened, got %s", it.Status)
	}

	_, err := q.Approve(ctx, reviewer, key, "changed my mind", 0)
	var te *model.TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransitionError, got %v", err)
	}
}

func TestResolveRequiresPermissionAndSeparation(t *testing.T) {
	q, l, _ := newTestQueue(t)
	ctx := context.Background()
	key := "policy:pol-1:fp"
	q.Request(ctx, policyItem(key))

	outsider := model.Actor{ID: "ed", Kind: model.ActorUser}
	if _, err := q.Approve(ctx, outsider, key, "", 0); !model.IsAuthorization(err) {
		t.Fatalf("expected AuthorizationError, got %v", err)
	}
	tail, _ := l.Tail(ctx)
	if tail.Kind != ledger.KindAdminDenied {
		t.Fatalf("expected ADMIN_DENIED, got %s", tail.Kind)
	}

	self := model.Actor{ID: "agent-7", Kind: model.ActorAgent, Roles: []model.Role{model.RoleReviewer}}
	if _, err := q.Approve(ctx, self, key, "", 0); !model.IsAuthorization(err) {
		t.Fatalf("requester must not approve own review, got %v", err)
	}
}

func TestBreakGlassItemsResolvedElsewhere(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()
	key := BreakGlassKey("bg-1")
	q.Request(ctx, Item{Key: key, Kind: KindBreakGlassUse, GrantID: "bg-1", RequestedBy: "ic"})

	if _, err := q.Approve(ctx, reviewer, key, "fine", 0); !model.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	it, err := q.Close(ctx, key, "rita", "post-incident review done")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if it.Status != StatusClosed {
		t.Fatalf("expected closed, got %s", it.Status)
	}

	pending, _ := q.List(ctx, StatusPending)
	if len(pending) != 0 {
		t.Fatalf("expected no pending items, got %d", len(pending))
	}
}
