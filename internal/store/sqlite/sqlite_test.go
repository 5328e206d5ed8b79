package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ppiankov/govgate/internal/authz"
	"github.com/ppiankov/govgate/internal/breakglass"
	"github.com/ppiankov/govgate/internal/change"
	"github.com/ppiankov/govgate/internal/enforce"
	"github.com/ppiankov/govgate/internal/killswitch"
	"github.com/ppiankov/govgate/internal/ledger"
	"github.com/ppiankov/govgate/internal/model"
	"github.com/ppiankov/govgate/internal/policy"
	"github.com/ppiankov/govgate/internal/review"
)

// openTestDB returns a fresh in-memory database closed when the test ends.
func openTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(context.Background(), Config{Name: "test_" + filepath.Base(t.Name())})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestMigrateIdempotent(t *testing.T) {
	d := openTestDB(t)
	if err := Migrate(context.Background(), d.SQL); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestLedgerStoreChain(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()
	l := ledger.New(NewLedgerStore(d))

	var ids []string
	for i := 0; i < 5; i++ {
		e, err := l.Append(ctx, ledger.Draft{
			Kind:         ledger.KindActionAllowed,
			Description:  "allowed",
			Actor:        model.Actor{ID: "bot", Kind: model.ActorAgent},
			Outcome:      ledger.OutcomeSuccess,
			Context:      map[string]string{"gate": "ACTION", "n": string(rune('a' + i))},
			ResourceType: "workflow",
			ResourceID:   "wf-1",
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		ids = append(ids, e.ID)
	}

	res, err := l.Verify(ctx, "", "")
	if err != nil || !res.Valid || res.Checked != 5 {
		t.Fatalf("verify: %+v %v", res, err)
	}
	res, err = l.Verify(ctx, ids[1], ids[3])
	if err != nil || !res.Valid || res.Checked != 3 {
		t.Fatalf("range verify: %+v %v", res, err)
	}

	got, err := l.Get(ctx, ids[2])
	if err != nil || got.Seq != 3 || got.Context["n"] != "c" {
		t.Fatalf("get: %+v %v", got, err)
	}
	if _, err := l.Get(ctx, "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	// Tamper with a stored field behind the ledger's back.
	if _, err := d.SQL.ExecContext(ctx, `UPDATE ledger_events SET description = 'denied' WHERE seq = 4;`); err != nil {
		t.Fatal(err)
	}
	res, _ = l.Verify(ctx, "", "")
	if res.Valid || res.BrokenSeq != 4 {
		t.Fatalf("expected break at seq 4, got %+v", res)
	}
}

func TestLedgerStoreConcurrentAppends(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()
	l := ledger.New(NewLedgerStore(d))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Append(ctx, ledger.Draft{Kind: ledger.KindActionDenied, Outcome: ledger.OutcomeDenied}); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	res, err := l.Verify(ctx, "", "")
	if err != nil || !res.Valid || res.Checked != 20 {
		t.Fatalf("concurrent appends must form one chain: %+v %v", res, err)
	}
}

func TestKillSwitchStoreWithRegistry(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()
	l := ledger.New(NewLedgerStore(d))
	reg := killswitch.NewRegistry(NewKillSwitchStore(d), l, authz.New(nil, nil), zerolog.Nop())
	admin := model.Actor{ID: "admin", Kind: model.ActorUser, Roles: []model.Role{model.RoleGovernanceAdmin}}

	sw, err := reg.Activate(ctx, admin, killswitch.ActivateRequest{Scope: model.ScopeTenant, Target: "acme", Reason: "breach"})
	if err != nil {
		t.Fatal(err)
	}
	hit, err := reg.IsBlocked(ctx, model.Targets{TenantID: "acme", WorkflowID: "wf"}, false)
	if err != nil || hit == nil || hit.ID != sw.ID {
		t.Fatalf("expected block: %+v %v", hit, err)
	}
	again, err := reg.Activate(ctx, admin, killswitch.ActivateRequest{Scope: model.ScopeTenant, Target: "acme", Reason: "again"})
	if err != nil || again.ID != sw.ID {
		t.Fatalf("second activation should return existing: %+v %v", again, err)
	}
	if _, err := reg.Deactivate(ctx, admin, sw.ID, "contained"); err != nil {
		t.Fatal(err)
	}
	active, _ := reg.List(ctx, true)
	all, _ := reg.List(ctx, false)
	if len(active) != 0 || len(all) != 1 || all[0].DeactivatedAt == nil {
		t.Fatalf("unexpected lists: active=%v all=%+v", active, all)
	}
}

func TestBreakGlassStoreOpenTracking(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()
	s := NewBreakGlassStore(d)
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	g := &breakglass.Grant{ID: "bg-1", Requester: "sre", Scope: model.ScopeGlobal, Target: "*",
		Justification: "outage", GrantedAt: now, ExpiresAt: now.Add(10 * time.Minute), ReviewRequired: true}
	if err := s.Create(ctx, g); err != nil {
		t.Fatal(err)
	}
	open, _ := s.ListOpen(ctx)
	if len(open) != 1 || !open[0].ExpiresAt.Equal(g.ExpiresAt) {
		t.Fatalf("expected one open grant, got %+v", open)
	}

	g.ExpiryRecorded = true
	if err := s.Update(ctx, g); err != nil {
		t.Fatal(err)
	}
	open, _ = s.ListOpen(ctx)
	all, _ := s.List(ctx)
	if len(open) != 0 || len(all) != 1 {
		t.Fatalf("expired grant should leave the open set: open=%d all=%d", len(open), len(all))
	}
	if err := s.Update(ctx, &breakglass.Grant{ID: "bg-missing"}); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPolicyAndReviewStores(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	ps := NewPolicyStore(d)
	p := &policy.Policy{ID: "p1", Name: "deny prod", Outcome: policy.Deny, Priority: 5, Active: true,
		Rule: policy.Rule{All: []policy.Condition{{Field: "production", Op: policy.OpEq, Value: "true"}}}}
	if err := ps.Upsert(ctx, p); err != nil {
		t.Fatal(err)
	}
	p.Active = false
	if err := ps.Upsert(ctx, p); err != nil {
		t.Fatal(err)
	}
	got, err := ps.Get(ctx, "p1")
	if err != nil || got.Active || len(got.Rule.All) != 1 {
		t.Fatalf("upsert should replace: %+v %v", got, err)
	}

	rs := NewReviewStore(d)
	it := &review.Item{ID: "rv-1", Key: "policy:p1:x", Kind: review.KindPolicyReview, Status: review.StatusPending, CreatedAt: time.Now().UTC()}
	if err := rs.Put(ctx, it); err != nil {
		t.Fatal(err)
	}
	it.Status = review.StatusApproved
	if err := rs.Put(ctx, it); err != nil {
		t.Fatal(err)
	}
	pending, _ := rs.List(ctx, review.StatusPending)
	approved, _ := rs.List(ctx, review.StatusApproved)
	if len(pending) != 0 || len(approved) != 1 {
		t.Fatalf("put should replace by key: pending=%d approved=%d", len(pending), len(approved))
	}
	if _, err := rs.Get(ctx, "nope"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestChangeStoreVersioning(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()
	s := NewChangeStore(d)

	seq1, _ := s.NextSeq(ctx, 2026)
	seq2, _ := s.NextSeq(ctx, 2026)
	other, _ := s.NextSeq(ctx, 2027)
	if seq1 != 1 || seq2 != 2 || other != 1 {
		t.Fatalf("unexpected sequences %d %d %d", seq1, seq2, other)
	}

	r := &change.Request{ID: "c1", Key: "CHG-2026-0001", Kind: change.KindDeployment, Status: change.StatusPending,
		TenantID: "acme", CreatedAt: time.Now().UTC()}
	if err := s.Create(ctx, r); err != nil {
		t.Fatal(err)
	}

	a, _ := s.Get(ctx, "CHG-2026-0001")
	b, _ := s.Get(ctx, "c1")
	a.Status = change.StatusApprovalsCollecting
	if err := s.Update(ctx, a); err != nil {
		t.Fatal(err)
	}
	b.Status = change.StatusRejected
	if err := s.Update(ctx, b); !errors.Is(err, model.ErrVersionConflict) {
		t.Fatalf("stale update must conflict, got %v", err)
	}

	list, _ := s.List(ctx, change.Filter{Status: change.StatusApprovalsCollecting})
	if len(list) != 1 || list[0].Version != 2 {
		t.Fatalf("unexpected list %+v", list)
	}
	if err := s.Update(ctx, &change.Request{ID: "ghost", Version: 1}); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

type allowAll struct{}

func (allowAll) EvaluateGate(_ context.Context, g model.GateType, _ model.ActionContext) enforce.Decision {
	return enforce.Decision{Allowed: true, Gate: g, Reason: "allowed"}
}

func TestChangeServiceOverSQLite(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()
	l := ledger.New(NewLedgerStore(d))
	az := authz.New(nil, nil)

	svc := change.NewService(NewChangeStore(d), l, allowAll{}, az, nil, change.Options{Log: zerolog.Nop()})

	r, err := svc.Create(ctx, model.Actor{ID: "dev", Kind: model.ActorUser},
		change.Draft{Kind: change.KindConfiguration, Title: "tune", TenantID: "acme", WorkflowID: "wf"})
	if err != nil {
		t.Fatal(err)
	}
	r, err = svc.Execute(ctx, r.Key, model.Actor{ID: "dev", Kind: model.ActorUser})
	if err != nil || r.Status != change.StatusExecuted {
		t.Fatalf("execute: %+v %v", r, err)
	}
	stored, _ := svc.Get(ctx, r.ID)
	if stored.Status != change.StatusExecuted || stored.Version != r.Version {
		t.Fatalf("stored change diverged: %+v", stored)
	}
}
