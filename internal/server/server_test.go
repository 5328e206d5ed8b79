package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ppiankov/govgate/internal/app"
	"github.com/ppiankov/govgate/internal/change"
	"github.com/ppiankov/govgate/internal/client"
	"github.com/ppiankov/govgate/internal/config"
	"github.com/ppiankov/govgate/internal/ledger"
	"github.com/ppiankov/govgate/internal/model"
	"github.com/ppiankov/govgate/internal/server"
)

var (
	admin    = model.Actor{ID: "ops-admin", Kind: model.ActorUser, Roles: []model.Role{model.RoleGovernanceAdmin}}
	dev      = model.Actor{ID: "dev-1", Kind: model.ActorUser}
	approver = model.Actor{ID: "alice", Kind: model.ActorUser, Roles: []model.Role{model.RoleApprover}}
	bot      = model.Actor{ID: "bot-7", Kind: model.ActorAgent}
)

const catalogYAML = `
capabilities:
  - id: cap-refund
workflows:
  - id: wf-refunds
    risk_level: high
    capabilities: [cap-refund]
`

func testApp(t *testing.T, mutate func(*config.Config)) *app.App {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Storage.Driver = config.DriverMemory
	cfg.PolicyPath = filepath.Join(dir, "policies.yaml")
	cfg.CatalogPath = filepath.Join(dir, "catalog.yaml")
	if err := os.WriteFile(cfg.CatalogPath, []byte(catalogYAML), 0644); err != nil {
		t.Fatal(err)
	}
	if mutate != nil {
		mutate(cfg)
	}
	a, err := app.New(context.Background(), cfg, zerolog.Nop(), app.Options{})
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

// testServer serves a on a random local port and returns a connected client.
func testServer(t *testing.T, a *app.App) (*server.Server, *client.Client) {
	t.Helper()
	srv := server.New(a)
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.ServeOn(ctx, lis, nil)
		close(done)
	}()

	c, err := client.New(lis.Addr().String())
	if err != nil {
		cancel()
		t.Fatalf("client: %v", err)
	}
	t.Cleanup(func() {
		c.Close()
		cancel()
		<-done
	})
	return srv, c
}

func refund() model.ActionContext {
	return model.ActionContext{TenantID: "acme", WorkflowID: "wf-refunds", CapabilityID: "cap-refund"}
}

func TestEvaluateGateOverGRPC(t *testing.T) {
	_, c := testServer(t, testApp(t, nil))
	ctx := context.Background()

	d, err := c.EvaluateGate(ctx, bot, server.EvaluateRequest{Gate: model.GateAction, Context: refund()})
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed || d.EventID == "" || len(d.ChecksEvaluated) != 6 {
		t.Fatalf("expected recorded allow, got %+v", d)
	}

	ac := refund()
	ac.CapabilityID = "cap-unknown"
	d, _ = c.EvaluateGate(ctx, bot, server.EvaluateRequest{Gate: model.GateAction, Context: ac})
	if d.Allowed || d.Kind != model.DenyCapability {
		t.Fatalf("expected capability deny, got %+v", d)
	}

	d, _ = c.EvaluateGate(ctx, bot, server.EvaluateRequest{Gate: "SOMEWHERE", Context: refund()})
	if d.Allowed || d.Kind != model.DenyValidation {
		t.Fatalf("expected validation deny for unknown gate, got %+v", d)
	}
}

func TestEvaluateGateRequiresActor(t *testing.T) {
	_, c := testServer(t, testApp(t, nil))
	d, err := c.EvaluateGate(context.Background(), model.Actor{}, server.EvaluateRequest{Gate: model.GateAction, Context: refund()})
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed || d.Kind != model.DenyInternal {
		t.Fatalf("anonymous evaluation must fail closed, got %+v", d)
	}
}

func TestKillSwitchOverGRPC(t *testing.T) {
	_, c := testServer(t, testApp(t, nil))
	ctx := context.Background()

	if _, err := c.ActivateKillSwitch(ctx, dev, server.ActivateKillSwitchRequest{
		Scope: model.ScopeTenant, Target: "acme", Reason: "nope",
	}); !model.IsAuthorization(err) {
		t.Fatalf("expected authorization error, got %v", err)
	}

	sw, err := c.ActivateKillSwitch(ctx, admin, server.ActivateKillSwitchRequest{
		Scope: model.ScopeTenant, Target: "acme", Reason: "incident 42",
	})
	if err != nil {
		t.Fatal(err)
	}
	d, _ := c.EvaluateGate(ctx, bot, server.EvaluateRequest{Gate: model.GateAction, Context: refund()})
	if d.Allowed || d.Kind != model.DenyKillSwitch {
		t.Fatalf("expected kill switch deny, got %+v", d)
	}

	if _, err := c.DeactivateKillSwitch(ctx, admin, server.DeactivateKillSwitchRequest{ID: sw.ID}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.DeactivateKillSwitch(ctx, admin, server.DeactivateKillSwitchRequest{ID: "ks-missing"}); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	d, _ = c.EvaluateGate(ctx, bot, server.EvaluateRequest{Gate: model.GateAction, Context: refund()})
	if !d.Allowed {
		t.Fatalf("expected allow after deactivation, got %+v", d)
	}
}

func TestChangeLifecycleOverGRPC(t *testing.T) {
	_, c := testServer(t, testApp(t, nil))
	ctx := context.Background()

	r, err := c.CreateChange(ctx, dev, change.Draft{
		Kind: change.KindDeployment, Title: "ship refunds v2", TenantID: "acme", WorkflowID: "wf-refunds",
	})
	if err != nil {
		t.Fatal(err)
	}
	if r.Risk != model.RiskMedium || r.Status != change.StatusApprovalsCollecting || r.RequiredApprovals != 1 {
		t.Fatalf("unexpected change %+v", r)
	}

	if _, err := c.ApproveChange(ctx, dev, server.ApproveRequest{Change: r.Key}); !model.IsAuthorization(err) {
		t.Fatalf("self-approval must be refused, got %v", err)
	}
	r, err = c.ApproveChange(ctx, approver, server.ApproveRequest{Change: r.Key, Comment: "lgtm"})
	if err != nil || r.Status != change.StatusApproved {
		t.Fatalf("approve: %+v %v", r, err)
	}

	res, err := c.ExecuteChange(ctx, dev, server.ChangeRef{Change: r.Key})
	if err != nil || !res.Executed() {
		t.Fatalf("execute: %+v %v", res, err)
	}

	got, err := c.GetChange(ctx, model.Actor{}, server.ChangeRef{Change: r.ID})
	if err != nil || got.Status != change.StatusExecuted {
		t.Fatalf("get: %+v %v", got, err)
	}

	if _, err := c.RejectChange(ctx, approver, server.RejectRequest{Change: r.Key, Reason: "late"}); err == nil {
		t.Fatal("rejecting an executed change must fail")
	}

	v, err := c.VerifyLedger(ctx, model.Actor{}, server.VerifyLedgerRequest{})
	if err != nil || !v.Valid {
		t.Fatalf("verify: %+v %v", v, err)
	}
}

func TestExecuteDeniedKeepsApproved(t *testing.T) {
	a := testApp(t, nil)
	_, c := testServer(t, a)
	ctx := context.Background()

	r, err := c.CreateChange(ctx, dev, change.Draft{
		Kind: change.KindDeployment, Title: "deploy", TenantID: "acme", WorkflowID: "wf-refunds",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.ApproveChange(ctx, approver, server.ApproveRequest{Change: r.Key}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.ActivateKillSwitch(ctx, admin, server.ActivateKillSwitchRequest{
		Scope: model.ScopeWorkflow, Target: "wf-refunds", Reason: "freeze",
	}); err != nil {
		t.Fatal(err)
	}

	res, err := c.ExecuteChange(ctx, dev, server.ChangeRef{Change: r.Key})
	if err != nil {
		t.Fatal(err)
	}
	if res.Executed() || res.Denied == nil || res.Denied.Kind != model.DenyKillSwitch {
		t.Fatalf("expected kill switch denial, got %+v", res)
	}
	if res.Change.Status != change.StatusApproved {
		t.Fatalf("denied change must stay approved, got %s", res.Change.Status)
	}
}

func TestAdmissionLimit(t *testing.T) {
	a := testApp(t, func(cfg *config.Config) {
		cfg.Server.RequestsPerSecond = 0.001
		cfg.Server.Burst = 1
	})
	_, c := testServer(t, a)
	ctx := context.Background()

	if _, err := c.VerifyLedger(ctx, model.Actor{}, server.VerifyLedgerRequest{}); err != nil {
		t.Fatalf("first request should pass: %v", err)
	}
	if _, err := c.VerifyLedger(ctx, model.Actor{}, server.VerifyLedgerRequest{}); err == nil {
		t.Fatal("second request should be refused")
	}
	d, _ := c.EvaluateGate(ctx, bot, server.EvaluateRequest{Gate: model.GateAction, Context: refund()})
	if d.Allowed {
		t.Fatal("refused admission must fail closed")
	}
}

func TestClientFailsClosedWhenUnreachable(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := lis.Addr().String()
	lis.Close()

	c, err := client.New(addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	d, err := c.EvaluateGate(context.Background(), bot, server.EvaluateRequest{Gate: model.GateAction, Context: refund()})
	if err != nil {
		t.Fatalf("fail-closed evaluation returns no error, got %v", err)
	}
	if d.Allowed || d.Kind != model.DenyInternal {
		t.Fatalf("expected internal deny, got %+v", d)
	}
}

func TestOpsEndpoints(t *testing.T) {
	a := testApp(t, nil)
	srv := server.New(a)
	a.Pipeline.EvaluateGate(context.Background(), model.GateAction, model.ActionContext{
		TenantID: "acme", WorkflowID: "wf-refunds", CapabilityID: "cap-refund", Actor: bot,
	})

	ts := httptest.NewServer(srv.OpsHandler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: %v %v", resp, err)
	}
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/v1/ledger/verify")
	if err != nil {
		t.Fatal(err)
	}
	var res ledger.VerifyResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !res.Valid || res.Checked != 1 {
		t.Fatalf("verify: %d %+v", resp.StatusCode, res)
	}

	resp, err = http.Get(ts.URL + "/v1/ledger/verify?from=missing")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown event, got %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/metrics")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics: %v %v", resp, err)
	}
	resp.Body.Close()
}
