package model

import (
	"errors"
	"fmt"
	"testing"
)

func testContext() ActionContext {
	return ActionContext{
		TenantID:   "acme",
		WorkflowID: "wf-billing",
		Actor:      Actor{ID: "alice", Kind: ActorUser},
	}
}

func TestValidateRequiresIdentifiers(t *testing.T) {
	tests := []struct {
		name  string
		mod   func(*ActionContext)
		field string
	}{
		{"tenant", func(ac *ActionContext) { ac.TenantID = " " }, "tenant_id"},
		{"workflow", func(ac *ActionContext) { ac.WorkflowID = "" }, "workflow_id"},
		{"actor", func(ac *ActionContext) { ac.Actor.ID = "" }, "actor.id"},
		{"actor kind", func(ac *ActionContext) { ac.Actor.Kind = "ROBOT" }, "actor.kind"},
		{"negative users", func(ac *ActionContext) { ac.AffectedUsers = -1 }, "affected_users"},
		{"tenant utf8", func(ac *ActionContext) { ac.TenantID = "acme\xff" }, "tenant_id"},
		{"actor utf8", func(ac *ActionContext) { ac.Actor.ID = "agent-\xc3" }, "actor.id"},
		{"extra utf8", func(ac *ActionContext) { ac.Extra = map[string]string{"note": "\xfe"} }, "extra.note"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ac := testContext()
			tt.mod(&ac)
			err := ac.Validate()
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if ve.Field != tt.field {
				t.Errorf("expected field %s, got %s", tt.field, ve.Field)
			}
		})
	}

	if err := testContext().Validate(); err != nil {
		t.Fatalf("valid context rejected: %v", err)
	}
}

func TestTargetsFor(t *testing.T) {
	ac := testContext()
	ac.CapabilityID = "cap-refund"
	tg := ac.Targets()

	if got := tg.For(ScopeGlobal); got != GlobalTarget {
		t.Errorf("global target: got %q", got)
	}
	if got := tg.For(ScopeWorkflow); got != "wf-billing" {
		t.Errorf("workflow target: got %q", got)
	}
	if got := tg.For(ScopeConnector); got != "" {
		t.Errorf("connector target should be empty, got %q", got)
	}
}

func TestFieldResolution(t *testing.T) {
	ac := testContext()
	ac.Production = true
	ac.AffectedUsers = 42
	ac.Extra = map[string]string{"region": "eu"}

	cases := map[string]string{
		"tenant_id":      "acme",
		"production":     "true",
		"sensitive_data": "false",
		"affected_users": "42",
		"gate":           "ACTION",
		"extra.region":   "eu",
	}
	for field, want := range cases {
		got, ok := ac.Field(field, GateAction)
		if !ok || got != want {
			t.Errorf("%s: got %q (ok=%v), want %q", field, got, ok, want)
		}
	}

	if _, ok := ac.Field("extra.missing", GateAction); ok {
		t.Error("absent extra key should not resolve")
	}
	if _, ok := ac.Field("password", GateAction); ok {
		t.Error("undeclared field should not resolve")
	}
}

func TestIsDeclaredField(t *testing.T) {
	if !IsDeclaredField("environment") {
		t.Error("environment should be declared")
	}
	if !IsDeclaredField("extra.team") {
		t.Error("extra.team should be declared")
	}
	if IsDeclaredField("extra.") {
		t.Error("bare extra prefix should not be declared")
	}
	if IsDeclaredField("shell") {
		t.Error("shell should not be declared")
	}
}

func TestFingerprintStable(t *testing.T) {
	a := testContext()
	a.Extra = map[string]string{"b": "2", "a": "1"}
	b := testContext()
	b.Extra = map[string]string{"a": "1", "b": "2"}
	b.AffectedUsers = 999

	if a.Fingerprint(GateAction) != b.Fingerprint(GateAction) {
		t.Error("fingerprint should ignore map order and affected_users")
	}
	if a.Fingerprint(GateAction) == a.Fingerprint(GateDataAccess) {
		t.Error("fingerprint should include the gate")
	}
}

func TestParseHelpers(t *testing.T) {
	if s, err := ParseScope("workflow"); err != nil || s != ScopeWorkflow {
		t.Errorf("ParseScope: %v %v", s, err)
	}
	if _, err := ParseScope("planet"); !IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
	if r, err := ParseRiskLevel("high"); err != nil || r != RiskHigh {
		t.Errorf("ParseRiskLevel: %v %v", r, err)
	}
	if g, err := ParseGateType("pre_execution"); err != nil || g != GatePreExecution {
		t.Errorf("ParseGateType: %v %v", g, err)
	}
	if !GatePreApproval.IsChangeGate() || GateAction.IsChangeGate() {
		t.Error("IsChangeGate misclassified")
	}
}

func TestParseRoles(t *testing.T) {
	roles := ParseRoles(" approver, reviewer ,,")
	if len(roles) != 2 || roles[0] != RoleApprover || roles[1] != RoleReviewer {
		t.Fatalf("unexpected roles: %v", roles)
	}
	a := Actor{ID: "bob", Kind: ActorUser, Roles: roles}
	if !a.HasRole(RoleReviewer) || a.HasRole(RoleGovernanceAdmin) {
		t.Error("HasRole misreported")
	}
}

func TestErrorWrapping(t *testing.T) {
	base := errors.New("disk full")
	err := fmt.Errorf("ledger: append: %w", &LedgerWriteError{Err: base})
	if !errors.Is(err, base) {
		t.Error("LedgerWriteError should unwrap to cause")
	}
	if !IsAuthorization(fmt.Errorf("x: %w", &AuthorizationError{ActorID: "a", Reason: "r"})) {
		t.Error("IsAuthorization should see wrapped error")
	}
	if !DenyLedgerWrite.IsInfrastructure() || DenyPolicy.IsInfrastructure() {
		t.Error("IsInfrastructure misclassified")
	}
}
