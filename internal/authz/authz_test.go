package authz

import (
	"testing"

	"github.com/ppiankov/govgate/internal/model"
)

func actor(roles ...model.Role) model.Actor {
	return model.Actor{ID: "u1", Kind: model.ActorUser, Roles: roles}
}

func TestRequire(t *testing.T) {
	a := New(nil, nil)

	if err := a.Require(actor(model.RoleGovernanceAdmin), PermKillSwitch); err != nil {
		t.Errorf("governance admin should manage kill switches: %v", err)
	}
	err := a.Require(actor(model.RoleApprover), PermKillSwitch)
	if !model.IsAuthorization(err) {
		t.Fatalf("expected AuthorizationError, got %v", err)
	}
	if err := a.Require(actor(), PermReview); err == nil {
		t.Error("actor without roles should be denied")
	}
}

func TestCanApproveTiers(t *testing.T) {
	a := New(nil, nil)

	tests := []struct {
		role model.Role
		risk model.RiskLevel
		want bool
	}{
		{model.RoleApprover, model.RiskLow, true},
		{model.RoleApprover, model.RiskMedium, true},
		{model.RoleApprover, model.RiskHigh, false},
		{model.RoleSeniorApprover, model.RiskHigh, true},
		{model.RoleSeniorApprover, model.RiskCritical, false},
		{model.RolePrincipalApprover, model.RiskCritical, true},
		{model.RoleComplianceOfficer, model.RiskCritical, true},
		{model.RoleReviewer, model.RiskLow, false},
		{model.RoleGovernanceAdmin, model.RiskLow, false},
	}
	for _, tt := range tests {
		if got := a.CanApprove(actor(tt.role), tt.risk); got != tt.want {
			t.Errorf("%s approving %s: got %v, want %v", tt.role, tt.risk, got, tt.want)
		}
	}
}

func TestCustomRoleTable(t *testing.T) {
	a := New(map[model.Role][]Permission{
		"sre": {PermKillSwitch},
	}, map[model.Role]model.RiskLevel{})

	if !a.Can(actor("sre"), PermKillSwitch) {
		t.Error("custom role should grant configured permission")
	}
	if a.Can(actor(model.RoleGovernanceAdmin), PermKillSwitch) {
		t.Error("custom table should replace defaults")
	}
}

func TestPermissionsSorted(t *testing.T) {
	a := New(nil, nil)
	perms := a.Permissions(actor(model.RoleGovernanceAdmin, model.RoleIncidentCommander))
	want := []Permission{PermBreakGlass, PermKillSwitch, PermPolicyAdmin}
	if len(perms) != len(want) {
		t.Fatalf("expected %v, got %v", want, perms)
	}
	for i := range want {
		if perms[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, perms)
		}
	}
}
