package authz

import (
	"fmt"
	"sort"

	"github.com/ppiankov/govgate/internal/model"
)

// Permission is an administrative capability granted through roles.
type Permission string

const (
	PermKillSwitch  Permission = "killswitch.manage"
	PermBreakGlass  Permission = "breakglass.grant"
	PermReview      Permission = "review.resolve"
	PermPolicyAdmin Permission = "policy.manage"
	PermApprove     Permission = "change.approve"
)

// Authorizer maps roles to permissions and approval tiers.
type Authorizer struct {
	perms map[model.Role]map[Permission]bool
	tiers map[model.Role]model.RiskLevel
}

// DefaultRoles is the built-in role table.
func DefaultRoles() map[model.Role][]Permission {
	return map[model.Role][]Permission{
		model.RoleGovernanceAdmin:   {PermKillSwitch, PermPolicyAdmin},
		model.RoleIncidentCommander: {PermBreakGlass, PermKillSwitch},
		model.RoleApprover:          {PermApprove},
		model.RoleSeniorApprover:    {PermApprove},
		model.RolePrincipalApprover: {PermApprove},
		model.RoleComplianceOfficer: {PermApprove, PermReview},
		model.RoleReviewer:          {PermReview},
	}
}

// DefaultTiers is the highest change risk each approver role may sign off.
func DefaultTiers() map[model.Role]model.RiskLevel {
	return map[model.Role]model.RiskLevel{
		model.RoleApprover:          model.RiskMedium,
		model.RoleSeniorApprover:    model.RiskHigh,
		model.RolePrincipalApprover: model.RiskCritical,
		model.RoleComplianceOfficer: model.RiskCritical,
	}
}

// New builds an Authorizer. Nil arguments select the defaults.
func New(roles map[model.Role][]Permission, tiers map[model.Role]model.RiskLevel) *Authorizer {
	if roles == nil {
		roles = DefaultRoles()
	}
	if tiers == nil {
		tiers = DefaultTiers()
	}
	a := &Authorizer{
		perms: make(map[model.Role]map[Permission]bool, len(roles)),
		tiers: tiers,
	}
	for role, ps := range roles {
		set := make(map[Permission]bool, len(ps))
		for _, p := range ps {
			set[p] = true
		}
		a.perms[role] = set
	}
	return a
}

// Can reports whether any of the actor's roles grants p.
func (a *Authorizer) Can(actor model.Actor, p Permission) bool {
	for _, r := range actor.Roles {
		if a.perms[r][p] {
			return true
		}
	}
	return false
}

// Require returns an AuthorizationError unless the actor holds p.
func (a *Authorizer) Require(actor model.Actor, p Permission) error {
	if a.Can(actor, p) {
		return nil
	}
	return &model.AuthorizationError{
		ActorID: actor.ID,
		Reason:  fmt.Sprintf("missing permission %s", p),
	}
}

// CanApprove reports whether the actor's highest approver tier covers risk.
func (a *Authorizer) CanApprove(actor model.Actor, risk model.RiskLevel) bool {
	if !a.Can(actor, PermApprove) {
		return false
	}
	need := model.RiskRank[risk]
	for _, r := range actor.Roles {
		if tier, ok := a.tiers[r]; ok && model.RiskRank[tier] >= need {
			return true
		}
	}
	return false
}

// Permissions lists the permissions the actor holds, sorted.
func (a *Authorizer) Permissions(actor model.Actor) []Permission {
	seen := map[Permission]bool{}
	for _, r := range actor.Roles {
		for p := range a.perms[r] {
			seen[p] = true
		}
	}
	out := make([]Permission, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
