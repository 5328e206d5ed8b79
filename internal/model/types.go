package model

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ActorKind classifies who performed an action.
type ActorKind string

const (
	ActorUser   ActorKind = "USER"
	ActorAgent  ActorKind = "AGENT"
	ActorSystem ActorKind = "SYSTEM"
)

// Valid reports whether k is a known actor kind.
func (k ActorKind) Valid() bool {
	switch k {
	case ActorUser, ActorAgent, ActorSystem:
		return true
	}
	return false
}

// Role is a verified permission claim supplied by the identity provider.
type Role string

const (
	RoleGovernanceAdmin   Role = "governance_admin"
	RoleIncidentCommander Role = "incident_commander"
	RoleApprover          Role = "approver"
	RoleSeniorApprover    Role = "senior_approver"
	RolePrincipalApprover Role = "principal_approver"
	RoleComplianceOfficer Role = "compliance_officer"
	RoleReviewer          Role = "reviewer"
)

// Actor is a resolved identity. Authentication happens upstream; this core
// only consumes the result.
type Actor struct {
	ID    string    `json:"id" yaml:"id"`
	Kind  ActorKind `json:"kind" yaml:"kind"`
	Roles []Role    `json:"roles,omitempty" yaml:"roles,omitempty"`
}

// HasRole returns true if the actor carries the given role.
func (a Actor) HasRole(r Role) bool {
	for _, have := range a.Roles {
		if have == r {
			return true
		}
	}
	return false
}

// SystemActor is used for transitions the core performs on its own behalf.
var SystemActor = Actor{ID: "system", Kind: ActorSystem}

// ParseRoles splits a comma-separated role list.
func ParseRoles(s string) []Role {
	var roles []Role
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			roles = append(roles, Role(part))
		}
	}
	return roles
}

// Scope is the breadth a kill switch or break-glass grant applies to.
type Scope string

const (
	ScopeGlobal     Scope = "GLOBAL"
	ScopeTenant     Scope = "TENANT"
	ScopeWorkflow   Scope = "WORKFLOW"
	ScopeCapability Scope = "CAPABILITY"
	ScopeConnector  Scope = "CONNECTOR"
)

// ScopeOrder is the evaluation order for scoped lookups: broadest first.
// Must not be changed.
var ScopeOrder = []Scope{ScopeGlobal, ScopeTenant, ScopeWorkflow, ScopeCapability, ScopeConnector}

// ParseScope validates a scope name (case-insensitive).
func ParseScope(s string) (Scope, error) {
	sc := Scope(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range ScopeOrder {
		if sc == known {
			return sc, nil
		}
	}
	return "", &ValidationError{Field: "scope", Msg: fmt.Sprintf("unknown scope %q", s)}
}

// GlobalTarget is the only valid target for ScopeGlobal.
const GlobalTarget = "*"

// Targets are the scope identifiers an action touches. Any may be empty.
type Targets struct {
	TenantID     string
	WorkflowID   string
	CapabilityID string
	ConnectorID  string
}

// For returns the target identifier for a scope, or "" if the action has none.
func (t Targets) For(s Scope) string {
	switch s {
	case ScopeGlobal:
		return GlobalTarget
	case ScopeTenant:
		return t.TenantID
	case ScopeWorkflow:
		return t.WorkflowID
	case ScopeCapability:
		return t.CapabilityID
	case ScopeConnector:
		return t.ConnectorID
	}
	return ""
}

// RiskLevel is a four-step risk classification shared by workflows and changes.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// RiskRank maps risk levels to a comparable integer.
var RiskRank = map[RiskLevel]int{
	RiskLow:      0,
	RiskMedium:   1,
	RiskHigh:     2,
	RiskCritical: 3,
}

// ParseRiskLevel validates a risk level name (case-insensitive).
func ParseRiskLevel(s string) (RiskLevel, error) {
	r := RiskLevel(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := RiskRank[r]; !ok {
		return "", &ValidationError{Field: "risk_level", Msg: fmt.Sprintf("unknown risk level %q", s)}
	}
	return r, nil
}

// GateType names the checkpoint at which the pipeline is invoked.
type GateType string

const (
	GateAction            GateType = "ACTION"
	GateCapabilityRequest GateType = "CAPABILITY_REQUEST"
	GateDataAccess        GateType = "DATA_ACCESS"
	GatePreApproval       GateType = "PRE_APPROVAL"
	GatePreExecution      GateType = "PRE_EXECUTION"
)

// ParseGateType validates a gate type name (case-insensitive).
func ParseGateType(s string) (GateType, error) {
	g := GateType(strings.ToUpper(strings.TrimSpace(s)))
	switch g {
	case GateAction, GateCapabilityRequest, GateDataAccess, GatePreApproval, GatePreExecution:
		return g, nil
	}
	return "", &ValidationError{Field: "gate", Msg: fmt.Sprintf("unknown gate type %q", s)}
}

// IsChangeGate reports whether the gate belongs to the change-request lifecycle.
func (g GateType) IsChangeGate() bool {
	return g == GatePreApproval || g == GatePreExecution
}

// ActionContext is the structured description of a proposed operation.
type ActionContext struct {
	TenantID        string            `json:"tenant_id"`
	WorkflowID      string            `json:"workflow_id"`
	CapabilityID    string            `json:"capability_id,omitempty"`
	ConnectorID     string            `json:"connector_id,omitempty"`
	Actor           Actor             `json:"actor"`
	Environment     string            `json:"environment,omitempty"`
	Production      bool              `json:"production"`
	SensitiveData   bool              `json:"sensitive_data"`
	ReadOnly        bool              `json:"read_only,omitempty"`
	AffectedUsers   int               `json:"affected_users"`
	ChangeRequestID string            `json:"change_request_id,omitempty"`
	ChangeKind      string            `json:"change_kind,omitempty"`
	RiskLevel       RiskLevel         `json:"risk_level,omitempty"`
	Extra           map[string]string `json:"extra,omitempty"`
}

// Targets returns the scope identifiers of the action.
func (ac ActionContext) Targets() Targets {
	return Targets{
		TenantID:     ac.TenantID,
		WorkflowID:   ac.WorkflowID,
		CapabilityID: ac.CapabilityID,
		ConnectorID:  ac.ConnectorID,
	}
}

// Validate rejects malformed contexts before any gate runs.
func (ac ActionContext) Validate() error {
	if strings.TrimSpace(ac.TenantID) == "" {
		return &ValidationError{Field: "tenant_id", Msg: "required"}
	}
	if strings.TrimSpace(ac.WorkflowID) == "" {
		return &ValidationError{Field: "workflow_id", Msg: "required"}
	}
	if strings.TrimSpace(ac.Actor.ID) == "" {
		return &ValidationError{Field: "actor.id", Msg: "required"}
	}
	if !ac.Actor.Kind.Valid() {
		return &ValidationError{Field: "actor.kind", Msg: fmt.Sprintf("unknown actor kind %q", ac.Actor.Kind)}
	}
	if ac.AffectedUsers < 0 {
		return &ValidationError{Field: "affected_users", Msg: "must not be negative"}
	}
	for _, f := range []struct{ name, v string }{
		{"tenant_id", ac.TenantID},
		{"workflow_id", ac.WorkflowID},
		{"capability_id", ac.CapabilityID},
		{"connector_id", ac.ConnectorID},
		{"actor.id", ac.Actor.ID},
		{"environment", ac.Environment},
		{"change_request_id", ac.ChangeRequestID},
		{"change_kind", ac.ChangeKind},
	} {
		if err := CheckUTF8(f.name, f.v); err != nil {
			return err
		}
	}
	return CheckUTF8Map("extra", ac.Extra)
}

// Field resolves a declared context field to its string form.
// The second return value is false for undeclared fields and for extra keys
// that are absent.
func (ac ActionContext) Field(name string, gate GateType) (string, bool) {
	switch name {
	case "tenant_id":
		return ac.TenantID, true
	case "workflow_id":
		return ac.WorkflowID, true
	case "capability_id":
		return ac.CapabilityID, true
	case "connector_id":
		return ac.ConnectorID, true
	case "actor_id":
		return ac.Actor.ID, true
	case "actor_kind":
		return string(ac.Actor.Kind), true
	case "environment":
		return ac.Environment, true
	case "production":
		return strconv.FormatBool(ac.Production), true
	case "sensitive_data":
		return strconv.FormatBool(ac.SensitiveData), true
	case "read_only":
		return strconv.FormatBool(ac.ReadOnly), true
	case "affected_users":
		return strconv.Itoa(ac.AffectedUsers), true
	case "gate":
		return string(gate), true
	case "change_kind":
		return ac.ChangeKind, true
	case "risk_level":
		return string(ac.RiskLevel), true
	}
	if key, ok := strings.CutPrefix(name, "extra."); ok {
		v, present := ac.Extra[key]
		return v, present
	}
	return "", false
}

// DeclaredFields lists the context fields policy rules may reference,
// besides "extra.<key>".
var DeclaredFields = []string{
	"tenant_id", "workflow_id", "capability_id", "connector_id",
	"actor_id", "actor_kind", "environment", "production", "sensitive_data",
	"read_only", "affected_users", "gate", "change_kind", "risk_level",
}

// IsDeclaredField reports whether name may appear in a policy condition.
func IsDeclaredField(name string) bool {
	if strings.HasPrefix(name, "extra.") && len(name) > len("extra.") {
		return true
	}
	for _, f := range DeclaredFields {
		if f == name {
			return true
		}
	}
	return false
}

// Fingerprint is a stable identity for "the same action" used to key review
// items. It deliberately excludes volatile fields such as affected_users.
func (ac ActionContext) Fingerprint(gate GateType) string {
	parts := []string{
		string(gate), ac.TenantID, ac.WorkflowID, ac.CapabilityID, ac.ConnectorID, ac.Actor.ID,
	}
	keys := make([]string, 0, len(ac.Extra))
	for k := range ac.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, k+"="+ac.Extra[k])
	}
	return strings.Join(parts, "|")
}
