package change

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ppiankov/govgate/internal/model"
)

// Kind classifies a change.
type Kind string

const (
	KindDeployment       Kind = "DEPLOYMENT"
	KindConfiguration    Kind = "CONFIGURATION"
	KindDataMigration    Kind = "DATA_MIGRATION"
	KindEmergencyFix     Kind = "EMERGENCY_FIX"
	KindCapabilityGrant  Kind = "CAPABILITY_GRANT"
	KindCapabilityRevoke Kind = "CAPABILITY_REVOKE"
	KindPolicyUpdate     Kind = "POLICY_UPDATE"
	KindModelDeployment  Kind = "MODEL_DEPLOYMENT"
)

// Kinds lists every change kind.
var Kinds = []Kind{
	KindDeployment, KindConfiguration, KindDataMigration, KindEmergencyFix,
	KindCapabilityGrant, KindCapabilityRevoke, KindPolicyUpdate, KindModelDeployment,
}

// ParseKind validates a kind name (case-insensitive).
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Kinds {
		if k == known {
			return k, nil
		}
	}
	return "", &model.ValidationError{Field: "kind", Msg: fmt.Sprintf("unknown change kind %q", s)}
}

// Status is a change request lifecycle state.
type Status string

const (
	StatusPending             Status = "PENDING"
	StatusApprovalsCollecting Status = "APPROVALS_COLLECTING"
	StatusApproved            Status = "APPROVED"
	StatusExecuting           Status = "EXECUTING"
	StatusExecuted            Status = "EXECUTED"
	StatusRejected            Status = "REJECTED"
	StatusFailed              Status = "FAILED"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusExecuted || s == StatusRejected || s == StatusFailed
}

// Approval is one recorded sign-off.
type Approval struct {
	ApproverID string       `json:"approver_id"`
	Roles      []model.Role `json:"roles,omitempty"`
	Comment    string       `json:"comment,omitempty"`
	At         time.Time    `json:"at"`
}

// Request is a proposed production change moving through approval.
type Request struct {
	ID                 string            `json:"id"`
	Key                string            `json:"key"`
	Kind               Kind              `json:"kind"`
	Risk               model.RiskLevel   `json:"risk"`
	Score              int               `json:"score"`
	Title              string            `json:"title"`
	Description        string            `json:"description,omitempty"`
	Rationale          string            `json:"rationale,omitempty"`
	Requester          model.Actor       `json:"requester"`
	TenantID           string            `json:"tenant_id"`
	WorkflowID         string            `json:"workflow_id"`
	CapabilityID       string            `json:"capability_id,omitempty"`
	ConnectorID        string            `json:"connector_id,omitempty"`
	Environment        string            `json:"environment,omitempty"`
	Production         bool              `json:"production"`
	SensitiveData      bool              `json:"sensitive_data"`
	AffectedUsers      int               `json:"affected_users"`
	Payload            map[string]string `json:"payload,omitempty"`
	Status             Status            `json:"status"`
	RequiredApprovals  int               `json:"required_approvals"`
	RequiresCompliance bool              `json:"requires_compliance"`
	Approvals          []Approval        `json:"approvals"`
	RejectedBy         string            `json:"rejected_by,omitempty"`
	RejectionReason    string            `json:"rejection_reason,omitempty"`
	FailureReason      string            `json:"failure_reason,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	ApprovedAt         *time.Time        `json:"approved_at,omitempty"`
	ExecutionStartedAt *time.Time        `json:"execution_started_at,omitempty"`
	ExecutedAt         *time.Time        `json:"executed_at,omitempty"`
	Version            int64             `json:"version"`
}

// Clone returns a deep copy.
func (r *Request) Clone() *Request {
	c := *r
	c.Requester.Roles = append([]model.Role(nil), r.Requester.Roles...)
	c.Approvals = make([]Approval, len(r.Approvals))
	for i, a := range r.Approvals {
		a.Roles = append([]model.Role(nil), a.Roles...)
		c.Approvals[i] = a
	}
	if r.Payload != nil {
		c.Payload = make(map[string]string, len(r.Payload))
		for k, v := range r.Payload {
			c.Payload[k] = v
		}
	}
	return &c
}

// ApprovedBy reports whether actorID has already signed off.
func (r *Request) ApprovedBy(actorID string) bool {
	for _, a := range r.Approvals {
		if a.ApproverID == actorID {
			return true
		}
	}
	return false
}

// Satisfied reports whether collected approvals meet the requirement,
// including a compliance sign-off where one is required.
func (r *Request) Satisfied() bool {
	if len(r.Approvals) < r.RequiredApprovals {
		return false
	}
	if !r.RequiresCompliance {
		return true
	}
	for _, a := range r.Approvals {
		for _, role := range a.Roles {
			if role == model.RoleComplianceOfficer {
				return true
			}
		}
	}
	return false
}

// ActionContext describes the change to the enforcement pipeline on behalf
// of actor.
func (r *Request) ActionContext(actor model.Actor) model.ActionContext {
	env := r.Environment
	if env == "" && r.Production {
		env = "production"
	}
	return model.ActionContext{
		TenantID:        r.TenantID,
		WorkflowID:      r.WorkflowID,
		CapabilityID:    r.CapabilityID,
		ConnectorID:     r.ConnectorID,
		Actor:           actor,
		Environment:     env,
		Production:      r.Production,
		SensitiveData:   r.SensitiveData,
		AffectedUsers:   r.AffectedUsers,
		ChangeRequestID: r.ID,
		ChangeKind:      string(r.Kind),
		RiskLevel:       r.Risk,
		Extra:           r.Payload,
	}
}

// Draft is the caller-supplied part of a new change request.
type Draft struct {
	Kind          Kind              `json:"kind"`
	Title         string            `json:"title"`
	Description   string            `json:"description,omitempty"`
	Rationale     string            `json:"rationale,omitempty"`
	TenantID      string            `json:"tenant_id"`
	WorkflowID    string            `json:"workflow_id"`
	CapabilityID  string            `json:"capability_id,omitempty"`
	ConnectorID   string            `json:"connector_id,omitempty"`
	Environment   string            `json:"environment,omitempty"`
	Production    bool              `json:"production"`
	SensitiveData bool              `json:"sensitive_data"`
	AffectedUsers int               `json:"affected_users"`
	Payload       map[string]string `json:"payload,omitempty"`
}

func (d *Draft) validate() error {
	kind, err := ParseKind(string(d.Kind))
	if err != nil {
		return err
	}
	d.Kind = kind
	d.Title = strings.TrimSpace(d.Title)
	if d.Title == "" {
		return &model.ValidationError{Field: "title", Msg: "required"}
	}
	if strings.TrimSpace(d.TenantID) == "" {
		return &model.ValidationError{Field: "tenant_id", Msg: "required"}
	}
	if strings.TrimSpace(d.WorkflowID) == "" {
		return &model.ValidationError{Field: "workflow_id", Msg: "required"}
	}
	if d.AffectedUsers < 0 {
		return &model.ValidationError{Field: "affected_users", Msg: "must not be negative"}
	}
	for _, f := range []struct{ name, v string }{
		{"title", d.Title},
		{"description", d.Description},
		{"rationale", d.Rationale},
		{"tenant_id", d.TenantID},
		{"workflow_id", d.WorkflowID},
		{"capability_id", d.CapabilityID},
		{"connector_id", d.ConnectorID},
		{"environment", d.Environment},
	} {
		if err := model.CheckUTF8(f.name, f.v); err != nil {
			return err
		}
	}
	return model.CheckUTF8Map("payload", d.Payload)
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Status   Status
	TenantID string
	Limit    int
}

// Store persists change requests.
type Store interface {
	Create(ctx context.Context, r *Request) error
	// Update writes r if the stored version equals r.Version and bumps
	// r.Version. A mismatch returns model.ErrVersionConflict.
	Update(ctx context.Context, r *Request) error
	Delete(ctx context.Context, id string) error
	// Get looks up by id or key; model.ErrNotFound when absent.
	Get(ctx context.Context, idOrKey string) (*Request, error)
	List(ctx context.Context, f Filter) ([]Request, error)
	// NextSeq returns the next key sequence number for year.
	NextSeq(ctx context.Context, year int) (int, error)
}
