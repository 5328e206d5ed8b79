package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ppiankov/govgate/internal/app"
	"github.com/ppiankov/govgate/internal/breakglass"
	"github.com/ppiankov/govgate/internal/change"
	"github.com/ppiankov/govgate/internal/enforce"
	"github.com/ppiankov/govgate/internal/killswitch"
	"github.com/ppiankov/govgate/internal/ledger"
	"github.com/ppiankov/govgate/internal/model"
)

// EvaluateRequest asks for a gate decision. The actor inside Context is
// replaced by the caller's resolved identity.
type EvaluateRequest struct {
	Gate    model.GateType      `json:"gate"`
	Context model.ActionContext `json:"context"`
}

// ChangeRef names a change by id or key.
type ChangeRef struct {
	Change string `json:"change"`
}

// ApproveRequest records one approval.
type ApproveRequest struct {
	Change  string `json:"change"`
	Comment string `json:"comment,omitempty"`
}

// RejectRequest rejects a change with a mandatory reason.
type RejectRequest struct {
	Change string `json:"change"`
	Reason string `json:"reason"`
}

// ExecuteResponse reports an execution attempt. Denied is set when the
// pre-execution gate refused; Error is set when the executor failed.
type ExecuteResponse struct {
	Change *change.Request   `json:"change,omitempty"`
	Denied *enforce.Decision `json:"denied,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// Executed reports whether the change ran successfully.
func (r ExecuteResponse) Executed() bool {
	return r.Denied == nil && r.Error == "" && r.Change != nil && r.Change.Status == change.StatusExecuted
}

// ActivateKillSwitchRequest turns a switch on.
type ActivateKillSwitchRequest struct {
	Scope      model.Scope       `json:"scope"`
	Target     string            `json:"target"`
	Effect     killswitch.Effect `json:"effect,omitempty"`
	Reason     string            `json:"reason"`
	IncidentID string            `json:"incident_id,omitempty"`
}

// DeactivateKillSwitchRequest turns a switch off.
type DeactivateKillSwitchRequest struct {
	ID    string `json:"id"`
	Notes string `json:"notes,omitempty"`
}

// GrantBreakGlassRequest issues emergency access. Duration uses Go syntax
// ("15m"); empty selects the configured default.
type GrantBreakGlassRequest struct {
	Requester      string      `json:"requester"`
	Scope          model.Scope `json:"scope"`
	Target         string      `json:"target"`
	Justification  string      `json:"justification"`
	ReasonCategory string      `json:"reason_category,omitempty"`
	IncidentID     string      `json:"incident_id,omitempty"`
	Duration       string      `json:"duration,omitempty"`
}

// RevokeBreakGlassRequest ends a grant early.
type RevokeBreakGlassRequest struct {
	ID string `json:"id"`
}

// VerifyLedgerRequest bounds a verification. Empty ids mean the chain ends.
type VerifyLedgerRequest struct {
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
}

// Governance is the operation set served over gRPC. Local runs it
// in-process; client.Client runs it remotely.
type Governance interface {
	EvaluateGate(ctx context.Context, actor model.Actor, req EvaluateRequest) (enforce.Decision, error)
	CreateChange(ctx context.Context, actor model.Actor, d change.Draft) (*change.Request, error)
	ApproveChange(ctx context.Context, actor model.Actor, req ApproveRequest) (*change.Request, error)
	RejectChange(ctx context.Context, actor model.Actor, req RejectRequest) (*change.Request, error)
	ResubmitChange(ctx context.Context, actor model.Actor, ref ChangeRef) (*change.Request, error)
	ExecuteChange(ctx context.Context, actor model.Actor, ref ChangeRef) (ExecuteResponse, error)
	GetChange(ctx context.Context, actor model.Actor, ref ChangeRef) (*change.Request, error)
	ActivateKillSwitch(ctx context.Context, actor model.Actor, req ActivateKillSwitchRequest) (*killswitch.Switch, error)
	DeactivateKillSwitch(ctx context.Context, actor model.Actor, req DeactivateKillSwitchRequest) (*killswitch.Switch, error)
	GrantBreakGlass(ctx context.Context, actor model.Actor, req GrantBreakGlassRequest) (*breakglass.Grant, error)
	RevokeBreakGlass(ctx context.Context, actor model.Actor, req RevokeBreakGlassRequest) (*breakglass.Grant, error)
	VerifyLedger(ctx context.Context, actor model.Actor, req VerifyLedgerRequest) (ledger.VerifyResult, error)
}

// Local serves Governance from an in-process App.
type Local struct {
	App *app.App
}

var _ Governance = (*Local)(nil)

func (l *Local) EvaluateGate(ctx context.Context, actor model.Actor, req EvaluateRequest) (enforce.Decision, error) {
	gate, err := model.ParseGateType(string(req.Gate))
	if err != nil {
		return enforce.Decision{}, err
	}
	ac := req.Context
	ac.Actor = actor
	return l.App.Pipeline.EvaluateGate(ctx, gate, ac), nil
}

func (l *Local) CreateChange(ctx context.Context, actor model.Actor, d change.Draft) (*change.Request, error) {
	return l.App.Changes.Create(ctx, actor, d)
}

func (l *Local) ApproveChange(ctx context.Context, actor model.Actor, req ApproveRequest) (*change.Request, error) {
	return l.App.Changes.Approve(ctx, req.Change, actor, req.Comment)
}

func (l *Local) RejectChange(ctx context.Context, actor model.Actor, req RejectRequest) (*change.Request, error) {
	return l.App.Changes.Reject(ctx, req.Change, actor, req.Reason)
}

func (l *Local) ResubmitChange(ctx context.Context, actor model.Actor, ref ChangeRef) (*change.Request, error) {
	return l.App.Changes.Resubmit(ctx, ref.Change, actor)
}

// ExecuteChange folds gate denials and executor failures into the response;
// only storage, ledger and validation problems surface as errors.
func (l *Local) ExecuteChange(ctx context.Context, actor model.Actor, ref ChangeRef) (ExecuteResponse, error) {
	r, err := l.App.Changes.Execute(ctx, ref.Change, actor)
	if err == nil {
		return ExecuteResponse{Change: r}, nil
	}
	var deny *enforce.DenyError
	if errors.As(err, &deny) {
		d := deny.Decision
		return ExecuteResponse{Change: r, Denied: &d}, nil
	}
	var execErr *model.ExecutorError
	if errors.As(err, &execErr) && r != nil {
		return ExecuteResponse{Change: r, Error: err.Error()}, nil
	}
	return ExecuteResponse{}, err
}

func (l *Local) GetChange(ctx context.Context, _ model.Actor, ref ChangeRef) (*change.Request, error) {
	return l.App.Changes.Get(ctx, ref.Change)
}

func (l *Local) ActivateKillSwitch(ctx context.Context, actor model.Actor, req ActivateKillSwitchRequest) (*killswitch.Switch, error) {
	return l.App.KillSwitches.Activate(ctx, actor, killswitch.ActivateRequest{
		Scope:      req.Scope,
		Target:     req.Target,
		Effect:     req.Effect,
		Reason:     req.Reason,
		IncidentID: req.IncidentID,
	})
}

func (l *Local) DeactivateKillSwitch(ctx context.Context, actor model.Actor, req DeactivateKillSwitchRequest) (*killswitch.Switch, error) {
	return l.App.KillSwitches.Deactivate(ctx, actor, req.ID, req.Notes)
}

func (l *Local) GrantBreakGlass(ctx context.Context, actor model.Actor, req GrantBreakGlassRequest) (*breakglass.Grant, error) {
	var d time.Duration
	if req.Duration != "" {
		var err error
		d, err = time.ParseDuration(req.Duration)
		if err != nil {
			return nil, &model.ValidationError{Field: "duration", Msg: fmt.Sprintf("invalid duration %q", req.Duration)}
		}
	}
	return l.App.BreakGlass.Grant(ctx, actor, breakglass.GrantRequest{
		Requester:      req.Requester,
		Scope:          req.Scope,
		Target:         req.Target,
		Justification:  req.Justification,
		ReasonCategory: req.ReasonCategory,
		IncidentID:     req.IncidentID,
		Duration:       d,
	})
}

func (l *Local) RevokeBreakGlass(ctx context.Context, actor model.Actor, req RevokeBreakGlassRequest) (*breakglass.Grant, error) {
	return l.App.BreakGlass.Revoke(ctx, actor, req.ID)
}

func (l *Local) VerifyLedger(ctx context.Context, _ model.Actor, req VerifyLedgerRequest) (ledger.VerifyResult, error) {
	return l.App.Ledger.Verify(ctx, req.From, req.To)
}
