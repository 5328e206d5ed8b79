package mcp

import (
	"context"
	"fmt"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/govgate/internal/model"
	"github.com/ppiankov/govgate/internal/server"
)

// --- Input/Output types ---

// EvaluateInput defines parameters for the govgate_evaluate_gate tool.
type EvaluateInput struct {
	Gate            string            `json:"gate,omitempty" jsonschema:"gate type: ACTION, CAPABILITY_REQUEST or DATA_ACCESS (default ACTION)"`
	TenantID        string            `json:"tenant_id,omitempty" jsonschema:"tenant the action runs for"`
	WorkflowID      string            `json:"workflow_id" jsonschema:"workflow performing the action"`
	CapabilityID    string            `json:"capability_id,omitempty" jsonschema:"capability being exercised"`
	ConnectorID     string            `json:"connector_id,omitempty" jsonschema:"external connector used"`
	Environment     string            `json:"environment,omitempty" jsonschema:"deployment environment"`
	Production      bool              `json:"production,omitempty" jsonschema:"whether the action touches production"`
	SensitiveData   bool              `json:"sensitive_data,omitempty" jsonschema:"whether sensitive data is involved"`
	ReadOnly        bool              `json:"read_only,omitempty" jsonschema:"whether the action only reads"`
	AffectedUsers   int               `json:"affected_users,omitempty" jsonschema:"estimated number of affected users"`
	ChangeRequestID string            `json:"change_request_id,omitempty" jsonschema:"change request the action belongs to"`
	Extra           map[string]string `json:"extra,omitempty" jsonschema:"additional context fields for policy rules"`
}

// EvaluateOutput contains the gate decision.
type EvaluateOutput struct {
	Allowed   bool     `json:"allowed"`
	Reason    string   `json:"reason"`
	Kind      string   `json:"kind,omitempty"`
	Checks    []string `json:"checks_evaluated"`
	PolicyID  string   `json:"policy_id,omitempty"`
	ReviewKey string   `json:"review_key,omitempty"`
	EventID   string   `json:"event_id,omitempty"`
}

// ChangeStatusInput defines parameters for the govgate_change_status tool.
type ChangeStatusInput struct {
	Change string `json:"change" jsonschema:"change request id or key"`
}

// ChangeStatusOutput summarises a change request.
type ChangeStatusOutput struct {
	ID                string `json:"id"`
	Key               string `json:"key"`
	Title             string `json:"title"`
	Status            string `json:"status"`
	Risk              string `json:"risk"`
	Score             int    `json:"score"`
	Approvals         int    `json:"approvals"`
	RequiredApprovals int    `json:"required_approvals"`
	NeedsCompliance   bool   `json:"needs_compliance,omitempty"`
	FailureReason     string `json:"failure_reason,omitempty"`
	RejectionReason   string `json:"rejection_reason,omitempty"`
}

// VerifyInput defines parameters for the govgate_verify_ledger tool.
type VerifyInput struct {
	From string `json:"from,omitempty" jsonschema:"first event id (default: chain start)"`
	To   string `json:"to,omitempty" jsonschema:"last event id (default: chain end)"`
}

// VerifyOutput reports chain integrity.
type VerifyOutput struct {
	Valid     bool   `json:"valid"`
	Checked   int    `json:"checked"`
	BrokenAt  string `json:"broken_at,omitempty"`
	BrokenSeq int64  `json:"broken_seq,omitempty"`
	Error     string `json:"error,omitempty"`
}

// --- Handlers ---

func (s *Server) handleEvaluateGate(ctx context.Context, req *mcpsdk.CallToolRequest, input EvaluateInput) (*mcpsdk.CallToolResult, EvaluateOutput, error) {
	gate := model.GateAction
	if input.Gate != "" {
		g, err := model.ParseGateType(input.Gate)
		if err != nil {
			return nil, EvaluateOutput{}, err
		}
		if g.IsChangeGate() {
			return nil, EvaluateOutput{}, fmt.Errorf("gate %s is evaluated by the change workflow, not by agents", g)
		}
		gate = g
	}
	tenant := input.TenantID
	if tenant == "" {
		tenant = s.tenantID
	}

	d, err := s.gov.EvaluateGate(ctx, s.agent, server.EvaluateRequest{
		Gate: gate,
		Context: model.ActionContext{
			TenantID:        tenant,
			WorkflowID:      input.WorkflowID,
			CapabilityID:    input.CapabilityID,
			ConnectorID:     input.ConnectorID,
			Environment:     input.Environment,
			Production:      input.Production,
			SensitiveData:   input.SensitiveData,
			ReadOnly:        input.ReadOnly,
			AffectedUsers:   input.AffectedUsers,
			ChangeRequestID: input.ChangeRequestID,
			Extra:           input.Extra,
		},
	})
	if err != nil {
		return nil, EvaluateOutput{}, err
	}

	out := EvaluateOutput{
		Allowed:   d.Allowed,
		Reason:    d.Reason,
		Kind:      string(d.Kind),
		Checks:    d.ChecksEvaluated,
		PolicyID:  d.PolicyID,
		ReviewKey: d.ReviewKey,
		EventID:   d.EventID,
	}
	if !d.Allowed {
		return &mcpsdk.CallToolResult{IsError: true}, out, nil
	}
	return nil, out, nil
}

func (s *Server) handleChangeStatus(ctx context.Context, req *mcpsdk.CallToolRequest, input ChangeStatusInput) (*mcpsdk.CallToolResult, ChangeStatusOutput, error) {
	if input.Change == "" {
		return nil, ChangeStatusOutput{}, fmt.Errorf("change id or key is required")
	}
	r, err := s.gov.GetChange(ctx, s.agent, server.ChangeRef{Change: input.Change})
	if err != nil {
		return nil, ChangeStatusOutput{}, err
	}
	return nil, ChangeStatusOutput{
		ID:                r.ID,
		Key:               r.Key,
		Title:             r.Title,
		Status:            string(r.Status),
		Risk:              string(r.Risk),
		Score:             r.Score,
		Approvals:         len(r.Approvals),
		RequiredApprovals: r.RequiredApprovals,
		NeedsCompliance:   r.RequiresCompliance,
		FailureReason:     r.FailureReason,
		RejectionReason:   r.RejectionReason,
	}, nil
}

func (s *Server) handleVerifyLedger(ctx context.Context, req *mcpsdk.CallToolRequest, input VerifyInput) (*mcpsdk.CallToolResult, VerifyOutput, error) {
	res, err := s.gov.VerifyLedger(ctx, s.agent, server.VerifyLedgerRequest{From: input.From, To: input.To})
	if err != nil {
		return nil, VerifyOutput{}, err
	}
	out := VerifyOutput{
		Valid:     res.Valid,
		Checked:   res.Checked,
		BrokenAt:  res.BrokenAt,
		BrokenSeq: res.BrokenSeq,
		Error:     res.Error,
	}
	if !res.Valid {
		return &mcpsdk.CallToolResult{IsError: true}, out, nil
	}
	return nil, out, nil
}
