package client

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ppiankov/govgate/internal/breakglass"
	"github.com/ppiankov/govgate/internal/change"
	"github.com/ppiankov/govgate/internal/enforce"
	"github.com/ppiankov/govgate/internal/killswitch"
	"github.com/ppiankov/govgate/internal/ledger"
	"github.com/ppiankov/govgate/internal/model"
	"github.com/ppiankov/govgate/internal/server"
)

// DefaultTimeout bounds each RPC when the caller's context has no deadline.
const DefaultTimeout = 5 * time.Second

// Client connects to a govgate gRPC server.
type Client struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

var _ server.Governance = (*Client)(nil)

// New creates a gRPC client for addr. The connection is established lazily;
// EvaluateGate fails closed when it cannot be reached.
func New(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to governance server: %w", err)
	}
	return &Client{conn: conn, timeout: DefaultTimeout}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func invoke[Resp any](c *Client, ctx context.Context, actor model.Actor, method string, req any) (Resp, error) {
	var out Resp
	in, err := server.ToStruct(req)
	if err != nil {
		return out, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	if actor.ID != "" {
		ctx = server.AppendActor(ctx, actor)
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, server.FullMethod(method), in, resp); err != nil {
		return out, server.FromStatus(err)
	}
	if err := server.FromStruct(resp, &out); err != nil {
		return out, fmt.Errorf("client: %s: %w", method, err)
	}
	return out, nil
}

// EvaluateGate asks the server for a decision.
// Fail-closed: transport failures return a deny, never an error.
func (c *Client) EvaluateGate(ctx context.Context, actor model.Actor, req server.EvaluateRequest) (enforce.Decision, error) {
	d, err := invoke[enforce.Decision](c, ctx, actor, server.MethodEvaluateGate, req)
	if err == nil {
		return d, nil
	}
	if model.IsValidation(err) {
		return enforce.Decision{Gate: req.Gate, Kind: model.DenyValidation, Reason: err.Error()}, nil
	}
	return enforce.Decision{
		Allowed: false,
		Gate:    req.Gate,
		Kind:    model.DenyInternal,
		Reason:  fmt.Sprintf("governance server unavailable: %v", err),
	}, nil
}

func (c *Client) CreateChange(ctx context.Context, actor model.Actor, d change.Draft) (*change.Request, error) {
	return invoke[*change.Request](c, ctx, actor, server.MethodCreateChange, d)
}

func (c *Client) ApproveChange(ctx context.Context, actor model.Actor, req server.ApproveRequest) (*change.Request, error) {
	return invoke[*change.Request](c, ctx, actor, server.MethodApproveChange, req)
}

func (c *Client) RejectChange(ctx context.Context, actor model.Actor, req server.RejectRequest) (*change.Request, error) {
	return invoke[*change.Request](c, ctx, actor, server.MethodRejectChange, req)
}

func (c *Client) ResubmitChange(ctx context.Context, actor model.Actor, ref server.ChangeRef) (*change.Request, error) {
	return invoke[*change.Request](c, ctx, actor, server.MethodResubmitChange, ref)
}

func (c *Client) ExecuteChange(ctx context.Context, actor model.Actor, ref server.ChangeRef) (server.ExecuteResponse, error) {
	return invoke[server.ExecuteResponse](c, ctx, actor, server.MethodExecuteChange, ref)
}

func (c *Client) GetChange(ctx context.Context, actor model.Actor, ref server.ChangeRef) (*change.Request, error) {
	return invoke[*change.Request](c, ctx, actor, server.MethodGetChange, ref)
}

func (c *Client) ActivateKillSwitch(ctx context.Context, actor model.Actor, req server.ActivateKillSwitchRequest) (*killswitch.Switch, error) {
	return invoke[*killswitch.Switch](c, ctx, actor, server.MethodActivateKillSwitch, req)
}

func (c *Client) DeactivateKillSwitch(ctx context.Context, actor model.Actor, req server.DeactivateKillSwitchRequest) (*killswitch.Switch, error) {
	return invoke[*killswitch.Switch](c, ctx, actor, server.MethodDeactivateKillSwitch, req)
}

func (c *Client) GrantBreakGlass(ctx context.Context, actor model.Actor, req server.GrantBreakGlassRequest) (*breakglass.Grant, error) {
	return invoke[*breakglass.Grant](c, ctx, actor, server.MethodGrantBreakGlass, req)
}

func (c *Client) RevokeBreakGlass(ctx context.Context, actor model.Actor, req server.RevokeBreakGlassRequest) (*breakglass.Grant, error) {
	return invoke[*breakglass.Grant](c, ctx, actor, server.MethodRevokeBreakGlass, req)
}

func (c *Client) VerifyLedger(ctx context.Context, actor model.Actor, req server.VerifyLedgerRequest) (ledger.VerifyResult, error) {
	return invoke[ledger.VerifyResult](c, ctx, actor, server.MethodVerifyLedger, req)
}
