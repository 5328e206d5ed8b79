package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ppiankov/govgate/internal/model"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "govgate.v1.Governance"

// Metadata keys carrying the identity resolved by the front proxy.
const (
	MDActorID    = "x-actor-id"
	MDActorKind  = "x-actor-kind"
	MDActorRoles = "x-actor-roles"
)

// Method names.
const (
	MethodEvaluateGate         = "EvaluateGate"
	MethodCreateChange         = "CreateChange"
	MethodApproveChange        = "ApproveChange"
	MethodRejectChange         = "RejectChange"
	MethodResubmitChange       = "ResubmitChange"
	MethodExecuteChange        = "ExecuteChange"
	MethodGetChange            = "GetChange"
	MethodActivateKillSwitch   = "ActivateKillSwitch"
	MethodDeactivateKillSwitch = "DeactivateKillSwitch"
	MethodGrantBreakGlass      = "GrantBreakGlass"
	MethodRevokeBreakGlass     = "RevokeBreakGlass"
	MethodVerifyLedger         = "VerifyLedger"
)

// FullMethod returns the RPC path for a method name.
func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// governanceServer is the handler type registered with grpc.
type governanceServer interface {
	governance() Governance
}

func (s *Server) governance() Governance { return s.local }

// call decodes a request struct into the typed request, runs the operation
// and encodes the typed response.
type call func(ctx context.Context, g Governance, actor model.Actor, in *structpb.Struct) (any, error)

func bind[Req, Resp any](fn func(g Governance, ctx context.Context, actor model.Actor, req Req) (Resp, error)) call {
	return func(ctx context.Context, g Governance, actor model.Actor, in *structpb.Struct) (any, error) {
		var req Req
		if err := FromStruct(in, &req); err != nil {
			return nil, &model.ValidationError{Msg: err.Error()}
		}
		return fn(g, ctx, actor, req)
	}
}

var methods = map[string]call{
	MethodEvaluateGate:         bind(Governance.EvaluateGate),
	MethodCreateChange:         bind(Governance.CreateChange),
	MethodApproveChange:        bind(Governance.ApproveChange),
	MethodRejectChange:         bind(Governance.RejectChange),
	MethodResubmitChange:       bind(Governance.ResubmitChange),
	MethodExecuteChange:        bind(Governance.ExecuteChange),
	MethodGetChange:            bind(Governance.GetChange),
	MethodActivateKillSwitch:   bind(Governance.ActivateKillSwitch),
	MethodDeactivateKillSwitch: bind(Governance.DeactivateKillSwitch),
	MethodGrantBreakGlass:      bind(Governance.GrantBreakGlass),
	MethodRevokeBreakGlass:     bind(Governance.RevokeBreakGlass),
	MethodVerifyLedger:         bind(Governance.VerifyLedger),
}

// anonymous lists methods that do not need a resolved actor.
var anonymous = map[string]bool{
	MethodVerifyLedger: true,
	MethodGetChange:    true,
}

func handler(name string, c call) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			run := func(ctx context.Context, req any) (any, error) {
				actor, err := ActorFromContext(ctx)
				if err != nil && !anonymous[name] {
					return nil, toStatus(err)
				}
				out, err := c(ctx, srv.(governanceServer).governance(), actor, req.(*structpb.Struct))
				if err != nil {
					return nil, toStatus(err)
				}
				return ToStruct(out)
			}
			if interceptor == nil {
				return run(ctx, in)
			}
			return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}, run)
		},
	}
}

// serviceDesc describes the Governance service. Messages are
// google.protobuf.Struct carrying the JSON form of the typed requests.
func serviceDesc() *grpc.ServiceDesc {
	sd := &grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*governanceServer)(nil),
		Streams:     []grpc.StreamDesc{},
		Metadata:    "govgate/v1/governance",
	}
	for _, name := range []string{
		MethodEvaluateGate, MethodCreateChange, MethodApproveChange, MethodRejectChange,
		MethodResubmitChange, MethodExecuteChange, MethodGetChange, MethodActivateKillSwitch, MethodDeactivateKillSwitch,
		MethodGrantBreakGlass, MethodRevokeBreakGlass, MethodVerifyLedger,
	} {
		sd.Methods = append(sd.Methods, handler(name, methods[name]))
	}
	return sd
}

// ActorFromContext reads the resolved identity from incoming metadata.
func ActorFromContext(ctx context.Context) (model.Actor, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	get := func(k string) string {
		if v := md.Get(k); len(v) > 0 {
			return strings.TrimSpace(v[0])
		}
		return ""
	}
	actor := model.Actor{
		ID:    get(MDActorID),
		Kind:  model.ActorKind(get(MDActorKind)),
		Roles: model.ParseRoles(get(MDActorRoles)),
	}
	if actor.ID == "" {
		return actor, &model.AuthorizationError{Reason: "missing " + MDActorID + " metadata"}
	}
	if actor.Kind == "" {
		actor.Kind = model.ActorUser
	}
	if !actor.Kind.Valid() {
		return actor, &model.ValidationError{Field: MDActorKind, Msg: fmt.Sprintf("unknown actor kind %q", actor.Kind)}
	}
	return actor, nil
}

// AppendActor attaches actor metadata to an outgoing context.
func AppendActor(ctx context.Context, actor model.Actor) context.Context {
	roles := make([]string, len(actor.Roles))
	for i, r := range actor.Roles {
		roles[i] = string(r)
	}
	return metadata.AppendToOutgoingContext(ctx,
		MDActorID, actor.ID,
		MDActorKind, string(actor.Kind),
		MDActorRoles, strings.Join(roles, ","),
	)
}

// admission rejects requests beyond the server-wide rate.
func admission(lim *rate.Limiter) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		if lim != nil && !lim.Allow() {
			return nil, status.Errorf(codes.ResourceExhausted, "request rate exceeded")
		}
		return next(ctx, req)
	}
}

// toStatus maps the error taxonomy onto gRPC codes.
func toStatus(err error) error {
	var (
		ve *model.ValidationError
		ae *model.AuthorizationError
		te *model.TransitionError
		le *model.LedgerWriteError
	)
	switch {
	case errors.As(err, &ve):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.As(err, &ae):
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.Is(err, model.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.As(err, &te):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, model.ErrVersionConflict):
		return status.Error(codes.Aborted, err.Error())
	case errors.As(err, &le):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// FromStatus restores the error taxonomy from a gRPC status.
func FromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	msg := st.Message()
	switch st.Code() {
	case codes.InvalidArgument:
		return &model.ValidationError{Msg: strings.TrimPrefix(msg, "validation: ")}
	case codes.PermissionDenied:
		return &model.AuthorizationError{Reason: msg}
	case codes.NotFound:
		return fmt.Errorf("%s: %w", msg, model.ErrNotFound)
	case codes.Aborted:
		return fmt.Errorf("%s: %w", msg, model.ErrVersionConflict)
	case codes.Unavailable:
		return &model.LedgerWriteError{Err: errors.New(msg)}
	}
	return err
}

// ToStruct encodes v through its JSON form.
func ToStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("server: encode: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("server: encode: %w", err)
	}
	return structpb.NewStruct(m)
}

// FromStruct decodes s into v through its JSON form.
func FromStruct(s *structpb.Struct, v any) error {
	if s == nil {
		return nil
	}
	b, err := json.Marshal(s.AsMap())
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}
