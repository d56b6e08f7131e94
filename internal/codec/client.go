// Package codec carries executor requests to out-of-process executors over
// gRPC. Messages are google.protobuf.Struct so sidecars need no generated code.
package codec

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/danielpatrickdp/reflexcore/internal/action"
	"github.com/danielpatrickdp/reflexcore/internal/executor"
	"github.com/danielpatrickdp/reflexcore/internal/state"
)

// #region types
const (
	ServiceName   = "reflexcore.v1.Executor"
	ExecuteMethod = "/" + ServiceName + "/Execute"
)

// Invoker is the unary half of grpc.ClientConnInterface.
type Invoker interface {
	Invoke(ctx context.Context, method string, args any, reply any, opts ...grpc.CallOption) error
}

// #endregion types

// #region client-struct
// RemoteExecutor runs actions on a remote executor service.
type RemoteExecutor struct {
	conn    *grpc.ClientConn
	invoker Invoker
	timeout time.Duration
	closed  atomic.Bool
}

// #endregion client-struct

// #region constructor
// NewRemoteExecutor connects to an executor sidecar. timeout bounds each call
// when the caller's context has no deadline; 0 means none.
func NewRemoteExecutor(addr string, timeout time.Duration) (*RemoteExecutor, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &RemoteExecutor{conn: conn, invoker: conn, timeout: timeout}, nil
}

// NewRemoteExecutorWithInvoker creates a RemoteExecutor over an injected invoker.
// Used for testing without a real gRPC connection.
func NewRemoteExecutorWithInvoker(inv Invoker, timeout time.Duration) *RemoteExecutor {
	return &RemoteExecutor{invoker: inv, timeout: timeout}
}

// #endregion constructor

// #region close
// Close shuts down the gRPC connection. Later calls to Execute fail with
// executor.ErrClosed.
func (r *RemoteExecutor) Close() error {
	if !r.closed.CompareAndSwap(false, true) || r.conn == nil {
		return nil
	}
	return r.conn.Close()
}

// #endregion close

// #region execute
// Execute encodes req and issues the call on its own goroutine. Transport
// errors are reported as failed outcomes.
func (r *RemoteExecutor) Execute(ctx context.Context, req executor.Request, done func(executor.Outcome)) error {
	if r.closed.Load() {
		return executor.ErrClosed
	}
	msg, err := EncodeRequest(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	go func() {
		callCtx := ctx
		if _, ok := ctx.Deadline(); !ok && r.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, r.timeout)
			defer cancel()
		}
		resp := new(structpb.Struct)
		if err := r.invoker.Invoke(callCtx, ExecuteMethod, msg, resp); err != nil {
			done(executor.Outcome{Success: false, Detail: fmt.Sprintf("execute rpc: %v", err)})
			return
		}
		done(DecodeOutcome(resp))
	}()
	return nil
}

// #endregion execute

// #region messages
// EncodeRequest converts a request into its wire struct.
func EncodeRequest(req executor.Request) (*structpb.Struct, error) {
	coords := make([]any, state.Dims)
	for i, v := range req.State.Floats() {
		coords[i] = v
	}
	params := make(map[string]any, len(req.Action.Params))
	for k, v := range req.Action.Params {
		params[k] = v
	}
	return structpb.NewStruct(map[string]any{
		"receipt":   float64(req.Receipt),
		"action_id": float64(req.Action.ID),
		"action":    req.Action.Name,
		"kind":      req.Action.Kind,
		"goal":      req.Goal,
		"flags":     float64(req.State.Flags),
		"state":     coords,
		"params":    params,
	})
}

// DecodeRequest is the inverse of EncodeRequest.
func DecodeRequest(msg *structpb.Struct) (executor.Request, error) {
	f := msg.GetFields()
	req := executor.Request{
		Receipt: uint64(f["receipt"].GetNumberValue()),
		Goal:    f["goal"].GetStringValue(),
		Action: action.Spec{
			ID:   action.ID(f["action_id"].GetNumberValue()),
			Name: f["action"].GetStringValue(),
			Kind: f["kind"].GetStringValue(),
		},
	}
	if p := f["params"].GetStructValue(); p != nil && len(p.GetFields()) > 0 {
		req.Action.Params = make(map[string]float64, len(p.GetFields()))
		for k, v := range p.GetFields() {
			req.Action.Params[k] = v.GetNumberValue()
		}
	}
	vals := f["state"].GetListValue().GetValues()
	coords := make([]float64, len(vals))
	for i, v := range vals {
		coords[i] = v.GetNumberValue()
	}
	tok, err := state.FromFloats(coords, state.Flags(f["flags"].GetNumberValue()))
	if err != nil {
		return executor.Request{}, fmt.Errorf("decode state: %w", err)
	}
	req.State = tok
	return req, nil
}

// EncodeOutcome converts an outcome into its wire struct.
func EncodeOutcome(out executor.Outcome) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"success": structpb.NewBoolValue(out.Success),
		"reward":  structpb.NewNumberValue(out.Reward),
		"detail":  structpb.NewStringValue(out.Detail),
	}}
}

// DecodeOutcome reads an outcome; missing fields take zero values.
func DecodeOutcome(msg *structpb.Struct) executor.Outcome {
	f := msg.GetFields()
	return executor.Outcome{
		Success: f["success"].GetBoolValue(),
		Reward:  f["reward"].GetNumberValue(),
		Detail:  f["detail"].GetStringValue(),
	}
}

// #endregion messages
