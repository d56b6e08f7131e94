package codec

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/danielpatrickdp/reflexcore/internal/action"
	"github.com/danielpatrickdp/reflexcore/internal/executor"
	"github.com/danielpatrickdp/reflexcore/internal/state"
)

// #region mock
type mockInvoker struct {
	method string
	args   *structpb.Struct
	resp   *structpb.Struct
	err    error
}

func (m *mockInvoker) Invoke(_ context.Context, method string, args, reply any, _ ...grpc.CallOption) error {
	m.method = method
	m.args = args.(*structpb.Struct)
	if m.err != nil {
		return m.err
	}
	proto.Merge(reply.(*structpb.Struct), m.resp)
	return nil
}

func sampleRequest() executor.Request {
	return executor.Request{
		Receipt: 42,
		Goal:    "warm",
		State:   state.MustFromFloats(state.FlagGoal, 0.5, -1, 0, 0, 0, 0, 0, 2.25),
		Action: action.Spec{
			ID:     7,
			Name:   "heat",
			Kind:   "thermal",
			Params: map[string]float64{"watts": 300},
		},
	}
}

func await(t *testing.T, ch <-chan executor.Outcome) executor.Outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("no outcome")
		return executor.Outcome{}
	}
}

// #endregion mock

// #region constructor-tests
func TestNewRemoteExecutorLazyDial(t *testing.T) {
	r, err := NewRemoteExecutor("localhost:0", time.Second)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	err = r.Execute(context.Background(), sampleRequest(), func(executor.Outcome) {})
	assert.ErrorIs(t, err, executor.ErrClosed)
}

// #endregion constructor-tests

// #region execute-tests
func TestExecuteSuccess(t *testing.T) {
	mock := &mockInvoker{resp: EncodeOutcome(executor.Outcome{Success: true, Reward: 0.8, Detail: "ok"})}
	r := NewRemoteExecutorWithInvoker(mock, time.Second)

	ch := make(chan executor.Outcome, 1)
	require.NoError(t, r.Execute(context.Background(), sampleRequest(), func(o executor.Outcome) { ch <- o }))
	out := await(t, ch)

	assert.Equal(t, executor.Outcome{Success: true, Reward: 0.8, Detail: "ok"}, out)
	assert.Equal(t, "/reflexcore.v1.Executor/Execute", mock.method)
	assert.Equal(t, "heat", mock.args.GetFields()["action"].GetStringValue())
	assert.Equal(t, 300.0, mock.args.GetFields()["params"].GetStructValue().GetFields()["watts"].GetNumberValue())
}

func TestExecuteTransportError(t *testing.T) {
	mock := &mockInvoker{err: errors.New("connection refused")}
	r := NewRemoteExecutorWithInvoker(mock, 0)

	ch := make(chan executor.Outcome, 1)
	require.NoError(t, r.Execute(context.Background(), sampleRequest(), func(o executor.Outcome) { ch <- o }))
	out := await(t, ch)
	assert.False(t, out.Success)
	assert.Contains(t, out.Detail, "connection refused")
}

func TestRequestRoundTrip(t *testing.T) {
	in := sampleRequest()
	msg, err := EncodeRequest(in)
	require.NoError(t, err)
	got, err := DecodeRequest(msg)
	require.NoError(t, err)
	assert.Equal(t, in, got)
}

func TestDecodeRequestBadState(t *testing.T) {
	msg, err := structpb.NewStruct(map[string]any{"state": []any{1.0, 2.0}})
	require.NoError(t, err)
	_, err = DecodeRequest(msg)
	assert.ErrorIs(t, err, state.ErrDimension)
}

// #endregion execute-tests

// #region server-tests
func TestServerRoundTrip(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	var seen executor.Request
	RegisterExecutorServer(srv, executor.Func(func(_ context.Context, req executor.Request) (executor.Outcome, error) {
		seen = req
		return executor.Outcome{Success: true, Reward: req.State.Float(0)}, nil
	}))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	r := NewRemoteExecutorWithInvoker(conn, 5*time.Second)
	ch := make(chan executor.Outcome, 1)
	require.NoError(t, r.Execute(context.Background(), sampleRequest(), func(o executor.Outcome) { ch <- o }))
	out := await(t, ch)

	assert.True(t, out.Success)
	assert.Equal(t, 0.5, out.Reward)
	assert.Equal(t, uint64(42), seen.Receipt)
	assert.Equal(t, "thermal", seen.Action.Kind)
}

func TestServerRejectsUnroutable(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterExecutorServer(srv, executor.NewRegistry())
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	r := NewRemoteExecutorWithInvoker(conn, 5*time.Second)
	ch := make(chan executor.Outcome, 1)
	require.NoError(t, r.Execute(context.Background(), sampleRequest(), func(o executor.Outcome) { ch <- o }))
	out := await(t, ch)
	assert.False(t, out.Success)
	assert.Contains(t, out.Detail, "FailedPrecondition")
}

// #endregion server-tests
