package codec

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/danielpatrickdp/reflexcore/internal/executor"
)

// #region server
type executorServer struct {
	exec executor.Executor
}

func (s *executorServer) execute(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := DecodeRequest(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	ch := make(chan executor.Outcome, 1)
	if err := s.exec.Execute(ctx, req, func(o executor.Outcome) { ch <- o }); err != nil {
		return nil, status.Error(codes.FailedPrecondition, err.Error())
	}
	select {
	case out := <-ch:
		return EncodeOutcome(out), nil
	case <-ctx.Done():
		return nil, status.FromContextError(ctx.Err()).Err()
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "Execute",
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(*executorServer)
			if interceptor == nil {
				return s.execute(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ExecuteMethod}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return s.execute(ctx, req.(*structpb.Struct))
			})
		},
	}},
}

// RegisterExecutorServer serves exec on s, so a Go process can act as an
// executor sidecar.
func RegisterExecutorServer(s *grpc.Server, exec executor.Executor) {
	s.RegisterService(&serviceDesc, &executorServer{exec: exec})
}

// #endregion server
