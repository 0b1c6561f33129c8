package coordpb

import (
	"context"

	"google.golang.org/grpc"
)

// CoordinatorServiceServer is the RPC surface a Master's coordinator
// exposes to Workers. Shaped like the interface protoc-gen-go-grpc would
// generate from a coordinator.proto service definition.
type CoordinatorServiceServer interface {
	Poll(context.Context, *PollRequest) (*PollResponse, error)
	Dispatch(context.Context, *DispatchRequest) (*DispatchResponse, error)
	Report(context.Context, *ReportRequest) (*ReportResponse, error)
	Heartbeat(context.Context, *HeartbeatRequest) (*HeartbeatResponse, error)
	GetWorkers(context.Context, *GetWorkersRequest) (*GetWorkersResponse, error)
}

// CoordinatorServiceClient is the client stub a Worker or a peer Master
// coordinator dials to reach CoordinatorServiceServer.
type CoordinatorServiceClient interface {
	Poll(ctx context.Context, in *PollRequest, opts ...grpc.CallOption) (*PollResponse, error)
	Dispatch(ctx context.Context, in *DispatchRequest, opts ...grpc.CallOption) (*DispatchResponse, error)
	Report(ctx context.Context, in *ReportRequest, opts ...grpc.CallOption) (*ReportResponse, error)
	Heartbeat(ctx context.Context, in *HeartbeatRequest, opts ...grpc.CallOption) (*HeartbeatResponse, error)
	GetWorkers(ctx context.Context, in *GetWorkersRequest, opts ...grpc.CallOption) (*GetWorkersResponse, error)
}

const serviceName = "coordpb.CoordinatorService"

type coordinatorServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewCoordinatorServiceClient wraps a ClientConn that was dialed with
// grpc.WithDefaultCallOptions(grpc.CallContentSubtype(coordpb.Name)).
func NewCoordinatorServiceClient(cc grpc.ClientConnInterface) CoordinatorServiceClient {
	return &coordinatorServiceClient{cc: cc}
}

func (c *coordinatorServiceClient) Poll(ctx context.Context, in *PollRequest, opts ...grpc.CallOption) (*PollResponse, error) {
	out := new(PollResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Poll", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *coordinatorServiceClient) Dispatch(ctx context.Context, in *DispatchRequest, opts ...grpc.CallOption) (*DispatchResponse, error) {
	out := new(DispatchResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Dispatch", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *coordinatorServiceClient) Report(ctx context.Context, in *ReportRequest, opts ...grpc.CallOption) (*ReportResponse, error) {
	out := new(ReportResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Report", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *coordinatorServiceClient) Heartbeat(ctx context.Context, in *HeartbeatRequest, opts ...grpc.CallOption) (*HeartbeatResponse, error) {
	out := new(HeartbeatResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Heartbeat", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *coordinatorServiceClient) GetWorkers(ctx context.Context, in *GetWorkersRequest, opts ...grpc.CallOption) (*GetWorkersResponse, error) {
	out := new(GetWorkersResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/GetWorkers", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// RegisterCoordinatorServiceServer registers srv on s, mirroring the
// pattern protoc-gen-go-grpc emits for a generated _ServiceDesc.
func RegisterCoordinatorServiceServer(s grpc.ServiceRegistrar, srv CoordinatorServiceServer) {
	s.RegisterService(&coordinatorServiceDesc, srv)
}

func pollHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(PollRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CoordinatorServiceServer).Poll(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Poll"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CoordinatorServiceServer).Poll(ctx, req.(*PollRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func dispatchHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(DispatchRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CoordinatorServiceServer).Dispatch(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Dispatch"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CoordinatorServiceServer).Dispatch(ctx, req.(*DispatchRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func reportHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ReportRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CoordinatorServiceServer).Report(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Report"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CoordinatorServiceServer).Report(ctx, req.(*ReportRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func heartbeatHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(HeartbeatRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CoordinatorServiceServer).Heartbeat(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Heartbeat"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CoordinatorServiceServer).Heartbeat(ctx, req.(*HeartbeatRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getWorkersHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetWorkersRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CoordinatorServiceServer).GetWorkers(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/GetWorkers"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CoordinatorServiceServer).GetWorkers(ctx, req.(*GetWorkersRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var coordinatorServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*CoordinatorServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Poll", Handler: pollHandler},
		{MethodName: "Dispatch", Handler: dispatchHandler},
		{MethodName: "Report", Handler: reportHandler},
		{MethodName: "Heartbeat", Handler: heartbeatHandler},
		{MethodName: "GetWorkers", Handler: getWorkersHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "coordpb/coordinator.proto",
}
