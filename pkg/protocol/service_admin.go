package protocol

import (
	"context"

	"google.golang.org/grpc"
)

type Empty struct{}

// Server API for the administration service.
type AdministrationServer interface {
	Submit(context.Context, *SubmitRequest) (*SubmitResponse, error)
	CancelBuild(context.Context, *CancelBuildRequest) (*CancelResponse, error)
	CancelRequest(context.Context, *CancelRequestRequest) (*CancelResponse, error)
	PauseWorker(context.Context, *WorkerRequest) (*WorkerResponse, error)
	ResumeWorker(context.Context, *WorkerRequest) (*WorkerResponse, error)
	ShutdownWorker(context.Context, *WorkerRequest) (*WorkerResponse, error)
	ListBuilds(context.Context, *ListBuildsRequest) (*ListBuildsResponse, error)
	ListWorkers(context.Context, *ListWorkersRequest) (*ListWorkersResponse, error)
	Reschedule(context.Context, *Empty) (*Empty, error)
}

const adminServiceName = "buildmaster.Administration"

// Builds a unary method handler that decodes Req and dispatches to call.
func adminHandler[Req, Resp any](method string, call func(AdministrationServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(AdministrationServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + adminServiceName + "/" + method,
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(AdministrationServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var AdministrationServiceDesc = grpc.ServiceDesc{
	ServiceName: adminServiceName,
	HandlerType: (*AdministrationServer)(nil),
	Methods: []grpc.MethodDesc{
		adminHandler("Submit", AdministrationServer.Submit),
		adminHandler("CancelBuild", AdministrationServer.CancelBuild),
		adminHandler("CancelRequest", AdministrationServer.CancelRequest),
		adminHandler("PauseWorker", AdministrationServer.PauseWorker),
		adminHandler("ResumeWorker", AdministrationServer.ResumeWorker),
		adminHandler("ShutdownWorker", AdministrationServer.ShutdownWorker),
		adminHandler("ListBuilds", AdministrationServer.ListBuilds),
		adminHandler("ListWorkers", AdministrationServer.ListWorkers),
		adminHandler("Reschedule", AdministrationServer.Reschedule),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pkg/protocol/service_admin.go",
}

func RegisterAdministrationServer(s grpc.ServiceRegistrar, srv AdministrationServer) {
	s.RegisterService(&AdministrationServiceDesc, srv)
}

// Client API for the administration service.
type AdministrationClient struct {
	cc grpc.ClientConnInterface
}

func NewAdministrationClient(cc grpc.ClientConnInterface) *AdministrationClient {
	return &AdministrationClient{cc}
}

func adminInvoke[Resp any](ctx context.Context, c *AdministrationClient, method string, in any, opts ...grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	if err := c.cc.Invoke(ctx, "/"+adminServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *AdministrationClient) Submit(ctx context.Context, in *SubmitRequest, opts ...grpc.CallOption) (*SubmitResponse, error) {
	return adminInvoke[SubmitResponse](ctx, c, "Submit", in, opts...)
}

func (c *AdministrationClient) CancelBuild(ctx context.Context, in *CancelBuildRequest, opts ...grpc.CallOption) (*CancelResponse, error) {
	return adminInvoke[CancelResponse](ctx, c, "CancelBuild", in, opts...)
}

func (c *AdministrationClient) CancelRequest(ctx context.Context, in *CancelRequestRequest, opts ...grpc.CallOption) (*CancelResponse, error) {
	return adminInvoke[CancelResponse](ctx, c, "CancelRequest", in, opts...)
}

func (c *AdministrationClient) PauseWorker(ctx context.Context, in *WorkerRequest, opts ...grpc.CallOption) (*WorkerResponse, error) {
	return adminInvoke[WorkerResponse](ctx, c, "PauseWorker", in, opts...)
}

func (c *AdministrationClient) ResumeWorker(ctx context.Context, in *WorkerRequest, opts ...grpc.CallOption) (*WorkerResponse, error) {
	return adminInvoke[WorkerResponse](ctx, c, "ResumeWorker", in, opts...)
}

func (c *AdministrationClient) ShutdownWorker(ctx context.Context, in *WorkerRequest, opts ...grpc.CallOption) (*WorkerResponse, error) {
	return adminInvoke[WorkerResponse](ctx, c, "ShutdownWorker", in, opts...)
}

func (c *AdministrationClient) ListBuilds(ctx context.Context, in *ListBuildsRequest, opts ...grpc.CallOption) (*ListBuildsResponse, error) {
	return adminInvoke[ListBuildsResponse](ctx, c, "ListBuilds", in, opts...)
}

func (c *AdministrationClient) ListWorkers(ctx context.Context, in *ListWorkersRequest, opts ...grpc.CallOption) (*ListWorkersResponse, error) {
	return adminInvoke[ListWorkersResponse](ctx, c, "ListWorkers", in, opts...)
}

func (c *AdministrationClient) Reschedule(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*Empty, error) {
	return adminInvoke[Empty](ctx, c, "Reschedule", in, opts...)
}
