package protocol

import (
	"context"

	"google.golang.org/grpc"
)

// Server API for the worker service.
type WorkerServer interface {
	// Long lived stream over which a worker enlists, receives commands
	// and reports their status.
	Connect(WorkerConnectServer) error
}

type WorkerConnectServer interface {
	Send(*MasterMessage) error
	Recv() (*WorkerMessage, error)
	grpc.ServerStream
}

type workerConnectServer struct {
	grpc.ServerStream
}

func (x *workerConnectServer) Send(m *MasterMessage) error {
	return x.ServerStream.SendMsg(m)
}

func (x *workerConnectServer) Recv() (*WorkerMessage, error) {
	m := new(WorkerMessage)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func workerConnectHandler(srv any, stream grpc.ServerStream) error {
	return srv.(WorkerServer).Connect(&workerConnectServer{stream})
}

var WorkerServiceDesc = grpc.ServiceDesc{
	ServiceName: "buildmaster.Worker",
	HandlerType: (*WorkerServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       workerConnectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "pkg/protocol/service_worker.go",
}

func RegisterWorkerServer(s grpc.ServiceRegistrar, srv WorkerServer) {
	s.RegisterService(&WorkerServiceDesc, srv)
}

// Client API for the worker service.
type WorkerClient interface {
	Connect(ctx context.Context, opts ...grpc.CallOption) (WorkerConnectClient, error)
}

type WorkerConnectClient interface {
	Send(*WorkerMessage) error
	Recv() (*MasterMessage, error)
	grpc.ClientStream
}

type workerClient struct {
	cc grpc.ClientConnInterface
}

func NewWorkerClient(cc grpc.ClientConnInterface) WorkerClient {
	return &workerClient{cc}
}

func (c *workerClient) Connect(ctx context.Context, opts ...grpc.CallOption) (WorkerConnectClient, error) {
	stream, err := c.cc.NewStream(ctx, &WorkerServiceDesc.Streams[0], "/buildmaster.Worker/Connect", opts...)
	if err != nil {
		return nil, err
	}
	return &workerConnectClient{stream}, nil
}

type workerConnectClient struct {
	grpc.ClientStream
}

func (x *workerConnectClient) Send(m *WorkerMessage) error {
	return x.ClientStream.SendMsg(m)
}

func (x *workerConnectClient) Recv() (*MasterMessage, error) {
	m := new(MasterMessage)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
