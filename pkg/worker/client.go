package worker

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/srand/buildmaster/pkg/protocol"
	"github.com/srand/buildmaster/pkg/utils"
)

// Opens a client connection to the build master.
func NewWorkerClient(config *WorkerConfig) (protocol.WorkerClient, *grpc.ClientConn, error) {
	grpcUri, err := utils.ParseGrpcUrl(config.MasterGrpcUri)
	if err != nil {
		return nil, nil, err
	}

	opts := append(protocol.DialOptions(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	opts = append(opts, config.Grpc.ToDialOptions()...)

	conn, err := grpc.NewClient(grpcUri, opts...)
	if err != nil {
		return nil, nil, err
	}

	return protocol.NewWorkerClient(conn), conn, nil
}
