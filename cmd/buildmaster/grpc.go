package main

import (
	"context"
	"net"

	"github.com/srand/buildmaster/pkg/log"
	"github.com/srand/buildmaster/pkg/protocol"
	"github.com/srand/buildmaster/pkg/scheduler"
	"github.com/srand/buildmaster/pkg/utils"
	"github.com/srand/buildmaster/pkg/workers"
	"google.golang.org/grpc"
)

// Sets up a gRPC server on a specific listening address and serves
// until the context is cancelled.
func serveGrpc(ctx context.Context, dispatcher *scheduler.Dispatcher, pool *workers.Pool, address string) error {
	host, err := utils.ParseGrpcUrl(address)
	if err != nil {
		return err
	}

	socket, err := net.Listen("tcp", host)
	if err != nil {
		return err
	}

	log.Info("Listening on grpc", socket.Addr())

	server := grpc.NewServer(config.Grpc.ToServerOptions()...)
	protocol.RegisterWorkerServer(server, scheduler.NewWorkerService(pool, config.WorkerKeepalive))
	protocol.RegisterAdministrationServer(server, scheduler.NewAdminService(dispatcher, pool))

	stop := context.AfterFunc(ctx, server.Stop)
	defer stop()

	return server.Serve(socket)
}
