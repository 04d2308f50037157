package main

import (
	"context"
	"log"
	"time"

	"github.com/srand/buildmaster/pkg/protocol"
	"github.com/srand/buildmaster/pkg/utils"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func NewMasterConn() *grpc.ClientConn {
	grpcHost, err := utils.ParseGrpcUrl(configData.MasterUri)
	if err != nil {
		log.Fatal(err)
	}

	opts := append(protocol.DialOptions(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	opts = append(opts, configData.Grpc.ToDialOptions()...)

	conn, err := grpc.NewClient(grpcHost, opts...)
	if err != nil {
		log.Fatal(err)
	}

	return conn
}

func NewAdminClient() *protocol.AdministrationClient {
	return protocol.NewAdministrationClient(NewMasterConn())
}

func DefaultDeadlineContext() (context.Context, func()) {
	return context.WithDeadline(context.Background(), time.Now().Add(time.Second*30))
}
