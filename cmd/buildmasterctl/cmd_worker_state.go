package main

import (
	"context"
	"fmt"
	"log"

	"github.com/spf13/cobra"
	"github.com/srand/buildmaster/pkg/protocol"
	"google.golang.org/grpc"
)

type workerCall func(*protocol.AdministrationClient, context.Context, *protocol.WorkerRequest, ...grpc.CallOption) (*protocol.WorkerResponse, error)

func newWorkerStateCmd(use, short string, call workerCall) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [name]",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := DefaultDeadlineContext()
			defer cancel()

			client := NewAdminClient()

			for _, arg := range args {
				response, err := call(client, ctx, &protocol.WorkerRequest{Name: arg})
				if err != nil {
					log.Fatal(err)
				}

				fmt.Println(response.Worker.Name, workerStateString(response.Worker.State))
			}
		},
	}
}

func init() {
	workerCmd.AddCommand(newWorkerStateCmd("pause", "Stop assigning builds to a worker", (*protocol.AdministrationClient).PauseWorker))
	workerCmd.AddCommand(newWorkerStateCmd("resume", "Resume assigning builds to a worker", (*protocol.AdministrationClient).ResumeWorker))
	workerCmd.AddCommand(newWorkerStateCmd("shutdown", "Shut a worker down once its builds are done", (*protocol.AdministrationClient).ShutdownWorker))
}
