package main

import (
	"fmt"
	"log"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/srand/buildmaster/pkg/protocol"
)

var requestCmd = &cobra.Command{
	Use:   "request",
	Short: "Commands to manipulate build requests",
}

var requestCancelCmd = &cobra.Command{
	Use:   "cancel [id]",
	Short: "Cancel a build request and any build running it",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := DefaultDeadlineContext()
		defer cancel()

		client := NewAdminClient()

		for _, arg := range args {
			id, err := strconv.ParseInt(arg, 10, 64)
			if err != nil {
				log.Fatalf("invalid request id: %s", arg)
			}

			response, err := client.CancelRequest(ctx, &protocol.CancelRequestRequest{RequestID: id})
			if err != nil {
				log.Fatal(err)
			}

			fmt.Println(id, resultString(response.Result))
		}
	},
}

func init() {
	requestCmd.AddCommand(requestCancelCmd)
	rootCmd.AddCommand(requestCmd)
}
