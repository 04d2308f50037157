package main

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"
	"github.com/srand/buildmaster/pkg/protocol"
)

var buildCancelCmd = &cobra.Command{
	Use:   "cancel [id]",
	Short: "Cancel a build",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := DefaultDeadlineContext()
		defer cancel()

		client := NewAdminClient()

		for _, arg := range args {
			response, err := client.CancelBuild(ctx, &protocol.CancelBuildRequest{BuildID: arg})
			if err != nil {
				log.Fatal(err)
			}

			fmt.Println(arg, resultString(response.Result))
		}
	},
}

func init() {
	buildCmd.AddCommand(buildCancelCmd)
}
