package main

import (
	"fmt"
	"log"
	"sort"

	"github.com/spf13/cobra"
	"github.com/srand/buildmaster/pkg/protocol"
)

var buildListCmd = &cobra.Command{
	Use:   "ls",
	Short: "List builds",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := DefaultDeadlineContext()
		defer cancel()

		finished, _ := cmd.Flags().GetBool("all")

		client := NewAdminClient()
		response, err := client.ListBuilds(ctx, &protocol.ListBuildsRequest{Finished: finished})
		if err != nil {
			log.Fatal(err)
		}

		sort.Slice(response.Builds, func(i, j int) bool {
			return response.Builds[i].CreatedAt.Before(response.Builds[j].CreatedAt)
		})

		for index, build := range response.Builds {
			fmt.Printf("%d: %s %-10s %s request:%d worker:%s %s\n",
				index,
				build.ID,
				build.Builder,
				buildStateString(&build),
				build.RequestID,
				build.Worker,
				build.CreatedAt.Local().Format("2006-01-02T15:04:05"))

			if !cmd.Flags().Changed("steps") {
				continue
			}

			for _, step := range build.Steps {
				state := string(step.State)
				if step.State == protocol.StepDone {
					state = resultString(step.Result)
				}
				fmt.Printf("    %d.%d: %-20s %s %s\n", index, step.Index, step.Name, state, step.Summary)
			}

			fmt.Println()
		}
	},
}

func init() {
	buildListCmd.Flags().BoolP("steps", "s", false, "List steps")
	buildListCmd.Flags().BoolP("all", "a", false, "Include finished builds")
	buildCmd.AddCommand(buildListCmd)
}
