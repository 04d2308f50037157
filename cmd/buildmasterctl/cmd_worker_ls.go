package main

import (
	"fmt"
	"log"
	"sort"

	"github.com/spf13/cobra"
	"github.com/srand/buildmaster/pkg/protocol"
)

var workerListCmd = &cobra.Command{
	Use:   "ls",
	Short: "List workers",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := DefaultDeadlineContext()
		defer cancel()

		client := NewAdminClient()
		response, err := client.ListWorkers(ctx, &protocol.ListWorkersRequest{})
		if err != nil {
			log.Fatal(err)
		}

		sort.Slice(response.Workers, func(i, j int) bool {
			return response.Workers[i].Name < response.Workers[j].Name
		})

		workerCount := len(response.Workers)
		workerPad := fmt.Sprint(len(fmt.Sprint(workerCount)))

		for index, worker := range response.Workers {
			fmt.Printf("%"+workerPad+"d: %s %s %d/%d %v\n",
				index+1,
				worker.Name,
				workerStateString(worker.State),
				len(worker.Builds),
				worker.MaxBuilds,
				worker.Builders,
			)

			if !cmd.Flags().Changed("properties") {
				continue
			}

			// Print platform properties
			fmt.Println("  Properties")
			for _, prop := range worker.Properties {
				fmt.Printf("    %s: %s\n", prop.Key, prop.Value)
			}

			if len(worker.Builds) > 0 {
				fmt.Println("  Builds")
				for _, build := range worker.Builds {
					fmt.Printf("    %s\n", build)
				}
			}
			fmt.Println()
		}
	},
}

func init() {
	workerListCmd.Flags().BoolP("properties", "p", false, "List platform properties and builds")
	workerCmd.AddCommand(workerListCmd)
}
