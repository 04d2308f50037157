package main

import (
	"log"

	"github.com/spf13/cobra"
	"github.com/srand/buildmaster/pkg/protocol"
)

var rescheduleCmd = &cobra.Command{
	Use:   "reschedule",
	Short: "Trigger a dispatch pass",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := DefaultDeadlineContext()
		defer cancel()

		if _, err := NewAdminClient().Reschedule(ctx, &protocol.Empty{}); err != nil {
			log.Fatal(err)
		}
	},
}

func init() {
	rootCmd.AddCommand(rescheduleCmd)
}
