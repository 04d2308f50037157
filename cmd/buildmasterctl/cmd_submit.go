package main

import (
	"fmt"
	"log"
	"strings"

	"github.com/spf13/cobra"
	"github.com/srand/buildmaster/pkg/protocol"
)

var submitCmd = &cobra.Command{
	Use:   "submit [builder...]",
	Short: "Submit a buildset",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		reason, _ := cmd.Flags().GetString("reason")
		priority, _ := cmd.Flags().GetInt("priority")
		stamps, _ := cmd.Flags().GetStringArray("sourcestamp")
		props, _ := cmd.Flags().GetStringArray("property")

		request := &protocol.SubmitRequest{
			Reason:     reason,
			Builders:   args,
			Priority:   priority,
			Properties: map[string]string{},
		}

		for _, stamp := range stamps {
			spec, err := parseSourceStamp(stamp)
			if err != nil {
				log.Fatal(err)
			}
			request.SourceStamps = append(request.SourceStamps, spec)
		}

		for _, prop := range props {
			key, value, ok := strings.Cut(prop, "=")
			if !ok {
				log.Fatalf("invalid property: %s", prop)
			}
			request.Properties[key] = value
		}

		ctx, cancel := DefaultDeadlineContext()
		defer cancel()

		response, err := NewAdminClient().Submit(ctx, request)
		if err != nil {
			log.Fatal(err)
		}

		fmt.Printf("buildset %d: requests %v\n", response.BuildSetID, response.RequestIDs)
	},
}

// Parses codebase:repository@branch#revision.
func parseSourceStamp(value string) (protocol.SourceStampSpec, error) {
	spec := protocol.SourceStampSpec{}

	codebase, rest, ok := strings.Cut(value, ":")
	if !ok {
		return spec, fmt.Errorf("invalid source stamp %q, expected codebase:repository@branch#revision", value)
	}
	spec.Codebase = codebase

	rest, spec.Revision, _ = strings.Cut(rest, "#")
	spec.Repository, spec.Branch, _ = strings.Cut(rest, "@")

	if spec.Repository == "" {
		return spec, fmt.Errorf("invalid source stamp %q: no repository", value)
	}
	return spec, nil
}

func init() {
	submitCmd.Flags().StringP("reason", "r", "manual", "Reason for the buildset")
	submitCmd.Flags().IntP("priority", "p", 0, "Priority of the requests")
	submitCmd.Flags().StringArrayP("sourcestamp", "s", []string{}, "Source stamp, codebase:repository@branch#revision (repeatable)")
	submitCmd.Flags().StringArray("property", []string{}, "Build property, key=value (repeatable)")
	rootCmd.AddCommand(submitCmd)
}
