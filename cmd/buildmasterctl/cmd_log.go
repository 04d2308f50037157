package main

import (
	"bufio"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var logCmd = &cobra.Command{
	Use:   "log [log-id]",
	Short: "Display step log",
	Long:  "Display the output of a build step. Log ids have the form <build-id>.<step-index>.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		uri, err := url.JoinPath(configData.MasterHttpUri, "logs", args[0])
		if err != nil {
			log.Fatal(err)
		}

		if stream, _ := cmd.Flags().GetString("stream"); stream != "" {
			uri += "?stream=" + url.QueryEscape(stream)
		}

		response, err := http.Get(uri)
		if err != nil {
			log.Fatal(err)
		}
		defer response.Body.Close()

		scanner := bufio.NewScanner(response.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)

		if response.StatusCode != http.StatusOK {
			scanner.Scan()
			log.Fatalf("%s: %s", response.Status, scanner.Text())
		}

		for scanner.Scan() {
			line := scanner.Text()
			if strings.Contains(line, "[stderr]") {
				fmt.Println(color.RedString(line))
			} else {
				fmt.Println(line)
			}
		}

		if err := scanner.Err(); err != nil {
			log.Fatal(err)
		}
	},
}

func init() {
	logCmd.Flags().StringP("stream", "s", "", "Only show lines of one stream (stdout or stderr)")
	rootCmd.AddCommand(logCmd)
}
