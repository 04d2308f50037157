package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/srand/buildmaster/pkg/log"
	"github.com/srand/buildmaster/pkg/worker"
)

var rootCmd = &cobra.Command{
	Use:   "buildworker",
	Short: "Continuous integration build worker",
	Run: func(cmd *cobra.Command, args []string) {
		verbosity, err := cmd.Flags().GetCount("verbose")
		if err != nil {
			log.Fatal(err)
		}
		switch {
		case verbosity >= 2:
			log.SetLevel(log.TraceLevel)
		case verbosity >= 1:
			log.SetLevel(log.DebugLevel)
		}

		// Load worker configuration from file or environment.
		workerConfig, err := LoadConfig()
		if err != nil {
			log.Fatal(err)
		}
		workerConfig.Log()

		client, conn, err := worker.NewWorkerClient(workerConfig)
		if err != nil {
			log.Fatal(err)
		}
		defer conn.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		agent := worker.NewAgent(workerConfig, client, worker.DefaultHandlers(workerConfig))
		if err := agent.Run(ctx); err != nil {
			log.Fatal(err)
		}
	},
}

func main() {
	hostname, _ := os.Hostname()

	rootCmd.Flags().StringP("name", "n", hostname, "Worker name")
	rootCmd.Flags().StringP("master-uri", "m", "tcp://buildmaster:9090", "Build master gRPC URI")
	rootCmd.Flags().StringSliceP("builder", "b", []string{}, "Builder served by the worker (repeatable)")
	rootCmd.Flags().IntP("max-builds", "j", 1, "Maximum number of simultaneous builds")
	rootCmd.Flags().StringSliceP("property", "p", []string{}, "Platform property, key=value (repeatable)")
	rootCmd.Flags().StringP("build-dir", "d", "build", "Directory steps run in")
	rootCmd.Flags().CountP("verbose", "v", "Verbosity (repeatable)")

	viper.BindPFlag("name", rootCmd.Flags().Lookup("name"))
	viper.BindPFlag("master_grpc_uri", rootCmd.Flags().Lookup("master-uri"))
	viper.BindPFlag("builders", rootCmd.Flags().Lookup("builder"))
	viper.BindPFlag("max_builds", rootCmd.Flags().Lookup("max-builds"))
	viper.BindPFlag("properties", rootCmd.Flags().Lookup("property"))
	viper.BindPFlag("build_dir", rootCmd.Flags().Lookup("build-dir"))
	viper.SetEnvPrefix("buildmaster")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetConfigName("buildworker.yaml")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("/etc/buildmaster/")
	viper.AddConfigPath("$HOME/.config/buildmaster")
	viper.AddConfigPath(".")
	viper.ReadInConfig()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
