package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/srand/buildmaster/pkg/events"
	"github.com/srand/buildmaster/pkg/locks"
	"github.com/srand/buildmaster/pkg/log"
	"github.com/srand/buildmaster/pkg/logstash"
	"github.com/srand/buildmaster/pkg/queue"
	"github.com/srand/buildmaster/pkg/scheduler"
	"github.com/srand/buildmaster/pkg/telemetry"
	"github.com/srand/buildmaster/pkg/utils"
	"github.com/srand/buildmaster/pkg/workers"
)

var config *Config

func loadConfig() (*Config, error) {
	cfg := &Config{}
	if err := utils.UnmarshalConfig(viper.GetViper(), cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var rootCmd = &cobra.Command{
	Use:   "buildmaster",
	Short: "Continuous integration build master",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		verbosity, err := cmd.Flags().GetCount("verbose")
		if err != nil {
			panic(err)
		}

		switch {
		case verbosity >= 2:
			log.SetLevel(log.TraceLevel)
		case verbosity >= 1:
			log.SetLevel(log.DebugLevel)
		}

		viper.SetEnvPrefix("buildmaster")
		viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		viper.AutomaticEnv()

		viper.SetConfigName("buildmaster.yaml")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("/etc/buildmaster/")
		viper.AddConfigPath("$HOME/.config/buildmaster")
		viper.AddConfigPath(".")

		if err := viper.ReadInConfig(); err != nil {
			log.Debug("No configuration file loaded:", err)
		}

		config, err = loadConfig()
		if err != nil {
			log.Fatal(err)
		}

		config.Log()
	},
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := run(ctx); err != nil {
			log.Fatal(err)
		}
	},
}

func run(ctx context.Context) error {
	var traceWriter io.Writer
	if config.Tracing {
		traceWriter = os.Stderr
	}
	shutdownTracer := telemetry.InitTracer("buildmaster", traceWriter)
	defer shutdownTracer(context.Background())

	store, err := queue.NewStore(ctx, &config.Queue)
	if err != nil {
		return err
	}

	q := queue.NewQueue(store, config.LeaseTimeout)
	defer q.Close()

	// Create filesystem storage for the logstash
	stashFs, err := config.LogStash.CreateFs()
	if err != nil {
		return err
	}
	stash := logstash.NewLogStash(&config.LogStash, stashFs)

	sinks := []events.Sink{}
	if config.Events.LogEvents {
		sinks = append(sinks, events.NewLogSink())
	}
	if config.Events.RedisURL != "" {
		redisSink, err := events.NewRedisSink(ctx, config.Events.RedisURL, config.Events.RedisChannel)
		if err != nil {
			return err
		}
		sinks = append(sinks, redisSink)
	}
	defer func() {
		for _, sink := range sinks {
			sink.Close()
		}
	}()

	stream := scheduler.NewEventStream()
	defer stream.Close()

	pool := workers.NewPool()
	dispatcher := scheduler.NewDispatcher(q, pool, locks.NewRegistry(), stream, stash)
	dispatcher.SetSweepPeriod(config.SweepPeriod)
	if err := dispatcher.Configure(&config.Scheduler); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if len(sinks) > 0 {
		subscription := stream.Subscribe()
		g.Go(func() error {
			events.Forward(gctx, subscription, sinks...)
			return nil
		})
	}

	for _, uri := range config.ListenGrpc {
		g.Go(func() error {
			return serveGrpc(gctx, dispatcher, pool, uri)
		})
	}

	for _, uri := range config.ListenHttp {
		g.Go(func() error {
			return serveHttp(gctx, dispatcher, stash, uri)
		})
	}

	g.Go(func() error {
		reloadOnHangup(gctx, dispatcher)
		return nil
	})

	g.Go(func() error {
		dispatcher.Run(gctx)
		return nil
	})

	return g.Wait()
}

// Installs a new scheduler configuration when SIGHUP is received.
// Invalid configurations are logged and ignored.
func reloadOnHangup(ctx context.Context, dispatcher *scheduler.Dispatcher) {
	hangup := make(chan os.Signal, 1)
	signal.Notify(hangup, syscall.SIGHUP)
	defer signal.Stop(hangup)

	for {
		select {
		case <-ctx.Done():
			return

		case <-hangup:
			if err := viper.ReadInConfig(); err != nil {
				log.Warn("Configuration reload failed:", err)
				continue
			}

			cfg, err := loadConfig()
			if err != nil {
				log.Warn("Configuration reload failed:", err)
				continue
			}

			if err := dispatcher.Configure(&cfg.Scheduler); err != nil {
				log.Warn("Configuration reload failed:", err)
				continue
			}

			log.Info("Configuration reloaded")
			cfg.Scheduler.Log()
		}
	}
}

func init() {
	rootCmd.Flags().StringSliceP("listen-http", "l", []string{"tcp://:8080"}, "Addresses to listen on for HTTP connections")
	rootCmd.Flags().StringSliceP("listen-grpc", "g", []string{"tcp://:9090"}, "Addresses to listen on for GRPC connections")
	rootCmd.Flags().String("queue-driver", "sqlite", "Queue storage driver (memory, sqlite, postgres, mongodb)")
	rootCmd.Flags().String("queue-dsn", "buildmaster.db", "Queue storage data source name")
	rootCmd.Flags().Bool("tracing", false, "Write trace spans to stderr")
	rootCmd.Flags().CountP("verbose", "v", "Verbosity (repeatable)")

	viper.BindPFlag("listen_grpc", rootCmd.Flags().Lookup("listen-grpc"))
	viper.BindPFlag("listen_http", rootCmd.Flags().Lookup("listen-http"))
	viper.BindPFlag("queue.driver", rootCmd.Flags().Lookup("queue-driver"))
	viper.BindPFlag("queue.dsn", rootCmd.Flags().Lookup("queue-dsn"))
	viper.BindPFlag("tracing", rootCmd.Flags().Lookup("tracing"))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
