package main

import (
	"fmt"
	"time"

	"github.com/srand/buildmaster/pkg/events"
	"github.com/srand/buildmaster/pkg/log"
	"github.com/srand/buildmaster/pkg/queue"
	"github.com/srand/buildmaster/pkg/scheduler"
	"github.com/srand/buildmaster/pkg/utils"
)

type Config struct {
	Grpc utils.GRPCOptions `mapstructure:"grpc"`

	// Addresses to listen on for gRPC.
	ListenGrpc []string `mapstructure:"listen_grpc"`
	// Addresses to listen on for HTTP.
	ListenHttp []string `mapstructure:"listen_http"`
	// LogStash configuration.
	LogStash LogStashConfig `mapstructure:"logstash"`
	// Build request queue storage.
	Queue queue.StoreConfig `mapstructure:"queue"`
	// Time a claim stays valid without renewal.
	LeaseTimeout time.Duration `mapstructure:"lease_timeout"`
	// Period of the sweep that retries stalled builders and expired leases.
	SweepPeriod time.Duration `mapstructure:"sweep_period"`
	// Interval between liveness probes of connected workers.
	WorkerKeepalive time.Duration `mapstructure:"worker_keepalive"`
	// Event publication.
	Events events.Config `mapstructure:"events"`
	// Write trace spans to stderr.
	Tracing bool `mapstructure:"tracing"`
	// Builders and locks.
	Scheduler scheduler.Config `mapstructure:"scheduler"`
}

// Checks the configuration and fills in defaults.
func (c *Config) Validate() error {
	if len(c.ListenGrpc) == 0 {
		return fmt.Errorf("%w: no gRPC listen address", utils.ErrConfig)
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if err := c.Queue.Validate(); err != nil {
		return err
	}

	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = queue.DefaultLeaseTimeout
	}
	if c.SweepPeriod <= 0 {
		c.SweepPeriod = scheduler.DefaultSweepPeriod
	}
	if c.SweepPeriod >= c.LeaseTimeout {
		return fmt.Errorf("%w: sweep_period must be shorter than lease_timeout", utils.ErrConfig)
	}
	if c.WorkerKeepalive <= 0 {
		c.WorkerKeepalive = scheduler.DefaultKeepalive
	}

	if err := c.LogStash.Validate(); err != nil {
		return err
	}
	if err := c.Events.Validate(); err != nil {
		return err
	}
	return c.Scheduler.Validate()
}

func (c *Config) Log() {
	log.Info("Build master configuration:")
	log.Infof("  gRPC listen addresses: %v", c.ListenGrpc)
	log.Infof("  HTTP listen addresses: %v", c.ListenHttp)
	log.Infof("  Queue driver: %s", c.Queue.Driver)
	log.Infof("  Lease timeout: %s", c.LeaseTimeout)
	log.Infof("  Sweep period: %s", c.SweepPeriod)
	log.Infof("  Worker keepalive: %s", c.WorkerKeepalive)
	log.Infof("  Tracing: %v", c.Tracing)
	c.LogStash.LogValues()
	c.Events.Log()
	c.Grpc.Log()
	c.Scheduler.Log()
}
