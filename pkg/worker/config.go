package worker

import (
	"fmt"
	"runtime"
	"time"

	"github.com/srand/buildmaster/pkg/log"
	"github.com/srand/buildmaster/pkg/utils"
	"github.com/srand/buildmaster/pkg/workers"
)

const (
	DefaultReconnectMin = time.Second
	DefaultReconnectMax = time.Minute
	DefaultKillTimeout  = 10 * time.Second
)

type WorkerConfig struct {
	Grpc utils.GRPCOptions `mapstructure:"grpc"`

	// Unique name of the worker.
	Name string `mapstructure:"name"`

	// gRPC URI of the build master.
	MasterGrpcUri string `mapstructure:"master_grpc_uri"`

	// Builders this worker serves.
	Builders []string `mapstructure:"builders"`

	// Maximum number of simultaneous builds.
	MaxBuilds int `mapstructure:"max_builds"`

	// Extra platform properties, as key=value.
	Properties []string `mapstructure:"properties"`

	// Directory steps run in.
	BuildDir string `mapstructure:"build_dir"`

	// Delay before the first reconnection attempt. Doubled on every
	// failed attempt up to ReconnectMax.
	ReconnectMin time.Duration `mapstructure:"reconnect_min"`
	ReconnectMax time.Duration `mapstructure:"reconnect_max"`

	// Time an interrupted step gets to exit before it is killed.
	KillTimeout time.Duration `mapstructure:"kill_timeout"`
}

// Checks if the worker configuration is valid and fills in defaults.
func (c *WorkerConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: a worker name is required", utils.ErrConfig)
	}

	if c.MasterGrpcUri == "" {
		return fmt.Errorf("%w: a master URI is required", utils.ErrConfig)
	}
	if _, err := utils.ParseGrpcUrl(c.MasterGrpcUri); err != nil {
		return fmt.Errorf("%w: the master URI is not valid: %v", utils.ErrConfig, err)
	}

	if len(c.Builders) == 0 {
		return fmt.Errorf("%w: the worker serves no builders", utils.ErrConfig)
	}

	if c.MaxBuilds <= 0 {
		c.MaxBuilds = 1
	}
	if c.MaxBuilds > runtime.NumCPU() {
		log.Warnf("max_builds %d exceeds the number of CPUs", c.MaxBuilds)
	}

	if _, err := workers.ParseProperties(c.Properties); err != nil {
		return fmt.Errorf("%w: %v", utils.ErrConfig, err)
	}

	if c.BuildDir == "" {
		c.BuildDir = "build"
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = DefaultReconnectMin
	}
	if c.ReconnectMax < c.ReconnectMin {
		c.ReconnectMax = max(DefaultReconnectMax, c.ReconnectMin)
	}
	if c.KillTimeout <= 0 {
		c.KillTimeout = DefaultKillTimeout
	}

	return nil
}

// Returns the default host properties followed by the configured ones.
func (c *WorkerConfig) PlatformProperties() workers.Properties {
	props := workers.DefaultProperties()
	extra, _ := workers.ParseProperties(c.Properties)
	return append(props, extra...)
}

func (c *WorkerConfig) Log() {
	log.Info("Worker configuration:")
	log.Infof("  name = %s", c.Name)
	log.Infof("  master_grpc_uri = %s", c.MasterGrpcUri)
	log.Infof("  builders = %v", c.Builders)
	log.Infof("  max_builds = %d", c.MaxBuilds)
	log.Infof("  build_dir = %s", c.BuildDir)
	log.Infof("  reconnect = %s..%s", c.ReconnectMin, c.ReconnectMax)
	log.Info("  properties:")
	for _, prop := range c.PlatformProperties() {
		log.Infof("    %s=%s", prop.Key, prop.Value)
	}
	c.Grpc.Log()
}
