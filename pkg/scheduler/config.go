package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/srand/buildmaster/pkg/locks"
	"github.com/srand/buildmaster/pkg/log"
	"github.com/srand/buildmaster/pkg/protocol"
	"github.com/srand/buildmaster/pkg/utils"
	"github.com/srand/buildmaster/pkg/workers"
)

// Default time a worker has to acknowledge a command.
const DefaultAckTimeout = 30 * time.Second

// Configuration of one builder.
type BuilderConfig struct {
	// Unique name of the builder.
	Name string `mapstructure:"name"`

	// Names of the workers allowed to run the builder. Empty means any
	// worker serving the builder.
	Workers []string `mapstructure:"workers"`

	// Worker properties required by the builder, as key=value.
	Properties []string `mapstructure:"properties"`

	// Locks held for the duration of every build.
	Locks []string `mapstructure:"locks"`

	// Whether compatible pending requests may be merged. Defaults to true.
	Merge *bool `mapstructure:"merge"`

	// Maximum number of simultaneous builds. Zero means unlimited.
	MaxBuilds int `mapstructure:"max_builds"`

	// Maximum number of claims of a request before a RETRY result
	// becomes final. Zero means unlimited.
	MaxRetries int `mapstructure:"max_retries"`

	// Maximum run time of a build. Zero means no limit.
	Timeout time.Duration `mapstructure:"timeout"`

	// Steps run in order on the worker.
	Steps []protocol.StepSpec `mapstructure:"steps"`

	requirements workers.Properties
	workers      map[string]bool
}

func (c *BuilderConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: builder has no name", utils.ErrConfig)
	}

	if len(c.Steps) == 0 {
		return fmt.Errorf("%w: builder %s has no steps", utils.ErrConfig, c.Name)
	}

	names := map[string]bool{}
	for i := range c.Steps {
		if err := c.Steps[i].Validate(); err != nil {
			return fmt.Errorf("%w: builder %s: %v", utils.ErrConfig, c.Name, err)
		}
		if names[c.Steps[i].Name] {
			return fmt.Errorf("%w: builder %s: duplicate step %s", utils.ErrConfig, c.Name, c.Steps[i].Name)
		}
		names[c.Steps[i].Name] = true
	}

	if c.MaxBuilds < 0 || c.MaxRetries < 0 || c.Timeout < 0 {
		return fmt.Errorf("%w: builder %s: negative limit", utils.ErrConfig, c.Name)
	}

	requirements, err := workers.ParseProperties(c.Properties)
	if err != nil {
		return fmt.Errorf("%w: builder %s: %v", utils.ErrConfig, c.Name, err)
	}
	c.requirements = requirements

	c.workers = map[string]bool{}
	for _, name := range c.Workers {
		c.workers[name] = true
	}

	return nil
}

// Returns true if pending requests of the builder may be merged.
func (c *BuilderConfig) MergeAllowed() bool {
	return c.Merge == nil || *c.Merge
}

// Returns true if the worker may run builds of this builder.
func (c *BuilderConfig) Accepts(w *workers.Worker) bool {
	if len(c.workers) > 0 && !c.workers[w.Name()] {
		return false
	}
	return w.Properties().Fulfills(c.requirements)
}

// Scheduling configuration.
type Config struct {
	Builders []BuilderConfig    `mapstructure:"builders"`
	Locks    []locks.Definition `mapstructure:"locks"`

	// Time a worker has to acknowledge a command before the build is retried.
	AckTimeout time.Duration `mapstructure:"ack_timeout"`
}

func (c *Config) Validate() error {
	if c.AckTimeout < 0 {
		return fmt.Errorf("%w: negative ack_timeout", utils.ErrConfig)
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = DefaultAckTimeout
	}

	lockNames := map[string]bool{}
	for i := range c.Locks {
		if err := c.Locks[i].Validate(); err != nil {
			return fmt.Errorf("%w: %v", utils.ErrConfig, err)
		}
		if lockNames[c.Locks[i].Name] {
			return fmt.Errorf("%w: duplicate lock %s", utils.ErrConfig, c.Locks[i].Name)
		}
		lockNames[c.Locks[i].Name] = true
	}

	builderNames := map[string]bool{}
	for i := range c.Builders {
		if err := c.Builders[i].Validate(); err != nil {
			return err
		}
		if builderNames[c.Builders[i].Name] {
			return fmt.Errorf("%w: duplicate builder %s", utils.ErrConfig, c.Builders[i].Name)
		}
		builderNames[c.Builders[i].Name] = true
	}

	return nil
}

func (c *Config) Log() {
	log.Info("Scheduler configuration:")
	log.Info("  Ack timeout:", c.AckTimeout)
	for _, lock := range c.Locks {
		log.Infof("  Lock: %s (%s, %d)", lock.Name, lock.Mode, lock.Capacity())
	}
	for _, builder := range c.Builders {
		log.Infof("  Builder: %s (%d steps, max builds: %d, locks: %v)",
			builder.Name, len(builder.Steps), builder.MaxBuilds, builder.Locks)
	}
}

// Holds the installed configuration.
// Every installed configuration gets a new version number. Builds keep the
// builder configuration they were started with.
type ConfigRegistry struct {
	sync.RWMutex

	version  uint64
	config   *Config
	builders map[string]*BuilderConfig
}

func NewConfigRegistry() *ConfigRegistry {
	return &ConfigRegistry{
		config:   &Config{AckTimeout: DefaultAckTimeout},
		builders: map[string]*BuilderConfig{},
	}
}

// Validates and installs a configuration. Returns its version.
func (r *ConfigRegistry) Install(config *Config) (uint64, error) {
	if err := config.Validate(); err != nil {
		return 0, err
	}

	builders := make(map[string]*BuilderConfig, len(config.Builders))
	for i := range config.Builders {
		builders[config.Builders[i].Name] = &config.Builders[i]
	}

	r.Lock()
	defer r.Unlock()

	r.version++
	r.config = config
	r.builders = builders

	log.Infof("new - config - version: %d, builders: %d, locks: %d", r.version, len(config.Builders), len(config.Locks))
	return r.version, nil
}

func (r *ConfigRegistry) Version() uint64 {
	r.RLock()
	defer r.RUnlock()
	return r.version
}

func (r *ConfigRegistry) Config() *Config {
	r.RLock()
	defer r.RUnlock()
	return r.config
}

// Returns the configuration of a builder.
func (r *ConfigRegistry) Builder(name string) (*BuilderConfig, error) {
	r.RLock()
	defer r.RUnlock()

	builder, ok := r.builders[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", utils.ErrUnknownBuilder, name)
	}
	return builder, nil
}
