package events

import (
	"fmt"

	"github.com/srand/buildmaster/pkg/log"
	"github.com/srand/buildmaster/pkg/utils"
)

// Default prefix of the Redis channels events are published on.
const DefaultRedisChannel = "buildmaster"

type Config struct {
	// Log every event.
	LogEvents bool `mapstructure:"log"`

	// Redis server to publish events to, as redis://host:port/db.
	// Empty disables publication.
	RedisURL string `mapstructure:"redis_url"`

	// Prefix of the channel names. Events are published on
	// <prefix>:<event type>.
	RedisChannel string `mapstructure:"redis_channel"`
}

func (c *Config) Validate() error {
	if c.RedisURL != "" && c.RedisChannel == "" {
		c.RedisChannel = DefaultRedisChannel
	}
	if c.RedisURL == "" && c.RedisChannel != "" {
		return fmt.Errorf("%w: events.redis_channel set without events.redis_url", utils.ErrConfig)
	}
	return nil
}

func (c *Config) Log() {
	log.Info("  events:")
	log.Info("    log =", c.LogEvents)
	if c.RedisURL != "" {
		log.Info("    redis_url =", c.RedisURL)
		log.Info("    redis_channel =", c.RedisChannel)
	}
}
