package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/srand/buildmaster/pkg/log"
	"github.com/srand/buildmaster/pkg/protocol"
)

// Subset of the Redis client used for publication.
type redisClient interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Close() error
}

// Publishes events as JSON on Redis pub/sub channels.
type RedisSink struct {
	client  redisClient
	channel string
}

// Connects to the Redis server at url.
func NewRedisSink(ctx context.Context, url, channel string) (*RedisSink, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	log.Info("Publishing events to redis at", opt.Addr)
	return newRedisSink(client, channel), nil
}

func newRedisSink(client redisClient, channel string) *RedisSink {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisSink{client: client, channel: channel}
}

// Returns the channel an event type is published on.
func (s *RedisSink) Channel(eventType protocol.EventType) string {
	return s.channel + ":" + string(eventType)
}

func (s *RedisSink) Publish(ctx context.Context, event *protocol.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, s.Channel(event.Type), data).Err()
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}
