package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srand/buildmaster/pkg/protocol"
	"github.com/srand/buildmaster/pkg/utils"
)

type published struct {
	channel string
	message []byte
}

type fakeRedis struct {
	sync.Mutex
	messages []published
	err      error
	closed   bool
}

func (r *fakeRedis) Publish(_ context.Context, channel string, message any) *redis.IntCmd {
	r.Lock()
	defer r.Unlock()

	if r.err != nil {
		return redis.NewIntResult(0, r.err)
	}
	r.messages = append(r.messages, published{channel: channel, message: message.([]byte)})
	return redis.NewIntResult(1, nil)
}

func (r *fakeRedis) Close() error {
	r.closed = true
	return nil
}

func (r *fakeRedis) published() []published {
	r.Lock()
	defer r.Unlock()
	return append([]published(nil), r.messages...)
}

func TestRedisSinkPublish(t *testing.T) {
	client := &fakeRedis{}
	sink := newRedisSink(client, "")

	event := &protocol.Event{
		Type:  protocol.EventBuildFinished,
		Build: &protocol.BuildInfo{ID: "b1", Builder: "linux", Result: protocol.ResultFailure},
	}
	require.NoError(t, sink.Publish(context.Background(), event))

	messages := client.published()
	require.Len(t, messages, 1)
	assert.Equal(t, "buildmaster:build.finished", messages[0].channel)

	var decoded protocol.Event
	require.NoError(t, json.Unmarshal(messages[0].message, &decoded))
	assert.Equal(t, protocol.EventBuildFinished, decoded.Type)
	assert.Equal(t, "b1", decoded.Build.ID)
	assert.Equal(t, protocol.ResultFailure, decoded.Build.Result)

	require.NoError(t, sink.Close())
	assert.True(t, client.closed)
}

func TestRedisSinkError(t *testing.T) {
	client := &fakeRedis{err: errors.New("connection refused")}
	sink := newRedisSink(client, "ci")

	err := sink.Publish(context.Background(), &protocol.Event{Type: protocol.EventBuildsetFinished})
	assert.EqualError(t, err, "connection refused")
	assert.Equal(t, "ci:buildset.finished", sink.Channel(protocol.EventBuildsetFinished))
}

func TestForward(t *testing.T) {
	broadcast := utils.NewBroadcast[*protocol.Event](time.Second)
	consumer := broadcast.NewConsumer()

	client := &fakeRedis{}
	failing := newRedisSink(&fakeRedis{err: errors.New("down")}, "")

	done := make(chan struct{})
	go func() {
		defer close(done)
		Forward(context.Background(), consumer, NewLogSink(), failing, newRedisSink(client, ""))
	}()

	broadcast.Send(&protocol.Event{Type: protocol.EventBuildStarted, Build: &protocol.BuildInfo{ID: "b1"}})
	broadcast.Send(&protocol.Event{Type: protocol.EventBuildsetFinished, BuildSet: &protocol.BuildSetInfo{ID: 1}})

	require.Eventually(t, func() bool { return len(client.published()) == 2 }, 5*time.Second, 5*time.Millisecond)

	broadcast.Close()
	<-done
}

func TestForwardStopsOnCancel(t *testing.T) {
	broadcast := utils.NewBroadcast[*protocol.Event](time.Second)
	consumer := broadcast.NewConsumer()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		Forward(ctx, consumer, NewLogSink())
	}()

	cancel()
	<-done
	assert.False(t, broadcast.HasConsumer())
}

func TestConfigValidate(t *testing.T) {
	config := &Config{RedisURL: "redis://localhost:6379/0"}
	require.NoError(t, config.Validate())
	assert.Equal(t, DefaultRedisChannel, config.RedisChannel)

	config = &Config{RedisChannel: "ci"}
	assert.ErrorIs(t, config.Validate(), utils.ErrConfig)
}
