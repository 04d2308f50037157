package main

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/srand/buildmaster/pkg/queue"
	"github.com/srand/buildmaster/pkg/scheduler"
	"github.com/srand/buildmaster/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
listen_grpc: [tcp://:9090]
listen_http: [tcp://:8080]
lease_timeout: 2m
logstash:
  size: 10MiB
queue:
  driver: memory
scheduler:
  ack_timeout: 5s
  locks:
    - name: db
      mode: counting
      max_count: 2
  builders:
    - name: linux
      locks: [db]
      steps:
        - name: compile
          kind: shell
          command: [make]
          timeout: 10m
`

func TestConfigFromYaml(t *testing.T) {
	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(testConfig)))

	cfg := &Config{}
	require.NoError(t, utils.UnmarshalConfig(v, cfg))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 2*time.Minute, cfg.LeaseTimeout)
	assert.Equal(t, scheduler.DefaultSweepPeriod, cfg.SweepPeriod)
	assert.Equal(t, scheduler.DefaultKeepalive, cfg.WorkerKeepalive)
	assert.Equal(t, int64(10<<20), cfg.LogStash.MaxSize())
	assert.Equal(t, "memory", cfg.LogStash.StorageType)
	assert.Equal(t, 5*time.Second, cfg.Scheduler.AckTimeout)

	require.Len(t, cfg.Scheduler.Builders, 1)
	builder := cfg.Scheduler.Builders[0]
	assert.Equal(t, []string{"db"}, builder.Locks)
	require.Len(t, builder.Steps, 1)
	assert.Equal(t, []string{"make"}, builder.Steps[0].Command)
	assert.Equal(t, 10*time.Minute, builder.Steps[0].Timeout)
}

func TestConfigValidate(t *testing.T) {
	cfg := &Config{ListenGrpc: []string{"tcp://:9090"}}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "memory", cfg.Queue.Driver)
	assert.Equal(t, queue.DefaultLeaseTimeout, cfg.LeaseTimeout)

	cfg = &Config{}
	assert.ErrorIs(t, cfg.Validate(), utils.ErrConfig)

	cfg = &Config{ListenGrpc: []string{"tcp://:9090"}, LeaseTimeout: time.Second, SweepPeriod: time.Minute}
	assert.ErrorIs(t, cfg.Validate(), utils.ErrConfig)

	cfg = &Config{ListenGrpc: []string{"tcp://:9090"}, LogStash: LogStashConfig{StorageType: "disk"}}
	assert.ErrorIs(t, cfg.Validate(), utils.ErrConfig)

	cfg = &Config{ListenGrpc: []string{"tcp://:9090"}, LogStash: LogStashConfig{MaxSize_: "lots"}}
	assert.ErrorIs(t, cfg.Validate(), utils.ErrConfig)
}
