package utils

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

type testConfig struct {
	Lease    time.Duration `mapstructure:"lease"`
	Enabled  bool          `mapstructure:"enabled"`
	Slots    int           `mapstructure:"slots"`
	Builders []string      `mapstructure:"builders"`
	Nested   struct {
		Name string `mapstructure:"name"`
	} `mapstructure:"nested"`
}

func TestUnmarshalConfig(t *testing.T) {
	v := viper.New()
	v.SetConfigType("yaml")
	assert.NoError(t, v.ReadConfig(strings.NewReader(`
lease: 90s
enabled: "yes"
slots: "4"
builders: linux,windows
nested:
  name: primary
`)))

	cfg := &testConfig{}
	assert.NoError(t, UnmarshalConfig(v, cfg))
	assert.Equal(t, 90*time.Second, cfg.Lease)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, 4, cfg.Slots)
	assert.Equal(t, []string{"linux", "windows"}, cfg.Builders)
	assert.Equal(t, "primary", cfg.Nested.Name)
}

func TestUnmarshalConfigError(t *testing.T) {
	v := viper.New()
	v.Set("slots", "many")

	cfg := &testConfig{}
	assert.ErrorIs(t, UnmarshalConfig(v, cfg), ErrConfig)
}
