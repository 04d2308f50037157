package workers

import (
	"runtime"
	"testing"

	"github.com/srand/buildmaster/pkg/utils"
	"github.com/stretchr/testify/assert"
)

func TestProperties(t *testing.T) {
	p := DefaultProperties()
	r := Properties{}

	r = r.Add("node.arch", runtime.GOARCH)
	assert.True(t, p.Fulfills(r))

	r = r.Add("node.os", runtime.GOOS)
	assert.True(t, p.Fulfills(r))

	r = r.Add("label", "gpu")
	assert.False(t, p.Fulfills(r))
}

func TestPropertiesMultipleValues(t *testing.T) {
	p := Properties{}.Add("label", "gpu").Add("label", "fast")

	assert.True(t, p.Fulfills(Properties{}.Add("label", "fast")))
	assert.True(t, p.Fulfills(Properties{}.Add("label", "gpu").Add("label", "fast")))
	assert.False(t, p.Fulfills(Properties{}.Add("label", "slow")))
	assert.Equal(t, "label=fast\nlabel=gpu\n", p.String())

	value, ok := p.Get("label")
	assert.True(t, ok)
	assert.Equal(t, "gpu", value)
}

func TestParseProperties(t *testing.T) {
	p, err := ParseProperties([]string{"label=test", " os = linux"})
	assert.NoError(t, err)
	assert.True(t, p.Fulfills(Properties{}.Add("label", "test").Add("os", " linux")))

	_, err = ParseProperties([]string{"label"})
	assert.ErrorIs(t, err, utils.ErrParse)

	_, err = ParseProperties([]string{"=value"})
	assert.ErrorIs(t, err, utils.ErrParse)
}
