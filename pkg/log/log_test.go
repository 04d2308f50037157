package log

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShouldLog(t *testing.T) {
	assert.True(t, ShouldLog(InfoLevel, DebugLevel))
	assert.True(t, ShouldLog(ErrorLevel, InfoLevel))
	assert.False(t, ShouldLog(DebugLevel, InfoLevel))
	assert.False(t, ShouldLog(ErrorLevel, DisabledLevel))
	assert.False(t, ShouldLog("bogus", InfoLevel))
}

func TestLevelFiltering(t *testing.T) {
	buf := &bytes.Buffer{}
	SetOutput(buf)
	defer SetOutput(os.Stdout)
	defer SetLevel(InfoLevel)

	assert.NoError(t, SetLevel(InfoLevel))
	Debug("hidden")
	Info("new - build - id:", "abc")
	Warnf("del - lock - %s", "db")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, " -  info - new - build - id: abc")
	assert.Contains(t, out, " -  warn - del - lock - db")

	assert.Error(t, SetLevel("loud"))
}

func TestLogWriter(t *testing.T) {
	buf := &bytes.Buffer{}
	SetOutput(buf)
	defer SetOutput(os.Stdout)

	w := NewLogWriter(InfoLevel)
	n, err := w.Write([]byte("from library\n"))
	assert.NoError(t, err)
	assert.Equal(t, 13, n)
	assert.Contains(t, buf.String(), "from library")
}
