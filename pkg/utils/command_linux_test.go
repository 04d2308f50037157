//go:build linux

package utils

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCommandOutput(t *testing.T) {
	out := &bytes.Buffer{}
	cmd := NewCommand("sh", "-c", "echo $GREETING")
	cmd.SetEnv(map[string]string{"GREETING": "hello"})
	cmd.SetStdout(out)

	assert.NoError(t, cmd.Start())
	assert.NoError(t, cmd.Wait())
	assert.Equal(t, "hello\n", out.String())
}

func TestCommandExitCode(t *testing.T) {
	cmd := NewCommand("sh", "-c", "exit 3")
	assert.NoError(t, cmd.Start())
	assert.Equal(t, 3, ExitCode(cmd.Wait()))
	assert.Equal(t, 0, ExitCode(nil))
}

func TestCommandKillProcessGroup(t *testing.T) {
	cmd := NewCommand("sh", "-c", "sleep 30 & sleep 30")
	assert.NoError(t, cmd.Start())

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	assert.NoError(t, cmd.Kill())

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("process group was not killed")
	}
}
