package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/srand/buildmaster/pkg/protocol"
	"github.com/srand/buildmaster/pkg/utils"
)

// Runs steps of one kind.
type StepHandler interface {
	// Runs the step until it exits or the context is cancelled, and returns
	// its exit status. An error means the step could not be run at all.
	Execute(ctx context.Context, cmd *protocol.StartCommand, output Output) (int, error)

	// Returns a short description of the outcome.
	Summarize(cmd *protocol.StartCommand, exitCode int) string
}

// Step handlers by kind.
type Handlers map[protocol.StepKind]StepHandler

// Returns handlers for every step kind.
func DefaultHandlers(config *WorkerConfig) Handlers {
	return Handlers{
		protocol.StepShell: &ShellHandler{BuildDir: config.BuildDir, KillTimeout: config.KillTimeout},
		protocol.StepNoop:  NoopHandler{},
	}
}

// Does nothing and succeeds.
type NoopHandler struct{}

func (NoopHandler) Execute(context.Context, *protocol.StartCommand, Output) (int, error) {
	return 0, nil
}

func (NoopHandler) Summarize(*protocol.StartCommand, int) string {
	return ""
}

// Runs a command in its own process group.
// On interruption the group gets SIGINT, and SIGKILL if it has not exited
// within the kill timeout.
type ShellHandler struct {
	BuildDir    string
	KillTimeout time.Duration
}

func (h *ShellHandler) Execute(ctx context.Context, cmd *protocol.StartCommand, output Output) (int, error) {
	dir := filepath.Join(h.BuildDir, cmd.Spec.Workdir)
	if err := os.MkdirAll(dir, 0777); err != nil {
		return -1, err
	}

	env := map[string]string{
		"BUILDMASTER_BUILD_ID": cmd.BuildID,
		"BUILDMASTER_STEP":     cmd.Spec.Name,
	}
	for key, value := range cmd.Spec.Env {
		env[key] = value
	}

	stdout := newLineWriter("stdout", output)
	stderr := newLineWriter("stderr", output)

	c := utils.NewCommand(cmd.Spec.Command...)
	c.SetDir(dir)
	c.SetEnv(env)
	c.SetStdout(stdout)
	c.SetStderr(stderr)

	if err := c.Start(); err != nil {
		return -1, utils.NewCmdError("step could not be started", err.Error())
	}

	done := make(chan error, 1)
	go func() {
		done <- c.Wait()
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		if ierr := c.Interrupt(); ierr != nil {
			output(protocol.LogLine{Time: time.Now(), Stream: "stderr", Message: "interrupt failed: " + ierr.Error()})
		}

		timer := time.NewTimer(h.KillTimeout)
		defer timer.Stop()

		select {
		case err = <-done:
		case <-timer.C:
			c.Kill()
			err = <-done
		}
	}

	stdout.Flush()
	stderr.Flush()
	return utils.ExitCode(err), nil
}

func (h *ShellHandler) Summarize(cmd *protocol.StartCommand, exitCode int) string {
	if exitCode == 0 {
		return ""
	}
	return fmt.Sprintf("exit status %d", exitCode)
}
